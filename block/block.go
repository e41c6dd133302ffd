// Package block defines the planner's unit of work: a single straight-line
// move with a trapezoidal velocity profile, shared between the planner and
// BlockDispatcher via a reference count. Grounded on the same take/release
// discipline the teacher's core/trsync.go uses for command lifetimes, cut
// down to the two operations the dispatcher actually needs.
package block

import (
	"fmt"
	"sync/atomic"
)

// Axis indexes the three coordinated axes this core drives. Slice indices
// into Block.Steps/Direction follow this order, and it is also the tie-break
// order used when BlockDispatcher selects a main axis.
type Axis int

const (
	Alpha Axis = iota
	Beta
	Gamma
	NumAxes
)

func (a Axis) String() string {
	switch a {
	case Alpha:
		return "alpha"
	case Beta:
		return "beta"
	case Gamma:
		return "gamma"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// Block is one planner-produced move. It is immutable once dispatched;
// only refs is mutated afterward.
type Block struct {
	Steps     [NumAxes]uint32
	Direction [NumAxes]bool

	// StepsEventCount is the main axis's step count, i.e. max(Steps[*]).
	StepsEventCount uint32

	InitialRate, NominalRate, FinalRate, MaxRate uint32
	RateDelta                                    uint32

	AccelerateUntil, DecelerateAfter uint32

	Millimeters float64

	refs atomic.Int32
}

// New builds a Block from per-axis targets and speed parameters, deriving
// StepsEventCount. It does not validate; call Validate before dispatch.
func New(steps [NumAxes]uint32, direction [NumAxes]bool, initial, nominal, final, max, rateDelta, accelUntil, decelAfter uint32, mm float64) *Block {
	b := &Block{
		Steps:           steps,
		Direction:       direction,
		InitialRate:     initial,
		NominalRate:     nominal,
		FinalRate:       final,
		MaxRate:         max,
		RateDelta:       rateDelta,
		AccelerateUntil: accelUntil,
		DecelerateAfter: decelAfter,
		Millimeters:     mm,
	}
	for _, s := range steps {
		if s > b.StepsEventCount {
			b.StepsEventCount = s
		}
	}
	return b
}

// Validate checks the invariant 0 ≤ AccelerateUntil ≤ DecelerateAfter ≤
// StepsEventCount and that no axis step count exceeds StepsEventCount.
func (b *Block) Validate() error {
	if b.AccelerateUntil > b.DecelerateAfter {
		return fmt.Errorf("block: accelerate_until %d > decelerate_after %d", b.AccelerateUntil, b.DecelerateAfter)
	}
	if b.DecelerateAfter > b.StepsEventCount {
		return fmt.Errorf("block: decelerate_after %d > steps_event_count %d", b.DecelerateAfter, b.StepsEventCount)
	}
	for a, s := range b.Steps {
		if s > b.StepsEventCount {
			return fmt.Errorf("block: axis %s steps %d exceeds steps_event_count %d", Axis(a), s, b.StepsEventCount)
		}
	}
	return nil
}

// IsTrivial reports whether the block has zero length or moves no axis;
// BlockDispatcher advances such blocks by issuing a zero-step move on every
// motor.
func (b *Block) IsTrivial() bool {
	if b.Millimeters == 0 {
		return true
	}
	for _, s := range b.Steps {
		if s > 0 {
			return false
		}
	}
	return true
}

// KeepMoving reports whether the block's exit speed is high enough that
// motors must keep stepping into the next block rather than stop.
func (b *Block) KeepMoving() bool {
	return b.FinalRate > b.RateDelta
}

// Take increments the reference count. Called by the dispatcher when it
// begins dispatching a block.
func (b *Block) Take() {
	b.refs.Add(1)
}

// Release decrements the reference count and reports whether it reached
// zero, at which point the caller may recycle or discard the block. May be called from the accel tick (flush path) or
// from the base context (end-of-move callback), hence the atomic.
func (b *Block) Release() bool {
	return b.refs.Add(-1) == 0
}

// RefCount reports the current hold count, for diagnostics and tests.
func (b *Block) RefCount() int32 {
	return b.refs.Load()
}
