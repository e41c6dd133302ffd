// Package trapezoid implements the per-block acceleration ISR: it recomputes
// the main axis's step rate from its position within the current block's
// trapezoidal velocity profile, and slaves every other active axis to it so
// all axes cross their targets together. Grounded on
// Stepper::trapezoid_generator_tick in original_source, reworked from the
// original's five-branch method body into a small segment table plus the
// mathutil.QuadInterp helper the teacher's own maths package style favors
// (see common/utils/maths in the reference stack).
package trapezoid

import (
	"go.uber.org/zap"

	"github.com/PetteriAimonen/Jerkware/block"
	"github.com/PetteriAimonen/Jerkware/internal/mathutil"
	"github.com/PetteriAimonen/Jerkware/motor"
)

// SpeedChangeEvent is emitted on every acceleration tick that recomputes a
// rate, mirroring the ON_SPEED_CHANGE hook of spec §4.3.
type SpeedChangeEvent struct {
	MainRate uint32
	MainPos  uint32
	Flushing bool
}

// Publisher is the minimal event-bus surface Trapezoid needs; satisfied by
// eventbus.LocalBus.
type Publisher interface {
	Publish(topic string, payload interface{})
}

const TopicSpeedChange = "trapezoid.speed_change"

// FlushSource reports whether the external conveyor has requested an abort
// of the block currently in flight.
type FlushSource interface {
	IsFlushing() bool
}

// Trapezoid is the rate controller bound to one block at a time.
type Trapezoid struct {
	ticksPerSecond uint32 // F/K, the acceleration tick rate

	bus   Publisher
	flush FlushSource
	log   *zap.Logger

	block *block.Block
	main  *motor.Motor
	other []*motor.Motor

	previousMainRate uint32
	previousMainPos  uint32

	// flushed latches once tickFlush has zeroed every motor for the block
	// currently bound, so a flush source that keeps reporting IsFlushing
	// after completion doesn't re-fire onBlockFlushed on every later tick.
	// Reset clears it for the next block.
	flushed bool

	// onBlockFlushed is invoked once the flush deceleration reaches
	// min_rate and all motors have been zeroed; the dispatcher uses it to
	// release the block and clear its own reference.
	onBlockFlushed func()
}

// New returns a Trapezoid ticking at the given accel-tick frequency
// (F/K in the spec's terms).
func New(ticksPerSecond uint32, bus Publisher, flush FlushSource, log *zap.Logger) *Trapezoid {
	if log == nil {
		log = zap.NewNop()
	}
	return &Trapezoid{ticksPerSecond: ticksPerSecond, bus: bus, flush: flush, log: log}
}

// OnBlockFlushed registers the callback fired when a flush-driven
// deceleration bottoms out.
func (t *Trapezoid) OnBlockFlushed(fn func()) {
	t.onBlockFlushed = fn
}

// Bind attaches the controller to a new block and its main/secondary
// motors. Must be followed by Reset before the first Tick.
func (t *Trapezoid) Bind(b *block.Block, main *motor.Motor, other []*motor.Motor) {
	t.block = b
	t.main = main
	t.other = other
}

// Reset re-arms the controller at the start of a block: the previous rate
// becomes the block's initial rate, and the position reference resets to 0.
func (t *Trapezoid) Reset() {
	if t.block == nil {
		return
	}
	t.previousMainRate = t.block.InitialRate
	t.previousMainPos = 0
	t.flushed = false
}

func (t *Trapezoid) minRate() uint32 {
	return t.block.RateDelta / 2
}

// Tick is the L1 acceleration re-tick: it derives the main axis's rate from
// its current step position, applies it, then slaves every other axis so
// all axes reach their targets together.
func (t *Trapezoid) Tick() {
	if t.block == nil || t.main == nil {
		return
	}
	b := t.block
	minRate := t.minRate()

	if t.flush != nil && t.flush.IsFlushing() {
		if !t.flushed {
			t.tickFlush(minRate)
		}
		return
	}

	p := t.main.GetStepped()
	var mainRate uint32

	switch {
	case p >= b.StepsEventCount:
		// Coast-down between blocks: keep decelerating even past the
		// nominal end so an overshooting main axis doesn't suddenly jump
		// to full rate before the next block is programmed.
		mainRate = mathutil.SaturatingSubU32(t.previousMainRate, b.RateDelta)
	case p < b.AccelerateUntil:
		floor := b.InitialRate
		if minRate > floor {
			floor = minRate
		}
		mainRate = uint32(mathutil.QuadInterp(float64(p), 0, float64(floor), float64(b.AccelerateUntil), float64(b.MaxRate)))
	case p >= b.DecelerateAfter:
		end := p
		if t.ticksPerSecond > 0 {
			end += t.previousMainRate / t.ticksPerSecond
		}
		floor := b.FinalRate
		if minRate > floor {
			floor = minRate
		}
		mainRate = uint32(mathutil.QuadInterp(float64(end), float64(b.DecelerateAfter), float64(b.MaxRate), float64(b.StepsEventCount), float64(floor)))
	default:
		mainRate = b.NominalRate
	}

	if mainRate < minRate {
		mainRate = minRate
	}

	t.previousMainRate = mainRate
	t.previousMainPos = p
	t.main.SetRate(mainRate)

	t.slaveSecondaryAxes()
	t.publish(mainRate, p, false)
}

// tickFlush implements the cooperative-abort path: decelerate at rate_delta
// per tick until min_rate, then zero every motor's target and release the
// block through onBlockFlushed.
func (t *Trapezoid) tickFlush(minRate uint32) {
	b := t.block
	next := mathutil.SaturatingSubU32(t.previousMainRate, b.RateDelta)
	if next <= minRate {
		next = minRate
		t.previousMainRate = next
		t.main.SetRate(0)
		_ = t.main.Move(false, 0, 0)
		for _, s := range t.other {
			s.SetRate(0)
			_ = s.Move(false, 0, 0)
		}
		t.publish(0, t.main.GetStepped(), true)
		t.flushed = true
		if t.onBlockFlushed != nil {
			t.onBlockFlushed()
		}
		return
	}
	t.previousMainRate = next
	t.main.SetRate(next)
	t.publish(next, t.main.GetStepped(), true)
}

// slaveSecondaryAxes derives each non-main motor's rate from its remaining
// distance relative to the main axis's remaining distance, guaranteeing the
// finish-together invariant regardless of accumulated rounding.
func (t *Trapezoid) slaveSecondaryAxes() {
	mainTarget := t.main.GetStepsToMove()
	for _, s := range t.other {
		if s.GetStepped() >= s.GetStepsToMove() || t.previousMainPos >= mainTarget {
			continue
		}
		remainingMain := mainTarget - t.previousMainPos
		remainingOther := s.GetStepsToMove() - s.GetStepped()
		if remainingMain == 0 {
			continue
		}
		rate := uint32((uint64(remainingOther)*uint64(t.previousMainRate) + uint64(remainingMain)/2) / uint64(remainingMain))
		s.SetRate(rate)
	}
}

func (t *Trapezoid) publish(rate, pos uint32, flushing bool) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(TopicSpeedChange, SpeedChangeEvent{MainRate: rate, MainPos: pos, Flushing: flushing})
}

// GetSpeedFactor reports the main axis's current rate as a fraction of the
// block's nominal rate, a diagnostic the original firmware exposes to its
// status API (supplemented from original_source; not part of the tick
// hot path).
func (t *Trapezoid) GetSpeedFactor() float64 {
	if t.block == nil || t.block.NominalRate == 0 {
		return 0
	}
	return float64(t.previousMainRate) / float64(t.block.NominalRate)
}
