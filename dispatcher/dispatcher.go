// Package dispatcher implements BlockDispatcher: it takes the block handed
// to Begin, programs each motor, selects the main axis, arms the trapezoid
// controller, and releases its hold on the block once every axis has
// finished. Grounded on the block-then-fan-out shape of the teacher's
// core/stepper.go loadNextMove, generalized from a single-axis command
// queue to the three-axis block model this spec requires; multierr usage on
// the axis-enable path is grounded on the per-register error aggregation in
// other_examples' stepper_motor_tmc.go.
package dispatcher

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/PetteriAimonen/Jerkware/block"
	"github.com/PetteriAimonen/Jerkware/conveyor"
	"github.com/PetteriAimonen/Jerkware/eventbus"
	"github.com/PetteriAimonen/Jerkware/motor"
	"github.com/PetteriAimonen/Jerkware/trapezoid"
)

const TopicBlockFinished = "dispatcher.block_finished"

// TimerHandle is the subset of steptimer.StepTimer the dispatcher polls
// for the coarse move-finished edge, defined here (rather than imported
// from steptimer) so dispatcher does not need to depend on it directly —
// only on the interface it actually calls.
type TimerHandle interface {
	DrainMoveFinished() bool
	SynchronizeAcceleration(fireNow bool)
}

// Context bundles the dispatcher's external dependencies, replacing the
// THEKERNEL global singleton the original firmware relied on: the step
// timer, the block source, the rate controller and the event bus are all
// passed in explicitly at construction.
type Context struct {
	Timer      TimerHandle
	Conveyor   *conveyor.Conveyor
	Trapezoid  *trapezoid.Trapezoid
	Bus        eventbus.Bus
	Motors     [block.NumAxes]*motor.Motor
	Log        *zap.Logger
}

// Dispatcher is BlockDispatcher: the L2 component that turns queued blocks
// into programmed motors.
type Dispatcher struct {
	ctx Context

	current     *block.Block
	main        *motor.Motor
	mainAxis    block.Axis
	halted      bool
	paused      bool
	pinsEnabled bool
}

// New constructs a Dispatcher and wires the trapezoid's flush completion to
// block release. Motor end-of-move handling is driven by Poll, which calls
// onMotorMoveFinished for each motor whose finished edge it consumes.
func New(ctx Context) *Dispatcher {
	if ctx.Log == nil {
		ctx.Log = zap.NewNop()
	}
	d := &Dispatcher{ctx: ctx}
	if ctx.Trapezoid != nil {
		ctx.Trapezoid.OnBlockFlushed(d.onBlockFlushed)
	}
	return d
}

// Begin implements BlockDispatcher::begin. Trivial blocks are advanced with
// a zero move on every axis; otherwise every nonzero axis is armed, the
// main axis is selected, and the trapezoid controller is bound and primed.
func (d *Dispatcher) Begin(b *block.Block) error {
	if d.halted {
		return fmt.Errorf("dispatcher: halted, refusing new block")
	}
	if err := b.Validate(); err != nil {
		return err
	}

	if b.IsTrivial() {
		for _, m := range d.ctx.Motors {
			_ = m.Move(false, 0, 0)
		}
		return nil
	}

	b.Take()
	keepMoving := b.KeepMoving()

	if err := d.enableAxes(); err != nil {
		b.Release()
		return err
	}

	for axis, m := range d.ctx.Motors {
		steps := b.Steps[axis]
		if steps == 0 {
			_ = m.Move(false, 0, 0)
			continue
		}
		if err := m.Move(b.Direction[axis], steps, b.InitialRate); err != nil {
			b.Release()
			return err
		}
		m.SetKeepMoving(keepMoving)
	}

	mainAxis, main := selectMainAxis(d.ctx.Motors)
	d.mainAxis = mainAxis
	d.main = main
	d.current = b

	other := make([]*motor.Motor, 0, len(d.ctx.Motors)-1)
	for axis, m := range d.ctx.Motors {
		if block.Axis(axis) != mainAxis {
			other = append(other, m)
		}
	}

	d.ctx.Trapezoid.Bind(b, main, other)
	d.ctx.Trapezoid.Reset()
	d.ctx.Trapezoid.Tick()
	d.ctx.Timer.SynchronizeAcceleration(false)

	if b.DecelerateAfter > 0 && b.DecelerateAfter+1 < main.GetStepsToMove() {
		main.SetSignalStep(b.DecelerateAfter + 1)
	}
	return nil
}

// selectMainAxis picks the motor with the largest post-Move target step
// count, ties broken by axis order (alpha < beta < gamma), matching
// original_source's strict "later axis must exceed, not merely equal" rule
// (Stepper.cpp's get_steps_to_move() comparison). Comparing the motor's own
// steps_to_move rather than the block's nominal per-axis step count matters
// because Move's overshoot-credit branch can inflate a motor's target above
// what the block requested.
func selectMainAxis(motors [block.NumAxes]*motor.Motor) (block.Axis, *motor.Motor) {
	best := block.Axis(0)
	for axis := block.Axis(1); axis < block.NumAxes; axis++ {
		if motors[axis].GetStepsToMove() > motors[best].GetStepsToMove() {
			best = axis
		}
	}
	return best, motors[best]
}

// enableAxes energizes all three axes' enable pins, but only the first time
// it transitions pinsEnabled from false to true, mirroring
// Stepper::on_block_begin's enable_pins_status check: once energized, an
// axis stays enabled across adjacent blocks regardless of whether it moves
// in each one, rather than being toggled per-block. Any per-axis enable
// failure is aggregated with multierr rather than aborting on the first one,
// so a caller sees the complete picture of what failed to enable.
func (d *Dispatcher) enableAxes() error {
	if d.pinsEnabled {
		return nil
	}
	var err error
	for axis, m := range d.ctx.Motors {
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = multierr.Append(err, fmt.Errorf("dispatcher: enabling axis %s panicked: %v", block.Axis(axis), r))
				}
			}()
			m.Enable(true)
		}()
	}
	if err == nil {
		d.pinsEnabled = true
	}
	return err
}

// Poll must be called from the base context on a regular cadence (or after
// every StepTimer tick, in a bare-metal build's main loop). It drains the
// step timer's coarse move-finished edge and, for each registered motor,
// consumes that motor's own finished-pending edge exactly once, invoking
// SignalMoveFinished and this dispatcher's own book-keeping.
func (d *Dispatcher) Poll() {
	if !d.ctx.Timer.DrainMoveFinished() {
		return
	}
	for _, m := range d.ctx.Motors {
		if m.ConsumeFinishPending() {
			m.SignalMoveFinished()
			d.onMotorMoveFinished()
		}
	}
}

// onMotorMoveFinished implements BlockDispatcher::on_motor_move_finished:
// once every motor reports finished, the current block is released. If a
// new block has already been armed by the time all motors catch up
// (pipelining), is_move_finished has already been cleared on the re-armed
// motors and this call is a silent no-op.
func (d *Dispatcher) onMotorMoveFinished() {
	if d.current == nil {
		return
	}
	for _, m := range d.ctx.Motors {
		if !m.IsMoveFinished() {
			return
		}
	}
	finished := d.current
	d.current = nil
	finished.Release()
	if d.ctx.Bus != nil {
		d.ctx.Bus.Publish(TopicBlockFinished, finished)
	}
}

// onBlockFlushed is wired to the trapezoid controller's flush-complete
// callback: it releases whatever block is in flight and clears the
// conveyor's flush flag so normal dispatch can resume.
func (d *Dispatcher) onBlockFlushed() {
	if d.current != nil {
		finished := d.current
		d.current = nil
		finished.Release()
	}
	if d.ctx.Conveyor != nil {
		d.ctx.Conveyor.Clear()
		d.ctx.Conveyor.ClearFlush()
	}
}

// OnPause pauses every motor, preserving in-flight step progress.
func (d *Dispatcher) OnPause() {
	d.paused = true
	for _, m := range d.ctx.Motors {
		m.Pause()
	}
}

// OnPlay resumes every motor from a prior OnPause.
func (d *Dispatcher) OnPlay() {
	d.paused = false
	for _, m := range d.ctx.Motors {
		m.Unpause()
	}
}

// OnHalt disables every axis's enable pin and refuses new blocks for as long
// as flag is true. When flag is false the halt is lifted and every axis's
// enable pin is driven high again, with pinsEnabled set so the next Begin
// does not re-drive them.
func (d *Dispatcher) OnHalt(flag bool) {
	d.halted = flag
	if flag {
		d.pinsEnabled = false
	} else {
		d.pinsEnabled = true
	}
	for _, m := range d.ctx.Motors {
		m.Enable(!flag)
	}
}

// CurrentBlock returns the block currently in flight, or nil.
func (d *Dispatcher) CurrentBlock() *block.Block { return d.current }

// MainAxis returns the axis selected as main for the block in flight.
func (d *Dispatcher) MainAxis() block.Axis { return d.mainAxis }

// IsHalted reports whether the dispatcher is currently refusing new blocks.
func (d *Dispatcher) IsHalted() bool { return d.halted }

// IsPaused reports whether OnPause has been called without a matching
// OnPlay.
func (d *Dispatcher) IsPaused() bool { return d.paused }
