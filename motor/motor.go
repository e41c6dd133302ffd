// Package motor implements the per-axis step pulse generator: the state
// machine that turns a programmable step rate into step/dir pulses on an
// abstract Pin, tracks progress against a target step count, and reports
// signed position in steps. One Motor exists per stepper axis and is driven
// once per tick by a steptimer.StepTimer.
package motor

import (
	"fmt"
	"math"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/PetteriAimonen/Jerkware/isr"
	"github.com/PetteriAimonen/Jerkware/pin"
)

// DefaultMinimumRate is the floor applied to any requested rate, in
// steps/sec, absent an explicit per-axis override. Grounded on
// StepperMotor::default_minimum_actuator_rate (20 steps/sec) in the
// original source.
const DefaultMinimumRate uint32 = 20

// TimerHost is the subset of steptimer.StepTimer a Motor calls back into.
// Defined on the consumer side (motor) rather than the producer side
// (steptimer) so the two packages don't import each other.
type TimerHost interface {
	SynchronizeAcceleration(fireNow bool)
	AddMotorToActiveList(m *Motor)
	RemoveMotorFromActiveList(m *Motor)
	SetMoveFinished()
	Frequency() uint32
}

// EndCallback is invoked once per finished move, from the base context
// (never from the step tick), after BlockDispatcher has observed the
// per-motor finished edge.
type EndCallback func()

// Motor is one axis's step pulse generator.
type Motor struct {
	name string

	stepPin, dirPin, enablePin pin.Pin
	log                        *zap.Logger
	cs                         *isr.CriticalSection
	timer                      TimerHost
	endCallback                EndCallback
	onRateClamped              func(requested, applied uint32)

	index int

	// Rate and progress. rate, stepped, stepsToMove and signalStep are
	// touched from both the tick (L0) and Move/SetRate/Pause (L1/L2), so
	// they are atomics; tickAccumulator is only touched from Tick and
	// updateExitTick, both serialized by cs, so it needs no atomic wrapper.
	rate            atomic.Uint32
	tickAccumulator uint32
	stepsToMove     atomic.Uint32
	stepped         atomic.Uint32
	signalStep      atomic.Uint32

	direction atomic.Bool // false = positive, true = negative

	moving         atomic.Bool
	paused         atomic.Bool
	isMoveFinished atomic.Bool
	keepMoving     atomic.Bool
	finishPending  atomic.Bool

	minimumRate atomic.Uint32
	maxRate     atomic.Uint32 // ceiling derived from the timer frequency

	currentPositionSteps atomic.Int32
	lastMilestoneSteps   atomic.Int32
	stepsPerMM           float64
	lastMilestoneMM      float64
}

// New constructs an idle Motor. minimumRate is the actuator's floor speed;
// pass 0 to use DefaultMinimumRate.
func New(name string, step, dir, enable pin.Pin, minimumRate uint32, log *zap.Logger) *Motor {
	if log == nil {
		log = zap.NewNop()
	}
	if minimumRate == 0 {
		minimumRate = DefaultMinimumRate
	}
	m := &Motor{
		name:      name,
		stepPin:   step,
		dirPin:    dir,
		enablePin: enable,
		log:       log,
		stepsPerMM: 1.0,
	}
	m.isMoveFinished.Store(true) // no move initially => same as finished
	m.minimumRate.Store(minimumRate)
	m.maxRate.Store(math.MaxUint32)
	m.cs = isr.New()
	return m
}

// Name returns the axis label used in logs and telemetry.
func (m *Motor) Name() string { return m.name }

// Attach binds the Motor to its owning StepTimer and registers the
// end-of-move hook. Must be called once, before the motor is ticked.
func (m *Motor) Attach(host TimerHost, index int, cb EndCallback) {
	m.timer = host
	m.index = index
	m.endCallback = cb
	if freq := host.Frequency(); freq > 1 {
		m.maxRate.Store(freq - 1)
	}
}

// BindCriticalSection lets the owning StepTimer share a single section
// across every motor it drives, so Move/Pause/Unpause on any axis is
// serialized against that same StepTimer's Tick instead of each motor
// masking independently. Called by steptimer.StepTimer.RegisterMotor.
func (m *Motor) BindCriticalSection(cs *isr.CriticalSection) {
	m.cs = cs
}

// SetRateClampListener registers a callback fired whenever a requested rate
// is clamped to the configured floor or ceiling (spec §7: "clamping
// recommended, with an event emitted").
func (m *Motor) SetRateClampListener(fn func(requested, applied uint32)) {
	m.onRateClamped = fn
}

// Tick advances the motor by one step-timer period at the given frequency
// F. It is the Bresenham-style rate multiplier of spec §4.2: accumulate the
// rate every tick, and whenever the accumulator exceeds F, emit one step
// and fold F back out. A motor that is not active (not moving, paused, or
// with a zero target) emits nothing. Returns true if a step pin was raised,
// so the caller (StepTimer) knows to schedule the matching Unstep.
func (m *Motor) Tick(freq uint32) bool {
	if !m.IsActive() {
		return false
	}
	m.tickAccumulator += m.rate.Load()
	if m.tickAccumulator > freq {
		m.tickAccumulator -= freq
		m.emitStep()
		return true
	}
	return false
}

// Unstep lowers the step pin. Called by StepTimer once every active motor
// has been ticked, giving every pulse a minimum width of one tick period.
func (m *Motor) Unstep() {
	m.stepPin.Set(false)
}

func (m *Motor) emitStep() {
	m.stepPin.Set(true)
	newStepped := m.stepped.Add(1)

	if m.direction.Load() {
		m.currentPositionSteps.Add(-1)
	} else {
		m.currentPositionSteps.Add(1)
	}

	if m.isMoveFinished.Load() {
		return
	}

	if sig := m.signalStep.Load(); sig != 0 && newStepped == sig {
		m.timer.SynchronizeAcceleration(true)
		m.signalStep.Store(0)
	}

	if newStepped >= m.stepsToMove.Load() {
		m.isMoveFinished.Store(true)
		m.finishPending.Store(true)
		m.timer.SetMoveFinished()
		if !m.keepMoving.Load() {
			m.moving.Store(false)
		}
	}
}

// Move dispatches a new move. It is interrupt-critical: everything from
// reading the previous move's overshoot through writing the new target
// happens under the motor's critical section so a concurrent tick can never
// observe a half-updated set of fields.
//
// steps larger than math.MaxInt32 are rejected outright (spec §7: illegal
// move parameters are rejected at entry, the motor left idle).
func (m *Motor) Move(direction bool, steps uint32, initialRate uint32) error {
	if steps > math.MaxInt32 {
		release := m.cs.Enter()
		m.moving.Store(false)
		m.isMoveFinished.Store(true)
		m.updateExitTick()
		release()
		return fmt.Errorf("motor %s: move of %d steps exceeds maximum", m.name, steps)
	}

	release := m.cs.Enter()
	defer release()

	prevStepped := m.stepped.Load()
	prevTarget := m.stepsToMove.Load()
	wasFinished := m.isMoveFinished.Load()
	wasMoving := m.moving.Load()
	prevDirection := m.direction.Load()

	newStepped := uint32(0)
	if wasFinished && wasMoving && prevStepped > prevTarget {
		extra := prevStepped - prevTarget
		switch {
		case direction != prevDirection:
			// Direction flipped: undo the overshoot steps, then do the
			// new move.
			steps += extra
		case steps < extra:
			// The predicted move overshot the actual move; reverse.
			direction = !direction
			steps = extra - steps
		default:
			// Normal case: pre-credit the overshoot against the new move.
			newStepped = extra
		}
	}

	m.dirPin.Set(direction)
	m.direction.Store(direction)
	m.stepsToMove.Store(steps)
	m.stepped.Store(newStepped)
	m.signalStep.Store(0)
	m.keepMoving.Store(false)

	if steps > newStepped {
		if initialRate != 0 {
			m.SetRate(initialRate)
		}
		m.moving.Store(true)
		m.isMoveFinished.Store(false)
	} else {
		m.moving.Store(false)
		m.isMoveFinished.Store(true)
		m.finishPending.Store(true)
		m.timer.SetMoveFinished()
	}

	m.updateExitTick()
	return nil
}

// SetRate clamps r to [minimum, maxRate] and stores it. A single atomic
// store is sufficient here (unlike Move) because rate is the only field
// being changed and every reader treats a torn-free single word as
// consistent on its own.
func (m *Motor) SetRate(r uint32) {
	applied := r
	if applied < m.minimumRate.Load() {
		applied = m.minimumRate.Load()
	}
	if max := m.maxRate.Load(); applied > max {
		applied = max
	}
	if applied != r && m.onRateClamped != nil {
		m.onRateClamped(r, applied)
	}
	m.rate.Store(applied)
}

// SetMinimumRate overrides the actuator's rate floor (spec's per-actuator
// minimum_step_rate).
func (m *Motor) SetMinimumRate(r uint32) {
	if r == 0 {
		r = DefaultMinimumRate
	}
	m.minimumRate.Store(r)
}

// SetSignalStep arms a one-shot callback: when stepped reaches n, the
// step timer's acceleration tick is resynchronized immediately. Used by
// BlockDispatcher to fire the deceleration recompute on the exact step
// deceleration begins.
func (m *Motor) SetSignalStep(n uint32) {
	m.signalStep.Store(n)
}

// SetKeepMoving controls whether the motor keeps stepping into the next
// block once the current move's target is reached.
func (m *Motor) SetKeepMoving(keep bool) {
	m.keepMoving.Store(keep)
}

// Pause removes the motor from the step timer's active list without
// disturbing rate or progress; Unpause restores it. Both are idempotent:
// calling either twice in a row leaves the same observable state as calling
// it once.
func (m *Motor) Pause() {
	release := m.cs.Enter()
	defer release()
	m.paused.Store(true)
	m.updateExitTick()
}

func (m *Motor) Unpause() {
	release := m.cs.Enter()
	defer release()
	m.paused.Store(false)
	m.updateExitTick()
}

func (m *Motor) IsPaused() bool { return m.paused.Load() }

// Enable drives the enable pin. state=true means the motor should be
// energized (pin polarity is the caller's concern).
func (m *Motor) Enable(state bool) {
	if m.enablePin != nil {
		m.enablePin.Set(state)
	}
}

// updateExitTick recomputes active-list membership from the motor's
// current flags. Pausing removes the motor from the active list (so the
// step timer stops ticking it) but deliberately preserves tickAccumulator,
// so resuming produces no phase glitch; only a genuine end-of-move
// (!moving or a zero-length target) resets it, since at that point the
// accumulated fractional step no longer refers to any move in progress.
func (m *Motor) updateExitTick() {
	switch {
	case !m.moving.Load() || m.stepsToMove.Load() == 0:
		m.timer.RemoveMotorFromActiveList(m)
		m.tickAccumulator = 0
	case m.paused.Load():
		m.timer.RemoveMotorFromActiveList(m)
	default:
		m.timer.AddMotorToActiveList(m)
	}
}

// IsActive reports whether the motor belongs in the step timer's active
// set: moving, not paused, and with a nonzero target.
func (m *Motor) IsActive() bool {
	return m.moving.Load() && !m.paused.Load() && m.stepsToMove.Load() > 0
}

// ConsumeFinishPending atomically tests and clears the per-motor finished
// edge, so BlockDispatcher.Poll invokes SignalMoveFinished exactly once per
// finished move regardless of how many polls happen while the motor sits in
// its (transient) Finished/Overshooting states.
func (m *Motor) ConsumeFinishPending() bool {
	return m.finishPending.CompareAndSwap(true, false)
}

// SignalMoveFinished invokes the attached end callback and, if the motor is
// not still moving (i.e. it did not keep-move into the next block), leaves
// it off the active list.
func (m *Motor) SignalMoveFinished() {
	if m.endCallback != nil {
		m.endCallback()
	}
	if !m.moving.Load() {
		release := m.cs.Enter()
		m.updateExitTick()
		release()
	}
}

// --- getters -----------------------------------------------------------

func (m *Motor) IsMoveFinished() bool  { return m.isMoveFinished.Load() }
func (m *Motor) IsMoving() bool        { return m.moving.Load() }
func (m *Motor) GetRate() uint32       { return m.rate.Load() }
func (m *Motor) GetStepped() uint32    { return m.stepped.Load() }
func (m *Motor) GetStepsToMove() uint32 { return m.stepsToMove.Load() }
func (m *Motor) Direction() bool       { return m.direction.Load() }
func (m *Motor) Index() int            { return m.index }

// GetCurrentPosition returns the axis position in millimeters.
func (m *Motor) GetCurrentPosition() float64 {
	return float64(m.currentPositionSteps.Load()) / m.stepsPerMM
}

// GetCurrentPositionSteps returns the signed running position in steps.
func (m *Motor) GetCurrentPositionSteps() int32 {
	return m.currentPositionSteps.Load()
}

// ChangeStepsPerMM updates the steps-per-mm scale factor, re-deriving the
// signed step position from the last recorded milestone in millimeters.
func (m *Motor) ChangeStepsPerMM(stepsPerMM float64) {
	m.stepsPerMM = stepsPerMM
	steps := int32(math.Round(m.lastMilestoneMM * stepsPerMM))
	m.lastMilestoneSteps.Store(steps)
	m.currentPositionSteps.Store(steps)
}

// ChangeLastMilestone records a new absolute position (in mm) as the
// reference point, e.g. after homing.
func (m *Motor) ChangeLastMilestone(mm float64) {
	m.lastMilestoneMM = mm
	steps := int32(math.Round(mm * m.stepsPerMM))
	m.lastMilestoneSteps.Store(steps)
	m.currentPositionSteps.Store(steps)
}

// StepsToTarget returns the signed number of steps between the last
// recorded milestone and targetMM.
func (m *Motor) StepsToTarget(targetMM float64) int32 {
	targetSteps := int32(math.Round(targetMM * m.stepsPerMM))
	return targetSteps - m.lastMilestoneSteps.Load()
}
