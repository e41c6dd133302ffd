// Package steptimer implements the fixed-frequency step pulse scheduler
// (spec §3's StepTimer): the L0 tick that advances every active axis by one
// Bresenham accumulation step, plus the L1 acceleration re-tick that keeps
// each axis's rate on its trapezoid curve. It is grounded on the
// wake-time-sorted timer list in the teacher's core/scheduler.go, adapted
// from an arbitrary-deadline scheduler into a fixed-period multiplexer
// since every motor here shares one tick frequency.
package steptimer

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PetteriAimonen/Jerkware/isr"
	"github.com/PetteriAimonen/Jerkware/motor"
)

// AccelerationHandler is re-run every accelDivisor ticks (or immediately,
// on request) to recompute each active motor's rate from its position in
// the current trapezoid profile.
type AccelerationHandler interface {
	Tick()
}

// StepTimer drives a fixed set of motors at a shared step frequency,
// implementing motor.TimerHost for each of them.
type StepTimer struct {
	freq uint32 // step ticks/sec

	// accelDivisor ticks of the step clock occur per acceleration re-tick;
	// mirrors the L0/L1 split in the concurrency model (the fast step ISR
	// fires every tick, the slower accel ISR every accelDivisor ticks).
	accelDivisor uint32

	log *zap.Logger
	cs  *isr.CriticalSection

	mu      sync.Mutex
	motors  []*motor.Motor
	active  map[*motor.Motor]bool
	accel   AccelerationHandler

	tickCount uint32

	finishedFlag boolFlag
}

// boolFlag is a tiny mutex-guarded sticky flag used for the coarse
// "some motor finished a move" edge the spec requires StepTimer to expose,
// separately from each Motor's own finishPending edge.
type boolFlag struct {
	mu sync.Mutex
	v  bool
}

func (f *boolFlag) set() {
	f.mu.Lock()
	f.v = true
	f.mu.Unlock()
}

func (f *boolFlag) testAndClear() bool {
	f.mu.Lock()
	v := f.v
	f.v = false
	f.mu.Unlock()
	return v
}

// New returns a StepTimer ticking at freq Hz, re-running its acceleration
// handler every accelDivisor ticks.
func New(freq, accelDivisor uint32, log *zap.Logger) *StepTimer {
	if log == nil {
		log = zap.NewNop()
	}
	if accelDivisor == 0 {
		accelDivisor = 1
	}
	return &StepTimer{
		freq:         freq,
		accelDivisor: accelDivisor,
		log:          log,
		cs:           isr.New(),
		active:       make(map[*motor.Motor]bool),
	}
}

// Frequency returns the configured step frequency in Hz.
func (t *StepTimer) Frequency() uint32 { return t.freq }

// RegisterAccelerationHandler attaches the handler invoked on every accel
// re-tick; typically the trapezoid.Trapezoid rate controller.
func (t *StepTimer) RegisterAccelerationHandler(h AccelerationHandler) {
	t.accel = h
}

// RegisterMotor attaches a motor to this timer, binding it to the timer's
// shared critical section so a single mask covers every axis during a
// tick, and returns the motor's index within this timer.
func (t *StepTimer) RegisterMotor(m *motor.Motor) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := len(t.motors)
	t.motors = append(t.motors, m)
	m.Attach(t, idx, nil)
	m.BindCriticalSection(t.cs)
	return idx
}

// AddMotorToActiveList implements motor.TimerHost.
func (t *StepTimer) AddMotorToActiveList(m *motor.Motor) {
	t.mu.Lock()
	t.active[m] = true
	t.mu.Unlock()
}

// RemoveMotorFromActiveList implements motor.TimerHost.
func (t *StepTimer) RemoveMotorFromActiveList(m *motor.Motor) {
	t.mu.Lock()
	delete(t.active, m)
	t.mu.Unlock()
}

// SynchronizeAcceleration implements motor.TimerHost: runs the acceleration
// handler immediately if fireNow, otherwise rephases the accel-tick grid so
// the next K-tick boundary is a full accelDivisor ticks away, rather than
// wherever it happened to fall within the block in progress.
func (t *StepTimer) SynchronizeAcceleration(fireNow bool) {
	if !fireNow {
		t.mu.Lock()
		t.tickCount = 0
		t.mu.Unlock()
		return
	}
	if t.accel != nil {
		t.accel.Tick()
	}
}

// SetMoveFinished implements motor.TimerHost: raises the coarse
// "something finished" edge consumed by DrainMoveFinished.
func (t *StepTimer) SetMoveFinished() {
	t.finishedFlag.set()
}

// DrainMoveFinished tests and clears the coarse move-finished edge. The
// caller (normally a dispatcher.Dispatcher) is expected to then walk every
// registered motor and call motor.Motor.ConsumeFinishPending to find out
// which one(s) actually finished, since this flag coalesces all axes.
func (t *StepTimer) DrainMoveFinished() bool {
	return t.finishedFlag.testAndClear()
}

// activeSnapshot returns a stable, index-ordered copy of the active set so
// Tick's stepping loop has a deterministic iteration order (matters for
// which axis's step pulse lands first within a tick, not for correctness).
func (t *StepTimer) activeSnapshot() []*motor.Motor {
	t.mu.Lock()
	out := make([]*motor.Motor, 0, len(t.active))
	for m := range t.active {
		out = append(out, m)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Index() < out[j].Index() })
	return out
}

// Tick executes one step period: every active motor is given a chance to
// emit a step pulse, the pulses are left high for the remainder of this
// call so they latch for at least one period, then lowered together. The
// stepping loop runs under the shared critical section (matching the
// teacher's disable/enable-interrupts bracket around the hot loop); Unstep
// and the acceleration re-tick run outside it, since neither touches
// multi-field motor state that a concurrent Move/Pause could corrupt.
func (t *StepTimer) Tick() {
	motors := t.activeSnapshot()

	release := t.cs.Enter()
	stepped := make([]*motor.Motor, 0, len(motors))
	for _, m := range motors {
		if m.Tick(t.freq) {
			stepped = append(stepped, m)
		}
	}
	release()

	for _, m := range stepped {
		m.Unstep()
	}

	t.tickCount++
	if t.accel != nil {
		if t.tickCount%t.accelDivisor == 0 {
			t.accel.Tick()
		}
	}
}

// Run drives Tick at the configured frequency until ctx is cancelled. It
// exists for cmd/motionsim's free-running simulation mode; tests call Tick
// directly for determinism.
func (t *StepTimer) Run(ctx context.Context) {
	if t.freq == 0 {
		return
	}
	period := time.Second / time.Duration(t.freq)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick()
		}
	}
}

// Motors returns the motors registered with this timer, in registration
// order.
func (t *StepTimer) Motors() []*motor.Motor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*motor.Motor, len(t.motors))
	copy(out, t.motors)
	return out
}
