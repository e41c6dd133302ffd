// Package isr provides the interrupt-mask primitive the motion core uses to
// serialize the multi-field mutations in Motor.Move/Pause against the step
// generator's tick. On real hardware this would be __disable_irq/__enable_irq
// around a handful of instructions; on a hosted target there is no interrupt
// to mask, so the mask is simulated with a mutex that also blocks the
// (goroutine-driven) mock tick for its duration, as called for by the
// "recursive mutex" note in the spec's concurrency design.
package isr

import (
	"sync"

	"github.com/petermattis/goid"
)

// CriticalSection is a reentrant lock: a goroutine that already holds it may
// enter again without deadlocking itself. This matters because the step
// timer's tick and the trapezoid's accel tick both run on the same goroutine
// as the driving loop, and a callback fired from inside a masked section
// (e.g. a block-finished hook that immediately begins the next block) must
// be able to re-enter without special-casing every call site.
type CriticalSection struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner int64
	depth int
}

// New returns a ready-to-use critical section.
func New() *CriticalSection {
	c := &CriticalSection{owner: -1}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Enter masks the section, blocking until any other goroutine's hold is
// released. It returns a function that must be called exactly once to
// release this entry. Calling Enter again from the goroutine that already
// holds it succeeds immediately (reentrant).
func (c *CriticalSection) Enter() func() {
	gid := goid.Get()

	c.mu.Lock()
	for c.depth > 0 && c.owner != gid {
		c.cond.Wait()
	}
	c.owner = gid
	c.depth++
	c.mu.Unlock()

	return c.release
}

func (c *CriticalSection) release() {
	c.mu.Lock()
	c.depth--
	if c.depth == 0 {
		c.owner = -1
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}
