// Package conveyor implements a FIFO queue of planner-produced blocks, plus
// the flush flag used by the trapezoid's abort path. Grounded directly on the ANYCUBIC stack's
// project/queue/Queue.go (container/list + sync.Mutex, Put_nowait/
// Get_nowait/Is_empty/Len), renamed to Go conventions and specialized to
// *block.Block instead of an interface{} payload.
package conveyor

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/PetteriAimonen/Jerkware/block"
)

// Conveyor is a thread-safe FIFO of pending blocks with an independent
// flushing flag the trapezoid controller polls every acceleration tick.
type Conveyor struct {
	mu    sync.Mutex
	items *list.List

	flushing atomic.Bool
}

// New returns an empty conveyor.
func New() *Conveyor {
	return &Conveyor{items: list.New()}
}

// Push appends a block to the tail of the queue.
func (c *Conveyor) Push(b *block.Block) {
	c.mu.Lock()
	c.items.PushBack(b)
	c.mu.Unlock()
}

// Pop removes and returns the block at the head of the queue, or nil if
// empty.
func (c *Conveyor) Pop() *block.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	front := c.items.Front()
	if front == nil {
		return nil
	}
	c.items.Remove(front)
	return front.Value.(*block.Block)
}

// IsEmpty reports whether the queue currently has no pending blocks.
func (c *Conveyor) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len() == 0
}

// Len reports the number of pending blocks.
func (c *Conveyor) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}

// Clear discards every pending block without dispatching it, used when a
// flush completes.
func (c *Conveyor) Clear() {
	c.mu.Lock()
	c.items.Init()
	c.mu.Unlock()
}

// IsFlushing implements trapezoid.FlushSource.
func (c *Conveyor) IsFlushing() bool {
	return c.flushing.Load()
}

// RequestFlush raises the flush flag; the trapezoid controller will
// decelerate to a stop and call ClearFlush once it has finished, normally
// via Dispatcher wiring onBlockFlushed to both Clear and ClearFlush.
func (c *Conveyor) RequestFlush() {
	c.flushing.Store(true)
}

// ClearFlush lowers the flush flag once an abort has completed.
func (c *Conveyor) ClearFlush() {
	c.flushing.Store(false)
}
