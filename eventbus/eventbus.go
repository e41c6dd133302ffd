// Package eventbus provides the synchronous publish/subscribe hook the core
// uses to notify external collaborators (telemetry, logging, UI) of speed
// changes and lifecycle events without depending on any of them directly.
// Grounded on the WSClient fan-out pattern in AndySze-klipper's
// pkg/moonraker/server.go, simplified from websocket-specific fan-out to a
// generic in-process topic dispatch; telemetry.Bridge subscribes to this
// bus and is what actually puts events on the wire.
package eventbus

import "sync"

// Handler receives an event's payload. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(payload interface{})

// Bus is the publish/subscribe surface the core depends on.
type Bus interface {
	Publish(topic string, payload interface{})
	Subscribe(topic string, h Handler) (unsubscribe func())
}

// LocalBus is an in-process Bus backed by a mutex-guarded map of slices.
type LocalBus struct {
	mu   sync.RWMutex
	subs map[string][]*subscription
	seq  uint64
}

type subscription struct {
	id uint64
	h  Handler
}

// NewLocalBus returns a ready-to-use in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string][]*subscription)}
}

// Publish invokes every handler subscribed to topic, in subscription order.
// A panic in one handler is recovered so it cannot destabilize the caller,
// which may be running on the acceleration tick.
func (b *LocalBus) Publish(topic string, payload interface{}) {
	b.mu.RLock()
	handlers := make([]*subscription, len(b.subs[topic]))
	copy(handlers, b.subs[topic])
	b.mu.RUnlock()

	for _, s := range handlers {
		func() {
			defer func() { _ = recover() }()
			s.h(payload)
		}()
	}
}

// Subscribe registers h for topic and returns a function that removes it.
func (b *LocalBus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[topic] = append(b.subs[topic], &subscription{id: id, h: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s.id == id {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}
