// Package telemetry fans speed-change and block-lifecycle events out to
// WebSocket clients, for a live status view of the motion core. Grounded on
// AndySze-klipper's pkg/moonraker/server.go WSClient pattern: one
// send-channel-backed client goroutine per connection, a registry keyed by
// connection id, and a running flag guarding shutdown, trimmed down from
// Moonraker's full JSON-RPC surface to a single broadcast channel since the
// core only needs one-way event push, not bidirectional RPC.
package telemetry

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/PetteriAimonen/Jerkware/eventbus"
)

// Bridge subscribes to the speed-change and block-finished topics of an
// eventbus.Bus and re-publishes each such event as a JSON message on every
// connected WebSocket client.
type Bridge struct {
	log *zap.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[int64]*client
	nextID  int64

	running atomic.Bool
	unsub   func()
}

type client struct {
	id     int64
	conn   *websocket.Conn
	sendCh chan any
	done   chan struct{}
}

// New builds a telemetry Bridge subscribed to the trapezoid speed-change and
// dispatcher block-finished topics on bus.
func New(bus eventbus.Bus, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bridge{
		log:     log,
		clients: make(map[int64]*client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	b.running.Store(true)
	for _, topic := range []string{"trapezoid.speed_change", "dispatcher.block_finished"} {
		t := topic
		bus.Subscribe(t, func(payload interface{}) {
			b.broadcast(t, payload)
		})
	}
	return b
}

// HandleWebSocket upgrades an HTTP request to a WebSocket telemetry stream.
// Wire this into an http.ServeMux at e.g. "/telemetry".
func (b *Bridge) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("telemetry: websocket upgrade failed", zap.Error(err))
		return
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	c := &client{id: id, conn: conn, sendCh: make(chan any, 64), done: make(chan struct{})}
	b.clients[id] = c
	b.mu.Unlock()

	go b.writePump(c)
	go b.readPump(c)
}

func (b *Bridge) writePump(c *client) {
	defer c.conn.Close()
	for {
		select {
		case msg := <-c.sendCh:
			if err := c.conn.WriteJSON(msg); err != nil {
				b.removeClient(c.id)
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump discards inbound frames but is required to keep gorilla's
// control-frame handling (ping/pong, close) alive; it exits and unregisters
// the client on any read error.
func (b *Bridge) readPump(c *client) {
	defer b.removeClient(c.id)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Bridge) removeClient(id int64) {
	b.mu.Lock()
	c, ok := b.clients[id]
	if ok {
		delete(b.clients, id)
	}
	b.mu.Unlock()
	if ok {
		close(c.done)
	}
}

type message struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func (b *Bridge) broadcast(topic string, payload interface{}) {
	if !b.running.Load() {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		b.log.Warn("telemetry: marshal payload failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	msg := message{Topic: topic, Payload: raw}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.clients {
		select {
		case c.sendCh <- msg:
		default:
			b.log.Warn("telemetry: client send buffer full, dropping message", zap.Int64("client", c.id))
		}
	}
}

// Close stops accepting broadcasts and disconnects every client.
func (b *Bridge) Close() {
	b.running.Store(false)
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range b.clients {
		close(c.done)
		delete(b.clients, id)
	}
}
