package status

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/dirwatch/internal/watcher"
)

// eventMessage is the JSON payload pushed to stream clients.
type eventMessage struct {
	Action     string `json:"action"`
	Name       string `json:"name"`
	ObservedAt string `json:"observed_at"`
}

// client is one connected stream consumer. send is never closed, so a
// Publish racing a disconnect cannot panic; done ends the stream instead.
type client struct {
	id       string
	send     chan []byte
	done     chan struct{}
	doneOnce sync.Once
	dropped  atomic.Int64
}

// disconnect ends the client's stream. It is safe to call more than once.
func (c *client) disconnect() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Broadcaster fans change events out to every connected stream client
// without blocking the watch session: a client whose buffer is full misses
// the event and its drop counter is incremented. It is safe for concurrent
// use.
type Broadcaster struct {
	// mu orders register against Close so no client is added after Close
	// has disconnected the others.
	mu        sync.RWMutex
	clients   sync.Map // map[string]*client
	clientCnt atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-client buffer
// depth; 0 selects 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// register adds a client. On a closed broadcaster the returned client is
// already disconnected.
func (b *Broadcaster) register(id string) *client {
	c := &client{
		id:   id,
		send: make(chan []byte, b.bufSize),
		done: make(chan struct{}),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		c.disconnect()
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// unregister removes the client and ends its stream. Unknown ids are
// ignored.
func (b *Broadcaster) unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		v.(*client).disconnect()
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of connected stream clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Publish delivers ev to every client.
func (b *Broadcaster) Publish(ev watcher.ChangeEvent, t time.Time) {
	raw, err := json.Marshal(eventMessage{
		Action:     ev.Action.String(),
		Name:       ev.Name,
		ObservedAt: t.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		b.logger.Error("status broadcaster: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*client)
		select {
		case c.send <- raw:
		default:
			c.dropped.Add(1)
			b.logger.Warn("status broadcaster: client buffer full, dropping event",
				slog.String("client_id", c.id),
				slog.String("name", ev.Name),
			)
		}
		return true
	})
}

// Handler returns a watcher.Handler that publishes every event.
func (b *Broadcaster) Handler() watcher.Handler {
	return func(ev watcher.ChangeEvent) {
		b.Publish(ev, time.Now())
	}
}

// Close disconnects every client. Afterwards Publish reaches nobody and new
// stream requests end immediately.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		b.clients.Range(func(key, _ any) bool {
			b.unregister(key.(string))
			return true
		})
	})
}
