// Package dispatcher implements the kernel's command dispatcher and
// WebSocket egress: routing an inbound typed command to exactly one
// subsystem call, and a per-connection buffered fan-out of bus events that
// is backpressure-aware and preserves critical events under load.
//
// Grounded on pkg/api/server.go's per-command-type switch/dispatch shape and
// pkg/api/interceptor.go's request-classification pattern — that code
// classifies gRPC methods read-only/write with a lookup table; this package
// classifies bus events critical/non-critical the same way. Transport is
// gorilla/websocket instead of gRPC streams, and pkg/api/health.go's plain
// net/http server pattern is reused for the HTTP upgrade endpoint and the
// /health, /ready, /metrics side-channel endpoints.
package dispatcher

import (
	"encoding/json"
	"sync"
)

// Tunables for a single connection's egress buffer.
const (
	DefaultMaxQueuedEvents = 256
	DefaultMaxBufferBytes  = 1 << 20 // 1 MiB
	DefaultBatchMaxSize    = 64
)

// criticalTopics is the fixed "critical set" that must survive backpressure:
// every response frame, plus the two boot/readiness events clients rely on
// to know the connection is live.
var criticalTopics = map[string]bool{
	"response.ok":    true,
	"response.error": true,
	"kernel.ready":   true,
	"process.list":   true,
}

// IsCritical reports whether topic belongs to the critical set.
func IsCritical(topic string) bool {
	return criticalTopics[topic]
}

// OutEvent is a single server->client frame.
type OutEvent struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

func (e OutEvent) critical() bool { return IsCritical(e.Event) }

// Writer abstracts the underlying transport write so the buffer is testable
// without a real WebSocket connection. Its WriteJSON matches
// gorilla/websocket's Conn.WriteJSON signature.
type Writer interface {
	WriteJSON(v any) error
	// Open reports whether the connection can still accept writes.
	Open() bool
}

// ConnBuffer is one WebSocket connection's pending-event queue plus its
// backpressure bookkeeping. bufferedBytes approximates a browser WebSocket's
// bufferedAmount: the marshaled size of events queued but not yet
// successfully flushed.
type ConnBuffer struct {
	mu   sync.Mutex
	w    Writer
	pend []OutEvent

	maxQueued     int
	maxBufferByte int
	batchMax      int

	bufferedBytes int
}

// NewConnBuffer creates a ConnBuffer around w with the default tunables.
func NewConnBuffer(w Writer) *ConnBuffer {
	return &ConnBuffer{
		w:             w,
		maxQueued:     DefaultMaxQueuedEvents,
		maxBufferByte: DefaultMaxBufferBytes,
		batchMax:      DefaultBatchMaxSize,
	}
}

func eventSize(e OutEvent) int {
	b, _ := json.Marshal(e)
	return len(b)
}

// SendImmediate writes one frame right away if the connection is open and
// under its byte cap; otherwise only critical events are force-written and
// everything else is dropped silently.
func (c *ConnBuffer) SendImmediate(e OutEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.w.Open() && c.bufferedBytes <= c.maxBufferByte {
		_ = c.w.WriteJSON(e)
		return
	}
	if e.critical() {
		_ = c.w.WriteJSON(e)
	}
}

// BufferEvent pushes onto the pending queue, evicting the oldest
// non-critical entry first if the queue is full; if the queue now hits the
// batch max, it flushes immediately.
func (c *ConnBuffer) BufferEvent(e OutEvent) {
	c.mu.Lock()

	if len(c.pend) >= c.maxQueued {
		c.evictOldestNonCriticalLocked()
	}
	c.pend = append(c.pend, e)
	c.bufferedBytes += eventSize(e)

	shouldFlush := len(c.pend) >= c.batchMax
	c.mu.Unlock()

	if shouldFlush {
		c.Flush()
	}
}

// evictOldestNonCriticalLocked drops the oldest non-critical event from the
// pending queue, or the oldest event of any kind if every pending event is
// critical. Caller must hold c.mu.
func (c *ConnBuffer) evictOldestNonCriticalLocked() {
	for i, e := range c.pend {
		if !e.critical() {
			c.bufferedBytes -= eventSize(e)
			c.pend = append(c.pend[:i], c.pend[i+1:]...)
			return
		}
	}
	if len(c.pend) > 0 {
		c.bufferedBytes -= eventSize(c.pend[0])
		c.pend = c.pend[1:]
	}
}

// Flush writes the whole pending queue as a single JSON array, filtering to
// only critical events if the connection is under backpressure. The queue
// is always cleared after a flush attempt.
func (c *ConnBuffer) Flush() {
	c.mu.Lock()
	pend := c.pend
	backpressured := c.bufferedBytes > c.maxBufferByte
	c.pend = nil
	c.bufferedBytes = 0
	c.mu.Unlock()

	if len(pend) == 0 {
		return
	}

	toSend := pend
	if backpressured {
		toSend = nil
		for _, e := range pend {
			if e.critical() {
				toSend = append(toSend, e)
			}
		}
	}
	if len(toSend) == 0 {
		return
	}
	_ = c.w.WriteJSON(toSend)
}

// Pending returns a snapshot of the currently buffered events, for tests.
func (c *ConnBuffer) Pending() []OutEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]OutEvent, len(c.pend))
	copy(out, c.pend)
	return out
}
