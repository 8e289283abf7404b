package dispatcher

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWriter records every WriteJSON call and can simulate a closed socket.
type fakeWriter struct {
	mu     sync.Mutex
	open   bool
	writes []any
}

func newFakeWriter() *fakeWriter { return &fakeWriter{open: true} }

func (f *fakeWriter) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, v)
	return nil
}

func (f *fakeWriter) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeWriter) snapshot() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.writes))
	copy(out, f.writes)
	return out
}

func TestSendImmediate_WritesWhenOpenAndUnderCap(t *testing.T) {
	w := newFakeWriter()
	c := NewConnBuffer(w)
	c.SendImmediate(OutEvent{Event: "agent.thought"})
	require.Len(t, w.snapshot(), 1)
}

func TestSendImmediate_DropsNonCriticalWhenClosed(t *testing.T) {
	w := newFakeWriter()
	w.open = false
	c := NewConnBuffer(w)
	c.SendImmediate(OutEvent{Event: "agent.thought"})
	assert.Empty(t, w.snapshot())
}

func TestSendImmediate_ForceWritesCriticalWhenClosed(t *testing.T) {
	w := newFakeWriter()
	w.open = false
	c := NewConnBuffer(w)
	c.SendImmediate(OutEvent{Event: "response.ok"})
	require.Len(t, w.snapshot(), 1)
}

func TestFlush_EmitsSingleArrayOfPending(t *testing.T) {
	w := newFakeWriter()
	c := NewConnBuffer(w)
	c.BufferEvent(OutEvent{Event: "agent.thought"})
	c.BufferEvent(OutEvent{Event: "agent.thought"})
	c.Flush()

	writes := w.snapshot()
	require.Len(t, writes, 1)
	batch, ok := writes[0].([]OutEvent)
	require.True(t, ok)
	assert.Len(t, batch, 2)
}

// TestBackpressure_FlushKeepsOnlyCriticalEvents reproduces the scenario
// where a connection is far over its buffered-byte cap: a hundred
// non-critical events and one response.ok are queued, and the flush must
// send exactly one array containing only the response.ok.
func TestBackpressure_FlushKeepsOnlyCriticalEvents(t *testing.T) {
	w := newFakeWriter()
	c := NewConnBuffer(w)
	c.maxBufferByte = 10 // force backpressure almost immediately
	c.maxQueued = 1000
	c.batchMax = 1000

	for i := 0; i < 100; i++ {
		c.BufferEvent(OutEvent{Event: "agent.thought", Data: map[string]any{"i": i}})
	}
	c.BufferEvent(OutEvent{Event: "response.ok"})
	c.Flush()

	writes := w.snapshot()
	require.Len(t, writes, 1)
	batch, ok := writes[0].([]OutEvent)
	require.True(t, ok)
	require.Len(t, batch, 1)
	assert.Equal(t, "response.ok", batch[0].Event)
}

func TestBufferEvent_EvictsOldestNonCriticalWhenQueueFull(t *testing.T) {
	w := newFakeWriter()
	c := NewConnBuffer(w)
	c.maxQueued = 2
	c.batchMax = 1000 // prevent auto-flush so we can inspect Pending()

	c.BufferEvent(OutEvent{Event: "agent.thought", Data: map[string]any{"n": 1}})
	c.BufferEvent(OutEvent{Event: "response.ok"})
	c.BufferEvent(OutEvent{Event: "agent.thought", Data: map[string]any{"n": 2}})

	pending := c.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "response.ok", pending[0].Event)
	assert.Equal(t, 2, pending[1].Data["n"])
}

func TestBufferEvent_AutoFlushesAtBatchMax(t *testing.T) {
	w := newFakeWriter()
	c := NewConnBuffer(w)
	c.batchMax = 2

	c.BufferEvent(OutEvent{Event: "agent.thought"})
	assert.Empty(t, w.snapshot())
	c.BufferEvent(OutEvent{Event: "agent.thought"})

	writes := w.snapshot()
	require.Len(t, writes, 1)
}
