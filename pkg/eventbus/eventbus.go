package eventbus

import (
	"strings"
	"sync"
	"time"

	"github.com/aethercore/kernel/pkg/log"
	"github.com/aethercore/kernel/pkg/types"
)

// Handler receives a published event. Handlers run synchronously, in the
// goroutine that called Publish, in the order they were registered.
type Handler func(event types.Event)

type subscription struct {
	id      uint64
	topic   string // exact topic, or "*" for everything
	handler Handler
}

// Bus is a synchronous typed publish/subscribe hub. Unlike a channel-backed
// broker, Publish does not return until every matching subscriber has run,
// so callers observe side effects of a publish before it returns.
type Bus struct {
	mu     sync.Mutex
	subs   []*subscription
	nextID uint64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers handler for topic. Pass "*" to receive every event.
// It returns a subscription ID that can be passed to Unsubscribe.
func (b *Bus) Subscribe(topic string, handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, &subscription{id: id, topic: topic, handler: handler})
	return id
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers event to every subscriber whose topic matches, in
// registration order. Matching supports an exact topic, the "*" wildcard
// subscription, and a trailing-dot wildcard such as "memory.*" which matches
// "memory.stored", "memory.recalled", etc.
func (b *Bus) Publish(event types.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	matched := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if topicMatches(s.topic, event.Topic) {
			matched = append(matched, s.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range matched {
		safeInvoke(h, event)
	}
}

// safeInvoke runs a single handler, recovering a panic so one misbehaving
// subscriber can never abort delivery to the rest: the panic is caught and
// logged, and delivery continues to every other subscriber.
func safeInvoke(h Handler, event types.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger := log.WithTopic(event.Topic)
			logger.Error().Interface("panic", r).Msg("event subscriber panicked")
		}
	}()
	h(event)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func topicMatches(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return false
}
