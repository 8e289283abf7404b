package eventbus

import (
	"testing"

	"github.com/aethercore/kernel/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	b := New()
	var order []string

	b.Subscribe("process.created", func(e types.Event) { order = append(order, "first") })
	b.Subscribe("process.created", func(e types.Event) { order = append(order, "second") })

	b.Publish(types.Event{Topic: "process.created"})

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestPublishIsSynchronous(t *testing.T) {
	b := New()
	done := false
	b.Subscribe("*", func(e types.Event) { done = true })

	b.Publish(types.Event{Topic: "anything"})

	assert.True(t, done, "handler must have run before Publish returns")
}

func TestWildcardSubscriptions(t *testing.T) {
	b := New()
	var seen []string

	b.Subscribe("memory.*", func(e types.Event) { seen = append(seen, "memory:"+e.Topic) })
	b.Subscribe("*", func(e types.Event) { seen = append(seen, "all:"+e.Topic) })

	b.Publish(types.Event{Topic: "memory.stored"})
	b.Publish(types.Event{Topic: "process.created"})

	require.Equal(t, []string{"memory:memory.stored", "all:memory.stored", "all:process.created"}, seen)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	id := b.Subscribe("pid.signal", func(e types.Event) { calls++ })

	b.Publish(types.Event{Topic: "pid.signal"})
	b.Unsubscribe(id)
	b.Publish(types.Event{Topic: "pid.signal"})

	assert.Equal(t, 1, calls)
}

func TestPublishSurvivesPanickingSubscriber(t *testing.T) {
	b := New()
	var secondRan bool

	b.Subscribe("process.created", func(e types.Event) { panic("boom") })
	b.Subscribe("process.created", func(e types.Event) { secondRan = true })

	require.NotPanics(t, func() { b.Publish(types.Event{Topic: "process.created"}) })
	assert.True(t, secondRan, "a panicking subscriber must not stop delivery to the rest")
}

func TestSubscriberCount(t *testing.T) {
	b := New()
	assert.Equal(t, 0, b.SubscriberCount())
	id := b.Subscribe("*", func(types.Event) {})
	assert.Equal(t, 1, b.SubscriberCount())
	b.Unsubscribe(id)
	assert.Equal(t, 0, b.SubscriberCount())
}
