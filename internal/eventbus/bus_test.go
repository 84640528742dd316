package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersTopics(t *testing.T) {
	t.Parallel()
	bus := New()
	failed, unsubFailed := bus.Subscribe(4, TopicFailed)
	defer unsubFailed()
	all, unsubAll := bus.Subscribe(4)
	defer unsubAll()

	bus.Publish(Event{Type: TopicDelivered, Data: "a"})
	bus.Publish(Event{Type: TopicFailed, Data: "b"})

	require.Len(t, failed, 1)
	ev := <-failed
	assert.Equal(t, "b", ev.Data)
	assert.False(t, ev.Time.IsZero())
	assert.Len(t, all, 2)
}

func TestPublishDropsWhenSubscriberIsFull(t *testing.T) {
	t.Parallel()
	bus := New()
	_, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Type: TopicDelivered})
	bus.Publish(Event{Type: TopicDelivered})
	assert.EqualValues(t, 1, bus.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	bus := New()
	ch, unsub := bus.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	bus.Publish(Event{Type: TopicFailed})
}
