package relay_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/eventbus"
	"relaybot/internal/relay"
	"relaybot/internal/source/irc"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	payloads []relay.NotificationPayload
	err      error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, p relay.NotificationPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.payloads = append(d.payloads, p)
	return nil
}

func (d *recordingDispatcher) got() []relay.NotificationPayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]relay.NotificationPayload(nil), d.payloads...)
}

func newPipeline(d relay.Dispatcher, opts ...relay.PipelineOption) *relay.Pipeline {
	return relay.NewPipeline(relay.NewClassifier("", relay.DefaultRules()), relay.NewFormatter(0, ""), d, opts...)
}

func TestChatLineEndToEnd(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{}
	p := newPipeline(d)

	ev, ok := irc.ToEvent("alice", "#ops", "camelbot: build failed", "camelbot", time.Now())
	require.True(t, ok)
	require.NoError(t, p.Process(context.Background(), ev))

	got := d.got()
	require.Len(t, got, 1)
	assert.Equal(t, relay.NotificationPayload{
		Author:  "alice",
		Subject: "Chatted on #ops",
		Body:    "build failed",
		Tags:    []string{"irc"},
	}, got[0])
}

func TestMailSubjectsEndToEnd(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{}
	p := newPipeline(d)

	for _, subject := range []string{"[commits] fix bug", "Nightly Service Alert", "[commits][ci] release", "weekly digest"} {
		ev := relay.InboundEvent{Kind: relay.KindMail, Author: "noreply@example.com", Origin: subject, Body: "<p>hi</p>", ReceivedAt: time.Now()}
		require.NoError(t, p.Process(context.Background(), ev))
	}

	got := d.got()
	require.Len(t, got, 4)
	assert.Equal(t, []string{"commits"}, got[0].Tags)
	assert.Equal(t, []string{"nagios"}, got[1].Tags)
	assert.Equal(t, []string{"commits", "ci"}, got[2].Tags)
	assert.Empty(t, got[3].Tags)
	assert.Equal(t, "&lt;p&gt;hi&lt;/p&gt;", got[0].Body)
}

func TestProcessDropsUnclassifiableEvents(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{}
	bus := eventbus.New()
	dropped, unsub := bus.Subscribe(4, eventbus.TopicDropped)
	defer unsub()
	p := newPipeline(d, relay.WithBus(bus))

	err := p.Process(context.Background(), relay.InboundEvent{Kind: relay.SourceKind(9), Body: "?"})
	var ce *relay.ClassificationError
	require.ErrorAs(t, err, &ce)
	assert.Empty(t, d.got())
	assert.Len(t, dropped, 1)
}

func TestProcessReturnsDispatchError(t *testing.T) {
	t.Parallel()
	stopped := errors.New("stopped")
	p := newPipeline(&recordingDispatcher{err: stopped})
	ev, _ := irc.ToEvent("a", "#c", "camelbot hi", "camelbot", time.Now())
	assert.ErrorIs(t, p.Process(context.Background(), ev), stopped)
}

func TestDrainPreservesOrderAndFlushesOnStop(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{}
	p := newPipeline(d)

	in := make(chan relay.InboundEvent, 8)
	for _, body := range []string{"one", "two", "three"} {
		in <- relay.InboundEvent{Kind: relay.KindIRC, Author: "a", Origin: "Chatted on #c", Body: body, ReceivedAt: time.Now()}
	}
	stop := make(chan struct{})
	close(stop)

	// With stop already closed, Drain may pick either branch first; the
	// flush must still deliver everything buffered, in order.
	require.NoError(t, p.Drain(context.Background(), in, stop))

	got := d.got()
	require.Len(t, got, 3)
	assert.Equal(t, "one", got[0].Body)
	assert.Equal(t, "two", got[1].Body)
	assert.Equal(t, "three", got[2].Body)
}

func TestDrainReturnsOnContextCancel(t *testing.T) {
	t.Parallel()
	p := newPipeline(&recordingDispatcher{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Drain(ctx, make(chan relay.InboundEvent), make(chan struct{}))
	assert.ErrorIs(t, err, context.Canceled)
}
