package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/eventbus"
	"relaybot/internal/relay"
)

// scriptedSource emits its events once, signals, then waits for shutdown.
type scriptedSource struct {
	events  []relay.InboundEvent
	emitted chan struct{}
}

func (s *scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) Run(ctx context.Context, out chan<- relay.InboundEvent) error {
	for _, ev := range s.events {
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	close(s.emitted)
	<-ctx.Done()
	return ctx.Err()
}

func writeConfig(t *testing.T, webhookURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relaybot.yaml")
	body := fmt.Sprintf(`
irc:
  enabled: true
  server: 127.0.0.1:6667
  nick: relaybot
  channel: "#ops"
  command_prefix: camelbot
sinks:
  webhook:
    enabled: true
    url: %s
dispatcher:
  queue_size: 64
  rate_per_sec: 1000
  retry_base: 1ms
  shutdown_grace: 5s
logging:
  level: error
  console: false
`, webhookURL)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func ircEvent(author, body string) relay.InboundEvent {
	return relay.InboundEvent{Kind: relay.KindIRC, Author: author, Origin: "Chatted on #ops", Body: body, ReceivedAt: time.Now()}
}

func TestRelaysIRCLineToWebhook(t *testing.T) {
	t.Parallel()
	bodies := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- string(b)
	}))
	defer srv.Close()

	src := &scriptedSource{events: []relay.InboundEvent{ircEvent("alice", "deploy <done>")}, emitted: make(chan struct{})}
	a, err := New(writeConfig(t, srv.URL), WithSources(src))
	require.NoError(t, err)

	delivered, unsub := a.Bus().Subscribe(4, eventbus.TopicDelivered)
	defer unsub()

	require.NoError(t, a.Start(context.Background()))
	select {
	case got := <-bodies:
		assert.Equal(t, "<message channels='irc' author='alice'><![CDATA[Chatted on #ops\ndeploy &lt;done&gt;]]></message>", got)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook never called")
	}
	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("no delivered event")
	}
	require.NoError(t, a.Stop(context.Background(), StopSIGTERM))
	assert.NoError(t, a.Stop(context.Background(), StopSIGTERM), "second stop is a no-op")
}

func TestStopFlushesBufferedEvents(t *testing.T) {
	t.Parallel()
	bodies := make(chan string, 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- string(b)
	}))
	defer srv.Close()

	var evs []relay.InboundEvent
	for i := range 20 {
		evs = append(evs, ircEvent("bob", fmt.Sprintf("line-%02d", i)))
	}
	src := &scriptedSource{events: evs, emitted: make(chan struct{})}
	a, err := New(writeConfig(t, srv.URL), WithSources(src))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	<-src.emitted
	require.NoError(t, a.Stop(context.Background(), StopSIGINT))

	close(bodies)
	var got []string
	for b := range bodies {
		got = append(got, b)
	}
	require.Len(t, got, 20)
	for i, b := range got {
		assert.True(t, strings.Contains(b, fmt.Sprintf("line-%02d", i)), "in order: %s", b)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("irc:\n  enabled: false\n"), 0o600))

	_, err := New(path)
	var cerr *relay.ConfigurationError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	assert.NotEmpty(t, cerr.Errs)
}
