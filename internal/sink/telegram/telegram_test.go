package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/relay"
	"relaybot/internal/sink"
)

type sent struct {
	method string
	params map[string]any
}

// fakeBotAPI answers sendMessage with reply; it records every call.
func fakeBotAPI(t *testing.T, reply string) (*httptest.Server, <-chan sent) {
	t.Helper()
	calls := make(chan sent, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var params map[string]any
		_ = json.NewDecoder(r.Body).Decode(&params)
		calls <- sent{method: r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:], params: params}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

const okReply = `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":-100,"type":"group"}}}`

func newSink(t *testing.T, srv *httptest.Server) *Sink {
	t.Helper()
	s, err := New(Options{Token: "123:abc", ChatID: -100, APIURL: srv.URL}, srv.Client())
	require.NoError(t, err)
	return s
}

func TestDeliverSendsHTML(t *testing.T) {
	t.Parallel()
	srv, calls := fakeBotAPI(t, okReply)
	p := relay.NotificationPayload{Author: "alice", Subject: "#ops", Body: "a &lt; b", Tags: []string{"irc"}}

	require.NoError(t, newSink(t, srv).Deliver(context.Background(), p))
	c := <-calls
	assert.Equal(t, "sendMessage", c.method)
	assert.Equal(t, "<b>alice</b> [irc] #ops\na &lt; b", c.params["text"])
	assert.Equal(t, "HTML", c.params["parse_mode"])
	assert.Equal(t, "-100", fmt.Sprint(c.params["chat_id"]))
}

func TestSendOperatorIsPlainText(t *testing.T) {
	t.Parallel()
	srv, calls := fakeBotAPI(t, okReply)
	require.NoError(t, newSink(t, srv).SendOperator(context.Background(), "[ERROR] sink down <x>"))
	c := <-calls
	assert.Equal(t, "[ERROR] sink down <x>", c.params["text"])
	assert.Empty(t, c.params["parse_mode"])
}

func TestDeliverClassifiesAPIErrors(t *testing.T) {
	t.Parallel()
	p := relay.NotificationPayload{Author: "a", Subject: "s"}

	srv, _ := fakeBotAPI(t, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
	err := newSink(t, srv).Deliver(context.Background(), p)
	require.Error(t, err)
	assert.True(t, sink.IsPermanent(err))

	srv, _ = fakeBotAPI(t, `{"ok":false,"error_code":502,"description":"Bad Gateway"}`)
	err = newSink(t, srv).Deliver(context.Background(), p)
	require.Error(t, err)
	assert.False(t, sink.IsPermanent(err))
}

func TestDeliverStopsOnCanceledContext(t *testing.T) {
	t.Parallel()
	srv, calls := fakeBotAPI(t, okReply)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := newSink(t, srv).Deliver(ctx, relay.NotificationPayload{Author: "a"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, calls)
}

func TestTimedOutAttemptAbortsRequest(t *testing.T) {
	t.Parallel()
	var accepted, aborted atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(300 * time.Millisecond):
			accepted.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(okReply))
		case <-r.Context().Done():
			aborted.Add(1)
		}
	}))
	s := newSink(t, srv)

	for range 3 {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		err := s.Deliver(ctx, relay.NotificationPayload{Author: "a", Subject: "s"})
		cancel()
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, sink.IsPermanent(err))
	}
	// Close waits for every handler, so late acceptances would be counted.
	srv.Close()
	assert.Zero(t, accepted.Load(), "no timed-out message may reach the chat")
	assert.EqualValues(t, 3, aborted.Load())
}

func TestClientTimeoutBoundsRequest(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s, err := New(Options{Token: "123:abc", ChatID: -100, APIURL: srv.URL, Timeout: 50 * time.Millisecond}, srv.Client())
	require.NoError(t, err)
	start := time.Now()
	err = s.Deliver(context.Background(), relay.NotificationPayload{Author: "a"})
	require.Error(t, err)
	assert.False(t, sink.IsPermanent(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("x", 30) + "\n" + strings.Repeat("y", 30)
	assert.Equal(t, []string{strings.Repeat("x", 30), strings.Repeat("y", 30)}, splitText(s, 40, false))
	assert.Equal(t, []string{"short"}, splitText("short", 40, true))
}

func TestSplitTextKeepsMarkupWhole(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 17) + "&amp;" + strings.Repeat("b", 10) + "<b>c</b>"
	chunks := splitText(s, 20, true)
	assert.Equal(t, strings.Repeat("a", 17), chunks[0], "cut moves before the entity")
	assert.Equal(t, s, strings.Join(chunks, ""))
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 20)
		assert.Equal(t, strings.Count(c, "<"), strings.Count(c, ">"), c)
		assert.Equal(t, strings.Count(c, "&"), strings.Count(c, ";"), c)
	}
}
