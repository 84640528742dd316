package hipchat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/relay"
	"relaybot/internal/sink"
)

var payload = relay.NotificationPayload{
	Author:  "alice",
	Subject: "#ops",
	Body:    "deploy &lt;now&gt;\ndone",
	Tags:    []string{"irc"},
}

func TestRenderHTML(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "<b>alice</b> [irc] #ops<br>deploy &lt;now&gt;<br>done", RenderHTML(payload))
	assert.Equal(t, "<b>bob</b> subject", RenderHTML(relay.NotificationPayload{Author: "bob", Subject: "subject"}))
}

func TestDeliverV1PostsForm(t *testing.T) {
	t.Parallel()
	reqs := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		reqs <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(Options{BaseURL: srv.URL + "/", AuthToken: "tok", RoomID: "42", BotName: "relay", Color: "yellow", Notify: true}, srv.Client())
	require.NoError(t, s.Deliver(context.Background(), payload))

	got := <-reqs
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/v1/rooms/message", got.URL.Path)
	assert.Equal(t, "tok", got.URL.Query().Get("auth_token"))
	assert.Equal(t, "42", got.PostForm.Get("room_id"))
	assert.Equal(t, "relay", got.PostForm.Get("from"))
	assert.Equal(t, "html", got.PostForm.Get("message_format"))
	assert.Equal(t, "1", got.PostForm.Get("notify"))
	assert.Equal(t, "yellow", got.PostForm.Get("color"))
	assert.Equal(t, RenderHTML(payload), got.PostForm.Get("message"))
}

func TestDeliverV2PostsJSONWithBearer(t *testing.T) {
	t.Parallel()
	type captured struct {
		path, auth string
		body       v2Notification
	}
	reqs := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := captured{path: r.URL.Path, auth: r.Header.Get("Authorization")}
		_ = json.NewDecoder(r.Body).Decode(&c.body)
		reqs <- c
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := New(Options{BaseURL: srv.URL, APIVersion: "v2", AuthToken: "tok", RoomID: "ops room", BotName: "relay"}, srv.Client())
	require.NoError(t, s.Deliver(context.Background(), payload))

	c := <-reqs
	assert.Equal(t, "/v2/room/ops room/notification", c.path)
	assert.Equal(t, "Bearer tok", c.auth)
	assert.Equal(t, "html", c.body.MessageFormat)
	assert.Equal(t, RenderHTML(payload), c.body.Message)
	assert.False(t, c.body.Notify)
}

func TestDeliverClassifiesFailures(t *testing.T) {
	t.Parallel()
	var status atomic.Int32
	status.Store(http.StatusUnauthorized)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()
	s := New(Options{BaseURL: srv.URL, RoomID: "1"}, srv.Client())

	err := s.Deliver(context.Background(), payload)
	require.Error(t, err)
	assert.True(t, sink.IsPermanent(err))

	status.Store(http.StatusBadGateway)
	err = s.Deliver(context.Background(), payload)
	require.Error(t, err)
	assert.False(t, sink.IsPermanent(err))
}

func TestDeliverHonorsContext(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(Options{BaseURL: srv.URL}, srv.Client()).Deliver(ctx, payload)
	assert.ErrorIs(t, err, context.Canceled)
}
