package imap

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/relay"
	"relaybot/internal/schedule"
	"relaybot/pkg/logx"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(strings.TrimLeft(s, "\n"), "\n", "\r\n"))
}

var multipartMail = crlf(`
From: Jenkins <jenkins@example.com>
To: esc@example.com
Subject: [ci] build #42 failed
MIME-Version: 1.0
Content-Type: multipart/alternative; boundary="b1"

--b1
Content-Type: text/plain; charset=utf-8

build failed
--b1
Content-Type: text/html; charset=utf-8

<p>build <b>failed</b></p>
--b1--
`)

var plainMail = crlf(`
From: nagios@example.com
Subject: =?UTF-8?Q?Nightly_Service_Alert_=E2=9C=93?=
Content-Type: text/plain; charset=utf-8

disk full on db1
`)

var attachmentMail = crlf(`
From: backup@example.com
Subject: dump
Content-Type: application/octet-stream

AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA
`)

func TestParseMessagePrefersHTML(t *testing.T) {
	t.Parallel()
	at := time.Unix(100, 0)
	ev, err := ParseMessage(multipartMail, 1024, at)
	require.NoError(t, err)
	assert.Equal(t, relay.KindMail, ev.Kind)
	assert.Equal(t, "Jenkins <jenkins@example.com>", ev.Author)
	assert.Equal(t, "[ci] build #42 failed", ev.Origin)
	assert.Equal(t, "<p>build <b>failed</b></p>", strings.TrimSpace(ev.Body))
	assert.Equal(t, at, ev.ReceivedAt)
}

func TestParseMessagePlainTextAndEncodedSubject(t *testing.T) {
	t.Parallel()
	ev, err := ParseMessage(plainMail, 1024, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "nagios@example.com", ev.Author)
	assert.Equal(t, "Nightly Service Alert ✓", ev.Origin)
	assert.Equal(t, "disk full on db1", strings.TrimSpace(ev.Body))
}

func TestParseMessageFallsBackToCappedRaw(t *testing.T) {
	t.Parallel()
	ev, err := ParseMessage(attachmentMail, 40, time.Now())
	require.NoError(t, err)
	assert.Equal(t, string(attachmentMail[:40-len(TruncationMarker)])+TruncationMarker, ev.Body)
	assert.Len(t, ev.Body, 40, "marker counts inside the cap")

	ev, err = ParseMessage(attachmentMail, 0, time.Now())
	require.NoError(t, err)
	assert.Equal(t, string(attachmentMail), ev.Body, "no cap, no marker")
}

func TestCapRawKeepsRunesWhole(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abé", capRaw([]byte("abé"), 4))

	// Limit below the marker length cuts bare.
	assert.Equal(t, "ab", capRaw([]byte("abé"), 3))

	raw := []byte(strings.Repeat("é", 20))
	got := capRaw(raw, 25)
	assert.LessOrEqual(t, len(got), 25)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("é", 6)+TruncationMarker, got)
}

func TestParseMessageRejectsGarbage(t *testing.T) {
	t.Parallel()
	_, err := ParseMessage([]byte("this is not a message\r\n\r\n"), 10, time.Now())
	assert.Error(t, err)
}

func everySecond(t *testing.T) schedule.Spec {
	t.Helper()
	spec, err := schedule.Parse("1s")
	require.NoError(t, err)
	return spec
}

func TestRunSkipsBadMessagesAndKeepsPolling(t *testing.T) {
	t.Parallel()
	a := New(Options{Addr: "imap.example:993", Schedule: everySecond(t), FallbackMaxBytes: 64}, logx.Nop())
	var polls atomic.Int32
	a.fetch = func(context.Context) ([][]byte, error) {
		switch polls.Add(1) {
		case 1:
			return [][]byte{[]byte("garbage without headers\r\n\r\n"), plainMail}, nil
		case 2:
			return nil, errors.New("connection reset")
		default:
			return [][]byte{multipartMail}, nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan relay.InboundEvent, 4)
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, out) }()

	var subjects []string
	for len(subjects) < 2 {
		select {
		case ev := <-out:
			subjects = append(subjects, ev.Origin)
		case <-time.After(5 * time.Second):
			t.Fatalf("only got %v", subjects)
		}
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, []string{"Nightly Service Alert ✓", "[ci] build #42 failed"}, subjects)
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
}
