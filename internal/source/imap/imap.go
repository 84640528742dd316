// Package imap polls a mailbox folder and turns unseen messages into relay
// events.
package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"relaybot/internal/relay"
	"relaybot/internal/schedule"
	"relaybot/pkg/logx"
)

const defaultDialTimeout = 30 * time.Second

type Options struct {
	Addr             string // host:port
	TLS              bool
	Username         string
	Password         string
	Folder           string
	Schedule         schedule.Spec
	FallbackMaxBytes int
	DialTimeout      time.Duration
}

// Adapter is a relay.Source that polls one folder. A failed poll is logged
// and retried on the next tick; Run only returns when ctx is done.
type Adapter struct {
	opts  Options
	log   logx.Logger
	now   func() time.Time
	fetch func(ctx context.Context) ([][]byte, error)
}

func New(opts Options, log logx.Logger) *Adapter {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.Folder == "" {
		opts.Folder = "INBOX"
	}
	a := &Adapter{opts: opts, log: log, now: time.Now}
	a.fetch = a.fetchUnseen
	return a
}

func (a *Adapter) Name() string { return "imap" }

func (a *Adapter) Run(ctx context.Context, out chan<- relay.InboundEvent) error {
	a.log.Info("imap polling", logx.String("addr", a.opts.Addr), logx.String("folder", a.opts.Folder), logx.String("schedule", a.opts.Schedule.String()))
	for {
		a.poll(ctx, out)

		wait := time.Until(a.opts.Schedule.Next(a.now()))
		if wait < 0 {
			wait = 0
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// poll runs one cycle. One bad message never aborts the rest.
func (a *Adapter) poll(ctx context.Context, out chan<- relay.InboundEvent) {
	// A failed fetch may still return messages it already marked seen.
	msgs, err := a.fetch(ctx)
	if err != nil && ctx.Err() == nil {
		a.log.Warn("imap poll failed", logx.Err(&relay.SourceConnectionError{Source: a.Name(), Err: err}))
	}
	if len(msgs) > 0 {
		a.log.Debug("imap poll fetched", logx.Int("messages", len(msgs)))
	}
	for i, raw := range msgs {
		ev, err := ParseMessage(raw, a.opts.FallbackMaxBytes, a.now())
		if err != nil {
			a.log.Warn("imap message skipped", logx.Int("index", i), logx.Err(err))
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// fetchUnseen logs in, fetches the full body of every message without \Seen
// (which marks it seen) and logs out.
func (a *Adapter) fetchUnseen(ctx context.Context) ([][]byte, error) {
	c, err := a.dial()
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", a.opts.Addr, err)
	}
	c.Timeout = a.opts.DialTimeout
	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })
	defer stop()
	defer func() { _ = c.Logout() }()

	if err := c.Login(a.opts.Username, a.opts.Password); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if _, err := c.Select(a.opts.Folder, false); err != nil {
		return nil, fmt.Errorf("select %s: %w", a.opts.Folder, err)
	}

	criteria := goimap.NewSearchCriteria()
	criteria.WithoutFlags = []string{goimap.SeenFlag}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seq := new(goimap.SeqSet)
	seq.AddNum(uids...)
	section := &goimap.BodySectionName{}
	items := []goimap.FetchItem{goimap.FetchUid, section.FetchItem()}

	ch := make(chan *goimap.Message, 16)
	done := make(chan error, 1)
	go func() { done <- c.UidFetch(seq, items, ch) }()

	var out [][]byte
	for msg := range ch {
		r := msg.GetBody(section)
		if r == nil {
			a.log.Warn("imap message without body", logx.Uint64("uid", uint64(msg.Uid)))
			continue
		}
		buf, err := io.ReadAll(r)
		if err != nil {
			a.log.Warn("imap body read failed", logx.Uint64("uid", uint64(msg.Uid)), logx.Err(err))
			continue
		}
		out = append(out, buf)
	}
	if err := <-done; err != nil {
		return out, fmt.Errorf("fetch: %w", err)
	}
	return out, nil
}

func (a *Adapter) dial() (*client.Client, error) {
	d := &net.Dialer{Timeout: a.opts.DialTimeout}
	if !a.opts.TLS {
		return client.DialWithDialer(d, a.opts.Addr)
	}
	host, _, err := net.SplitHostPort(a.opts.Addr)
	if err != nil {
		return nil, err
	}
	return client.DialWithDialerTLS(d, a.opts.Addr, &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12})
}
