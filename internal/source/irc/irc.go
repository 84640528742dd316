// Package irc turns prefixed lines in one IRC channel into relay events.
package irc

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	ircclient "gopkg.in/irc.v4"

	"relaybot/internal/relay"
	"relaybot/pkg/logx"
)

const defaultDialTimeout = 15 * time.Second

// Options configures the adapter. Channel and CommandPrefix are required.
type Options struct {
	Server        string // host:port
	TLS           bool
	Nick          string
	User          string
	Name          string
	Password      string
	Channel       string
	CommandPrefix string
	DialTimeout   time.Duration
}

// Adapter is a relay.Source for one IRC channel. Each Run is one connection;
// reconnecting is the caller's job.
type Adapter struct {
	opts Options
	log  logx.Logger
	now  func() time.Time
	dial func(ctx context.Context) (net.Conn, error)
}

func New(opts Options, log logx.Logger) *Adapter {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.User == "" {
		opts.User = opts.Nick
	}
	if opts.Name == "" {
		opts.Name = opts.Nick
	}
	a := &Adapter{opts: opts, log: log, now: time.Now}
	a.dial = a.dialServer
	return a
}

func (a *Adapter) Name() string { return "irc" }

func (a *Adapter) dialServer(ctx context.Context) (net.Conn, error) {
	nd := &net.Dialer{Timeout: a.opts.DialTimeout, KeepAlive: 30 * time.Second}
	if !a.opts.TLS {
		return nd.DialContext(ctx, "tcp", a.opts.Server)
	}
	host, _, err := net.SplitHostPort(a.opts.Server)
	if err != nil {
		return nil, err
	}
	td := &tls.Dialer{NetDialer: nd, Config: &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}}
	return td.DialContext(ctx, "tcp", a.opts.Server)
}

// Run connects, joins the channel after the welcome numeric and emits an
// event for every PRIVMSG to the channel that carries the command prefix.
func (a *Adapter) Run(ctx context.Context, out chan<- relay.InboundEvent) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return &relay.SourceConnectionError{Source: a.Name(), Err: err}
	}
	defer conn.Close()
	// Unblock the client's read loop on cancellation.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	client := ircclient.NewClient(conn, ircclient.ClientConfig{
		Nick:          a.opts.Nick,
		Pass:          a.opts.Password,
		User:          a.opts.User,
		Name:          a.opts.Name,
		PingFrequency: time.Minute,
		PingTimeout:   2 * time.Minute,
		Handler: ircclient.HandlerFunc(func(c *ircclient.Client, m *ircclient.Message) {
			a.handle(ctx, c, m, out)
		}),
	})

	a.log.Info("irc connecting", logx.String("server", a.opts.Server), logx.String("channel", a.opts.Channel), logx.Bool("tls", a.opts.TLS))
	err = client.RunContext(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		err = net.ErrClosed
	}
	return &relay.SourceConnectionError{Source: a.Name(), Err: err}
}

func (a *Adapter) handle(ctx context.Context, c *ircclient.Client, m *ircclient.Message, out chan<- relay.InboundEvent) {
	switch m.Command {
	case "001":
		if err := c.Write("JOIN " + a.opts.Channel); err != nil {
			a.log.Warn("irc join failed", logx.String("channel", a.opts.Channel), logx.Err(err))
			return
		}
		a.log.Info("irc joined", logx.String("channel", a.opts.Channel))
	case "PRIVMSG":
		if len(m.Params) < 2 || !strings.EqualFold(m.Params[0], a.opts.Channel) {
			return
		}
		nick := ""
		if m.Prefix != nil {
			nick = m.Prefix.Name
		}
		ev, ok := ToEvent(nick, a.opts.Channel, m.Trailing(), a.opts.CommandPrefix, a.now())
		if !ok {
			return
		}
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}
}

// ToEvent builds the event for one channel line, or reports false when the
// line does not carry the command prefix.
func ToEvent(nick, channel, line, prefix string, at time.Time) (relay.InboundEvent, bool) {
	body, ok := ParseCommand(line, prefix)
	if !ok {
		return relay.InboundEvent{}, false
	}
	return relay.InboundEvent{
		Kind:       relay.KindIRC,
		Author:     nick,
		Origin:     "Chatted on " + channel,
		Body:       body,
		ReceivedAt: at,
	}, true
}

// ParseCommand strips prefix and one separator from line. The addressing
// forms ": " and ", " count as one separator, so "bot: hi" and "bot hi"
// both yield "hi". A line that is exactly the prefix yields false.
func ParseCommand(line, prefix string) (string, bool) {
	if prefix == "" || !strings.HasPrefix(line, prefix) {
		return "", false
	}
	rest := line[len(prefix):]
	if rest == "" {
		return "", false
	}
	if strings.HasPrefix(rest, ": ") || strings.HasPrefix(rest, ", ") {
		return rest[2:], true
	}
	_, size := utf8.DecodeRuneInString(rest)
	return rest[size:], true
}
