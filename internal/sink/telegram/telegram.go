// Package telegram delivers payloads to one Telegram chat through the Bot
// API. It also serves as the operator channel for pkg/logx.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/relay"
	"relaybot/internal/sink"
)

// textLimit stays under the Bot API limit of 4096 characters.
const textLimit = 4000

type Options struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API base URL; empty means api.telegram.org.
	APIURL  string
	Timeout time.Duration
}

type Sink struct {
	opts   Options
	client *http.Client
	chat   *tele.Chat
}

// New checks the settings by building one offline bot; nothing is sent.
// Timeout bounds every Bot API request on top of the caller's context.
func New(opts Options, client *http.Client) (*Sink, error) {
	if client == nil {
		client = sink.NewHTTPClient()
	}
	if opts.Timeout > 0 {
		c := *client
		c.Timeout = opts.Timeout
		client = &c
	}
	s := &Sink{opts: opts, client: client, chat: &tele.Chat{ID: opts.ChatID}}
	if _, err := s.bot(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// bot returns an offline bot (no getMe, no poller) whose requests are
// aborted when ctx ends. Bot.Send takes no context, so the context rides
// on the transport.
func (s *Sink) bot(ctx context.Context) (*tele.Bot, error) {
	c := *s.client
	c.Transport = &ctxTransport{ctx: ctx, next: s.client.Transport}
	b, err := tele.NewBot(tele.Settings{
		URL:     s.opts.APIURL,
		Token:   s.opts.Token,
		Client:  &c,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return b, nil
}

func (s *Sink) Name() string { return "telegram" }

func (s *Sink) Deliver(ctx context.Context, p relay.NotificationPayload) error {
	return s.send(ctx, RenderHTML(p), tele.ModeHTML)
}

// SendOperator posts a plain-text operator notice.
func (s *Sink) SendOperator(ctx context.Context, text string) error {
	return s.send(ctx, text, tele.ModeDefault)
}

func (s *Sink) send(ctx context.Context, text string, mode tele.ParseMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := s.bot(ctx)
	if err != nil {
		return sink.Permanent(err)
	}
	opt := &tele.SendOptions{
		ParseMode:             mode,
		DisableWebPagePreview: true,
		ThreadID:              s.opts.ThreadID,
	}
	for _, chunk := range splitText(text, textLimit, mode == tele.ModeHTML) {
		if _, err := b.Send(s.chat, chunk, opt); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return classify(err)
		}
	}
	return nil
}

// ctxTransport cancels each request when ctx ends, keeping any deadline the
// request already carries (http.Client.Timeout).
type ctxTransport struct {
	ctx  context.Context
	next http.RoundTripper
}

func (t *ctxTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(t.ctx, cancel)
	resp, err := next.RoundTrip(r.WithContext(ctx))
	if err != nil {
		stop()
		cancel()
		return nil, err
	}
	resp.Body = &releasingBody{ReadCloser: resp.Body, release: func() { stop(); cancel() }}
	return resp, nil
}

// releasingBody frees the request context once the body is closed.
type releasingBody struct {
	io.ReadCloser
	release func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}

var codeSuffix = regexp.MustCompile(`\((\d{3})\)$`)

// classify marks Bot API 4xx answers other than 429 as permanent.
func classify(err error) error {
	code := 0
	var te *tele.Error
	if errors.As(err, &te) {
		code = te.Code
	} else if m := codeSuffix.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	err = fmt.Errorf("telegram: %w", err)
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
		return sink.Permanent(err)
	}
	return err
}

// RenderHTML renders "<b>author</b> [tags] subject" and the body on the next
// line. Payload fields are already escaped.
func RenderHTML(p relay.NotificationPayload) string {
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(p.Author)
	b.WriteString("</b> ")
	if len(p.Tags) > 0 {
		b.WriteString("[")
		b.WriteString(sink.JoinTags(p.Tags))
		b.WriteString("] ")
	}
	b.WriteString(p.Subject)
	if p.Body != "" {
		b.WriteString("\n")
		b.WriteString(p.Body)
	}
	return b.String()
}

// splitText cuts s into chunks of at most limit runes, preferring a newline
// near the end of each window. In HTML mode a cut never lands inside a tag
// or an entity.
func splitText(s string, limit int, html bool) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Tiny chunks are worse than a mid-line cut.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if html && end < len(rs) {
			if open := danglingOpen(rs[start:end]); open > 1 {
				end = start + open
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// danglingOpen returns the index of a '<' or '&' in w that is not closed
// within w, or -1.
func danglingOpen(w []rune) int {
	tag, ent := -1, -1
	for i, r := range w {
		switch r {
		case '<':
			tag = i
		case '>':
			tag = -1
		case '&':
			ent = i
		case ';':
			ent = -1
		}
	}
	return max(tag, ent)
}
