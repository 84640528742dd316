// Package hipchat posts payloads to a chat-room API (HipChat v1 or v2).
package hipchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"relaybot/internal/relay"
	"relaybot/internal/sink"
)

type Options struct {
	BaseURL    string
	APIVersion string // "v1" | "v2"
	AuthToken  string
	RoomID     string
	BotName    string
	Color      string
	Notify     bool
}

type Sink struct {
	opts   Options
	client *http.Client
}

func New(opts Options, client *http.Client) *Sink {
	if client == nil {
		client = sink.NewHTTPClient()
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Sink{opts: opts, client: client}
}

func (s *Sink) Name() string { return "hipchat" }

func (s *Sink) Deliver(ctx context.Context, p relay.NotificationPayload) error {
	var (
		req *http.Request
		err error
	)
	if s.opts.APIVersion == "v2" {
		req, err = s.v2Request(ctx, p)
	} else {
		req, err = s.v1Request(ctx, p)
	}
	if err != nil {
		return sink.Permanent(err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("hipchat: %w", err)
	}
	return sink.CheckResponse(resp)
}

// v1Request builds POST /v1/rooms/message?auth_token=.. with a form body.
func (s *Sink) v1Request(ctx context.Context, p relay.NotificationPayload) (*http.Request, error) {
	notify := "0"
	if s.opts.Notify {
		notify = "1"
	}
	form := url.Values{
		"room_id":        {s.opts.RoomID},
		"from":           {s.opts.BotName},
		"message":        {RenderHTML(p)},
		"message_format": {"html"},
		"notify":         {notify},
		"color":          {s.opts.Color},
	}
	endpoint := s.opts.BaseURL + "/v1/rooms/message?" + url.Values{"auth_token": {s.opts.AuthToken}, "format": {"json"}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

type v2Notification struct {
	From          string `json:"from,omitempty"`
	Message       string `json:"message"`
	MessageFormat string `json:"message_format"`
	Color         string `json:"color,omitempty"`
	Notify        bool   `json:"notify"`
}

// v2Request builds POST /v2/room/{room}/notification with a bearer token.
func (s *Sink) v2Request(ctx context.Context, p relay.NotificationPayload) (*http.Request, error) {
	body, err := json.Marshal(v2Notification{
		From:          s.opts.BotName,
		Message:       RenderHTML(p),
		MessageFormat: "html",
		Color:         s.opts.Color,
		Notify:        s.opts.Notify,
	})
	if err != nil {
		return nil, err
	}
	endpoint := s.opts.BaseURL + "/v2/room/" + url.PathEscape(s.opts.RoomID) + "/notification"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.opts.AuthToken)
	return req, nil
}

// RenderHTML renders "<b>author</b> [tags] subject<br>body". Payload fields
// are already escaped; only the markup added here is raw.
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
		b.WriteString("<br>")
		b.WriteString(strings.ReplaceAll(p.Body, "\n", "<br>"))
	}
	return b.String()
}
