// Package webhook posts payloads as a small XML document.
package webhook

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"relaybot/internal/relay"
	"relaybot/internal/sink"
)

type Sink struct {
	url    string
	token  string
	client *http.Client
}

// New returns a webhook sink. token is sent as a bearer token when set.
func New(url, token string, client *http.Client) *Sink {
	if client == nil {
		client = sink.NewHTTPClient()
	}
	return &Sink{url: url, token: token, client: client}
}

func (s *Sink) Name() string { return "webhook" }

func (s *Sink) Deliver(ctx context.Context, p relay.NotificationPayload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, strings.NewReader(Render(p)))
	if err != nil {
		return sink.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/xml")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return sink.CheckResponse(resp)
}

// Render produces
//
//	<message channels='tags' author='author'><![CDATA[subject
//	body]]></message>
//
// Payload fields are entity-escaped, so they are safe in single-quoted
// attributes and cannot contain "]]>".
func Render(p relay.NotificationPayload) string {
	var b strings.Builder
	b.Grow(len(p.Subject) + len(p.Body) + len(p.Author) + 64)
	b.WriteString("<message channels='")
	b.WriteString(sink.JoinTags(p.Tags))
	b.WriteString("' author='")
	b.WriteString(p.Author)
	b.WriteString("'><![CDATA[")
	b.WriteString(p.Subject)
	b.WriteString("\n")
	b.WriteString(p.Body)
	b.WriteString("]]></message>")
	return b.String()
}
