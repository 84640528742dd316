// Package sink defines the delivery boundary and the error classification
// shared by every sink.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-cleanhttp"

	"relaybot/internal/relay"
)

// Sink delivers one formatted payload. Deliver must honor ctx and return a
// Permanent error when retrying cannot help.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, p relay.NotificationPayload) error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// StatusError is a non-2xx HTTP answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// CheckResponse maps an HTTP status to nil (2xx), a transient error
// (408, 429, 5xx and anything unexpected) or a Permanent error (other 4xx).
// It drains and closes the body.
func CheckResponse(resp *http.Response) error {
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	switch {
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return err
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Permanent(err)
	default:
		return err
	}
}

// JoinTags renders tags the way every sink shows them.
func JoinTags(tags []string) string { return strings.Join(tags, ",") }

// NewHTTPClient returns a pooled client with no global timeout; callers
// bound each request with its context.
func NewHTTPClient() *http.Client {
	return cleanhttp.DefaultPooledClient()
}
