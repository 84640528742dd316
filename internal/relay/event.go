// Package relay holds the canonical event model and the pure stages of the
// relay pipeline: classification and formatting.
package relay

import (
	"context"
	"time"
)

// SourceKind identifies the protocol an event arrived on.
type SourceKind int

const (
	KindUnknown SourceKind = iota
	KindIRC
	KindMail
)

func (k SourceKind) String() string {
	switch k {
	case KindIRC:
		return "irc"
	case KindMail:
		return "mail"
	default:
		return "unknown"
	}
}

// InboundEvent is the normalized form of anything a source receives. Sources
// only emit fully constructed events; nothing mutates them afterwards.
type InboundEvent struct {
	Kind   SourceKind
	Author string
	// Origin is the mail subject, or "Chatted on <channel>" for IRC.
	Origin     string
	Body       string
	ReceivedAt time.Time
}

// RoutingDecision is the classifier's verdict for one event. Tags keep rule
// order and never repeat.
type RoutingDecision struct {
	Relay        bool
	Tags         []string
	StrippedBody string
}

// NotificationPayload is what sinks receive. Every field is already entity
// escaped; sinks must not escape again.
type NotificationPayload struct {
	Author  string
	Subject string
	Body    string
	Tags    []string
}

// Source produces InboundEvents from one upstream protocol.
//
// Run blocks until ctx is cancelled or the upstream connection fails. A
// non-nil error other than ctx.Err() means the caller should reconnect.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- InboundEvent) error
}

// Dispatcher accepts formatted payloads for delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, p NotificationPayload) error
}
