package relay

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownKind = errors.New("unknown source kind")
	ErrEmptyEvent  = errors.New("empty event")
)

// ConfigurationError lists every problem found in a configuration. It is
// fatal at startup.
type ConfigurationError struct {
	Errs []error
}

func (e *ConfigurationError) Error() string {
	if len(e.Errs) == 0 {
		return "invalid configuration"
	}
	parts := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		parts = append(parts, err.Error())
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

func (e *ConfigurationError) Unwrap() []error { return e.Errs }

// SourceConnectionError reports a lost or failed upstream connection. The
// source is restarted; other sources are unaffected.
type SourceConnectionError struct {
	Source string
	Err    error
}

func (e *SourceConnectionError) Error() string {
	return fmt.Sprintf("source %s: connection failed: %v", e.Source, e.Err)
}

func (e *SourceConnectionError) Unwrap() error { return e.Err }

// ClassificationError means an event could not be routed; it is dropped.
type ClassificationError struct {
	Reason string
	Err    error
}

func (e *ClassificationError) Error() string {
	if e.Err == nil {
		return "classification failed: " + e.Reason
	}
	return fmt.Sprintf("classification failed: %s: %v", e.Reason, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// SinkDeliveryError is reported when a delivery reaches FAILED.
type SinkDeliveryError struct {
	Sink      string
	Attempts  int
	Permanent bool
	Err       error
}

func (e *SinkDeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("sink %s: delivery failed after %d attempt(s) (%s): %v", e.Sink, e.Attempts, kind, e.Err)
}

func (e *SinkDeliveryError) Unwrap() error { return e.Err }
