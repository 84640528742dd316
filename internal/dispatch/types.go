package dispatch

import "time"

// Config controls the lanes. Zero values take the defaults below.
type Config struct {
	QueueSize      int
	RatePerSec     int
	MaxAttempts    int
	RetryBase      time.Duration
	RetryMaxDelay  time.Duration
	AttemptTimeout time.Duration
}

type State string

const (
	StatePending   State = "PENDING"
	StateDelivered State = "DELIVERED"
	StateFailed    State = "FAILED"
)

// Failure reasons that are not a sink error.
const (
	ReasonQueueFull = "queue full"
	ReasonShutdown  = "shutdown"
)

// DeliveryEvent is the event bus payload for relay.delivered and
// relay.failed.
type DeliveryEvent struct {
	ID        string    `json:"id"`
	Sink      string    `json:"sink"`
	State     State     `json:"state"`
	Attempts  int       `json:"attempts"`
	Subject   string    `json:"subject"`
	Error     string    `json:"error,omitempty"`
	Permanent bool      `json:"permanent,omitempty"`
	At        time.Time `json:"at"`
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	return c
}
