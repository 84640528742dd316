package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// OperatorConfig copies records at or above MinLevel to a human chat, at
// most RatePerSec per second.
type OperatorConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// OperatorSender delivers one plain-text line to the operator chat.
type OperatorSender interface {
	SendOperator(ctx context.Context, text string) error
}

const (
	operatorQueue    = 256
	operatorMaxLen   = 3500
	operatorFieldLen = 600
)

// operator is the zerolog.LevelWriter behind operator forwarding. Writes never
// block: records over the rate or beyond the queue are dropped.
type operator struct {
	sender OperatorSender
	queue  chan string

	mu      sync.Mutex
	min     zerolog.Level
	limiter *rate.Limiter

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func newOperator(sender OperatorSender) *operator {
	return &operator{
		sender: sender,
		queue:  make(chan string, operatorQueue),
		min:    zerolog.WarnLevel,
		done:   make(chan struct{}),
	}
}

func (o *operator) configure(cfg OperatorConfig) {
	rps := max(cfg.RatePerSec, 1)
	o.mu.Lock()
	o.min = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	o.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	o.mu.Unlock()

	if cfg.Enabled && o.sender != nil {
		o.startOnce.Do(o.start)
	}
}

func (o *operator) start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	go func() {
		defer close(o.done)
		for {
			select {
			case <-ctx.Done():
				return
			case line := <-o.queue:
				_ = o.sender.SendOperator(ctx, line)
			}
		}
	}()
}

func (o *operator) stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		<-o.done
	}
}

func (o *operator) Write(p []byte) (int, error) { return o.WriteLevel(zerolog.NoLevel, p) }

func (o *operator) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	o.mu.Lock()
	pass := level >= o.min && level != zerolog.NoLevel && o.limiter != nil && o.limiter.Allow()
	o.mu.Unlock()
	if !pass {
		return len(p), nil
	}
	if line := operatorLine(p); line != "" {
		select {
		case o.queue <- line:
		default:
		}
	}
	return len(p), nil
}

// operatorLine turns a JSON record into "[LEVEL] message" plus one
// "- key=value" line per remaining field, sorted by key.
func operatorLine(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var rec map[string]any
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return clip(raw, operatorMaxLen)
	}
	level, _ := rec["level"].(string)
	msg, _ := rec[zerolog.MessageFieldName].(string)
	delete(rec, "level")
	delete(rec, zerolog.MessageFieldName)
	delete(rec, zerolog.TimestampFieldName)

	var b strings.Builder
	if level != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(level))
	}
	b.WriteString(msg)
	for _, k := range slices.Sorted(maps.Keys(rec)) {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(rec[k]), operatorFieldLen))
	}
	return clip(b.String(), operatorMaxLen)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:runeBoundary(s, n)]
	}
	return s[:runeBoundary(s, n-3)] + "..."
}

// runeBoundary backs i off to the start of the rune containing s[i].
func runeBoundary(s string, i int) int {
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}
