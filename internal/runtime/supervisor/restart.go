package supervisor

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"relaybot/pkg/logx"
)

// A run that lasted this long is considered healthy and resets the backoff.
const healthyRun = 30 * time.Second

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max    time.Duration
	maxRestarts int // 0 means unlimited
	stopOnNil   bool
}

// WithRestartBackoff sets the first and the largest wait between runs.
func WithRestartBackoff(minWait, maxWait time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if minWait > 0 {
			p.min = minWait
		}
		if maxWait > 0 {
			p.max = maxWait
		}
	}
}

// WithMaxRestarts gives up after n restarts. The first run is not counted.
func WithMaxRestarts(n int) RestartOption {
	return func(p *restartPolicy) { p.maxRestarts = n }
}

// WithStopOnCleanExit controls whether a nil return ends the task (default)
// or counts as a failure to restart from.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnNil = enabled }
}

func (p restartPolicy) jittered(d time.Duration) time.Duration {
	if j := d / 5; j > 0 {
		d += rand.N(j + 1)
	}
	return d
}

// GoRestart keeps fn running until the supervisor is canceled, waiting with
// exponential backoff between runs. Its failures are logged and counted but
// never recorded as the supervisor error.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second, stopOnNil: true}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)

	t := s.task(name)
	s.spawn(func() {
		wait := p.min
		for restarts := 0; s.ctx.Err() == nil; restarts++ {
			began := time.Now()
			t.begin(restarts > 0)
			err, panicked := s.call(name, fn)

			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				t.end(nil, panicked)
				return
			}
			if err == nil {
				if p.stopOnNil {
					t.end(nil, false)
					return
				}
				err = errors.New("exited")
			}
			t.end(err, panicked)

			if p.maxRestarts > 0 && restarts >= p.maxRestarts {
				s.log.Error("task gave up", logx.String("task", name), logx.Int("restarts", restarts), logx.Err(err))
				return
			}
			if time.Since(began) >= healthyRun {
				wait = p.min
			}
			d := p.jittered(wait)
			s.log.Warn("task restarting", logx.String("task", name), logx.Duration("backoff", d), logx.Err(err))
			if s.onRestart != nil {
				s.onRestart(name, err)
			}
			if !sleepCtx(s.ctx, d) {
				return
			}
			wait = min(wait*2, p.max)
		}
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
