package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"relaybot/internal/eventbus"
	"relaybot/internal/metrics"
	"relaybot/internal/relay"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/sink"
	"relaybot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatcher stopped")
	ErrNoSinks   = errors.New("no sinks configured")
)

type delivery struct {
	id       string
	payload  relay.NotificationPayload
	enqueued time.Time
}

type lane struct {
	sink    sink.Sink
	queue   chan delivery
	limiter *rate.Limiter
}

// Service is safe for concurrent use. The sink set is fixed at New.
type Service struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics

	mu        sync.Mutex
	lanes     []*lane
	accepting bool
	started   bool
	sendWG    sync.WaitGroup
	sup       *rtsup.Supervisor
	stopDone  chan struct{}
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func New(cfg Config, sinks []sink.Sink, opts ...Option) (*Service, error) {
	if len(sinks) == 0 {
		return nil, ErrNoSinks
	}
	s := &Service{cfg: cfg.withDefaults(), log: logx.Nop()}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	for _, sk := range sinks {
		s.lanes = append(s.lanes, &lane{
			sink:    sk,
			queue:   make(chan delivery, s.cfg.QueueSize),
			limiter: rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RatePerSec),
		})
	}
	return s, nil
}

// Supervisor returns the lane supervisor, nil before Start.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches one worker per lane. It is a no-op when already started.
// ctx should outlive source shutdown; Stop is the normal way to end lanes.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.accepting = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	for _, l := range s.lanes {
		s.sup.GoRestart("lane."+l.sink.Name(), func(c context.Context) error {
			return s.laneLoop(c, l)
		})
	}
}

// Dispatch enqueues p on every lane without blocking. A full lane fails only
// its own delivery. Dispatch returns ErrStopped once Stop has begun.
func (s *Service) Dispatch(ctx context.Context, p relay.NotificationPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	d := delivery{id: uuid.NewString(), payload: p, enqueued: time.Now()}
	for _, l := range s.lanes {
		select {
		case l.queue <- d:
			s.metrics.SetQueueDepth(l.sink.Name(), len(l.queue))
			s.log.Trace("delivery queued",
				logx.String("id", d.id),
				logx.String("sink", l.sink.Name()),
				logx.String("state", string(StatePending)),
			)
		default:
			s.fail(l, d, 0, ErrQueueFull, ReasonQueueFull, false)
		}
	}
	return nil
}

// Stop ends intake and lets lanes drain until ctx is done. After that,
// in-flight attempts are canceled and queued deliveries fail with reason
// shutdown. Stop returns once every lane worker has exited.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.accepting = false
		s.mu.Unlock()
		return nil
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		<-done
		return nil
	}
	s.accepting = false
	done := make(chan struct{})
	s.stopDone = done
	sup := s.sup
	s.mu.Unlock()
	defer close(done)

	// In-flight Dispatch calls may still be sending on the queues.
	s.sendWG.Wait()
	for _, l := range s.lanes {
		close(l.queue)
	}

	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("dispatcher drain timed out, canceling in-flight deliveries")
		sup.Cancel()
		_ = sup.Wait(context.Background())
		return ctx.Err()
	}
	return nil
}

// laneLoop delivers queued payloads in order until the queue is closed and
// empty. If ctx ends first, whatever is left fails with reason shutdown.
func (s *Service) laneLoop(ctx context.Context, l *lane) error {
	for {
		select {
		case <-ctx.Done():
			s.failQueued(l)
			return nil
		case d, ok := <-l.queue:
			if !ok {
				return nil
			}
			s.metrics.SetQueueDepth(l.sink.Name(), len(l.queue))
			s.deliver(ctx, l, d)
		}
	}
}

func (s *Service) failQueued(l *lane) {
	for {
		select {
		case d, ok := <-l.queue:
			if !ok {
				return
			}
			s.fail(l, d, 0, context.Canceled, ReasonShutdown, false)
		default:
			return
		}
	}
}

func (s *Service) deliver(ctx context.Context, l *lane, d delivery) {
	name := l.sink.Name()
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if err := l.limiter.Wait(ctx); err != nil {
			s.fail(l, d, attempt-1, err, ReasonShutdown, false)
			return
		}

		s.metrics.ObserveAttempt(name)
		actx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		err := l.sink.Deliver(actx, d.payload)
		cancel()
		if err == nil {
			s.delivered(l, d, attempt)
			return
		}
		lastErr = err

		switch {
		case ctx.Err() != nil:
			s.fail(l, d, attempt, err, ReasonShutdown, false)
			return
		case sink.IsPermanent(err):
			s.fail(l, d, attempt, err, "", true)
			return
		case attempt == s.cfg.MaxAttempts:
			continue
		}

		delay := retryDelay(s.cfg.RetryBase, s.cfg.RetryMaxDelay, attempt)
		s.log.Warn("delivery attempt failed, retrying",
			logx.String("id", d.id),
			logx.String("sink", name),
			logx.String("state", string(StatePending)),
			logx.Int("attempt", attempt),
			logx.Int("max", s.cfg.MaxAttempts),
			logx.Duration("retry_in", delay),
			logx.Err(err),
		)
		if err := sleep(ctx, delay); err != nil {
			s.fail(l, d, attempt, lastErr, ReasonShutdown, false)
			return
		}
	}
	s.fail(l, d, s.cfg.MaxAttempts, lastErr, "", false)
}

func (s *Service) delivered(l *lane, d delivery, attempts int) {
	name := l.sink.Name()
	took := time.Since(d.enqueued)
	s.log.Info("delivered",
		logx.String("id", d.id),
		logx.String("sink", name),
		logx.String("state", string(StateDelivered)),
		logx.Int("attempts", attempts),
		logx.Duration("took", took),
	)
	s.metrics.ObserveDelivery(name, metrics.OutcomeDelivered, took)
	s.publish(eventbus.TopicDelivered, DeliveryEvent{
		ID: d.id, Sink: name, State: StateDelivered, Attempts: attempts, Subject: d.payload.Subject, At: time.Now(),
	})
}

func (s *Service) fail(l *lane, d delivery, attempts int, cause error, reason string, permanent bool) {
	name := l.sink.Name()
	err := &relay.SinkDeliveryError{Sink: name, Attempts: attempts, Permanent: permanent || sink.IsPermanent(cause), Err: cause}
	fields := []logx.Field{
		logx.String("id", d.id),
		logx.String("sink", name),
		logx.String("state", string(StateFailed)),
		logx.Int("attempts", attempts),
		logx.String("subject", d.payload.Subject),
		logx.Bool("permanent", err.Permanent),
		logx.Err(err),
	}
	if reason != "" {
		fields = append(fields, logx.String("reason", reason))
	}
	s.log.Error("delivery failed", fields...)
	s.metrics.ObserveDelivery(name, metrics.OutcomeFailed, time.Since(d.enqueued))

	msg := err.Error()
	if reason != "" {
		msg = reason + ": " + msg
	}
	s.publish(eventbus.TopicFailed, DeliveryEvent{
		ID: d.id, Sink: name, State: StateFailed, Attempts: attempts, Subject: d.payload.Subject,
		Error: msg, Permanent: err.Permanent, At: time.Now(),
	})
}

func (s *Service) publish(topic string, ev DeliveryEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: topic, Time: ev.At, Data: ev})
}
