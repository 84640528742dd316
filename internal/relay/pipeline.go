package relay

import (
	"context"

	"relaybot/internal/eventbus"
	"relaybot/internal/metrics"
	"relaybot/pkg/logx"
)

// Pipeline runs classify -> format -> dispatch for events from one or more
// sources. It holds no per-event state and is safe for concurrent use.
type Pipeline struct {
	classifier *Classifier
	formatter  *Formatter
	dispatcher Dispatcher

	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
}

type PipelineOption func(*Pipeline)

func WithLogger(log logx.Logger) PipelineOption {
	return func(p *Pipeline) { p.log = log }
}

func WithBus(bus eventbus.Bus) PipelineOption {
	return func(p *Pipeline) { p.bus = bus }
}

func WithMetrics(m *metrics.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

func NewPipeline(c *Classifier, f *Formatter, d Dispatcher, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{classifier: c, formatter: f, dispatcher: d, log: logx.Nop()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process handles one event. A classification error drops the event and is
// returned for reporting; it never affects later events.
func (p *Pipeline) Process(ctx context.Context, ev InboundEvent) error {
	src := ev.Kind.String()
	p.publish(eventbus.TopicReceived, ev)

	dec, err := p.classifier.Classify(ev)
	if err != nil {
		p.log.Warn("event dropped", logx.String("source", src), logx.Err(err))
		p.metrics.ObserveEvent(src, metrics.OutcomeDropped)
		p.publish(eventbus.TopicDropped, err)
		return err
	}
	if !dec.Relay {
		p.log.Debug("event filtered", logx.String("source", src), logx.String("origin", ev.Origin))
		p.metrics.ObserveEvent(src, metrics.OutcomeFiltered)
		return nil
	}

	payload := p.formatter.Format(ev, dec)
	if err := p.dispatcher.Dispatch(ctx, payload); err != nil {
		p.log.Error("dispatch rejected event", logx.String("source", src), logx.String("subject", payload.Subject), logx.Err(err))
		p.metrics.ObserveEvent(src, metrics.OutcomeDispatchError)
		return err
	}
	p.log.Debug("event relayed", logx.String("source", src), logx.Strings("tags", payload.Tags), logx.String("subject", payload.Subject))
	p.metrics.ObserveEvent(src, metrics.OutcomeRelayed)
	return nil
}

// Drain processes events from in, in arrival order, until stop is closed or
// ctx is done. On stop it flushes whatever is already buffered in in and
// returns; in is never closed by either side so late sends cannot panic.
func (p *Pipeline) Drain(ctx context.Context, in <-chan InboundEvent, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return p.flush(ctx, in)
		case ev := <-in:
			p.handle(ctx, ev)
		}
	}
}

func (p *Pipeline) flush(ctx context.Context, in <-chan InboundEvent) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case ev := <-in:
			p.handle(ctx, ev)
		default:
			return nil
		}
	}
}

// handle runs Process for the drain loop. Errors are logged by Process and
// never stop the loop.
func (p *Pipeline) handle(ctx context.Context, ev InboundEvent) {
	_ = p.Process(ctx, ev)
}

func (p *Pipeline) publish(topic string, data any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: topic, Data: data})
}
