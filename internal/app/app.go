package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/dispatch"
	"relaybot/internal/eventbus"
	"relaybot/internal/metrics"
	"relaybot/internal/observability/debug"
	"relaybot/internal/relay"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/schedule"
	"relaybot/internal/sink"
	"relaybot/internal/sink/hipchat"
	"relaybot/internal/sink/telegram"
	"relaybot/internal/sink/webhook"
	ircsrc "relaybot/internal/source/irc"
	imapsrc "relaybot/internal/source/imap"
	"relaybot/pkg/logx"
	"relaybot/pkg/systemd"
)

// sourceBuffer is the per-source channel between a source and its drain loop.
const sourceBuffer = 64

type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics

	sources    []relay.Source
	pipeline   *relay.Pipeline
	dispatcher *dispatch.Service
	debug      *debug.Server

	grace   time.Duration
	version string

	sup       *rtsup.Supervisor // config watch/reload, debug server, watchdog
	srcSup    *rtsup.Supervisor
	drainSup  *rtsup.Supervisor
	stopDrain chan struct{}
	stopOnce  sync.Once
}

type Option func(*App)

// WithVersion sets the build version reported in the startup banner.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithSources replaces the sources built from config.
func WithSources(src ...relay.Source) Option {
	return func(a *App) { a.sources = src }
}

// New loads and validates the config at path and builds every component.
// Any error here is a startup failure.
func New(path string, opts ...Option) (_ *App, err error) {
	cfgm := config.NewManager(path)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	dcfg, err := dispatchConfig(cfg.Dispatcher)
	if err != nil {
		return nil, err
	}

	var tg *telegram.Sink
	if cfg.Sinks.Telegram.Configured() {
		tg, err = telegram.New(telegram.Options{
			Token:    cfg.Sinks.Telegram.Token,
			ChatID:   cfg.Sinks.Telegram.ChatID,
			ThreadID: cfg.Sinks.Telegram.ThreadID,
			APIURL:   cfg.Sinks.Telegram.APIURL,
			Timeout:  dcfg.AttemptTimeout,
		}, nil)
		if err != nil {
			return nil, err
		}
	}

	// The operator target has to exist before the first Apply or logx warns.
	var operator logx.OperatorSender
	if tg != nil {
		operator = tg
	}
	logSvc, log := logx.New(cfg.Logging.Logx(), operator)
	defer func() {
		if err != nil {
			_ = logSvc.Close()
		}
	}()
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgm:      cfgm,
		cfg:       cfg,
		log:       log.With(logx.String("comp", "app")),
		logs:      logSvc,
		bus:       eventbus.New(),
		metrics:   metrics.New(),
		stopDrain: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}

	if a.grace, err = config.ParseDurationOrDefault("dispatcher.shutdown_grace", cfg.Dispatcher.ShutdownGrace, config.DefaultShutdownGrace); err != nil {
		return nil, err
	}

	sinks, err := buildSinks(cfg, tg)
	if err != nil {
		return nil, err
	}
	a.dispatcher, err = dispatch.New(dcfg, sinks,
		dispatch.WithLogger(log.With(logx.String("comp", "dispatch"))),
		dispatch.WithBus(a.bus),
		dispatch.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, err
	}

	a.pipeline = relay.NewPipeline(
		relay.NewClassifier(cfg.IRC.Tag, cfg.Classifier.KeywordRules()),
		relay.NewFormatter(cfg.Formatter.MaxPayloadLength, cfg.Formatter.TruncationMarker),
		a.dispatcher,
		relay.WithLogger(log.With(logx.String("comp", "pipeline"))),
		relay.WithBus(a.bus),
		relay.WithMetrics(a.metrics),
	)

	if a.sources == nil {
		if a.sources, err = buildSources(cfg, log); err != nil {
			return nil, err
		}
	}
	if len(a.sources) == 0 {
		return nil, &relay.ConfigurationError{Errs: []error{fmt.Errorf("no source enabled")}}
	}

	if cfg.Debug.Enabled {
		dc, err := debugConfig(cfg.Debug)
		if err != nil {
			return nil, err
		}
		dopts := append([]debug.Option{debug.WithMetrics(a.metrics), debug.WithBus(a.bus)}, a.probes()...)
		a.debug = debug.New(dc, log.With(logx.String("comp", "debug")), dopts...)
	}
	return a, nil
}

// Done is closed when the app supervisor context ends, either because the
// parent context was canceled or because a core task failed (see Err).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Metrics exposes the registry for tests and embedding.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Bus exposes the event bus for tests and embedding.
func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Start(ctx context.Context) error {
	// A failure here (a panicking reload or event loop) ends the process.
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Lanes and drains must outlive the sources so shutdown can flush them.
	keep := context.WithoutCancel(ctx)
	a.dispatcher.Start(keep)
	a.srcSup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "sources"))),
		rtsup.WithRestartHook(func(name string, _ error) { a.metrics.ObserveRestart(name) }),
	)
	a.drainSup = rtsup.New(keep, rtsup.WithLogger(a.log.With(logx.String("comp", "drain"))), rtsup.WithCancelOnError(false))

	for _, src := range a.sources {
		ch := make(chan relay.InboundEvent, sourceBuffer)
		name := src.Name()
		srcLog := a.log.With(logx.String("source", name))
		a.srcSup.GoRestart("source."+name, func(c context.Context) error {
			err := src.Run(c, ch)
			if err != nil && c.Err() == nil {
				err = &relay.SourceConnectionError{Source: name, Err: err}
				srcLog.Warn("source stopped, restarting", logx.Err(err))
			}
			return err
		},
			rtsup.WithRestartBackoff(time.Second, time.Minute),
			rtsup.WithStopOnCleanExit(false),
		)
		a.drainSup.Go("drain."+name, func(c context.Context) error {
			return a.pipeline.Drain(c, ch, a.stopDrain)
		})
	}

	if a.debug != nil {
		a.sup.GoRestart("debug.http", a.debug.Run,
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
			rtsup.WithMaxRestarts(5),
		)
	}

	a.startEventLog()
	a.startConfigReload()
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) { systemd.Watchdog(c, a.log) })

	systemd.Ready(a.log)
	systemd.Status(a.log, fmt.Sprintf("relaying %d source(s)", len(a.sources)))
	a.log.Info("relaybot started",
		logx.String("version", a.version),
		logx.Int("sources", len(a.sources)),
		logx.Duration("shutdown_grace", a.grace),
	)
	return nil
}

// probes lists the supervisors reported by /healthz. They are read lazily;
// before Start every probe reports an empty snapshot.
func (a *App) probes() []debug.Option {
	return []debug.Option{
		debug.WithProbe("sources", func() rtsup.Snapshot {
			if a.srcSup == nil {
				return rtsup.Snapshot{}
			}
			return a.srcSup.Snapshot()
		}),
		debug.WithProbe("dispatch", func() rtsup.Snapshot {
			if sup := a.dispatcher.Supervisor(); sup != nil {
				return sup.Snapshot()
			}
			return rtsup.Snapshot{}
		}),
	}
}

func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

// startConfigReload applies logging changes live. Everything else needs a
// restart and is only reported.
func (a *App) startConfigReload() {
	sub, unsub := a.cfgm.Subscribe()
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsub()
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TopicConfigChanged, Data: sections})
	a.logs.Apply(next.Logging.Logx())

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	if config.OnlyLoggingChanged(sections) {
		a.log.Info("config reloaded", fields...)
		return
	}
	a.log.Warn("config changed; restart required for non-logging sections to take effect", fields...)
}

// Stop runs the shutdown sequence within dispatcher.shutdown_grace (or ctx,
// whichever ends first): sources, drain loops, dispatcher, then the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.stopOnce.Do(func() { a.stop(ctx, reason) })
	return nil
}

func (a *App) stop(ctx context.Context, reason StopReason) {
	systemd.Stopping(a.log)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	ctx, cancel := context.WithTimeout(ctx, a.grace)
	defer cancel()

	a.step(ctx, "sources", func(c context.Context) error { return a.srcSup.Stop(c) })
	close(a.stopDrain)
	a.step(ctx, "drain", func(c context.Context) error { return a.drainSup.Wait(c) })
	a.step(ctx, "dispatcher", func(c context.Context) error { return a.dispatcher.Stop(c) })

	a.sup.Cancel()
	a.step(ctx, "supervisor", func(c context.Context) error { return a.sup.Wait(c) })
	// Drains blocked past the grace have nothing left to deliver to.
	a.drainSup.Cancel()

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// step runs one shutdown step bounded by ctx. A step that overruns is
// logged and left behind.
func (a *App) step(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

func buildSinks(cfg *config.Config, tg *telegram.Sink) ([]sink.Sink, error) {
	var out []sink.Sink
	s := cfg.Sinks
	if s.HipChat.Enabled {
		out = append(out, hipchat.New(hipchat.Options{
			BaseURL:    s.HipChat.BaseURL,
			APIVersion: s.HipChat.APIVersion,
			AuthToken:  s.HipChat.AuthToken,
			RoomID:     s.HipChat.RoomID,
			BotName:    s.HipChat.BotName,
			Color:      s.HipChat.Color,
			Notify:     s.HipChat.NotifyRoom(),
		}, nil))
	}
	if s.Webhook.Enabled {
		out = append(out, webhook.New(s.Webhook.URL, s.Webhook.Token, nil))
	}
	if s.Telegram.Enabled {
		if tg == nil {
			return nil, &relay.ConfigurationError{Errs: []error{fmt.Errorf("sinks.telegram: token and chat_id are required")}}
		}
		out = append(out, tg)
	}
	return out, nil
}

func buildSources(cfg *config.Config, log logx.Logger) ([]relay.Source, error) {
	var out []relay.Source
	if c := cfg.IRC; c.Enabled {
		dt, err := config.ParseDurationField("irc.dial_timeout", c.DialTimeout)
		if err != nil {
			return nil, err
		}
		out = append(out, ircsrc.New(ircsrc.Options{
			Server:        c.Server,
			TLS:           c.TLS,
			Nick:          c.Nick,
			User:          c.User,
			Name:          c.Name,
			Password:      c.Password,
			Channel:       c.Channel,
			CommandPrefix: c.CommandPrefix,
			DialTimeout:   dt,
		}, log.With(logx.String("comp", "irc"))))
	}
	if c := cfg.IMAP; c.Enabled {
		spec, err := schedule.Parse(c.PollInterval)
		if err != nil {
			return nil, &relay.ConfigurationError{Errs: []error{fmt.Errorf("imap.poll_interval: %w", err)}}
		}
		dt, err := config.ParseDurationField("imap.dial_timeout", c.DialTimeout)
		if err != nil {
			return nil, err
		}
		out = append(out, imapsrc.New(imapsrc.Options{
			Addr:             c.Addr,
			TLS:              c.UseTLS(),
			Username:         c.Username,
			Password:         c.Password,
			Folder:           c.Folder,
			Schedule:         spec,
			FallbackMaxBytes: c.FallbackMaxBytes,
			DialTimeout:      dt,
		}, log.With(logx.String("comp", "imap"))))
	}
	return out, nil
}

func dispatchConfig(d config.DispatcherConfig) (dispatch.Config, error) {
	base, err := config.ParseDurationOrDefault("dispatcher.retry_base", d.RetryBase, config.DefaultRetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("dispatcher.retry_max_delay", d.RetryMaxDelay, config.DefaultRetryMaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	attempt, err := config.ParseDurationOrDefault("dispatcher.attempt_timeout", d.AttemptTimeout, config.DefaultAttemptTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		QueueSize:      d.QueueSize,
		RatePerSec:     d.RatePerSec,
		MaxAttempts:    d.MaxAttempts,
		RetryBase:      base,
		RetryMaxDelay:  maxDelay,
		AttemptTimeout: attempt,
	}, nil
}

func debugConfig(d config.DebugConfig) (debug.Config, error) {
	rt, err := config.ParseDurationField("debug.read_timeout", d.ReadTimeout)
	if err != nil {
		return debug.Config{}, err
	}
	wt, err := config.ParseDurationField("debug.write_timeout", d.WriteTimeout)
	if err != nil {
		return debug.Config{}, err
	}
	it, err := config.ParseDurationField("debug.idle_timeout", d.IdleTimeout)
	if err != nil {
		return debug.Config{}, err
	}
	return debug.Config{
		Addr:                 d.Addr,
		Token:                d.Token,
		AllowInsecure:        d.AllowInsecure,
		ReadTimeout:          rt,
		WriteTimeout:         wt,
		IdleTimeout:          it,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}, nil
}
