// Package metrics exposes relay counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event outcomes.
const (
	OutcomeRelayed       = "relayed"
	OutcomeFiltered      = "filtered"
	OutcomeDropped       = "dropped"
	OutcomeDispatchError = "dispatch_error"
	OutcomeDelivered     = "delivered"
	OutcomeFailed        = "failed"
)

// Metrics owns a private registry so tests can build as many as they like.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	events     *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	attempts   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	queueDepth *prometheus.GaugeVec
	restarts   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaybot",
			Name:      "events_total",
			Help:      "Inbound events by source and outcome.",
		}, []string{"source", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaybot",
			Name:      "deliveries_total",
			Help:      "Terminal delivery states by sink.",
		}, []string{"sink", "outcome"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaybot",
			Name:      "delivery_attempts_total",
			Help:      "Sink calls, including retries.",
		}, []string{"sink"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relaybot",
			Name:      "delivery_seconds",
			Help:      "Time from enqueue to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"sink"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relaybot",
			Name:      "queue_depth",
			Help:      "Payloads waiting in a sink lane.",
		}, []string{"sink"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaybot",
			Name:      "task_restarts_total",
			Help:      "Supervised task restarts, e.g. source reconnects.",
		}, []string{"task"}),
	}
	reg.MustRegister(
		m.events, m.deliveries, m.attempts, m.latency, m.queueDepth, m.restarts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry. A nil *Metrics serves 404.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveEvent(source, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) ObserveAttempt(sink string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(sink).Inc()
}

func (m *Metrics) ObserveDelivery(sink, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(sink, outcome).Inc()
	m.latency.WithLabelValues(sink).Observe(took.Seconds())
}

func (m *Metrics) SetQueueDepth(sink string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(sink).Set(float64(n))
}

func (m *Metrics) ObserveRestart(task string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(task).Inc()
}
