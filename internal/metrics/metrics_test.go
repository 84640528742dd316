package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestCounters(t *testing.T) {
	t.Parallel()
	m := New()
	m.ObserveEvent("irc", OutcomeRelayed)
	m.ObserveEvent("irc", OutcomeRelayed)
	m.ObserveAttempt("hipchat")
	m.ObserveDelivery("webhook", OutcomeDelivered, 20*time.Millisecond)
	m.SetQueueDepth("webhook", 3)
	m.ObserveRestart("source.irc")

	out := scrape(t, m)
	assert.Contains(t, out, `relaybot_events_total{outcome="relayed",source="irc"} 2`)
	assert.Contains(t, out, `relaybot_delivery_attempts_total{sink="hipchat"} 1`)
	assert.Contains(t, out, `relaybot_deliveries_total{outcome="delivered",sink="webhook"} 1`)
	assert.Contains(t, out, `relaybot_queue_depth{sink="webhook"} 3`)
	assert.Contains(t, out, `relaybot_delivery_seconds_count{sink="webhook"} 1`)
	assert.Contains(t, out, `relaybot_task_restarts_total{task="source.irc"} 1`)
	assert.Contains(t, out, "go_goroutines")
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.ObserveEvent("mail", OutcomeDropped)
	m.ObserveDelivery("x", OutcomeFailed, time.Second)
	m.SetQueueDepth("x", 1)
	m.ObserveRestart("x")
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
