package debug

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/metrics"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/pkg/logx"
)

func get(t *testing.T, h http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsProbes(t *testing.T) {
	t.Parallel()
	live := rtsup.New(context.Background())
	t.Cleanup(live.Cancel)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	live.Go0("irc", func(context.Context) { <-block })

	s := New(Config{}, logx.Nop(),
		WithProbe("sources", live.Snapshot),
		WithProbe("dispatch", func() rtsup.Snapshot { return rtsup.Snapshot{} }),
	)
	rec := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status  string   `json:"status"`
		Failing []string `json:"failing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, []string{"dispatch"}, body.Failing)

	ok := New(Config{}, logx.Nop(), WithProbe("sources", live.Snapshot))
	assert.Equal(t, http.StatusOK, get(t, ok.Handler(), "/healthz").Code)
}

func TestTokenGuardsEveryRoute(t *testing.T) {
	t.Parallel()
	h := New(Config{Token: "s3cret"}, logx.Nop(), WithMetrics(metrics.New())).Handler()

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/metrics?token=nope").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz?token=s3cret").Code)

	rec := get(t, h, "/metrics", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))

	assert.Equal(t, http.StatusOK, get(t, h, "/debug/pprof/", "Authorization", "Bearer s3cret").Code)
}

func TestMetricsWithoutRegistryIs404(t *testing.T) {
	t.Parallel()
	assert.Equal(t, http.StatusNotFound, get(t, New(Config{}, logx.Nop()).Handler(), "/metrics").Code)
}

func TestRunRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	err := New(Config{Addr: "0.0.0.0:0"}, logx.Nop()).Run(context.Background())
	assert.ErrorIs(t, err, ErrInsecureBind)
}

func TestRunServesUntilCanceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(Config{Addr: "127.0.0.1:0"}, logx.Nop()).Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	assert.True(t, isLoopbackAddr("127.0.0.1:6060"))
	assert.True(t, isLoopbackAddr("localhost:6060"))
	assert.True(t, isLoopbackAddr("[::1]:6060"))
	assert.False(t, isLoopbackAddr(":6060"))
	assert.False(t, isLoopbackAddr("10.0.0.1:6060"))
	assert.False(t, isLoopbackAddr("nonsense"))
}
