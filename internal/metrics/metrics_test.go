package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors_RegisterOnInjectedRegistry(t *testing.T) {
	reg := NewRegistry()
	relay := NewRelayMetrics(reg)
	bridge := NewBridgeMetrics(reg)
	httpm := NewHTTPMetrics(reg)

	relay.ConnectedClients.Set(3)
	bridge.Published.Inc()
	httpm.ConnectionsRejected.WithLabelValues("per_ip").Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(relay.ConnectedClients))

	// Independent registries never collide.
	assert.NotPanics(t, func() { NewRelayMetrics(prometheus.NewRegistry()) })
	assert.Panics(t, func() { NewRelayMetrics(reg) }, "double registration on one registry")
}

func TestHandler_ServesExposition(t *testing.T) {
	reg := NewRegistry()
	m := NewRelayMetrics(reg)
	m.InboundDropped.WithLabelValues("malformed").Inc()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `speakrelay_relay_inbound_dropped_total{reason="malformed"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestHTTPMetrics_Middleware(t *testing.T) {
	m := NewHTTPMetrics(prometheus.NewRegistry())

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/version", func(c echo.Context) error { return c.String(http.StatusOK, "v") })
	e.GET("/health/live", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/relay", func(c echo.Context) error { return c.NoContent(http.StatusSwitchingProtocols) })

	for _, path := range []string{"/version", "/version", "/health/live"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	upgrade := httptest.NewRequest(http.MethodGet, "/relay", nil)
	upgrade.Header.Set("Upgrade", "websocket")
	e.ServeHTTP(httptest.NewRecorder(), upgrade)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodGet, "/version", "200")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RequestsTotal), "health and upgrades are not recorded")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InFlight))
}

func TestMetricNames(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewBridgeMetrics(reg).RedisOps.WithLabelValues("publish", "success").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		assert.True(t, strings.HasPrefix(f.GetName(), namespace+"_"), f.GetName())
	}
}

func TestBroadcastRecipients_Buckets(t *testing.T) {
	m := NewRelayMetrics(prometheus.NewRegistry())
	for _, n := range []float64{0, 1, 3, 250} {
		m.BroadcastRecipients.Observe(n)
	}

	h := histogramOf(t, m.BroadcastRecipients)
	assert.Equal(t, uint64(4), h.GetSampleCount())
	assert.Equal(t, 254.0, h.GetSampleSum())
}

// histogramOf reads the current state of a histogram collector.
func histogramOf(t *testing.T, c prometheus.Collector) *dto.Histogram {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	close(ch)

	out := &dto.Metric{}
	require.NoError(t, (<-ch).Write(out))
	return out.GetHistogram()
}
