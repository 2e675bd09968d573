// Package metrics defines the relay's Prometheus collectors.
//
// Collectors are registered on an injected registry so that independent relay
// instances (and tests) never collide on the default registerer.
package metrics

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "speakrelay"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RelayMetrics holds collectors for the hub, its connections and the heartbeat.
type RelayMetrics struct {
	ConnectedClients    prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	InboundTotal        *prometheus.CounterVec
	InboundDropped      *prometheus.CounterVec
	FramesSent          *prometheus.CounterVec
	SendFailures        *prometheus.CounterVec
	BroadcastRecipients prometheus.Histogram
	BroadcastDuration   prometheus.Histogram
	HeartbeatsTotal     prometheus.Counter
	HeartbeatFailures   prometheus.Counter
	CommandQueueDepth   prometheus.Gauge
	PanicsTotal         prometheus.Counter
}

// NewRelayMetrics creates and registers relay metrics on the given registry.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connected_clients",
			Help:      "Number of WebSocket connections currently registered with the hub.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections_total",
			Help:      "Total number of WebSocket connections accepted.",
		}),
		InboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "inbound_frames_total",
			Help:      "Inbound frames by decoded message type.",
		}, []string{"type"}),
		InboundDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "inbound_dropped_total",
			Help:      "Inbound frames discarded without forwarding, by reason.",
		}, []string{"reason"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_sent_total",
			Help:      "Frames handed to connection send buffers, by message type.",
		}, []string{"type"}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "send_failures_total",
			Help:      "Per-recipient send failures, by reason.",
		}, []string{"reason"}),
		BroadcastRecipients: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "broadcast_recipients",
			Help:      "Number of recipients a broadcast was delivered to.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}),
		BroadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "broadcast_duration_seconds",
			Help:      "Time spent fanning out a single frame.",
			Buckets:   []float64{.00001, .0001, .0005, .001, .005, .01, .05},
		}),
		HeartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "heartbeats_total",
			Help:      "Heartbeat ticks broadcast.",
		}),
		HeartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "heartbeat_failures_total",
			Help:      "Heartbeat ticks that failed to build or enqueue.",
		}),
		CommandQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "command_queue_depth",
			Help:      "Current depth of the hub command channel.",
		}),
		PanicsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "panics_total",
			Help:      "Recovered panics in hub command handling.",
		}),
	}

	reg.MustRegister(
		m.ConnectedClients,
		m.ConnectionsTotal,
		m.InboundTotal,
		m.InboundDropped,
		m.FramesSent,
		m.SendFailures,
		m.BroadcastRecipients,
		m.BroadcastDuration,
		m.HeartbeatsTotal,
		m.HeartbeatFailures,
		m.CommandQueueDepth,
		m.PanicsTotal,
	)
	return m
}

// BridgeMetrics holds collectors for the cross-instance Redis bridge.
type BridgeMetrics struct {
	Published           prometheus.Counter
	PublishFailures     *prometheus.CounterVec
	Received            prometheus.Counter
	Dropped             *prometheus.CounterVec
	CircuitState        prometheus.Gauge
	CircuitStateChanges *prometheus.CounterVec
	RedisOps            *prometheus.CounterVec
	RedisOpDuration     *prometheus.HistogramVec
}

// NewBridgeMetrics creates and registers bridge metrics on the given registry.
func NewBridgeMetrics(reg prometheus.Registerer) *BridgeMetrics {
	m := &BridgeMetrics{
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "published_total",
			Help:      "Frames published to other relay instances.",
		}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "publish_failures_total",
			Help:      "Failed bridge publishes, by reason.",
		}, []string{"reason"}),
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "received_total",
			Help:      "Frames received from other relay instances.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "dropped_total",
			Help:      "Bridge frames dropped, by reason.",
		}, []string{"reason"}),
		CircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "circuit_state",
			Help:      "Redis circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		CircuitStateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "circuit_state_changes_total",
			Help:      "Redis circuit breaker transitions, by new state.",
		}, []string{"state"}),
		RedisOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operations_total",
			Help:      "Redis commands, by operation and status.",
		}, []string{"operation", "status"}),
		RedisOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operation_duration_seconds",
			Help:      "Redis command latency.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}, []string{"operation"}),
	}

	reg.MustRegister(
		m.Published,
		m.PublishFailures,
		m.Received,
		m.Dropped,
		m.CircuitState,
		m.CircuitStateChanges,
		m.RedisOps,
		m.RedisOpDuration,
	)
	return m
}

// HTTPMetrics holds collectors for plain HTTP requests and the upgrade gate.
type HTTPMetrics struct {
	RequestDuration     *prometheus.HistogramVec
	RequestsTotal       *prometheus.CounterVec
	InFlight            prometheus.Gauge
	ConnectionsRejected *prometheus.CounterVec
	ErrorsTotal         *prometheus.CounterVec
}

// NewHTTPMetrics creates and registers HTTP metrics on the given registry.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status_code"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status_code"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of HTTP requests currently being processed.",
		}),
		ConnectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "connections_rejected_total",
			Help:      "WebSocket upgrades rejected before accept, by reason.",
		}, []string{"reason"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "errors_total",
			Help:      "HTTP error responses by error type.",
		}, []string{"type"}),
	}

	reg.MustRegister(m.RequestDuration, m.RequestsTotal, m.InFlight, m.ConnectionsRejected, m.ErrorsTotal)
	return m
}

// Middleware records request metrics. It skips /metrics, /health/* and WebSocket
// upgrades, whose duration is the lifetime of the connection.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Path()
			if path == "/metrics" || strings.HasPrefix(path, "/health/") || isUpgrade(c.Request()) {
				return next(c)
			}

			m.InFlight.Inc()
			defer m.InFlight.Dec()

			timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
				status := strconv.Itoa(c.Response().Status)
				m.RequestDuration.WithLabelValues(c.Request().Method, path, status).Observe(v)
				m.RequestsTotal.WithLabelValues(c.Request().Method, path, status).Inc()
			}))

			err := next(c)
			timer.ObserveDuration()
			return err
		}
	}
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
