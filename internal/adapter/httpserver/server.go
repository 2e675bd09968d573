package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/speakrelay/internal/metrics"
	"github.com/pscheid92/speakrelay/internal/platform/config"
	"golang.org/x/sync/singleflight"
)

// clientCounter reports the number of registered relay connections.
type clientCounter interface {
	GetClientCount() int
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	clock  clockwork.Clock

	relayHandler http.Handler
	clients      clientCounter
	limits       *ConnectionLimits

	registry     *prometheus.Registry
	metrics      *metrics.HTTPMetrics
	healthChecks []HealthCheck
	readiness    singleflight.Group
	startTime    time.Time
}

func NewServer(
	cfg *config.Config,
	relayHandler http.Handler,
	clients clientCounter,
	registry *prometheus.Registry,
	m *metrics.HTTPMetrics,
	clock clockwork.Clock,
	healthChecks []HealthCheck,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	// Forwarded headers are honored only from private and loopback proxies.
	e.IPExtractor = echo.ExtractIPFromXFFHeader()

	srv := &Server{
		echo:         e,
		config:       cfg,
		clock:        clock,
		relayHandler: relayHandler,
		clients:      clients,
		limits: NewConnectionLimits(
			int64(cfg.MaxWebSocketConnections),
			cfg.MaxConnectionsPerIP,
			cfg.ConnectionRatePerSecond,
			cfg.ConnectionRateBurst,
			clock,
		),
		registry:     registry,
		metrics:      m,
		healthChecks: healthChecks,
		startTime:    clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

// ServeHTTP exposes the router, mainly for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port, "relay_path", s.config.RelayPath)
	if err := s.echo.Start(":" + s.config.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
