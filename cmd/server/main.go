package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/speakrelay/internal/adapter/httpserver"
	"github.com/pscheid92/speakrelay/internal/adapter/redis"
	"github.com/pscheid92/speakrelay/internal/adapter/websocket"
	"github.com/pscheid92/speakrelay/internal/metrics"
	"github.com/pscheid92/speakrelay/internal/platform/config"
	"github.com/pscheid92/speakrelay/internal/platform/logging"
	"github.com/pscheid92/speakrelay/internal/platform/version"
	"github.com/pscheid92/speakrelay/internal/relay"
)

const shutdownTimeout = 10 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupBridge(ctx context.Context, cfg *config.Config, m *metrics.BridgeMetrics, clock clockwork.Clock) *redis.Bridge {
	client, err := redis.NewClient(ctx, cfg.RedisURL, m, clock)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	bridge := redis.NewBridge(client, cfg.RedisChannel, m)
	slog.Info("Cluster bridge enabled", "channel", cfg.RedisChannel, "instance_id", bridge.InstanceID())
	return bridge
}

func runGracefulShutdown(ctx context.Context, srv *httpserver.Server, hub *relay.Hub) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Close relay connections first; the HTTP server waits for their handlers.
		hub.Stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "version", version.Get().String(), "env", cfg.AppEnv, "port", cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := metrics.NewRegistry()
	relayMetrics := metrics.NewRelayMetrics(registry)
	httpMetrics := metrics.NewHTTPMetrics(registry)

	// Pass nil explicitly to the hub when clustering is off to avoid a typed-nil Bridge.
	var (
		hub          *relay.Hub
		bridge       *redis.Bridge
		healthChecks []httpserver.HealthCheck
	)
	if cfg.ClusterEnabled() {
		bridge = setupBridge(ctx, cfg, metrics.NewBridgeMetrics(registry), clock)
		hub = relay.NewHub(bridge, clock, relayMetrics)
		healthChecks = append(healthChecks, httpserver.HealthCheck{Name: "redis", Check: bridge.Ping})

		go func() {
			if err := bridge.Run(ctx, hub.Deliver); err != nil {
				slog.Error("Cluster bridge stopped", "error", err)
			}
		}()
	} else {
		hub = relay.NewHub(nil, clock, relayMetrics)
	}

	heartbeat := relay.NewHeartbeatMonitor(hub, clock, cfg.HeartbeatInterval, relayMetrics)
	go heartbeat.Run(ctx)

	onOriginRejected := func(string) {
		httpMetrics.ConnectionsRejected.WithLabelValues("origin").Inc()
	}
	endpoint := relay.NewEndpoint(hub, clock, relay.EndpointConfig{
		CheckOrigin:     websocket.NewCheckOrigin(cfg.AppURL, cfg.IsDevelopment(), onOriginRejected),
		MaxMessageBytes: cfg.MaxMessageBytes,
		SendBufferSize:  cfg.SendBufferSize,
	})

	srv := httpserver.NewServer(cfg, endpoint, hub, registry, httpMetrics, clock, healthChecks)

	done := runGracefulShutdown(ctx, srv, hub)

	if err := srv.Start(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("Shutdown complete")
}
