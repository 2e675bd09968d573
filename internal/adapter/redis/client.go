// Package redis bridges relay instances over Redis pub/sub.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/speakrelay/internal/metrics"
	"github.com/pscheid92/speakrelay/internal/platform/retry"
	goredis "github.com/redis/go-redis/v9"
)

var startupPolicy = retry.Policy{
	MaxAttempts:    5,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
}

// NewClient connects to redisURL, installs the metrics and circuit breaker hooks and
// waits for a successful PING, retrying transient failures.
func NewClient(ctx context.Context, redisURL string, m *metrics.BridgeMetrics, clock clockwork.Clock) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := goredis.NewClient(opts)
	rdb.AddHook(NewMetricsHook(m, clock))
	rdb.AddHook(NewCircuitBreakerHook(m))

	policy := startupPolicy
	policy.Clock = clock
	policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Redis not reachable, retrying", "attempt", attempt, "backoff", backoff, "error", err)
	}

	if err := retry.DoVoid(ctx, policy, classifyStartupError, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Info("Connected to Redis", "addr", opts.Addr, "db", opts.DB)
	return rdb, nil
}

// Authentication and authorization failures do not heal by retrying.
func classifyStartupError(err error) retry.Action {
	msg := err.Error()
	for _, prefix := range []string{"NOAUTH", "WRONGPASS", "NOPERM"} {
		if strings.Contains(msg, prefix) {
			return retry.Stop
		}
	}
	return retry.Retry
}
