package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/speakrelay/internal/metrics"
	"github.com/pscheid92/speakrelay/internal/protocol"
)

const DefaultHeartbeatInterval = 5 * time.Second

type debugBroadcaster interface {
	BroadcastDebug(frame []byte) error
}

// HeartbeatMonitor periodically broadcasts a debug heartbeat to every connection,
// including when there is no application traffic or no connection at all.
type HeartbeatMonitor struct {
	target   debugBroadcaster
	clock    clockwork.Clock
	interval time.Duration
	metrics  *metrics.RelayMetrics
}

func NewHeartbeatMonitor(target debugBroadcaster, clock clockwork.Clock, interval time.Duration, m *metrics.RelayMetrics) *HeartbeatMonitor {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &HeartbeatMonitor{
		target:   target,
		clock:    clock,
		interval: interval,
		metrics:  m,
	}
}

// Run ticks until ctx is cancelled.
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	slog.Info("Heartbeat started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Heartbeat stopped")
			return
		case <-ticker.Chan():
			if err := m.tick(); err != nil {
				slog.Warn("Heartbeat tick failed", "error", err)
				if m.metrics != nil {
					m.metrics.HeartbeatFailures.Inc()
				}
				continue
			}
			if m.metrics != nil {
				m.metrics.HeartbeatsTotal.Inc()
			}
		}
	}
}

func (m *HeartbeatMonitor) tick() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("heartbeat panic: %v", r)
		}
	}()

	frame, err := protocol.EncodeDebug(protocol.HeartbeatMessage, m.clock.Now())
	if err != nil {
		return err
	}
	if err := m.target.BroadcastDebug(frame); err != nil {
		return fmt.Errorf("broadcast heartbeat: %w", err)
	}
	return nil
}
