package relay

import (
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/speakrelay/internal/metrics"
)

// Result summarizes one fan-out.
type Result struct {
	Delivered int
	Failed    int
	Skipped   int
}

// Engine is the single fan-out point for outbound frames.
type Engine struct {
	clock   clockwork.Clock
	metrics *metrics.RelayMetrics
}

func NewEngine(clock clockwork.Clock, m *metrics.RelayMetrics) *Engine {
	return &Engine{clock: clock, metrics: m}
}

// Broadcast sends frame to every open connection in reg except exclude.
// Failures are counted and logged per recipient; they never abort the fan-out
// and never remove the recipient from the registry.
func (e *Engine) Broadcast(reg *Registry, frameType string, frame []byte, exclude Conn) Result {
	start := e.clock.Now()
	var res Result

	reg.ForEach(func(conn Conn) {
		if conn == exclude || !conn.Open() {
			res.Skipped++
			return
		}
		if err := e.Send(conn, frameType, frame); err != nil {
			res.Failed++
			return
		}
		res.Delivered++
	})

	e.metrics.BroadcastRecipients.Observe(float64(res.Delivered))
	e.metrics.BroadcastDuration.Observe(e.clock.Since(start).Seconds())
	return res
}

// Send hands frame to a single connection with the same accounting as Broadcast.
func (e *Engine) Send(conn Conn, frameType string, frame []byte) error {
	if err := conn.Send(frame); err != nil {
		reason := sendFailureReason(err)
		e.metrics.SendFailures.WithLabelValues(reason).Inc()
		slog.Debug("Send failed", "conn_id", conn.ID(), "type", frameType, "reason", reason, "error", err)
		return err
	}
	e.metrics.FramesSent.WithLabelValues(frameType).Inc()
	return nil
}
