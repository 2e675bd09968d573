package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/speakrelay/internal/metrics"
	"github.com/pscheid92/speakrelay/internal/platform/correlation"
	"github.com/pscheid92/speakrelay/internal/protocol"
	"golang.org/x/sync/errgroup"
)

const (
	commandTimeout      = 5 * time.Second
	stopTimeout         = 10 * time.Second
	commandChannelSize  = 1024
	depthReportInterval = 1 * time.Second
)

// Bridge forwards locally relayed frames to other relay instances.
// Publish must not block the hub.
type Bridge interface {
	Publish(frame []byte)
}

// hubCmd is the command interface for the Hub actor.
type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type registerCmd struct {
	baseHubCmd
	connection   Conn
	errorChannel chan error
}

type unregisterCmd struct {
	baseHubCmd
	connection Conn
}

type inboundCmd struct {
	baseHubCmd
	connection Conn
	raw        []byte
}

type broadcastCmd struct {
	baseHubCmd
	frameType string
	frame     []byte
}

type getClientCountCmd struct {
	baseHubCmd
	replyChannel chan int
}

type stopCmd struct {
	baseHubCmd
}

// Hub owns the connection registry and serializes all relay state changes on one goroutine.
type Hub struct {
	cmdCh    chan hubCmd
	clock    clockwork.Clock
	registry *Registry
	engine   *Engine
	bridge   Bridge
	metrics  *metrics.RelayMetrics
	done     chan struct{}
	stopOnce sync.Once
}

// NewHub creates a hub and starts its goroutine.
// bridge may be nil for a standalone relay. m may be nil, in which case metrics are
// recorded on a private registry.
func NewHub(bridge Bridge, clock clockwork.Clock, m *metrics.RelayMetrics) *Hub {
	if m == nil {
		m = metrics.NewRelayMetrics(prometheus.NewRegistry())
	}
	h := &Hub{
		cmdCh:    make(chan hubCmd, commandChannelSize),
		clock:    clock,
		registry: NewRegistry(),
		engine:   NewEngine(clock, m),
		bridge:   bridge,
		metrics:  m,
		done:     make(chan struct{}),
	}
	go h.run()
	return h
}

// Register adds conn to the registry and sends it the welcome notice.
func (h *Hub) Register(conn Conn) error {
	errCh := make(chan error, 1)
	if !h.enqueue(registerCmd{connection: conn, errorChannel: errCh}) {
		return ErrHubStopped
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return err
	case <-h.done:
		return ErrHubStopped
	case <-timer.Chan():
		return fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

// Unregister removes conn. Unregistering an unknown or already removed connection is a no-op.
func (h *Hub) Unregister(conn Conn) {
	h.enqueue(unregisterCmd{connection: conn})
}

// Inbound queues a raw frame received from conn. It returns false once the hub has stopped.
func (h *Hub) Inbound(conn Conn, raw []byte) bool {
	return h.enqueue(inboundCmd{connection: conn, raw: raw})
}

// BroadcastDebug queues a debug frame for every registered connection.
func (h *Hub) BroadcastDebug(frame []byte) error {
	if !h.enqueue(broadcastCmd{frameType: protocol.TypeDebug, frame: frame}) {
		return ErrHubStopped
	}
	return nil
}

// Deliver queues a translation frame that originated on another relay instance.
// It goes to every local connection and is not published back to the bridge.
func (h *Hub) Deliver(frame []byte) {
	h.enqueue(broadcastCmd{frameType: protocol.TypeTranslation, frame: frame})
}

// GetClientCount returns the number of registered connections, or -1 if the hub is stuck or stopped.
func (h *Hub) GetClientCount() int {
	replyCh := make(chan int, 1)
	if !h.enqueue(getClientCountCmd{replyChannel: replyCh}) {
		return -1
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case count := <-replyCh:
		return count
	case <-h.done:
		return -1
	case <-timer.Chan():
		slog.Warn("GetClientCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop closes every connection with a close frame and stops the hub goroutine.
// It blocks until the goroutine exits or the stop timeout elapses. Safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		if !h.enqueue(stopCmd{}) {
			return
		}

		timeout := h.clock.NewTimer(stopTimeout)
		defer timeout.Stop()

		select {
		case <-h.done:
			slog.Info("Hub stopped gracefully")
		case <-timeout.Chan():
			slog.Warn("Hub stop timeout exceeded", "timeout", stopTimeout)
		}
	})
}

func (h *Hub) enqueue(cmd hubCmd) bool {
	select {
	case <-h.done:
		return false
	default:
	}

	select {
	case h.cmdCh <- cmd:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) run() {
	defer close(h.done)

	depthTicker := h.clock.NewTicker(depthReportInterval)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			h.metrics.CommandQueueDepth.Set(float64(len(h.cmdCh)))
		case cmd := <-h.cmdCh:
			if _, ok := cmd.(stopCmd); ok {
				h.handleStop()
				return
			}
			h.dispatch(cmd)
		}
	}
}

func (h *Hub) dispatch(cmd hubCmd) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub command panic recovered", "command_type", fmt.Sprintf("%T", cmd), "panic", r)
			h.metrics.PanicsTotal.Inc()
		}
	}()

	switch c := cmd.(type) {
	case registerCmd:
		h.handleRegister(c)
	case unregisterCmd:
		h.handleUnregister(c)
	case inboundCmd:
		h.handleInbound(c)
	case broadcastCmd:
		h.handleBroadcast(c)
	case getClientCountCmd:
		c.replyChannel <- h.registry.Size()
	default:
		slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
	}
}

func (h *Hub) handleRegister(c registerCmd) {
	if !h.registry.Add(c.connection) {
		c.errorChannel <- nil
		return
	}

	h.metrics.ConnectedClients.Set(float64(h.registry.Size()))
	h.metrics.ConnectionsTotal.Inc()

	ctx := correlation.WithID(context.Background(), c.connection.ID())
	welcome, err := protocol.EncodeDebug(protocol.WelcomeMessage, h.clock.Now())
	if err != nil {
		slog.ErrorContext(ctx, "Failed to build welcome", "error", err)
	} else if err := h.engine.Send(c.connection, protocol.TypeDebug, welcome); err != nil {
		slog.DebugContext(ctx, "Welcome not delivered", "error", err)
	}

	slog.InfoContext(ctx, "Client registered", "conn_id", c.connection.ID(), "total_clients", h.registry.Size())
	c.errorChannel <- nil
}

func (h *Hub) handleUnregister(c unregisterCmd) {
	if !h.registry.Remove(c.connection) {
		return
	}

	h.metrics.ConnectedClients.Set(float64(h.registry.Size()))

	ctx := correlation.WithID(context.Background(), c.connection.ID())
	slog.InfoContext(ctx, "Client unregistered", "conn_id", c.connection.ID(), "remaining_clients", h.registry.Size())
}

func (h *Hub) handleInbound(c inboundCmd) {
	ctx := correlation.WithID(context.Background(), c.connection.ID())

	env, err := protocol.Decode(c.raw)
	if err != nil {
		reason := protocol.Reason(err)
		h.metrics.InboundDropped.WithLabelValues(reason).Inc()
		if errors.Is(err, protocol.ErrMalformed) {
			slog.InfoContext(ctx, "Discarding malformed frame", "conn_id", c.connection.ID(), "bytes", len(c.raw), "error", err)
		} else {
			slog.DebugContext(ctx, "Discarding frame", "conn_id", c.connection.ID(), "reason", reason, "error", err)
		}
		return
	}

	h.metrics.InboundTotal.WithLabelValues(env.Type()).Inc()

	speak, ok := env.(protocol.Speak)
	if !ok {
		h.metrics.InboundDropped.WithLabelValues("not_relayable").Inc()
		slog.DebugContext(ctx, "Discarding non-speak frame", "conn_id", c.connection.ID(), "type", env.Type())
		return
	}

	frame := protocol.EncodeTranslation(speak)
	res := h.engine.Broadcast(h.registry, protocol.TypeTranslation, frame, c.connection)

	if h.bridge != nil {
		h.bridge.Publish(frame)
	}

	slog.DebugContext(ctx, "Relayed segment",
		"conn_id", c.connection.ID(),
		"segment_id", string(speak.Segment.SegmentID),
		"recipients", res.Delivered,
		"failed", res.Failed,
	)
}

func (h *Hub) handleBroadcast(c broadcastCmd) {
	res := h.engine.Broadcast(h.registry, c.frameType, c.frame, nil)
	slog.Debug("Broadcast", "type", c.frameType, "recipients", res.Delivered, "failed", res.Failed)
}

func (h *Hub) handleStop() {
	total := h.registry.Size()
	slog.Info("Hub shutting down", "total_clients", total)

	// Close frames are written concurrently so one stalled client cannot hold up the rest.
	var g errgroup.Group
	h.registry.ForEach(func(conn Conn) {
		h.registry.Remove(conn)
		g.Go(func() error {
			conn.Close("server shutting down")
			return nil
		})
	})
	_ = g.Wait()
	h.metrics.ConnectedClients.Set(0)

	slog.Info("Hub shutdown complete", "disconnected_clients", total)
}
