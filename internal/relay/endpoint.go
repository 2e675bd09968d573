package relay

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/speakrelay/internal/platform/correlation"
)

const DefaultMaxMessageBytes = 64 * 1024

// EndpointConfig tunes the upgrade endpoint.
type EndpointConfig struct {
	CheckOrigin     func(r *http.Request) bool
	MaxMessageBytes int64
	SendBufferSize  int
}

// Endpoint accepts relay WebSocket connections and wires them into a Hub.
type Endpoint struct {
	hub             *Hub
	clock           clockwork.Clock
	upgrader        websocket.Upgrader
	maxMessageBytes int64
	sendBufferSize  int
}

func NewEndpoint(hub *Hub, clock clockwork.Clock, cfg EndpointConfig) *Endpoint {
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	return &Endpoint{
		hub:   hub,
		clock: clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		maxMessageBytes: maxBytes,
		sendBufferSize:  cfg.SendBufferSize,
	}
}

func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error response.
		slog.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	cw := newClientWriter(uuid.NewString(), conn, e.clock, e.sendBufferSize)
	ctx := correlation.WithID(context.Background(), cw.ID())
	conn.SetReadLimit(e.maxMessageBytes)
	cw.start()

	if err := e.hub.Register(cw); err != nil {
		slog.WarnContext(ctx, "Rejecting connection", "conn_id", cw.ID(), "error", err)
		// A timed-out register may still be applied by the hub later.
		e.hub.Unregister(cw)
		cw.stopGraceful("relay unavailable")
		return
	}
	defer func() {
		e.hub.Unregister(cw)
		cw.stop()
	}()

	e.readLoop(ctx, cw)
}

func (e *Endpoint) readLoop(ctx context.Context, cw *clientWriter) {
	for {
		_, data, err := cw.connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.DebugContext(ctx, "Connection closed unexpectedly", "conn_id", cw.ID(), "error", err)
			}
			return
		}
		cw.extendReadDeadline()

		if !e.hub.Inbound(cw, data) {
			return
		}
	}
}
