package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline         = 5 * time.Second
	pingInterval          = 30 * time.Second
	pongDeadline          = 60 * time.Second
	defaultSendBufferSize = 64
)

// clientWriter owns the write side of one WebSocket connection.
// Only its run goroutine writes to the socket until it has exited.
type clientWriter struct {
	id          string
	connection  *websocket.Conn
	clock       clockwork.Clock
	state       atomic.Int32
	sendChannel chan []byte
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

var _ Conn = (*clientWriter)(nil)

func newClientWriter(id string, connection *websocket.Conn, clock clockwork.Clock, bufferSize int) *clientWriter {
	if bufferSize <= 0 {
		bufferSize = defaultSendBufferSize
	}
	return &clientWriter{
		id:          id,
		connection:  connection,
		clock:       clock,
		sendChannel: make(chan []byte, bufferSize),
		doneChannel: make(chan struct{}),
	}
}

// start moves the writer from connecting to open and launches the write loop.
func (cw *clientWriter) start() {
	cw.configurePongHandler()
	cw.state.Store(int32(stateOpen))
	cw.wg.Add(1)
	go cw.run()
}

func (cw *clientWriter) ID() string { return cw.id }

func (cw *clientWriter) Open() bool {
	return connState(cw.state.Load()) == stateOpen
}

func (cw *clientWriter) currentState() connState {
	return connState(cw.state.Load())
}

// Send queues frame for writing. It never blocks.
func (cw *clientWriter) Send(frame []byte) error {
	if !cw.Open() {
		return ErrConnClosed
	}
	select {
	case <-cw.doneChannel:
		return ErrConnClosed
	default:
	}
	select {
	case cw.sendChannel <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close sends a close frame with reason and closes the socket.
func (cw *clientWriter) Close(reason string) {
	cw.stopGraceful(reason)
}

func (cw *clientWriter) run() {
	ticker := cw.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer cw.wg.Done()

	for {
		select {
		case msg := <-cw.sendChannel:
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				cw.abort()
				return
			}
		case <-ticker.Chan():
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				cw.abort()
				return
			}
		case <-cw.doneChannel:
			return
		}
	}
}

// abort closes the socket after a write failure so the reader observes the error
// and the endpoint unregisters the connection.
func (cw *clientWriter) abort() {
	cw.state.Store(int32(stateClosed))
	_ = cw.connection.Close()
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		cw.state.Store(int32(stateClosed))
		close(cw.doneChannel)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

func (cw *clientWriter) stopGraceful(reason string) {
	cw.stopOnce.Do(func() {
		cw.state.Store(int32(stateClosed))
		close(cw.doneChannel)

		// The run goroutine must exit before the close frame is written.
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		cw.updateWriteDeadline()
		_ = cw.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = cw.connection.Close()
	})
}

func (cw *clientWriter) configurePongHandler() {
	cw.extendReadDeadline()
	cw.connection.SetPongHandler(func(string) error {
		cw.extendReadDeadline()
		return nil
	})
}

func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.connection.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}

func (cw *clientWriter) extendReadDeadline() {
	_ = cw.connection.SetReadDeadline(cw.clock.Now().Add(pongDeadline))
}
