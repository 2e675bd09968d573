package relay

import "errors"

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
	ErrHubStopped     = errors.New("hub stopped")
)

// Conn is a registered connection as seen by the hub.
// Send must not block; delivery happens asynchronously.
type Conn interface {
	ID() string
	Open() bool
	Send(frame []byte) error
	Close(reason string)
}

type connState int32

const (
	stateConnecting connState = iota
	stateOpen
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func sendFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrConnClosed):
		return "closed"
	case errors.Is(err, ErrSendBufferFull):
		return "buffer_full"
	default:
		return "other"
	}
}
