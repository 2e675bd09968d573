package protocol

import (
	"encoding/json"
)

// Message types carried in the envelope "type" field.
const (
	TypeSpeak       = "speak"
	TypeTranslation = "translation"
	TypeDebug       = "debug"
)

// Fixed debug messages sent by the relay.
const (
	HeartbeatMessage = "heartbeat"
	WelcomeMessage   = "connected to relay"
)

// Envelope is one decoded frame. The set of implementations is closed.
type Envelope interface {
	Type() string
	isEnvelope()
}

// Segment is the typed view of a speak payload. Fields absent on the wire stay nil.
type Segment struct {
	Lang        *string
	SegmentID   json.RawMessage
	ReplaceFrom *float64
	TextSuffix  *string
	Text        *string
	IsFinal     *bool
}

// Renderable reports whether the segment carries text a consumer can render.
func (s Segment) Renderable() bool {
	return s.TextSuffix != nil || s.Text != nil
}

// Speak is a transcript delta sent by a publisher.
type Speak struct {
	Segment Segment
	// Payload is the payload object exactly as received.
	Payload json.RawMessage
}

func (Speak) Type() string { return TypeSpeak }
func (Speak) isEnvelope()  {}

// Translation is the relay's rebroadcast wrapper around a speak payload.
type Translation struct {
	Payload json.RawMessage
}

func (Translation) Type() string { return TypeTranslation }
func (Translation) isEnvelope()  {}

// Debug is a liveness or diagnostic notice.
type Debug struct {
	Message string
	// TS is a unix timestamp in milliseconds, zero when absent.
	TS int64
}

func (Debug) Type() string { return TypeDebug }
func (Debug) isEnvelope()  {}
