package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

type wireEnvelope struct {
	Type    *string         `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message *string         `json:"message,omitempty"`
	TS      *float64        `json:"ts,omitempty"`
}

type wireSegment struct {
	Lang        json.RawMessage `json:"lang"`
	SegmentID   json.RawMessage `json:"segmentId"`
	ReplaceFrom json.RawMessage `json:"replaceFrom"`
	TextSuffix  json.RawMessage `json:"textSuffix"`
	Text        json.RawMessage `json:"text"`
	IsFinal     json.RawMessage `json:"isFinal"`
}

// Decode parses one inbound frame. It never panics; every failure is a *DecodeError.
func Decode(raw []byte) (Envelope, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Kind: ErrMalformed, Detail: err.Error()}
	}
	if env.Type == nil {
		return nil, &DecodeError{Kind: ErrUnknownType, Detail: "missing type"}
	}

	switch *env.Type {
	case TypeSpeak:
		return decodeSpeak(env.Payload)
	case TypeTranslation:
		if !isObject(env.Payload) {
			return nil, &DecodeError{Kind: ErrMalformed, Type: TypeTranslation, Detail: "payload must be an object"}
		}
		return Translation{Payload: env.Payload}, nil
	case TypeDebug:
		d := Debug{}
		if env.Message != nil {
			d.Message = *env.Message
		}
		if env.TS != nil {
			ts := *env.TS
			if ts < math.MinInt64 || ts >= math.MaxInt64 {
				return nil, &DecodeError{Kind: ErrMalformed, Type: TypeDebug, Detail: "ts out of range"}
			}
			d.TS = int64(ts)
		}
		return d, nil
	default:
		return nil, &DecodeError{Kind: ErrUnknownType, Type: *env.Type}
	}
}

func decodeSpeak(payload json.RawMessage) (Envelope, error) {
	if !isObject(payload) {
		return nil, &DecodeError{Kind: ErrNoRenderableContent, Type: TypeSpeak, Detail: "payload must be an object"}
	}

	var ws wireSegment
	if err := json.Unmarshal(payload, &ws); err != nil {
		return nil, &DecodeError{Kind: ErrMalformed, Type: TypeSpeak, Detail: err.Error()}
	}

	seg := Segment{
		Lang:        stringField(ws.Lang),
		SegmentID:   nonNull(ws.SegmentID),
		ReplaceFrom: numberField(ws.ReplaceFrom),
		TextSuffix:  stringField(ws.TextSuffix),
		Text:        stringField(ws.Text),
		IsFinal:     boolField(ws.IsFinal),
	}
	if !seg.Renderable() {
		return nil, &DecodeError{Kind: ErrNoRenderableContent, Type: TypeSpeak}
	}

	return Speak{Segment: seg, Payload: payload}, nil
}

// EncodeTranslation wraps the speak payload, unchanged, in a translation envelope.
func EncodeTranslation(s Speak) []byte {
	var buf bytes.Buffer
	buf.Grow(len(s.Payload) + 36)
	buf.WriteString(`{"type":"translation","payload":`)
	buf.Write(s.Payload)
	buf.WriteByte('}')
	return buf.Bytes()
}

// EncodeDebug builds a debug envelope stamped with ts in unix milliseconds.
func EncodeDebug(message string, ts time.Time) ([]byte, error) {
	data, err := json.Marshal(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		TS      int64  `json:"ts"`
	}{TypeDebug, message, ts.UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("marshal debug envelope: %w", err)
	}
	return data, nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func nonNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return raw
}

func stringField(raw json.RawMessage) *string {
	var s string
	if len(raw) == 0 || raw[0] != '"' || json.Unmarshal(raw, &s) != nil {
		return nil
	}
	return &s
}

func numberField(raw json.RawMessage) *float64 {
	var f float64
	if nonNull(raw) == nil || json.Unmarshal(raw, &f) != nil {
		return nil
	}
	return &f
}

func boolField(raw json.RawMessage) *bool {
	var b bool
	if nonNull(raw) == nil || json.Unmarshal(raw, &b) != nil {
		return nil
	}
	return &b
}
