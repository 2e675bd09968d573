package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed           = errors.New("malformed frame")
	ErrUnknownType         = errors.New("unknown message type")
	ErrNoRenderableContent = errors.New("speak payload has no renderable content")
)

// DecodeError describes why a frame was rejected. It unwraps to one of the sentinel errors above.
type DecodeError struct {
	Kind   error
	Type   string
	Detail string
}

func (e *DecodeError) Error() string {
	switch {
	case e.Detail != "" && e.Type != "":
		return fmt.Sprintf("%v (type %q): %s", e.Kind, e.Type, e.Detail)
	case e.Detail != "":
		return fmt.Sprintf("%v: %s", e.Kind, e.Detail)
	case e.Type != "":
		return fmt.Sprintf("%v (type %q)", e.Kind, e.Type)
	default:
		return e.Kind.Error()
	}
}

func (e *DecodeError) Unwrap() error { return e.Kind }

// Reason returns a short label for logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, ErrNoRenderableContent):
		return "no_content"
	default:
		return "other"
	}
}
