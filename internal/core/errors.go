package core

import "errors"

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrAccessDenied     = errors.New("access denied")
	ErrRoomNotFound     = errors.New("room not found")
	ErrMessageNotFound  = errors.New("message not found")
	ErrConflict         = errors.New("duplicate login in progress")
	ErrTransientIO      = errors.New("transient store failure")
	ErrTimeout          = errors.New("operation timed out")
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnknownPersona   = errors.New("unknown persona")
	ErrGenerationFailed = errors.New("upstream generation failed")
	ErrSlowConsumer     = errors.New("send buffer full")
)

// ErrorCode maps a core error to the wire-level code carried by protocol
// error events. Unknown errors map to "internal".
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrMessageNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrTransientIO):
		return "transient_io"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrUnknownPersona):
		return "unknown_persona"
	case errors.Is(err, ErrGenerationFailed):
		return "generation_failed"
	default:
		return "internal"
	}
}
