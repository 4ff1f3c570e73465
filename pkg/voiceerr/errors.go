package voiceerr

import (
	"errors"
	"fmt"
)

// Kind is the stable error classification carried to clients. The wire
// protocol exposes the Kind verbatim, so values must not change.
type Kind string

const (
	KindAudioDecode      Kind = "audio_decode_error"
	KindAsrUnavailable   Kind = "asr_unavailable"
	KindAsrTimeout       Kind = "asr_timeout"
	KindAgentUnavailable Kind = "agent_unavailable"
	KindSynthesisFailed  Kind = "synthesis_failed"
	KindCapacityExceeded Kind = "capacity_exceeded"
	KindCancellationRace Kind = "cancellation_race"
	KindUnknown          Kind = "unknown"
)

// Error is a classified orchestrator error. It wraps the underlying cause
// so callers can still use errors.Is/errors.As against collaborator errors.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Unclassified errors report KindUnknown.
func KindOf(err error) Kind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given Kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
