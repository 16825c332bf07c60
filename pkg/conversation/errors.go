package conversation

import (
	"errors"
	"fmt"

	"github.com/teslashibe/go-voicelink/pkg/audioio"
	"github.com/teslashibe/go-voicelink/pkg/playback"
	"github.com/teslashibe/go-voicelink/pkg/transport"
)

// Sentinel errors for the conversation package.
var (
	// ErrClosed indicates the manager was closed.
	ErrClosed = errors.New("conversation: manager closed")

	// ErrStopped indicates the session was stopped locally; call Connect first.
	ErrStopped = errors.New("conversation: session stopped")

	// ErrNoAudioSource indicates recording was requested without an input device.
	ErrNoAudioSource = errors.New("conversation: no audio source configured")

	// ErrInvalidMessage indicates a malformed message was received.
	ErrInvalidMessage = errors.New("conversation: invalid message")
)

// Kind classifies caller-visible errors.
type Kind int

const (
	// KindPermission means the microphone or speaker was refused. Terminal.
	KindPermission Kind = iota + 1
	// KindTransport covers connection loss; terminal once reconnects run out.
	KindTransport
	// KindProtocol is an error reported by the backend or a malformed message.
	KindProtocol
	// KindDecode means an inbound audio frame was dropped.
	KindDecode
	// KindDevice is an audio device failure other than a permission refusal.
	KindDevice
)

// String returns the kind name used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindPermission:
		return "permission"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindDecode:
		return "decode"
	case KindDevice:
		return "device"
	default:
		return "unknown"
	}
}

// Error is the single error surfaced to callers.
type Error struct {
	Kind     Kind
	Terminal bool
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Terminal {
		return fmt.Sprintf("conversation: %s error (terminal): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("conversation: %s error: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// ProtocolError is an error message sent by the backend.
type ProtocolError struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend error [%s]: %s", e.Code, e.Message)
	}
	return "backend error: " + e.Message
}

// IsTerminal reports whether err is a terminal *Error.
func IsTerminal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Terminal
}

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// classify maps a component error to the caller-visible policy.
func classify(err error) *Error {
	switch {
	case errors.Is(err, audioio.ErrPermissionDenied):
		return &Error{Kind: KindPermission, Terminal: true, Err: err}
	case errors.Is(err, transport.ErrInvalidURL), errors.Is(err, transport.ErrReconnectExhausted):
		return &Error{Kind: KindTransport, Terminal: true, Err: err}
	case playback.IsDecodeError(err):
		return &Error{Kind: KindDecode, Err: err}
	case errors.Is(err, ErrInvalidMessage):
		return &Error{Kind: KindProtocol, Err: err}
	}

	var ce *transport.CloseError
	if errors.As(err, &ce) {
		return &Error{Kind: KindTransport, Err: err}
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return &Error{Kind: KindProtocol, Err: err}
	}
	return &Error{Kind: KindDevice, Err: err}
}
