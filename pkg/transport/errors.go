package transport

import (
	"errors"
	"fmt"

	"github.com/teslashibe/go-voicelink/pkg/protocol"
)

// Sentinel errors for the transport package.
var (
	// ErrInvalidURL means the endpoint cannot be dialed at all. Not retried.
	ErrInvalidURL = errors.New("transport: invalid URL")

	// ErrNotOpen is returned by Send when no link is open.
	ErrNotOpen = errors.New("transport: not open")

	// ErrSendBufferFull is returned by Send when the peer stopped draining
	// frames. The link is closed and reported as lost.
	ErrSendBufferFull = errors.New("transport: send buffer full")

	// ErrStaleLink is returned by Send when the named link was replaced.
	ErrStaleLink = errors.New("transport: stale link")

	// ErrReconnectExhausted is reported once the reconnect cap is reached.
	ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")
)

// CloseError describes how a link ended.
type CloseError struct {
	// Code is the WebSocket close code; 1006 for dial and read failures.
	Code int

	// Reason is the peer's close reason, if any.
	Reason string

	// Err is the underlying read or dial error.
	Err error
}

// Error implements the error interface.
func (e *CloseError) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("transport: closed with code %d: %s", e.Code, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("transport: closed with code %d: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("transport: closed with code %d", e.Code)
	}
}

// Unwrap returns the underlying cause.
func (e *CloseError) Unwrap() error {
	return e.Err
}

// Intentional reports whether the close code is 1000 or 1001.
func (e *CloseError) Intentional() bool {
	return protocol.IsIntentionalClose(e.Code)
}

// IsNormalClosure reports whether err is a CloseError with an intentional code.
func IsNormalClosure(err error) bool {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Intentional()
	}
	return false
}
