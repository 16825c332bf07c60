package playback

import (
	"errors"
	"fmt"
)

// ErrClosed is returned when the queue or player has been closed.
var ErrClosed = errors.New("playback: closed")

// DecodeError reports an inbound audio frame that could not be decoded.
// The frame is dropped and the queue moves on.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("playback: decode audio frame: %s: %v", e.Reason, e.Err)
	}
	return "playback: decode audio frame: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
