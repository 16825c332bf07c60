package audioio

import "errors"

var (
	// ErrPermissionDenied means the capture or playback device refused access.
	ErrPermissionDenied = errors.New("audioio: permission denied")

	// ErrClosed is returned by operations on a closed source or sink.
	ErrClosed = errors.New("audioio: closed")

	// ErrNotRunning is returned when writing to a sink that was not started.
	ErrNotRunning = errors.New("audioio: not running")

	// ErrUnsupportedBackend is returned for an unknown backend name.
	ErrUnsupportedBackend = errors.New("audioio: unsupported backend")

	// ErrNoCommand means no recorder/player binary was found on PATH.
	ErrNoCommand = errors.New("audioio: no audio command available")
)
