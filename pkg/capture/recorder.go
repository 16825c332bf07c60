package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/teslashibe/go-voicelink/pkg/audioio"
)

var (
	// ErrAlreadyRecording is returned by Start while a recording is running.
	ErrAlreadyRecording = errors.New("capture: already recording")
)

// Handler receives recorder output. Methods are called from the recorder's
// goroutine, or from Stop for the final partial frame.
type Handler interface {
	Frame(Frame)
	TurnComplete()
	CaptureError(error)
}

// Recorder reads an audio source and feeds frames to a Handler.
type Recorder struct {
	cfg    Config
	source audioio.Source
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	framer  *Framer
	handler Handler
}

// NewRecorder creates a recorder over source.
func NewRecorder(source audioio.Source, cfg Config, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		cfg:    cfg,
		source: source,
		logger: logger.With("component", "capture.recorder"),
	}
}

// Start begins capture. A source error wrapping audioio.ErrPermissionDenied
// is returned unchanged in the chain.
func (r *Recorder) Start(ctx context.Context, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrAlreadyRecording
	}

	if r.cancel != nil {
		r.cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	if err := r.source.Start(loopCtx); err != nil {
		cancel()
		return fmt.Errorf("capture: start %s: %w", r.source.Name(), err)
	}

	r.running = true
	r.cancel = cancel
	r.done = make(chan struct{})
	r.framer = NewFramer(r.cfg)
	r.handler = h

	go r.loop(loopCtx, r.framer, h, r.done)

	r.logger.Info("recording started", "source", r.source.Name(), "sample_rate", r.cfg.SampleRate)
	return nil
}

func (r *Recorder) loop(ctx context.Context, framer *Framer, h Handler, done chan struct{}) {
	defer close(done)

	for {
		chunk, err := r.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			r.logger.Warn("capture failed", "error", err)
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()
			h.CaptureError(err)
			return
		}

		frames, turnComplete := framer.Push(chunk)
		for _, f := range frames {
			h.Frame(f)
		}
		if turnComplete {
			r.logger.Debug("silence detected, turn complete")
			h.TurnComplete()
		}
	}
}

// Stop halts capture, waits for the read loop and hands the trailing partial
// frame to the handler. It does not emit TurnComplete; explicit stops do that
// themselves so the signal bypasses the debounce.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.cancel == nil {
		r.mu.Unlock()
		return
	}
	cancel, done, framer, h := r.cancel, r.done, r.framer, r.handler
	r.cancel = nil
	r.running = false
	r.mu.Unlock()

	cancel()
	if err := r.source.Stop(); err != nil {
		r.logger.Debug("source stop", "error", err)
	}
	<-done

	if frame, ok := framer.Flush(); ok {
		h.Frame(frame)
	}
	r.logger.Info("recording stopped")
}

// Running reports whether capture is active.
func (r *Recorder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Close stops capture and releases the source.
func (r *Recorder) Close() error {
	r.Stop()
	return r.source.Close()
}
