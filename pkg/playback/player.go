package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/teslashibe/go-voicelink/pkg/audioio"
)

// Player plays one decoded frame at a time. Play blocks until the output
// device has finished the frame.
type Player interface {
	Play(ctx context.Context, f Frame) error
	Close() error
}

// SinkFactory opens the output device on first use.
type SinkFactory func() (audioio.Sink, error)

// SinkPlayer plays frames through an audioio.Sink.
type SinkPlayer struct {
	newSink SinkFactory
	logger  *slog.Logger

	mu     sync.Mutex
	sink   audioio.Sink
	closed bool
}

// NewSinkPlayer creates a player that opens its sink lazily.
func NewSinkPlayer(factory SinkFactory, logger *slog.Logger) *SinkPlayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SinkPlayer{
		newSink: factory,
		logger:  logger.With("component", "playback.sink"),
	}
}

// ensureSink opens the device if needed and restarts it when suspended.
func (p *SinkPlayer) ensureSink(ctx context.Context) (audioio.Sink, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if p.sink == nil {
		s, err := p.newSink()
		if err != nil {
			return nil, fmt.Errorf("playback: open sink: %w", err)
		}
		p.sink = s
		p.logger.Debug("sink opened", "backend", s.Name())
	}
	if !p.sink.Running() {
		if err := p.sink.Start(ctx); err != nil {
			return nil, fmt.Errorf("playback: start sink: %w", err)
		}
		p.logger.Debug("sink started")
	}
	return p.sink, nil
}

// Play writes the frame and waits for the device to drain it.
func (p *SinkPlayer) Play(ctx context.Context, f Frame) error {
	sink, err := p.ensureSink(ctx)
	if err != nil {
		return err
	}

	cfg := sink.Config()
	samples := audioio.Float32ToSamples(f.Samples)
	rate := f.SampleRate
	if cfg.SampleRate > 0 && cfg.SampleRate != rate {
		samples = audioio.Resample(samples, rate, cfg.SampleRate)
		rate = cfg.SampleRate
	}
	channels := 1
	if cfg.Channels > 1 {
		samples = upmix(samples, cfg.Channels)
		channels = cfg.Channels
	}

	chunk := audioio.AudioChunk{Samples: samples, SampleRate: rate, Channels: channels}
	if err := sink.Write(ctx, chunk); err != nil {
		return fmt.Errorf("playback: write: %w", err)
	}
	if err := sink.Flush(ctx); err != nil {
		return fmt.Errorf("playback: flush: %w", err)
	}
	return nil
}

// Clear drops audio buffered in the device.
func (p *SinkPlayer) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sink == nil {
		return nil
	}
	return p.sink.Clear()
}

// Close releases the device. The player cannot be reused.
func (p *SinkPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.sink == nil {
		return nil
	}
	return p.sink.Close()
}

func upmix(mono []int16, channels int) []int16 {
	out := make([]int16, len(mono)*channels)
	for i, s := range mono {
		for c := 0; c < channels; c++ {
			out[i*channels+c] = s
		}
	}
	return out
}

var _ Player = (*SinkPlayer)(nil)
