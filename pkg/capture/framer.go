// Package capture turns microphone audio into fixed-size outbound frames and
// detects the end of an utterance.
package capture

import (
	"fmt"
	"time"

	"github.com/teslashibe/go-voicelink/pkg/audioio"
	"github.com/teslashibe/go-voicelink/pkg/protocol"
)

// Config controls framing and silence detection.
type Config struct {
	// SampleRate is the rate frames are sent at.
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// FrameBytes bounds the PCM16 payload of one user_audio message.
	FrameBytes int `yaml:"frame_bytes" json:"frame_bytes"`

	// SilenceThreshold is the RMS level below which a chunk counts as silence.
	SilenceThreshold float64 `yaml:"silence_threshold" json:"silence_threshold"`

	// SilenceDebounce is how much continuous silence, in audio time, ends a turn.
	SilenceDebounce time.Duration `yaml:"silence_debounce" json:"silence_debounce"`
}

// DefaultConfig returns 16 kHz capture with 100ms frames and a 700ms debounce.
func DefaultConfig() Config {
	return Config{
		SampleRate:       16000,
		FrameBytes:       3200,
		SilenceThreshold: 0.015,
		SilenceDebounce:  700 * time.Millisecond,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("capture: sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.FrameBytes < 2 || c.FrameBytes%2 != 0 {
		return fmt.Errorf("capture: frame_bytes must be a positive even number, got %d", c.FrameBytes)
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > 1 {
		return fmt.Errorf("capture: silence_threshold must be within [0, 1], got %v", c.SilenceThreshold)
	}
	if c.SilenceDebounce <= 0 {
		return fmt.Errorf("capture: silence_debounce must be positive, got %v", c.SilenceDebounce)
	}
	return nil
}

// Frame is one outbound audio frame.
type Frame struct {
	Data       []byte // PCM16 LE mono
	SampleRate int
	MimeType   string
}

// Framer packs audio chunks into frames and tracks voice activity.
// It is not safe for concurrent use.
type Framer struct {
	cfg      Config
	buf      []byte
	speaking bool
	silence  time.Duration
}

// NewFramer creates a Framer.
func NewFramer(cfg Config) *Framer {
	return &Framer{cfg: cfg, buf: make([]byte, 0, cfg.FrameBytes)}
}

// Push adds a chunk. It returns the frames that became full and whether
// sustained silence after speech ended the turn. When the turn ends, any
// partial frame is flushed first so the audio precedes turn_complete.
func (f *Framer) Push(chunk audioio.AudioChunk) ([]Frame, bool) {
	samples := downmix(chunk.Samples, chunk.Channels)
	samples = audioio.Resample(samples, chunk.SampleRate, f.cfg.SampleRate)
	if len(samples) == 0 {
		return nil, false
	}

	turnComplete := false
	if audioio.CalculateRMS(samples) >= f.cfg.SilenceThreshold {
		f.speaking = true
		f.silence = 0
	} else if f.speaking {
		f.silence += time.Duration(len(samples)) * time.Second / time.Duration(f.cfg.SampleRate)
		if f.silence >= f.cfg.SilenceDebounce {
			turnComplete = true
			f.speaking = false
			f.silence = 0
		}
	}

	f.buf = append(f.buf, audioio.SamplesToBytes(samples)...)

	var frames []Frame
	for len(f.buf) >= f.cfg.FrameBytes {
		frames = append(frames, f.frame(f.buf[:f.cfg.FrameBytes]))
		f.buf = f.buf[f.cfg.FrameBytes:]
	}
	if turnComplete {
		if frame, ok := f.Flush(); ok {
			frames = append(frames, frame)
		}
	}
	return frames, turnComplete
}

// Flush returns the partial frame, if any.
func (f *Framer) Flush() (Frame, bool) {
	if len(f.buf) == 0 {
		return Frame{}, false
	}
	frame := f.frame(f.buf)
	f.buf = f.buf[:0]
	return frame, true
}

// Reset drops buffered audio and voice-activity state.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.speaking = false
	f.silence = 0
}

// Speaking reports whether speech was seen since the last turn boundary.
func (f *Framer) Speaking() bool {
	return f.speaking
}

func (f *Framer) frame(data []byte) Frame {
	out := make([]byte, len(data))
	copy(out, data)
	return Frame{
		Data:       out,
		SampleRate: f.cfg.SampleRate,
		MimeType:   protocol.AudioMime(f.cfg.SampleRate),
	}
}

func downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	mono := make([]int16, len(samples)/channels)
	for i := range mono {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(samples[i*channels+c])
		}
		mono[i] = int16(sum / int32(channels))
	}
	return mono
}
