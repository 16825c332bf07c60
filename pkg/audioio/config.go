// Package audioio provides microphone capture and speaker playback for the
// voice client.
//
// Two backends are available:
//   - Command - pipes raw PCM16 through arecord/aplay (Linux) or sox rec/play (macOS)
//   - Mock - synthetic or scripted audio for tests and headless runs
//
// The backend is selected from the configuration; "auto" picks the command
// backend when a supported tool is on PATH and falls back to mock otherwise.
package audioio

import (
	"fmt"
	"time"
)

// Backend represents the audio backend type.
type Backend string

const (
	// BackendAuto selects the command backend when available.
	BackendAuto Backend = "auto"
	// BackendCommand pipes audio through an external recorder/player process.
	BackendCommand Backend = "command"
	// BackendMock uses a mock implementation for testing.
	BackendMock Backend = "mock"
)

// Config holds audio configuration.
type Config struct {
	// Backend specifies which audio backend to use.
	// Default: "auto"
	Backend Backend `yaml:"backend" json:"backend"`

	// SampleRate is the audio sample rate in Hz.
	// Default: 16000
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// Channels is the number of audio channels.
	// Default: 1 (mono)
	Channels int `yaml:"channels" json:"channels"`

	// BufferDuration is the size of audio buffers read from the device.
	// Default: 20ms
	BufferDuration time.Duration `yaml:"buffer_duration" json:"buffer_duration"`

	// Device is passed to the recorder/player (-D for arecord/aplay).
	// Empty uses the system default.
	Device string `yaml:"device" json:"device"`

	// CaptureCommand overrides the recorder binary ("arecord" or "rec").
	CaptureCommand string `yaml:"capture_command" json:"capture_command"`

	// PlaybackCommand overrides the player binary ("aplay" or "play").
	PlaybackCommand string `yaml:"playback_command" json:"playback_command"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:        BackendAuto,
		SampleRate:     16000,
		Channels:       1,
		BufferDuration: 20 * time.Millisecond,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendAuto, BackendCommand, BackendMock, "":
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedBackend, c.Backend)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	if c.BufferDuration <= 0 {
		return fmt.Errorf("buffer_duration must be positive, got %v", c.BufferDuration)
	}
	return nil
}

// BufferSize returns the number of samples per buffer.
func (c *Config) BufferSize() int {
	return int(float64(c.SampleRate) * c.BufferDuration.Seconds())
}

// BufferBytes returns the size of a buffer in bytes (assuming int16 samples).
func (c *Config) BufferBytes() int {
	return c.BufferSize() * c.Channels * 2
}
