package conversation

import (
	"fmt"
	"log/slog"

	"github.com/teslashibe/go-voicelink/pkg/audioio"
	"github.com/teslashibe/go-voicelink/pkg/capture"
	"github.com/teslashibe/go-voicelink/pkg/outbound"
	"github.com/teslashibe/go-voicelink/pkg/playback"
	"github.com/teslashibe/go-voicelink/pkg/protocol"
	"github.com/teslashibe/go-voicelink/pkg/transcript"
	"github.com/teslashibe/go-voicelink/pkg/transport"
)

// Config holds configuration for a Manager.
type Config struct {
	// LanguageCode is the preferred language sent with start.
	LanguageCode string

	// LeadContext is optional caller context sent with start.
	LeadContext *protocol.LeadContext

	// Transport configures the connection and reconnect policy.
	Transport transport.Config

	// Dialer overrides the WebSocket dialer. Nil uses gorilla/websocket.
	Dialer transport.Dialer

	// Queue bounds the outbound queue.
	Queue outbound.Config

	// Capture configures framing and silence detection.
	Capture capture.Config

	// Source is the microphone. Nil disables recording.
	Source audioio.Source

	// Player plays inbound audio. Nil leaves audio to the OnAudio callback.
	Player playback.Player

	// Detector checks finalized user speech for a language change.
	// Nil disables language rotation.
	Detector transcript.Detector

	// Store persists finalized transcript segments. Optional.
	Store transcript.Store

	// MetricsNamespace prefixes the per-manager Prometheus metrics.
	MetricsNamespace string

	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LanguageCode:     "en-US",
		Transport:        transport.DefaultConfig(),
		Queue:            outbound.DefaultConfig(),
		Capture:          capture.DefaultConfig(),
		Detector:         transcript.ScriptDetector{},
		MetricsNamespace: "voicelink",
		Logger:           slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := transport.ValidateURL(c.Transport.URL); err != nil {
		return err
	}
	if c.Transport.MaxReconnectAttempts < 0 {
		return fmt.Errorf("conversation: max reconnect attempts must not be negative")
	}
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("conversation: capture: %w", err)
	}
	return nil
}

// Option is a functional option for configuring a Manager.
type Option func(*Config)

// WithURL sets the backend WebSocket URL.
func WithURL(url string) Option {
	return func(c *Config) {
		c.Transport.URL = url
	}
}

// WithLanguage sets the preferred language code.
func WithLanguage(code string) Option {
	return func(c *Config) {
		c.LanguageCode = code
	}
}

// WithLeadContext sets the caller context sent with start.
func WithLeadContext(lc *protocol.LeadContext) Option {
	return func(c *Config) {
		c.LeadContext = lc
	}
}

// WithTransport replaces the transport configuration.
func WithTransport(tc transport.Config) Option {
	return func(c *Config) {
		c.Transport = tc
	}
}

// WithDialer sets the transport dialer.
func WithDialer(d transport.Dialer) Option {
	return func(c *Config) {
		c.Dialer = d
	}
}

// WithQueue sets the outbound queue bounds.
func WithQueue(qc outbound.Config) Option {
	return func(c *Config) {
		c.Queue = qc
	}
}

// WithCapture sets framing and silence detection.
func WithCapture(cc capture.Config) Option {
	return func(c *Config) {
		c.Capture = cc
	}
}

// WithSource sets the microphone.
func WithSource(src audioio.Source) Option {
	return func(c *Config) {
		c.Source = src
	}
}

// WithPlayer sets the inbound audio player.
func WithPlayer(p playback.Player) Option {
	return func(c *Config) {
		c.Player = p
	}
}

// WithDetector sets the language detector. Nil disables rotation.
func WithDetector(d transcript.Detector) Option {
	return func(c *Config) {
		c.Detector = d
	}
}

// WithStore sets the transcript store.
func WithStore(s transcript.Store) Option {
	return func(c *Config) {
		c.Store = s
	}
}

// WithMetricsNamespace sets the Prometheus namespace.
func WithMetricsNamespace(ns string) Option {
	return func(c *Config) {
		c.MetricsNamespace = ns
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
