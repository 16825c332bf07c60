// Package config loads go-voicelink client configuration from a YAML file
// and the environment.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-voicelink/pkg/audioio"
	"github.com/teslashibe/go-voicelink/pkg/capture"
	"github.com/teslashibe/go-voicelink/pkg/conversation"
	"github.com/teslashibe/go-voicelink/pkg/outbound"
	"github.com/teslashibe/go-voicelink/pkg/protocol"
	"github.com/teslashibe/go-voicelink/pkg/transcript"
	"github.com/teslashibe/go-voicelink/pkg/transport"
)

// Environment variables that override the file.
const (
	EnvURL         = "VOICELINK_URL"
	EnvLanguage    = "VOICELINK_LANGUAGE"
	EnvAudio       = "VOICELINK_AUDIO"
	EnvRedisAddr   = "VOICELINK_REDIS_ADDR"
	EnvMetricsAddr = "VOICELINK_METRICS_ADDR"
	EnvLogLevel    = "LOG_LEVEL"
)

// Config is the complete client configuration.
type Config struct {
	URL        string                 `yaml:"url"`
	Language   string                 `yaml:"language"`
	Lead       protocol.LeadContext   `yaml:"lead"`
	Transport  transport.Config       `yaml:"transport"`
	Queue      outbound.Config        `yaml:"queue"`
	Capture    capture.Config         `yaml:"capture"`
	Audio      audioio.Config         `yaml:"audio"`
	Transcript transcript.StoreConfig `yaml:"transcript"`
	Metrics    MetricsConfig          `yaml:"metrics"`
	Logging    LoggingConfig          `yaml:"logging"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables the endpoint.
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Language:  "en-US",
		Transport: transport.DefaultConfig(),
		Queue:     outbound.DefaultConfig(),
		Capture:   capture.DefaultConfig(),
		Audio:     audioio.DefaultConfig(),
		Metrics:   MetricsConfig{Namespace: "voicelink"},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() {
	if url := os.Getenv(EnvURL); url != "" {
		c.URL = url
	}
	if lang := os.Getenv(EnvLanguage); lang != "" {
		c.Language = lang
	}
	if backend := os.Getenv(EnvAudio); backend != "" {
		c.Audio.Backend = audioio.Backend(backend)
	}
	if addr := os.Getenv(EnvRedisAddr); addr != "" {
		c.Transcript.Type = transcript.StoreRedis
		c.Transcript.Addr = addr
	}
	if addr := os.Getenv(EnvMetricsAddr); addr != "" {
		c.Metrics.Addr = addr
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.Logging.Level = level
	}
}

// Validate checks every section. The URL may be left empty for a flag to
// fill in later.
func (c *Config) Validate() error {
	if c.URL != "" {
		if err := transport.ValidateURL(c.URL); err != nil {
			return err
		}
	}
	if c.Transport.MaxReconnectAttempts < 0 {
		return fmt.Errorf("transport: max_reconnect_attempts cannot be negative, got %d", c.Transport.MaxReconnectAttempts)
	}
	if c.Queue.MaxPendingAudio < 1 {
		return fmt.Errorf("queue: max_pending_audio must be at least 1, got %d", c.Queue.MaxPendingAudio)
	}
	if err := c.Capture.Validate(); err != nil {
		return err
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	switch c.Transcript.Type {
	case transcript.StoreNone, transcript.StoreMemory:
	case transcript.StoreRedis:
		if c.Transcript.Addr == "" {
			return fmt.Errorf("transcript: redis store requires addr")
		}
	default:
		return fmt.Errorf("%w: %s", transcript.ErrInvalidStoreType, c.Transcript.Type)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging: level must be one of [debug, info, warn, error], got '%s'", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("logging: format must be 'json' or 'text', got '%s'", c.Logging.Format)
	}
	return nil
}

// Options converts the configuration into conversation options. Devices and
// the transcript store are opened by the caller.
func (c *Config) Options() []conversation.Option {
	tc := c.Transport
	tc.URL = c.URL

	opts := []conversation.Option{
		conversation.WithTransport(tc),
		conversation.WithLanguage(c.Language),
		conversation.WithQueue(c.Queue),
		conversation.WithCapture(c.Capture),
		conversation.WithMetricsNamespace(c.Metrics.Namespace),
	}
	if !c.Lead.IsZero() {
		lead := c.Lead
		opts = append(opts, conversation.WithLeadContext(&lead))
	}
	return opts
}
