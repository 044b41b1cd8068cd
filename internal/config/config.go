package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skypro1111/audio-encoder-service/internal/encoder"
	"github.com/skypro1111/audio-encoder-service/internal/vad"
)

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	HTTP    HTTPConfig     `yaml:"http"`
	Encoder encoder.Config `yaml:"encoder"`
	VAD     VADConfig      `yaml:"vad"`
	Session SessionConfig  `yaml:"session"`
	Output  OutputConfig   `yaml:"output"`
	Logging LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains UDP server configuration
type ServerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	UDPPort     int    `yaml:"udp_port"`
	BindAddress string `yaml:"bind_address"`
	BufferSize  int    `yaml:"buffer_size"` // socket read buffer, bytes
	Workers     int    `yaml:"workers"`
	QueueSize   int    `yaml:"queue_size"` // packets per worker
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// VADConfig contains voice activity detection settings. Thresholds are
// loosely typed and decoded by vad.ParseConfig.
type VADConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Settings map[string]any `yaml:",inline"`
}

// SessionConfig contains session lifecycle settings
type SessionConfig struct {
	Timeout      int  `yaml:"timeout"` // seconds
	QueueSize    int  `yaml:"queue_size"`
	MaxSessions  int  `yaml:"max_sessions"`
	FlushOnClose bool `yaml:"flush_on_close"`
}

// OutputConfig contains the payload sink settings. An empty directory
// disables the file sink.
type OutputConfig struct {
	Directory string        `yaml:"directory"`
	SkipEmpty bool          `yaml:"skip_empty"`
	Webhook   WebhookConfig `yaml:"webhook"`
}

// WebhookConfig contains payload upload settings. An empty endpoint
// disables uploads.
type WebhookConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds, per attempt
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	QueueSize     int    `yaml:"queue_size"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration usable without a file
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Enabled:     true,
			UDPPort:     4444,
			BindAddress: "0.0.0.0",
			BufferSize:  65536,
			Workers:     4,
			QueueSize:   1000,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Encoder: encoder.DefaultConfig(),
		VAD: VADConfig{
			Enabled:  true,
			Settings: map[string]any{},
		},
		Session: SessionConfig{
			Timeout:      60,
			QueueSize:    64,
			MaxSessions:  1000,
			FlushOnClose: true,
		},
		Output: OutputConfig{
			SkipEmpty: true,
			Webhook: WebhookConfig{
				Timeout:       30,
				MaxRetries:    3,
				MaxConcurrent: 4,
				QueueSize:     256,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file. Settings missing from the
// file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Encoder.Validate(); err != nil {
		return fmt.Errorf("encoder config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Output.Webhook.Validate(); err != nil {
		return fmt.Errorf("webhook config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if !s.Enabled {
		return nil
	}

	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", s.BufferSize)
	}

	if s.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", s.Workers)
	}

	if s.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", s.QueueSize)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative, got %d", s.Timeout)
	}

	if s.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", s.QueueSize)
	}

	if s.MaxSessions < 0 {
		return fmt.Errorf("max_sessions cannot be negative, got %d", s.MaxSessions)
	}

	return nil
}

// Validate validates webhook configuration
func (w *WebhookConfig) Validate() error {
	if w.Endpoint == "" {
		return nil
	}

	u, err := url.Parse(w.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("endpoint must be an http(s) URL, got '%s'", w.Endpoint)
	}

	if w.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", w.Timeout)
	}

	if w.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", w.MaxRetries)
	}

	if w.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", w.MaxConcurrent)
	}

	return nil
}

// GetTimeoutDuration returns the per-attempt upload timeout
func (w *WebhookConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(w.Timeout) * time.Second
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// anything other than stdout/stderr is a file path
	return nil
}

// Detection decodes the detector thresholds. Unusable values fall back to
// their defaults with a warning.
func (v *VADConfig) Detection(logger *slog.Logger) vad.Config {
	return vad.ParseConfig(v.Settings, logger)
}

// GetTimeoutDuration returns the idle session timeout as a time.Duration
func (s *SessionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}
