package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/skypro1111/audio-encoder-service/internal/encoder"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Expected default config to be valid, got %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{
			name:   "valid configuration",
			mutate: func(c *Config) {},
		},
		{
			name:     "invalid server port",
			mutate:   func(c *Config) { c.Server.UDPPort = 70000 },
			errorMsg: "udp_port must be between",
		},
		{
			name: "disabled server skips validation",
			mutate: func(c *Config) {
				c.Server.Enabled = false
				c.Server.UDPPort = 0
			},
		},
		{
			name:     "no workers",
			mutate:   func(c *Config) { c.Server.Workers = 0 },
			errorMsg: "workers must be at least 1",
		},
		{
			name:     "invalid http port",
			mutate:   func(c *Config) { c.HTTP.Port = 0 },
			errorMsg: "http port must be between",
		},
		{
			name:     "unknown result mode",
			mutate:   func(c *Config) { c.Encoder.ResultMode = "compressed" },
			errorMsg: "unknown result_mode",
		},
		{
			name:     "unknown encoding mode",
			mutate:   func(c *Config) { c.Encoder.EncodingMode = "later" },
			errorMsg: "unknown encoding_mode",
		},
		{
			name:     "negative session timeout",
			mutate:   func(c *Config) { c.Session.Timeout = -1 },
			errorMsg: "timeout cannot be negative",
		},
		{
			name:     "zero queue size",
			mutate:   func(c *Config) { c.Session.QueueSize = 0 },
			errorMsg: "queue_size must be at least 1",
		},
		{
			name:     "webhook endpoint not a URL",
			mutate:   func(c *Config) { c.Output.Webhook.Endpoint = "collector:9000" },
			errorMsg: "endpoint must be an http(s) URL",
		},
		{
			name: "webhook without workers",
			mutate: func(c *Config) {
				c.Output.Webhook.Endpoint = "http://collector:9000/upload"
				c.Output.Webhook.MaxConcurrent = 0
			},
			errorMsg: "max_concurrent must be at least 1",
		},
		{
			name:     "invalid log level",
			mutate:   func(c *Config) { c.Logging.Level = "verbose" },
			errorMsg: "level must be one of",
		},
		{
			name:     "invalid log format",
			mutate:   func(c *Config) { c.Logging.Format = "xml" },
			errorMsg: "format must be 'json' or 'text'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.mutate(config)
			err := config.Validate()

			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				}
				return
			}
			if err == nil {
				t.Errorf("Expected error but got none")
			} else if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config file",
			configYAML: `
server:
  enabled: true
  udp_port: 5555
  bind_address: "127.0.0.1"
  buffer_size: 65536
  workers: 2
  queue_size: 100
http:
  enabled: true
  address: "127.0.0.1"
  port: 9090
encoder:
  codec: wav
  sample_rate: 16000
  target_sample_rate: 8000
  channels: 2
  mime_type: audio/wav
  result_mode: raw
  encoding_mode: ondata
vad:
  enabled: false
  noise_threshold: "0.2"
  pause_count: 4
session:
  timeout: 30
  queue_size: 16
  max_sessions: 10
output:
  directory: /tmp/out
  webhook:
    endpoint: https://collector.example.com/upload
    api_key: key
    timeout: 10
logging:
  level: debug
  format: text
  output: stderr
`,
		},
		{
			name: "partial file keeps defaults",
			configYAML: `
logging:
  level: warn
`,
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
server:
  udp_port: 4444
  buffer_size: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "invalid value",
			configYAML: `
server:
  bind_address: ""
`,
			expectError: true,
			errorMsg:    "bind_address cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if config == nil {
				t.Fatal("Expected config to be loaded but got nil")
			}
		})
	}
}

func TestConfigLoadValues(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yamlData := `
encoder:
  sample_rate: 16000
  target_sample_rate: 8000
  result_mode: merged
  streaming: true
vad:
  enabled: false
  noise_threshold: "0.2"
  pause_count: 4
session:
  timeout: 15
`
	if err := os.WriteFile(configPath, []byte(yamlData), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	config, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if config.Encoder.SampleRate != 16000 || config.Encoder.TargetSampleRate != 8000 {
		t.Errorf("Expected 16000 -> 8000, got %d -> %d", config.Encoder.SampleRate, config.Encoder.TargetSampleRate)
	}
	if config.Encoder.ResultMode != encoder.ResultMerged {
		t.Errorf("Expected merged result mode, got %s", config.Encoder.ResultMode)
	}
	if !config.Encoder.Streaming {
		t.Error("Expected streaming to be enabled")
	}
	if config.Encoder.Codec != encoder.DefaultCodec {
		t.Errorf("Expected default codec to be kept, got %q", config.Encoder.Codec)
	}
	if config.VAD.Enabled {
		t.Error("Expected detection to be disabled")
	}

	detection := config.VAD.Detection(testLogger())
	if detection.NoiseThreshold != 0.2 {
		t.Errorf("Expected noise threshold 0.2, got %v", detection.NoiseThreshold)
	}
	if detection.PauseCount != 4 {
		t.Errorf("Expected pause count 4, got %d", detection.PauseCount)
	}

	if config.Session.GetTimeoutDuration() != 15*time.Second {
		t.Errorf("Expected 15 seconds, got %v", config.Session.GetTimeoutDuration())
	}
	if config.Logging.Level != "info" {
		t.Errorf("Expected default log level, got %s", config.Logging.Level)
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatal("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}
