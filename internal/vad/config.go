package vad

import (
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Default detection thresholds
const (
	DefaultNoiseThreshold = 0.1
	DefaultPauseCount     = 3
	DefaultResetCount     = 15
	DefaultMaxBlobSize    = 15
)

// Config holds the detector thresholds
type Config struct {
	NoiseThreshold float64 `yaml:"noise_threshold" json:"noise_threshold" mapstructure:"noise_threshold"` // max |sample| still counted as silence
	PauseCount     int     `yaml:"pause_count" json:"pause_count" mapstructure:"pause_count"`             // chunks needed to confirm speech or its end
	ResetCount     int     `yaml:"reset_count" json:"reset_count" mapstructure:"reset_count"`             // silent chunks before buffered audio may be cleared
	MaxBlobSize    int     `yaml:"max_blob_size" json:"max_blob_size" mapstructure:"max_blob_size"`       // speech chunks before an overflow flush
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		NoiseThreshold: DefaultNoiseThreshold,
		PauseCount:     DefaultPauseCount,
		ResetCount:     DefaultResetCount,
		MaxBlobSize:    DefaultMaxBlobSize,
	}
}

// Validate reports the first out-of-range threshold
func (c Config) Validate() error {
	if !validThreshold(c.NoiseThreshold) {
		return fmt.Errorf("noise_threshold must be between 0 and 1, got %f", c.NoiseThreshold)
	}
	if c.PauseCount < 1 {
		return fmt.Errorf("pause_count must be at least 1, got %d", c.PauseCount)
	}
	if c.ResetCount < 1 {
		return fmt.Errorf("reset_count must be at least 1, got %d", c.ResetCount)
	}
	if c.MaxBlobSize < 1 {
		return fmt.Errorf("max_blob_size must be at least 1, got %d", c.MaxBlobSize)
	}
	return nil
}

// validThreshold rejects NaN, which fails every range comparison
func validThreshold(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// Normalize replaces every out-of-range threshold with its default and
// logs a warning for each replacement.
func (c Config) Normalize(logger *slog.Logger) Config {
	def := DefaultConfig()
	if !validThreshold(c.NoiseThreshold) {
		warnDefault(logger, "noise_threshold", c.NoiseThreshold, def.NoiseThreshold)
		c.NoiseThreshold = def.NoiseThreshold
	}
	if c.PauseCount < 1 {
		warnDefault(logger, "pause_count", c.PauseCount, def.PauseCount)
		c.PauseCount = def.PauseCount
	}
	if c.ResetCount < 1 {
		warnDefault(logger, "reset_count", c.ResetCount, def.ResetCount)
		c.ResetCount = def.ResetCount
	}
	if c.MaxBlobSize < 1 {
		warnDefault(logger, "max_blob_size", c.MaxBlobSize, def.MaxBlobSize)
		c.MaxBlobSize = def.MaxBlobSize
	}
	return c
}

// ParseConfig builds a Config from loosely typed settings such as decoded
// YAML or JSON. Values are converted with weak typing ("0.2" is a valid
// threshold). Keys match case-insensitively, ignoring '_' and '-'.
// A value that cannot be converted keeps its default and is logged; it is
// never an error.
func ParseConfig(raw map[string]any, logger *slog.Logger) Config {
	cfg := DefaultConfig()

	for key, value := range raw {
		var (
			target any
			name   string
		)
		switch normalizeKey(key) {
		case "noisethreshold", "noisetreshold", "threshold":
			target, name = &cfg.NoiseThreshold, "noise_threshold"
		case "pausecount":
			target, name = &cfg.PauseCount, "pause_count"
		case "resetcount":
			target, name = &cfg.ResetCount, "reset_count"
		case "maxblobsize":
			target, name = &cfg.MaxBlobSize, "max_blob_size"
		default:
			if logger != nil {
				logger.Warn("Ignoring unknown detection setting", slog.String("key", key))
			}
			continue
		}

		if err := decodeField(value, target); err != nil && logger != nil {
			logger.Warn("Invalid detection setting, using default",
				slog.String("key", name),
				slog.Any("value", value),
				slog.String("error", err.Error()),
			)
		}
	}

	return cfg.Normalize(logger)
}

// decodeField converts value into target, leaving target unchanged on error
func decodeField(value any, target any) error {
	if value == nil {
		return fmt.Errorf("missing value")
	}
	switch t := target.(type) {
	case *float64:
		var v float64
		if err := mapstructure.WeakDecode(value, &v); err != nil {
			return err
		}
		*t = v
	case *int:
		var v int
		if err := mapstructure.WeakDecode(value, &v); err != nil {
			return err
		}
		*t = v
	default:
		return fmt.Errorf("unsupported setting type %T", target)
	}
	return nil
}

func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	key = strings.ReplaceAll(key, "_", "")
	return strings.ReplaceAll(key, "-", "")
}

func warnDefault(logger *slog.Logger, key string, got, def any) {
	if logger == nil {
		return
	}
	logger.Warn("Detection setting out of range, using default",
		slog.String("key", key),
		slog.Any("value", got),
		slog.Any("default", def),
	)
}
