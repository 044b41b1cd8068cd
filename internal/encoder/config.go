package encoder

import (
	"fmt"
	"log/slog"

	"github.com/skypro1111/audio-encoder-service/internal/audio"
)

// ResultMode is the shape of an emitted payload
type ResultMode string

const (
	ResultBlob             ResultMode = "blob"
	ResultMerged           ResultMode = "merged"
	ResultRaw              ResultMode = "raw"
	ResultRecordingBuffers ResultMode = "recordingBuffers" // unencoded float samples
)

// Valid reports whether the mode is known
func (m ResultMode) Valid() bool {
	switch m {
	case ResultBlob, ResultMerged, ResultRaw, ResultRecordingBuffers:
		return true
	}
	return false
}

// EncodingMode selects when chunks reach the codec
type EncodingMode string

const (
	EncodeOnFinish EncodingMode = "onfinish" // accumulate, encode on data request
	EncodeOnData   EncodingMode = "ondata"   // encode every chunk on arrival
)

// Defaults applied by Init
const (
	DefaultSampleRate    = 48000
	DefaultBufferSize    = 4096
	DefaultChannels      = 1
	DefaultBitsPerSample = 16 // codecs use this when BitsPerSample is 0
	DefaultCodec         = "wav"
)

// Config is the per-session encoder configuration. Plugins may adjust it
// while they are created; the engine applies the adjusted copy.
type Config struct {
	Codec            string       `yaml:"codec" json:"codec"`
	SampleRate       int          `yaml:"sample_rate" json:"sample_rate"`
	TargetSampleRate int          `yaml:"target_sample_rate" json:"target_sample_rate,omitempty"`
	BufferSize       int          `yaml:"buffer_size" json:"buffer_size"`
	Channels         int          `yaml:"channels" json:"channels"`
	BitsPerSample    int          `yaml:"bits_per_sample" json:"bits_per_sample"`
	MimeType         string       `yaml:"mime_type" json:"mime_type,omitempty"`
	ResultMode       ResultMode   `yaml:"result_mode" json:"result_mode"`
	Streaming        bool         `yaml:"streaming" json:"streaming"`
	EncodingMode     EncodingMode `yaml:"encoding_mode" json:"encoding_mode"`
	TransferBuffers  bool         `yaml:"transfer_buffers" json:"transfer_buffers"`
	RepeatBufferSize int          `yaml:"repeat_buffer_size" json:"repeat_buffer_size"`
}

// DefaultConfig returns the configuration used for unset fields
func DefaultConfig() Config {
	return Config{
		Codec:            DefaultCodec,
		SampleRate:       DefaultSampleRate,
		BufferSize:       DefaultBufferSize,
		Channels:         DefaultChannels,
		ResultMode:       ResultBlob,
		EncodingMode:     EncodeOnFinish,
		RepeatBufferSize: audio.DefaultRepeatCapacity,
	}
}

// OutputRate is the sample rate of encoded audio
func (c Config) OutputRate() int {
	if c.TargetSampleRate > 0 {
		return c.TargetSampleRate
	}
	return c.SampleRate
}

// Validate rejects settings that cannot be defaulted
func (c Config) Validate() error {
	if c.SampleRate < 0 {
		return fmt.Errorf("sample_rate must not be negative, got %d", c.SampleRate)
	}
	if c.TargetSampleRate < 0 {
		return fmt.Errorf("target_sample_rate must not be negative, got %d", c.TargetSampleRate)
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("buffer_size must not be negative, got %d", c.BufferSize)
	}
	if c.ResultMode != "" && !c.ResultMode.Valid() {
		return fmt.Errorf("unknown result_mode %q", c.ResultMode)
	}
	switch c.EncodingMode {
	case "", EncodeOnFinish, EncodeOnData:
	default:
		return fmt.Errorf("unknown encoding_mode %q", c.EncodingMode)
	}
	return nil
}

// withDefaults fills unset fields. Settings that are set but unusable are
// replaced with a warning rather than failing.
func (c Config) withDefaults(logger *slog.Logger) Config {
	def := DefaultConfig()

	if c.Codec == "" {
		c.Codec = def.Codec
	}
	if c.SampleRate <= 0 {
		c.SampleRate = def.SampleRate
	}
	if c.TargetSampleRate < 0 {
		c.TargetSampleRate = 0
	}
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	if c.Channels <= 0 {
		c.Channels = def.Channels
	}
	if c.Channels > audio.MaxChannels {
		logger.Warn("Too many channels, only the first channels are encoded",
			slog.Int("channels", c.Channels),
			slog.Int("max_channels", audio.MaxChannels),
		)
		c.Channels = audio.MaxChannels
	}
	if c.ResultMode == "" {
		c.ResultMode = def.ResultMode
	} else if !c.ResultMode.Valid() {
		logger.Warn("Unknown result mode, using default",
			slog.String("result_mode", string(c.ResultMode)),
			slog.String("default", string(def.ResultMode)),
		)
		c.ResultMode = def.ResultMode
	}
	if c.EncodingMode == "" {
		c.EncodingMode = def.EncodingMode
	}
	if c.RepeatBufferSize <= 0 {
		c.RepeatBufferSize = def.RepeatBufferSize
	}
	return c
}
