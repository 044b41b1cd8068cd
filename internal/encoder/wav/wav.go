package wav

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/skypro1111/audio-encoder-service/internal/audio"
	"github.com/skypro1111/audio-encoder-service/internal/encoder"
)

// Name is the registry id of the codec
const Name = "wav"

// MIME types produced by the codec
const (
	MimeWAV = "audio/wav"
	MimeL8  = "audio/l8"
	MimeL16 = "audio/l16"
	MimeL24 = "audio/l24"
)

var (
	supportedTypes = []string{MimeWAV, MimeL8, MimeL16, MimeL24}
	linearPCM      = regexp.MustCompile(`(?i)^audio/l(\d+)$`)
)

// Encoder accumulates PCM bytes and wraps them as WAV or raw PCM
type Encoder struct {
	host   encoder.Host
	logger *slog.Logger

	mimeType      string
	rawFormat     bool // headerless audio/lN output
	streaming     bool
	bitsPerSample int
	channels      int
	sampleRate    int // rate written to the header, after resampling

	buffers [][]byte
	length  int
}

// Register installs the codec in r
func Register(r *encoder.Registry) error {
	return r.Register(Name, New)
}

// New creates the codec. Linear PCM MIME types set the bit depth and force
// streaming. Unusable settings are replaced with a warning.
func New(cfg *encoder.Config, host encoder.Host) (encoder.Plugin, error) {
	if host == nil {
		return nil, fmt.Errorf("wav encoder requires a host")
	}
	logger := host.Logger().With(slog.String("codec", Name))

	mimeType := encoder.ResolveMimeType(cfg.MimeType, supportedTypes, logger)
	bits := cfg.BitsPerSample
	if bits == 0 {
		bits = encoder.DefaultBitsPerSample
	}

	rawFormat := false
	if m := linearPCM.FindStringSubmatch(mimeType); m != nil {
		mimeBits, _ := strconv.Atoi(m[1])
		if cfg.BitsPerSample != 0 && cfg.BitsPerSample != mimeBits {
			logger.Warn("Bit depth overridden by MIME type",
				slog.String("mime_type", mimeType),
				slog.Int("bits_per_sample", cfg.BitsPerSample),
				slog.Int("mime_bits", mimeBits),
			)
		}
		bits = mimeBits
		if !cfg.Streaming {
			logger.Warn("Linear PCM is always streamed, enabling streaming",
				slog.String("mime_type", mimeType),
			)
		}
		cfg.Streaming = true
		rawFormat = true
	}

	if !audio.ValidDepth(bits) {
		logger.Warn("Unsupported bit depth, using default",
			slog.Int("bits_per_sample", bits),
			slog.Int("default", encoder.DefaultBitsPerSample),
		)
		bits = encoder.DefaultBitsPerSample
	}

	cfg.MimeType = mimeType
	cfg.BitsPerSample = bits

	return &Encoder{
		host:          host,
		logger:        logger,
		mimeType:      mimeType,
		rawFormat:     rawFormat,
		streaming:     cfg.Streaming,
		bitsPerSample: bits,
		channels:      cfg.Channels,
		sampleRate:    cfg.OutputRate(),
	}, nil
}

// SupportedTypes implements encoder.Plugin
func (e *Encoder) SupportedTypes() []string {
	return append([]string(nil), supportedTypes...)
}

// Init implements encoder.Plugin
func (e *Encoder) Init() error {
	e.buffers = nil
	e.length = 0
	return nil
}

// Encode resamples when needed, then converts the chunk to interleaved PCM
func (e *Encoder) Encode(c audio.Chunk) error {
	if e.host.Resampling() {
		resampled, err := e.host.Resample(c)
		if err != nil {
			return fmt.Errorf("failed to resample chunk: %w", err)
		}
		c = resampled
	}
	if c.Len() == 0 {
		return nil
	}

	pcm, err := audio.EncodePCM(c, e.bitsPerSample)
	if err != nil {
		return err
	}
	e.buffers = append(e.buffers, pcm)
	e.length += len(pcm)
	return nil
}

// TakeEncoded implements encoder.Plugin. WAV output starts with a header
// covering everything taken; raw mode returns the header as its own buffer.
func (e *Encoder) TakeEncoded(opts encoder.TakeOptions) ([][]byte, error) {
	bufs, length := e.buffers, e.length
	e.buffers, e.length = nil, 0

	raw := opts.ResultMode == encoder.ResultRaw
	if e.rawFormat {
		if raw {
			if bufs == nil {
				bufs = [][]byte{}
			}
			return bufs, nil
		}
		return [][]byte{audio.Merge(bufs)}, nil
	}

	header, err := audio.NewWAVHeader(e.channels, e.sampleRate, e.bitsPerSample, uint32(length)).MarshalBinary()
	if err != nil {
		return nil, err
	}
	if raw {
		return append([][]byte{header}, bufs...), nil
	}

	out := make([]byte, 0, len(header)+length)
	out = append(out, header...)
	for _, b := range bufs {
		out = append(out, b...)
	}
	return [][]byte{out}, nil
}

// Finish implements encoder.Plugin
func (e *Encoder) Finish() {
	if !e.streaming {
		e.Init()
	}
}

// DropEncoded discards pending PCM. Streams keep their data.
func (e *Encoder) DropEncoded() {
	if !e.streaming {
		e.buffers = nil
		e.length = 0
	}
}

// MimeType returns the negotiated MIME type
func (e *Encoder) MimeType() string {
	return e.mimeType
}

// BitsPerSample returns the negotiated sample depth
func (e *Encoder) BitsPerSample() int {
	return e.bitsPerSample
}
