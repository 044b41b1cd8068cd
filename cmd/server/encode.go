package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/skypro1111/audio-encoder-service/internal/audio"
	"github.com/skypro1111/audio-encoder-service/internal/encoder"
	"github.com/skypro1111/audio-encoder-service/internal/logging"
	"github.com/skypro1111/audio-encoder-service/internal/sink"
	"github.com/skypro1111/audio-encoder-service/internal/vad"
)

var (
	encodeInput   string
	encodeOutput  string
	encodeMime    string
	encodeRate    int
	encodeSegment bool
)

var encodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Encode a WAV file offline",
	Long: `Runs a WAV file through the encoder with the configured settings and
writes the payloads to a directory.

With --segment, voice activity detection splits the input and every
utterance is written to its own file.

Examples:
  audio-encoder-service encode -i call.wav -o out
  audio-encoder-service encode -i call.wav -o out --mime audio/l16 --rate 16000
  audio-encoder-service encode -i call.wav -o out --segment`,
	RunE: runEncode,
}

func init() {
	encodeCmd.Flags().StringVarP(&encodeInput, "input", "i", "", "Input WAV file")
	encodeCmd.Flags().StringVarP(&encodeOutput, "output", "o", ".", "Output directory")
	encodeCmd.Flags().StringVar(&encodeMime, "mime", "", "Output MIME type (default from config)")
	encodeCmd.Flags().IntVar(&encodeRate, "rate", 0, "Output sample rate, 0 keeps the input rate")
	encodeCmd.Flags().BoolVar(&encodeSegment, "segment", false, "Write one file per detected utterance")
	encodeCmd.MarkFlagRequired("input")
}

// segmenter turns detection events into data requests. Events arrive while
// the engine is encoding, so requests are issued after each chunk.
type segmenter struct {
	engine   *encoder.Engine
	output   *sink.Dir
	name     string
	logger   *slog.Logger
	ended    bool
	cleared  bool
	dirty    bool // audio recorded since the last request
	payloads int
	err      error
}

func (s *segmenter) handle(msg encoder.Message) {
	switch msg.Kind {
	case encoder.KindData:
		if s.err != nil {
			return
		}
		if msg.Data.Payload.Len() == 0 {
			return
		}
		if err := s.output.Write(s.name, msg.Data); err != nil {
			s.err = err
			return
		}
		s.payloads++
	case encoder.KindDetection:
		s.logger.Debug("Detection event", slog.String("event", msg.Detection.String()))
		switch msg.Detection {
		case vad.EventSoundEnd, vad.EventOverflow:
			s.ended = true
		case vad.EventClear:
			s.cleared = true
		}
	case encoder.KindError:
		s.logger.Warn("Encoder error", slog.String("error", msg.Err.Error()))
	}
}

// afterChunk acts on the events of the last chunk
func (s *segmenter) afterChunk() {
	s.dirty = true
	if s.ended {
		s.ended = false
		s.engine.RequestData(encoder.Request{Finish: true})
		s.dirty = false
	}
	if s.cleared {
		s.cleared = false
		s.engine.Clear(false)
		s.dirty = false
	}
}

func runEncode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, closeLog := logging.New(cfg.Logging)
	defer closeLog()

	data, err := os.ReadFile(encodeInput)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	info, chunk, err := audio.DecodeWAV(data)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", encodeInput, err)
	}

	registry, err := newRegistry()
	if err != nil {
		return err
	}
	encCfg := cfg.Encoder
	encCfg.SampleRate = int(info.SampleRate)
	encCfg.Channels = min(int(info.Channels), audio.MaxChannels)
	encCfg.TargetSampleRate = encodeRate
	encCfg.Streaming = false
	encCfg.EncodingMode = encoder.EncodeOnFinish
	if encodeMime != "" {
		encCfg.MimeType = encodeMime
	}

	factory, err := registry.Lookup(encCfg.Codec)
	if err != nil {
		return err
	}

	output, err := sink.NewDir(encodeOutput, true, logger)
	if err != nil {
		return err
	}

	seg := &segmenter{
		output: output,
		name:   strings.TrimSuffix(filepath.Base(encodeInput), filepath.Ext(encodeInput)),
		logger: logger,
	}
	engine := encoder.NewEngine(factory,
		encoder.WithLogger(logging.Component(logger, "encoder")),
		encoder.WithEmitter(seg.handle),
		encoder.WithDetection(cfg.VAD.Detection(logger)),
	)
	seg.engine = engine

	if err := engine.Init(encCfg); err != nil {
		return fmt.Errorf("failed to initialize encoder: %w", err)
	}
	if encodeSegment {
		engine.StartDetection()
	}

	applied := engine.Config()
	chunker, err := audio.NewChunker(audio.ChunkingConfig{
		FrameSize: applied.BufferSize,
		Channels:  applied.Channels,
	})
	if err != nil {
		return err
	}

	frames := chunker.Write(chunk)
	if last := chunker.Flush(true); last != nil {
		frames = append(frames, last)
	}
	if chunker.GetStats().ChunksTruncated > 0 {
		logger.Warn("Input has more channels than supported, extra channels dropped",
			slog.String("input", encodeInput),
			slog.Int("input_channels", chunk.Channels()),
			slog.Int("channels", applied.Channels),
		)
	}
	for _, frame := range frames {
		engine.Encode(frame, nil)
		if encodeSegment {
			seg.afterChunk()
		}
	}

	if encodeSegment {
		engine.StopDetection()
	}
	if !encodeSegment || seg.dirty {
		engine.RequestData(encoder.Request{Finish: true})
	}

	if seg.err != nil {
		return fmt.Errorf("failed to write output: %w", seg.err)
	}

	stats := output.GetStats()
	logger.Info("Encoding finished",
		slog.String("input", encodeInput),
		slog.Float64("duration_seconds", info.Duration),
		slog.Int("frames", len(frames)),
		slog.Int("payloads", seg.payloads),
		slog.Uint64("bytes_written", stats.BytesWritten),
		slog.String("output", stats.Root),
	)
	return nil
}
