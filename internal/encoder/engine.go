package encoder

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/skypro1111/audio-encoder-service/internal/audio"
	"github.com/skypro1111/audio-encoder-service/internal/resample"
	"github.com/skypro1111/audio-encoder-service/internal/vad"
)

// Engine orchestrates chunk intake, voice activity detection, pre-roll
// replay and the codec plugin for one session. It is not safe for
// concurrent use; only Stats may be called from other goroutines.
type Engine struct {
	factory      Factory
	emit         Emitter
	logger       *slog.Logger
	newResampler resample.Factory

	config    Config
	recording *audio.Buffer
	repeat    *audio.RepeatBuffer
	plugin    Plugin
	detector  *vad.Detector

	detection     vad.Config
	resampler     resample.Resampler
	resamplerKey  [3]int // source rate, target rate, channels
	eosDetected   bool
	warnedChannel bool
	flushingTail  bool // the chunk being encoded is already resampled

	stats engineCounters
}

type engineCounters struct {
	chunksIn        atomic.Uint64
	chunksRecorded  atomic.Uint64
	chunksEncoded   atomic.Uint64
	chunksDropped   atomic.Uint64
	chunksTruncated atomic.Uint64
	replays         atomic.Uint64
	replayedChunks  atomic.Uint64
	payloads        atomic.Uint64
	payloadBytes    atomic.Uint64
}

// EngineStats represents engine statistics
type EngineStats struct {
	ChunksIn        uint64 `json:"chunks_in"`
	ChunksRecorded  uint64 `json:"chunks_recorded"`
	ChunksEncoded   uint64 `json:"chunks_encoded"`
	ChunksDropped   uint64 `json:"chunks_dropped"`
	ChunksTruncated uint64 `json:"chunks_truncated"`
	Replays         uint64 `json:"replays"`
	ReplayedChunks  uint64 `json:"replayed_chunks"`
	Payloads        uint64 `json:"payloads"`
	PayloadBytes    uint64 `json:"payload_bytes"`
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithEmitter sets the receiver of engine messages
func WithEmitter(emit Emitter) Option {
	return func(e *Engine) {
		e.emit = emit
	}
}

// WithResamplerFactory replaces the default resampler constructor
func WithResamplerFactory(f resample.Factory) Option {
	return func(e *Engine) {
		e.newResampler = f
	}
}

// WithDetection sets the initial detector thresholds
func WithDetection(cfg vad.Config) Option {
	return func(e *Engine) {
		e.detection = cfg
	}
}

// NewEngine creates an engine that builds its codec with factory. The
// engine does nothing useful until Init is called.
func NewEngine(factory Factory, opts ...Option) *Engine {
	e := &Engine{
		factory:      factory,
		logger:       slog.Default(),
		newResampler: resample.New,
		detection:    vad.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.detector = vad.NewDetector(e.detection, e.onDetection, e.logger)
	return e
}

// Init applies cfg, creates the plugin and resets all buffers. It fails only
// when the plugin cannot be created; unusable settings are defaulted. On
// failure the previous configuration and plugin stay in place.
func (e *Engine) Init(cfg Config) error {
	if e.factory == nil {
		return fmt.Errorf("no codec factory configured")
	}

	cfg = cfg.withDefaults(e.logger)
	resampler, key := e.resolveResampler(&cfg, e.resampler, e.resamplerKey)

	plugin, err := e.factory(&cfg, e)
	if err != nil {
		return fmt.Errorf("failed to create %s encoder: %w", cfg.Codec, err)
	}
	if err := plugin.Init(); err != nil {
		return fmt.Errorf("failed to initialize %s encoder: %w", cfg.Codec, err)
	}

	cfg.MimeType = ResolveMimeType(cfg.MimeType, plugin.SupportedTypes(), e.logger)
	resampler, key = e.resolveResampler(&cfg, resampler, key)

	e.config = cfg
	e.resampler = resampler
	e.resamplerKey = key
	e.plugin = plugin
	e.recording = audio.NewBuffer(cfg.Channels)
	e.repeat = audio.NewRepeatBuffer(cfg.RepeatBufferSize)
	e.eosDetected = false
	e.warnedChannel = false

	e.Clear(true)

	e.logger.Info("Encoder initialized",
		slog.String("codec", cfg.Codec),
		slog.String("mime_type", cfg.MimeType),
		slog.Int("sample_rate", cfg.SampleRate),
		slog.Int("output_rate", cfg.OutputRate()),
		slog.Int("channels", cfg.Channels),
		slog.String("encoding_mode", string(cfg.EncodingMode)),
		slog.Bool("streaming", cfg.Streaming),
	)

	e.send(Message{Kind: KindInitialized, SupportedTypes: plugin.SupportedTypes()})
	return nil
}

// resolveResampler returns the resampler for the rates in cfg, reusing
// current when the rates match. A resampler that cannot be created disables
// resampling by clearing cfg.TargetSampleRate.
func (e *Engine) resolveResampler(cfg *Config, current resample.Resampler, currentKey [3]int) (resample.Resampler, [3]int) {
	if cfg.TargetSampleRate <= 0 || cfg.TargetSampleRate == cfg.SampleRate {
		return nil, [3]int{}
	}

	key := [3]int{cfg.SampleRate, cfg.TargetSampleRate, cfg.Channels}
	if current != nil && currentKey == key {
		return current, key
	}

	r, err := e.newResampler(cfg.SampleRate, cfg.TargetSampleRate, cfg.Channels)
	if err != nil {
		e.logger.Warn("Resampling disabled",
			slog.Int("sample_rate", cfg.SampleRate),
			slog.Int("target_sample_rate", cfg.TargetSampleRate),
			slog.String("error", err.Error()),
		)
		cfg.TargetSampleRate = 0
		return nil, [3]int{}
	}
	return r, key
}

// Config returns the applied configuration
func (e *Engine) Config() Config {
	return e.config
}

// Detector returns the engine's detector
func (e *Engine) Detector() *vad.Detector {
	return e.detector
}

// Resampling implements Host
func (e *Engine) Resampling() bool {
	return e.resampler != nil && !e.flushingTail
}

// Resample implements Host
func (e *Engine) Resample(c audio.Chunk) (audio.Chunk, error) {
	if e.resampler == nil {
		return c, nil
	}
	return e.resampler.Resample(c)
}

// Logger implements Host
func (e *Engine) Logger() *slog.Logger {
	return e.logger
}

// Record appends a chunk to the accumulation buffer
func (e *Engine) Record(c audio.Chunk) {
	if e.recording == nil {
		e.reportError(ErrNotInitialized)
		return
	}
	if e.recording.Record(c) {
		e.stats.chunksTruncated.Add(1)
		if !e.warnedChannel {
			e.warnedChannel = true
			e.logger.Warn("Chunk has more channels than configured, extra channels dropped",
				slog.Int("chunk_channels", c.Channels()),
				slog.Int("channels", e.config.Channels),
			)
		}
	}
	e.stats.chunksRecorded.Add(1)
}

// Encode is the per-cycle entry point. req parameterises the streaming
// flush and may be nil.
func (e *Engine) Encode(c audio.Chunk, req *Request) {
	if e.plugin == nil {
		e.reportError(ErrNotInitialized)
		return
	}
	if c.Channels() == 0 || c.Len() == 0 {
		return
	}
	e.stats.chunksIn.Add(1)

	e.replayAfterSpeechEnded()

	switch e.config.EncodingMode {
	case EncodeOnFinish:
		e.Record(c)
	case EncodeOnData:
		e.EncodeRecorded()
		e.encodeChunk(c)
	default:
		e.reportError(fmt.Errorf("unknown encoding mode %q, encoding on data", e.config.EncodingMode))
		e.EncodeRecorded()
		e.encodeChunk(c)
	}

	e.repeat.Push(c[0])
	e.eosDetected = e.detector.IsSilent(c[0])

	if e.config.Streaming {
		r := Request{}
		if req != nil {
			r = *req
		}
		e.EncodeRecorded()
		e.SendData(r)
	}
}

// replayAfterSpeechEnded records the pre-roll chunks once after end of speech
func (e *Engine) replayAfterSpeechEnded() {
	if !e.eosDetected {
		return
	}
	e.eosDetected = false

	chunks := e.repeat.Pull()
	for _, samples := range chunks {
		c := make(audio.Chunk, e.config.Channels)
		for ch := range c {
			c[ch] = samples
		}
		e.Record(c)
	}

	e.stats.replays.Add(1)
	e.stats.replayedChunks.Add(uint64(len(chunks)))
	e.logger.Debug("Replayed pre-roll", slog.Int("chunks", len(chunks)))
}

// encodeChunk passes one chunk to the plugin. A failing chunk is dropped.
func (e *Engine) encodeChunk(c audio.Chunk) {
	shaped, truncated := c.Reshape(e.config.Channels)
	if truncated {
		e.stats.chunksTruncated.Add(1)
	}
	if err := e.plugin.Encode(shaped); err != nil {
		e.stats.chunksDropped.Add(1)
		e.reportError(fmt.Errorf("chunk dropped: %w", err))
		return
	}
	e.stats.chunksEncoded.Add(1)
}

// EncodeRecorded moves every accumulated chunk into the plugin and empties
// the accumulation buffer.
func (e *Engine) EncodeRecorded() {
	if e.plugin == nil || e.recording.Chunks() == 0 {
		return
	}
	for i := 0; i < e.recording.Chunks(); i++ {
		e.encodeChunk(e.recording.Chunk(i))
	}
	e.recording.Reset(true)
}

// RequestData encodes everything recorded so far and emits it
func (e *Engine) RequestData(req Request) {
	if e.plugin == nil {
		e.reportError(ErrNotInitialized)
		return
	}
	e.EncodeRecorded()
	e.SendData(req)
}

// SendData takes the plugin output, packages it by result mode and emits a
// data message.
func (e *Engine) SendData(req Request) {
	if e.plugin == nil {
		e.reportError(ErrNotInitialized)
		return
	}

	mode := req.ResultMode
	if mode == "" {
		mode = e.config.ResultMode
	}
	mimeType := e.config.MimeType
	if req.MimeType != "" && !strings.HasPrefix(strings.ToLower(mimeType), strings.ToLower(req.MimeType)) {
		e.logger.Warn("Requested MIME type differs from the negotiated type, using negotiated",
			slog.String("requested", req.MimeType),
			slog.String("mime_type", mimeType),
		)
	}
	streaming := e.config.Streaming
	if req.Streaming != nil {
		streaming = *req.Streaming
	}
	transfer := e.config.TransferBuffers
	if req.TransferBuffers != nil {
		transfer = *req.TransferBuffers
	}

	payload := Payload{Mode: mode, MimeType: mimeType}
	if mode == ResultRecordingBuffers {
		payload.Samples = e.recording.Merged()
	} else {
		if req.Finish {
			e.flushResampler()
		}
		bufs, err := e.plugin.TakeEncoded(TakeOptions{
			ResultMode: mode,
			MimeType:   mimeType,
			Streaming:  streaming,
			Finish:     req.Finish,
		})
		if err != nil {
			e.reportError(fmt.Errorf("failed to take encoded data: %w", err))
			return
		}

		switch mode {
		case ResultBlob:
			payload.Blob = audio.Merge(bufs)
		case ResultMerged:
			payload.Merged = audio.Merge(bufs)
		case ResultRaw:
			payload.Raw = ownBuffers(bufs, transfer)
		default:
			e.reportError(fmt.Errorf("unknown result mode %q, returning raw buffers", mode))
			mode = ResultRaw
			payload.Mode = ResultRaw
			payload.Raw = ownBuffers(bufs, transfer)
		}

		if req.Finish {
			e.plugin.Finish()
		}
	}

	e.stats.payloads.Add(1)
	e.stats.payloadBytes.Add(uint64(payload.Len()))

	e.send(Message{
		Kind: KindData,
		Data: &Data{
			Payload:    payload,
			ResultMode: mode,
			MimeType:   mimeType,
			Finish:     req.Finish,
			Streaming:  streaming,
			Context:    req.Context,
		},
	})

	if req.ApplyRepeatBuffer {
		e.eosDetected = true
	}
}

// flushResampler encodes the samples still held by the resampler so the
// finished payload covers all recorded audio
func (e *Engine) flushResampler() {
	if e.resampler == nil {
		return
	}
	tail, err := e.resampler.Flush()
	if err != nil {
		e.reportError(fmt.Errorf("failed to flush resampler: %w", err))
		return
	}
	if tail.Len() == 0 {
		return
	}

	e.flushingTail = true
	defer func() { e.flushingTail = false }()
	if err := e.plugin.Encode(tail); err != nil {
		e.stats.chunksDropped.Add(1)
		e.reportError(fmt.Errorf("resampler tail dropped: %w", err))
	}
}

// ownBuffers copies buffers unless ownership may be handed over
func ownBuffers(bufs [][]byte, transfer bool) [][]byte {
	if transfer {
		return bufs
	}
	out := make([][]byte, len(bufs))
	for i, b := range bufs {
		out[i] = append([]byte(nil), b...)
	}
	return out
}

// Clear empties the accumulation buffer (only when it holds data unless
// forced), the pre-roll buffer and any pending plugin output.
func (e *Engine) Clear(force bool) {
	if e.recording == nil {
		return
	}
	e.recording.Reset(force)
	e.repeat.Reset()
	if e.resampler != nil {
		e.resampler.Reset()
	}
	if e.plugin != nil {
		e.plugin.DropEncoded()
	}
}

// StartDetection starts voice activity detection
func (e *Engine) StartDetection() {
	e.detector.Start()
}

// StopDetection stops voice activity detection
func (e *Engine) StopDetection() {
	e.detector.Stop()
}

// ConfigureDetection applies new detector thresholds
func (e *Engine) ConfigureDetection(cfg vad.Config) {
	e.detector.Configure(cfg)
}

func (e *Engine) onDetection(ev vad.Event) {
	msg := Message{Kind: KindDetection, Detection: ev}

	switch ev {
	case vad.EventDetectionInitialized:
		// amplitude based detection cannot tell speech from other noise
		msg.CanDetectSpeech = false
	case vad.EventDetectionStart, vad.EventDetectionEnd, vad.EventAudioStarted:
	case vad.EventSoundStart, vad.EventSoundEnd:
		e.logger.Debug("Sound transition", slog.String("event", ev.String()))
	case vad.EventClear, vad.EventOverflow:
	default:
		e.reportError(fmt.Errorf("unknown detection event %d", int(ev)))
		return
	}

	e.send(msg)
}

func (e *Engine) reportError(err error) {
	e.logger.Error("Encoder error", slog.String("error", err.Error()))
	e.send(Message{Kind: KindError, Err: err})
}

func (e *Engine) send(msg Message) {
	if e.emit != nil {
		e.emit(msg)
	}
}

// Stats returns engine statistics. It is safe to call concurrently.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		ChunksIn:        e.stats.chunksIn.Load(),
		ChunksRecorded:  e.stats.chunksRecorded.Load(),
		ChunksEncoded:   e.stats.chunksEncoded.Load(),
		ChunksDropped:   e.stats.chunksDropped.Load(),
		ChunksTruncated: e.stats.chunksTruncated.Load(),
		Replays:         e.stats.replays.Load(),
		ReplayedChunks:  e.stats.replayedChunks.Load(),
		Payloads:        e.stats.payloads.Load(),
		PayloadBytes:    e.stats.payloadBytes.Load(),
	}
}
