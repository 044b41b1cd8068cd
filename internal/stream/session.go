package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/audio-encoder-service/internal/audio"
	"github.com/skypro1111/audio-encoder-service/internal/encoder"
	"github.com/skypro1111/audio-encoder-service/internal/metrics"
	"github.com/skypro1111/audio-encoder-service/internal/vad"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionClosed    = errors.New("session closed")
	ErrTooManySessions  = errors.New("too many sessions")
	ErrNoData           = errors.New("no data produced")
	ErrInvalidSessionID = errors.New("invalid session id")
)

// Sink receives every data payload a session emits
type Sink interface {
	Write(sessionID string, data *encoder.Data) error
}

type commandKind int

const (
	cmdAudio commandKind = iota
	cmdInit
	cmdData
	cmdClear
	cmdStartDetection
	cmdStopDetection
	cmdConfigureDetection
	cmdClose
)

func (k commandKind) String() string {
	switch k {
	case cmdAudio:
		return "audio"
	case cmdInit:
		return "init"
	case cmdData:
		return "data"
	case cmdClear:
		return "clear"
	case cmdStartDetection:
		return "start_detection"
	case cmdStopDetection:
		return "stop_detection"
	case cmdConfigureDetection:
		return "configure_detection"
	case cmdClose:
		return "close"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// command is one unit of work for the session worker. Commands are
// executed strictly in the order they were queued.
type command struct {
	kind      commandKind
	chunk     audio.Chunk
	config    encoder.Config
	request   encoder.Request
	detection vad.Config
	force     bool
	reply     chan result
}

type result struct {
	data *encoder.Data
	err  error
}

// Session is one encoding session. A single worker goroutine owns the
// engine; every other goroutine talks to it through the inbox.
type Session struct {
	ID        string
	StartTime time.Time

	engine  *encoder.Engine
	inbox   chan command
	logger  *slog.Logger
	metrics *metrics.Metrics
	sink    Sink

	flushOnClose bool

	// worker-owned
	replies   map[string]chan result
	lastErr   error
	unflushed bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	mu           sync.RWMutex
	lastActivity time.Time
	config       encoder.Config
	subscribers  map[int]chan encoder.Message
	nextSub      int
	closed       bool

	// intake guards the inbox against sends once the worker stopped
	intake  sync.RWMutex
	stopped bool

	chunksQueued  atomic.Uint64
	chunksDropped atomic.Uint64
}

type sessionParams struct {
	id           string
	factory      encoder.Factory
	config       encoder.Config
	detection    vad.Config
	detect       bool
	queueSize    int
	flushOnClose bool
	logger       *slog.Logger
	metrics      *metrics.Metrics
	sink         Sink
}

// newSession initializes the engine and starts the worker
func newSession(parent context.Context, p sessionParams) (*Session, error) {
	logger := p.logger.With(slog.String("session_id", p.id))
	ctx, cancel := context.WithCancel(parent)

	now := time.Now()
	s := &Session{
		ID:           p.id,
		StartTime:    now,
		inbox:        make(chan command, p.queueSize),
		logger:       logger,
		metrics:      p.metrics,
		sink:         p.sink,
		flushOnClose: p.flushOnClose,
		replies:      make(map[string]chan result),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		lastActivity: now,
		subscribers:  make(map[int]chan encoder.Message),
	}

	s.engine = encoder.NewEngine(p.factory,
		encoder.WithLogger(logger),
		encoder.WithEmitter(s.handle),
		encoder.WithDetection(p.detection),
	)
	if err := s.engine.Init(p.config); err != nil {
		cancel()
		return nil, err
	}
	s.config = s.engine.Config()
	if p.detect {
		s.engine.StartDetection()
	}

	go s.run()
	return s, nil
}

// run is the worker loop
func (s *Session) run() {
	defer close(s.done)
	defer s.closeSubscribers()
	defer s.stopIntake()

	for {
		select {
		case <-s.ctx.Done():
			s.failPending(ErrSessionClosed)
			return
		case cmd := <-s.inbox:
			if s.execute(cmd) {
				s.failPending(ErrSessionClosed)
				return
			}
		}
	}
}

// stopIntake refuses further audio and empties the inbox. Chunks that were
// accepted but never encoded count as dropped.
func (s *Session) stopIntake() {
	s.intake.Lock()
	s.stopped = true
	s.intake.Unlock()

	for {
		select {
		case cmd := <-s.inbox:
			if cmd.kind == cmdAudio {
				s.chunksDropped.Add(1)
				s.metrics.RecordChunkDropped("session_closed")
				continue
			}
			if cmd.reply != nil {
				cmd.reply <- result{err: ErrSessionClosed}
			}
		default:
			return
		}
	}
}

// execute runs one command and reports whether the worker must stop
func (s *Session) execute(cmd command) bool {
	switch cmd.kind {
	case cmdAudio:
		s.engine.Encode(cmd.chunk, nil)
		s.unflushed = !s.engine.Config().Streaming
	case cmdInit:
		s.unflushed = false
		err := s.engine.Init(cmd.config)
		if err == nil {
			s.mu.Lock()
			s.config = s.engine.Config()
			s.mu.Unlock()
		}
		cmd.reply <- result{err: err}
	case cmdData:
		s.unflushed = false
		s.takeData(cmd)
	case cmdClear:
		s.unflushed = false
		s.engine.Clear(cmd.force)
		cmd.reply <- result{}
	case cmdStartDetection:
		s.engine.StartDetection()
		cmd.reply <- result{}
	case cmdStopDetection:
		s.engine.StopDetection()
		cmd.reply <- result{}
	case cmdConfigureDetection:
		s.engine.ConfigureDetection(cmd.detection)
		cmd.reply <- result{}
	case cmdClose:
		if s.flushOnClose && s.unflushed {
			s.engine.RequestData(encoder.Request{Finish: true})
		}
		cmd.reply <- result{}
		return true
	default:
		s.logger.Error("Unknown session command", slog.String("command", cmd.kind.String()))
		if cmd.reply != nil {
			cmd.reply <- result{err: fmt.Errorf("unknown command %s", cmd.kind)}
		}
	}
	return false
}

// takeData asks the engine for data. With a context token the caller is
// answered with the payload carrying that token.
func (s *Session) takeData(cmd command) {
	token := cmd.request.Context
	s.lastErr = nil
	if token == "" {
		s.engine.RequestData(cmd.request)
		cmd.reply <- result{err: s.lastErr}
		return
	}

	s.replies[token] = cmd.reply
	s.engine.RequestData(cmd.request)

	if reply, ok := s.replies[token]; ok {
		delete(s.replies, token)
		err := ErrNoData
		if s.lastErr != nil {
			err = fmt.Errorf("%w: %w", ErrNoData, s.lastErr)
		}
		reply <- result{err: err}
	}
}

// handle receives engine messages on the worker goroutine
func (s *Session) handle(msg encoder.Message) {
	switch msg.Kind {
	case encoder.KindData:
		s.metrics.RecordPayload(string(msg.Data.ResultMode), msg.Data.MimeType, msg.Data.Payload.Len())
		if s.sink != nil {
			if err := s.sink.Write(s.ID, msg.Data); err != nil {
				s.logger.Error("Failed to write payload to sink", slog.String("error", err.Error()))
			}
		}
		if reply, ok := s.replies[msg.Data.Context]; ok && msg.Data.Context != "" {
			delete(s.replies, msg.Data.Context)
			reply <- result{data: msg.Data}
		}
	case encoder.KindDetection:
		s.metrics.RecordDetectionEvent(msg.Detection.String())
	case encoder.KindError:
		s.metrics.RecordEncoderError()
		s.lastErr = msg.Err
	}

	s.publish(msg)
}

// publish fans a message out to subscribers. Slow subscribers miss
// messages rather than stall the worker.
func (s *Session) publish(msg encoder.Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, ch := range s.subscribers {
		select {
		case ch <- msg:
		default:
			s.logger.Warn("Subscriber too slow, message dropped",
				slog.Int("subscriber", id),
				slog.String("kind", msg.Kind.String()),
			)
		}
	}
}

func (s *Session) failPending(err error) {
	for token, reply := range s.replies {
		delete(s.replies, token)
		reply <- result{err: err}
	}
}

// Subscribe returns a channel receiving every message the session emits
// from now on, and a function that cancels the subscription. Payload
// buffers are shared between subscribers and must not be modified.
func (s *Session) Subscribe(buffer int) (<-chan encoder.Message, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan encoder.Message, buffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(sub)
			}
		})
	}
}

func (s *Session) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
}

// Encode queues a chunk without blocking. It returns false when the chunk
// was dropped because the inbox is full or the session is closed.
func (s *Session) Encode(c audio.Chunk) bool {
	s.intake.RLock()
	defer s.intake.RUnlock()
	if s.stopped {
		return false
	}

	s.touch()

	select {
	case s.inbox <- command{kind: cmdAudio, chunk: c}:
		s.chunksQueued.Add(1)
		s.metrics.RecordChunkReceived()
		return true
	default:
		s.chunksDropped.Add(1)
		s.metrics.RecordChunkDropped("queue_full")
		s.logger.Warn("Session inbox full, chunk dropped",
			slog.Int("queue_capacity", cap(s.inbox)),
			slog.Int("samples", c.Len()),
		)
		return false
	}
}

// do queues a control command and waits for the worker to execute it
func (s *Session) do(ctx context.Context, cmd command) (result, error) {
	cmd.reply = make(chan result, 1)
	s.touch()

	select {
	case s.inbox <- cmd:
	case <-s.done:
		return result{}, ErrSessionClosed
	case <-ctx.Done():
		return result{}, ctx.Err()
	}

	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-s.done:
		// the worker may have answered right before exiting
		select {
		case res := <-cmd.reply:
			return res, res.err
		default:
		}
		return result{}, ErrSessionClosed
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// Init re-initializes the engine with cfg
func (s *Session) Init(ctx context.Context, cfg encoder.Config) error {
	_, err := s.do(ctx, command{kind: cmdInit, config: cfg})
	return err
}

// RequestData asks for the encoded data. The payload reaches subscribers
// and the sink; use TakeData to receive it directly.
func (s *Session) RequestData(ctx context.Context, req encoder.Request) error {
	_, err := s.do(ctx, command{kind: cmdData, request: req})
	return err
}

// TakeData requests the encoded data and waits for the payload. An empty
// context token is replaced by a fresh one.
func (s *Session) TakeData(ctx context.Context, req encoder.Request) (*encoder.Data, error) {
	if req.Context == "" {
		req.Context = uuid.NewString()
	}
	res, err := s.do(ctx, command{kind: cmdData, request: req})
	if err != nil {
		return nil, err
	}
	return res.data, nil
}

// Clear empties the session buffers
func (s *Session) Clear(ctx context.Context, force bool) error {
	_, err := s.do(ctx, command{kind: cmdClear, force: force})
	return err
}

// StartDetection starts voice activity detection
func (s *Session) StartDetection(ctx context.Context) error {
	_, err := s.do(ctx, command{kind: cmdStartDetection})
	return err
}

// StopDetection stops voice activity detection
func (s *Session) StopDetection(ctx context.Context) error {
	_, err := s.do(ctx, command{kind: cmdStopDetection})
	return err
}

// ConfigureDetection replaces the detector thresholds
func (s *Session) ConfigureDetection(ctx context.Context, cfg vad.Config) error {
	_, err := s.do(ctx, command{kind: cmdConfigureDetection, detection: cfg})
	return err
}

// Close stops the worker after everything queued so far was processed.
// With flush on close enabled the remaining data is emitted first.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		_, err = s.do(ctx, command{kind: cmdClose})
		if errors.Is(err, ErrSessionClosed) {
			err = nil
		}
		s.cancel()
		<-s.done
	})
	return err
}

// Done is closed once the worker has stopped
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Config returns the applied encoder configuration
func (s *Session) Config() encoder.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the last call into the session
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	ID            string              `json:"id"`
	StartTime     time.Time           `json:"start_time"`
	LastActivity  time.Time           `json:"last_activity"`
	Duration      time.Duration       `json:"duration"`
	Config        encoder.Config      `json:"config"`
	Detection     vad.DetectorStats   `json:"detection"`
	Engine        encoder.EngineStats `json:"engine"`
	QueueLength   int                 `json:"queue_length"`
	QueueCapacity int                 `json:"queue_capacity"`
	ChunksQueued  uint64              `json:"chunks_queued"`
	ChunksDropped uint64              `json:"chunks_dropped"`
	Subscribers   int                 `json:"subscribers"`
}

// GetSessionInfo returns session information. It is safe to call from any
// goroutine.
func (s *Session) GetSessionInfo() SessionInfo {
	s.mu.RLock()
	lastActivity := s.lastActivity
	config := s.config
	subscribers := len(s.subscribers)
	s.mu.RUnlock()

	return SessionInfo{
		ID:            s.ID,
		StartTime:     s.StartTime,
		LastActivity:  lastActivity,
		Duration:      time.Since(s.StartTime),
		Config:        config,
		Detection:     s.engine.Detector().GetStats(),
		Engine:        s.engine.Stats(),
		QueueLength:   len(s.inbox),
		QueueCapacity: cap(s.inbox),
		ChunksQueued:  s.chunksQueued.Load(),
		ChunksDropped: s.chunksDropped.Load(),
		Subscribers:   subscribers,
	}
}
