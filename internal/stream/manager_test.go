package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skypro1111/audio-encoder-service/internal/audio"
	"github.com/skypro1111/audio-encoder-service/internal/encoder"
	"github.com/skypro1111/audio-encoder-service/internal/encoder/wav"
	"github.com/skypro1111/audio-encoder-service/internal/metrics"
	"github.com/skypro1111/audio-encoder-service/internal/vad"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testManagerConfig() ManagerConfig {
	enc := encoder.DefaultConfig()
	enc.SampleRate = 8000
	return ManagerConfig{
		Encoder:   enc,
		Detection: vad.DefaultConfig(),
		QueueSize: 32,
		Timeout:   time.Minute,
	}
}

func newTestManager(t *testing.T, config ManagerConfig, opts ...Option) *Manager {
	t.Helper()
	registry := encoder.NewRegistry()
	if err := wav.Register(registry); err != nil {
		t.Fatalf("Failed to register wav codec: %v", err)
	}
	mgr := NewManager(testLogger(), registry, config, opts...)
	t.Cleanup(mgr.Stop)
	return mgr
}

func constChunk(value float32, n int) audio.Chunk {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = value
	}
	return audio.Mono(samples)
}

type memorySink struct {
	mu     sync.Mutex
	writes []*encoder.Data
	ids    []string
}

func (s *memorySink) Write(sessionID string, data *encoder.Data) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, sessionID)
	s.writes = append(s.writes, data)
	return nil
}

func (s *memorySink) snapshot() ([]string, []*encoder.Data) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...), append([]*encoder.Data(nil), s.writes...)
}

func TestNewManager(t *testing.T) {
	mgr := newTestManager(t, ManagerConfig{})

	if mgr.config.QueueSize != DefaultQueueSize {
		t.Errorf("Expected queue size %d, got %d", DefaultQueueSize, mgr.config.QueueSize)
	}
	if mgr.config.CleanupInterval != DefaultCleanupInterval {
		t.Errorf("Expected cleanup interval %v, got %v", DefaultCleanupInterval, mgr.config.CleanupInterval)
	}
	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected 0 active sessions, got %d", mgr.GetActiveSessionCount())
	}
}

func TestCreateSession(t *testing.T) {
	mgr := newTestManager(t, testManagerConfig())

	session, err := mgr.CreateSession(SessionRequest{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := uuid.Parse(session.ID); err != nil {
		t.Errorf("Expected generated uuid, got %q", session.ID)
	}

	cfg := session.Config()
	if cfg.Codec != wav.Name {
		t.Errorf("Expected codec %s, got %s", wav.Name, cfg.Codec)
	}
	if cfg.MimeType != wav.MimeWAV {
		t.Errorf("Expected mime type %s, got %s", wav.MimeWAV, cfg.MimeType)
	}
	if cfg.SampleRate != 8000 {
		t.Errorf("Expected sample rate 8000, got %d", cfg.SampleRate)
	}

	got, ok := mgr.GetSession(session.ID)
	if !ok || got != session {
		t.Error("GetSession did not return the created session")
	}

	again, err := mgr.CreateSession(SessionRequest{ID: session.ID})
	if err != nil {
		t.Fatalf("CreateSession with existing id failed: %v", err)
	}
	if again != session {
		t.Error("Expected existing session for duplicate id")
	}
	if mgr.GetActiveSessionCount() != 1 {
		t.Errorf("Expected 1 active session, got %d", mgr.GetActiveSessionCount())
	}
}

func TestCreateSessionErrors(t *testing.T) {
	tests := []struct {
		name    string
		request SessionRequest
		target  error
	}{
		{
			name:    "invalid id",
			request: SessionRequest{ID: "not-a-uuid"},
			target:  ErrInvalidSessionID,
		},
		{
			name:    "unknown codec",
			request: SessionRequest{Encoder: &encoder.Config{Codec: "opus"}},
			target:  encoder.ErrUnknownCodec,
		},
	}

	mgr := newTestManager(t, testManagerConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mgr.CreateSession(tt.request)
			if !errors.Is(err, tt.target) {
				t.Errorf("Expected %v, got %v", tt.target, err)
			}
		})
	}
}

func TestMaxSessions(t *testing.T) {
	config := testManagerConfig()
	config.MaxSessions = 1
	mgr := newTestManager(t, config)

	if _, err := mgr.CreateSession(SessionRequest{}); err != nil {
		t.Fatalf("First session failed: %v", err)
	}
	if _, err := mgr.CreateSession(SessionRequest{}); !errors.Is(err, ErrTooManySessions) {
		t.Errorf("Expected ErrTooManySessions, got %v", err)
	}
}

func TestTakeDataKeepsOrder(t *testing.T) {
	mgr := newTestManager(t, testManagerConfig())
	session, err := mgr.CreateSession(SessionRequest{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if !session.Encode(constChunk(0.05, 100)) {
			t.Fatalf("Chunk %d dropped", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := session.TakeData(ctx, encoder.Request{})
	if err != nil {
		t.Fatalf("TakeData failed: %v", err)
	}
	if data.Context == "" {
		t.Error("Expected generated context token")
	}
	if data.ResultMode != encoder.ResultBlob {
		t.Errorf("Expected blob result, got %s", data.ResultMode)
	}
	// 16-bit mono, 300 samples behind a 44 byte header
	if len(data.Payload.Blob) != audio.WAVHeaderSize+600 {
		t.Errorf("Expected %d bytes, got %d", audio.WAVHeaderSize+600, len(data.Payload.Blob))
	}

	info := session.GetSessionInfo()
	if info.ChunksQueued != 3 {
		t.Errorf("Expected 3 queued chunks, got %d", info.ChunksQueued)
	}
	if info.Engine.ChunksIn != 3 {
		t.Errorf("Expected 3 chunks in, got %d", info.Engine.ChunksIn)
	}
}

func TestTakeDataEchoesContext(t *testing.T) {
	mgr := newTestManager(t, testManagerConfig())
	session, err := mgr.CreateSession(SessionRequest{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	session.Encode(constChunk(0.05, 10))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := session.TakeData(ctx, encoder.Request{Context: "req-7", ResultMode: encoder.ResultRaw})
	if err != nil {
		t.Fatalf("TakeData failed: %v", err)
	}
	if data.Context != "req-7" {
		t.Errorf("Expected context req-7, got %s", data.Context)
	}
	if len(data.Payload.Raw) != 2 {
		t.Errorf("Expected header and one data buffer, got %d buffers", len(data.Payload.Raw))
	}
}

func TestSubscribeDetectionEvents(t *testing.T) {
	config := testManagerConfig()
	config.DetectionEnabled = true
	mgr := newTestManager(t, config)

	session, err := mgr.CreateSession(SessionRequest{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	events, unsubscribe := session.Subscribe(64)
	defer unsubscribe()

	for i := 0; i < 3; i++ {
		session.Encode(constChunk(0.5, 20))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := session.StopDetection(ctx); err != nil {
		t.Fatalf("StopDetection failed: %v", err)
	}

	var got []vad.Event
	for len(got) == 0 || got[len(got)-1] != vad.EventDetectionEnd {
		select {
		case msg := <-events:
			if msg.Kind != encoder.KindDetection {
				continue
			}
			switch msg.Detection {
			case vad.EventSoundStart, vad.EventSoundEnd, vad.EventDetectionEnd:
				got = append(got, msg.Detection)
			}
		case <-ctx.Done():
			t.Fatalf("Timed out waiting for events, got %v", got)
		}
	}

	expected := []vad.Event{vad.EventSoundStart, vad.EventSoundEnd, vad.EventDetectionEnd}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("Expected %v, got %v", expected, got)
	}
}

func TestStreamingPublishesData(t *testing.T) {
	config := testManagerConfig()
	config.Encoder.Streaming = true
	config.Encoder.MimeType = "audio/l16"
	mgr := newTestManager(t, config)

	session, err := mgr.CreateSession(SessionRequest{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	events, unsubscribe := session.Subscribe(16)
	defer unsubscribe()

	session.Encode(constChunk(0.25, 40))

	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-events:
			if msg.Kind != encoder.KindData {
				continue
			}
			if msg.Data.Payload.Len() != 80 {
				t.Errorf("Expected 80 bytes of linear PCM, got %d", msg.Data.Payload.Len())
			}
			return
		case <-timeout:
			t.Fatal("Timed out waiting for streamed data")
		}
	}
}

func TestSessionInitAppliesConfig(t *testing.T) {
	mgr := newTestManager(t, testManagerConfig())
	session, err := mgr.CreateSession(SessionRequest{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	cfg := session.Config()
	cfg.SampleRate = 16000
	cfg.Channels = 2

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := session.Init(ctx, cfg); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	applied := session.Config()
	if applied.SampleRate != 16000 || applied.Channels != 2 {
		t.Errorf("Expected 16000 Hz stereo, got %d Hz %d channels", applied.SampleRate, applied.Channels)
	}
}

func TestRemoveSessionFlushesToSink(t *testing.T) {
	config := testManagerConfig()
	config.FlushOnClose = true
	sink := &memorySink{}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	mgr := newTestManager(t, config, WithSink(sink), WithMetrics(m))

	session, err := mgr.CreateSession(SessionRequest{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	session.Encode(constChunk(0.1, 50))
	session.Encode(constChunk(0.1, 50))

	if !mgr.RemoveSession(session.ID) {
		t.Fatal("RemoveSession returned false")
	}
	if mgr.RemoveSession(session.ID) {
		t.Error("Second RemoveSession should return false")
	}

	ids, writes := sink.snapshot()
	if len(writes) != 1 {
		t.Fatalf("Expected 1 sink write, got %d", len(writes))
	}
	if ids[0] != session.ID {
		t.Errorf("Expected session id %s, got %s", session.ID, ids[0])
	}
	if !writes[0].Finish {
		t.Error("Expected final payload to be marked finished")
	}
	if len(writes[0].Payload.Blob) != audio.WAVHeaderSize+200 {
		t.Errorf("Expected %d bytes, got %d", audio.WAVHeaderSize+200, len(writes[0].Payload.Blob))
	}

	if session.Encode(constChunk(0.1, 10)) {
		t.Error("Encode on closed session should report a drop")
	}
	if _, err := session.TakeData(context.Background(), encoder.Request{}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}

	if got := testutil.ToFloat64(m.SessionsDestroyed); got != 1 {
		t.Errorf("Expected 1 destroyed session, got %v", got)
	}
	if got := testutil.ToFloat64(m.ChunksReceived); got != 2 {
		t.Errorf("Expected 2 received chunks, got %v", got)
	}
}

// blockingSink holds the worker inside Write until released
type blockingSink struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSink) Write(string, *encoder.Data) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return nil
}

func TestChunksQueuedBehindCloseCountAsDropped(t *testing.T) {
	sink := &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	mgr := newTestManager(t, testManagerConfig(), WithSink(sink), WithMetrics(m))

	session, err := mgr.CreateSession(SessionRequest{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	session.Encode(constChunk(0.1, 50))
	go session.RequestData(context.Background(), encoder.Request{})

	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Worker never reached the sink")
	}

	closed := make(chan error, 1)
	go func() { closed <- session.Close(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(session.inbox) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Close command was not queued")
		}
		time.Sleep(time.Millisecond)
	}

	if !session.Encode(constChunk(0.1, 50)) {
		t.Fatal("Expected chunk behind close to be accepted")
	}
	close(sink.release)

	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	if session.Encode(constChunk(0.1, 50)) {
		t.Error("Encode after close should report a drop")
	}
	info := session.GetSessionInfo()
	if info.ChunksDropped != 1 {
		t.Errorf("Expected 1 dropped chunk, got %d", info.ChunksDropped)
	}
	if info.QueueLength != 0 {
		t.Errorf("Expected empty inbox, got %d", info.QueueLength)
	}
	if got := testutil.ToFloat64(m.ChunksDropped.WithLabelValues("session_closed")); got != 1 {
		t.Errorf("Expected 1 session_closed drop, got %v", got)
	}
}

func TestCloseWithoutAudioSkipsFlush(t *testing.T) {
	config := testManagerConfig()
	config.FlushOnClose = true
	sink := &memorySink{}
	mgr := newTestManager(t, config, WithSink(sink))

	session, err := mgr.CreateSession(SessionRequest{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	mgr.RemoveSession(session.ID)

	if _, writes := sink.snapshot(); len(writes) != 0 {
		t.Errorf("Expected no sink writes, got %d", len(writes))
	}
}

func TestSubscriptionClosedWithSession(t *testing.T) {
	mgr := newTestManager(t, testManagerConfig())
	session, err := mgr.CreateSession(SessionRequest{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	events, unsubscribe := session.Subscribe(4)
	defer unsubscribe()

	mgr.RemoveSession(session.ID)

	select {
	case _, ok := <-events:
		for ok {
			_, ok = <-events
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Subscription channel was not closed")
	}

	late, _ := session.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("Expected closed channel for subscription after close")
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	config := testManagerConfig()
	config.Timeout = 20 * time.Millisecond
	config.CleanupInterval = 10 * time.Millisecond
	mgr := newTestManager(t, config)

	if _, err := mgr.CreateSession(SessionRequest{}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for mgr.GetActiveSessionCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("Expired session was not removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGetOrCreateSession(t *testing.T) {
	mgr := newTestManager(t, testManagerConfig())
	id := uuid.NewString()

	first, err := mgr.GetOrCreateSession(id)
	if err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	second, err := mgr.GetOrCreateSession(id)
	if err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	if first != second {
		t.Error("Expected the same session for the same id")
	}
	if len(mgr.GetAllSessions()) != 1 {
		t.Errorf("Expected 1 session, got %d", len(mgr.GetAllSessions()))
	}
}
