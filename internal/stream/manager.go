package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/audio-encoder-service/internal/encoder"
	"github.com/skypro1111/audio-encoder-service/internal/metrics"
	"github.com/skypro1111/audio-encoder-service/internal/vad"
)

const (
	DefaultQueueSize       = 64
	DefaultCleanupInterval = 30 * time.Second
	closeTimeout           = 5 * time.Second
)

// ManagerConfig contains configuration for the stream manager
type ManagerConfig struct {
	Encoder          encoder.Config
	Detection        vad.Config
	DetectionEnabled bool
	QueueSize        int
	Timeout          time.Duration // idle sessions are removed, 0 disables
	MaxSessions      int           // 0 means unlimited
	FlushOnClose     bool
	CleanupInterval  time.Duration
}

// SessionRequest describes a session to create. Nil fields take the
// manager defaults.
type SessionRequest struct {
	ID               string          `json:"id,omitempty"`
	Encoder          *encoder.Config `json:"encoder,omitempty"`
	Detection        *vad.Config     `json:"detection,omitempty"`
	DetectionEnabled *bool           `json:"detection_enabled,omitempty"`
}

// Manager manages all active encoding sessions
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	registry *encoder.Registry
	config   ManagerConfig
	metrics  *metrics.Metrics
	sink     Sink

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// Option configures a Manager
type Option func(*Manager)

// WithMetrics records session metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// WithSink hands every data payload to sink
func WithSink(sink Sink) Option {
	return func(mgr *Manager) {
		mgr.sink = sink
	}
}

// NewManager creates a new session manager and starts its cleanup routine
func NewManager(logger *slog.Logger, registry *encoder.Registry, config ManagerConfig, opts ...Option) *Manager {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultCleanupInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
		registry: registry,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(mgr)
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// Defaults returns the encoder configuration new sessions start from
func (m *Manager) Defaults() encoder.Config {
	return m.config.Encoder
}

// CreateSession creates a session. Creating an existing id returns the
// existing session.
func (m *Manager) CreateSession(req SessionRequest) (*Session, error) {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidSessionID, id, err)
	}

	cfg := m.config.Encoder
	if req.Encoder != nil {
		cfg = *req.Encoder
	}
	if cfg.Codec == "" {
		cfg.Codec = encoder.DefaultCodec
	}
	detection := m.config.Detection
	if req.Detection != nil {
		detection = req.Detection.Normalize(m.logger)
	}
	detect := m.config.DetectionEnabled
	if req.DetectionEnabled != nil {
		detect = *req.DetectionEnabled
	}

	factory, err := m.registry.Lookup(cfg.Codec)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.sessions[id]; exists {
		m.logger.Warn("Session already exists", slog.String("session_id", id))
		return existing, nil
	}
	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManySessions, m.config.MaxSessions)
	}

	session, err := newSession(m.ctx, sessionParams{
		id:           id,
		factory:      factory,
		config:       cfg,
		detection:    detection,
		detect:       detect,
		queueSize:    m.config.QueueSize,
		flushOnClose: m.config.FlushOnClose,
		logger:       m.logger,
		metrics:      m.metrics,
		sink:         m.sink,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session %s: %w", id, err)
	}

	m.sessions[id] = session
	m.metrics.RecordSessionCreated()
	m.metrics.SetActiveSessions(len(m.sessions))

	applied := session.Config()
	m.logger.Info("Created new encoding session",
		slog.String("session_id", id),
		slog.String("codec", applied.Codec),
		slog.String("mime_type", applied.MimeType),
		slog.Int("sample_rate", applied.SampleRate),
		slog.Int("channels", applied.Channels),
		slog.Bool("detection", detect),
	)

	return session, nil
}

// GetSession retrieves an existing session
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	return session, exists
}

// GetOrCreateSession returns the session with id, creating it with the
// manager defaults when it does not exist.
func (m *Manager) GetOrCreateSession(id string) (*Session, error) {
	if session, ok := m.GetSession(id); ok {
		return session, nil
	}
	return m.CreateSession(SessionRequest{ID: id})
}

// GetActiveSessionCount returns the number of currently active sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns a snapshot of all active sessions
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}

	return sessions
}

// RemoveSession closes a session and forgets it
func (m *Manager) RemoveSession(id string) bool {
	m.mu.Lock()
	session, exists := m.sessions[id]
	if exists {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !exists {
		return false
	}

	m.closeSession(session)
	m.metrics.SetActiveSessions(count)

	return true
}

func (m *Manager) closeSession(session *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if err := session.Close(ctx); err != nil {
		m.logger.Warn("Session did not close cleanly",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
	}

	if f, ok := m.sink.(interface{ Forget(string) }); ok {
		f.Forget(session.ID)
	}

	duration := time.Since(session.StartTime)
	m.metrics.RecordSessionDestroyed(duration.Seconds())

	stats := session.engine.Stats()
	m.logger.Info("Session removed",
		slog.String("session_id", session.ID),
		slog.Duration("duration", duration),
		slog.Uint64("chunks_in", stats.ChunksIn),
		slog.Uint64("chunks_dropped", stats.ChunksDropped+session.chunksDropped.Load()),
		slog.Uint64("payloads", stats.Payloads),
	)
}

// Stop closes every session and stops the cleanup routine
func (m *Manager) Stop() {
	m.logger.Info("Stopping stream manager...")

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, session := range m.sessions {
		sessions = append(sessions, session)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, session := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			m.closeSession(s)
		}(session)
	}
	wg.Wait()
	m.metrics.SetActiveSessions(0)

	// Cancel context to stop cleanup routine
	m.cancel()

	// Wait for cleanup routine to finish
	<-m.cleanup

	m.logger.Info("Stream manager stopped", slog.Int("closed_sessions", len(sessions)))
}

// startCleanupRoutine runs in a separate goroutine to clean up expired sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Debug("Session cleanup routine started",
		slog.Duration("timeout", m.config.Timeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions removes sessions that have been inactive for too long
func (m *Manager) cleanupExpiredSessions() {
	if m.config.Timeout <= 0 {
		return
	}

	now := time.Now()
	expired := make([]string, 0)

	m.mu.RLock()
	for id, session := range m.sessions {
		if now.Sub(session.LastActivity()) > m.config.Timeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info("Cleaning up expired sessions", slog.Int("expired_count", len(expired)))
		for _, id := range expired {
			m.RemoveSession(id)
		}
	}
}
