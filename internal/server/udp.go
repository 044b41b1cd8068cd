package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/skypro1111/audio-encoder-service/internal/config"
	"github.com/skypro1111/audio-encoder-service/internal/metrics"
	"github.com/skypro1111/audio-encoder-service/internal/protocol"
	"github.com/skypro1111/audio-encoder-service/internal/stream"
)

const controlTimeout = 5 * time.Second

// UDPServer receives audio and control packets. Packets of one session
// always land on the same worker, so they are applied in arrival order.
type UDPServer struct {
	conn      *net.UDPConn
	config    *config.ServerConfig
	logger    *slog.Logger
	streamMgr *stream.Manager
	metrics   *metrics.Metrics

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Packet processing, one queue per worker
	queues []chan *incomingPacket

	packetsReceived  uint64
	packetsProcessed uint64
	packetsDropped   uint64
	parseErrors      uint64
	controlErrors    uint64
	mu               sync.RWMutex
}

// incomingPacket represents a received UDP packet with metadata
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
	timestamp  time.Time
}

// NewUDPServer creates a new UDP server instance
func NewUDPServer(cfg *config.ServerConfig, logger *slog.Logger, streamMgr *stream.Manager, m *metrics.Metrics) *UDPServer {
	ctx, cancel := context.WithCancel(context.Background())

	workers := max(cfg.Workers, 1)
	queueSize := max(cfg.QueueSize, 1)
	queues := make([]chan *incomingPacket, workers)
	for i := range queues {
		queues[i] = make(chan *incomingPacket, queueSize)
	}

	return &UDPServer{
		config:    cfg,
		logger:    logger,
		streamMgr: streamMgr,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		queues:    queues,
	}
}

// Start begins listening for UDP packets
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.UDPPort))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	s.conn = conn

	if err := s.conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("UDP server started",
		slog.String("address", s.conn.LocalAddr().String()),
		slog.Int("buffer_size", s.config.BufferSize),
		slog.Int("workers", len(s.queues)),
	)

	for i := range s.queues {
		s.wg.Add(1)
		go s.packetProcessor(i)
	}

	s.wg.Add(1)
	go s.receiveLoop()

	return nil
}

// Addr returns the bound address, nil before Start
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop gracefully stops the UDP server. Queued packets are processed
// before the workers exit.
func (s *UDPServer) Stop() error {
	s.logger.Info("Stopping UDP server...")

	s.cancel()

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
		}
	}

	s.wg.Wait()

	stats := s.GetStatistics()
	s.logger.Info("UDP server stopped",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("packets_dropped", stats.PacketsDropped),
		slog.Uint64("parse_errors", stats.ParseErrors),
	)

	return nil
}

// receiveLoop is the main packet receiving loop. It owns the worker queues
// and closes them on exit.
func (s *UDPServer) receiveLoop() {
	defer s.wg.Done()
	defer func() {
		for _, q := range s.queues {
			close(q)
		}
	}()

	buffer := make([]byte, protocol.MaxPacketSize)

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("Receive loop stopping due to context cancellation")
			return
		default:
		}

		// Read deadline lets the loop notice cancellation
		if err := s.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			select {
			case <-s.ctx.Done():
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
				continue
			}
		}

		s.mu.Lock()
		s.packetsReceived++
		s.mu.Unlock()
		s.metrics.RecordPacketReceived()

		header, err := protocol.ParseHeader(buffer[:n])
		if err != nil {
			s.recordParseError(remoteAddr, n, err)
			continue
		}

		// Buffer is reused by the next read
		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		packet := &incomingPacket{
			data:       packetData,
			remoteAddr: remoteAddr,
			timestamp:  time.Now(),
		}

		queue := s.queues[xxhash.Sum64(header.SessionID[:])%uint64(len(s.queues))]
		select {
		case queue <- packet:
			s.metrics.SetQueueSize(s.queueLength())
		default:
			s.mu.Lock()
			s.packetsDropped++
			s.mu.Unlock()
			s.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.String("session_id", header.SessionID.String()),
				slog.Int("packet_size", n),
			)
		}
	}
}

// packetProcessor processes packets from one worker queue
func (s *UDPServer) packetProcessor(workerID int) {
	defer s.wg.Done()

	s.logger.Debug("Packet processor started", slog.Int("worker_id", workerID))

	for packet := range s.queues[workerID] {
		s.handlePacket(packet, workerID)
	}

	s.logger.Debug("Packet processor stopped", slog.Int("worker_id", workerID))
}

// handlePacket processes a single incoming packet
func (s *UDPServer) handlePacket(packet *incomingPacket, workerID int) {
	parsed, err := protocol.ParsePacket(packet.data)
	if err != nil {
		s.recordParseError(packet.remoteAddr, len(packet.data), err)
		return
	}

	s.mu.Lock()
	s.packetsProcessed++
	s.mu.Unlock()
	s.metrics.RecordPacketProcessed()

	switch parsed.Header.PacketType {
	case protocol.PacketTypeControl:
		s.processControlPacket(parsed.Header, parsed.Control, workerID)
	case protocol.PacketTypeAudio:
		s.processAudioPacket(parsed, workerID)
	}
}

// processControlPacket applies a command to its session
func (s *UDPServer) processControlPacket(header *protocol.Header, ctl *protocol.Control, workerID int) {
	id := header.SessionID.String()

	s.logger.Debug("Processing control packet",
		slog.String("session_id", id),
		slog.String("command", ctl.Command),
		slog.Int("worker_id", workerID),
	)

	ctx, cancel := context.WithTimeout(s.ctx, controlTimeout)
	defer cancel()

	if err := applyControl(ctx, s.streamMgr, id, ctl, s.logger); err != nil {
		s.mu.Lock()
		s.controlErrors++
		s.mu.Unlock()
		s.logger.Error("Failed to apply control command",
			slog.String("session_id", id),
			slog.String("command", ctl.Command),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
	}
}

// processAudioPacket queues the chunk on its session, creating the session
// with the default settings on first audio.
func (s *UDPServer) processAudioPacket(packet *protocol.Packet, workerID int) {
	id := packet.Header.SessionID.String()

	session, err := s.streamMgr.GetOrCreateSession(id)
	if err != nil {
		s.metrics.RecordChunkDropped("no_session")
		s.logger.Error("Failed to get session for audio packet",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
		return
	}

	session.Encode(packet.Chunk)
}

func (s *UDPServer) recordParseError(remoteAddr *net.UDPAddr, size int, err error) {
	s.mu.Lock()
	s.parseErrors++
	s.mu.Unlock()
	s.metrics.RecordParseError()

	s.logger.Error("Failed to parse packet",
		slog.String("remote_addr", remoteAddr.String()),
		slog.Int("packet_size", size),
		slog.String("error", err.Error()),
	)
}

func (s *UDPServer) queueLength() int {
	total := 0
	for _, q := range s.queues {
		total += len(q)
	}
	return total
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	capacity := 0
	for _, q := range s.queues {
		capacity += cap(q)
	}

	return ServerStatistics{
		PacketsReceived:  s.packetsReceived,
		PacketsProcessed: s.packetsProcessed,
		PacketsDropped:   s.packetsDropped,
		ParseErrors:      s.parseErrors,
		ControlErrors:    s.controlErrors,
		ActiveSessions:   uint64(s.streamMgr.GetActiveSessionCount()),
		Workers:          len(s.queues),
		QueueSize:        uint64(s.queueLength()),
		QueueCapacity:    uint64(capacity),
	}
}

// ServerStatistics represents server performance metrics
type ServerStatistics struct {
	PacketsReceived  uint64 `json:"packets_received"`
	PacketsProcessed uint64 `json:"packets_processed"`
	PacketsDropped   uint64 `json:"packets_dropped"`
	ParseErrors      uint64 `json:"parse_errors"`
	ControlErrors    uint64 `json:"control_errors"`
	ActiveSessions   uint64 `json:"active_sessions"`
	Workers          int    `json:"workers"`
	QueueSize        uint64 `json:"queue_size"`
	QueueCapacity    uint64 `json:"queue_capacity"`
}
