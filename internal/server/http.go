package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/audio-encoder-service/internal/audio"
	"github.com/skypro1111/audio-encoder-service/internal/config"
	"github.com/skypro1111/audio-encoder-service/internal/encoder"
	"github.com/skypro1111/audio-encoder-service/internal/metrics"
	"github.com/skypro1111/audio-encoder-service/internal/protocol"
	"github.com/skypro1111/audio-encoder-service/internal/sink"
	"github.com/skypro1111/audio-encoder-service/internal/stream"
)

const (
	maxBodySize     = 32 << 20
	dataTimeout     = 10 * time.Second
	serviceName     = "audio-encoder-service"
	serviceVersion  = "1.0.0"
	headerMode      = "X-Result-Mode"
	headerContext   = "X-Context"
	headerFinish    = "X-Finish"
	headerStreaming = "X-Streaming"
)

// HTTPServer provides HTTP API endpoints for sessions, monitoring and
// management
type HTTPServer struct {
	server    *http.Server
	handler   http.Handler
	logger    *slog.Logger
	config    *config.Config
	streamMgr *stream.Manager
	udpServer *UDPServer // nil when UDP ingest is disabled
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	output    *sink.Dir
	webhook   *sink.Webhook

	startTime time.Time
}

// HTTPOption configures an HTTPServer
type HTTPOption func(*HTTPServer)

// WithGatherer serves /metrics from gatherer instead of the default registry
func WithGatherer(g prometheus.Gatherer) HTTPOption {
	return func(h *HTTPServer) {
		h.gatherer = g
	}
}

// WithOutput reports the payload sink in /stats
func WithOutput(d *sink.Dir) HTTPOption {
	return func(h *HTTPServer) {
		h.output = d
	}
}

// WithWebhook reports payload uploads in /stats
func WithWebhook(w *sink.Webhook) HTTPOption {
	return func(h *HTTPServer) {
		h.webhook = w
	}
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	streamMgr *stream.Manager, udpServer *UDPServer, m *metrics.Metrics, opts ...HTTPOption) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		streamMgr: streamMgr,
		udpServer: udpServer,
		metrics:   m,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	// No WriteTimeout: data requests and websocket streams outlive it
	h.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return h
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	route := func(pattern string, handler http.HandlerFunc) {
		mux.HandleFunc(pattern, h.withMetrics(pattern, handler))
	}

	route("GET /{$}", h.handleRoot)
	route("GET /health", h.handleHealth)
	route("GET /config", h.handleConfig)
	route("GET /stats", h.handleStats)

	route("GET /sessions", h.handleSessions)
	route("POST /sessions", h.handleCreateSession)
	route("GET /sessions/{id}", h.handleSessionDetail)
	route("DELETE /sessions/{id}", h.handleDeleteSession)
	route("POST /sessions/{id}/audio", h.handleAudio)
	route("POST /sessions/{id}/data", h.handleData)
	route("POST /sessions/{id}/control", h.handleControl)
	route("GET /sessions/{id}/stream", h.handleStream)

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Capture the status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades through the wrapper
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// errorStatus maps session errors to HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, stream.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, stream.ErrInvalidSessionID):
		return http.StatusBadRequest
	case errors.Is(err, stream.ErrTooManySessions):
		return http.StatusServiceUnavailable
	case errors.Is(err, stream.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, encoder.ErrUnknownCodec):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// session resolves the {id} path value
func (h *HTTPServer) session(w http.ResponseWriter, r *http.Request) (*stream.Session, bool) {
	session, exists := h.streamMgr.GetSession(r.PathValue("id"))
	if !exists {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return session, true
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": map[string]string{
			"GET /":                       "API documentation",
			"GET /health":                 "Service health check",
			"GET /config":                 "Get service configuration",
			"GET /stats":                  "Get service statistics",
			"GET /metrics":                "Prometheus metrics",
			"GET /sessions":               "List all active sessions",
			"POST /sessions":              "Create a session",
			"GET /sessions/{id}":          "Get detailed session information",
			"DELETE /sessions/{id}":       "Close a session",
			"POST /sessions/{id}/audio":   "Queue audio (audio/wav or stream frame)",
			"POST /sessions/{id}/data":    "Request encoded data and wait for it",
			"POST /sessions/{id}/control": "Run a control command",
			"GET /sessions/{id}/stream":   "Websocket audio in, events out",
		},
		"timestamp": time.Now().UTC(),
	})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]any{
		"stream_manager": map[string]any{
			"status":          "running",
			"active_sessions": h.streamMgr.GetActiveSessionCount(),
		},
	}
	if h.udpServer != nil {
		udpStats := h.udpServer.GetStatistics()
		components["udp_server"] = map[string]any{
			"status":            "running",
			"packets_received":  udpStats.PacketsReceived,
			"packets_processed": udpStats.PacketsProcessed,
			"parse_errors":      udpStats.ParseErrors,
			"queue_size":        udpStats.QueueSize,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	})
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"server": map[string]any{
			"enabled":      h.config.Server.Enabled,
			"udp_port":     h.config.Server.UDPPort,
			"bind_address": h.config.Server.BindAddress,
			"buffer_size":  h.config.Server.BufferSize,
			"workers":      h.config.Server.Workers,
			"queue_size":   h.config.Server.QueueSize,
		},
		"encoder": h.config.Encoder,
		"vad": map[string]any{
			"enabled":  h.config.VAD.Enabled,
			"settings": h.config.VAD.Detection(h.logger),
		},
		"session": map[string]any{
			"timeout":        h.config.Session.Timeout,
			"queue_size":     h.config.Session.QueueSize,
			"max_sessions":   h.config.Session.MaxSessions,
			"flush_on_close": h.config.Session.FlushOnClose,
		},
		"output": map[string]any{
			"directory":        h.config.Output.Directory,
			"skip_empty":       h.config.Output.SkipEmpty,
			"webhook_endpoint": h.config.Output.Webhook.Endpoint,
		},
		"logging": map[string]any{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]any{
			"active_count": h.streamMgr.GetActiveSessionCount(),
		},
	}
	if h.udpServer != nil {
		stats["udp"] = h.udpServer.GetStatistics()
	}
	if h.output != nil {
		stats["output"] = h.output.GetStats()
	}
	if h.webhook != nil {
		stats["webhook"] = h.webhook.GetStats()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleSessions implements GET /sessions
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.streamMgr.GetAllSessions()
	infos := make([]stream.SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.GetSessionInfo())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	})
}

// handleCreateSession implements POST /sessions. An empty body creates a
// session with the default settings.
func (h *HTTPServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req stream.SessionRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid session request: %v", err))
			return
		}
	}

	session, err := h.streamMgr.CreateSession(req)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, session.GetSessionInfo())
}

// handleSessionDetail implements GET /sessions/{id}
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, session.GetSessionInfo())
}

// handleDeleteSession implements DELETE /sessions/{id}
func (h *HTTPServer) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !h.streamMgr.RemoveSession(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAudio implements POST /sessions/{id}/audio. The body is either a
// WAV file or a stream frame; it is cut into frames of the session buffer
// size before queueing.
func (h *HTTPServer) handleAudio(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var chunk audio.Chunk
	switch mediaType {
	case "audio/wav", "audio/wave", "audio/x-wav":
		info, c, err := audio.DecodeWAV(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid WAV: %v", err))
			return
		}
		if cfg := session.Config(); int(info.SampleRate) != cfg.SampleRate {
			h.logger.Warn("WAV sample rate differs from session",
				slog.String("session_id", session.ID),
				slog.Int("wav_rate", int(info.SampleRate)),
				slog.Int("session_rate", cfg.SampleRate),
			)
		}
		chunk = c
	default:
		c, err := protocol.DecodeFrame(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid frame: %v", err))
			return
		}
		chunk = c
	}

	res, err := feed(session, chunk, h.logger)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id":       session.ID,
		"samples":          chunk.Len(),
		"queued":           res.Queued,
		"dropped":          res.Dropped,
		"dropped_channels": res.DroppedChannels,
	})
}

// handleData implements POST /sessions/{id}/data. The payload is the
// response body; the request body optionally carries an encoder.Request.
func (h *HTTPServer) handleData(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	var req encoder.Request
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid data request: %v", err))
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), dataTimeout)
	defer cancel()

	data, err := session.TakeData(ctx, req)
	if errors.Is(err, stream.ErrNoData) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	mimeType := data.MimeType
	if data.ResultMode == encoder.ResultRecordingBuffers || mimeType == "" {
		mimeType = "application/octet-stream"
	}
	payload := data.Payload.Bytes()

	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.Header().Set(headerMode, string(data.ResultMode))
	w.Header().Set(headerContext, data.Context)
	w.Header().Set(headerFinish, strconv.FormatBool(data.Finish))
	w.Header().Set(headerStreaming, strconv.FormatBool(data.Streaming))
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// handleControl implements POST /sessions/{id}/control
func (h *HTTPServer) handleControl(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	ctl, err := protocol.ParseControl(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := r.PathValue("id")
	if ctl.Command != protocol.CommandInit {
		if _, exists := h.streamMgr.GetSession(id); !exists {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), controlTimeout)
	defer cancel()

	if err := applyControl(ctx, h.streamMgr, id, ctl, h.logger); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"command":    ctl.Command,
		"status":     "ok",
	})
}
