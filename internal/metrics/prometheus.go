package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the audio encoder service.
// Every Record/Set method is a no-op on a nil *Metrics.
type Metrics struct {
	// UDP packet metrics
	PacketsReceived  prometheus.Counter
	PacketsProcessed prometheus.Counter
	ParseErrors      prometheus.Counter
	QueueSize        prometheus.Gauge

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Encoding metrics
	ChunksReceived  prometheus.Counter
	ChunksDropped   *prometheus.CounterVec
	PayloadsEmitted *prometheus.CounterVec
	PayloadSize     prometheus.Histogram
	EncoderErrors   prometheus.Counter

	// VAD metrics
	DetectionEvents *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// UDP packet metrics
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "encoder_packets_received_total",
			Help: "Total number of UDP packets received",
		}),
		PacketsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "encoder_packets_processed_total",
			Help: "Total number of UDP packets successfully processed",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "encoder_parse_errors_total",
			Help: "Total number of packet parsing errors",
		}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "encoder_packet_queue_size",
			Help: "Current number of packets in processing queue",
		}),

		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "encoder_active_sessions",
			Help: "Current number of active encoding sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "encoder_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "encoder_sessions_destroyed_total",
			Help: "Total number of sessions destroyed",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "encoder_session_duration_seconds",
			Help:    "Duration of encoding sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),

		// Encoding metrics
		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "encoder_chunks_received_total",
			Help: "Total number of audio chunks queued for encoding",
		}),
		ChunksDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "encoder_chunks_dropped_total",
			Help: "Total number of audio chunks dropped",
		}, []string{"reason"}),
		PayloadsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "encoder_payloads_emitted_total",
			Help: "Total number of encoded payloads emitted",
		}, []string{"result_mode", "mime_type"}),
		PayloadSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "encoder_payload_size_bytes",
			Help:    "Size of emitted payloads in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10), // 64B to ~16MB
		}),
		EncoderErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "encoder_errors_total",
			Help: "Total number of errors reported by encoding engines",
		}),

		// VAD metrics
		DetectionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "encoder_detection_events_total",
			Help: "Total number of voice activity detection events",
		}, []string{"event"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "encoder_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "encoder_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "encoder_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	if m == nil {
		return
	}
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	if m == nil {
		return
	}
	m.PacketsProcessed.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// SetQueueSize sets the current queue size
func (m *Metrics) SetQueueSize(size int) {
	if m == nil {
		return
	}
	m.QueueSize.Set(float64(size))
}

// SetActiveSessions sets the current number of active sessions
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// RecordSessionDestroyed increments the sessions destroyed counter and records duration
func (m *Metrics) RecordSessionDestroyed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsDestroyed.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordChunkReceived increments the chunks received counter
func (m *Metrics) RecordChunkReceived() {
	if m == nil {
		return
	}
	m.ChunksReceived.Inc()
}

// RecordChunkDropped counts a dropped chunk ("queue_full", "encode_failed", ...)
func (m *Metrics) RecordChunkDropped(reason string) {
	if m == nil {
		return
	}
	m.ChunksDropped.WithLabelValues(reason).Inc()
}

// RecordPayload records an emitted payload
func (m *Metrics) RecordPayload(resultMode, mimeType string, sizeBytes int) {
	if m == nil {
		return
	}
	m.PayloadsEmitted.WithLabelValues(resultMode, mimeType).Inc()
	m.PayloadSize.Observe(float64(sizeBytes))
}

// RecordEncoderError increments the encoder errors counter
func (m *Metrics) RecordEncoderError() {
	if m == nil {
		return
	}
	m.EncoderErrors.Inc()
}

// RecordDetectionEvent counts a voice activity detection event
func (m *Metrics) RecordDetectionEvent(event string) {
	if m == nil {
		return
	}
	m.DetectionEvents.WithLabelValues(event).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
