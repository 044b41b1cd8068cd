package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/skypro1111/audio-encoder-service/internal/encoder"
)

var ErrQueueFull = errors.New("webhook queue full")

// WebhookConfig contains webhook upload settings
type WebhookConfig struct {
	Endpoint      string
	APIKey        string // sent as a bearer token when set
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	QueueSize     int
	UserAgent     string
}

// Webhook uploads every payload as a multipart form to an HTTP endpoint.
// Write only queues the upload, so a slow endpoint never stalls a session.
type Webhook struct {
	config     WebhookConfig
	httpClient *http.Client
	logger     *slog.Logger
	queue      chan upload
	wg         sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool

	seqMu    sync.Mutex
	sequence map[string]int

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	droppedUploads  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

type upload struct {
	sessionID string
	sequence  int
	data      *encoder.Data
	body      []byte
	queuedAt  time.Time
}

// WebhookStats represents webhook statistics
type WebhookStats struct {
	Endpoint        string        `json:"endpoint"`
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	DroppedUploads  uint64        `json:"dropped_uploads"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	Queued          int           `json:"queued"`
}

// statusError is a non-2xx response
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.code, e.body)
}

// NewWebhook creates the uploader and starts its workers
func NewWebhook(config WebhookConfig, logger *slog.Logger) (*Webhook, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.UserAgent == "" {
		config.UserAgent = "audio-encoder-service/1.0"
	}

	w := &Webhook{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: config.MaxConcurrent,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:   logger,
		queue:    make(chan upload, config.QueueSize),
		sequence: make(map[string]int),
	}

	for i := 0; i < config.MaxConcurrent; i++ {
		w.wg.Add(1)
		go w.worker()
	}

	return w, nil
}

// Write queues one payload for upload. Empty payloads are skipped.
func (w *Webhook) Write(sessionID string, data *encoder.Data) error {
	if data == nil {
		return nil
	}
	body := data.Payload.Bytes()
	if len(body) == 0 {
		return nil
	}

	w.seqMu.Lock()
	seq := w.sequence[sessionID]
	w.sequence[sessionID] = seq + 1
	w.seqMu.Unlock()

	u := upload{sessionID: sessionID, sequence: seq, data: data, body: body, queuedAt: time.Now()}

	w.closeMu.RLock()
	defer w.closeMu.RUnlock()
	if w.closed {
		return fmt.Errorf("webhook closed")
	}

	select {
	case w.queue <- u:
		return nil
	default:
		w.mu.Lock()
		w.droppedUploads++
		w.mu.Unlock()
		return fmt.Errorf("%w: %d uploads pending", ErrQueueFull, len(w.queue))
	}
}

// Forget drops the sequence counter of a finished session
func (w *Webhook) Forget(sessionID string) {
	w.seqMu.Lock()
	delete(w.sequence, sessionID)
	w.seqMu.Unlock()
}

// Close stops accepting payloads and waits until the queued ones are
// uploaded or ctx ends.
func (w *Webhook) Close(ctx context.Context) error {
	w.closeMu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Webhook) worker() {
	defer w.wg.Done()

	for u := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.config.Timeout*time.Duration(w.config.MaxRetries+1))
		if err := w.send(ctx, u); err != nil {
			w.logger.Error("Webhook upload failed",
				slog.String("session_id", u.sessionID),
				slog.Int("sequence", u.sequence),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}

// send uploads one payload with exponential backoff between attempts
func (w *Webhook) send(ctx context.Context, u upload) error {
	startTime := time.Now()
	w.incrementTotalRequests()

	var lastErr error

	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			w.incrementTotalRetries()

			backoffTime := time.Duration(1<<(attempt-1)) * time.Second
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				w.incrementFailedRequests()
				return ctx.Err()
			}
		}

		err := w.doRequest(ctx, u)
		if err == nil {
			w.incrementSuccessRequests()
			w.updateAvgResponseTime(time.Since(startTime))
			w.logger.Debug("Payload uploaded",
				slog.String("session_id", u.sessionID),
				slog.Int("sequence", u.sequence),
				slog.Int("bytes", len(u.body)),
				slog.Int("attempts", attempt+1),
			)
			return nil
		}

		lastErr = err
		if !isRetryable(err) {
			break
		}
	}

	w.incrementFailedRequests()
	return fmt.Errorf("upload failed after %d attempts: %w", w.config.MaxRetries+1, lastErr)
}

// doRequest performs a single upload
func (w *Webhook) doRequest(ctx context.Context, u upload) error {
	body, contentType, err := newMultipartBody(u)
	if err != nil {
		return fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.Endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	if w.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+w.config.APIKey)
	}
	httpReq.Header.Set("User-Agent", w.config.UserAgent)

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: string(respBody)}
	}

	return nil
}

// newMultipartBody builds the form: the payload as "file" plus its metadata
func newMultipartBody(u upload) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	filename := fmt.Sprintf("%s_%04d.%s", sanitize(u.sessionID), u.sequence, Extension(u.data))
	fileWriter, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(u.body); err != nil {
		return nil, "", fmt.Errorf("failed to write payload: %w", err)
	}

	fields := [][2]string{
		{"session_id", u.sessionID},
		{"sequence", strconv.Itoa(u.sequence)},
		{"result_mode", string(u.data.ResultMode)},
		{"mime_type", u.data.MimeType},
		{"finish", strconv.FormatBool(u.data.Finish)},
		{"streaming", strconv.FormatBool(u.data.Streaming)},
		{"context", u.data.Context},
		{"size", strconv.Itoa(len(u.body))},
		{"queued_at", u.queuedAt.UTC().Format(time.RFC3339Nano)},
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// isRetryable reports whether an upload may succeed on a later attempt:
// timeouts, network errors, 5xx and 429 responses.
func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Statistics methods
func (w *Webhook) incrementTotalRequests() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.totalRequests++
}

func (w *Webhook) incrementSuccessRequests() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.successRequests++
}

func (w *Webhook) incrementFailedRequests() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failedRequests++
}

func (w *Webhook) incrementTotalRetries() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.totalRetries++
}

// updateAvgResponseTime keeps a running mean over successful uploads
func (w *Webhook) updateAvgResponseTime(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.successRequests <= 1 {
		w.avgResponseTime = d
		return
	}
	n := time.Duration(w.successRequests)
	w.avgResponseTime = (w.avgResponseTime*(n-1) + d) / n
}

// GetStats returns webhook statistics
func (w *Webhook) GetStats() WebhookStats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var successRate float64
	if w.totalRequests > 0 {
		successRate = float64(w.successRequests) / float64(w.totalRequests)
	}

	return WebhookStats{
		Endpoint:        w.config.Endpoint,
		TotalRequests:   w.totalRequests,
		SuccessRequests: w.successRequests,
		FailedRequests:  w.failedRequests,
		DroppedUploads:  w.droppedUploads,
		SuccessRate:     successRate,
		TotalRetries:    w.totalRetries,
		AvgResponseTime: w.avgResponseTime,
		Queued:          len(w.queue),
	}
}
