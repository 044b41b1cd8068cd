// Package sink persists encoded payloads.
package sink

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/skypro1111/audio-encoder-service/internal/encoder"
)

// Dir writes every payload to its own file named
// <session>_<sequence>.<extension> below a root directory.
type Dir struct {
	root      string
	logger    *slog.Logger
	skipEmpty bool

	mu       sync.Mutex
	sequence map[string]int
	written  uint64
	bytes    uint64
}

// DirStats represents sink statistics
type DirStats struct {
	Root         string `json:"root"`
	FilesWritten uint64 `json:"files_written"`
	BytesWritten uint64 `json:"bytes_written"`
}

// NewDir creates root if needed. Empty payloads are skipped when
// skipEmpty is set.
func NewDir(root string, skipEmpty bool, logger *slog.Logger) (*Dir, error) {
	if root == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Dir{
		root:      root,
		logger:    logger,
		skipEmpty: skipEmpty,
		sequence:  make(map[string]int),
	}, nil
}

// Write stores one payload
func (d *Dir) Write(sessionID string, data *encoder.Data) error {
	if data == nil {
		return nil
	}
	body := data.Payload.Bytes()
	if len(body) == 0 && d.skipEmpty {
		return nil
	}

	d.mu.Lock()
	seq := d.sequence[sessionID]
	d.sequence[sessionID] = seq + 1
	d.mu.Unlock()

	name := fmt.Sprintf("%s_%04d.%s", sanitize(sessionID), seq, Extension(data))
	path := filepath.Join(d.root, name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	d.mu.Lock()
	d.written++
	d.bytes += uint64(len(body))
	d.mu.Unlock()

	d.logger.Debug("Payload written",
		slog.String("session_id", sessionID),
		slog.String("path", path),
		slog.Int("bytes", len(body)),
		slog.Bool("finish", data.Finish),
	)
	return nil
}

// Forget drops the sequence counter of a finished session
func (d *Dir) Forget(sessionID string) {
	d.mu.Lock()
	delete(d.sequence, sessionID)
	d.mu.Unlock()
}

// GetStats returns sink statistics
func (d *Dir) GetStats() DirStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DirStats{
		Root:         d.root,
		FilesWritten: d.written,
		BytesWritten: d.bytes,
	}
}

// Extension picks a file extension for a payload
func Extension(data *encoder.Data) string {
	if data.ResultMode == encoder.ResultRecordingBuffers {
		return "f32"
	}
	mime := strings.ToLower(data.MimeType)
	switch {
	case mime == "audio/wav" || mime == "audio/wave" || mime == "audio/x-wav":
		return "wav"
	case strings.HasPrefix(mime, "audio/l"):
		return "pcm"
	}
	return "bin"
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
