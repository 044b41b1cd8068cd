package sink

import (
	"errors"

	"github.com/skypro1111/audio-encoder-service/internal/encoder"
)

// Writer is anything that accepts payloads
type Writer interface {
	Write(sessionID string, data *encoder.Data) error
}

// Multi hands every payload to each of its writers
type Multi []Writer

// Write writes to every writer and joins their errors
func (m Multi) Write(sessionID string, data *encoder.Data) error {
	var errs []error
	for _, w := range m {
		if err := w.Write(sessionID, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Forget passes the finished session on to writers that track sessions
func (m Multi) Forget(sessionID string) {
	for _, w := range m {
		if f, ok := w.(interface{ Forget(string) }); ok {
			f.Forget(sessionID)
		}
	}
}
