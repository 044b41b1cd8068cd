package encoder

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/skypro1111/audio-encoder-service/internal/audio"
)

var (
	ErrUnknownCodec   = errors.New("unknown codec")
	ErrDuplicateCodec = errors.New("codec already registered")
	ErrNotInitialized = errors.New("encoder not initialized")
)

// TakeOptions tells a plugin how the engine will package its output
type TakeOptions struct {
	ResultMode ResultMode
	MimeType   string
	Streaming  bool
	Finish     bool
}

// Plugin is a codec driven by the Engine. Calls never overlap.
type Plugin interface {
	// SupportedTypes lists the MIME types the codec can produce, preferred first
	SupportedTypes() []string
	// Init prepares internal state. Calling it again resets the codec.
	Init() error
	// Encode consumes one chunk. The chunk has exactly Config.Channels channels.
	Encode(c audio.Chunk) error
	// TakeEncoded finishes pending work and hands over the encoded buffers.
	// The plugin must not keep references to the returned buffers.
	TakeEncoded(opts TakeOptions) ([][]byte, error)
	// Finish closes container level state after a final take
	Finish()
	// DropEncoded discards pending output without emitting it
	DropEncoded()
}

// Host is the engine side a plugin may call back into
type Host interface {
	// Resampling reports whether chunks must be resampled before encoding
	Resampling() bool
	// Resample converts a chunk to the output rate
	Resample(c audio.Chunk) (audio.Chunk, error)
	// Logger returns the session logger
	Logger() *slog.Logger
}

// Factory creates a plugin. It may modify cfg, for example to negotiate the
// MIME type or force streaming.
type Factory func(cfg *Config, host Host) (Plugin, error)

// Registry maps codec ids to plugin factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a codec factory under name
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("codec name and factory are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(name)
	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCodec, name)
	}
	r.factories[key] = factory
	return nil
}

// Lookup returns the factory registered under name
func (r *Registry) Lookup(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, name)
	}
	return factory, nil
}

// Names returns the registered codec ids in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveMimeType matches requested case-insensitively as a prefix of the
// supported types. Without a match the first supported type is used and a
// warning is logged.
func ResolveMimeType(requested string, supported []string, logger *slog.Logger) string {
	if len(supported) == 0 {
		return requested
	}

	if requested != "" {
		want := strings.ToLower(requested)
		for _, s := range supported {
			if strings.HasPrefix(strings.ToLower(s), want) {
				return s
			}
		}
		if logger != nil {
			logger.Warn("Unsupported MIME type, using default",
				slog.String("requested", requested),
				slog.String("mime_type", supported[0]),
				slog.Any("supported", supported),
			)
		}
	}
	return supported[0]
}
