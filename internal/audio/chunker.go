package audio

import (
	"fmt"
	"sync"
)

// ChunkingConfig contains configuration for the frame splitter
type ChunkingConfig struct {
	FrameSize int // samples per channel in every emitted chunk
	Channels  int
}

// Chunker slices arbitrarily sized audio into fixed-size chunks, so that
// everything fed to an encoding session shares one chunk length. Samples
// that do not fill a frame are kept until more audio arrives.
type Chunker struct {
	config  ChunkingConfig
	pending Chunk

	// Statistics
	framesEmitted   uint64
	samplesIn       uint64
	chunksTruncated uint64

	mu sync.Mutex
}

// ChunkerStats represents chunker statistics
type ChunkerStats struct {
	FrameSize       int    `json:"frame_size"`
	FramesEmitted   uint64 `json:"frames_emitted"`
	SamplesIn       uint64 `json:"samples_in"`
	ChunksTruncated uint64 `json:"chunks_truncated"`
	Pending         int    `json:"pending_samples"`
}

// NewChunker creates a new frame splitter
func NewChunker(config ChunkingConfig) (*Chunker, error) {
	if config.FrameSize < 1 {
		return nil, fmt.Errorf("frame size must be positive, got %d", config.FrameSize)
	}
	if config.Channels < 1 || config.Channels > MaxChannels {
		return nil, fmt.Errorf("channel count must be between 1 and %d, got %d", MaxChannels, config.Channels)
	}

	pending := make(Chunk, config.Channels)
	for ch := range pending {
		pending[ch] = make([]float32, 0, config.FrameSize)
	}

	return &Chunker{
		config:  config,
		pending: pending,
	}, nil
}

// Write appends samples and returns every complete frame. The returned
// chunks are newly allocated and owned by the caller. Channels beyond the
// configured count are dropped and counted in ChunksTruncated.
func (c *Chunker) Write(in Chunk) []Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()

	in, truncated := in.Reshape(c.config.Channels)
	if truncated {
		c.chunksTruncated++
	}
	n := in.Len()
	c.samplesIn += uint64(n)

	var frames []Chunk
	pos := 0
	for pos < n {
		room := c.config.FrameSize - len(c.pending[0])
		take := n - pos
		if take > room {
			take = room
		}
		for ch := range c.pending {
			c.pending[ch] = append(c.pending[ch], in[ch][pos:pos+take]...)
		}
		pos += take

		if len(c.pending[0]) == c.config.FrameSize {
			frames = append(frames, c.takePending())
		}
	}
	return frames
}

// Flush returns the incomplete frame, zero padded to the frame size when pad
// is set. It returns nil when nothing is pending.
func (c *Chunker) Flush(pad bool) Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending[0]) == 0 {
		return nil
	}
	if pad {
		for ch := range c.pending {
			for len(c.pending[ch]) < c.config.FrameSize {
				c.pending[ch] = append(c.pending[ch], 0)
			}
		}
	}
	return c.takePending()
}

func (c *Chunker) takePending() Chunk {
	frame := c.pending
	c.pending = make(Chunk, c.config.Channels)
	for ch := range c.pending {
		c.pending[ch] = make([]float32, 0, c.config.FrameSize)
	}
	c.framesEmitted++
	return frame
}

// GetStats returns current chunker statistics
func (c *Chunker) GetStats() ChunkerStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ChunkerStats{
		FrameSize:       c.config.FrameSize,
		FramesEmitted:   c.framesEmitted,
		SamplesIn:       c.samplesIn,
		ChunksTruncated: c.chunksTruncated,
		Pending:         len(c.pending[0]),
	}
}
