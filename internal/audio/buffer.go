package audio

import (
	"time"
)

// Buffer accumulates chunks per channel between flushes.
// A Buffer belongs to a single encoding engine and is not safe for
// concurrent use.
type Buffer struct {
	channels int
	data     [][][]float32 // channel -> chunks
	length   int           // samples per channel

	// Timing and metadata
	lastUpdate    time.Time
	totalChunks   uint64
	droppedExtras uint64 // chunks that arrived with more than channels channels
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	Channels      int    `json:"channels"`
	Chunks        int    `json:"chunks"`
	Length        int    `json:"length_samples"`
	TotalChunks   uint64 `json:"total_chunks"`
	DroppedExtras uint64 `json:"truncated_chunks"`
}

// NewBuffer creates an accumulation buffer. The channel count is clamped to
// [1, MaxChannels].
func NewBuffer(channels int) *Buffer {
	if channels < 1 {
		channels = 1
	}
	if channels > MaxChannels {
		channels = MaxChannels
	}
	return &Buffer{
		channels:   channels,
		data:       make([][][]float32, channels),
		lastUpdate: time.Now(),
	}
}

// Record appends one chunk. It reports whether channels beyond the buffer's
// channel count were discarded. Empty chunks are ignored.
func (b *Buffer) Record(c Chunk) (truncated bool) {
	if c.Channels() == 0 {
		return false
	}
	shaped, truncated := c.Reshape(b.channels)
	for i := 0; i < b.channels; i++ {
		b.data[i] = append(b.data[i], shaped[i])
	}
	b.length += shaped.Len()
	b.totalChunks++
	if truncated {
		b.droppedExtras++
	}
	b.lastUpdate = time.Now()
	return truncated
}

// Channels returns the configured channel count
func (b *Buffer) Channels() int {
	return b.channels
}

// Len returns the accumulated samples per channel
func (b *Buffer) Len() int {
	return b.length
}

// Chunks returns the number of accumulated chunks (equal for all channels)
func (b *Buffer) Chunks() int {
	return len(b.data[0])
}

// Chunk returns the i-th accumulated chunk across all channels
func (b *Buffer) Chunk(i int) Chunk {
	c := make(Chunk, b.channels)
	for ch := 0; ch < b.channels; ch++ {
		c[ch] = b.data[ch][i]
	}
	return c
}

// Channel returns the accumulated chunks of one channel
func (b *Buffer) Channel(ch int) [][]float32 {
	return b.data[ch]
}

// Merged returns every channel flattened into one slice each
func (b *Buffer) Merged() [][]float32 {
	out := make([][]float32, b.channels)
	for ch := range out {
		out[ch] = Merge(b.data[ch])
	}
	return out
}

// Reset empties the buffer. Without force it only acts when something has
// been recorded; it reports whether a reset happened.
func (b *Buffer) Reset(force bool) bool {
	if !force && b.length == 0 {
		return false
	}
	for ch := range b.data {
		b.data[ch] = nil
	}
	b.length = 0
	return true
}

// LastUpdate returns the time of the last recorded chunk
func (b *Buffer) LastUpdate() time.Time {
	return b.lastUpdate
}

// GetStats returns current buffer statistics
func (b *Buffer) GetStats() BufferStats {
	return BufferStats{
		Channels:      b.channels,
		Chunks:        b.Chunks(),
		Length:        b.length,
		TotalChunks:   b.totalChunks,
		DroppedExtras: b.droppedExtras,
	}
}
