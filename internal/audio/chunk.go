package audio

// MaxChannels is the largest channel count the pipeline encodes.
const MaxChannels = 2

// Chunk is one processing cycle of audio, one slice of float32 samples in
// [-1, 1] per channel. All channels of a chunk have the same length.
type Chunk [][]float32

// Channels returns the number of channels in the chunk
func (c Chunk) Channels() int {
	return len(c)
}

// Len returns the number of samples per channel
func (c Chunk) Len() int {
	if len(c) == 0 {
		return 0
	}
	return len(c[0])
}

// Clone returns a deep copy of the chunk
func (c Chunk) Clone() Chunk {
	out := make(Chunk, len(c))
	for i, ch := range c {
		out[i] = append([]float32(nil), ch...)
	}
	return out
}

// Reshape returns a chunk with exactly channels channels. Extra channels are
// dropped and missing ones reuse the first channel. The second return value
// reports whether channels were dropped.
func (c Chunk) Reshape(channels int) (Chunk, bool) {
	if channels < 1 || len(c) == 0 {
		return c, false
	}
	if len(c) == channels {
		return c, false
	}
	if len(c) > channels {
		return c[:channels], true
	}
	out := make(Chunk, channels)
	copy(out, c)
	for i := len(c); i < channels; i++ {
		out[i] = c[0]
	}
	return out, false
}

// Mono wraps a single channel as a chunk
func Mono(samples []float32) Chunk {
	return Chunk{samples}
}

// Merge concatenates buffers into a single contiguous slice of the same
// element type.
func Merge[T any](buffers [][]T) []T {
	total := 0
	for _, b := range buffers {
		total += len(b)
	}
	out := make([]T, 0, total)
	for _, b := range buffers {
		out = append(out, b...)
	}
	return out
}

// TotalLength returns the summed length of all buffers
func TotalLength[T any](buffers [][]T) int {
	total := 0
	for _, b := range buffers {
		total += len(b)
	}
	return total
}

// Clip limits a sample to [-1, 1]
func Clip(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
