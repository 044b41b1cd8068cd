package audio

// DefaultRepeatCapacity is the number of chunks kept for pre-roll replay.
const DefaultRepeatCapacity = 3

// RepeatBuffer is a fixed-capacity ring of the most recent chunks. Pushing
// past capacity overwrites the oldest entry.
type RepeatBuffer struct {
	slots [][]float32
	write int
	size  int
}

// NewRepeatBuffer creates a ring holding up to capacity chunks. A capacity
// below 1 falls back to DefaultRepeatCapacity.
func NewRepeatBuffer(capacity int) *RepeatBuffer {
	if capacity < 1 {
		capacity = DefaultRepeatCapacity
	}
	return &RepeatBuffer{
		slots: make([][]float32, capacity),
	}
}

// Push stores a chunk, evicting the oldest one when full
func (r *RepeatBuffer) Push(samples []float32) {
	r.slots[r.write] = samples
	r.write = (r.write + 1) % len(r.slots)
	if r.size < len(r.slots) {
		r.size++
	}
}

// Pull returns every held chunk oldest first and empties the ring.
// It never returns nil.
func (r *RepeatBuffer) Pull() [][]float32 {
	out := make([][]float32, 0, r.size)
	start := (r.write - r.size + len(r.slots)) % len(r.slots)
	for i := 0; i < r.size; i++ {
		idx := (start + i) % len(r.slots)
		out = append(out, r.slots[idx])
		r.slots[idx] = nil
	}
	r.write = 0
	r.size = 0
	return out
}

// Reset drops every held chunk and releases the references
func (r *RepeatBuffer) Reset() {
	if r.size > 0 {
		for i := range r.slots {
			r.slots[i] = nil
		}
	}
	r.write = 0
	r.size = 0
}

// Len returns the number of held chunks
func (r *RepeatBuffer) Len() int {
	return r.size
}

// Cap returns the ring capacity
func (r *RepeatBuffer) Cap() int {
	return len(r.slots)
}
