package resample

import (
	"fmt"
	"sync"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/skypro1111/audio-encoder-service/internal/audio"
)

// Resampler converts one chunk at a time from a source to a target sample
// rate. Output samples stay within [-1, 1].
type Resampler interface {
	Resample(c audio.Chunk) (audio.Chunk, error)
	// Flush returns the samples still held by the filter, so that the output
	// length matches the input length at the target rate, and resets.
	Flush() (audio.Chunk, error)
	// Reset discards filter state and pending samples
	Reset()
}

// Factory creates a resampler for a rate pair and channel count
type Factory func(sourceRate, targetRate, channels int) (Resampler, error)

// Converter is a streaming resampler with one filter per channel. Filter
// state is kept between calls, so a Converter must only see the chunks of
// one session, in order.
type Converter struct {
	sourceRate int
	targetRate int
	channels   int

	mu         sync.Mutex
	resamplers []resampling.Resampler
	framesIn   int64
	framesOut  int64
}

// New creates a Converter. Equal rates yield a pass-through converter.
func New(sourceRate, targetRate, channels int) (Resampler, error) {
	if sourceRate <= 0 || targetRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive, got %d -> %d", sourceRate, targetRate)
	}
	if channels < 1 || channels > audio.MaxChannels {
		return nil, fmt.Errorf("channel count must be between 1 and %d, got %d", audio.MaxChannels, channels)
	}

	c := &Converter{
		sourceRate: sourceRate,
		targetRate: targetRate,
		channels:   channels,
	}
	if sourceRate == targetRate {
		return c, nil
	}

	// the library's Process and Flush only drive its first channel
	for ch := 0; ch < channels; ch++ {
		r, err := resampling.New(&resampling.Config{
			InputRate:  float64(sourceRate),
			OutputRate: float64(targetRate),
			Channels:   1,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create resampler: %w", err)
		}
		c.resamplers = append(c.resamplers, r)
	}
	return c, nil
}

// Resample converts one chunk. The returned chunk may be shorter than the
// ratio suggests while the filter fills; Flush returns the difference.
func (c *Converter) Resample(in audio.Chunk) (audio.Chunk, error) {
	if in.Channels() != c.channels {
		return nil, fmt.Errorf("expected %d channels, got %d", c.channels, in.Channels())
	}
	if c.resamplers == nil {
		return in, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	outputs := make([][]float64, c.channels)
	for ch, r := range c.resamplers {
		output, err := r.Process(toFloat64(in[ch]))
		if err != nil {
			return nil, fmt.Errorf("resample error: %w", err)
		}
		outputs[ch] = output
	}
	out := toChunk(outputs, -1)

	c.framesIn += int64(in.Len())
	c.framesOut += int64(out.Len())
	return out, nil
}

// Flush drains the filters. The tail is trimmed or padded with the filter
// output of trailing silence until the total output length equals the input
// length scaled to the target rate.
func (c *Converter) Flush() (audio.Chunk, error) {
	if c.resamplers == nil {
		return make(audio.Chunk, c.channels), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.reset()

	want := int(c.expectedFrames() - c.framesOut)
	if want <= 0 {
		return make(audio.Chunk, c.channels), nil
	}

	tails := make([][]float64, c.channels)
	for ch, r := range c.resamplers {
		tail, err := r.Flush()
		if err != nil {
			return nil, fmt.Errorf("resampler flush error: %w", err)
		}
		tails[ch] = tail
	}

	// feed silence until every channel produced the missing frames
	for attempt := 0; attempt < maxFlushAttempts && shortest(tails) < want; attempt++ {
		missing := want - shortest(tails)
		silence := make([]float64, missing*c.sourceRate/c.targetRate+flushMargin)
		for ch, r := range c.resamplers {
			output, err := r.Process(silence)
			if err != nil {
				return nil, fmt.Errorf("resampler flush error: %w", err)
			}
			tails[ch] = append(tails[ch], output...)
		}
	}

	return toChunk(tails, want), nil
}

// Reset discards filter state
func (c *Converter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

func (c *Converter) reset() {
	for _, r := range c.resamplers {
		r.Reset()
	}
	c.framesIn = 0
	c.framesOut = 0
}

// expectedFrames is the output length for everything consumed since the
// last reset, rounded to the nearest frame
func (c *Converter) expectedFrames() int64 {
	return (c.framesIn*int64(c.targetRate) + int64(c.sourceRate)/2) / int64(c.sourceRate)
}

const (
	maxFlushAttempts = 4
	flushMargin      = 64
)

func toFloat64(samples []float32) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = float64(s)
	}
	return out
}

// toChunk converts per-channel filter output to a chunk of equal length
// channels, at most limit frames long when limit is not negative
func toChunk(channels [][]float64, limit int) audio.Chunk {
	frames := shortest(channels)
	if limit >= 0 && frames > limit {
		frames = limit
	}
	out := make(audio.Chunk, len(channels))
	for ch, samples := range channels {
		out[ch] = make([]float32, frames)
		for i := 0; i < frames; i++ {
			out[ch][i] = audio.Clip(float32(samples[i]))
		}
	}
	return out
}

func shortest(channels [][]float64) int {
	if len(channels) == 0 {
		return 0
	}
	n := len(channels[0])
	for _, samples := range channels[1:] {
		n = min(n, len(samples))
	}
	return n
}

// SourceRate returns the input sample rate
func (c *Converter) SourceRate() int {
	return c.sourceRate
}

// TargetRate returns the output sample rate
func (c *Converter) TargetRate() int {
	return c.targetRate
}
