package vad

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// audioStartedAfter is the chunk count after which the stream counts as live
const audioStartedAfter = 3

// State is the detector's counter state. All counters reset together on Start.
type State struct {
	Recording      bool `json:"recording"`
	IsNoise        bool `json:"is_noise"`
	SilenceCount   int  `json:"silence_count"`
	SpeechCount    int  `json:"speech_count"`
	LastInputCount int  `json:"last_input_count"`
	BlobSizeCount  int  `json:"blob_size_count"`
	BlobNumber     int  `json:"blob_number"`
}

// Phase names the externally observable detector phase
func (s State) Phase(pauseCount int) string {
	switch {
	case !s.Recording:
		return "idle"
	case s.SpeechCount >= pauseCount && s.SilenceCount > 0:
		return "pausing"
	case s.SpeechCount >= pauseCount:
		return "speech"
	case s.SpeechCount > 0:
		return "speech_building"
	default:
		return "silent"
	}
}

// DetectorStats represents detector statistics
type DetectorStats struct {
	Phase          string            `json:"phase"`
	TotalChunks    uint64            `json:"total_chunks"`
	LoudChunks     uint64            `json:"loud_chunks"`
	LoudPercentage float64           `json:"loud_percentage"`
	Events         map[string]uint64 `json:"events"`
	LastProcessed  time.Time         `json:"last_processed"`
	Config         Config            `json:"config"`
}

// Detector classifies chunks as silence or noise and reports transitions.
// Events are delivered to the listener synchronously, after the detector's
// own state has been updated, in the order they occurred.
type Detector struct {
	config   Config
	state    State
	listener Listener
	logger   *slog.Logger

	// Statistics
	totalChunks   uint64
	loudChunks    uint64
	eventCounts   [len(eventNames)]uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// NewDetector creates an idle detector. Out-of-range thresholds are replaced
// by their defaults.
func NewDetector(config Config, listener Listener, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		config:   config.Normalize(logger),
		listener: listener,
		logger:   logger,
	}
}

// Configure applies new thresholds and reports detectioninitialized
func (d *Detector) Configure(config Config) {
	d.mu.Lock()
	d.config = config.Normalize(d.logger)
	d.mu.Unlock()

	d.dispatch([]Event{EventDetectionInitialized})
}

// Start resets every counter and begins classifying chunks
func (d *Detector) Start() {
	d.mu.Lock()
	d.state = State{Recording: true}
	d.mu.Unlock()

	d.dispatch([]Event{EventDetectionStart})
}

// Stop ends detection. Unfinished speech is closed with soundstart (when it
// was never reported) followed by soundend before detectionend.
func (d *Detector) Stop() {
	d.mu.Lock()
	var events []Event
	d.state.Recording = false
	if d.state.SpeechCount > 0 {
		if !d.state.IsNoise {
			events = append(events, EventSoundStart)
		}
		events = append(events, EventSoundEnd)
		d.resetSpeech()
	}
	d.state.IsNoise = false
	events = append(events, EventDetectionEnd)
	d.mu.Unlock()

	d.dispatch(events)
}

// IsSilent classifies one chunk. It returns true only when the chunk
// completes the end of a confirmed speech segment. While not recording it
// returns false without touching any state.
func (d *Detector) IsSilent(samples []float32) bool {
	d.mu.Lock()
	if !d.state.Recording {
		d.mu.Unlock()
		return false
	}

	events, endOfSpeech := d.classify(samples)
	d.mu.Unlock()

	d.dispatch(events)
	return endOfSpeech
}

func (d *Detector) classify(samples []float32) ([]Event, bool) {
	var events []Event
	s := &d.state
	pause := d.config.PauseCount

	d.totalChunks++
	d.lastProcessed = time.Now()

	s.BlobNumber++
	if s.BlobNumber == audioStartedAfter {
		events = append(events, EventAudioStarted)
	}

	if isQuiet(samples, d.config.NoiseThreshold) {
		if s.SpeechCount >= pause {
			s.SilenceCount++
			s.BlobSizeCount++
			if s.SilenceCount >= pause {
				events = append(events, EventSoundEnd)
				d.resetSpeech()
				return events, true
			}
		} else {
			s.SpeechCount = 0
			s.LastInputCount++
		}
	} else {
		d.loudChunks++
		if s.SpeechCount >= pause {
			s.SilenceCount = 0
			s.BlobSizeCount++
			if !s.IsNoise {
				events = append(events, EventSoundStart)
				s.IsNoise = true
			}
		} else {
			s.IsNoise = false
			s.SpeechCount++
			s.LastInputCount++
			if s.SpeechCount >= pause {
				events = append(events, EventSoundStart)
				s.IsNoise = true
			}
		}
	}

	if s.SpeechCount == 0 {
		if s.LastInputCount > d.config.ResetCount {
			events = append(events, EventClear)
			s.LastInputCount = 0
		}
	} else if s.BlobSizeCount >= d.config.MaxBlobSize {
		events = append(events, EventOverflow)
		s.BlobSizeCount = 0
	}

	return events, false
}

func (d *Detector) resetSpeech() {
	d.state.SpeechCount = 0
	d.state.SilenceCount = 0
	d.state.LastInputCount = 0
	d.state.BlobSizeCount = 0
}

// isQuiet reports whether every sample stays within the threshold
func isQuiet(samples []float32, threshold float64) bool {
	for _, s := range samples {
		if math.Abs(float64(s)) > threshold {
			return false
		}
	}
	return true
}

func (d *Detector) dispatch(events []Event) {
	if len(events) == 0 {
		return
	}

	d.mu.Lock()
	for _, e := range events {
		d.eventCounts[e]++
	}
	d.mu.Unlock()

	for _, e := range events {
		d.logger.Debug("Detection event", slog.String("event", e.String()))
		if d.listener != nil {
			d.listener(e)
		}
	}
}

// State returns a snapshot of the counters
func (d *Detector) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Config returns the active thresholds
func (d *Detector) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// Recording reports whether detection is running
func (d *Detector) Recording() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.Recording
}

// GetStats returns current detector statistics
func (d *Detector) GetStats() DetectorStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	loud := float64(0)
	if d.totalChunks > 0 {
		loud = float64(d.loudChunks) * 100 / float64(d.totalChunks)
	}

	events := make(map[string]uint64, len(eventNames))
	for i, n := range d.eventCounts {
		events[Event(i).String()] = n
	}

	return DetectorStats{
		Phase:          d.state.Phase(d.config.PauseCount),
		TotalChunks:    d.totalChunks,
		LoudChunks:     d.loudChunks,
		LoudPercentage: loud,
		Events:         events,
		LastProcessed:  d.lastProcessed,
		Config:         d.config,
	}
}
