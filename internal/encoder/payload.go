package encoder

import (
	"encoding/binary"
	"math"

	"github.com/skypro1111/audio-encoder-service/internal/audio"
	"github.com/skypro1111/audio-encoder-service/internal/vad"
)

// Payload is encoded output tagged by result mode. Exactly one of the data
// fields is set, matching Mode.
type Payload struct {
	Mode     ResultMode
	MimeType string
	Blob     []byte      // ResultBlob
	Merged   []byte      // ResultMerged
	Raw      [][]byte    // ResultRaw
	Samples  [][]float32 // ResultRecordingBuffers, one slice per channel
}

// Len returns the payload size in bytes
func (p Payload) Len() int {
	switch p.Mode {
	case ResultBlob:
		return len(p.Blob)
	case ResultMerged:
		return len(p.Merged)
	case ResultRaw:
		return audio.TotalLength(p.Raw)
	case ResultRecordingBuffers:
		return audio.TotalLength(p.Samples) * 4
	}
	return 0
}

// Bytes flattens the payload into one buffer. Recording buffers are written
// as little-endian float32, channel after channel.
func (p Payload) Bytes() []byte {
	switch p.Mode {
	case ResultBlob:
		return p.Blob
	case ResultMerged:
		return p.Merged
	case ResultRaw:
		return audio.Merge(p.Raw)
	case ResultRecordingBuffers:
		out := make([]byte, 0, p.Len())
		for _, ch := range p.Samples {
			for _, s := range ch {
				out = binary.LittleEndian.AppendUint32(out, math.Float32bits(s))
			}
		}
		return out
	}
	return nil
}

// Request parameterises a data request. Unset fields fall back to the
// session configuration.
type Request struct {
	ResultMode        ResultMode `json:"result_mode,omitempty"`
	MimeType          string     `json:"mime_type,omitempty"`
	Finish            bool       `json:"finish,omitempty"`
	Streaming         *bool      `json:"streaming,omitempty"`
	TransferBuffers   *bool      `json:"transfer_buffers,omitempty"`
	Context           string     `json:"context,omitempty"` // echoed to correlate the response
	ApplyRepeatBuffer bool       `json:"apply_repeat_buffer,omitempty"`
}

// Data is the result of a data request
type Data struct {
	Payload    Payload
	ResultMode ResultMode
	MimeType   string
	Finish     bool
	Streaming  bool
	Context    string
}

// Kind classifies engine messages
type Kind int

const (
	KindInitialized Kind = iota
	KindData
	KindDetection
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindInitialized:
		return "initialized"
	case KindData:
		return "data"
	case KindDetection:
		return "detection"
	case KindError:
		return "error"
	}
	return "unknown"
}

// Message is everything the engine reports to its caller
type Message struct {
	Kind Kind

	SupportedTypes []string // KindInitialized
	Data           *Data    // KindData

	Detection       vad.Event // KindDetection
	CanDetectSpeech bool      // set with detectioninitialized

	Err error // KindError
}

// Emitter receives engine messages in the order they are produced
type Emitter func(Message)
