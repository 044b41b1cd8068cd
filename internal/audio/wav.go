package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// WAVHeaderSize is the size of the canonical PCM RIFF header
const WAVHeaderSize = 44

// Supported PCM sample depths
const (
	Depth8  = 8
	Depth16 = 16
	Depth24 = 24
	Depth32 = 32
)

const (
	formatPCM   = 1
	formatFloat = 3
)

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // 36 + data length
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// NewWAVHeader builds a PCM header for dataLength bytes of interleaved samples
func NewWAVHeader(channels, sampleRate, bitsPerSample int, dataLength uint32) WAVHeader {
	bytesPerSample := uint32(bitsPerSample / 8)
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataLength,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   formatPCM,
		NumChannels:   uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(channels) * bytesPerSample,
		BlockAlign:    uint16(uint32(channels) * bytesPerSample),
		BitsPerSample: uint16(bitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataLength,
	}
}

// MarshalBinary encodes the header as 44 little-endian bytes
func (h WAVHeader) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize))
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeWAV wraps interleaved PCM bytes into a complete WAV file
func EncodeWAV(pcm []byte, channels, sampleRate, bitsPerSample int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if channels < 1 || channels > MaxChannels {
		return nil, fmt.Errorf("channel count must be between 1 and %d, got %d", MaxChannels, channels)
	}
	if !ValidDepth(bitsPerSample) {
		return nil, fmt.Errorf("unsupported bit depth: %d", bitsPerSample)
	}

	header, err := NewWAVHeader(channels, sampleRate, bitsPerSample, uint32(len(pcm))).MarshalBinary()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(header)+len(pcm))
	out = append(out, header...)
	return append(out, pcm...), nil
}

// ValidDepth reports whether bits is one of the supported PCM depths
func ValidDepth(bits int) bool {
	switch bits {
	case Depth8, Depth16, Depth24, Depth32:
		return true
	}
	return false
}

// SampleEncoder writes one clipped sample into dst, which holds exactly
// bits/8 bytes.
type SampleEncoder func(dst []byte, s float32)

// EncoderFor returns the sample encoder for a PCM depth
func EncoderFor(bits int) (SampleEncoder, bool) {
	switch bits {
	case Depth8:
		return encode8, true
	case Depth16:
		return encode16, true
	case Depth24:
		return encode24, true
	case Depth32:
		return encode32, true
	}
	return nil, false
}

// 8-bit WAV is unsigned
func encode8(dst []byte, s float32) {
	dst[0] = byte(int32((float64(s) + 1) * 127.5))
}

func encode16(dst []byte, s float32) {
	v := int32(float64(s)*32767.5 - 0.5)
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
}

func encode24(dst []byte, s float32) {
	v := int32(float64(s)*8388607.5 - 0.5)
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
}

func encode32(dst []byte, s float32) {
	v := int32(int64(float64(s)*2147483647.5 - 0.5))
	binary.LittleEndian.PutUint32(dst, uint32(v))
}

// EncodePCM interleaves the channels of c into little-endian PCM bytes.
// Samples are clipped to [-1, 1] first.
func EncodePCM(c Chunk, bitsPerSample int) ([]byte, error) {
	enc, ok := EncoderFor(bitsPerSample)
	if !ok {
		return nil, fmt.Errorf("unsupported bit depth: %d", bitsPerSample)
	}

	width := bitsPerSample / 8
	channels := c.Channels()
	n := c.Len()
	out := make([]byte, n*channels*width)

	offset := 0
	for i := 0; i < n; i++ {
		for ch := 0; ch < channels; ch++ {
			enc(out[offset:offset+width], Clip(c[ch][i]))
			offset += width
		}
	}
	return out, nil
}

// DecodePCM converts interleaved little-endian PCM bytes back to a chunk
func DecodePCM(data []byte, channels, bitsPerSample int) (Chunk, error) {
	if channels < 1 {
		return nil, fmt.Errorf("channel count must be positive, got %d", channels)
	}
	if !ValidDepth(bitsPerSample) {
		return nil, fmt.Errorf("unsupported bit depth: %d", bitsPerSample)
	}

	width := bitsPerSample / 8
	frame := width * channels
	frames := len(data) / frame

	c := make(Chunk, channels)
	for ch := range c {
		c[ch] = make([]float32, frames)
	}

	offset := 0
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			c[ch][i] = decodeSample(data[offset:offset+width], bitsPerSample)
			offset += width
		}
	}
	return c, nil
}

func decodeSample(b []byte, bits int) float32 {
	switch bits {
	case Depth8:
		return float32(float64(b[0])/127.5 - 1)
	case Depth16:
		return float32(float64(int16(binary.LittleEndian.Uint16(b))) / 32768)
	case Depth24:
		v := int32(uint32(b[0])|uint32(b[1])<<8|uint32(b[2])<<16) << 8 >> 8
		return float32(float64(v) / 8388608)
	default:
		return float32(float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648)
	}
}

// WAVInfo holds the format of a WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Float         bool    `json:"float"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumFrames     uint32  `json:"num_frames"`
}

// DecodeWAV parses a WAV file and returns its format and samples. Integer PCM
// of any supported depth and 32-bit float are accepted. Chunks other than
// "fmt " and "data" are skipped.
func DecodeWAV(data []byte) (*WAVInfo, Chunk, error) {
	info, pcm, err := parseWAV(data)
	if err != nil {
		return nil, nil, err
	}

	if info.Float {
		frames := len(pcm) / (4 * int(info.Channels))
		c := make(Chunk, info.Channels)
		for ch := range c {
			c[ch] = make([]float32, frames)
		}
		offset := 0
		for i := 0; i < frames; i++ {
			for ch := range c {
				c[ch][i] = math.Float32frombits(binary.LittleEndian.Uint32(pcm[offset:]))
				offset += 4
			}
		}
		return info, c, nil
	}

	c, err := DecodePCM(pcm, int(info.Channels), int(info.BitsPerSample))
	if err != nil {
		return nil, nil, err
	}
	return info, c, nil
}

func parseWAV(data []byte) (*WAVInfo, []byte, error) {
	if err := ValidateWAV(data); err != nil {
		return nil, nil, err
	}

	var (
		info    WAVInfo
		format  uint16
		haveFmt bool
	)
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		end := body + size
		if end > len(data) {
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, nil, fmt.Errorf("invalid WAV file: fmt chunk too short (%d bytes)", end-body)
			}
			format = binary.LittleEndian.Uint16(data[body:])
			info.Channels = binary.LittleEndian.Uint16(data[body+2:])
			info.SampleRate = binary.LittleEndian.Uint32(data[body+4:])
			info.BitsPerSample = binary.LittleEndian.Uint16(data[body+14:])
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, nil, fmt.Errorf("invalid WAV file: data chunk before fmt chunk")
			}
			switch {
			case format == formatPCM && ValidDepth(int(info.BitsPerSample)):
			case format == formatFloat && info.BitsPerSample == 32:
				info.Float = true
			default:
				return nil, nil, fmt.Errorf("unsupported audio format %d with %d bits", format, info.BitsPerSample)
			}
			if info.Channels == 0 || info.SampleRate == 0 {
				return nil, nil, fmt.Errorf("invalid WAV file: %d channels at %d Hz", info.Channels, info.SampleRate)
			}
			pcm := data[body:end]
			info.DataSize = uint32(len(pcm))
			info.NumFrames = info.DataSize / (uint32(info.BitsPerSample) / 8 * uint32(info.Channels))
			info.Duration = float64(info.NumFrames) / float64(info.SampleRate)
			return &info, pcm, nil
		}

		// chunks are word aligned
		offset = end + size%2
	}

	return nil, nil, fmt.Errorf("invalid WAV file: missing data chunk")
}

// ValidateWAV checks the RIFF/WAVE signature without decoding audio data
func ValidateWAV(data []byte) error {
	if len(data) < WAVHeaderSize {
		return fmt.Errorf("WAV data too short: need at least %d bytes, got %d", WAVHeaderSize, len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	return nil
}

// GetWAVInfo extracts metadata from a WAV file
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	info, _, err := parseWAV(data)
	return info, err
}
