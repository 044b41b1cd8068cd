package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/skypro1111/audio-encoder-service/internal/audio"
	"github.com/skypro1111/audio-encoder-service/internal/encoder"
)

// Protocol constants
const (
	// Packet types
	PacketTypeControl = 0x01
	PacketTypeAudio   = 0x02

	// Packet structure sizes
	HeaderSize      = 24 // 1 + 1 + 2 + 16 + 4 bytes
	SampleSize      = 4  // float32
	FrameHeaderSize = 5  // channels + samples
	MaxPacketSize   = 65507
)

// Control commands
const (
	CommandInit               = "init"
	CommandData               = "data"
	CommandClear              = "clear"
	CommandStartDetection     = "start_detection"
	CommandStopDetection      = "stop_detection"
	CommandConfigureDetection = "configure_detection"
	CommandClose              = "close"
)

var commands = map[string]bool{
	CommandInit:               true,
	CommandData:               true,
	CommandClear:              true,
	CommandStartDetection:     true,
	CommandStopDetection:      true,
	CommandConfigureDetection: true,
	CommandClose:              true,
}

// Header represents the 24-byte packet header
// Layout: [PacketType:1][Channels:1][PacketLen:2][SessionID:16][Samples:4]
type Header struct {
	PacketType uint8     // 0x01=Control, 0x02=Audio
	Channels   uint8     // audio channels, 0 for control packets
	PacketLen  uint16    // Total packet size (header + payload)
	SessionID  uuid.UUID // Session the packet belongs to
	Samples    uint32    // samples per channel, 0 for control packets
}

// Control is a JSON command for a session
type Control struct {
	Command   string           `json:"command"`
	Encoder   *encoder.Config  `json:"encoder,omitempty"`   // init
	Request   *encoder.Request `json:"request,omitempty"`   // data
	Detection map[string]any   `json:"detection,omitempty"` // configure_detection, loosely typed
	Force     bool             `json:"force,omitempty"`     // clear
}

// Validate checks the command name
func (c *Control) Validate() error {
	if !commands[c.Command] {
		return fmt.Errorf("unknown command %q", c.Command)
	}
	if c.Command == CommandInit && c.Encoder == nil {
		return fmt.Errorf("init command requires encoder settings")
	}
	return nil
}

// Packet represents a fully parsed packet
type Packet struct {
	Header  *Header
	Chunk   audio.Chunk // Only set for audio packets
	Control *Control    // Only set for control packets
}

// ParseHeader parses the 24-byte packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	header := &Header{
		PacketType: data[0],
		Channels:   data[1],
		PacketLen:  binary.BigEndian.Uint16(data[2:4]),
		Samples:    binary.BigEndian.Uint32(data[20:24]),
	}
	copy(header.SessionID[:], data[4:20])

	return header, nil
}

// ParsePacket parses a complete packet (header + payload)
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("packet too short: expected at least %d bytes, got %d", HeaderSize, len(data))
	}

	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &Packet{Header: header}
	payload := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeControl:
		ctl, err := ParseControl(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to parse control payload: %w", err)
		}
		packet.Control = ctl

	case PacketTypeAudio:
		chunk, err := DecodeSamples(payload, int(header.Channels), int(header.Samples))
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		packet.Chunk = chunk
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	if header.SessionID == uuid.Nil {
		return fmt.Errorf("missing session id")
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeControl:
		if payloadSize == 0 {
			return fmt.Errorf("control packet without payload")
		}
	case PacketTypeAudio:
		if header.Channels == 0 || int(header.Channels) > audio.MaxChannels {
			return fmt.Errorf("invalid channel count: %d (1..%d)", header.Channels, audio.MaxChannels)
		}
		expected := int(header.Channels) * int(header.Samples) * SampleSize
		if payloadSize != expected {
			return fmt.Errorf("audio payload size mismatch: expected %d, got %d", expected, payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeControl || ptype == PacketTypeAudio
}

// ParseControl decodes and validates a JSON command
func ParseControl(data []byte) (*Control, error) {
	var ctl Control
	if err := json.Unmarshal(data, &ctl); err != nil {
		return nil, fmt.Errorf("invalid control JSON: %w", err)
	}
	if err := ctl.Validate(); err != nil {
		return nil, err
	}
	return &ctl, nil
}

// DecodeSamples reads channel-planar little-endian float32 samples
func DecodeSamples(data []byte, channels, samples int) (audio.Chunk, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channel count: %d", channels)
	}
	if len(data) != channels*samples*SampleSize {
		return nil, fmt.Errorf("sample data size mismatch: expected %d, got %d",
			channels*samples*SampleSize, len(data))
	}

	chunk := make(audio.Chunk, channels)
	offset := 0
	for ch := range chunk {
		chunk[ch] = make([]float32, samples)
		for i := range chunk[ch] {
			chunk[ch][i] = math.Float32frombits(binary.LittleEndian.Uint32(data[offset:]))
			offset += SampleSize
		}
	}
	return chunk, nil
}

// AppendSamples appends the chunk as channel-planar little-endian float32.
// Every channel must have the same length.
func AppendSamples(dst []byte, c audio.Chunk) ([]byte, error) {
	n := c.Len()
	for ch := range c {
		if len(c[ch]) != n {
			return nil, fmt.Errorf("channel %d has %d samples, expected %d", ch, len(c[ch]), n)
		}
		for _, s := range c[ch] {
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(s))
		}
	}
	return dst, nil
}

// MarshalAudio builds an audio packet
func MarshalAudio(session uuid.UUID, c audio.Chunk) ([]byte, error) {
	if c.Channels() == 0 || c.Channels() > audio.MaxChannels {
		return nil, fmt.Errorf("invalid channel count: %d (1..%d)", c.Channels(), audio.MaxChannels)
	}
	size := HeaderSize + c.Channels()*c.Len()*SampleSize
	if size > MaxPacketSize {
		return nil, fmt.Errorf("packet too large: %d bytes (maximum %d)", size, MaxPacketSize)
	}

	packet := appendHeader(make([]byte, 0, size), Header{
		PacketType: PacketTypeAudio,
		Channels:   uint8(c.Channels()),
		PacketLen:  uint16(size),
		SessionID:  session,
		Samples:    uint32(c.Len()),
	})
	return AppendSamples(packet, c)
}

// MarshalControl builds a control packet
func MarshalControl(session uuid.UUID, ctl *Control) ([]byte, error) {
	body, err := json.Marshal(ctl)
	if err != nil {
		return nil, fmt.Errorf("failed to encode control: %w", err)
	}
	size := HeaderSize + len(body)
	if size > MaxPacketSize {
		return nil, fmt.Errorf("packet too large: %d bytes (maximum %d)", size, MaxPacketSize)
	}

	packet := appendHeader(make([]byte, 0, size), Header{
		PacketType: PacketTypeControl,
		PacketLen:  uint16(size),
		SessionID:  session,
	})
	return append(packet, body...), nil
}

func appendHeader(dst []byte, h Header) []byte {
	dst = append(dst, h.PacketType, h.Channels)
	dst = binary.BigEndian.AppendUint16(dst, h.PacketLen)
	dst = append(dst, h.SessionID[:]...)
	return binary.BigEndian.AppendUint32(dst, h.Samples)
}

// EncodeFrame encodes a chunk as a stream frame: [Channels:1][Samples:4]
// followed by the samples. Stream frames carry no session id.
func EncodeFrame(c audio.Chunk) ([]byte, error) {
	if c.Channels() == 0 || c.Channels() > audio.MaxChannels {
		return nil, fmt.Errorf("invalid channel count: %d (1..%d)", c.Channels(), audio.MaxChannels)
	}
	frame := make([]byte, 0, FrameHeaderSize+c.Channels()*c.Len()*SampleSize)
	frame = append(frame, uint8(c.Channels()))
	frame = binary.BigEndian.AppendUint32(frame, uint32(c.Len()))
	return AppendSamples(frame, c)
}

// DecodeFrame decodes a stream frame
func DecodeFrame(data []byte) (audio.Chunk, error) {
	if len(data) < FrameHeaderSize {
		return nil, fmt.Errorf("frame too short: expected at least %d bytes, got %d", FrameHeaderSize, len(data))
	}
	channels := int(data[0])
	if channels == 0 || channels > audio.MaxChannels {
		return nil, fmt.Errorf("invalid channel count: %d (1..%d)", channels, audio.MaxChannels)
	}
	samples := int(binary.BigEndian.Uint32(data[1:5]))
	return DecodeSamples(data[FrameHeaderSize:], channels, samples)
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string

	switch h.PacketType {
	case PacketTypeControl:
		packetType = "Control"
	case PacketTypeAudio:
		packetType = "Audio"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, Session:%s, Channels:%d, Samples:%d}",
		packetType, h.PacketLen, h.SessionID, h.Channels, h.Samples)
}
