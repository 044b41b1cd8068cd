package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/skypro1111/audio-encoder-service/internal/audio"
	"github.com/skypro1111/audio-encoder-service/internal/encoder"
	"github.com/skypro1111/audio-encoder-service/internal/protocol"
	"github.com/skypro1111/audio-encoder-service/internal/stream"
	"github.com/skypro1111/audio-encoder-service/internal/vad"
)

// applyControl runs a control command against the session with id. Init
// creates the session when it does not exist yet; close removes it.
func applyControl(ctx context.Context, mgr *stream.Manager, id string, ctl *protocol.Control, logger *slog.Logger) error {
	switch ctl.Command {
	case protocol.CommandInit:
		if _, exists := mgr.GetSession(id); !exists {
			_, err := mgr.CreateSession(stream.SessionRequest{ID: id, Encoder: ctl.Encoder})
			return err
		}
	case protocol.CommandClose:
		if !mgr.RemoveSession(id) {
			return fmt.Errorf("%w: %s", stream.ErrSessionNotFound, id)
		}
		return nil
	}

	session, exists := mgr.GetSession(id)
	if !exists {
		return fmt.Errorf("%w: %s", stream.ErrSessionNotFound, id)
	}
	return applySessionControl(ctx, session, ctl, logger)
}

// applySessionControl runs every command except close against session
func applySessionControl(ctx context.Context, session *stream.Session, ctl *protocol.Control, logger *slog.Logger) error {
	switch ctl.Command {
	case protocol.CommandInit:
		if ctl.Encoder == nil {
			return fmt.Errorf("init command requires encoder settings")
		}
		return session.Init(ctx, *ctl.Encoder)
	case protocol.CommandData:
		req := encoder.Request{}
		if ctl.Request != nil {
			req = *ctl.Request
		}
		return session.RequestData(ctx, req)
	case protocol.CommandClear:
		return session.Clear(ctx, ctl.Force)
	case protocol.CommandStartDetection:
		return session.StartDetection(ctx)
	case protocol.CommandStopDetection:
		return session.StopDetection(ctx)
	case protocol.CommandConfigureDetection:
		return session.ConfigureDetection(ctx, vad.ParseConfig(ctl.Detection, logger))
	}
	return fmt.Errorf("unsupported command %q", ctl.Command)
}

// feedResult reports what happened to one piece of incoming audio
type feedResult struct {
	Queued          int
	Dropped         int
	DroppedChannels int // channels beyond the session's channel count
}

// feed splits c into frames of the session's buffer size and queues them.
// The last partial frame is queued as is. Extra channels are dropped with a
// warning.
func feed(session *stream.Session, c audio.Chunk, logger *slog.Logger) (feedResult, error) {
	var res feedResult
	cfg := session.Config()
	chunker, err := audio.NewChunker(audio.ChunkingConfig{
		FrameSize: cfg.BufferSize,
		Channels:  cfg.Channels,
	})
	if err != nil {
		return res, err
	}

	frames := chunker.Write(c)
	if last := chunker.Flush(false); last != nil {
		frames = append(frames, last)
	}
	if chunker.GetStats().ChunksTruncated > 0 {
		res.DroppedChannels = c.Channels() - cfg.Channels
		logger.Warn("Audio has more channels than the session, extra channels dropped",
			slog.String("session_id", session.ID),
			slog.Int("audio_channels", c.Channels()),
			slog.Int("channels", cfg.Channels),
		)
	}

	for _, frame := range frames {
		if session.Encode(frame) {
			res.Queued++
		} else {
			res.Dropped++
		}
	}
	return res, nil
}

// EventMessage is the JSON form of a session message
type EventMessage struct {
	Type            string      `json:"type"`
	SessionID       string      `json:"session_id"`
	SupportedTypes  []string    `json:"supported_types,omitempty"`
	Event           string      `json:"event,omitempty"`
	CanDetectSpeech *bool       `json:"can_detect_speech,omitempty"`
	Error           string      `json:"error,omitempty"`
	Data            *DataHeader `json:"data,omitempty"`
}

// DataHeader describes a data payload sent as a separate binary message
type DataHeader struct {
	ResultMode encoder.ResultMode `json:"result_mode"`
	MimeType   string             `json:"mime_type"`
	Finish     bool               `json:"finish"`
	Streaming  bool               `json:"streaming"`
	Context    string             `json:"context,omitempty"`
	Size       int                `json:"size"`
	Buffers    []int              `json:"buffers,omitempty"` // raw mode buffer lengths
	Channels   int                `json:"channels,omitempty"`
}

// newEventMessage converts a session message. Data payload bytes are not
// included.
func newEventMessage(sessionID string, msg encoder.Message) EventMessage {
	ev := EventMessage{Type: msg.Kind.String(), SessionID: sessionID}

	switch msg.Kind {
	case encoder.KindInitialized:
		ev.SupportedTypes = msg.SupportedTypes
	case encoder.KindDetection:
		ev.Event = msg.Detection.String()
		if msg.Detection == vad.EventDetectionInitialized {
			can := msg.CanDetectSpeech
			ev.CanDetectSpeech = &can
		}
	case encoder.KindError:
		if msg.Err != nil {
			ev.Error = msg.Err.Error()
		}
	case encoder.KindData:
		ev.Data = newDataHeader(msg.Data)
	}
	return ev
}

func newDataHeader(d *encoder.Data) *DataHeader {
	h := &DataHeader{
		ResultMode: d.ResultMode,
		MimeType:   d.MimeType,
		Finish:     d.Finish,
		Streaming:  d.Streaming,
		Context:    d.Context,
		Size:       d.Payload.Len(),
	}
	switch d.ResultMode {
	case encoder.ResultRaw:
		h.Buffers = make([]int, len(d.Payload.Raw))
		for i, b := range d.Payload.Raw {
			h.Buffers[i] = len(b)
		}
	case encoder.ResultRecordingBuffers:
		h.Channels = len(d.Payload.Samples)
	}
	return h
}
