package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/audio-encoder-service/internal/encoder"
	"github.com/skypro1111/audio-encoder-service/internal/protocol"
	"github.com/skypro1111/audio-encoder-service/internal/stream"
)

const (
	subscriptionBuffer = 64
	wsWriteTimeout     = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsStream serializes writes to one websocket connection
type wsStream struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsStream) write(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(messageType, data)
}

func (s *wsStream) writeEvent(ev EventMessage) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, body)
}

// handleStream implements GET /sessions/{id}/stream. Binary messages are
// stream frames, text messages are control commands. Session messages are
// sent as JSON events; a data event is followed by one binary message with
// the payload.
func (h *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Websocket upgrade failed",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	// Server deadlines carry over the hijacked connection
	conn.SetReadDeadline(time.Time{})
	conn.SetReadLimit(maxBodySize)

	ws := &wsStream{conn: conn}
	events, unsubscribe := session.Subscribe(subscriptionBuffer)
	defer unsubscribe()

	logger := h.logger.With(slog.String("session_id", session.ID))
	logger.Info("Websocket stream opened", slog.String("remote_addr", r.RemoteAddr))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.forwardEvents(ws, session.ID, events, logger)
	}()

	h.readStream(ws, session, logger)

	unsubscribe()
	<-writerDone

	logger.Info("Websocket stream closed")
}

// forwardEvents writes session messages until the subscription ends. A
// closed subscription means the session is gone, so the peer gets a close
// frame.
func (h *HTTPServer) forwardEvents(ws *wsStream, sessionID string, events <-chan encoder.Message, logger *slog.Logger) {
	for msg := range events {
		if err := ws.writeEvent(newEventMessage(sessionID, msg)); err != nil {
			logger.Debug("Websocket write failed", slog.String("error", err.Error()))
			return
		}
		if msg.Kind == encoder.KindData {
			if err := ws.write(websocket.BinaryMessage, msg.Data.Payload.Bytes()); err != nil {
				logger.Debug("Websocket write failed", slog.String("error", err.Error()))
				return
			}
		}
	}

	ws.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
	ws.conn.Close()
}

// readStream handles inbound messages until the connection fails or the
// session ends
func (h *HTTPServer) readStream(ws *wsStream, session *stream.Session, logger *slog.Logger) {
	for {
		messageType, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Websocket read failed", slog.String("error", err.Error()))
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			chunk, err := protocol.DecodeFrame(data)
			if err != nil {
				h.metrics.RecordParseError()
				ws.writeEvent(EventMessage{Type: "error", SessionID: session.ID, Error: err.Error()})
				continue
			}
			if _, err := feed(session, chunk, logger); err != nil {
				ws.writeEvent(EventMessage{Type: "error", SessionID: session.ID, Error: err.Error()})
			}

		case websocket.TextMessage:
			ctl, err := protocol.ParseControl(data)
			if err != nil {
				h.metrics.RecordParseError()
				ws.writeEvent(EventMessage{Type: "error", SessionID: session.ID, Error: err.Error()})
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
			err = applyControl(ctx, h.streamMgr, session.ID, ctl, logger)
			cancel()
			if err != nil {
				ws.writeEvent(EventMessage{Type: "error", SessionID: session.ID, Error: err.Error()})
				continue
			}
			if ctl.Command == protocol.CommandClose {
				return
			}
		}
	}
}
