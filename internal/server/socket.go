package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	orchestration "github.com/koscakluka/ema-surgery/core"
	"github.com/koscakluka/ema-surgery/core/events"
)

const writeTimeout = 10 * time.Second

// socket serializes writes to a session connection. The session goroutine
// and broadcasts both write to it.
type socket struct {
	conn      *websocket.Conn
	sessionID string

	mu     sync.Mutex
	closed bool
}

func (s *socket) send(msg events.Outbound) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Warn("failed to encode outbound message", "session_id", s.sessionID, "error", err)
		return
	}
	if err := s.write(websocket.TextMessage, data); err != nil {
		logger.Debug("failed to send message", "session_id", s.sessionID, "error", err)
	}
}

func (s *socket) play(audio []byte) error {
	return s.write(websocket.BinaryMessage, audio)
}

func (s *socket) write(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return websocket.ErrCloseSent
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}

func (s *socket) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.conn.Close()
}

// handleSession serves one browser tab. Text messages are session JSON,
// binary messages are microphone audio. The session is closed when the
// connection drops.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("failed to upgrade session socket", "error", err)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	sock := &socket{conn: conn, sessionID: sessionID}
	defer sock.close()

	_, err = s.orchestrator.Open(r.Context(), sessionID,
		orchestration.WithSend(sock.send),
		orchestration.WithPlayAudio(sock.play),
		orchestration.WithSpeechEnabled(s.speechEnabled),
	)
	if err != nil {
		logger.Warn("failed to open session", "error", err)
		sock.send(events.Outbound{Notice: "Could not open session: " + err.Error()})
		return
	}
	defer func() {
		if err := s.orchestrator.Close(sessionID); err != nil && !errors.Is(err, orchestration.ErrSessionNotFound) {
			logger.Warn("failed to close session", "session_id", sessionID, "error", err)
		}
	}()

	timelineID, err := s.orchestrator.TimelineID()
	if err != nil {
		logger.Warn("failed to resolve timeline", "session_id", sessionID, "error", err)
	}
	sock.send(events.Outbound{SessionID: sessionID, TimelineID: timelineID})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("session socket closed", "session_id", sessionID, "error", err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			s.route(sessionID, events.NewUserAudioFrame(data))
		case websocket.TextMessage:
			var msg events.Inbound
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.Warn("dropping malformed session message", "session_id", sessionID, "error", err)
				continue
			}
			for _, event := range msg.Events() {
				s.route(sessionID, event)
			}
		}
	}
}

func (s *Server) route(sessionID string, event events.Event) {
	if err := s.orchestrator.Route(sessionID, event); err != nil {
		logger.Warn("failed to route event", "session_id", sessionID, "kind", string(event.Kind()), "error", err)
	}
}
