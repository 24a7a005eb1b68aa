package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"congregate/api/internal/realtime"
)

const socketRequestTimeout = 10 * time.Second

type socketSendMessage struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Content        string `json:"content"`
}

type socketError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *HTTPServer) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if s.corsOrigin == "" || s.corsOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == s.corsOrigin
		},
	}
}

// handleSocket upgrades GET /ws. The optional userId query parameter tags
// the connection and is the default sender for sendMessage frames.
func (s *HTTPServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Realtime is disabled", nil)
		return
	}
	upgrader := s.upgrader()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := realtime.NewConnection(strings.TrimSpace(r.URL.Query().Get("userId")), ws)
	s.hub.Attach(conn)
	defer s.hub.Detach(conn)
	s.logger.Debug("socket connected", zap.String("conn_id", conn.ID), zap.String("user_id", conn.UserID))

	conn.ReadLoop(func(payload []byte) {
		s.handleSocketFrame(conn, payload)
	})
	conn.Close(websocket.CloseNormalClosure, "")
	s.logger.Debug("socket disconnected", zap.String("conn_id", conn.ID))
}

func (s *HTTPServer) handleSocketFrame(conn *realtime.Connection, payload []byte) {
	var env realtime.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.sendSocketError(conn, "VALIDATION_ERROR", "Invalid frame")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), socketRequestTimeout)
	defer cancel()

	switch env.Event {
	case realtime.EventJoinRoom, realtime.EventLeaveRoom:
		conversationID := roomFromData(env.Data)
		if conversationID == "" {
			s.sendSocketError(conn, "VALIDATION_ERROR", "Conversation id is required")
			return
		}
		if env.Event == realtime.EventLeaveRoom {
			s.hub.Leave(conversationID, conn)
			return
		}
		if _, err := s.service.GetConversation(ctx, conversationID); err != nil {
			_, code, message, _ := mapError(err)
			s.sendSocketError(conn, code, message)
			return
		}
		s.hub.Join(conversationID, conn)

	case realtime.EventSendMessage:
		var body socketSendMessage
		if err := json.Unmarshal(env.Data, &body); err != nil {
			s.sendSocketError(conn, "VALIDATION_ERROR", "Invalid sendMessage payload")
			return
		}
		senderID := body.UserID
		if strings.TrimSpace(senderID) == "" {
			senderID = conn.UserID
		}
		if _, err := s.service.SendMessage(ctx, body.ConversationID, SendMessageInput{SenderID: senderID, Content: body.Content}); err != nil {
			status, code, message, _ := mapError(err)
			if status >= http.StatusInternalServerError {
				s.logger.Error("socket send failed", zap.String("conn_id", conn.ID), zap.Error(err))
			}
			s.sendSocketError(conn, code, message)
		}

	default:
		s.sendSocketError(conn, "VALIDATION_ERROR", "Unknown event")
	}
}

// roomFromData accepts either a bare conversation id string or an object
// carrying conversationId.
func roomFromData(data json.RawMessage) string {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var body struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		return strings.TrimSpace(body.ConversationID)
	}
	return ""
}

func (s *HTTPServer) sendSocketError(conn *realtime.Connection, code, message string) {
	frame, err := realtime.Encode(realtime.EventError, socketError{Code: code, Message: message})
	if err != nil {
		return
	}
	_ = conn.Send(frame)
}
