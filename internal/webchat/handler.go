package webchat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/vidaplus/clinica-ai/internal/assistant"
	"github.com/vidaplus/clinica-ai/pkg/logging"
)

// Handler manages web chat connections and streams assistant replies over
// WebSocket.
type Handler struct {
	service *assistant.AssistantService
	logger  *logging.Logger
	widget  []byte

	mu       sync.Mutex
	sessions map[string]*websocket.Conn // userID:sessionID -> active connection
}

// InboundMessage is what the widget sends.
type InboundMessage struct {
	Type      string `json:"type"` // "message", "ping"
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// OutboundMessage is what we send to the widget.
type OutboundMessage struct {
	Type      string           `json:"type"` // "session", "history", "typing", "chunk", "message", "pong", "error"
	Text      string           `json:"text,omitempty"`
	Role      string           `json:"role,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Timestamp string           `json:"timestamp,omitempty"`
	Messages  []HistoryMessage `json:"messages,omitempty"`
}

// HistoryMessage is a simplified message for history responses.
type HistoryMessage struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// NewHandler creates a web chat handler.
func NewHandler(service *assistant.AssistantService, widget []byte, logger *logging.Logger) *Handler {
	if service == nil {
		panic("webchat: assistant service cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		service:  service,
		logger:   logger,
		widget:   widget,
		sessions: make(map[string]*websocket.Conn),
	}
}

// register makes conn the session's active connection. Any previous connection
// for the same session is closed, so a reopened widget tab takes over.
func (h *Handler) register(key string, conn *websocket.Conn) {
	h.mu.Lock()
	prev := h.sessions[key]
	h.sessions[key] = conn
	h.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
}

func (h *Handler) unregister(key string, conn *websocket.Conn) {
	h.mu.Lock()
	if h.sessions[key] == conn {
		delete(h.sessions, key)
	}
	h.mu.Unlock()
}

func sessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// generateSessionID creates a random session identifier.
func generateSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return uuid.New().String()
	}
	return hex.EncodeToString(b)
}

// HandleWebSocket upgrades to WebSocket and handles real-time messaging.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(func(conn *websocket.Conn) {
		h.serveWS(conn, r)
	}).ServeHTTP(w, r)
}

func (h *Handler) serveWS(conn *websocket.Conn, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		_ = websocket.JSON.Send(conn, OutboundMessage{Type: "error", Text: "missing user parameter"})
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = generateSessionID()
	}

	// Send session info
	_ = websocket.JSON.Send(conn, OutboundMessage{
		Type:      "session",
		SessionID: sessionID,
	})

	// Send history if available
	if msgs, err := h.service.History(r.Context(), userID, sessionID, 50); err == nil && len(msgs) > 0 {
		history := make([]HistoryMessage, 0, len(msgs))
		for _, m := range msgs {
			history = append(history, HistoryMessage{
				Role:      m.Role,
				Text:      m.Content,
				Timestamp: m.Timestamp.Format(time.RFC3339),
			})
		}
		_ = websocket.JSON.Send(conn, OutboundMessage{Type: "history", Messages: history})
	}

	key := sessionKey(userID, sessionID)
	h.register(key, conn)
	defer h.unregister(key, conn)

	h.logger.Info("webchat: connection opened", "user_id", userID, "session_id", sessionID)

	for {
		var msg InboundMessage
		if err := websocket.JSON.Receive(conn, &msg); err != nil {
			h.logger.Debug("webchat: connection closed", "user_id", userID, "error", err)
			return
		}

		if msg.Type == "ping" {
			_ = websocket.JSON.Send(conn, OutboundMessage{Type: "pong"})
			continue
		}

		if msg.Type != "message" || strings.TrimSpace(msg.Text) == "" {
			continue
		}

		h.processMessage(r.Context(), conn, userID, sessionID, msg.Text)
	}
}

// processMessage runs one streamed turn and forwards the reply fragments to
// the socket as chunk events, ending with the full message.
func (h *Handler) processMessage(ctx context.Context, conn *websocket.Conn, userID, sessionID, text string) {
	_ = websocket.JSON.Send(conn, OutboundMessage{Type: "typing"})

	stream, err := h.service.ProcessMessageStreaming(ctx, userID, sessionID, text)
	if err != nil {
		h.logger.Error("webchat: failed to process message", "error", err, "user_id", userID)
		_ = websocket.JSON.Send(conn, OutboundMessage{
			Type: "error",
			Text: "Desculpe, algo deu errado. Tente novamente.",
		})
		return
	}
	defer stream.Close()

	for {
		event, ok := stream.Recv()
		if !ok {
			return
		}
		switch event.Type {
		case assistant.StreamEventMessage:
			_ = websocket.JSON.Send(conn, OutboundMessage{Type: "chunk", Role: "assistant", Text: event.Text})
		case assistant.StreamEventComplete:
			_ = websocket.JSON.Send(conn, OutboundMessage{
				Type:      "message",
				Role:      "assistant",
				Text:      event.Response.Message,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})
			return
		case assistant.StreamEventError:
			h.logger.Error("webchat: turn stream failed", "error", event.Err, "user_id", userID)
			_ = websocket.JSON.Send(conn, OutboundMessage{
				Type: "error",
				Text: "Desculpe, algo deu errado. Tente novamente.",
			})
			return
		}
	}
}

// ServeWidget serves the embeddable widget JavaScript.
func (h *Handler) ServeWidget(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_, _ = w.Write(h.widget)
}
