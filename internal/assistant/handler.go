package assistant

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vidaplus/clinica-ai/internal/http/middleware"
	"github.com/vidaplus/clinica-ai/pkg/logging"
)

const (
	maxMessageLength = 2000

	defaultHistoryLimit = 20
	maxHistoryLimit     = 50
)

// Handler exposes the assistant over HTTP.
type Handler struct {
	service *AssistantService
	logger  *logging.Logger
}

// NewHandler creates the assistant HTTP handler.
func NewHandler(service *AssistantService, logger *logging.Logger) *Handler {
	if service == nil {
		panic("assistant: service cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Routes mounts the assistant endpoints on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/conversations", h.handleStartConversation)
	r.Post("/conversations/{sessionID}/messages", h.handleMessage)
	r.Get("/conversations/{sessionID}/history", h.handleHistory)
	return r
}

type messageRequest struct {
	Message string `json:"message"`
	Stream  bool   `json:"stream,omitempty"`
}

type startConversationResponse struct {
	SessionID string `json:"sessionId"`
	CreatedAt string `json:"createdAt"`
}

type historyResponse struct {
	SessionID string            `json:"sessionId"`
	Messages  []TranscriptEntry `json:"messages"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
		return
	}

	sessionID, err := h.service.StartSession(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to start conversation", "error", err, "user_id", userID)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to start conversation"})
		return
	}

	writeJSON(w, http.StatusCreated, startConversationResponse{
		SessionID: sessionID,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "session id is required"})
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	message := strings.TrimSpace(req.Message)
	if message == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message cannot be empty"})
		return
	}
	if len([]rune(message)) > maxMessageLength {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: fmt.Sprintf("message exceeds %d characters", maxMessageLength),
		})
		return
	}

	if req.Stream {
		h.streamMessage(w, r, userID, sessionID, message)
		return
	}

	resp, err := h.service.ProcessMessage(r.Context(), userID, sessionID, message)
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many requests"})
			return
		}
		h.logger.Error("message processing failed", "error", err, "user_id", userID)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to process message"})
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// streamMessage answers the turn as server-sent events: a connected event,
// zero or more message events and exactly one terminal complete or error
// event.
func (h *Handler) streamMessage(w http.ResponseWriter, r *http.Request, userID, sessionID, message string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming not supported"})
		return
	}

	stream, err := h.service.ProcessMessageStreaming(r.Context(), userID, sessionID, message)
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many requests"})
			return
		}
		h.logger.Error("streamed message processing failed", "error", err, "user_id", userID)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to process message"})
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, "connected", map[string]string{"sessionId": sessionID})
	flusher.Flush()

	for {
		event, ok := stream.Recv()
		if !ok {
			return
		}
		switch event.Type {
		case StreamEventMessage:
			writeSSE(w, "message", map[string]string{"text": event.Text})
		case StreamEventComplete:
			writeSSE(w, "complete", event.Response)
			flusher.Flush()
			return
		case StreamEventError:
			h.logger.Error("turn stream failed", "error", event.Err, "user_id", userID)
			writeSSE(w, "error", map[string]string{"error": "failed to generate response"})
			flusher.Flush()
			return
		}
		flusher.Flush()
	}
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "session id is required"})
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxHistoryLimit {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error: fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit),
			})
			return
		}
		limit = parsed
	}

	messages, err := h.service.History(r.Context(), userID, sessionID, limit)
	if err != nil {
		h.logger.Error("history lookup failed", "error", err, "user_id", userID)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load history"})
		return
	}
	if messages == nil {
		messages = []TranscriptEntry{}
	}

	writeJSON(w, http.StatusOK, historyResponse{SessionID: sessionID, Messages: messages})
}

// HandleHealth reports per-dependency reachability. Mounted unauthenticated.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.service.Health(r.Context())

	status := http.StatusOK
	for _, healthy := range health {
		if !healthy {
			status = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, status, map[string]any{
		"status":       http.StatusText(status),
		"dependencies": health,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Default().Error("failed to encode response", "error", err)
	}
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
