package assistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vidaplus/clinica-ai/internal/http/middleware"
)

func newTestHandler(t *testing.T, llm StreamingLLMClient, opts ServiceOptions) *Handler {
	t.Helper()
	fx := newServiceFixture(t, llm, opts)
	return NewHandler(fx.service, nil)
}

func authedRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	return req.WithContext(middleware.WithUserID(req.Context(), "user-1"))
}

func TestHandlerRequiresUser(t *testing.T) {
	llm := &serviceLLM{intentLabel: "DESCONHECIDO", entitiesJSON: `{}`, reply: "oi"}
	handler := newTestHandler(t, llm, ServiceOptions{})
	router := handler.Routes()

	for _, tc := range []struct {
		method string
		target string
		body   string
	}{
		{http.MethodPost, "/conversations", ""},
		{http.MethodPost, "/conversations/sess-1/messages", `{"message":"oi"}`},
		{http.MethodGet, "/conversations/sess-1/history", ""},
	} {
		req := httptest.NewRequest(tc.method, tc.target, strings.NewReader(tc.body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s = %d, want 401", tc.method, tc.target, rec.Code)
		}
	}
}

func TestHandlerStartConversation(t *testing.T) {
	llm := &serviceLLM{intentLabel: "DESCONHECIDO", entitiesJSON: `{}`, reply: "oi"}
	handler := newTestHandler(t, llm, ServiceOptions{})

	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, authedRequest(http.MethodPost, "/conversations", ""))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp startConversationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SessionID == "" || resp.CreatedAt == "" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestHandlerMessage(t *testing.T) {
	llm := &serviceLLM{
		intentLabel:  "INFORMACOES_GERAIS",
		entitiesJSON: `{}`,
		reply:        "Funcionamos das 7h às 19h.",
	}
	handler := newTestHandler(t, llm, ServiceOptions{})

	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, authedRequest(
		http.MethodPost, "/conversations/sess-1/messages", `{"message":"qual o horario?"}`,
	))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Message != llm.reply {
		t.Fatalf("Message = %q", resp.Message)
	}
	if resp.Intent != IntentInformacoesGerais {
		t.Fatalf("Intent = %s", resp.Intent)
	}
}

func TestHandlerMessageValidation(t *testing.T) {
	llm := &serviceLLM{intentLabel: "DESCONHECIDO", entitiesJSON: `{}`, reply: "oi"}
	handler := newTestHandler(t, llm, ServiceOptions{})
	router := handler.Routes()

	for name, body := range map[string]string{
		"empty message": `{"message":"  "}`,
		"invalid json":  `{"message":`,
		"oversized":     `{"message":"` + strings.Repeat("a", maxMessageLength+1) + `"}`,
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(http.MethodPost, "/conversations/sess-1/messages", body))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rec.Code)
		}
	}
}

func TestHandlerMessageRateLimited(t *testing.T) {
	llm := &serviceLLM{intentLabel: "INFORMACOES_GERAIS", entitiesJSON: `{}`, reply: "oi"}
	_, client := newTestRedis(t)
	limiter := NewRateLimiter(client, 1, 0, nil)
	handler := newTestHandler(t, llm, ServiceOptions{Limiter: limiter})
	router := handler.Routes()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/conversations/sess-1/messages", `{"message":"oi"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/conversations/sess-1/messages", `{"message":"oi"}`))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", rec.Code)
	}
}

func TestHandlerMessageStreamed(t *testing.T) {
	llm := &serviceLLM{
		intentLabel:  "INFORMACOES_GERAIS",
		entitiesJSON: `{}`,
		streamChunks: []StreamChunk{{Text: "Das 7h "}, {Text: "às 19h."}},
	}
	handler := newTestHandler(t, llm, ServiceOptions{})

	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, authedRequest(
		http.MethodPost, "/conversations/sess-1/messages", `{"message":"qual o horario?","stream":true}`,
	))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q", got)
	}

	body := rec.Body.String()
	for _, want := range []string{"event: connected", "event: message", "event: complete"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "event: error") {
		t.Errorf("unexpected error event:\n%s", body)
	}
	if strings.Index(body, "event: connected") > strings.Index(body, "event: complete") {
		t.Error("connected event must precede the terminal event")
	}
}

func TestHandlerHistory(t *testing.T) {
	llm := &serviceLLM{intentLabel: "INFORMACOES_GERAIS", entitiesJSON: `{}`, reply: "Olá!"}
	fx := newServiceFixture(t, llm, ServiceOptions{})
	handler := NewHandler(fx.service, nil)

	if _, err := fx.service.ProcessMessage(context.Background(), "user-1", "sess-1", "oi"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, authedRequest(http.MethodGet, "/conversations/sess-1/history", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp historyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SessionID != "sess-1" || len(resp.Messages) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestHandlerHistoryLimitValidation(t *testing.T) {
	llm := &serviceLLM{intentLabel: "DESCONHECIDO", entitiesJSON: `{}`, reply: "oi"}
	handler := newTestHandler(t, llm, ServiceOptions{})
	router := handler.Routes()

	for _, limit := range []string{"0", "-1", "51", "abc"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(http.MethodGet, "/conversations/sess-1/history?limit="+limit, ""))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit %q: status = %d, want 400", limit, rec.Code)
		}
	}
}

func TestHandlerHealth(t *testing.T) {
	llm := &serviceLLM{intentLabel: "DESCONHECIDO", entitiesJSON: `{}`, reply: "oi"}
	handler := newTestHandler(t, llm, ServiceOptions{})

	rec := httptest.NewRecorder()
	handler.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Status       string          `json:"status"`
		Dependencies map[string]bool `json:"dependencies"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Dependencies["contextStore"] || !resp.Dependencies["vectorStore"] {
		t.Fatalf("dependencies = %v", resp.Dependencies)
	}
	// The audit database is optional; absent counts as healthy.
	if !resp.Dependencies["auditDatabase"] {
		t.Fatalf("dependencies = %v", resp.Dependencies)
	}
}
