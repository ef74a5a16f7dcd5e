package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/vidaplus/clinica-ai/internal/assistant"
	"github.com/vidaplus/clinica-ai/internal/webchat"
)

const testSecret = "router-test-secret"

type cannedLLM struct{}

func (cannedLLM) Complete(_ context.Context, req assistant.LLMRequest) (assistant.LLMResponse, error) {
	system := strings.Join(req.System, "\n")
	switch {
	case strings.Contains(system, "classificador"):
		return assistant.LLMResponse{Text: "INFORMACOES_GERAIS"}, nil
	case strings.Contains(system, "extrai dados"):
		return assistant.LLMResponse{Text: "{}"}, nil
	default:
		return assistant.LLMResponse{Text: "Olá! Como posso ajudar?"}, nil
	}
}

func (cannedLLM) CompleteStream(_ context.Context, _ assistant.LLMRequest) (<-chan assistant.StreamChunk, error) {
	out := make(chan assistant.StreamChunk, 2)
	out <- assistant.StreamChunk{Text: "Olá!"}
	out <- assistant.StreamChunk{Done: true}
	close(out)
	return out, nil
}

type zeroEmbedder struct{}

func (zeroEmbedder) Embed(_ context.Context, _ string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1}
	}
	return out, nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	contexts := assistant.NewContextStore(client, 30*time.Minute, nil)
	transcripts := assistant.NewTranscriptStore(client, time.Hour, nil)
	vectors := assistant.NewVectorStore(client, zeroEmbedder{}, "test-embedding-model", nil)
	retriever := assistant.NewRetriever(vectors, transcripts, 0.5, 3, nil)
	prompts, err := assistant.NewPromptRegistry()
	if err != nil {
		t.Fatalf("NewPromptRegistry: %v", err)
	}
	llm := cannedLLM{}
	nlp := assistant.NewNLPPipeline(llm, "test-model", nil)
	service := assistant.NewAssistantService(llm, "test-model", nlp, contexts, transcripts, retriever, prompts, nil, assistant.ServiceOptions{})

	return New(&Config{
		AssistantHandler: assistant.NewHandler(service, nil),
		WebchatHandler:   webchat.NewHandler(service, []byte("// widget"), nil),
		MetricsHandler:   promhttp.Handler(),
		AuthSecret:       testSecret,
	})
}

func bearerToken(t *testing.T, secret, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + token
}

func TestRouterPublicEndpoints(t *testing.T) {
	router := newTestRouter(t)

	for _, target := range []string{"/health", "/metrics", "/webchat/widget.js"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", target, rec.Code)
		}
	}
}

func TestRouterAssistantRequiresAuth(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/assistant/conversations", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/assistant/conversations", nil)
	req.Header.Set("Authorization", bearerToken(t, "wrong-secret", "user-1"))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token = %d, want 401", rec.Code)
	}
}

func TestRouterAssistantWithToken(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/assistant/conversations", nil)
	req.Header.Set("Authorization", bearerToken(t, testSecret, "user-1"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "sessionId") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestRouterUnknownRoute(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
