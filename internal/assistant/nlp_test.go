package assistant

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
)

// scriptedLLM answers classification and extraction requests from canned
// responses, keyed on the system prompt.
type scriptedLLM struct {
	intentLabel  string
	entitiesJSON string
	err          error
	requests     []LLMRequest
}

func (s *scriptedLLM) Complete(_ context.Context, req LLMRequest) (LLMResponse, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return LLMResponse{}, s.err
	}
	system := strings.Join(req.System, "\n")
	switch {
	case strings.Contains(system, "classificador"):
		return LLMResponse{Text: s.intentLabel}, nil
	case strings.Contains(system, "extrai dados"):
		return LLMResponse{Text: s.entitiesJSON}, nil
	default:
		return LLMResponse{Text: "ok"}, nil
	}
}

func TestNLPPipelineProcess(t *testing.T) {
	llm := &scriptedLLM{
		intentLabel:  "AGENDAR_CONSULTA",
		entitiesJSON: `{"nome":"Maria Souza","especialidade":["cardiologia"],"telefone":""}`,
	}
	pipeline := NewNLPPipeline(llm, "test-model", nil)

	result := pipeline.Process(context.Background(), "Quero marcar cardiologia, sou a Maria Souza", "user-1", nil)

	if result.Intent != IntentAgendarConsulta {
		t.Fatalf("Intent = %s", result.Intent)
	}
	if result.Entities == nil || result.Entities.Name != "Maria Souza" {
		t.Fatalf("Entities = %+v", result.Entities)
	}
	if result.Entities.Phone != "" {
		t.Fatalf("empty phone placeholder must be stripped, got %q", result.Entities.Phone)
	}
	if result.OriginalText == "" || result.ProcessedAt.IsZero() {
		t.Fatal("result must carry original text and timestamp")
	}
}

func TestNLPPipelineFallsBackOnLLMError(t *testing.T) {
	llm := &scriptedLLM{err: errors.New("provider down")}
	pipeline := NewNLPPipeline(llm, "test-model", nil)

	result := pipeline.Process(context.Background(), "Preciso cancelar minha consulta", "user-1", nil)

	if result.Intent != IntentCancelarConsulta {
		t.Fatalf("keyword fallback Intent = %s", result.Intent)
	}
}

func TestNLPPipelineFallsBackOnUnknownLabel(t *testing.T) {
	llm := &scriptedLLM{intentLabel: "SOMETHING_ELSE", entitiesJSON: "{}"}
	pipeline := NewNLPPipeline(llm, "test-model", nil)

	result := pipeline.Process(context.Background(), "quero agendar uma consulta", "user-1", nil)

	if result.Intent != IntentAgendarConsulta {
		t.Fatalf("Intent = %s, want keyword fallback to schedule", result.Intent)
	}
}

func TestNLPPipelineWithoutLLM(t *testing.T) {
	pipeline := NewNLPPipeline(nil, "", nil)

	result := pipeline.Process(context.Background(), "meu nome é Pedro Alves, quero remarcar", "user-1", nil)

	if result.Intent != IntentReagendarConsulta {
		t.Fatalf("Intent = %s", result.Intent)
	}
	if result.Entities == nil || result.Entities.Name != "Pedro Alves" {
		t.Fatalf("Entities = %+v", result.Entities)
	}
}

func TestNLPPipelineHistoryWindow(t *testing.T) {
	llm := &scriptedLLM{intentLabel: "AGENDAR_CONSULTA", entitiesJSON: "{}"}
	pipeline := NewNLPPipeline(llm, "test-model", nil)

	history := []ChatMessage{
		{Role: ChatRoleUser, Content: "primeira"},
		{Role: ChatRoleAssistant, Content: "segunda"},
		{Role: ChatRoleUser, Content: "terceira"},
		{Role: ChatRoleAssistant, Content: "quarta"},
	}
	pipeline.Process(context.Background(), "amanhã de manhã", "user-1", history)

	if len(llm.requests) == 0 {
		t.Fatal("expected classification request")
	}
	classify := llm.requests[0]
	// Last two history turns plus the new message.
	if len(classify.Messages) != 3 {
		t.Fatalf("classification messages = %d, want 3", len(classify.Messages))
	}
	if classify.Messages[0].Content != "terceira" {
		t.Fatalf("history window starts at %q", classify.Messages[0].Content)
	}
}

func TestDecodeEntitiesWithFencedJSON(t *testing.T) {
	entities, err := decodeEntities("Aqui está:\n```json\n{\"nome\":\"Ana\",\"temporal\":{\"data\":\"\"}}\n```")
	if err != nil {
		t.Fatalf("decodeEntities: %v", err)
	}
	if entities.Name != "Ana" {
		t.Fatalf("Name = %q", entities.Name)
	}
	if entities.Temporal != nil {
		t.Fatal("empty temporal object must be dropped")
	}
}

func TestDecodeEntitiesRejectsNonJSON(t *testing.T) {
	if _, err := decodeEntities("não há dados"); err == nil {
		t.Fatal("expected error for output without JSON")
	}
}

func TestScoreConfidence(t *testing.T) {
	tests := []struct {
		name     string
		intent   Intent
		entities *ExtractedEntities
		want     float64
	}{
		{"unknown intent, no entities", IntentDesconhecido, &ExtractedEntities{}, 0.5},
		{"general info, no entities", IntentInformacoesGerais, &ExtractedEntities{}, 0.5},
		{"specific intent, no entities", IntentAgendarConsulta, &ExtractedEntities{}, 0.7},
		{"specific intent, one entity", IntentAgendarConsulta, &ExtractedEntities{Name: "Ana"}, 0.8},
		{
			"entity bonus capped",
			IntentAgendarConsulta,
			&ExtractedEntities{
				Name:        "Ana",
				Phone:       "11987654321",
				Email:       "ana@example.com",
				Urgency:     "alta",
				Specialties: []string{"pediatria"},
			},
			1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scoreConfidence(tt.intent, tt.entities)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("scoreConfidence = %v, want %v", got, tt.want)
			}
		})
	}
}
