package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vidaplus/clinica-ai/pkg/logging"
)

// Confidence heuristic constants. These are uncalibrated tunables; the score
// gates behavior (confirmation prompts) and never rejects a turn.
const (
	confidenceBase        = 0.5
	confidenceIntentBonus = 0.2
	confidenceEntityStep  = 0.1
	confidenceEntityCap   = 0.3
)

// NLPResult is the ephemeral per-turn output of the extraction pipeline.
type NLPResult struct {
	Intent       Intent             `json:"intent"`
	Confidence   float64            `json:"confidence"`
	Entities     *ExtractedEntities `json:"entities,omitempty"`
	OriginalText string             `json:"originalText"`
	ProcessedAt  time.Time          `json:"processedAt"`
}

// NLPPipeline classifies intent and extracts entities from raw user text.
// Both sub-steps call the completion service first and fall back to
// deterministic keyword/regex paths, so Process never fails a turn.
type NLPPipeline struct {
	llm    LLMClient
	model  string
	logger *logging.Logger
}

// NewNLPPipeline creates the extraction pipeline. llm may be nil, in which
// case only the deterministic paths run.
func NewNLPPipeline(llm LLMClient, model string, logger *logging.Logger) *NLPPipeline {
	if logger == nil {
		logger = logging.Default()
	}
	return &NLPPipeline{llm: llm, model: model, logger: logger}
}

// Process turns a raw message into a classified intent plus candidate slot
// values. Extraction failures are never fatal; the worst case is the keyword
// intent with empty entities.
func (p *NLPPipeline) Process(ctx context.Context, message, userID string, history []ChatMessage) NLPResult {
	intent := p.classifyIntent(ctx, message, history)
	entities := p.extractEntities(ctx, message)

	result := NLPResult{
		Intent:       intent,
		Confidence:   scoreConfidence(intent, entities),
		Entities:     entities,
		OriginalText: message,
		ProcessedAt:  time.Now().UTC(),
	}

	p.logger.Debug("nlp processed turn",
		"user_id", userID,
		"intent", string(result.Intent),
		"confidence", result.Confidence,
		"entity_fields", entities.NonEmptyFieldCount(),
	)
	return result
}

const intentClassifierSystem = `Você é um classificador de intenções de uma clínica médica.
Responda com exatamente um rótulo, sem explicações:
AGENDAR_CONSULTA, REAGENDAR_CONSULTA, CANCELAR_CONSULTA, CONSULTAR_AGENDAMENTO, EMERGENCIA, INFORMACOES_GERAIS ou DESCONHECIDO.`

func (p *NLPPipeline) classifyIntent(ctx context.Context, message string, history []ChatMessage) Intent {
	if p.llm == nil {
		return classifyByKeywords(message)
	}

	messages := make([]ChatMessage, 0, 4)
	// Bring in at most the last two turns so a short answer ("amanhã de
	// manhã") classifies against what was being discussed.
	if n := len(history); n > 0 {
		start := n - 2
		if start < 0 {
			start = 0
		}
		messages = append(messages, history[start:]...)
	}
	messages = append(messages, ChatMessage{Role: ChatRoleUser, Content: message})

	resp, err := p.llm.Complete(ctx, LLMRequest{
		Model:       p.model,
		System:      []string{intentClassifierSystem},
		Messages:    messages,
		MaxTokens:   16,
		Temperature: 0,
	})
	if err != nil {
		p.logger.Warn("intent classification failed, using keyword fallback", "error", err)
		return classifyByKeywords(message)
	}

	intent, ok := ParseIntent(firstToken(resp.Text))
	if !ok {
		p.logger.Warn("intent classifier returned unknown label, using keyword fallback",
			"label", strings.TrimSpace(resp.Text))
		return classifyByKeywords(message)
	}
	return intent
}

const entityExtractorSystem = `Você extrai dados estruturados de mensagens de pacientes de uma clínica.
Responda somente com um objeto JSON com os campos opcionais:
nome, documento, telefone, email, especialidade (lista), temporal {data, hora, periodo}, sintomas (lista), urgencia, preferencia, consulta_ref.
Omita campos sem valor. Não invente dados.`

func (p *NLPPipeline) extractEntities(ctx context.Context, message string) *ExtractedEntities {
	if p.llm == nil {
		return extractEntitiesByRules(message)
	}

	resp, err := p.llm.Complete(ctx, LLMRequest{
		Model:       p.model,
		System:      []string{entityExtractorSystem},
		Messages:    []ChatMessage{{Role: ChatRoleUser, Content: message}},
		MaxTokens:   512,
		Temperature: 0,
	})
	if err != nil {
		p.logger.Warn("entity extraction failed, using rule fallback", "error", err)
		return extractEntitiesByRules(message)
	}

	entities, err := decodeEntities(resp.Text)
	if err != nil {
		p.logger.Warn("entity extraction output unparseable, using rule fallback", "error", err)
		return extractEntitiesByRules(message)
	}
	return entities
}

// decodeEntities parses the model's JSON output. The raw document is cleaned
// of empty placeholders before decoding into the typed record.
func decodeEntities(raw string) (*ExtractedEntities, error) {
	payload := extractJSONObject(raw)
	if payload == "" {
		return nil, fmt.Errorf("assistant: no JSON object in extraction output")
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("assistant: decode extraction output: %w", err)
	}

	cleaned, err := json.Marshal(CleanEntityMap(doc))
	if err != nil {
		return nil, fmt.Errorf("assistant: re-encode extraction output: %w", err)
	}

	entities := &ExtractedEntities{}
	if err := json.Unmarshal(cleaned, entities); err != nil {
		return nil, fmt.Errorf("assistant: decode entities: %w", err)
	}
	return entities.Clean(), nil
}

// extractJSONObject pulls the outermost {...} from a completion that may wrap
// JSON in prose or markdown fences.
func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

func firstToken(s string) string {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], ".,:;\"'`")
}

// scoreConfidence applies the advisory heuristic: base 0.5, +0.2 for a
// specific intent, +0.1 per non-empty entity field capped at +0.3, clamped to
// [0,1].
func scoreConfidence(intent Intent, entities *ExtractedEntities) float64 {
	score := confidenceBase
	if intent != IntentDesconhecido && intent != IntentInformacoesGerais {
		score += confidenceIntentBonus
	}
	entityBonus := confidenceEntityStep * float64(entities.NonEmptyFieldCount())
	if entityBonus > confidenceEntityCap {
		entityBonus = confidenceEntityCap
	}
	score += entityBonus
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}
