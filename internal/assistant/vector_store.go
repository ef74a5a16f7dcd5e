package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vidaplus/clinica-ai/pkg/logging"
)

// Collection names for the similarity store.
const (
	CollectionKnowledge     = "knowledge"
	CollectionConversations = "conversations"
)

const vectorKeyPrefix = "assistant:vec:"

// Embedder produces embedding vectors for a batch of texts.
type Embedder interface {
	Embed(ctx context.Context, modelID string, texts []string) ([][]float32, error)
}

// Document is one entry in a similarity collection.
type Document struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SearchResult is a scored document. Score is 1-distance; collections of
// results are always sorted by descending score and pre-filtered to
// score >= threshold.
type SearchResult struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Distance float64           `json:"distance"`
	Score    float64           `json:"score"`
}

// SearchOptions controls a similarity query.
type SearchOptions struct {
	Collection string
	Limit      int
	Threshold  float64
	Filter     map[string]string
}

type storedDocument struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Embedding []float32         `json:"embedding"`
}

// VectorStore keeps embedded documents in Redis lists, one per collection,
// and scores them with cosine similarity at query time. The clinic corpus is
// small enough that a full scan per query beats operating a dedicated vector
// database.
type VectorStore struct {
	redis          *redis.Client
	embedder       Embedder
	embeddingModel string
	tracer         trace.Tracer
	logger         *logging.Logger
}

// NewVectorStore creates the Redis-backed similarity store.
func NewVectorStore(redisClient *redis.Client, embedder Embedder, embeddingModel string, logger *logging.Logger) *VectorStore {
	if redisClient == nil {
		panic("assistant: redis client cannot be nil")
	}
	if embedder == nil {
		panic("assistant: embedder cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &VectorStore{
		redis:          redisClient,
		embedder:       embedder,
		embeddingModel: embeddingModel,
		tracer:         otel.Tracer("clinica.internal.assistant.vector"),
		logger:         logger,
	}
}

func vectorKey(collection string) string {
	return vectorKeyPrefix + collection
}

// AddDocuments embeds and appends the documents to the collection. Documents
// without an ID get one assigned.
func (s *VectorStore) AddDocuments(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "assistant.vector.add_documents")
	defer span.End()

	contents := make([]string, len(docs))
	for i, doc := range docs {
		contents[i] = doc.Content
	}

	embeddings, err := s.embedder.Embed(ctx, s.embeddingModel, contents)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("assistant: embed documents: %w", err)
	}
	if len(embeddings) != len(docs) {
		return errors.New("assistant: embedding response size mismatch")
	}

	values := make([]interface{}, 0, len(docs))
	for i, doc := range docs {
		if doc.ID == "" {
			doc.ID = uuid.NewString()
		}
		data, err := json.Marshal(storedDocument{
			ID:        doc.ID,
			Content:   doc.Content,
			Metadata:  doc.Metadata,
			Embedding: embeddings[i],
		})
		if err != nil {
			return fmt.Errorf("assistant: marshal document: %w", err)
		}
		values = append(values, data)
	}

	if err := s.redis.RPush(ctx, vectorKey(collection), values...).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("assistant: push documents: %w", err)
	}
	return nil
}

// Count returns the number of documents in a collection.
func (s *VectorStore) Count(ctx context.Context, collection string) (int64, error) {
	n, err := s.redis.LLen(ctx, vectorKey(collection)).Result()
	if err != nil {
		return 0, fmt.Errorf("assistant: count documents: %w", err)
	}
	return n, nil
}

// SearchSimilar embeds the query and returns the documents scoring at or
// above the threshold, sorted by descending score, capped at Limit.
func (s *VectorStore) SearchSimilar(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	ctx, span := s.tracer.Start(ctx, "assistant.vector.search")
	defer span.End()

	if opts.Collection == "" {
		opts.Collection = CollectionKnowledge
	}
	if opts.Limit <= 0 {
		opts.Limit = 5
	}

	embeddings, err := s.embedder.Embed(ctx, s.embeddingModel, []string{query})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("assistant: embed query: %w", err)
	}
	if len(embeddings) == 0 {
		return nil, nil
	}
	queryVec := embeddings[0]

	raw, err := s.redis.LRange(ctx, vectorKey(opts.Collection), 0, -1).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("assistant: load collection %s: %w", opts.Collection, err)
	}

	results := make([]SearchResult, 0, len(raw))
	for _, item := range raw {
		var doc storedDocument
		if err := json.Unmarshal([]byte(item), &doc); err != nil {
			span.RecordError(err)
			continue
		}
		if !matchesFilter(doc.Metadata, opts.Filter) {
			continue
		}
		score := cosineSimilarity(queryVec, doc.Embedding)
		if score < opts.Threshold {
			continue
		}
		results = append(results, SearchResult{
			ID:       doc.ID,
			Content:  doc.Content,
			Metadata: doc.Metadata,
			Distance: 1 - score,
			Score:    score,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func matchesFilter(metadata, filter map[string]string) bool {
	for key, want := range filter {
		if metadata[key] != want {
			return false
		}
	}
	return true
}

// Ping reports whether the similarity store is reachable.
func (s *VectorStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot float64
	var normA float64
	var normB float64
	for i := range a {
		dot += float64(a[i] * b[i])
		normA += float64(a[i] * a[i])
		normB += float64(b[i] * b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// bootstrapDocuments is the fixed domain corpus seeded into the knowledge
// collection on first startup.
var bootstrapDocuments = []Document{
	{
		ID:      "clinic-hours",
		Content: "Horário de funcionamento da clínica VidaPlus: segunda a sexta das 07h às 19h, sábados das 08h às 12h. Fechada aos domingos e feriados.",
		Metadata: map[string]string{
			"kind":  "policy",
			"topic": "horario",
		},
	},
	{
		ID:      "specialties",
		Content: "Especialidades atendidas: cardiologia, dermatologia, pediatria, ortopedia, ginecologia, oftalmologia, psiquiatria, neurologia, endocrinologia e clínica geral. Consultas mediante agendamento.",
		Metadata: map[string]string{
			"kind":  "catalog",
			"topic": "especialidades",
		},
	},
	{
		ID:      "emergency-protocol",
		Content: "Protocolo de emergência: em caso de dor no peito, falta de ar, desmaio ou sangramento intenso, oriente o paciente a ligar imediatamente para o SAMU 192. A clínica mantém encaixes de urgência das 07h às 18h para casos sem risco de vida.",
		Metadata: map[string]string{
			"kind":  "protocol",
			"topic": "emergencia",
		},
	},
	{
		ID:      "cancellation-policy",
		Content: "Política de cancelamento: consultas podem ser canceladas ou remarcadas sem custo até 24 horas antes do horário agendado. Cancelamentos em cima da hora podem gerar cobrança de taxa.",
		Metadata: map[string]string{
			"kind":  "policy",
			"topic": "cancelamento",
		},
	},
	{
		ID:      "insurance-faq",
		Content: "Convênios aceitos: Unimed, Bradesco Saúde, SulAmérica e Amil. Para atendimento particular, o pagamento pode ser feito em dinheiro, cartão ou Pix no dia da consulta.",
		Metadata: map[string]string{
			"kind":  "faq",
			"topic": "convenios",
		},
	},
}

// Bootstrap seeds the knowledge collection with the fixed domain corpus when
// the collection is empty. Safe to call on every startup.
func (s *VectorStore) Bootstrap(ctx context.Context) error {
	count, err := s.Count(ctx, CollectionKnowledge)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	s.logger.Info("bootstrapping knowledge collection", "documents", len(bootstrapDocuments))
	return s.AddDocuments(ctx, CollectionKnowledge, bootstrapDocuments)
}
