package assistant

import (
	"context"
	"strings"

	"github.com/vidaplus/clinica-ai/pkg/logging"
)

// RetrievedContext is the enrichment bundle handed to the prompt builder for
// one turn.
type RetrievedContext struct {
	SimilarConversations []SearchResult    `json:"similarConversations,omitempty"`
	RelevantKnowledge    []SearchResult    `json:"relevantKnowledge,omitempty"`
	RecentHistory        []TranscriptEntry `json:"recentHistory,omitempty"`
}

// Retriever gathers similarity matches and recent history for a turn. Every
// lookup degrades to empty on failure; enrichment is never allowed to fail a
// turn outright.
type Retriever struct {
	vectors     *VectorStore
	transcripts *TranscriptStore
	threshold   float64
	topK        int
	logger      *logging.Logger
}

// NewRetriever creates the retrieval layer. threshold and topK fall back to
// 0.5 and 5 when unset.
func NewRetriever(vectors *VectorStore, transcripts *TranscriptStore, threshold float64, topK int, logger *logging.Logger) *Retriever {
	if vectors == nil {
		panic("assistant: vector store cannot be nil")
	}
	if transcripts == nil {
		panic("assistant: transcript store cannot be nil")
	}
	if threshold <= 0 {
		threshold = 0.5
	}
	if topK <= 0 {
		topK = 5
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Retriever{
		vectors:     vectors,
		transcripts: transcripts,
		threshold:   threshold,
		topK:        topK,
		logger:      logger,
	}
}

// GetContext retrieves knowledge documents and similar past conversations for
// the query, plus the session's recent transcript ordered most-recent first.
func (r *Retriever) GetContext(ctx context.Context, userID, sessionID, query string) RetrievedContext {
	var retrieved RetrievedContext

	if strings.TrimSpace(query) != "" {
		knowledge, err := r.vectors.SearchSimilar(ctx, query, SearchOptions{
			Collection: CollectionKnowledge,
			Limit:      r.topK,
			Threshold:  r.threshold,
		})
		if err != nil {
			r.logger.Warn("knowledge retrieval failed", "error", err, "user_id", userID)
		} else {
			retrieved.RelevantKnowledge = knowledge
		}

		similar, err := r.vectors.SearchSimilar(ctx, query, SearchOptions{
			Collection: CollectionConversations,
			Limit:      r.topK,
			Threshold:  r.threshold,
			Filter:     map[string]string{"userId": userID},
		})
		if err != nil {
			r.logger.Warn("conversation retrieval failed", "error", err, "user_id", userID)
		} else {
			retrieved.SimilarConversations = similar
		}
	}

	history, err := r.transcripts.List(ctx, userID, sessionID, r.topK*2)
	if err != nil {
		r.logger.Warn("transcript retrieval failed", "error", err, "user_id", userID)
	} else {
		for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
			history[i], history[j] = history[j], history[i]
		}
		retrieved.RecentHistory = history
	}

	return retrieved
}

// IndexTurn stores a completed turn in the conversations collection so future
// sessions can retrieve it as a similar conversation. Failures are logged and
// swallowed.
func (r *Retriever) IndexTurn(ctx context.Context, userID, sessionID, userMessage, assistantReply string) {
	content := strings.TrimSpace("Paciente: " + userMessage + "\nAssistente: " + assistantReply)
	err := r.vectors.AddDocuments(ctx, CollectionConversations, []Document{{
		Content: content,
		Metadata: map[string]string{
			"userId":    userID,
			"sessionId": sessionID,
		},
	}})
	if err != nil {
		r.logger.Warn("conversation indexing failed", "error", err, "user_id", userID)
	}
}

// FormatKnowledge renders retrieved knowledge as prompt-ready text.
func FormatKnowledge(results []SearchResult) string {
	if len(results) == 0 {
		return "(nenhum documento relevante)"
	}
	var b strings.Builder
	for _, result := range results {
		b.WriteString("- ")
		b.WriteString(result.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
