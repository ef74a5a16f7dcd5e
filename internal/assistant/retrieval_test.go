package assistant

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestRetriever(t *testing.T, embedder Embedder) (*Retriever, *VectorStore, *TranscriptStore) {
	t.Helper()
	_, client := newTestRedis(t)
	vectors := NewVectorStore(client, embedder, "test-embedding-model", nil)
	transcripts := NewTranscriptStore(client, time.Hour, nil)
	return NewRetriever(vectors, transcripts, 0.3, 3, nil), vectors, transcripts
}

func TestRetrieverGetContext(t *testing.T) {
	embedder := &wordEmbedder{vocabulary: []string{"horario", "funcionamento", "cancelamento"}}
	retriever, vectors, transcripts := newTestRetriever(t, embedder)
	ctx := context.Background()

	err := vectors.AddDocuments(ctx, CollectionKnowledge, []Document{
		{ID: "hours", Content: "horario de funcionamento"},
		{ID: "cancel", Content: "politica de cancelamento"},
	})
	if err != nil {
		t.Fatalf("AddDocuments: %v", err)
	}
	retriever.IndexTurn(ctx, "user-1", "sess-old", "qual o horario?", "Das 7h as 19h.")
	for _, content := range []string{"oi", "qual o horario?"} {
		if err := transcripts.Append(ctx, "user-1", "sess-1", TranscriptEntry{Role: ChatRoleUser, Content: content}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	retrieved := retriever.GetContext(ctx, "user-1", "sess-1", "horario de funcionamento")

	if len(retrieved.RelevantKnowledge) != 1 || retrieved.RelevantKnowledge[0].ID != "hours" {
		t.Fatalf("RelevantKnowledge = %+v", retrieved.RelevantKnowledge)
	}
	if len(retrieved.SimilarConversations) != 1 {
		t.Fatalf("SimilarConversations = %+v", retrieved.SimilarConversations)
	}
	// Most recent entry first.
	if len(retrieved.RecentHistory) != 2 || retrieved.RecentHistory[0].Content != "qual o horario?" {
		t.Fatalf("RecentHistory = %+v", retrieved.RecentHistory)
	}
	if retrieved.RecentHistory[1].Content != "oi" {
		t.Fatalf("RecentHistory = %+v", retrieved.RecentHistory)
	}
}

func TestRetrieverSimilarConversationsScopedToUser(t *testing.T) {
	embedder := &wordEmbedder{vocabulary: []string{"horario"}}
	retriever, _, _ := newTestRetriever(t, embedder)
	ctx := context.Background()

	retriever.IndexTurn(ctx, "user-2", "sess-x", "qual o horario?", "Das 7h as 19h.")

	retrieved := retriever.GetContext(ctx, "user-1", "sess-1", "horario")
	if len(retrieved.SimilarConversations) != 0 {
		t.Fatalf("another user's conversations leaked: %+v", retrieved.SimilarConversations)
	}
}

// Retrieval failures degrade to empty context rather than failing the turn.
func TestRetrieverDegradesOnEmbedderFailure(t *testing.T) {
	embedder := &wordEmbedder{err: errors.New("embedder down")}
	retriever, _, transcripts := newTestRetriever(t, embedder)
	ctx := context.Background()

	if err := transcripts.Append(ctx, "user-1", "sess-1", TranscriptEntry{Role: ChatRoleUser, Content: "oi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	retrieved := retriever.GetContext(ctx, "user-1", "sess-1", "horario")

	if len(retrieved.RelevantKnowledge) != 0 || len(retrieved.SimilarConversations) != 0 {
		t.Fatalf("expected empty similarity results, got %+v", retrieved)
	}
	// The transcript lookup does not depend on the embedder.
	if len(retrieved.RecentHistory) != 1 {
		t.Fatalf("RecentHistory = %+v", retrieved.RecentHistory)
	}
}

func TestRetrieverSkipsSearchOnEmptyQuery(t *testing.T) {
	embedder := &wordEmbedder{err: errors.New("must not be called")}
	retriever, _, _ := newTestRetriever(t, embedder)

	retrieved := retriever.GetContext(context.Background(), "user-1", "sess-1", "   ")
	if len(retrieved.RelevantKnowledge) != 0 || len(retrieved.SimilarConversations) != 0 {
		t.Fatalf("retrieved = %+v", retrieved)
	}
}

func TestFormatKnowledge(t *testing.T) {
	got := FormatKnowledge([]SearchResult{
		{Content: "Horário: 7h às 19h."},
		{Content: "Aceitamos convênios."},
	})
	want := "- Horário: 7h às 19h.\n- Aceitamos convênios."
	if got != want {
		t.Fatalf("FormatKnowledge = %q, want %q", got, want)
	}

	if got := FormatKnowledge(nil); got != "(nenhum documento relevante)" {
		t.Fatalf("FormatKnowledge(nil) = %q", got)
	}
}
