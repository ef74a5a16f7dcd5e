package assistant

import (
	"context"
	"testing"
	"time"
)

func TestTranscriptStoreAppendAndList(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewTranscriptStore(client, time.Hour, nil)
	ctx := context.Background()

	err := store.Append(ctx, "user-1", "sess-1",
		TranscriptEntry{Role: ChatRoleUser, Content: "quero marcar", Intent: IntentAgendarConsulta},
		TranscriptEntry{Role: ChatRoleAssistant, Content: "Claro! Qual especialidade?"},
	)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := store.List(ctx, "user-1", "sess-1", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].Role != ChatRoleUser || entries[0].Content != "quero marcar" {
		t.Fatalf("entry[0] = %+v", entries[0])
	}
	if entries[0].Intent != IntentAgendarConsulta {
		t.Fatalf("entry[0].Intent = %s", entries[0].Intent)
	}
	if entries[0].Timestamp.IsZero() {
		t.Fatal("missing timestamp must be filled on append")
	}
}

func TestTranscriptStoreListLimit(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewTranscriptStore(client, time.Hour, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.Append(ctx, "user-1", "sess-1", TranscriptEntry{
			Role:    ChatRoleUser,
			Content: string(rune('a' + i)),
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := store.List(ctx, "user-1", "sess-1", 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	// Most recent two, chronological order.
	if entries[0].Content != "d" || entries[1].Content != "e" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestTranscriptStoreTTL(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewTranscriptStore(client, time.Minute, nil)
	ctx := context.Background()

	if err := store.Append(ctx, "user-1", "sess-1", TranscriptEntry{Role: ChatRoleUser, Content: "oi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	entries, err := store.List(ctx, "user-1", "sess-1", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries = %d, want 0 after expiry", len(entries))
	}
}

func TestTranscriptStoreDelete(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewTranscriptStore(client, time.Hour, nil)
	ctx := context.Background()

	if err := store.Append(ctx, "user-1", "sess-1", TranscriptEntry{Role: ChatRoleUser, Content: "oi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Delete(ctx, "user-1", "sess-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	entries, _ := store.List(ctx, "user-1", "sess-1", 0)
	if len(entries) != 0 {
		t.Fatal("expected empty transcript after delete")
	}
}
