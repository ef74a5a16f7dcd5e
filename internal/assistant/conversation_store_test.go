package assistant

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func newMockStore(t *testing.T) (*ConversationStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewConversationStore(db), mock
}

func expectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestConversationIDRoundtrip(t *testing.T) {
	id := conversationID("user-1", "sess-1")
	if id != "chat:user-1:sess-1" {
		t.Fatalf("conversationID = %q", id)
	}
	userID, sessionID, ok := parseConversationID(id)
	if !ok || userID != "user-1" || sessionID != "sess-1" {
		t.Fatalf("parseConversationID = %q, %q, %v", userID, sessionID, ok)
	}
	if _, _, ok := parseConversationID("call:user-1:sess-1"); ok {
		t.Fatal("foreign prefix must not parse")
	}
}

func TestEnsureConversationExisting(t *testing.T) {
	store, mock := newMockStore(t)
	existingID := uuid.New()

	mock.ExpectQuery(`SELECT id FROM conversations WHERE conversation_id = \$1`).
		WithArgs("chat:user-1:sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(existingID.String()))
	mock.ExpectExec(`UPDATE conversations SET updated_at`).
		WithArgs(sqlmock.AnyArg(), existingID.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := store.EnsureConversation(context.Background(), "user-1", "sess-1")
	if err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	if id != existingID {
		t.Fatalf("id = %s, want %s", id, existingID)
	}
	expectations(t, mock)
}

func TestEnsureConversationCreates(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id FROM conversations WHERE conversation_id = \$1`).
		WithArgs("chat:user-1:sess-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO conversations`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := store.EnsureConversation(context.Background(), "user-1", "sess-1")
	if err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("expected a new conversation id")
	}
	expectations(t, mock)
}

func TestAppendMessageUpdatesCounters(t *testing.T) {
	store, mock := newMockStore(t)
	existingID := uuid.New()

	mock.ExpectQuery(`SELECT id FROM conversations WHERE conversation_id = \$1`).
		WithArgs("chat:user-1:sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(existingID.String()))
	mock.ExpectExec(`UPDATE conversations SET updated_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO conversation_messages`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE conversations SET\s+message_count = message_count \+ 1,\s+patient_message_count = patient_message_count \+ 1`).
		WithArgs(sqlmock.AnyArg(), "chat:user-1:sess-1", "AGENDAR_CONSULTA").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.AppendMessage(context.Background(), "user-1", "sess-1", MessageRecord{
		Role:       ChatRoleUser,
		Content:    "quero marcar",
		Intent:     "AGENDAR_CONSULTA",
		Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	expectations(t, mock)
}

func TestAppendMessageDuplicateSkipsCounters(t *testing.T) {
	store, mock := newMockStore(t)
	existingID := uuid.New()

	mock.ExpectQuery(`SELECT id FROM conversations WHERE conversation_id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(existingID.String()))
	mock.ExpectExec(`UPDATE conversations SET updated_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO conversation_messages`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.AppendMessage(context.Background(), "user-1", "sess-1", MessageRecord{
		ID:      uuid.New(),
		Role:    ChatRoleAssistant,
		Content: "já registrado",
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	expectations(t, mock)
}

func TestEndConversation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE conversations SET\s+status = 'ended'`).
		WithArgs(sqlmock.AnyArg(), "chat:user-1:sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.EndConversation(context.Background(), "user-1", "sess-1"); err != nil {
		t.Fatalf("EndConversation: %v", err)
	}
	expectations(t, mock)
}

func TestGetConversation(t *testing.T) {
	store, mock := newMockStore(t)
	recordID := uuid.New()
	started := time.Now().Add(-time.Hour)
	lastMessage := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "conversation_id", "user_id", "session_id", "status", "channel", "last_intent",
		"message_count", "patient_message_count", "assistant_message_count",
		"started_at", "last_message_at", "ended_at",
	}).AddRow(
		recordID.String(), "chat:user-1:sess-1", "user-1", "sess-1", "active", "chat", "AGENDAR_CONSULTA",
		4, 2, 2, started, lastMessage, nil,
	)
	mock.ExpectQuery(`SELECT id, conversation_id, user_id, session_id, status, channel, last_intent`).
		WithArgs("chat:user-1:sess-1").
		WillReturnRows(rows)

	conv, err := store.GetConversation(context.Background(), "user-1", "sess-1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv == nil {
		t.Fatal("expected conversation")
	}
	if conv.LastIntent != "AGENDAR_CONSULTA" || conv.MessageCount != 4 {
		t.Fatalf("conv = %+v", conv)
	}
	if conv.LastMessageAt == nil || conv.EndedAt != nil {
		t.Fatalf("timestamps = %+v", conv)
	}
	expectations(t, mock)
}

func TestGetConversationAbsent(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, conversation_id`).
		WillReturnError(sql.ErrNoRows)

	conv, err := store.GetConversation(context.Background(), "user-1", "missing")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv != nil {
		t.Fatal("expected nil for absent conversation")
	}
	expectations(t, mock)
}

func TestGetMessagesWithLimit(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{
		"id", "conversation_id", "role", "content", "intent", "confidence", "created_at",
	}).
		AddRow(uuid.New().String(), "chat:user-1:sess-1", ChatRoleUser, "oi", "", 0.0, time.Now().Add(-time.Minute)).
		AddRow(uuid.New().String(), "chat:user-1:sess-1", ChatRoleAssistant, "Olá!", "INFORMACOES_GERAIS", 0.7, time.Now())
	mock.ExpectQuery(`SELECT id, conversation_id, role, content`).
		WithArgs("chat:user-1:sess-1", 10).
		WillReturnRows(rows)

	messages, err := store.GetMessages(context.Background(), "user-1", "sess-1", 10)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("messages = %d", len(messages))
	}
	if messages[0].Role != ChatRoleUser || messages[1].Intent != "INFORMACOES_GERAIS" {
		t.Fatalf("messages = %+v", messages)
	}
	expectations(t, mock)
}

// A nil store disables auditing without changing call sites.
func TestNilStoreNoOps(t *testing.T) {
	store := NewConversationStore(nil)
	ctx := context.Background()

	if store != nil {
		t.Fatal("nil db must yield a nil store")
	}
	if _, err := store.EnsureConversation(ctx, "user-1", "sess-1"); err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	if err := store.AppendMessage(ctx, "user-1", "sess-1", MessageRecord{Role: ChatRoleUser, Content: "oi"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := store.EndConversation(ctx, "user-1", "sess-1"); err != nil {
		t.Fatalf("EndConversation: %v", err)
	}
	if conv, err := store.GetConversation(ctx, "user-1", "sess-1"); err != nil || conv != nil {
		t.Fatalf("GetConversation = %+v, %v", conv, err)
	}
	if err := store.PingDB(ctx); err != nil {
		t.Fatalf("PingDB: %v", err)
	}
}
