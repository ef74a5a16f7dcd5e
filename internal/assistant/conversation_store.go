package assistant

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConversationStore persists conversations and messages to PostgreSQL for
// long-term history and auditing. The Redis context store remains the source
// of truth for live dialogue state; this store is the durable record.
type ConversationStore struct {
	db *sql.DB
}

// NewConversationStore creates a new conversation store. A nil db yields a
// disabled store whose methods are no-ops, so the assistant runs without
// Postgres in lighter deployments.
func NewConversationStore(db *sql.DB) *ConversationStore {
	if db == nil {
		return nil
	}
	return &ConversationStore{db: db}
}

// ConversationRecord represents a conversation in the database.
type ConversationRecord struct {
	ID                    uuid.UUID
	ConversationID        string
	UserID                string
	SessionID             string
	Status                string
	Channel               string
	LastIntent            string
	MessageCount          int
	PatientMessageCount   int
	AssistantMessageCount int
	StartedAt             time.Time
	LastMessageAt         *time.Time
	EndedAt               *time.Time
}

// MessageRecord represents a message in the database.
type MessageRecord struct {
	ID             uuid.UUID
	ConversationID string
	Role           string
	Content        string
	Intent         string
	Confidence     float64
	CreatedAt      time.Time
}

// conversationID derives the stable identifier "chat:{userID}:{sessionID}".
func conversationID(userID, sessionID string) string {
	return fmt.Sprintf("chat:%s:%s", userID, sessionID)
}

// parseConversationID extracts userID and sessionID from the "chat:{u}:{s}"
// format.
func parseConversationID(id string) (userID, sessionID string, ok bool) {
	parts := strings.Split(id, ":")
	if len(parts) != 3 || parts[0] != "chat" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// EnsureConversation creates or touches a conversation record for the session
// and returns its UUID.
func (s *ConversationStore) EnsureConversation(ctx context.Context, userID, sessionID string) (uuid.UUID, error) {
	if s == nil || s.db == nil {
		return uuid.Nil, nil
	}

	convID := conversationID(userID, sessionID)

	var existingID uuid.UUID
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE conversation_id = $1`,
		convID,
	).Scan(&existingID)

	if err == nil {
		s.db.ExecContext(ctx,
			`UPDATE conversations SET updated_at = $1 WHERE id = $2`,
			time.Now(), existingID,
		)
		return existingID, nil
	}

	if err != sql.ErrNoRows {
		return uuid.Nil, fmt.Errorf("assistant: failed to check existing conversation: %w", err)
	}

	newID := uuid.New()
	now := time.Now()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (
			id, conversation_id, user_id, session_id, status, channel,
			message_count, patient_message_count, assistant_message_count,
			started_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, newID, convID, userID, sessionID, "active", "chat",
		0, 0, 0, now, now, now,
	)

	if err != nil {
		// Handle race condition - another process may have created it
		if strings.Contains(err.Error(), "duplicate key") {
			return s.EnsureConversation(ctx, userID, sessionID)
		}
		return uuid.Nil, fmt.Errorf("assistant: failed to create conversation: %w", err)
	}

	return newID, nil
}

// AppendMessage persists a message and updates conversation counters.
func (s *ConversationStore) AppendMessage(ctx context.Context, userID, sessionID string, msg MessageRecord) error {
	if s == nil || s.db == nil {
		return nil
	}

	if _, err := s.EnsureConversation(ctx, userID, sessionID); err != nil {
		return err
	}

	convID := conversationID(userID, sessionID)

	msgID := msg.ID
	if msgID == uuid.Nil {
		msgID = uuid.New()
	}
	timestamp := msg.CreatedAt
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_messages (
			id, conversation_id, role, content, intent, confidence, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, msgID, convID, msg.Role, msg.Content, msg.Intent, msg.Confidence, timestamp)

	if err != nil {
		return fmt.Errorf("assistant: failed to insert message: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("assistant: failed to read insert result: %w", err)
	}
	if rowsAffected == 0 {
		return nil
	}

	counterColumn := "patient_message_count"
	if msg.Role == ChatRoleAssistant {
		counterColumn = "assistant_message_count"
	}

	update := fmt.Sprintf(`
		UPDATE conversations SET
			message_count = message_count + 1,
			%s = %s + 1,
			last_message_at = $1,
			updated_at = $1
	`, counterColumn, counterColumn)
	args := []any{timestamp, convID}
	if msg.Intent != "" {
		update += `, last_intent = $3`
		args = append(args, msg.Intent)
	}
	update += ` WHERE conversation_id = $2`

	if _, err := s.db.ExecContext(ctx, update, args...); err != nil {
		return fmt.Errorf("assistant: failed to update counters: %w", err)
	}

	return nil
}

// EndConversation marks a conversation as ended.
func (s *ConversationStore) EndConversation(ctx context.Context, userID, sessionID string) error {
	if s == nil || s.db == nil {
		return nil
	}

	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET
			status = 'ended',
			ended_at = $1,
			updated_at = $1
		WHERE conversation_id = $2 AND ended_at IS NULL
	`, now, conversationID(userID, sessionID))

	return err
}

// GetConversation retrieves a conversation by session. Returns (nil, nil)
// when absent.
func (s *ConversationStore) GetConversation(ctx context.Context, userID, sessionID string) (*ConversationRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}

	var conv ConversationRecord
	var lastIntent sql.NullString
	var lastMessageAt, endedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, user_id, session_id, status, channel, last_intent,
			   message_count, patient_message_count, assistant_message_count,
			   started_at, last_message_at, ended_at
		FROM conversations
		WHERE conversation_id = $1
	`, conversationID(userID, sessionID)).Scan(
		&conv.ID, &conv.ConversationID, &conv.UserID, &conv.SessionID,
		&conv.Status, &conv.Channel, &lastIntent,
		&conv.MessageCount, &conv.PatientMessageCount, &conv.AssistantMessageCount,
		&conv.StartedAt, &lastMessageAt, &endedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("assistant: failed to get conversation: %w", err)
	}

	if lastIntent.Valid {
		conv.LastIntent = lastIntent.String
	}
	if lastMessageAt.Valid {
		conv.LastMessageAt = &lastMessageAt.Time
	}
	if endedAt.Valid {
		conv.EndedAt = &endedAt.Time
	}

	return &conv, nil
}

// GetMessages retrieves messages for a conversation in chronological order.
func (s *ConversationStore) GetMessages(ctx context.Context, userID, sessionID string, limit int) ([]MessageRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}

	query := `
		SELECT id, conversation_id, role, content,
			   COALESCE(intent, ''), COALESCE(confidence, 0), created_at
		FROM conversation_messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC
	`
	args := []any{conversationID(userID, sessionID)}

	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("assistant: failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []MessageRecord
	for rows.Next() {
		var msg MessageRecord
		err := rows.Scan(
			&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
			&msg.Intent, &msg.Confidence, &msg.CreatedAt,
		)
		if err != nil {
			continue
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

// PingDB reports whether the audit database is reachable.
func (s *ConversationStore) PingDB(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}
