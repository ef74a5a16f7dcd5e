package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vidaplus/clinica-ai/pkg/logging"
)

const (
	transcriptKeyPrefix = "assistant:transcript:"

	// transcriptMaxEntries bounds the per-session transcript independently of
	// the in-context history cap.
	transcriptMaxEntries = 200

	defaultTranscriptTTL = 24 * time.Hour
)

// TranscriptEntry is one persisted message of a session transcript.
type TranscriptEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Intent    Intent    `json:"intent,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptStore keeps the full per-session message log in a Redis list,
// separate from the bounded conversation context. It backs the history
// endpoint and the retrieval layer's recent-history lookups.
type TranscriptStore struct {
	redis  *redis.Client
	ttl    time.Duration
	tracer trace.Tracer
	logger *logging.Logger
}

// NewTranscriptStore creates a Redis-backed transcript store. ttl <= 0 falls
// back to 24 hours.
func NewTranscriptStore(redisClient *redis.Client, ttl time.Duration, logger *logging.Logger) *TranscriptStore {
	if redisClient == nil {
		panic("assistant: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = defaultTranscriptTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &TranscriptStore{
		redis:  redisClient,
		ttl:    ttl,
		tracer: otel.Tracer("clinica.internal.assistant.transcript"),
		logger: logger,
	}
}

func transcriptKey(userID, sessionID string) string {
	return fmt.Sprintf("%s%s:%s", transcriptKeyPrefix, userID, sessionID)
}

// Append pushes entries onto the session transcript, trims it to the cap and
// refreshes its TTL, all in one pipeline round trip.
func (s *TranscriptStore) Append(ctx context.Context, userID, sessionID string, entries ...TranscriptEntry) error {
	if len(entries) == 0 {
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "assistant.transcript.append")
	defer span.End()

	values := make([]interface{}, 0, len(entries))
	for _, entry := range entries {
		if entry.Timestamp.IsZero() {
			entry.Timestamp = time.Now().UTC()
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("assistant: marshal transcript entry: %w", err)
		}
		values = append(values, data)
	}

	key := transcriptKey(userID, sessionID)
	pipe := s.redis.Pipeline()
	pipe.RPush(ctx, key, values...)
	pipe.LTrim(ctx, key, -transcriptMaxEntries, -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("assistant: append transcript: %w", err)
	}
	return nil
}

// List returns the most recent limit entries in chronological order.
// limit <= 0 returns the whole transcript.
func (s *TranscriptStore) List(ctx context.Context, userID, sessionID string, limit int) ([]TranscriptEntry, error) {
	ctx, span := s.tracer.Start(ctx, "assistant.transcript.list")
	defer span.End()

	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}

	raw, err := s.redis.LRange(ctx, transcriptKey(userID, sessionID), start, -1).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("assistant: list transcript: %w", err)
	}

	entries := make([]TranscriptEntry, 0, len(raw))
	for _, item := range raw {
		var entry TranscriptEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			s.logger.Warn("skipping unreadable transcript entry",
				"user_id", userID, "session_id", sessionID)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Delete removes the session transcript.
func (s *TranscriptStore) Delete(ctx context.Context, userID, sessionID string) error {
	if err := s.redis.Del(ctx, transcriptKey(userID, sessionID)).Err(); err != nil {
		return fmt.Errorf("assistant: delete transcript: %w", err)
	}
	return nil
}
