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
	// contextSchemaVersion is bumped whenever the serialized layout changes.
	// Records with a different version are discarded and recreated.
	contextSchemaVersion = 1

	// historyLimit caps the in-context conversation history; oldest entries
	// are dropped first.
	historyLimit = 20

	defaultSessionTTL = 30 * time.Minute

	contextKeyPrefix = "assistant:ctx:"
)

// SlotValue is one collected piece of dialogue information. A slot counts as
// satisfied only once Confirmed is true.
type SlotValue struct {
	Value       string    `json:"value"`
	Confidence  float64   `json:"confidence"`
	ExtractedAt time.Time `json:"extractedAt"`
	Confirmed   bool      `json:"confirmed"`
}

// HistoryEntry is one turn of the bounded in-context history.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationContext is the accumulated state of one (user, session)
// conversation. It is serialized as a versioned JSON blob in Redis.
type ConversationContext struct {
	SchemaVersion int    `json:"schemaVersion"`
	UserID        string `json:"userId"`
	SessionID     string `json:"sessionId"`

	CurrentIntent Intent `json:"currentIntent"`
	CurrentStep   string `json:"currentStep"`
	FlowState     string `json:"flowState"`
	IsCompleted   bool   `json:"isCompleted"`

	ConversationHistory []HistoryEntry       `json:"conversationHistory,omitempty"`
	SlotsFilled         map[string]SlotValue `json:"slotsFilled,omitempty"`

	// ExtractedEntities is an append-only audit trail of per-turn extraction
	// snapshots.
	ExtractedEntities []NLPResult `json:"extractedEntities,omitempty"`

	ErrorCount         int `json:"errorCount"`
	ClarificationCount int `json:"clarificationCount"`

	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	LastActivity time.Time `json:"lastActivity"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// AddMessage appends a history entry, evicting the oldest once the cap is
// reached.
func (c *ConversationContext) AddMessage(role, content string) {
	c.ConversationHistory = append(c.ConversationHistory, HistoryEntry{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	if len(c.ConversationHistory) > historyLimit {
		c.ConversationHistory = c.ConversationHistory[len(c.ConversationHistory)-historyLimit:]
	}
}

// UpdateSlots merges newly extracted entity values into SlotsFilled. Each
// newly set slot starts unconfirmed with a fresh extraction timestamp. An
// existing confirmed slot is kept unless the new turn explicitly replaces its
// value.
func (c *ConversationContext) UpdateSlots(entities *ExtractedEntities, confidence float64) {
	if entities == nil {
		return
	}
	if c.SlotsFilled == nil {
		c.SlotsFilled = make(map[string]SlotValue)
	}
	now := time.Now().UTC()
	for name, value := range entities.SlotValues() {
		if existing, ok := c.SlotsFilled[name]; ok && existing.Confirmed && existing.Value == value {
			continue
		}
		c.SlotsFilled[name] = SlotValue{
			Value:       value,
			Confidence:  confidence,
			ExtractedAt: now,
			Confirmed:   false,
		}
	}
}

// ConfirmSlot marks a filled slot as confirmed. Returns false when the slot
// is not present.
func (c *ConversationContext) ConfirmSlot(name string) bool {
	slot, ok := c.SlotsFilled[name]
	if !ok {
		return false
	}
	slot.Confirmed = true
	c.SlotsFilled[name] = slot
	return true
}

// MissingSlots returns the intent's required slots that are absent or
// present-but-unconfirmed.
func (c *ConversationContext) MissingSlots() []string {
	var missing []string
	for _, name := range RequiredSlots(c.CurrentIntent) {
		slot, ok := c.SlotsFilled[name]
		if !ok || !slot.Confirmed {
			missing = append(missing, name)
		}
	}
	return missing
}

// AllSlotsFilled reports whether every required slot is confirmed.
func (c *ConversationContext) AllSlotsFilled() bool {
	return len(c.MissingSlots()) == 0
}

// ContextStore keeps conversation contexts in Redis under a composite
// (userID, sessionID) key with an inactivity-based TTL. Every successful read
// and write refreshes the expiry.
type ContextStore struct {
	redis  *redis.Client
	ttl    time.Duration
	tracer trace.Tracer
	logger *logging.Logger
}

// NewContextStore creates a Redis-backed context store. ttl <= 0 falls back
// to the 30-minute default.
func NewContextStore(redisClient *redis.Client, ttl time.Duration, logger *logging.Logger) *ContextStore {
	if redisClient == nil {
		panic("assistant: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ContextStore{
		redis:  redisClient,
		ttl:    ttl,
		tracer: otel.Tracer("clinica.internal.assistant.context"),
		logger: logger,
	}
}

func contextKey(userID, sessionID string) string {
	return fmt.Sprintf("%s%s:%s", contextKeyPrefix, userID, sessionID)
}

// Get loads the context for (userID, sessionID) and refreshes its expiry.
// Returns (nil, nil) when absent. A corrupt record is discarded so the caller
// recreates it; a read failure also degrades to absent, trading prior slots
// for a working turn.
func (s *ContextStore) Get(ctx context.Context, userID, sessionID string) (*ConversationContext, error) {
	ctx, span := s.tracer.Start(ctx, "assistant.context.get")
	defer span.End()

	key := contextKey(userID, sessionID)
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		span.RecordError(err)
		s.logger.Warn("context read failed, treating as absent", "error", err, "user_id", userID)
		return nil, nil
	}

	var conv ConversationContext
	if err := json.Unmarshal(data, &conv); err != nil || conv.SchemaVersion != contextSchemaVersion {
		if err != nil {
			span.RecordError(err)
		}
		s.logger.Warn("discarding unreadable context record",
			"user_id", userID, "session_id", sessionID)
		_ = s.redis.Del(ctx, key).Err()
		return nil, nil
	}

	// Refresh the inactivity window on every successful read.
	conv.LastActivity = time.Now().UTC()
	conv.ExpiresAt = conv.LastActivity.Add(s.ttl)
	if err := s.persist(ctx, &conv); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &conv, nil
}

// Create initializes a fresh context for the session with the classified
// intent's initial flow state.
func (s *ContextStore) Create(ctx context.Context, userID, sessionID string, initialIntent Intent) (*ConversationContext, error) {
	ctx, span := s.tracer.Start(ctx, "assistant.context.create")
	defer span.End()

	now := time.Now().UTC()
	conv := &ConversationContext{
		SchemaVersion: contextSchemaVersion,
		UserID:        userID,
		SessionID:     sessionID,
		CurrentIntent: initialIntent,
		CurrentStep:   "initial",
		FlowState:     InitialFlowState(initialIntent),
		SlotsFilled:   make(map[string]SlotValue),
		CreatedAt:     now,
		UpdatedAt:     now,
		LastActivity:  now,
		ExpiresAt:     now.Add(s.ttl),
	}
	if err := s.persist(ctx, conv); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return conv, nil
}

// Update persists the mutated context and resets its expiry. A write failure
// is surfaced: silently losing the update would desynchronize state.
func (s *ContextStore) Update(ctx context.Context, conv *ConversationContext) error {
	ctx, span := s.tracer.Start(ctx, "assistant.context.update")
	defer span.End()

	now := time.Now().UTC()
	conv.UpdatedAt = now
	conv.LastActivity = now
	conv.ExpiresAt = now.Add(s.ttl)
	if err := s.persist(ctx, conv); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (s *ContextStore) persist(ctx context.Context, conv *ConversationContext) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("assistant: marshal context: %w", err)
	}
	key := contextKey(conv.UserID, conv.SessionID)
	if err := s.redis.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("assistant: persist context: %w", err)
	}
	return nil
}

// Delete removes the context, e.g. on conversation completion.
func (s *ContextStore) Delete(ctx context.Context, userID, sessionID string) error {
	ctx, span := s.tracer.Start(ctx, "assistant.context.delete")
	defer span.End()

	if err := s.redis.Del(ctx, contextKey(userID, sessionID)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("assistant: delete context: %w", err)
	}
	return nil
}

// Sweep scans for context records whose embedded expiry has lapsed and
// removes them. Redis TTLs already expire records on their own; the sweep is
// defensive cleanup for records whose TTL was lost (e.g. a restore without
// TTLs). Returns the number of records removed.
func (s *ContextStore) Sweep(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "assistant.context.sweep")
	defer span.End()

	var removed int
	var cursor uint64
	now := time.Now().UTC()

	for {
		keys, next, err := s.redis.Scan(ctx, cursor, contextKeyPrefix+"*", 100).Result()
		if err != nil {
			span.RecordError(err)
			return removed, fmt.Errorf("assistant: sweep scan: %w", err)
		}
		for _, key := range keys {
			data, err := s.redis.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var conv ConversationContext
			if err := json.Unmarshal(data, &conv); err != nil {
				_ = s.redis.Del(ctx, key).Err()
				removed++
				continue
			}
			if !conv.ExpiresAt.IsZero() && conv.ExpiresAt.Before(now) {
				_ = s.redis.Del(ctx, key).Err()
				removed++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return removed, nil
}

// StartSweeper runs Sweep on the given interval until ctx is cancelled.
func (s *ContextStore) StartSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 10 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed, err := s.Sweep(ctx); err != nil {
					s.logger.Warn("context sweep failed", "error", err)
				} else if removed > 0 {
					s.logger.Info("context sweep removed expired sessions", "count", removed)
				}
			}
		}
	}()
}

// Ping reports whether the underlying Redis is reachable, for health checks.
func (s *ContextStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}
