package assistant

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vidaplus/clinica-ai/pkg/logging"
)

const rateLimitKeyPrefix = "assistant:rl:"

// ErrRateLimited is returned when a user exceeds the per-operation budget.
var ErrRateLimited = fmt.Errorf("assistant: rate limit exceeded")

// RateLimiter enforces a fixed-window per (user, operation) budget in Redis.
// Redis being unreachable fails open: a throttling outage must not take the
// assistant down with it.
type RateLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
	logger *logging.Logger
}

// NewRateLimiter creates the limiter. limit <= 0 defaults to 30 requests and
// window <= 0 to one minute.
func NewRateLimiter(redisClient *redis.Client, limit int, window time.Duration, logger *logging.Logger) *RateLimiter {
	if redisClient == nil {
		panic("assistant: redis client cannot be nil")
	}
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RateLimiter{
		redis:  redisClient,
		limit:  limit,
		window: window,
		logger: logger,
	}
}

// Allow consumes one unit of the (userID, operation) budget. Returns
// ErrRateLimited once the window's budget is spent.
func (l *RateLimiter) Allow(ctx context.Context, userID, operation string) error {
	key := fmt.Sprintf("%s%s:%s", rateLimitKeyPrefix, operation, userID)

	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("rate limiter unavailable, allowing request", "error", err)
		return nil
	}
	// The window starts at the first hit and is never extended by later ones,
	// so hammering a spent budget cannot postpone the reset.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, l.window).Err(); err != nil {
			l.logger.Warn("rate limiter expire failed", "error", err)
		}
	}

	if count > int64(l.limit) {
		return ErrRateLimited
	}
	return nil
}
