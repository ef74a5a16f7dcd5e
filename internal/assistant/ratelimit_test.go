package assistant

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiterAllowsUntilLimit(t *testing.T) {
	_, client := newTestRedis(t)
	limiter := NewRateLimiter(client, 3, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := limiter.Allow(ctx, "user-1", "process_message"); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}

	err := limiter.Allow(ctx, "user-1", "process_message")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	mr, client := newTestRedis(t)
	limiter := NewRateLimiter(client, 1, time.Minute, nil)
	ctx := context.Background()

	if err := limiter.Allow(ctx, "user-1", "process_message"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := limiter.Allow(ctx, "user-1", "process_message"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	mr.FastForward(2 * time.Minute)

	if err := limiter.Allow(ctx, "user-1", "process_message"); err != nil {
		t.Fatalf("request after window reset: %v", err)
	}
}

// Retrying against a spent budget must not push the reset further out.
func TestRateLimiterRetriesDoNotExtendWindow(t *testing.T) {
	mr, client := newTestRedis(t)
	limiter := NewRateLimiter(client, 1, time.Minute, nil)
	ctx := context.Background()

	if err := limiter.Allow(ctx, "user-1", "process_message"); err != nil {
		t.Fatalf("first request: %v", err)
	}

	mr.FastForward(30 * time.Second)
	if err := limiter.Allow(ctx, "user-1", "process_message"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	mr.FastForward(29 * time.Second)
	if err := limiter.Allow(ctx, "user-1", "process_message"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited at the window edge", err)
	}

	// 90s past the first hit the original window has lapsed regardless of the
	// retries above.
	mr.FastForward(31 * time.Second)
	if err := limiter.Allow(ctx, "user-1", "process_message"); err != nil {
		t.Fatalf("request after original window: %v", err)
	}
}

func TestRateLimiterBudgetsAreIndependent(t *testing.T) {
	_, client := newTestRedis(t)
	limiter := NewRateLimiter(client, 1, time.Minute, nil)
	ctx := context.Background()

	if err := limiter.Allow(ctx, "user-1", "process_message"); err != nil {
		t.Fatalf("user-1: %v", err)
	}
	if err := limiter.Allow(ctx, "user-2", "process_message"); err != nil {
		t.Fatalf("user-2 must have its own budget: %v", err)
	}
	if err := limiter.Allow(ctx, "user-1", "start_session"); err != nil {
		t.Fatalf("another operation must have its own budget: %v", err)
	}
}

// A throttling outage must not take the assistant down with it.
func TestRateLimiterFailsOpen(t *testing.T) {
	mr, client := newTestRedis(t)
	limiter := NewRateLimiter(client, 1, time.Minute, nil)

	mr.Close()

	if err := limiter.Allow(context.Background(), "user-1", "process_message"); err != nil {
		t.Fatalf("err = %v, want fail-open nil", err)
	}
}
