package redis

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRateLimiter_AllowsUnderLimit(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: 3, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := limiter.Allow(ctx, "client-1")
		if err != nil {
			t.Fatalf("allow failed: %v", err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
}

func TestRateLimiter_RejectsOverLimit(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: 2, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := limiter.Allow(ctx, "client-1"); err != nil {
			t.Fatalf("allow failed: %v", err)
		}
	}

	result, err := limiter.Allow(ctx, "client-1")
	if err != nil {
		t.Fatalf("allow failed: %v", err)
	}
	if result.Allowed {
		t.Error("third request should be rejected")
	}
	if result.Remaining != 0 {
		t.Errorf("expected 0 remaining, got %d", result.Remaining)
	}
}

func TestRateLimiter_KeysAreIsolated(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: 1, Window: time.Minute})
	ctx := context.Background()

	if _, err := limiter.Allow(ctx, "client-a"); err != nil {
		t.Fatalf("allow failed: %v", err)
	}

	result, err := limiter.Allow(ctx, "client-b")
	if err != nil {
		t.Fatalf("allow failed: %v", err)
	}
	if !result.Allowed {
		t.Error("client-b should not share client-a's budget")
	}
}
