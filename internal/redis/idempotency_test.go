package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	return client, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestIdempotency_NewKey(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())

	result, err := svc.CheckOrReserve(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new key, got %+v", result)
	}
}

func TestIdempotency_InFlightDuplicate(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "key-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if _, err := svc.CheckOrReserve(ctx, "key-1"); err != ErrDuplicateRequest {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
}

func TestIdempotency_ReleaseFreesReservation(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := svc.Release(ctx, "key-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	// A retry with the same key reserves again instead of hitting 409.
	result, err := svc.CheckOrReserve(ctx, "key-1")
	if err != nil {
		t.Fatalf("expected re-reservation after release, got %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for released key, got %+v", result)
	}
}

func TestIdempotency_ReleaseKeepsStoredResult(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := svc.Store(ctx, "key-1", &IdempotencyResult{JobID: "job-123", Status: "queued", StatusCode: 201}); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	// Release only removes the processing marker, never a completed result.
	if err := svc.Release(ctx, "key-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	cached, err := svc.Check(ctx, "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if cached == nil || cached.JobID != "job-123" {
		t.Fatalf("stored result should survive release, got %+v", cached)
	}
}

func TestIdempotency_Replay(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := svc.Store(ctx, "key-1", &IdempotencyResult{JobID: "job-123", Status: "queued", StatusCode: 201}); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	cached, err := svc.CheckOrReserve(ctx, "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if cached == nil || cached.JobID != "job-123" {
		t.Fatalf("expected replayed job-123, got %+v", cached)
	}
	if cached.StatusCode != 201 {
		t.Errorf("expected status code 201, got %d", cached.StatusCode)
	}
}
