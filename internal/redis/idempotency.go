package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long client-provided Idempotency-Key results
	// are retained for replay.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL bounds the reservation lock while the first request
	// with a key is still in flight.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates an idempotency key collision while the
// original request is still being processed.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already in flight")

// IdempotencyResult stores the cached response for an idempotent create.
type IdempotencyResult struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	StatusCode int    `json:"status_code"`
	CreatedAt  int64  `json:"created_at"`
}

// IdempotencyService deduplicates job creation requests by client key.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{client: client, logger: logger}
}

func idempotencyKey(key string) string {
	return "wavecom:idempotency:" + key
}

// Check retrieves a cached result. Returns (nil, nil) if the key is unused,
// the cached result if present, or ErrDuplicateRequest if the key is
// currently reserved by an in-flight request.
func (s *IdempotencyService) Check(ctx context.Context, key string) (*IdempotencyResult, error) {
	val, err := s.client.rdb.Get(ctx, idempotencyKey(key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit", zap.String("job_id", result.JobID))
	return &result, nil
}

// Reserve acquires the key with SET NX. Returns false if already taken.
func (s *IdempotencyService) Reserve(ctx context.Context, key string) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, idempotencyKey(key), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// releaseScript deletes the key only while it still holds the
// processing marker, so a concurrent Store result is never clobbered.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Release frees a reservation whose request failed before producing a
// result, letting the client retry the same key immediately.
func (s *IdempotencyService) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.client.rdb, []string{idempotencyKey(key)}, processingMarker).Err(); err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}

// Store saves the outcome of a processed request for later replay.
func (s *IdempotencyService) Store(ctx context.Context, key string, result *IdempotencyResult) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, idempotencyKey(key), data, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// CheckOrReserve returns a cached result if one exists, reserves the key
// and returns nil if it is fresh, or ErrDuplicateRequest if reserved.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, key string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, key)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, key)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}
	return nil, nil
}
