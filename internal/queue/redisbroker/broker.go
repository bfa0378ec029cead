// Package redisbroker implements the queue.Broker contract on Redis.
//
// Each lane is a ready list consumed with RPOPLPUSH into an in-flight list,
// which gives at-least-once semantics: a delivery stays in-flight until it
// is acked (removed) or nacked (moved back to the ready tail). Every receipt
// also carries a visibility deadline in a per-lane sorted set; a consumer
// that dies without settling its delivery loses it back to the ready list
// once the deadline passes, the same recovery SQS gives through its
// visibility timeout. Delayed messages sit in a sorted set scored by their
// due time and are promoted to the ready list on receive. Dead letters
// accumulate on a separate list.
package redisbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wavecom/relay/internal/queue"
)

const keyPrefix = "wavecom:q:"

// visibilityTimeout is how long a received message may stay unsettled
// before it is considered abandoned and returned to the ready list.
const visibilityTimeout = time.Minute

// envelope wraps a message with a nonce so duplicate payloads remain
// individually addressable in the in-flight list.
type envelope struct {
	ID      string        `json:"id"`
	Message queue.Message `json:"msg"`
}

type Broker struct {
	rdb    *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

func New(rdb *redis.Client, logger *zap.Logger) *Broker {
	return &Broker{rdb: rdb, logger: logger, now: time.Now}
}

func readyKey(lane queue.Lane) string    { return keyPrefix + string(lane) }
func delayedKey(lane queue.Lane) string  { return keyPrefix + string(lane) + ":delayed" }
func inflightKey(lane queue.Lane) string { return keyPrefix + string(lane) + ":inflight" }
func pendingKey(lane queue.Lane) string  { return keyPrefix + string(lane) + ":pending" }

const deadKey = keyPrefix + "dead"

func (b *Broker) Publish(ctx context.Context, lane queue.Lane, msg queue.Message, opts queue.PublishOptions) error {
	payload, err := json.Marshal(envelope{ID: uuid.NewString(), Message: msg})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if opts.Delay > 0 {
		due := b.now().Add(opts.Delay)
		if err := b.rdb.ZAdd(ctx, delayedKey(lane), redis.Z{
			Score:  float64(due.UnixNano()),
			Member: string(payload),
		}).Err(); err != nil {
			return fmt.Errorf("schedule delayed message: %w", err)
		}
		b.logger.Debug("message scheduled",
			zap.String("lane", string(lane)),
			zap.String("job_id", msg.JobID.String()),
			zap.Duration("delay", opts.Delay),
		)
		return nil
	}

	if err := b.rdb.LPush(ctx, readyKey(lane), payload).Err(); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// promoteDue moves delayed messages whose due time has passed onto the
// ready list, and reclaims in-flight messages whose visibility deadline
// expired without an ack or nack. ZRem guards against two receivers
// promoting or reclaiming the same member.
func (b *Broker) promoteDue(ctx context.Context, lane queue.Lane) error {
	now := fmt.Sprintf("%d", b.now().UnixNano())

	members, err := b.rdb.ZRangeByScore(ctx, delayedKey(lane), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("scan delayed messages: %w", err)
	}
	for _, m := range members {
		removed, err := b.rdb.ZRem(ctx, delayedKey(lane), m).Result()
		if err != nil {
			return fmt.Errorf("promote delayed message: %w", err)
		}
		if removed == 0 {
			continue // another receiver won the race
		}
		if err := b.rdb.LPush(ctx, readyKey(lane), m).Err(); err != nil {
			return fmt.Errorf("enqueue promoted message: %w", err)
		}
	}

	expired, err := b.rdb.ZRangeByScore(ctx, pendingKey(lane), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("scan expired in-flight messages: %w", err)
	}
	for _, m := range expired {
		removed, err := b.rdb.ZRem(ctx, pendingKey(lane), m).Result()
		if err != nil {
			return fmt.Errorf("reclaim in-flight message: %w", err)
		}
		if removed == 0 {
			continue
		}
		b.rdb.LRem(ctx, inflightKey(lane), 1, m)
		if err := b.rdb.LPush(ctx, readyKey(lane), m).Err(); err != nil {
			return fmt.Errorf("requeue reclaimed message: %w", err)
		}
		b.logger.Warn("reclaimed abandoned in-flight message", zap.String("lane", string(lane)))
	}
	return nil
}

func (b *Broker) Receive(ctx context.Context, lane queue.Lane, max int) ([]queue.Delivery, error) {
	if err := b.promoteDue(ctx, lane); err != nil {
		return nil, err
	}

	var deliveries []queue.Delivery
	for i := 0; i < max; i++ {
		payload, err := b.rdb.RPopLPush(ctx, readyKey(lane), inflightKey(lane)).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return deliveries, fmt.Errorf("receive message: %w", err)
		}

		var env envelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			// Poison payload: drop it from in-flight so it cannot wedge the lane.
			b.logger.Error("dropping malformed message", zap.Error(err), zap.String("lane", string(lane)))
			b.rdb.LRem(ctx, inflightKey(lane), 1, payload)
			continue
		}

		deadline := b.now().Add(visibilityTimeout)
		if err := b.rdb.ZAdd(ctx, pendingKey(lane), redis.Z{
			Score:  float64(deadline.UnixNano()),
			Member: payload,
		}).Err(); err != nil {
			// No deadline means the receipt could strand; hand it back instead.
			pipe := b.rdb.TxPipeline()
			pipe.LRem(ctx, inflightKey(lane), 1, payload)
			pipe.RPush(ctx, readyKey(lane), payload)
			_, _ = pipe.Exec(ctx)
			return deliveries, fmt.Errorf("track in-flight message: %w", err)
		}

		deliveries = append(deliveries, queue.Delivery{
			Lane:    lane,
			Receipt: payload,
			Message: env.Message,
		})
	}

	return deliveries, nil
}

func (b *Broker) Ack(ctx context.Context, d queue.Delivery) error {
	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, inflightKey(d.Lane), 1, d.Receipt)
	pipe.ZRem(ctx, pendingKey(d.Lane), d.Receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	return nil
}

func (b *Broker) Nack(ctx context.Context, d queue.Delivery) error {
	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, inflightKey(d.Lane), 1, d.Receipt)
	pipe.ZRem(ctx, pendingKey(d.Lane), d.Receipt)
	// RPush so the redelivery is next in line for RPOPLPUSH.
	pipe.RPush(ctx, readyKey(d.Lane), d.Receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack message: %w", err)
	}
	return nil
}

func (b *Broker) PublishDead(ctx context.Context, dl queue.DeadLetter) error {
	payload, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := b.rdb.LPush(ctx, deadKey, payload).Err(); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	b.logger.Info("message dead-lettered",
		zap.String("job_id", dl.JobID.String()),
		zap.Int("attempts", dl.FinalAttemptCount),
		zap.String("final_error", dl.FinalError),
	)
	return nil
}

// Depth counts ready plus delayed messages on a lane; in-flight messages
// are excluded since a consumer currently owns them.
func (b *Broker) Depth(ctx context.Context, lane queue.Lane) (int, error) {
	ready, err := b.rdb.LLen(ctx, readyKey(lane)).Result()
	if err != nil {
		return 0, fmt.Errorf("lane depth: %w", err)
	}
	delayed, err := b.rdb.ZCard(ctx, delayedKey(lane)).Result()
	if err != nil {
		return 0, fmt.Errorf("lane delayed depth: %w", err)
	}
	return int(ready + delayed), nil
}

func (b *Broker) DeadLetterCount(ctx context.Context) (int, error) {
	n, err := b.rdb.LLen(ctx, deadKey).Result()
	if err != nil {
		return 0, fmt.Errorf("dead letter count: %w", err)
	}
	return int(n), nil
}

func (b *Broker) PurgeDeadLetters(ctx context.Context) (int, error) {
	n, err := b.rdb.LLen(ctx, deadKey).Result()
	if err != nil {
		return 0, fmt.Errorf("dead letter count: %w", err)
	}
	if err := b.rdb.Del(ctx, deadKey).Err(); err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return int(n), nil
}

func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close is a no-op; the shared Redis client is owned by the caller.
func (b *Broker) Close() error {
	return nil
}
