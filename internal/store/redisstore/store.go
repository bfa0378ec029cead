// Package redisstore implements the job store on Redis.
//
// Each job lives as a JSON value under its own key. Secondary structures
// keep listings cheap: a per-status set for counts and filtered listings,
// and a creation-time sorted set for ordered pagination. Status moves use
// WATCH-based optimistic transactions so concurrent writers cannot both
// transition the same job.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wavecom/relay/internal/job"
	"github.com/wavecom/relay/internal/store"
)

const (
	jobKeyPrefix    = "wavecom:jobs:"
	statusKeyPrefix = "wavecom:jobs:status:"
	createdKey      = "wavecom:jobs:created"

	// maxClaimRetries bounds WATCH retry loops under contention.
	maxClaimRetries = 5
)

type Store struct {
	rdb    *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

func NewStore(rdb *redis.Client, logger *zap.Logger) *Store {
	return &Store{rdb: rdb, logger: logger, now: time.Now}
}

func jobKey(id uuid.UUID) string    { return jobKeyPrefix + id.String() }
func logsKey(id uuid.UUID) string   { return jobKeyPrefix + id.String() + ":logs" }
func statusKey(s job.Status) string { return statusKeyPrefix + string(s) }

func (s *Store) CreateJob(ctx context.Context, j *job.NotificationJob) error {
	now := s.now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	ok, err := s.rdb.SetNX(ctx, jobKey(j.ID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	if !ok {
		return fmt.Errorf("job %s already exists", j.ID)
	}

	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, statusKey(j.Status), j.ID.String())
	pipe.ZAdd(ctx, createdKey, redis.Z{Score: float64(now.UnixNano()), Member: j.ID.String()})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*job.NotificationJob, error) {
	payload, err := s.rdb.Get(ctx, jobKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	var j job.NotificationJob
	if err := json.Unmarshal([]byte(payload), &j); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &j, nil
}

// ClaimJob moves a queued job to processing and counts the attempt. The
// WATCH guard aborts the transaction if any other writer touches the job
// between read and write, so at most one claimer succeeds.
func (s *Store) ClaimJob(ctx context.Context, id uuid.UUID) (*job.NotificationJob, error) {
	return s.transition(ctx, id, func(j *job.NotificationJob) error {
		if j.Status != job.StatusQueued {
			return store.ErrStatusConflict
		}
		j.Status = job.StatusProcessing
		j.Attempts++
		return nil
	})
}

func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, from, to job.Status, lastError *string) (*job.NotificationJob, error) {
	return s.transition(ctx, id, func(j *job.NotificationJob) error {
		if j.Status.Terminal() || j.Status != from {
			return store.ErrStatusConflict
		}
		j.Status = to
		if lastError != nil {
			j.LastError = lastError
		}
		now := s.now().UTC()
		switch to {
		case job.StatusSent:
			j.LastError = nil
			j.SentAt = &now
		case job.StatusFailed:
			j.FailedAt = &now
		}
		return nil
	})
}

// transition applies mutate to the stored job inside a WATCH transaction,
// retrying a handful of times when a concurrent write aborts it.
func (s *Store) transition(ctx context.Context, id uuid.UUID, mutate func(*job.NotificationJob) error) (*job.NotificationJob, error) {
	var result *job.NotificationJob

	txn := func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, jobKey(id)).Result()
		if errors.Is(err, redis.Nil) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}

		var j job.NotificationJob
		if err := json.Unmarshal([]byte(payload), &j); err != nil {
			return fmt.Errorf("unmarshal job: %w", err)
		}

		prevStatus := j.Status
		if err := mutate(&j); err != nil {
			return err
		}
		j.UpdatedAt = s.now().UTC()

		updated, err := json.Marshal(&j)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(id), updated, 0)
			if prevStatus != j.Status {
				pipe.SRem(ctx, statusKey(prevStatus), id.String())
				pipe.SAdd(ctx, statusKey(j.Status), id.String())
			}
			return nil
		})
		if err != nil {
			return err
		}

		result = &j
		return nil
	}

	for i := 0; i < maxClaimRetries; i++ {
		err := s.rdb.Watch(ctx, txn, jobKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, store.ErrStatusConflict
}

func (s *Store) ListJobs(ctx context.Context, f store.Filter) ([]*job.NotificationJob, int, error) {
	var ids []string
	var err error

	// A status filter narrows the scan to that status set; otherwise walk
	// the creation-time index newest first.
	if f.Status != nil {
		ids, err = s.rdb.SMembers(ctx, statusKey(*f.Status)).Result()
	} else {
		ids, err = s.rdb.ZRevRange(ctx, createdKey, 0, -1).Result()
	}
	if err != nil {
		return nil, 0, fmt.Errorf("list job ids: %w", err)
	}

	var matched []*job.NotificationJob
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		j, err := s.GetJob(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue // index lagging behind a delete
		}
		if err != nil {
			return nil, 0, err
		}
		if f.Channel != nil && j.Channel != *f.Channel {
			continue
		}
		if f.Priority != nil && j.Priority != *f.Priority {
			continue
		}
		matched = append(matched, j)
	}

	// Status sets are unordered; restore newest-first before paging.
	if f.Status != nil {
		sortByCreatedDesc(matched)
	}

	total := len(matched)

	page := f.Page
	if page < 1 {
		page = 1
	}
	limit := f.Limit
	if limit < 1 {
		limit = 20
	}

	start := (page - 1) * limit
	if start >= total {
		return []*job.NotificationJob{}, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func sortByCreatedDesc(jobs []*job.NotificationJob) {
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
}

func (s *Store) CountByStatus(ctx context.Context) (map[job.Status]int, error) {
	statuses := []job.Status{
		job.StatusPending, job.StatusQueued, job.StatusProcessing,
		job.StatusSent, job.StatusRetrying, job.StatusFailed,
	}

	counts := make(map[job.Status]int, len(statuses))
	for _, st := range statuses {
		n, err := s.rdb.SCard(ctx, statusKey(st)).Result()
		if err != nil {
			return nil, fmt.Errorf("count status %s: %w", st, err)
		}
		if n > 0 {
			counts[st] = int(n)
		}
	}
	return counts, nil
}

func (s *Store) AppendLog(ctx context.Context, l *job.NotificationLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now().UTC()
	}
	payload, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal log: %w", err)
	}
	if err := s.rdb.RPush(ctx, logsKey(l.JobID), payload).Err(); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (s *Store) ListLogs(ctx context.Context, jobID uuid.UUID) ([]*job.NotificationLog, error) {
	entries, err := s.rdb.LRange(ctx, logsKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}

	logs := make([]*job.NotificationLog, 0, len(entries))
	for _, e := range entries {
		var l job.NotificationLog
		if err := json.Unmarshal([]byte(e), &l); err != nil {
			return nil, fmt.Errorf("unmarshal log: %w", err)
		}
		logs = append(logs, &l)
	}
	return logs, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
