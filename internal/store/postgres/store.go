package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wavecom/relay/internal/job"
	"github.com/wavecom/relay/internal/store"
)

const jobColumns = `
	id, channel, recipient, subject, body, priority,
	status, attempts, max_attempts, last_error, metadata,
	created_at, updated_at, sent_at, failed_at
`

// Store implements store.Store on PostgreSQL. Status transitions use
// conditional updates (WHERE status = expected) so concurrent writers
// cannot both move the same job.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

func (s *Store) CreateJob(ctx context.Context, j *job.NotificationJob) error {
	query := `
		INSERT INTO notification_jobs (
			id, channel, recipient, subject, body, priority,
			status, attempts, max_attempts, last_error, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		RETURNING created_at, updated_at
	`

	err := s.pool.QueryRow(ctx, query,
		j.ID,
		j.Channel,
		j.Recipient,
		j.Subject,
		j.Body,
		j.Priority,
		j.Status,
		j.Attempts,
		j.MaxAttempts,
		j.LastError,
		j.Metadata,
	).Scan(&j.CreatedAt, &j.UpdatedAt)

	if err != nil {
		s.logger.Error("failed to create job",
			zap.Error(err),
			zap.String("job_id", j.ID.String()),
		)
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*job.NotificationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM notification_jobs WHERE id = $1`

	j, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return j, nil
}

// ClaimJob moves a queued job to processing and counts the attempt in a
// single statement. Exactly one of any set of concurrent claimers sees a
// row come back; the rest get ErrStatusConflict.
func (s *Store) ClaimJob(ctx context.Context, id uuid.UUID) (*job.NotificationJob, error) {
	query := `
		UPDATE notification_jobs
		SET status = $2, attempts = attempts + 1, updated_at = now()
		WHERE id = $1 AND status = $3
		RETURNING ` + jobColumns

	j, err := scanJob(s.pool.QueryRow(ctx, query, id, job.StatusProcessing, job.StatusQueued))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.conflictOrNotFound(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, from, to job.Status, lastError *string) (*job.NotificationJob, error) {
	if from.Terminal() {
		return nil, store.ErrStatusConflict
	}

	query := `
		UPDATE notification_jobs
		SET status = $2,
		    last_error = CASE
		        WHEN $2 = 'sent' THEN NULL
		        ELSE COALESCE($4::text, last_error)
		    END,
		    sent_at = CASE WHEN $2 = 'sent' THEN now() ELSE sent_at END,
		    failed_at = CASE WHEN $2 = 'failed' THEN now() ELSE failed_at END,
		    updated_at = now()
		WHERE id = $1 AND status = $3
		RETURNING ` + jobColumns

	j, err := scanJob(s.pool.QueryRow(ctx, query, id, to, from, lastError))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.conflictOrNotFound(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("update job status: %w", err)
	}
	return j, nil
}

// conflictOrNotFound disambiguates a zero-row conditional update: either
// the job does not exist or it exists in a different status.
func (s *Store) conflictOrNotFound(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM notification_jobs WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check job existence: %w", err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrStatusConflict
}

func (s *Store) ListJobs(ctx context.Context, f store.Filter) ([]*job.NotificationJob, int, error) {
	var conds []string
	var args []any

	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Status != nil {
		add("status = $%d", *f.Status)
	}
	if f.Channel != nil {
		add("channel = $%d", *f.Channel)
	}
	if f.Priority != nil {
		add("priority = $%d", *f.Priority)
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM notification_jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	limit := f.Limit
	if limit < 1 {
		limit = 20
	}

	args = append(args, limit, (page-1)*limit)
	query := fmt.Sprintf(
		`SELECT %s FROM notification_jobs%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, len(args)-1, len(args),
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.NotificationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[job.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM notification_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[job.Status]int)
	for rows.Next() {
		var status job.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

func (s *Store) AppendLog(ctx context.Context, l *job.NotificationLog) error {
	query := `
		INSERT INTO notification_logs (id, job_id, event, message, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	err := s.pool.QueryRow(ctx, query,
		l.ID, l.JobID, l.Event, l.Message, l.Metadata,
	).Scan(&l.CreatedAt)
	if err != nil {
		s.logger.Error("failed to append log",
			zap.Error(err),
			zap.String("job_id", l.JobID.String()),
			zap.String("event", l.Event),
		)
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

func (s *Store) ListLogs(ctx context.Context, jobID uuid.UUID) ([]*job.NotificationLog, error) {
	query := `
		SELECT id, job_id, event, message, metadata, created_at
		FROM notification_logs
		WHERE job_id = $1
		ORDER BY created_at ASC
	`

	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var logs []*job.NotificationLog
	for rows.Next() {
		var l job.NotificationLog
		if err := rows.Scan(&l.ID, &l.JobID, &l.Event, &l.Message, &l.Metadata, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		logs = append(logs, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return logs, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanJob(row pgx.Row) (*job.NotificationJob, error) {
	var j job.NotificationJob
	err := row.Scan(
		&j.ID,
		&j.Channel,
		&j.Recipient,
		&j.Subject,
		&j.Body,
		&j.Priority,
		&j.Status,
		&j.Attempts,
		&j.MaxAttempts,
		&j.LastError,
		&j.Metadata,
		&j.CreatedAt,
		&j.UpdatedAt,
		&j.SentAt,
		&j.FailedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
