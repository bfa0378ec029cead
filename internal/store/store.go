// Package store defines the persistence contract for notification jobs and
// their audit logs. The store is the single source of truth for job state;
// every status transition is a conditional update keyed on the expected
// current status so that concurrent workers cannot double-claim a job.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/wavecom/relay/internal/job"
)

var (
	// ErrNotFound indicates the job (or log) does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrStatusConflict indicates a conditional update found the job in a
	// different status than expected. Callers treat this as "someone else
	// got there first" and re-read the job if they need the current state.
	ErrStatusConflict = errors.New("job status conflict")
)

// Filter narrows ListJobs results. Nil fields match everything.
type Filter struct {
	Status   *job.Status
	Channel  *job.Channel
	Priority *job.Priority
	Page     int // 1-based
	Limit    int
}

// Store is the durable persistence contract for jobs and logs.
//
// UpdateStatus semantics: the transition succeeds only if the job is
// currently in `from`. Transitions out of a terminal status are always
// rejected with ErrStatusConflict. lastError, when non-nil, replaces the
// stored value; a transition to sent clears it. Transitions to sent and
// failed stamp sentAt / failedAt respectively.
type Store interface {
	CreateJob(ctx context.Context, j *job.NotificationJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*job.NotificationJob, error)

	// ClaimJob performs the queued -> processing transition and increments
	// the attempt counter in one conditional update. It is the single-acquire
	// lock that serializes workers on a job.
	ClaimJob(ctx context.Context, id uuid.UUID) (*job.NotificationJob, error)

	UpdateStatus(ctx context.Context, id uuid.UUID, from, to job.Status, lastError *string) (*job.NotificationJob, error)

	ListJobs(ctx context.Context, f Filter) ([]*job.NotificationJob, int, error)
	CountByStatus(ctx context.Context) (map[job.Status]int, error)

	AppendLog(ctx context.Context, l *job.NotificationLog) error
	ListLogs(ctx context.Context, jobID uuid.UUID) ([]*job.NotificationLog, error)

	Ping(ctx context.Context) error
}
