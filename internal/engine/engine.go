// Package engine implements the notification lifecycle: creating and
// enqueuing jobs, dispatching delivery attempts, and deciding between
// retry, dead-letter and terminal outcomes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wavecom/relay/internal/job"
	"github.com/wavecom/relay/internal/metrics"
	"github.com/wavecom/relay/internal/provider"
	"github.com/wavecom/relay/internal/queue"
	"github.com/wavecom/relay/internal/store"
)

// ErrQueueUnavailable means the job was persisted (and failed) but could
// not be handed to the broker.
var ErrQueueUnavailable = errors.New("queue unavailable")

// Sender is the delivery surface the engine dispatches through. In
// production this is a provider.Bank of breaker-wrapped mock senders.
type Sender interface {
	Send(ctx context.Context, j *job.NotificationJob) (string, error)
}

// Config tunes engine behavior.
type Config struct {
	// DefaultMaxAttempts applies when a request does not set max_attempts.
	DefaultMaxAttempts int
}

// Engine owns every job status transition after creation. The API layer
// and workers never touch job status directly.
type Engine struct {
	store  store.Store
	broker queue.Broker
	sender Sender
	policy *RetryPolicy
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func New(st store.Store, broker queue.Broker, sender Sender, policy *RetryPolicy, cfg Config, logger *zap.Logger) *Engine {
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	return &Engine{
		store:  st,
		broker: broker,
		sender: sender,
		policy: policy,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// CreateAndEnqueue validates the job, persists it and hands it to the
// broker. The job is marked queued before publish so a fast consumer
// cannot receive a message for a still-pending job. If the broker is
// down the job lands in failed with the error recorded, and the caller
// gets the publish error back.
func (e *Engine) CreateAndEnqueue(ctx context.Context, j *job.NotificationJob) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Priority == "" {
		j.Priority = job.PriorityMedium
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = e.cfg.DefaultMaxAttempts
	}
	j.Status = job.StatusPending
	j.Attempts = 0

	if err := j.Validate(); err != nil {
		return err
	}

	if err := e.store.CreateJob(ctx, j); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	e.appendLog(ctx, j.ID, job.EventCreated, "job accepted", nil)
	metrics.RecordJobCreated(string(j.Channel), string(j.Priority))

	updated, err := e.store.UpdateStatus(ctx, j.ID, job.StatusPending, job.StatusQueued, nil)
	if err != nil {
		return fmt.Errorf("mark job queued: %w", err)
	}
	*j = *updated

	lane := queue.LaneFor(j.Priority)
	msg := queue.Message{JobID: j.ID, Attempt: 0, EnqueuedAt: e.now().UnixNano()}
	if err := e.broker.Publish(ctx, lane, msg, queue.PublishOptions{}); err != nil {
		e.logger.Error("publish failed, failing job",
			zap.Error(err),
			zap.String("job_id", j.ID.String()),
		)
		reason := "queue unavailable"
		if failed, ferr := e.store.UpdateStatus(ctx, j.ID, job.StatusQueued, job.StatusFailed, &reason); ferr == nil {
			*j = *failed
		}
		e.appendLog(ctx, j.ID, job.EventFailed, reason, nil)
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	e.appendLog(ctx, j.ID, job.EventQueued, "job enqueued", map[string]string{"lane": string(lane)})
	e.logger.Info("job enqueued",
		zap.String("job_id", j.ID.String()),
		zap.String("channel", string(j.Channel)),
		zap.String("priority", string(j.Priority)),
		zap.String("lane", string(lane)),
	)
	return nil
}

// HandleDelivery processes one queue delivery end to end. A nil return
// tells the worker to ack; an error return means the attempt never ran
// to a decision and the message should redeliver.
func (e *Engine) HandleDelivery(ctx context.Context, d queue.Delivery) error {
	j, err := e.store.ClaimJob(ctx, d.Message.JobID)
	if errors.Is(err, store.ErrNotFound) {
		// Message outlived its job; nothing to deliver.
		e.logger.Warn("dropping message for unknown job",
			zap.String("job_id", d.Message.JobID.String()),
		)
		return nil
	}
	if errors.Is(err, store.ErrStatusConflict) {
		return e.resolveClaimConflict(ctx, d)
	}
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}

	e.appendLog(ctx, j.ID, job.EventProcessing, fmt.Sprintf("attempt %d of %d", j.Attempts, j.MaxAttempts), nil)

	start := e.now()
	messageID, sendErr := e.sender.Send(ctx, j)
	metrics.RecordDeliveryLatency(string(j.Channel), e.now().Sub(start))

	if sendErr == nil {
		return e.completeSent(ctx, j, messageID)
	}
	if structural(sendErr) {
		return e.completeDropped(ctx, j, sendErr)
	}
	if j.Attempts >= j.MaxAttempts {
		return e.completeExhausted(ctx, j, sendErr)
	}
	return e.scheduleRetry(ctx, j, sendErr)
}

// resolveClaimConflict handles a delivery whose job is not in queued
// state. Duplicates of an already-running or already-finished job ack
// harmlessly; anything else redelivers until the picture settles.
func (e *Engine) resolveClaimConflict(ctx context.Context, d queue.Delivery) error {
	j, err := e.store.GetJob(ctx, d.Message.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("inspect conflicting job: %w", err)
	}

	switch j.Status {
	case job.StatusProcessing, job.StatusSent, job.StatusFailed, job.StatusRetrying:
		// Another consumer owns it or it already finished.
		e.logger.Debug("acking duplicate delivery",
			zap.String("job_id", j.ID.String()),
			zap.String("status", string(j.Status)),
		)
		return nil
	default:
		// queued or pending: a claim should have worked, so the state
		// changed between claim and inspection. Redeliver.
		return fmt.Errorf("job %s in %s, retrying claim on redelivery", j.ID, j.Status)
	}
}

func (e *Engine) completeSent(ctx context.Context, j *job.NotificationJob, messageID string) error {
	if _, err := e.store.UpdateStatus(ctx, j.ID, job.StatusProcessing, job.StatusSent, nil); err != nil {
		return fmt.Errorf("mark job sent: %w", err)
	}
	e.appendLog(ctx, j.ID, job.EventSent, "delivered", map[string]string{"message_id": messageID})
	metrics.RecordDeliveryAttempt(string(j.Channel), "sent")
	e.logger.Info("job delivered",
		zap.String("job_id", j.ID.String()),
		zap.String("channel", string(j.Channel)),
		zap.String("message_id", messageID),
		zap.Int("attempts", j.Attempts),
	)
	return nil
}

// completeDropped handles structural failures: errors no retry can fix.
func (e *Engine) completeDropped(ctx context.Context, j *job.NotificationJob, sendErr error) error {
	reason := sendErr.Error()
	if _, err := e.store.UpdateStatus(ctx, j.ID, job.StatusProcessing, job.StatusFailed, &reason); err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	e.appendLog(ctx, j.ID, job.EventDropped, reason, nil)
	metrics.RecordDeliveryAttempt(string(j.Channel), "dropped")
	e.publishDead(ctx, j, reason)
	e.logger.Warn("job dropped",
		zap.String("job_id", j.ID.String()),
		zap.String("reason", reason),
	)
	return nil
}

func (e *Engine) completeExhausted(ctx context.Context, j *job.NotificationJob, sendErr error) error {
	reason := sendErr.Error()
	if _, err := e.store.UpdateStatus(ctx, j.ID, job.StatusProcessing, job.StatusFailed, &reason); err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	e.appendLog(ctx, j.ID, job.EventFailed,
		fmt.Sprintf("exhausted %d attempts: %s", j.Attempts, reason), nil)
	metrics.RecordDeliveryAttempt(string(j.Channel), "failed")
	e.publishDead(ctx, j, reason)
	e.logger.Error("job failed permanently",
		zap.String("job_id", j.ID.String()),
		zap.String("channel", string(j.Channel)),
		zap.Int("attempts", j.Attempts),
		zap.String("last_error", reason),
	)
	return nil
}

// publishDead best-effort forwards a terminal failure to the dead letter
// queue. The job row is already failed; a DLQ gap is observable in logs
// and metrics but must not resurrect the message.
func (e *Engine) publishDead(ctx context.Context, j *job.NotificationJob, reason string) {
	dl := queue.DeadLetter{
		JobID:             j.ID,
		FinalError:        reason,
		FinalAttemptCount: j.Attempts,
		FailedAt:          e.now().UTC(),
	}
	if err := e.broker.PublishDead(ctx, dl); err != nil {
		e.logger.Error("dead letter publish failed",
			zap.Error(err),
			zap.String("job_id", j.ID.String()),
		)
	}
}

// scheduleRetry records the transient failure and re-publishes the job
// with backoff. The status cycles processing -> retrying -> queued; the
// delayed message then claims it from queued like any first delivery.
func (e *Engine) scheduleRetry(ctx context.Context, j *job.NotificationJob, sendErr error) error {
	reason := sendErr.Error()
	if _, err := e.store.UpdateStatus(ctx, j.ID, job.StatusProcessing, job.StatusRetrying, &reason); err != nil {
		return fmt.Errorf("mark job retrying: %w", err)
	}

	delay := e.policy.Delay(j.Attempts)
	e.appendLog(ctx, j.ID, job.EventRetry,
		fmt.Sprintf("attempt %d failed: %s", j.Attempts, reason),
		map[string]string{"retry_in": delay.String()})
	metrics.RecordDeliveryAttempt(string(j.Channel), "retry")

	if _, err := e.store.UpdateStatus(ctx, j.ID, job.StatusRetrying, job.StatusQueued, nil); err != nil {
		return fmt.Errorf("requeue retrying job: %w", err)
	}

	lane := queue.LaneFor(j.Priority)
	msg := queue.Message{JobID: j.ID, Attempt: j.Attempts, EnqueuedAt: e.now().UnixNano()}
	if err := e.broker.Publish(ctx, lane, msg, queue.PublishOptions{Delay: delay}); err != nil {
		// Job is queued but no message carries it. Redeliver the current
		// one; the re-claim counts a fresh attempt, which at-least-once
		// delivery permits.
		return fmt.Errorf("publish retry: %w", err)
	}

	e.logger.Info("job scheduled for retry",
		zap.String("job_id", j.ID.String()),
		zap.String("channel", string(j.Channel)),
		zap.Int("attempt", j.Attempts),
		zap.Duration("delay", delay),
	)
	return nil
}

// structural reports whether the error can never succeed on retry.
func structural(err error) bool {
	return errors.Is(err, provider.ErrUnknownChannel)
}

func (e *Engine) appendLog(ctx context.Context, jobID uuid.UUID, event, message string, md map[string]string) {
	l := &job.NotificationLog{
		ID:       uuid.New(),
		JobID:    jobID,
		Event:    event,
		Message:  message,
		Metadata: md,
	}
	if err := e.store.AppendLog(ctx, l); err != nil {
		e.logger.Warn("append log failed",
			zap.Error(err),
			zap.String("job_id", jobID.String()),
			zap.String("event", event),
		)
	}
}
