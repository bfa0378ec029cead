// Package queue defines the durable, at-least-once message transport
// between the ingress side and the worker. Implementations live in the
// redisbroker and sqsbroker subpackages.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wavecom/relay/internal/job"
)

// Lane names a queue. Critical/high priority jobs route to LaneHigh, which
// workers drain with preference. Lanes are a soft ordering preference, not
// a hard guarantee.
type Lane string

const (
	LaneDefault Lane = "default"
	LaneHigh    Lane = "high"
)

// Lanes lists every lane a worker should consume, highest preference first.
var Lanes = []Lane{LaneHigh, LaneDefault}

// LaneFor routes a priority to its lane.
func LaneFor(p job.Priority) Lane {
	if p == job.PriorityHigh || p == job.PriorityCritical {
		return LaneHigh
	}
	return LaneDefault
}

// Message is the wire payload carried on a lane. It references the job by
// ID; the job record itself stays in the store.
type Message struct {
	JobID      uuid.UUID `json:"job_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt int64     `json:"enqueued_at"`
}

// DeadLetter is the payload routed to the dead-letter queue when a job
// exhausts its retry budget. It preserves the audit trail of terminally
// failed work.
type DeadLetter struct {
	JobID             uuid.UUID `json:"job_id"`
	FinalError        string    `json:"final_error"`
	FinalAttemptCount int       `json:"final_attempt_count"`
	FailedAt          time.Time `json:"failed_at"`
}

// PublishOptions tunes a single publish. Messages are always persistent.
type PublishOptions struct {
	// Delay keeps the message invisible to consumers until it elapses.
	// Used for retry backoff.
	Delay time.Duration
}

// Delivery is one received message plus the receipt needed to settle it.
type Delivery struct {
	Lane    Lane
	Receipt string
	Message Message
}

// Broker is the transport contract. There is no auto-ack: every delivery
// must be settled with Ack (remove) or Nack (return for redelivery) as a
// deliberate decision tied to the state transition outcome.
type Broker interface {
	Publish(ctx context.Context, lane Lane, msg Message, opts PublishOptions) error

	// Receive returns up to max deliveries from the lane. It may return an
	// empty slice when the lane is idle; callers poll.
	Receive(ctx context.Context, lane Lane, max int) ([]Delivery, error)

	Ack(ctx context.Context, d Delivery) error
	Nack(ctx context.Context, d Delivery) error

	PublishDead(ctx context.Context, dl DeadLetter) error

	Depth(ctx context.Context, lane Lane) (int, error)
	DeadLetterCount(ctx context.Context) (int, error)
	PurgeDeadLetters(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
