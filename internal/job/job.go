// Package job defines the notification job data model shared by the store,
// queue, engine and API layers.
package job

import (
	"time"

	"github.com/google/uuid"
)

// Channel identifies the delivery channel of a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// Valid reports whether the channel is one of the known channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

// Status is the lifecycle state of a job.
//
// Transitions:
//
//	pending -> queued -> processing -> sent
//	                                -> retrying -> queued (cycle)
//	                                -> failed
//	pending/queued -> failed (enqueue failure)
//
// sent and failed are terminal; nothing leaves them.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusRetrying   Status = "retrying"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Valid reports whether the status is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusProcessing, StatusSent, StatusRetrying, StatusFailed:
		return true
	}
	return false
}

// Priority affects queue lane routing, not the state machine.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether the priority is one of the known levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// NotificationJob is the unit of work flowing through the relay.
// ID, Channel, Recipient and MaxAttempts are immutable after creation;
// all other mutable fields are owned by the lifecycle engine.
type NotificationJob struct {
	ID          uuid.UUID         `json:"id"`
	Channel     Channel           `json:"channel"`
	Recipient   string            `json:"recipient"`
	Subject     string            `json:"subject,omitempty"`
	Body        string            `json:"body"`
	Priority    Priority          `json:"priority"`
	Status      Status            `json:"status"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	LastError   *string           `json:"last_error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	SentAt      *time.Time        `json:"sent_at,omitempty"`
	FailedAt    *time.Time        `json:"failed_at,omitempty"`
}

// Log event tags. Free-form by contract, but the engine only emits these.
const (
	EventCreated    = "created"
	EventQueued     = "queued"
	EventProcessing = "processing"
	EventSent       = "sent"
	EventRetry      = "retry"
	EventFailed     = "failed"
	EventDropped    = "dropped"
)

// NotificationLog is one entry of a job's append-only audit trail.
// Logs are never mutated or deleted except by time-based expiry.
type NotificationLog struct {
	ID        uuid.UUID         `json:"id"`
	JobID     uuid.UUID         `json:"job_id"`
	Event     string            `json:"event"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
