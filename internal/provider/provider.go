// Package provider defines the outbound delivery interface and the mock
// senders that simulate real channel providers.
package provider

import (
	"context"
	"errors"

	"github.com/wavecom/relay/internal/job"
)

// ErrUnknownChannel means no sender is registered for the job's channel.
// It is a structural failure: retrying cannot fix it.
var ErrUnknownChannel = errors.New("unknown delivery channel")

// Sender delivers a single notification over one channel. Send returns a
// provider message ID on success. Implementations must honor ctx
// cancellation since the engine wraps each attempt in a timeout.
type Sender interface {
	Channel() job.Channel
	Send(ctx context.Context, j *job.NotificationJob) (string, error)
}
