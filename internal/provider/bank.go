package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/wavecom/relay/internal/job"
)

// Bank routes jobs to the sender registered for their channel, wrapping
// each send in that channel's attempt timeout.
type Bank struct {
	senders  map[job.Channel]Sender
	timeouts map[job.Channel]time.Duration
}

func NewBank() *Bank {
	return &Bank{
		senders:  make(map[job.Channel]Sender),
		timeouts: make(map[job.Channel]time.Duration),
	}
}

// Register adds a sender for its channel. A zero timeout means no
// per-attempt deadline beyond the caller's context.
func (b *Bank) Register(s Sender, timeout time.Duration) {
	b.senders[s.Channel()] = s
	b.timeouts[s.Channel()] = timeout
}

// Send dispatches the job to its channel's sender. Returns
// ErrUnknownChannel (wrapped) when no sender is registered.
func (b *Bank) Send(ctx context.Context, j *job.NotificationJob) (string, error) {
	s, ok := b.senders[j.Channel]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownChannel, j.Channel)
	}

	if timeout := b.timeouts[j.Channel]; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return s.Send(ctx, j)
}

// Channels lists the registered channels.
func (b *Bank) Channels() []job.Channel {
	chs := make([]job.Channel, 0, len(b.senders))
	for ch := range b.senders {
		chs = append(chs, ch)
	}
	return chs
}
