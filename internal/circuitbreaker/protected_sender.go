package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wavecom/relay/internal/job"
	"github.com/wavecom/relay/internal/provider"
)

// ProtectedSender wraps a provider.Sender with a CircuitBreaker. While
// the channel's provider looks down, sends fail fast with ErrCircuitOpen
// instead of burning an attempt timeout per job.
type ProtectedSender struct {
	sender  provider.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedSender(sender provider.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedSender) Channel() job.Channel {
	return p.sender.Channel()
}

// Send consults the breaker before delegating. A rejected or failed send
// feeds the breaker; cancellation from the caller's context counts as a
// failure too, since a saturated provider times out the same way.
func (p *ProtectedSender) Send(ctx context.Context, j *job.NotificationJob) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected request",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("job_id", j.ID.String()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return "", fmt.Errorf("%w: %s provider unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	messageID, err := p.sender.Send(ctx, j)
	if err != nil {
		p.breaker.RecordFailure()
		return "", err
	}

	p.breaker.RecordSuccess()
	return messageID, nil
}

// Breaker exposes the underlying breaker for stats reporting.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
