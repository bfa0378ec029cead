package engine

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy computes the delay before a retry attempt is redelivered.
type RetryPolicy struct {
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64 // e.g. 0.2 for +-20%

	mu  sync.Mutex
	rng *rand.Rand
}

// DefaultRetryPolicy matches the production relay settings: 5s initial,
// doubling per attempt, capped at 60s, with +-20% jitter.
func DefaultRetryPolicy() *RetryPolicy {
	return NewRetryPolicy(5*time.Second, 60*time.Second, 2.0, 0.2)
}

func NewRetryPolicy(initial, max time.Duration, multiplier, jitter float64) *RetryPolicy {
	return &RetryPolicy{
		InitialDelay:   initial,
		MaxDelay:       max,
		Multiplier:     multiplier,
		JitterFraction: jitter,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// BaseDelay returns the un-jittered delay after the given number of
// completed attempts: initial * multiplier^(attempts-1), capped at max.
// The first retry (attempts=1) waits the initial delay.
func (p *RetryPolicy) BaseDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempts-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delay returns BaseDelay with jitter applied, so simultaneous failures
// do not retry in lockstep. Never returns a negative duration.
func (p *RetryPolicy) Delay(attempts int) time.Duration {
	base := p.BaseDelay(attempts)
	if p.JitterFraction <= 0 {
		return base
	}

	p.mu.Lock()
	// Uniform in [-jitter, +jitter].
	factor := 1 + p.JitterFraction*(2*p.rng.Float64()-1)
	p.mu.Unlock()

	d := time.Duration(float64(base) * factor)
	if d < 0 {
		return 0
	}
	return d
}
