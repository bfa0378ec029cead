package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wavecom/relay/internal/job"
)

// Default simulation parameters, matching observed provider behavior.
const (
	DefaultMinLatency = 100 * time.Millisecond
	DefaultMaxLatency = 500 * time.Millisecond
)

var failureMessages = map[job.Channel]string{
	job.ChannelEmail: "email provider temporarily unavailable",
	job.ChannelSMS:   "sms gateway timeout",
	job.ChannelPush:  "push service error",
}

// MockConfig tunes one mock sender.
type MockConfig struct {
	Channel     job.Channel
	FailureRate float64 // probability in [0,1] of a simulated transient failure
	MinLatency  time.Duration
	MaxLatency  time.Duration
}

// MockSender simulates a channel provider: it sleeps a uniform random
// latency, then fails with the configured probability. Safe for
// concurrent use.
type MockSender struct {
	cfg    MockConfig
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewMockSender(cfg MockConfig, logger *zap.Logger) *MockSender {
	if cfg.MinLatency == 0 {
		cfg.MinLatency = DefaultMinLatency
	}
	if cfg.MaxLatency <= cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency + DefaultMaxLatency - DefaultMinLatency
	}
	return &MockSender{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *MockSender) Channel() job.Channel {
	return m.cfg.Channel
}

func (m *MockSender) Send(ctx context.Context, j *job.NotificationJob) (string, error) {
	latency, fail := m.roll()

	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return "", fmt.Errorf("%s send canceled: %w", m.cfg.Channel, ctx.Err())
	}

	if fail {
		msg := failureMessages[m.cfg.Channel]
		if msg == "" {
			msg = "provider error"
		}
		m.logger.Debug("simulated provider failure",
			zap.String("channel", string(m.cfg.Channel)),
			zap.String("job_id", j.ID.String()),
		)
		return "", errors.New(msg)
	}

	messageID := fmt.Sprintf("%s-%s", m.cfg.Channel, uuid.NewString())
	m.logger.Debug("simulated delivery",
		zap.String("channel", string(m.cfg.Channel)),
		zap.String("job_id", j.ID.String()),
		zap.String("message_id", messageID),
		zap.Duration("latency", latency),
	)
	return messageID, nil
}

func (m *MockSender) roll() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	span := m.cfg.MaxLatency - m.cfg.MinLatency
	latency := m.cfg.MinLatency + time.Duration(m.rng.Int63n(int64(span)))
	return latency, m.rng.Float64() < m.cfg.FailureRate
}
