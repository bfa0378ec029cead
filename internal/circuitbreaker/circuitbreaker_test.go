package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wavecom/relay/internal/job"
)

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := New(DefaultConfig("test"), zap.NewNop())
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_AllowsRequestsWhenClosed(t *testing.T) {
	cb := New(DefaultConfig("test"), zap.NewNop())
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3, RecoveryTimeout: time.Second}, zap.NewNop())
	for i := 0; i < 3; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3, RecoveryTimeout: time.Second}, zap.NewNop())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateClosed {
		t.Fatalf("non-consecutive failures should not open circuit, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenProbeRecovery(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, zap.NewNop())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()

	time.Sleep(60 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("should allow probe after recovery timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
	}

	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after probe success, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, zap.NewNop())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()

	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordFailure()

	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen after probe failure, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 1, RecoveryTimeout: 10 * time.Millisecond, HalfOpenMaxRequests: 1}, zap.NewNop())
	cb.Allow()
	cb.RecordFailure()

	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("first probe should pass")
	}
	if cb.Allow() {
		t.Fatal("second concurrent probe should be rejected")
	}
}

type stubSender struct {
	err   error
	calls int
}

func (s *stubSender) Channel() job.Channel { return job.ChannelEmail }

func (s *stubSender) Send(ctx context.Context, j *job.NotificationJob) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "email-" + uuid.NewString(), nil
}

func TestProtectedSender_FailsFastWhenOpen(t *testing.T) {
	stub := &stubSender{err: errors.New("email provider temporarily unavailable")}
	cb := New(Config{Name: "email", MaxFailures: 2, RecoveryTimeout: time.Minute}, zap.NewNop())
	ps := NewProtectedSender(stub, cb, zap.NewNop())
	ctx := context.Background()
	j := &job.NotificationJob{ID: uuid.New(), Channel: job.ChannelEmail}

	for i := 0; i < 2; i++ {
		if _, err := ps.Send(ctx, j); err == nil {
			t.Fatal("expected send failure")
		}
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open breaker, got %s", cb.GetState())
	}

	callsBefore := stub.calls
	_, err := ps.Send(ctx, j)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if stub.calls != callsBefore {
		t.Error("open breaker must not invoke the underlying sender")
	}
}

func TestProtectedSender_RecordsSuccess(t *testing.T) {
	stub := &stubSender{}
	cb := New(DefaultConfig("email"), zap.NewNop())
	ps := NewProtectedSender(stub, cb, zap.NewNop())

	id, err := ps.Send(context.Background(), &job.NotificationJob{ID: uuid.New(), Channel: job.ChannelEmail})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if id == "" {
		t.Error("expected message id")
	}
	if cb.Stats().TotalSuccesses != 1 {
		t.Errorf("expected 1 recorded success, got %d", cb.Stats().TotalSuccesses)
	}
}
