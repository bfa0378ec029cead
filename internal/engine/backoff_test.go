package engine

import (
	"testing"
	"time"
)

func TestBaseDelay_GrowsExponentially(t *testing.T) {
	p := NewRetryPolicy(5*time.Second, 60*time.Second, 2.0, 0)

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 60 * time.Second}, // capped (would be 80s)
		{10, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := p.BaseDelay(tc.attempts); got != tc.want {
			t.Errorf("BaseDelay(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}
}

func TestBaseDelay_MonotonicUntilCap(t *testing.T) {
	p := NewRetryPolicy(time.Second, time.Minute, 1.5, 0)
	prev := time.Duration(0)
	for a := 1; a <= 20; a++ {
		d := p.BaseDelay(a)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %s < %s", a, d, prev)
		}
		if d > p.MaxDelay {
			t.Fatalf("delay exceeded cap at attempt %d: %s", a, d)
		}
		prev = d
	}
}

func TestDelay_JitterStaysInBounds(t *testing.T) {
	p := NewRetryPolicy(10*time.Second, time.Minute, 2.0, 0.2)

	base := p.BaseDelay(2)
	lo := time.Duration(float64(base) * 0.8)
	hi := time.Duration(float64(base) * 1.2)

	for i := 0; i < 1000; i++ {
		d := p.Delay(2)
		if d < lo || d > hi {
			t.Fatalf("jittered delay %s outside [%s, %s]", d, lo, hi)
		}
	}
}

func TestDelay_ZeroJitterIsDeterministic(t *testing.T) {
	p := NewRetryPolicy(5*time.Second, time.Minute, 2.0, 0)
	for i := 0; i < 10; i++ {
		if d := p.Delay(3); d != 20*time.Second {
			t.Fatalf("expected 20s, got %s", d)
		}
	}
}

func TestBaseDelay_ClampsLowAttempts(t *testing.T) {
	p := NewRetryPolicy(5*time.Second, time.Minute, 2.0, 0)
	if d := p.BaseDelay(0); d != 5*time.Second {
		t.Errorf("BaseDelay(0) = %s, want 5s", d)
	}
}
