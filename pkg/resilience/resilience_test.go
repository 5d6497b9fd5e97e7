package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyStopsAfterSuccess(t *testing.T) {
	policy := NewRetryPolicy(3, time.Millisecond)
	calls := 0
	err := policy.Do(func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetryPolicyReturnsLastError(t *testing.T) {
	policy := NewRetryPolicy(2, time.Millisecond)
	want := errors.New("persistent")
	calls := 0
	err := policy.Do(func() error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls (1 + 2 retries), got %d", calls)
	}
}

func TestCircuitBreakerOpensAndCoolsDown(t *testing.T) {
	b := NewCircuitBreaker(2, 20*time.Millisecond)
	boom := errors.New("boom")
	_ = b.Do(func() error { return boom })
	_ = b.Do(func() error { return boom })
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to close after cooldown, got %v", err)
	}
}
