package resilience

import (
	"errors"
	"testing"
	"time"
)

func newTestBreaker(maxFailures int, reset time.Duration) (*CircuitBreaker, *time.Time) {
	now := time.Unix(1700000000, 0)
	cb := NewCircuitBreaker("test", maxFailures, reset)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreaker_StateClosed(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	if cb.GetState() != StateClosed {
		t.Errorf("Expected initial state to be Closed, got %s", cb.GetState())
	}
	if !cb.allowRequest() {
		t.Error("Expected to allow request in Closed state")
	}
}

func TestCircuitBreaker_OpenAfterFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	cb.RecordResult(false)
	cb.RecordResult(false)
	if cb.GetState() != StateClosed {
		t.Error("Expected state to still be Closed after 2 failures")
	}

	cb.RecordResult(false)
	if cb.GetState() != StateOpen {
		t.Error("Expected state to be Open after 3 failures")
	}
	if cb.allowRequest() {
		t.Error("Expected to not allow request in Open state")
	}
}

func TestCircuitBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Second)

	cb.RecordResult(false)
	cb.RecordResult(true)
	cb.RecordResult(false)
	if cb.GetState() != StateClosed {
		t.Error("Expected non-consecutive failures to keep the circuit Closed")
	}
}

func TestCircuitBreaker_HalfOpenAllowsSingleTrial(t *testing.T) {
	cb, now := newTestBreaker(1, 100*time.Millisecond)

	cb.RecordResult(false)
	*now = now.Add(150 * time.Millisecond)

	if !cb.allowRequest() {
		t.Fatal("Expected to allow a trial request after the reset timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Errorf("Expected HalfOpen, got %s", cb.GetState())
	}
	if cb.allowRequest() {
		t.Error("Expected a second concurrent trial to be rejected")
	}
}

func TestCircuitBreaker_CloseAfterTrialSuccess(t *testing.T) {
	cb, now := newTestBreaker(1, 100*time.Millisecond)

	cb.RecordResult(false)
	*now = now.Add(150 * time.Millisecond)

	err := cb.Call(func() error { return nil }, nil)
	if err != nil {
		t.Fatalf("Expected trial call to succeed, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected Closed after successful trial, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ReopenAfterTrialFailure(t *testing.T) {
	cb, now := newTestBreaker(1, 100*time.Millisecond)

	cb.RecordResult(false)
	*now = now.Add(150 * time.Millisecond)

	_ = cb.Call(func() error { return errors.New("still down") }, nil)
	if cb.GetState() != StateOpen {
		t.Errorf("Expected Open after failed trial, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_CallOpen(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Second)
	cb.RecordResult(false)

	called := false
	err := cb.Call(func() error {
		called = true
		return nil
	}, nil)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Expected function not to run while the circuit is open")
	}
}

func TestCircuitBreaker_UncountedErrors(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Second)
	badInput := errors.New("bad input")

	err := cb.Call(func() error { return badInput }, func(err error) bool {
		return !errors.Is(err, badInput)
	})
	if !errors.Is(err, badInput) {
		t.Errorf("Expected the original error, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Error("Expected uncounted errors to leave the circuit Closed")
	}
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Second)

	var transitions []CircuitState
	cb.OnStateChange(func(name string, from, to CircuitState) {
		transitions = append(transitions, to)
	})

	cb.RecordResult(false)
	cb.Reset()

	if len(transitions) != 2 || transitions[0] != StateOpen || transitions[1] != StateClosed {
		t.Errorf("Expected [open closed], got %v", transitions)
	}
}

func TestCircuitBreaker_GetStats(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	cb.RecordResult(true)
	cb.RecordResult(true)
	cb.RecordResult(false)

	state, requestCount, failureCount, failureRate := cb.GetStats()

	if state != StateClosed {
		t.Errorf("Expected state Closed, got %s", state)
	}
	if requestCount != 3 {
		t.Errorf("Expected 3 requests, got %d", requestCount)
	}
	if failureCount != 1 {
		t.Errorf("Expected 1 failure, got %d", failureCount)
	}
	if failureRate < 33.0 || failureRate > 34.0 {
		t.Errorf("Expected failure rate around 33.33%%, got %.2f%%", failureRate)
	}
}
