package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBackend = errors.New("backend down")

func failingCB(t *testing.T, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	t.Helper()
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  maxFailures,
		ResetTimeout: resetTimeout,
		HalfOpenMax:  2,
	})
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	t.Parallel()
	cb := failingCB(t, 3, time.Minute)
	if got := cb.State(); got != StateClosed {
		t.Errorf("initial state = %v, want closed", got)
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	t.Parallel()
	cb := failingCB(t, 3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return errBackend }); !errors.Is(err, errBackend) {
			t.Fatalf("call %d: got %v, want backend error", i, err)
		}
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state after %d failures = %v, want open", 3, got)
	}

	// Calls are rejected without touching fn.
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("got %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn must not run while the breaker is open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	cb := failingCB(t, 3, time.Minute)

	cb.Execute(func() error { return errBackend })
	cb.Execute(func() error { return errBackend })
	cb.Execute(func() error { return nil }) // resets the streak
	cb.Execute(func() error { return errBackend })
	cb.Execute(func() error { return errBackend })

	if got := cb.State(); got != StateClosed {
		t.Errorf("state = %v, want closed (streak never reached 3)", got)
	}
}

func TestCircuitBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	t.Parallel()
	cb := failingCB(t, 1, 10*time.Millisecond)

	cb.Execute(func() error { return errBackend })
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	time.Sleep(20 * time.Millisecond)
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("state after reset timeout = %v, want half-open", got)
	}
}

func TestCircuitBreaker_ClosesAfterSuccessfulProbes(t *testing.T) {
	t.Parallel()
	cb := failingCB(t, 1, 10*time.Millisecond)

	cb.Execute(func() error { return errBackend })
	time.Sleep(20 * time.Millisecond)

	// HalfOpenMax is 2: two good probes close the breaker.
	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("state after probes = %v, want closed", got)
	}
}

func TestCircuitBreaker_ReopensOnProbeFailure(t *testing.T) {
	t.Parallel()
	cb := failingCB(t, 1, 10*time.Millisecond)

	cb.Execute(func() error { return errBackend })
	time.Sleep(20 * time.Millisecond)

	if err := cb.Execute(func() error { return errBackend }); !errors.Is(err, errBackend) {
		t.Fatalf("probe: got %v, want backend error", err)
	}
	if got := cb.State(); got != StateOpen {
		t.Errorf("state after failed probe = %v, want open", got)
	}
}

func TestCircuitBreaker_HalfOpenProbeBudget(t *testing.T) {
	t.Parallel()
	cb := failingCB(t, 1, 10*time.Millisecond)

	cb.Execute(func() error { return errBackend })
	time.Sleep(20 * time.Millisecond)

	// First probe succeeds but one success is not enough to close
	// (HalfOpenMax is 2), second probe consumes the budget.
	cb.Execute(func() error { return nil })
	block := make(chan struct{})
	done := make(chan struct{})
	go func() {
		cb.Execute(func() error { <-block; return nil })
		close(done)
	}()

	// Wait for the in-flight probe to be admitted, then the budget is spent.
	time.Sleep(20 * time.Millisecond)
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("got %v, want ErrCircuitOpen once the probe budget is spent", err)
	}

	close(block)
	<-done
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()
	cb := failingCB(t, 1, time.Minute)

	cb.Execute(func() error { return errBackend })
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	cb.Reset()
	if got := cb.State(); got != StateClosed {
		t.Errorf("state after Reset = %v, want closed", got)
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Errorf("call after Reset: %v", err)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
