package resilience

import (
	"errors"
	"testing"
	"time"
)

type fakeAdapter struct {
	name  string
	err   error
	calls int
}

func (a *fakeAdapter) do() error {
	a.calls++
	return a.err
}

func quickCB() FallbackConfig {
	return FallbackConfig{CircuitBreaker: CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Minute,
		HalfOpenMax:  1,
	}}
}

func TestFallbackGroup_PrimarySucceeds(t *testing.T) {
	t.Parallel()
	primary := &fakeAdapter{name: "primary"}
	backup := &fakeAdapter{name: "backup"}

	fg := NewFallbackGroup(primary, "primary", quickCB())
	fg.AddFallback("backup", backup)

	if err := fg.Execute(func(a *fakeAdapter) error { return a.do() }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.calls != 1 {
		t.Errorf("primary calls = %d, want 1", primary.calls)
	}
	if backup.calls != 0 {
		t.Errorf("backup must not be called when the primary succeeds, got %d calls", backup.calls)
	}
}

func TestFallbackGroup_FailsOverInOrder(t *testing.T) {
	t.Parallel()
	primary := &fakeAdapter{name: "primary", err: errBackend}
	second := &fakeAdapter{name: "second", err: errBackend}
	third := &fakeAdapter{name: "third"}

	fg := NewFallbackGroup(primary, "primary", quickCB())
	fg.AddFallback("second", second)
	fg.AddFallback("third", third)

	if err := fg.Execute(func(a *fakeAdapter) error { return a.do() }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.calls != 1 || second.calls != 1 || third.calls != 1 {
		t.Errorf("calls = %d/%d/%d, want 1/1/1",
			primary.calls, second.calls, third.calls)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	t.Parallel()
	primary := &fakeAdapter{name: "primary", err: errBackend}
	backup := &fakeAdapter{name: "backup", err: errBackend}

	fg := NewFallbackGroup(primary, "primary", quickCB())
	fg.AddFallback("backup", backup)

	err := fg.Execute(func(a *fakeAdapter) error { return a.do() })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("got %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()
	primary := &fakeAdapter{name: "primary", err: errBackend}
	backup := &fakeAdapter{name: "backup"}

	fg := NewFallbackGroup(primary, "primary", quickCB())
	fg.AddFallback("backup", backup)

	// Two failing rounds trip the primary's breaker (MaxFailures: 2).
	for i := 0; i < 2; i++ {
		if err := fg.Execute(func(a *fakeAdapter) error { return a.do() }); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
	}
	if primary.calls != 2 {
		t.Fatalf("primary calls = %d, want 2", primary.calls)
	}

	// Third round must not touch the primary at all.
	if err := fg.Execute(func(a *fakeAdapter) error { return a.do() }); err != nil {
		t.Fatalf("round 3: %v", err)
	}
	if primary.calls != 2 {
		t.Errorf("primary calls = %d, want 2 (breaker open)", primary.calls)
	}
	if backup.calls != 3 {
		t.Errorf("backup calls = %d, want 3", backup.calls)
	}
}

func TestFallbackGroup_Healthy(t *testing.T) {
	t.Parallel()
	primary := &fakeAdapter{name: "primary", err: errBackend}

	fg := NewFallbackGroup(primary, "primary", quickCB())
	if !fg.Healthy() {
		t.Fatal("group should start healthy")
	}

	for i := 0; i < 2; i++ {
		fg.Execute(func(a *fakeAdapter) error { return a.do() })
	}
	if fg.Healthy() {
		t.Error("group with every breaker open should report unhealthy")
	}
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()
	primary := &fakeAdapter{name: "primary", err: errBackend}
	backup := &fakeAdapter{name: "backup"}

	fg := NewFallbackGroup(primary, "primary", quickCB())
	fg.AddFallback("backup", backup)

	got, err := ExecuteWithResult(fg, func(a *fakeAdapter) (string, error) {
		if err := a.do(); err != nil {
			return "", err
		}
		return a.name, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "backup" {
		t.Errorf("result = %q, want %q", got, "backup")
	}
}

func TestExecuteWithResult_AllFail(t *testing.T) {
	t.Parallel()
	primary := &fakeAdapter{name: "primary", err: errBackend}
	fg := NewFallbackGroup(primary, "primary", quickCB())

	got, err := ExecuteWithResult(fg, func(a *fakeAdapter) (string, error) {
		return "", a.do()
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("got %v, want ErrAllFailed", err)
	}
	if got != "" {
		t.Errorf("result should be the zero value, got %q", got)
	}
}
