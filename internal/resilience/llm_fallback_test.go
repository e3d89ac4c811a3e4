package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/credo-hq/credo/pkg/provider/llm"
	llmmock "github.com/credo-hq/credo/pkg/provider/llm/mock"
)

func fallbackCfg() FallbackConfig {
	return FallbackConfig{CircuitBreaker: CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Minute,
		HalfOpenMax:  1,
	}}
}

func TestLLMFallback_PrimaryAnswers(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{Responses: []string{`{"from":"primary"}`}, Model: "primary-model"}
	backup := &llmmock.Provider{Responses: []string{`{"from":"backup"}`}}

	f := NewLLMFallback(primary, "primary", fallbackCfg())
	f.AddFallback("backup", backup)

	resp, err := f.Generate(context.Background(), llm.Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != `{"from":"primary"}` {
		t.Errorf("content = %q, want primary's answer", resp.Content)
	}
	if len(backup.Calls) != 0 {
		t.Errorf("backup received %d calls, want 0", len(backup.Calls))
	}
	if f.ModelID() != "primary-model" {
		t.Errorf("ModelID = %q, want %q", f.ModelID(), "primary-model")
	}
}

func TestLLMFallback_FailsOver(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{Err: errors.New("primary down")}
	backup := &llmmock.Provider{Responses: []string{`{"from":"backup"}`}}

	f := NewLLMFallback(primary, "primary", fallbackCfg())
	f.AddFallback("backup", backup)

	resp, err := f.Generate(context.Background(), llm.Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != `{"from":"backup"}` {
		t.Errorf("content = %q, want backup's answer", resp.Content)
	}
}

func TestLLMFallback_AllDown(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{Err: errors.New("down")}

	f := NewLLMFallback(primary, "primary", fallbackCfg())

	_, err := f.Generate(context.Background(), llm.Request{Prompt: "hi"})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("got %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_HealthyTracksBreakers(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{Err: errors.New("down")}
	f := NewLLMFallback(primary, "primary", fallbackCfg())

	if !f.Healthy() {
		t.Fatal("should start healthy")
	}
	for i := 0; i < 2; i++ {
		f.Generate(context.Background(), llm.Request{Prompt: "hi"})
	}
	if f.Healthy() {
		t.Error("should be unhealthy once the only breaker is open")
	}
}
