package llm_test

import (
	"strings"
	"testing"

	"github.com/credo-hq/credo/pkg/provider/llm"
)

func TestSystemFor(t *testing.T) {
	t.Parallel()

	t.Run("plain request passes system through", func(t *testing.T) {
		t.Parallel()
		got := llm.SystemFor(llm.Request{System: "you extract claims"})
		if got != "you extract claims" {
			t.Fatalf("SystemFor: got %q", got)
		}
	})

	t.Run("force json appends the instruction", func(t *testing.T) {
		t.Parallel()
		got := llm.SystemFor(llm.Request{System: "you extract claims", ForceJSON: true})
		if !strings.HasPrefix(got, "you extract claims") {
			t.Fatalf("SystemFor: lost the original system prompt: %q", got)
		}
		if !strings.Contains(got, "JSON") {
			t.Fatalf("SystemFor: missing JSON instruction: %q", got)
		}
	})

	t.Run("force json with no system prompt", func(t *testing.T) {
		t.Parallel()
		got := llm.SystemFor(llm.Request{ForceJSON: true})
		if !strings.Contains(got, "JSON") {
			t.Fatalf("SystemFor: missing JSON instruction: %q", got)
		}
	})
}
