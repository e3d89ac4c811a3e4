package anyllm_test

import (
	"testing"

	"github.com/credo-hq/credo/pkg/provider/llm/anyllm"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := anyllm.New("", "llama3.1:8b"); err == nil {
		t.Error("expected error for empty provider name")
	}
	if _, err := anyllm.New("ollama", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := anyllm.New("not-a-provider", "some-model"); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestNew_KnownProviders(t *testing.T) {
	t.Parallel()

	p, err := anyllm.NewOllama("llama3.1:8b")
	if err != nil {
		t.Fatalf("NewOllama: %v", err)
	}
	if p.ModelID() != "llama3.1:8b" {
		t.Errorf("ModelID: got %q", p.ModelID())
	}
}
