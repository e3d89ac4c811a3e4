package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/credo-hq/credo/pkg/provider/asr"
	asrmock "github.com/credo-hq/credo/pkg/provider/asr/mock"
)

func TestASRFallback_FailsOver(t *testing.T) {
	t.Parallel()
	primary := &asrmock.Provider{Err: errors.New("model not loaded"), Model: "whisper-large"}
	backup := &asrmock.Provider{
		Results: []*asr.Result{{Text: "hello from backup", Model: "whisper-tiny"}},
	}

	f := NewASRFallback(primary, "whisper-large", fallbackCfg())
	f.AddFallback("whisper-tiny", backup)

	res, err := f.Transcribe(context.Background(), asr.Request{
		PCM:        make([]byte, 3200),
		SampleRate: 16000,
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "hello from backup" {
		t.Errorf("text = %q, want backup transcript", res.Text)
	}
	// The result attributes the model that actually ran, while ModelID
	// stays pinned to the primary.
	if res.Model != "whisper-tiny" {
		t.Errorf("result model = %q, want %q", res.Model, "whisper-tiny")
	}
	if f.ModelID() != "whisper-large" {
		t.Errorf("ModelID = %q, want %q", f.ModelID(), "whisper-large")
	}
}

func TestASRFallback_AllDown(t *testing.T) {
	t.Parallel()
	primary := &asrmock.Provider{Err: errors.New("down")}
	f := NewASRFallback(primary, "primary", fallbackCfg())

	_, err := f.Transcribe(context.Background(), asr.Request{PCM: []byte{0, 0}})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("got %v, want ErrAllFailed", err)
	}
}
