package transcribe_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/internal/queue"
	"github.com/credo-hq/credo/internal/transcribe"
	"github.com/credo-hq/credo/pkg/provider/asr"
	asrmock "github.com/credo-hq/credo/pkg/provider/asr/mock"
	"github.com/credo-hq/credo/pkg/types"
)

type memStore struct {
	mu    sync.Mutex
	saved map[string][]*types.Transcript
}

func (m *memStore) SaveTranscript(_ context.Context, sessionID string, tr *types.Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string][]*types.Transcript)
	}
	m.saved[sessionID] = append(m.saved[sessionID], tr)
	return nil
}

func startQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q := queue.New(queue.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return q
}

func utterance(sampleRate int, bytes int) types.Utterance {
	return types.Utterance{
		ID:         "utt-1",
		SessionID:  "sess-1",
		SampleRate: sampleRate,
		Duration:   time.Duration(bytes/2) * time.Second / time.Duration(sampleRate),
	}
}

func TestTranscribe_ProducesTranscript(t *testing.T) {
	t.Parallel()
	conf := 0.9
	provider := &asrmock.Provider{
		Model: "whisper-test",
		Results: []*asr.Result{{
			Text:       "Praxis has over 150 stores.",
			Confidence: &conf,
			Segments:   []asr.Segment{{Start: 0, End: time.Second, Text: "Praxis has over 150 stores."}},
		}},
	}
	store := &memStore{}
	stage := transcribe.New(provider, startQueue(t), store, transcribe.Config{Language: "en"})

	tr, err := stage.Transcribe(context.Background(), utterance(16000, 32000), make([]byte, 32000), queue.PriorityNormal)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "Praxis has over 150 stores." {
		t.Errorf("text %q", tr.Text)
	}
	if tr.Confidence == nil || *tr.Confidence != 0.9 {
		t.Errorf("confidence %v, want 0.9", tr.Confidence)
	}
	if tr.UtteranceID != "utt-1" {
		t.Errorf("utterance id %q", tr.UtteranceID)
	}
	if len(tr.Segments) != 1 || tr.Segments[0].Confidence != 0.9 {
		t.Errorf("segments %+v", tr.Segments)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.saved["sess-1"]) != 1 {
		t.Errorf("persisted %d transcripts, want 1", len(store.saved["sess-1"]))
	}
}

func TestTranscribe_DetectedLanguageWinsOverHint(t *testing.T) {
	t.Parallel()
	provider := &asrmock.Provider{
		Model: "whisper-test",
		Results: []*asr.Result{
			{Text: "De winkel is open.", Language: "nl"},
			{Text: "The store is open."},
		},
	}
	stage := transcribe.New(provider, startQueue(t), nil, transcribe.Config{Language: "en"})

	tr, err := stage.Transcribe(context.Background(), utterance(16000, 32000), make([]byte, 32000), queue.PriorityNormal)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Language != "nl" {
		t.Errorf("language %q, want the recognizer's detected nl", tr.Language)
	}

	// A backend that reports no language falls back to the session hint.
	tr, err = stage.Transcribe(context.Background(), utterance(16000, 32000), make([]byte, 32000), queue.PriorityNormal)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Language != "en" {
		t.Errorf("language %q, want the en hint when none is detected", tr.Language)
	}
}

func TestTranscribe_ZeroLengthUtterance(t *testing.T) {
	t.Parallel()
	provider := &asrmock.Provider{Model: "whisper-test"}
	stage := transcribe.New(provider, startQueue(t), nil, transcribe.Config{})

	tr, err := stage.Transcribe(context.Background(), utterance(16000, 0), nil, queue.PriorityNormal)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "" {
		t.Errorf("text %q, want empty", tr.Text)
	}
	if tr.Confidence == nil || *tr.Confidence != 0 {
		t.Errorf("confidence %v, want 0", tr.Confidence)
	}
	if len(provider.Calls) != 0 {
		t.Errorf("model invoked %d times for empty audio", len(provider.Calls))
	}
}

func TestTranscribe_TimeoutCancels(t *testing.T) {
	t.Parallel()
	provider := &asrmock.Provider{
		Script: func(ctx context.Context, req asr.Request) (*asr.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	stage := transcribe.New(provider, startQueue(t), nil, transcribe.Config{RealtimeFactorCap: 1})

	// 100ms of audio with a 1x cap: the wedged model must be cut off.
	utt := utterance(16000, 3200)
	_, err := stage.Transcribe(context.Background(), utt, make([]byte, 3200), queue.PriorityNormal)
	if !fault.IsKind(err, fault.KindTimeout) {
		t.Fatalf("got %v, want timeout", err)
	}
}

func TestTranscribe_AdapterFailureSurfaces(t *testing.T) {
	t.Parallel()
	provider := &asrmock.Provider{Err: fault.New(fault.KindAdapterFailure, "model crashed")}
	stage := transcribe.New(provider, startQueue(t), nil, transcribe.Config{})

	_, err := stage.Transcribe(context.Background(), utterance(16000, 3200), make([]byte, 3200), queue.PriorityNormal)
	if !fault.IsKind(err, fault.KindAdapterFailure) {
		t.Fatalf("got %v, want adapter_failure", err)
	}
}
