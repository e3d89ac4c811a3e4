package resilience

import (
	"context"

	"github.com/credo-hq/credo/pkg/provider/asr"
)

// ASRFallback implements [asr.Provider] with failover across multiple
// recognizers, each behind its own circuit breaker. Typical wiring is a
// native whisper primary with a mock or remote recognizer as the last
// resort.
type ASRFallback struct {
	group *FallbackGroup[asr.Provider]
}

var _ asr.Provider = (*ASRFallback)(nil)

// NewASRFallback creates an [ASRFallback] with primary as the preferred
// recognizer.
func NewASRFallback(primary asr.Provider, primaryName string, cfg FallbackConfig) *ASRFallback {
	return &ASRFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional recognizer, tried after the primary.
func (f *ASRFallback) AddFallback(name string, provider asr.Provider) {
	f.group.AddFallback(name, provider)
}

// Transcribe recognizes the utterance with the first healthy recognizer.
// Each result carries the model that actually produced it, so transcripts
// remain attributable across failover.
func (f *ASRFallback) Transcribe(ctx context.Context, req asr.Request) (*asr.Result, error) {
	res, err := ExecuteWithResult(f.group, func(p asr.Provider) (*asr.Result, error) {
		return p.Transcribe(ctx, req)
	})
	recordAdapter(ctx, "asr", err)
	return res, err
}

// ModelID reports the primary recognizer's model.
func (f *ASRFallback) ModelID() string {
	return f.group.Primary().ModelID()
}

// Healthy reports whether any recognizer currently admits calls.
func (f *ASRFallback) Healthy() bool {
	return f.group.Healthy()
}
