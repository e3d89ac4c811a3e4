package resilience

import (
	"context"

	"github.com/credo-hq/credo/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across multiple LLM
// backends, each behind its own circuit breaker. The claim extractor and
// the adjudicator can be handed an LLMFallback anywhere a plain provider is
// expected.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM backend, tried after the primary.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Generate sends the request to the first healthy backend.
func (f *LLMFallback) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	res, err := ExecuteWithResult(f.group, func(p llm.Provider) (*llm.Response, error) {
		return p.Generate(ctx, req)
	})
	recordAdapter(ctx, "llm", err)
	return res, err
}

// ModelID reports the primary backend's model. Claims and verdicts produced
// during a failover window carry the fallback model's ID via the response
// path, not this method.
func (f *LLMFallback) ModelID() string {
	return f.group.Primary().ModelID()
}

// Healthy reports whether any backend currently admits calls.
func (f *LLMFallback) Healthy() bool {
	return f.group.Healthy()
}
