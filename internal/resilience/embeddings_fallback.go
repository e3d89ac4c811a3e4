package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/credo-hq/credo/internal/observe"
	"github.com/credo-hq/credo/pkg/provider/embeddings"
)

// EmbeddingsFallback implements [embeddings.Provider] with failover across
// multiple embedding backends. Unlike the LLM and ASR groups, fallbacks
// here must produce vectors in the SAME space as the primary — the vector
// index is keyed to one dimension and one model family — so AddFallback
// rejects any backend whose dimension differs from the primary's.
type EmbeddingsFallback struct {
	group *FallbackGroup[embeddings.Provider]
}

var _ embeddings.Provider = (*EmbeddingsFallback)(nil)

// NewEmbeddingsFallback creates an [EmbeddingsFallback] with primary as the
// preferred backend.
func NewEmbeddingsFallback(primary embeddings.Provider, primaryName string, cfg FallbackConfig) *EmbeddingsFallback {
	return &EmbeddingsFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional embedding backend. Returns an error
// when the fallback's vector dimension differs from the primary's.
func (f *EmbeddingsFallback) AddFallback(name string, provider embeddings.Provider) error {
	want := f.group.Primary().Dimensions()
	if got := provider.Dimensions(); got != want {
		return fmt.Errorf("embeddings fallback %q has dimension %d, primary has %d", name, got, want)
	}
	f.group.AddFallback(name, provider)
	return nil
}

// Embed computes the vector with the first healthy backend.
func (f *EmbeddingsFallback) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := ExecuteWithResult(f.group, func(p embeddings.Provider) ([]float32, error) {
		return p.Embed(ctx, text)
	})
	observe.DefaultMetrics().EmbedDuration.Record(ctx, time.Since(start).Seconds())
	recordAdapter(ctx, "embeddings", err)
	return vec, err
}

// EmbedBatch computes vectors with the first healthy backend.
func (f *EmbeddingsFallback) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	vecs, err := ExecuteWithResult(f.group, func(p embeddings.Provider) ([][]float32, error) {
		return p.EmbedBatch(ctx, texts)
	})
	observe.DefaultMetrics().EmbedDuration.Record(ctx, time.Since(start).Seconds())
	recordAdapter(ctx, "embeddings", err)
	return vecs, err
}

// Dimensions reports the primary's vector dimension. AddFallback guarantees
// every entry agrees.
func (f *EmbeddingsFallback) Dimensions() int {
	return f.group.Primary().Dimensions()
}

// ModelID reports the primary backend's model.
func (f *EmbeddingsFallback) ModelID() string {
	return f.group.Primary().ModelID()
}

// Healthy reports whether any backend currently admits calls.
func (f *EmbeddingsFallback) Healthy() bool {
	return f.group.Healthy()
}
