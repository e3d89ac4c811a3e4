// Package embeddings defines the Provider interface for vector embedding
// backends.
//
// An embeddings provider maps text to dense float32 vectors. The knowledge
// base embeds document chunks at ingest time and claim text at validation
// time; both must come from the same Provider instance so the vectors share
// a space. The vector index enforces the dimension declared here and
// rejects anything else.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the dimension
// reported by Dimensions. Input text is passed through verbatim; any
// model-specific prefixing (e.g. "query: " for nomic-embed-text) is the
// caller's responsibility.
type Provider interface {
	// Embed computes the vector for a single text. The result has length
	// Dimensions().
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for texts in one backend call. The
	// result is ordered like texts; on any error the whole slice is nil,
	// partial results are never returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length produced by this
	// provider, constant for its lifetime.
	Dimensions() int

	// ModelID returns the backend model identifier, stamped onto stored
	// chunks so a model change is detectable at query time.
	ModelID() string
}
