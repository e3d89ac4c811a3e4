// Package kb defines the knowledge base: a vector index over document
// chunks, a structured profile store, durable document records, and the
// composition that ingests documents and answers the hybrid retrievals the
// validator runs.
//
// The interfaces here are the seams for testing: package memkb provides
// in-memory implementations, package postgres the durable ones. The
// KnowledgeBase type composes all three behind the operations the rest of
// the pipeline calls.
//
// All implementations must be safe for concurrent use.
package kb

import (
	"context"

	"github.com/credo-hq/credo/pkg/types"
)

// Filter restricts a vector search to chunks matching all set fields.
// Tags and category match by equality against the chunk's inherited
// metadata; LinkedProfiles matches when the chunk is linked to at least one
// of the given profile ids.
type Filter struct {
	Tags           []string
	Category       string
	LinkedProfiles []string
	DocumentID     string
}

// Zero reports whether the filter imposes no restriction.
func (f Filter) Zero() bool {
	return len(f.Tags) == 0 && f.Category == "" && len(f.LinkedProfiles) == 0 && f.DocumentID == ""
}

// Match is one vector search hit. Score is a normalized cosine similarity
// in [0,1]; results are ordered by descending score with ties broken by
// ascending chunk id, so a search against a fixed index snapshot is
// deterministic.
type Match struct {
	Chunk types.Chunk
	Score float64
}

// VectorIndex stores fixed-dimension embeddings with chunk metadata and
// answers top-K similarity queries.
//
// The dimension is fixed at index creation; Upsert and Search reject
// vectors of any other length with a dimension_mismatch fault.
type VectorIndex interface {
	// Upsert writes chunks with their embeddings, overwriting existing
	// entries with the same chunk id. Writes are durable before return.
	Upsert(ctx context.Context, chunks []types.Chunk) error

	// Delete removes the given chunk ids. Deleting a missing id is not an
	// error.
	Delete(ctx context.Context, chunkIDs ...string) error

	// Search returns up to k matches with score >= minScore, best first.
	Search(ctx context.Context, vector []float32, k int, filter Filter, minScore float64) ([]Match, error)

	// Rebuild re-indexes from scratch, reclaiming tombstone space after
	// bulk deletes.
	Rebuild(ctx context.Context) error

	// Dimensions returns the fixed vector length of this index.
	Dimensions() int

	// ReplaceDocument swaps the document's entire chunk set in one
	// atomic step: readers see either the old generation or the new,
	// never a mixture. A nil chunk slice deletes the document's chunks.
	ReplaceDocument(ctx context.Context, documentID string, chunks []types.Chunk) error
}

// ProfileStore holds profiles, their facts, and the document link graph.
//
// The link relation is symmetric by construction: Link and Unlink update
// both sides atomically, and implementations serialize operations on the
// same (document, profile) pair. Profiles returned by Get and List carry
// their facts and linked document ids hydrated.
type ProfileStore interface {
	CreateProfile(ctx context.Context, p *types.Profile) error
	GetProfile(ctx context.Context, id string) (*types.Profile, error)

	// ListProfiles returns profiles of the given kind (empty means all),
	// optionally restricted to those carrying every tag in tags.
	ListProfiles(ctx context.Context, kind types.ProfileKind, tags []string) ([]*types.Profile, error)

	// DeleteProfile removes the profile, its facts, and its side of every
	// document link.
	DeleteProfile(ctx context.Context, id string) error

	AddFact(ctx context.Context, profileID string, f *types.Fact) error
	RemoveFact(ctx context.Context, profileID, factID string) error

	// Link records a document-profile link. Linking an existing pair is a
	// no-op, not a conflict.
	Link(ctx context.Context, documentID, profileID string) error

	// Unlink removes a link; removing a missing link is a no-op.
	Unlink(ctx context.Context, documentID, profileID string) error

	// UnlinkDocument removes every link for a document, as part of the
	// document deletion cascade.
	UnlinkDocument(ctx context.Context, documentID string) error

	// LinkedDocuments returns the document ids linked to the profile.
	LinkedDocuments(ctx context.Context, profileID string) ([]string, error)

	// RepairLinks drops links whose document or profile no longer exists
	// and returns the number removed. Runs on startup.
	RepairLinks(ctx context.Context) (int, error)
}

// DocumentStore holds durable document records. Link metadata on returned
// documents is hydrated from the link relation owned by the ProfileStore.
type DocumentStore interface {
	PutDocument(ctx context.Context, d *types.Document) error
	GetDocument(ctx context.Context, id string) (*types.Document, error)
	ListDocuments(ctx context.Context) ([]*types.Document, error)

	// DeleteDocument removes the record only; chunk and link cascade is
	// the KnowledgeBase's job.
	DeleteDocument(ctx context.Context, id string) error
}
