package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/pkg/kb"
	"github.com/credo-hq/credo/pkg/types"
)

// VectorIndexImpl is the chunk vector index backed by a pgvector HNSW
// index using cosine distance.
//
// Obtain one via [Store.Index] rather than constructing directly. All
// methods are safe for concurrent use.
type VectorIndexImpl struct {
	pool *pgxpool.Pool
	dims int
}

// Dimensions implements kb.VectorIndex.
func (v *VectorIndexImpl) Dimensions() int { return v.dims }

// Upsert implements kb.VectorIndex. Each chunk with an existing id is
// completely replaced. The whole batch is written in one transaction so a
// reingest swap is all-or-nothing.
func (v *VectorIndexImpl) Upsert(ctx context.Context, chunks []types.Chunk) error {
	for _, c := range chunks {
		if len(c.Embedding) != v.dims {
			return fault.New(fault.KindDimensionMismatch,
				"chunk %s: vector has %d dimensions, index expects %d", c.ID, len(c.Embedding), v.dims)
		}
	}

	const q = `
		INSERT INTO chunks
		    (id, document_id, ordinal, text, start_offset, end_offset, embedding, tags, category, linked_profiles)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
		    document_id     = EXCLUDED.document_id,
		    ordinal         = EXCLUDED.ordinal,
		    text            = EXCLUDED.text,
		    start_offset    = EXCLUDED.start_offset,
		    end_offset      = EXCLUDED.end_offset,
		    embedding       = EXCLUDED.embedding,
		    tags            = EXCLUDED.tags,
		    category        = EXCLUDED.category,
		    linked_profiles = EXCLUDED.linked_profiles`

	tx, err := v.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("vector index: begin upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, c := range chunks {
		_, err := tx.Exec(ctx, q,
			c.ID,
			c.DocumentID,
			c.Ordinal,
			c.Text,
			c.StartOffset,
			c.EndOffset,
			pgvector.NewVector(c.Embedding),
			c.Tags,
			c.Category,
			c.LinkedProfiles,
		)
		if err != nil {
			return fmt.Errorf("vector index: upsert chunk %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("vector index: commit upsert: %w", err)
	}
	return nil
}

// Delete implements kb.VectorIndex. Missing ids are ignored.
func (v *VectorIndexImpl) Delete(ctx context.Context, chunkIDs ...string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	if _, err := v.pool.Exec(ctx, `DELETE FROM chunks WHERE id = ANY($1)`, chunkIDs); err != nil {
		return fmt.Errorf("vector index: delete: %w", err)
	}
	return nil
}

// DeleteByDocument removes every chunk belonging to the document. Used by
// the cascade when a document is deleted or reingested.
func (v *VectorIndexImpl) DeleteByDocument(ctx context.Context, documentID string) error {
	if _, err := v.pool.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("vector index: delete by document: %w", err)
	}
	return nil
}

// ReplaceDocument implements kb.VectorIndex. Old and new chunk sets swap
// in a single transaction, so concurrent searches see one generation or
// the other, never a mixture.
func (v *VectorIndexImpl) ReplaceDocument(ctx context.Context, documentID string, chunks []types.Chunk) error {
	for _, c := range chunks {
		if len(c.Embedding) != v.dims {
			return fault.New(fault.KindDimensionMismatch,
				"chunk %s: vector has %d dimensions, index expects %d", c.ID, len(c.Embedding), v.dims)
		}
	}

	tx, err := v.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("vector index: begin replace: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("vector index: clear old chunks: %w", err)
	}
	const q = `
		INSERT INTO chunks
		    (id, document_id, ordinal, text, start_offset, end_offset, embedding, tags, category, linked_profiles)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	for _, c := range chunks {
		_, err := tx.Exec(ctx, q,
			c.ID, c.DocumentID, c.Ordinal, c.Text, c.StartOffset, c.EndOffset,
			pgvector.NewVector(c.Embedding), c.Tags, c.Category, c.LinkedProfiles)
		if err != nil {
			return fmt.Errorf("vector index: insert chunk %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("vector index: commit replace: %w", err)
	}
	return nil
}

// Search implements kb.VectorIndex.
//
// Cosine distance from pgvector lies in [0,2]; it is mapped to a
// similarity score of 1 - distance/2 so callers always see [0,1]. Ordering
// is ascending distance with chunk id as tie-break, which makes results
// deterministic for a fixed index snapshot.
func (v *VectorIndexImpl) Search(ctx context.Context, vector []float32, k int, filter kb.Filter, minScore float64) ([]kb.Match, error) {
	if len(vector) != v.dims {
		return nil, fault.New(fault.KindDimensionMismatch,
			"query vector has %d dimensions, index expects %d", len(vector), v.dims)
	}
	if k <= 0 {
		return []kb.Match{}, nil
	}

	args := []any{pgvector.NewVector(vector)} // $1 = query vector
	next := func(a any) string {
		args = append(args, a)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if len(filter.Tags) > 0 {
		conditions = append(conditions, "tags @> "+next(filter.Tags))
	}
	if filter.Category != "" {
		conditions = append(conditions, "category = "+next(filter.Category))
	}
	if len(filter.LinkedProfiles) > 0 {
		conditions = append(conditions, "linked_profiles && "+next(filter.LinkedProfiles))
	}
	if filter.DocumentID != "" {
		conditions = append(conditions, "document_id = "+next(filter.DocumentID))
	}
	if minScore > 0 {
		// score >= minScore  <=>  distance <= 2*(1-minScore)
		conditions = append(conditions, "embedding <=> $1 <= "+next(2*(1-minScore)))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, "\n  AND ")
	}
	limitArg := next(k)

	q := fmt.Sprintf(`
		SELECT id, document_id, ordinal, text, start_offset, end_offset, embedding,
		       tags, category, linked_profiles,
		       embedding <=> $1 AS distance
		FROM   chunks
		%s
		ORDER  BY distance, id
		LIMIT  %s`, whereClause, limitArg)

	rows, err := v.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("vector index: search: %w", err)
	}

	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (kb.Match, error) {
		var (
			m        kb.Match
			vec      pgvector.Vector
			distance float64
		)
		if err := row.Scan(
			&m.Chunk.ID,
			&m.Chunk.DocumentID,
			&m.Chunk.Ordinal,
			&m.Chunk.Text,
			&m.Chunk.StartOffset,
			&m.Chunk.EndOffset,
			&vec,
			&m.Chunk.Tags,
			&m.Chunk.Category,
			&m.Chunk.LinkedProfiles,
			&distance,
		); err != nil {
			return kb.Match{}, err
		}
		m.Chunk.Embedding = vec.Slice()
		m.Score = scoreFromDistance(distance)
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("vector index: scan rows: %w", err)
	}
	if matches == nil {
		matches = []kb.Match{}
	}
	return matches, nil
}

// Rebuild implements kb.VectorIndex by reindexing the HNSW structure,
// reclaiming space from tombstoned entries after bulk deletes.
func (v *VectorIndexImpl) Rebuild(ctx context.Context) error {
	if _, err := v.pool.Exec(ctx, `REINDEX INDEX idx_chunks_embedding`); err != nil {
		return fmt.Errorf("vector index: rebuild: %w", err)
	}
	return nil
}

// scoreFromDistance maps a cosine distance in [0,2] to a similarity in
// [0,1], clamping floating point drift at the edges.
func scoreFromDistance(distance float64) float64 {
	score := 1 - distance/2
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
