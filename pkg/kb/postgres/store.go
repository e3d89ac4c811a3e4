package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/credo-hq/credo/pkg/kb"
)

// Compile-time interface checks.
var (
	_ kb.VectorIndex   = (*VectorIndexImpl)(nil)
	_ kb.ProfileStore  = (*ProfileStoreImpl)(nil)
	_ kb.DocumentStore = (*DocumentStoreImpl)(nil)
)

// Store is the PostgreSQL-backed knowledge base storage. It holds a single
// [pgxpool.Pool] and exposes the storage seams:
//
//   - [Store.Index] returns the kb.VectorIndex over chunks
//   - [Store.Profiles] returns the kb.ProfileStore with the link table
//   - [Store.Documents] returns the kb.DocumentStore
//   - [Store.Transcripts] returns the transcript archive
//
// All operations are safe for concurrent use.
type Store struct {
	pool        *pgxpool.Pool
	index       *VectorIndexImpl
	profiles    *ProfileStoreImpl
	documents   *DocumentStoreImpl
	transcripts *TranscriptStoreImpl
}

// NewStore connects to the database at dsn, registers pgvector types on
// every connection, and runs [Migrate].
//
// embeddingDimensions must match the output dimension of the configured
// embedding model; vectors of any other length are rejected at upsert.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	if embeddingDimensions <= 0 {
		return nil, fmt.Errorf("postgres store: embedding dimensions must be positive, got %d", embeddingDimensions)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		pool:        pool,
		index:       &VectorIndexImpl{pool: pool, dims: embeddingDimensions},
		profiles:    &ProfileStoreImpl{pool: pool},
		documents:   &DocumentStoreImpl{pool: pool},
		transcripts: &TranscriptStoreImpl{pool: pool},
	}, nil
}

// Index returns the vector index over chunks.
func (s *Store) Index() *VectorIndexImpl { return s.index }

// Profiles returns the profile store.
func (s *Store) Profiles() *ProfileStoreImpl { return s.profiles }

// Documents returns the document store.
func (s *Store) Documents() *DocumentStoreImpl { return s.documents }

// Transcripts returns the transcript archive.
func (s *Store) Transcripts() *TranscriptStoreImpl { return s.transcripts }

// Ping verifies database connectivity, for the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}
