// Package postgres provides the PostgreSQL-backed knowledge base storage:
// the chunk vector index, the profile store with its link table, document
// records, and persisted transcripts.
//
// All components share a single [pgxpool.Pool]. The pgvector extension
// must be available in the target database; [Migrate] installs it via
// CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 768)
//	if err != nil { … }
//	defer store.Close()
//
//	idx := store.Index()       // kb.VectorIndex
//	profiles := store.Profiles() // kb.ProfileStore
//	docs := store.Documents()  // kb.DocumentStore
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlDocuments = `
CREATE TABLE IF NOT EXISTS documents (
    id           TEXT         PRIMARY KEY,
    filename     TEXT         NOT NULL,
    mime_kind    TEXT         NOT NULL,
    byte_size    BIGINT       NOT NULL DEFAULT 0,
    tags         TEXT[]       NOT NULL DEFAULT '{}',
    category     TEXT         NOT NULL DEFAULT '',
    context      TEXT         NOT NULL DEFAULT '',
    ingested_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_documents_category ON documents (category);
`

const ddlProfiles = `
CREATE TABLE IF NOT EXISTS profiles (
    id            TEXT         PRIMARY KEY,
    kind          TEXT         NOT NULL,
    display_name  TEXT         NOT NULL,
    description   TEXT         NOT NULL DEFAULT '',
    tags          TEXT[]       NOT NULL DEFAULT '{}',
    client_type   TEXT         NOT NULL DEFAULT '',
    brand_values  TEXT[]       NOT NULL DEFAULT '{}',
    person_role   TEXT         NOT NULL DEFAULT '',
    person_org    TEXT         NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_profiles_kind ON profiles (kind);

CREATE TABLE IF NOT EXISTS facts (
    id          TEXT         PRIMARY KEY,
    profile_id  TEXT         NOT NULL REFERENCES profiles (id) ON DELETE CASCADE,
    statement   TEXT         NOT NULL,
    source_ref  TEXT         NOT NULL DEFAULT '',
    confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
    verified    BOOLEAN      NOT NULL DEFAULT false,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_facts_profile_id ON facts (profile_id);
`

// The link graph is its own relation rather than mutual pointers on the
// document and profile rows, so a link mutation is one atomic statement.
const ddlLinks = `
CREATE TABLE IF NOT EXISTS document_profile_links (
    document_id  TEXT         NOT NULL,
    profile_id   TEXT         NOT NULL,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (document_id, profile_id)
);

CREATE INDEX IF NOT EXISTS idx_links_profile_id
    ON document_profile_links (profile_id);
`

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    id            TEXT         PRIMARY KEY,
    session_id    TEXT         NOT NULL,
    utterance_id  TEXT         NOT NULL,
    text          TEXT         NOT NULL,
    language      TEXT         NOT NULL DEFAULT '',
    confidence    DOUBLE PRECISION,
    model         TEXT         NOT NULL DEFAULT '',
    inference_ns  BIGINT       NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcripts_session_id
    ON transcripts (session_id);

CREATE INDEX IF NOT EXISTS idx_transcripts_fts
    ON transcripts USING GIN (to_tsvector('english', text));
`

// ddlChunks returns the chunk table DDL with the embedding dimension
// substituted. The dimension is baked into the column type at schema
// creation time.
func ddlChunks(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS chunks (
    id               TEXT         PRIMARY KEY,
    document_id      TEXT         NOT NULL,
    ordinal          INT          NOT NULL DEFAULT 0,
    text             TEXT         NOT NULL,
    start_offset     INT          NOT NULL DEFAULT 0,
    end_offset       INT          NOT NULL DEFAULT 0,
    embedding        vector(%d),
    tags             TEXT[]       NOT NULL DEFAULT '{}',
    category         TEXT         NOT NULL DEFAULT '',
    linked_profiles  TEXT[]       NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_chunks_document_id
    ON chunks (document_id);

CREATE INDEX IF NOT EXISTS idx_chunks_embedding
    ON chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables and extensions. It is
// idempotent and safe to call on every start.
//
// embeddingDimensions must match the configured embedding model (e.g. 768
// for nomic-embed-text, 1536 for text-embedding-3-small). Changing it
// after the first migration requires a manual schema change and a full
// reingest.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlDocuments,
		ddlChunks(embeddingDimensions),
		ddlProfiles,
		ddlLinks,
		ddlTranscripts,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
