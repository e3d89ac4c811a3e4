package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/pkg/types"
)

// DocumentStoreImpl holds durable document records. The linked-profile
// list on returned documents is hydrated from the link table.
//
// Obtain one via [Store.Documents]. All methods are safe for concurrent
// use.
type DocumentStoreImpl struct {
	pool *pgxpool.Pool
}

// PutDocument implements kb.DocumentStore. An existing record with the
// same id is replaced, which is how reingest updates metadata.
func (d *DocumentStoreImpl) PutDocument(ctx context.Context, doc *types.Document) error {
	if doc.ID == "" {
		return fault.New(fault.KindInvalid, "document id must not be empty")
	}
	if doc.IngestedAt.IsZero() {
		doc.IngestedAt = time.Now().UTC()
	}

	const q = `
		INSERT INTO documents (id, filename, mime_kind, byte_size, tags, category, context, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
		    filename    = EXCLUDED.filename,
		    mime_kind   = EXCLUDED.mime_kind,
		    byte_size   = EXCLUDED.byte_size,
		    tags        = EXCLUDED.tags,
		    category    = EXCLUDED.category,
		    context     = EXCLUDED.context,
		    ingested_at = EXCLUDED.ingested_at`
	_, err := d.pool.Exec(ctx, q,
		doc.ID, doc.Filename, doc.MIME, doc.ByteSize, doc.Tags, doc.Category, doc.Context, doc.IngestedAt)
	if err != nil {
		return fmt.Errorf("document store: put: %w", err)
	}
	return nil
}

// GetDocument implements kb.DocumentStore.
func (d *DocumentStoreImpl) GetDocument(ctx context.Context, id string) (*types.Document, error) {
	const q = `
		SELECT id, filename, mime_kind, byte_size, tags, category, context, ingested_at
		FROM   documents
		WHERE  id = $1`

	doc, err := scanDocument(d.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.KindNotFound, "document %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("document store: get: %w", err)
	}
	if err := d.hydrateLinks(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ListDocuments implements kb.DocumentStore, newest first.
func (d *DocumentStoreImpl) ListDocuments(ctx context.Context) ([]*types.Document, error) {
	const q = `
		SELECT id, filename, mime_kind, byte_size, tags, category, context, ingested_at
		FROM   documents
		ORDER  BY ingested_at DESC, id`

	rows, err := d.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("document store: list: %w", err)
	}
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*types.Document, error) {
		return scanDocument(row)
	})
	if err != nil {
		return nil, fmt.Errorf("document store: scan rows: %w", err)
	}
	for _, doc := range docs {
		if err := d.hydrateLinks(ctx, doc); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

// DeleteDocument implements kb.DocumentStore.
func (d *DocumentStoreImpl) DeleteDocument(ctx context.Context, id string) error {
	tag, err := d.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("document store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindNotFound, "document %s", id)
	}
	return nil
}

func (d *DocumentStoreImpl) hydrateLinks(ctx context.Context, doc *types.Document) error {
	rows, err := d.pool.Query(ctx,
		`SELECT profile_id FROM document_profile_links WHERE document_id = $1 ORDER BY profile_id`, doc.ID)
	if err != nil {
		return fmt.Errorf("document store: load links: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("document store: scan links: %w", err)
	}
	doc.LinkedProfiles = ids
	return nil
}

func scanDocument(row rowScanner) (*types.Document, error) {
	var doc types.Document
	err := row.Scan(
		&doc.ID,
		&doc.Filename,
		&doc.MIME,
		&doc.ByteSize,
		&doc.Tags,
		&doc.Category,
		&doc.Context,
		&doc.IngestedAt,
	)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}
