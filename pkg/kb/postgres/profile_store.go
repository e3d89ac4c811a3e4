package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/pkg/types"
)

// ProfileStoreImpl holds profiles, facts, and the document-profile link
// table.
//
// Link and Unlink run under a single store-wide mutex so concurrent
// mutations of the same pair serialize; the both-side invariant itself is
// carried by the link table, where one row is both sides.
//
// Obtain one via [Store.Profiles]. All methods are safe for concurrent
// use.
type ProfileStoreImpl struct {
	pool   *pgxpool.Pool
	linkMu sync.Mutex
}

// CreateProfile implements kb.ProfileStore. The profile id must be set by
// the caller; a duplicate id is a conflict.
func (p *ProfileStoreImpl) CreateProfile(ctx context.Context, profile *types.Profile) error {
	if profile.ID == "" {
		return fault.New(fault.KindInvalid, "profile id must not be empty")
	}
	if !profile.Kind.IsValid() {
		return fault.New(fault.KindInvalid, "unknown profile kind %q", profile.Kind)
	}

	now := time.Now().UTC()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now

	const q = `
		INSERT INTO profiles
		    (id, kind, display_name, description, tags, client_type, brand_values, person_role, person_org, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`

	tag, err := p.pool.Exec(ctx, q,
		profile.ID,
		string(profile.Kind),
		profile.Name,
		profile.Description,
		profile.Tags,
		profile.ClientType,
		profile.BrandValues,
		profile.Role,
		profile.Organization,
		profile.CreatedAt,
		profile.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("profile store: create: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindConflict, "profile %s already exists", profile.ID)
	}
	return nil
}

// GetProfile implements kb.ProfileStore. Facts and linked document ids are
// hydrated.
func (p *ProfileStoreImpl) GetProfile(ctx context.Context, id string) (*types.Profile, error) {
	const q = `
		SELECT id, kind, display_name, description, tags, client_type, brand_values, person_role, person_org, created_at, updated_at
		FROM   profiles
		WHERE  id = $1`

	profile, err := scanProfile(p.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.KindNotFound, "profile %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("profile store: get: %w", err)
	}
	if err := p.hydrate(ctx, profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// ListProfiles implements kb.ProfileStore.
func (p *ProfileStoreImpl) ListProfiles(ctx context.Context, kind types.ProfileKind, tags []string) ([]*types.Profile, error) {
	q := `
		SELECT id, kind, display_name, description, tags, client_type, brand_values, person_role, person_org, created_at, updated_at
		FROM   profiles`
	var args []any
	var conditions []string
	if kind != "" {
		args = append(args, string(kind))
		conditions = append(conditions, fmt.Sprintf("kind = $%d", len(args)))
	}
	if len(tags) > 0 {
		args = append(args, tags)
		conditions = append(conditions, fmt.Sprintf("tags @> $%d", len(args)))
	}
	for i, c := range conditions {
		if i == 0 {
			q += "\n\t\tWHERE " + c
		} else {
			q += "\n\t\t  AND " + c
		}
	}
	q += "\n\t\tORDER BY display_name, id"

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("profile store: list: %w", err)
	}
	profiles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*types.Profile, error) {
		return scanProfile(row)
	})
	if err != nil {
		return nil, fmt.Errorf("profile store: scan rows: %w", err)
	}
	for _, profile := range profiles {
		if err := p.hydrate(ctx, profile); err != nil {
			return nil, err
		}
	}
	return profiles, nil
}

// DeleteProfile implements kb.ProfileStore. Facts cascade through the
// foreign key; link rows are removed in the same transaction so no
// document keeps a dangling reference.
func (p *ProfileStoreImpl) DeleteProfile(ctx context.Context, id string) error {
	p.linkMu.Lock()
	defer p.linkMu.Unlock()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("profile store: begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM document_profile_links WHERE profile_id = $1`, id); err != nil {
		return fmt.Errorf("profile store: delete links: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM profiles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("profile store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindNotFound, "profile %s", id)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("profile store: commit delete: %w", err)
	}
	return nil
}

// AddFact implements kb.ProfileStore.
func (p *ProfileStoreImpl) AddFact(ctx context.Context, profileID string, f *types.Fact) error {
	if f.ID == "" {
		return fault.New(fault.KindInvalid, "fact id must not be empty")
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fault.New(fault.KindInvalid, "fact confidence %v outside [0,1]", f.Confidence)
	}
	f.ProfileID = profileID
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	const q = `
		INSERT INTO facts (id, profile_id, statement, source_ref, confidence, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := p.pool.Exec(ctx, q, f.ID, f.ProfileID, f.Statement, f.SourceRef, f.Confidence, f.Verified, f.CreatedAt); err != nil {
		if isForeignKeyViolation(err) {
			return fault.New(fault.KindNotFound, "profile %s", profileID)
		}
		return fmt.Errorf("profile store: add fact: %w", err)
	}
	return nil
}

// RemoveFact implements kb.ProfileStore.
func (p *ProfileStoreImpl) RemoveFact(ctx context.Context, profileID, factID string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM facts WHERE id = $1 AND profile_id = $2`, factID, profileID)
	if err != nil {
		return fmt.Errorf("profile store: remove fact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindNotFound, "fact %s on profile %s", factID, profileID)
	}
	return nil
}

// Link implements kb.ProfileStore. Both endpoints must exist; linking an
// already-linked pair is a no-op.
func (p *ProfileStoreImpl) Link(ctx context.Context, documentID, profileID string) error {
	p.linkMu.Lock()
	defer p.linkMu.Unlock()

	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`, documentID).Scan(&exists); err != nil {
		return fmt.Errorf("profile store: link: %w", err)
	}
	if !exists {
		return fault.New(fault.KindNotFound, "document %s", documentID)
	}
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM profiles WHERE id = $1)`, profileID).Scan(&exists); err != nil {
		return fmt.Errorf("profile store: link: %w", err)
	}
	if !exists {
		return fault.New(fault.KindNotFound, "profile %s", profileID)
	}

	const q = `
		INSERT INTO document_profile_links (document_id, profile_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`
	if _, err := p.pool.Exec(ctx, q, documentID, profileID); err != nil {
		return fmt.Errorf("profile store: link: %w", err)
	}
	return nil
}

// Unlink implements kb.ProfileStore.
func (p *ProfileStoreImpl) Unlink(ctx context.Context, documentID, profileID string) error {
	p.linkMu.Lock()
	defer p.linkMu.Unlock()

	const q = `DELETE FROM document_profile_links WHERE document_id = $1 AND profile_id = $2`
	if _, err := p.pool.Exec(ctx, q, documentID, profileID); err != nil {
		return fmt.Errorf("profile store: unlink: %w", err)
	}
	return nil
}

// UnlinkDocument removes every link for a document. Part of the document
// deletion cascade.
func (p *ProfileStoreImpl) UnlinkDocument(ctx context.Context, documentID string) error {
	p.linkMu.Lock()
	defer p.linkMu.Unlock()

	if _, err := p.pool.Exec(ctx, `DELETE FROM document_profile_links WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("profile store: unlink document: %w", err)
	}
	return nil
}

// LinkedDocuments implements kb.ProfileStore.
func (p *ProfileStoreImpl) LinkedDocuments(ctx context.Context, profileID string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT document_id FROM document_profile_links WHERE profile_id = $1 ORDER BY document_id`, profileID)
	if err != nil {
		return nil, fmt.Errorf("profile store: linked documents: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("profile store: scan rows: %w", err)
	}
	return ids, nil
}

// RepairLinks implements kb.ProfileStore by dropping link rows whose
// document or profile record is gone.
func (p *ProfileStoreImpl) RepairLinks(ctx context.Context) (int, error) {
	p.linkMu.Lock()
	defer p.linkMu.Unlock()

	const q = `
		DELETE FROM document_profile_links l
		WHERE NOT EXISTS (SELECT 1 FROM documents d WHERE d.id = l.document_id)
		   OR NOT EXISTS (SELECT 1 FROM profiles p WHERE p.id = l.profile_id)`
	tag, err := p.pool.Exec(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("profile store: repair links: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// hydrate fills facts and linked document ids onto a scanned profile.
func (p *ProfileStoreImpl) hydrate(ctx context.Context, profile *types.Profile) error {
	rows, err := p.pool.Query(ctx, `
		SELECT id, profile_id, statement, source_ref, confidence, verified, created_at
		FROM   facts
		WHERE  profile_id = $1
		ORDER  BY created_at, id`, profile.ID)
	if err != nil {
		return fmt.Errorf("profile store: load facts: %w", err)
	}
	facts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Fact, error) {
		var f types.Fact
		err := row.Scan(&f.ID, &f.ProfileID, &f.Statement, &f.SourceRef, &f.Confidence, &f.Verified, &f.CreatedAt)
		return f, err
	})
	if err != nil {
		return fmt.Errorf("profile store: scan facts: %w", err)
	}
	profile.Facts = facts

	docs, err := p.LinkedDocuments(ctx, profile.ID)
	if err != nil {
		return err
	}
	profile.Documents = docs
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*types.Profile, error) {
	var (
		profile types.Profile
		kind    string
	)
	err := row.Scan(
		&profile.ID,
		&kind,
		&profile.Name,
		&profile.Description,
		&profile.Tags,
		&profile.ClientType,
		&profile.BrandValues,
		&profile.Role,
		&profile.Organization,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	profile.Kind = types.ProfileKind(kind)
	return &profile, nil
}

// isForeignKeyViolation matches PostgreSQL error class 23503.
func isForeignKeyViolation(err error) bool {
	type sqlStater interface{ SQLState() string }
	var s sqlStater
	return errors.As(err, &s) && s.SQLState() == "23503"
}
