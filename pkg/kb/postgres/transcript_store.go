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

// TranscriptStoreImpl archives finalized transcripts per session. Segment
// details stay in memory with the pipeline; only the durable record is
// kept here.
//
// Obtain one via [Store.Transcripts]. All methods are safe for concurrent
// use.
type TranscriptStoreImpl struct {
	pool *pgxpool.Pool
}

// SaveTranscript writes the transcript for its utterance. A re-run of the
// same utterance replaces the previous record; the latest attempt wins.
func (t *TranscriptStoreImpl) SaveTranscript(ctx context.Context, sessionID string, tr *types.Transcript) error {
	if tr.ID == "" {
		return fault.New(fault.KindInvalid, "transcript id must not be empty")
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}

	const q = `
		INSERT INTO transcripts (id, session_id, utterance_id, text, language, confidence, model, inference_ns, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
		    text         = EXCLUDED.text,
		    language     = EXCLUDED.language,
		    confidence   = EXCLUDED.confidence,
		    model        = EXCLUDED.model,
		    inference_ns = EXCLUDED.inference_ns,
		    created_at   = EXCLUDED.created_at`
	_, err := t.pool.Exec(ctx, q,
		tr.ID, sessionID, tr.UtteranceID, tr.Text, tr.Language, tr.Confidence,
		tr.Model, int64(tr.InferenceTime), tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("transcript store: save: %w", err)
	}
	return nil
}

// GetTranscript returns a single transcript by id.
func (t *TranscriptStoreImpl) GetTranscript(ctx context.Context, id string) (*types.Transcript, error) {
	const q = `
		SELECT id, utterance_id, text, language, confidence, model, inference_ns, created_at
		FROM   transcripts
		WHERE  id = $1`

	tr, err := scanTranscript(t.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.KindNotFound, "transcript %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("transcript store: get: %w", err)
	}
	return tr, nil
}

// ListBySession returns a session's transcripts in creation order.
func (t *TranscriptStoreImpl) ListBySession(ctx context.Context, sessionID string) ([]*types.Transcript, error) {
	const q = `
		SELECT id, utterance_id, text, language, confidence, model, inference_ns, created_at
		FROM   transcripts
		WHERE  session_id = $1
		ORDER  BY created_at, id`

	rows, err := t.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcript store: list by session: %w", err)
	}
	trs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*types.Transcript, error) {
		return scanTranscript(row)
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: scan rows: %w", err)
	}
	return trs, nil
}

// DeleteOlderThan removes transcripts created before cutoff, returning the
// number deleted. The retention sweeper calls this.
func (t *TranscriptStoreImpl) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := t.pool.Exec(ctx, `DELETE FROM transcripts WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("transcript store: delete older than: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanTranscript(row rowScanner) (*types.Transcript, error) {
	var (
		tr          types.Transcript
		inferenceNs int64
	)
	err := row.Scan(
		&tr.ID,
		&tr.UtteranceID,
		&tr.Text,
		&tr.Language,
		&tr.Confidence,
		&tr.Model,
		&inferenceNs,
		&tr.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	tr.InferenceTime = time.Duration(inferenceNs)
	return &tr, nil
}
