package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/capvault/internal/errs"
	"github.com/and161185/capvault/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// TokenRepo implements TokenRepository using PostgreSQL.
type TokenRepo struct{ db *DB }

// NewTokenRepo constructs a token repository.
func NewTokenRepo(db *DB) *TokenRepo { return &TokenRepo{db: db} }

const tokenColumns = `purpose, subject_id, target_id, use_limit, use_count, issued_at, expires_at, dead, context, challenge_digest`

// Create inserts a fresh token record.
func (r *TokenRepo) Create(ctx context.Context, digest []byte, t model.Token) error {
	const q = `
INSERT INTO capability_tokens (token_digest, purpose, subject_id, target_id, use_limit, use_count, issued_at, expires_at, dead, context, challenge_digest)
VALUES ($1, $2, $3, $4, $5, 0, $6, $7, false, $8, $9)`
	meta, err := json.Marshal(t.Context)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, q,
		digest, string(t.Purpose), t.SubjectID, nullUUID(t.TargetID), t.UseLimit,
		t.IssuedAt, t.ExpiresAt, meta, t.ChallengeDigest,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("token digest collision: %w", err)
	}
	return err
}

// Get selects a token record by digest.
func (r *TokenRepo) Get(ctx context.Context, digest []byte) (model.Token, error) {
	const q = `SELECT ` + tokenColumns + ` FROM capability_tokens WHERE token_digest=$1`
	t, err := scanToken(r.db.Pool.QueryRow(ctx, q, digest))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Token{}, errs.ErrNotFound
	}
	return t, err
}

// ConsumeIfLive performs the increment-then-check as one conditional UPDATE.
// Row locking serializes concurrent consumers of the same digest, and the WHERE
// clause is re-evaluated after a wait, so at most use_limit callers get ok=true.
func (r *TokenRepo) ConsumeIfLive(
	ctx context.Context, digest []byte, purpose model.Purpose, now time.Time,
) (model.Token, bool, error) {
	const q = `
UPDATE capability_tokens
SET use_count = use_count + 1,
    dead = (use_count + 1 >= use_limit),
    dead_at = CASE WHEN use_count + 1 >= use_limit THEN $3 ELSE dead_at END
WHERE token_digest=$1 AND purpose=$2 AND NOT dead AND use_count < use_limit AND expires_at > $3
RETURNING ` + tokenColumns
	t, err := scanToken(r.db.Pool.QueryRow(ctx, q, digest, string(purpose), now))
	switch {
	case err == nil:
		return t, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return model.Token{}, false, nil
	default:
		return model.Token{}, false, err
	}
}

// MarkDead sets the dead flag; the first death time is kept.
func (r *TokenRepo) MarkDead(ctx context.Context, digest []byte) error {
	const q = `UPDATE capability_tokens SET dead=true, dead_at=COALESCE(dead_at, now()) WHERE token_digest=$1`
	_, err := r.db.Pool.Exec(ctx, q, digest)
	return err
}

// DeleteDeadBefore removes records that died or expired before cutoff.
func (r *TokenRepo) DeleteDeadBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM capability_tokens WHERE (dead AND dead_at < $1) OR expires_at < $1`
	tag, err := r.db.Pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanToken(row pgx.Row) (model.Token, error) {
	var (
		t       model.Token
		purpose string
		target  uuid.NullUUID
		meta    []byte
	)
	if err := row.Scan(&purpose, &t.SubjectID, &target, &t.UseLimit, &t.UseCount,
		&t.IssuedAt, &t.ExpiresAt, &t.Dead, &meta, &t.ChallengeDigest); err != nil {
		return model.Token{}, err
	}
	p, err := model.ParsePurpose(purpose)
	if err != nil {
		return model.Token{}, err
	}
	t.Purpose = p
	if target.Valid {
		id := target.UUID
		t.TargetID = &id
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Context); err != nil {
			return model.Token{}, fmt.Errorf("decode context: %w", err)
		}
	}
	return t, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}
