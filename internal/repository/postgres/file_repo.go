package postgres

import (
	"context"
	"errors"

	"github.com/and161185/capvault/internal/errs"
	"github.com/and161185/capvault/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// FileRepo implements FileRepository using PostgreSQL.
type FileRepo struct{ db *DB }

// NewFileRepo constructs a file identity repository.
func NewFileRepo(db *DB) *FileRepo { return &FileRepo{db: db} }

// LookupOrRegister upserts on the hash pair so concurrent registrations of the
// same content converge on one row.
func (r *FileRepo) LookupOrRegister(
	ctx context.Context, hashMD5, hashSHA256 string, size int64,
) (model.FileIdentity, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return model.FileIdentity{}, err
	}
	const q = `
INSERT INTO file_identities (id, hash_md5, hash_sha256, size, is_materialized)
VALUES ($1, $2, $3, $4, false)
ON CONFLICT (hash_md5, hash_sha256) DO UPDATE SET hash_md5=EXCLUDED.hash_md5
RETURNING id, hash_md5, hash_sha256, size, is_materialized, created_at`
	var f model.FileIdentity
	err = r.db.Pool.QueryRow(ctx, q, id, hashMD5, hashSHA256, size).
		Scan(&f.ID, &f.HashMD5, &f.HashSHA256, &f.Size, &f.Materialized, &f.CreatedAt)
	if err != nil {
		return model.FileIdentity{}, err
	}
	return f, nil
}

// Get returns an identity by id.
func (r *FileRepo) Get(ctx context.Context, id uuid.UUID) (model.FileIdentity, error) {
	const q = `
SELECT id, hash_md5, hash_sha256, size, is_materialized, created_at
FROM file_identities WHERE id=$1`
	var f model.FileIdentity
	err := r.db.Pool.QueryRow(ctx, q, id).
		Scan(&f.ID, &f.HashMD5, &f.HashSHA256, &f.Size, &f.Materialized, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.FileIdentity{}, errs.ErrNotFound
		}
		return model.FileIdentity{}, err
	}
	return f, nil
}

// MarkMaterialized transitions is_materialized false->true exactly once and
// records the byte count measured while the body was hashed. A second call
// finds the flag already set and returns nil without touching the size.
func (r *FileRepo) MarkMaterialized(ctx context.Context, id uuid.UUID, size int64) error {
	return r.db.withTx(ctx, func(tx pgx.Tx) error {
		const sel = `SELECT is_materialized FROM file_identities WHERE id=$1 FOR UPDATE`
		const upd = `UPDATE file_identities SET is_materialized=true, materialized_at=now(), size=$2 WHERE id=$1`

		var done bool
		if err := tx.QueryRow(ctx, sel, id).Scan(&done); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrNotFound
			}
			return err
		}
		if done {
			return nil
		}
		_, err := tx.Exec(ctx, upd, id, size)
		return err
	})
}
