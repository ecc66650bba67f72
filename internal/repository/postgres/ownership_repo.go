package postgres

import (
	"context"
	"errors"

	"github.com/and161185/capvault/internal/errs"
	"github.com/and161185/capvault/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// OwnershipRepo implements OwnershipRepository using PostgreSQL.
type OwnershipRepo struct{ db *DB }

// NewOwnershipRepo constructs an ownership repository.
func NewOwnershipRepo(db *DB) *OwnershipRepo { return &OwnershipRepo{db: db} }

// Create inserts a new ownership record. An ID is generated when o.ID is nil.
func (r *OwnershipRepo) Create(ctx context.Context, o model.Ownership) (model.Ownership, error) {
	if o.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return model.Ownership{}, err
		}
		o.ID = id
	}
	const q = `
INSERT INTO ownerships (id, owner_id, file_id, display_name, media_type)
VALUES ($1, $2, $3, $4, $5)
RETURNING created_at`
	if err := r.db.Pool.QueryRow(ctx, q, o.ID, o.OwnerID, o.FileID, o.DisplayName, o.MediaType).
		Scan(&o.CreatedAt); err != nil {
		return model.Ownership{}, err
	}
	return o, nil
}

// Resolve selects an ownership record by id.
func (r *OwnershipRepo) Resolve(ctx context.Context, id uuid.UUID) (model.Ownership, error) {
	const q = `
SELECT id, owner_id, file_id, display_name, media_type, created_at
FROM ownerships WHERE id=$1`
	return scanOwnership(r.db.Pool.QueryRow(ctx, q, id))
}

// FindByOwnerAndFile returns the oldest record the owner holds for the body.
func (r *OwnershipRepo) FindByOwnerAndFile(ctx context.Context, ownerID, fileID uuid.UUID) (model.Ownership, error) {
	const q = `
SELECT id, owner_id, file_id, display_name, media_type, created_at
FROM ownerships WHERE owner_id=$1 AND file_id=$2
ORDER BY created_at ASC LIMIT 1`
	return scanOwnership(r.db.Pool.QueryRow(ctx, q, ownerID, fileID))
}

func scanOwnership(row pgx.Row) (model.Ownership, error) {
	var o model.Ownership
	if err := row.Scan(&o.ID, &o.OwnerID, &o.FileID, &o.DisplayName, &o.MediaType, &o.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Ownership{}, errs.ErrNotFound
		}
		return model.Ownership{}, err
	}
	return o, nil
}
