package repository

import (
	"context"

	"github.com/and161185/capvault/internal/model"
	"github.com/gofrs/uuid/v5"
)

// OwnershipRepository stores per-upload ownership records.
type OwnershipRepository interface {
	// Create always inserts a new record, even when the body is shared.
	Create(ctx context.Context, o model.Ownership) (model.Ownership, error)

	// Resolve loads a record by ID.
	Resolve(ctx context.Context, id uuid.UUID) (model.Ownership, error)

	// FindByOwnerAndFile returns the oldest record the owner holds for the body.
	FindByOwnerAndFile(ctx context.Context, ownerID, fileID uuid.UUID) (model.Ownership, error)
}
