package repository

import (
	"context"

	"github.com/and161185/capvault/internal/model"
	"github.com/gofrs/uuid/v5"
)

// FileRepository resolves content identities.
type FileRepository interface {
	// LookupOrRegister returns the identity for the hash pair, creating a
	// not-yet-materialized one when none exists.
	LookupOrRegister(ctx context.Context, hashMD5, hashSHA256 string, size int64) (model.FileIdentity, error)

	// Get loads an identity by ID.
	Get(ctx context.Context, id uuid.UUID) (model.FileIdentity, error)

	// MarkMaterialized flips is_materialized to true and stores the verified
	// body size. Repeated calls are no-ops.
	MarkMaterialized(ctx context.Context, id uuid.UUID, size int64) error
}
