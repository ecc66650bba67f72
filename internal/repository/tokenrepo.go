// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/capvault/internal/model"
)

// TokenRepository is the durable, authoritative store of capability tokens.
// Records are keyed by a digest of the token value, never the raw value.
type TokenRepository interface {
	// Create inserts a new record with use_count 0.
	Create(ctx context.Context, digest []byte, t model.Token) error

	// Get loads a record by digest. Missing records yield errs.ErrNotFound.
	Get(ctx context.Context, digest []byte) (model.Token, error)

	// ConsumeIfLive increments use_count in a single conditional update that only
	// matches a live record of the given purpose, marking it dead when the
	// increment reaches the limit. ok is false when no row matched.
	ConsumeIfLive(ctx context.Context, digest []byte, purpose model.Purpose, now time.Time) (t model.Token, ok bool, err error)

	// MarkDead sets the sticky dead flag. Unknown digests are not an error.
	MarkDead(ctx context.Context, digest []byte) error

	// DeleteDeadBefore removes records that died or expired before the cutoff.
	DeleteDeadBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
