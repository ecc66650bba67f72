// Package cache holds the ephemeral mirror of capability tokens.
//
// The mirror is an accelerator only: a missing entry never means a token is
// invalid, and callers fall back to the durable store on every miss.
package cache

import (
	"context"
	"time"

	"github.com/and161185/capvault/internal/model"
)

// TokenCache mirrors token records under their bearer value with a TTL.
type TokenCache interface {
	// Get returns the mirrored record; ok is false on a miss.
	Get(ctx context.Context, value string) (t model.Token, ok bool, err error)
	// Set writes the record, expiring it after ttl. A non-positive ttl deletes it instead.
	Set(ctx context.Context, t model.Token, ttl time.Duration) error
	// Delete evicts the record. Missing keys are not an error.
	Delete(ctx context.Context, value string) error
}
