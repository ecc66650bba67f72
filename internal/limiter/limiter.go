// Package limiter throttles clients that keep presenting dead or unknown tokens.
package limiter

import (
	"context"
	"time"
)

// Limiter counts failed redemptions per (scope, client address) and places
// temporary blocks. Scope separates flows, e.g. "download" and "challenge".
type Limiter interface {
	// Allow reports whether the client may attempt a redemption and an optional retry-after.
	Allow(ctx context.Context, scope string, ipHash []byte) (bool, time.Duration, error)
	// Success resets counters after a successful redemption.
	Success(ctx context.Context, scope string, ipHash []byte) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, scope string, ipHash []byte) (bool, time.Duration, error)
}

// Nop never blocks.
type Nop struct{}

// Allow always allows.
func (Nop) Allow(context.Context, string, []byte) (bool, time.Duration, error) { return true, 0, nil }

// Success does nothing.
func (Nop) Success(context.Context, string, []byte) error { return nil }

// Failure never blocks.
func (Nop) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	return false, 0, nil
}
