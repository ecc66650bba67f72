// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested token, identity or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExpired indicates a token that exists but is not live: its deadline passed,
	// its use limit is exhausted, or it was revoked. Losing a consume race maps here too.
	ErrExpired = errors.New("expired")

	// ErrPurposeMismatch indicates a live token presented for the wrong kind of action.
	ErrPurposeMismatch = errors.New("purpose mismatch")

	// ErrIO indicates a body storage failure on write or read.
	ErrIO = errors.New("io error")

	// ErrIssuance indicates a storage failure while creating a token.
	ErrIssuance = errors.New("issuance error")

	// ErrInvalidArgument indicates malformed caller input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrContentMismatch indicates uploaded bytes that do not hash to the announced identity.
	ErrContentMismatch = errors.New("content mismatch")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates a temporary block after repeated failed redemptions.
	ErrRateLimited = errors.New("rate limited")
)

// IsDeadToken reports whether err means the presented token cannot be used,
// whatever the reason. Callers answering an untrusted bearer collapse all of
// these into one response.
func IsDeadToken(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired) || errors.Is(err, ErrPurposeMismatch)
}
