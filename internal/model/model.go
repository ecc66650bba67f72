// Package model defines domain entities used by services and repositories.
package model

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Purpose is the single action kind a capability token authorizes.
type Purpose string

// Known token purposes.
const (
	PurposeUploadIntent          Purpose = "upload_intent"
	PurposeDownloadGrant         Purpose = "download_grant"
	PurposeVerificationChallenge Purpose = "verification_challenge"
)

// Valid reports whether p is one of the known purposes.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeUploadIntent, PurposeDownloadGrant, PurposeVerificationChallenge:
		return true
	}
	return false
}

// ParsePurpose converts the stored text form back to a Purpose.
func ParsePurpose(s string) (Purpose, error) {
	p := Purpose(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown purpose %q", s)
	}
	return p, nil
}

// RequestContext is metadata captured from the request that caused an issuance.
// It is informational only and never affects validity.
type RequestContext struct {
	RemoteAddr string `json:"remote_addr,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
}

// Token is a capability record: a bearer value granting up to UseLimit uses of
// one Purpose before ExpiresAt.
type Token struct {
	Value     string     `json:"token"`   // 128-bit random, hex; never persisted raw in the durable table
	Purpose   Purpose    `json:"purpose"` // what consuming the token allows
	SubjectID uuid.UUID  `json:"subject_id"`
	TargetID  *uuid.UUID `json:"target_id,omitempty"` // file identity or ownership record, nil when unbound
	UseLimit  int        `json:"use_limit"`           // >= 1
	UseCount  int        `json:"use_count"`           // 0 <= UseCount <= UseLimit, never decreases
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	Dead      bool       `json:"dead"` // sticky once set

	Context         RequestContext `json:"context"`
	ChallengeDigest []byte         `json:"challenge_digest,omitempty"`
}

// LiveAt reports whether the token may still be consumed at instant now.
func (t Token) LiveAt(now time.Time) bool {
	return !t.Dead && now.Before(t.ExpiresAt) && t.UseCount < t.UseLimit
}

// Remaining returns the time left until expiry at instant now, floored at zero.
func (t Token) Remaining(now time.Time) time.Duration {
	d := t.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// FileIdentity is a content-addressed body. The (HashMD5, HashSHA256) pair is unique.
type FileIdentity struct {
	ID           uuid.UUID
	HashMD5      string // lowercase hex
	HashSHA256   string // lowercase hex
	Size         int64
	Materialized bool // bytes durably written to the body store
	CreatedAt    time.Time
}

// Ownership binds a materialized body to a user-visible entry. One per upload event.
type Ownership struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	FileID      uuid.UUID
	DisplayName string
	MediaType   string
	CreatedAt   time.Time
}
