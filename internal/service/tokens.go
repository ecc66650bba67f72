// Package service contains the capability-token store and the file flows built on it.
package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/capvault/internal/cache"
	pkgcrypto "github.com/and161185/capvault/internal/crypto"
	"github.com/and161185/capvault/internal/errs"
	"github.com/and161185/capvault/internal/keylock"
	"github.com/and161185/capvault/internal/model"
	"github.com/and161185/capvault/internal/repository"
)

// TokenService issues, validates and consumes capability tokens.
type TokenService interface {
	// Issue creates a durable record and mirrors it into the cache.
	Issue(ctx context.Context, p IssueParams) (model.Token, error)
	// Validate returns the live record or ErrNotFound / ErrExpired.
	Validate(ctx context.Context, value string) (model.Token, error)
	// LoadDurable is Validate against the durable record only. Fields kept out
	// of the mirror, such as the challenge digest, are present.
	LoadDurable(ctx context.Context, value string) (model.Token, error)
	// Consume spends one use of a token of the expected purpose.
	Consume(ctx context.Context, value string, expected model.Purpose) (model.Token, error)
	// Revoke kills a token early. Unknown tokens are not an error.
	Revoke(ctx context.Context, value string) error
	// Reap deletes durable records that died or expired more than olderThan ago.
	Reap(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IssueParams describes a token to create.
type IssueParams struct {
	Purpose   model.Purpose
	SubjectID uuid.UUID
	TargetID  *uuid.UUID
	UseLimit  int
	TTL       time.Duration
	Context   model.RequestContext
	// ChallengeCode, when set, is stored as a digest bound to the new token value.
	ChallengeCode string
}

// tombstoneTTL bounds a dead marker written when a mirror entry cannot be evicted.
const tombstoneTTL = time.Minute

type TokenServiceImpl struct {
	repo  repository.TokenRepository
	cache cache.TokenCache
	locks *keylock.Locker
	group singleflight.Group
	log   *zap.Logger
	now   func() time.Time
}

// NewTokenService constructs TokenService over the durable repo and the cache mirror.
func NewTokenService(repo repository.TokenRepository, c cache.TokenCache, log *zap.Logger) *TokenServiceImpl {
	return &TokenServiceImpl{
		repo:  repo,
		cache: c,
		locks: keylock.New(),
		log:   log.Named("tokens"),
		now:   time.Now,
	}
}

// Issue validates parameters, stores the record and mirrors it with EX=ttl.
// A failed mirror write is logged only; the durable record is authoritative.
func (s *TokenServiceImpl) Issue(ctx context.Context, p IssueParams) (model.Token, error) {
	if !p.Purpose.Valid() {
		return model.Token{}, fmt.Errorf("%w: purpose %q", errs.ErrInvalidArgument, p.Purpose)
	}
	if p.SubjectID == uuid.Nil {
		return model.Token{}, fmt.Errorf("%w: empty subject", errs.ErrInvalidArgument)
	}
	if p.UseLimit < 1 || p.TTL <= 0 {
		return model.Token{}, fmt.Errorf("%w: use_limit=%d ttl=%s", errs.ErrInvalidArgument, p.UseLimit, p.TTL)
	}

	value, err := pkgcrypto.NewTokenValue()
	if err != nil {
		return model.Token{}, fmt.Errorf("%w: %v", errs.ErrIssuance, err)
	}
	now := s.now().UTC()
	t := model.Token{
		Value:     value,
		Purpose:   p.Purpose,
		SubjectID: p.SubjectID,
		TargetID:  p.TargetID,
		UseLimit:  p.UseLimit,
		IssuedAt:  now,
		ExpiresAt: now.Add(p.TTL),
		Context:   p.Context,
	}
	if p.ChallengeCode != "" {
		t.ChallengeDigest = pkgcrypto.ChallengeDigest(value, p.ChallengeCode)
	}

	if err := s.repo.Create(ctx, pkgcrypto.TokenDigest(value), t); err != nil {
		return model.Token{}, fmt.Errorf("%w: %v", errs.ErrIssuance, err)
	}

	unlock := s.locks.Lock(value)
	s.mirrorLocked(ctx, t, now)
	unlock()

	s.log.Debug("token issued",
		zap.String("token", tokenTag(value)),
		zap.String("purpose", string(t.Purpose)),
		zap.Int("use_limit", t.UseLimit),
		zap.Time("expires_at", t.ExpiresAt))
	return t, nil
}

// Validate checks the cache first and falls back to the durable record on a
// miss. A live durable record found on a miss is re-mirrored; concurrent misses
// for one token share a single durable read.
func (s *TokenServiceImpl) Validate(ctx context.Context, value string) (model.Token, error) {
	if value == "" {
		return model.Token{}, errs.ErrNotFound
	}

	t, ok, err := s.cache.Get(ctx, value)
	if err != nil {
		s.log.Warn("token cache read failed, using durable record",
			zap.String("token", tokenTag(value)), zap.Error(err))
		ok = false
	}
	if ok {
		if t.LiveAt(s.now()) {
			return t, nil
		}
		return model.Token{}, errs.ErrExpired
	}

	v, err, _ := s.group.Do(value, func() (any, error) {
		unlock := s.locks.Lock(value)
		defer unlock()

		t, err := s.repo.Get(ctx, pkgcrypto.TokenDigest(value))
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return model.Token{}, errs.ErrNotFound
			}
			return model.Token{}, fmt.Errorf("load token: %w", err)
		}
		t.Value = value
		now := s.now().UTC()
		if !t.LiveAt(now) {
			return model.Token{}, errs.ErrExpired
		}
		s.mirrorLocked(ctx, t, now)
		return t, nil
	})
	if err != nil {
		return model.Token{}, err
	}
	return v.(model.Token), nil
}

// LoadDurable reads the durable record and applies the liveness rule. It never
// consults or writes the mirror.
func (s *TokenServiceImpl) LoadDurable(ctx context.Context, value string) (model.Token, error) {
	if value == "" {
		return model.Token{}, errs.ErrNotFound
	}
	t, err := s.repo.Get(ctx, pkgcrypto.TokenDigest(value))
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return model.Token{}, errs.ErrNotFound
		}
		return model.Token{}, fmt.Errorf("load token: %w", err)
	}
	t.Value = value
	if !t.LiveAt(s.now().UTC()) {
		return model.Token{}, errs.ErrExpired
	}
	return t, nil
}

// Consume runs the conditional increment in the durable store and then brings
// the mirror in line with the result. Both steps run under the token's key
// lock, so a mirror write can never land after the eviction that follows the
// token's death.
func (s *TokenServiceImpl) Consume(ctx context.Context, value string, expected model.Purpose) (model.Token, error) {
	if value == "" {
		return model.Token{}, errs.ErrNotFound
	}
	digest := pkgcrypto.TokenDigest(value)

	unlock := s.locks.Lock(value)
	defer unlock()

	now := s.now().UTC()
	t, ok, err := s.repo.ConsumeIfLive(ctx, digest, expected, now)
	if err != nil {
		return model.Token{}, fmt.Errorf("consume token: %w", err)
	}
	if !ok {
		return model.Token{}, s.classifyLocked(ctx, value, digest, expected, now)
	}
	t.Value = value
	s.mirrorLocked(ctx, t, now)

	s.log.Debug("token consumed",
		zap.String("token", tokenTag(value)),
		zap.Int("use_count", t.UseCount),
		zap.Bool("dead", t.Dead))
	return t, nil
}

// classifyLocked explains why the conditional update matched no row. Records
// found expired but not yet flagged are marked dead on the way out.
func (s *TokenServiceImpl) classifyLocked(
	ctx context.Context, value string, digest []byte, expected model.Purpose, now time.Time,
) error {
	cur, err := s.repo.Get(ctx, digest)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			s.evictLocked(ctx, value)
			return errs.ErrNotFound
		}
		return fmt.Errorf("load token: %w", err)
	}
	if cur.Purpose != expected {
		return errs.ErrPurposeMismatch
	}
	if !cur.Dead && !cur.LiveAt(now) {
		if err := s.repo.MarkDead(ctx, digest); err != nil {
			s.log.Warn("mark expired token dead failed", zap.String("token", tokenTag(value)), zap.Error(err))
		}
	}
	s.evictLocked(ctx, value)
	return errs.ErrExpired
}

// Revoke marks the record dead and drops the mirror.
func (s *TokenServiceImpl) Revoke(ctx context.Context, value string) error {
	if value == "" {
		return nil
	}
	unlock := s.locks.Lock(value)
	defer unlock()

	if err := s.repo.MarkDead(ctx, pkgcrypto.TokenDigest(value)); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	s.evictLocked(ctx, value)
	return nil
}

// Reap deletes durable records whose death or expiry is older than olderThan.
func (s *TokenServiceImpl) Reap(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		olderThan = 0
	}
	cutoff := s.now().UTC().Add(-olderThan)
	n, err := s.repo.DeleteDeadBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap tokens: %w", err)
	}
	if n > 0 {
		s.log.Info("reaped token records", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// mirrorLocked writes the record into the cache with its remaining lifetime,
// or evicts it when it is no longer live. The challenge digest never leaves
// the durable store. Caller holds the token's key lock.
func (s *TokenServiceImpl) mirrorLocked(ctx context.Context, t model.Token, now time.Time) {
	if !t.LiveAt(now) {
		s.evictLocked(ctx, t.Value)
		return
	}
	t.ChallengeDigest = nil
	if err := s.cache.Set(ctx, t, t.Remaining(now)); err != nil {
		s.log.Warn("token cache write failed", zap.String("token", tokenTag(t.Value)), zap.Error(err))
	}
}

// evictLocked drops the mirror entry. When the delete fails the entry is
// overwritten with a short-lived dead marker so a stale live copy cannot keep
// passing Validate.
func (s *TokenServiceImpl) evictLocked(ctx context.Context, value string) {
	err := s.cache.Delete(ctx, value)
	if err == nil {
		return
	}
	s.log.Warn("token cache evict failed, writing dead marker", zap.String("token", tokenTag(value)), zap.Error(err))
	if err := s.cache.Set(ctx, model.Token{Value: value, Dead: true}, tombstoneTTL); err != nil {
		s.log.Error("token cache holds a stale entry", zap.String("token", tokenTag(value)), zap.Error(err))
	}
}

// tokenTag is a short digest prefix that identifies a token in logs without
// revealing the bearer value.
func tokenTag(value string) string {
	return hex.EncodeToString(pkgcrypto.TokenDigest(value))[:12]
}
