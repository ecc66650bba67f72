package limiter

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Policy sets how many failures inside Window earn a block of BlockFor.
type Policy struct {
	Window   time.Duration
	MaxFails int
	BlockFor time.Duration
}

// PG keeps one redeem_limiter row per (scope, client hash). Counters in
// different scopes never touch each other.
type PG struct {
	db     pgxQuerier
	policy Policy
	now    func() time.Time
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter over a pool or a single connection.
func NewPG(q pgxQuerier, p Policy) *PG {
	return &PG{db: q, policy: p, now: time.Now}
}

// HashIP returns a stable hash for a client address to avoid storing raw addresses.
// The port is stripped so reconnects from the same host share a counter.
func HashIP(addr string) []byte {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	h := sha256.Sum256([]byte(addr))
	return h[:]
}

var errNoScope = errors.New("limiter: empty scope")

// Allow reports whether the client may redeem in scope, and how long to wait if not.
func (l *PG) Allow(ctx context.Context, scope string, ipHash []byte) (bool, time.Duration, error) {
	if scope == "" {
		return false, 0, errNoScope
	}
	const q = `SELECT blocked_until FROM redeem_limiter WHERE scope=$1 AND ip_hash=$2`
	var until time.Time
	err := l.db.QueryRow(ctx, q, scope, ipHash).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("limiter allow %s: %w", scope, err)
	}
	if wait := until.Sub(l.now()); wait > 0 {
		return false, wait, nil
	}
	return true, 0, nil
}

// Success clears the client's counter and any block in scope.
func (l *PG) Success(ctx context.Context, scope string, ipHash []byte) error {
	if scope == "" {
		return errNoScope
	}
	const q = `
UPDATE redeem_limiter SET fail_count=0, blocked_until='epoch', updated_at=now()
WHERE scope=$1 AND ip_hash=$2 AND (fail_count > 0 OR blocked_until > 'epoch')`
	if _, err := l.db.Exec(ctx, q, scope, ipHash); err != nil {
		return fmt.Errorf("limiter reset %s: %w", scope, err)
	}
	return nil
}

// Failure counts one failed redemption. A count that started longer than
// Window ago restarts at one. Reaching MaxFails blocks the client in scope
// and restarts the count, so the next block needs MaxFails fresh failures.
func (l *PG) Failure(ctx context.Context, scope string, ipHash []byte) (bool, time.Duration, error) {
	if scope == "" {
		return false, 0, errNoScope
	}
	const q = `
INSERT INTO redeem_limiter (scope, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1, $2, 1, 'epoch', now())
ON CONFLICT (scope, ip_hash) DO UPDATE SET
  fail_count = CASE
    WHEN now() - redeem_limiter.updated_at > $3::interval THEN 1
    ELSE redeem_limiter.fail_count + 1
  END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.db.QueryRow(ctx, q, scope, ipHash, l.policy.Window).Scan(&fails); err != nil {
		return false, 0, fmt.Errorf("limiter count %s: %w", scope, err)
	}
	if fails < l.policy.MaxFails {
		return false, 0, nil
	}

	const block = `UPDATE redeem_limiter SET blocked_until=$3, fail_count=0 WHERE scope=$1 AND ip_hash=$2`
	if _, err := l.db.Exec(ctx, block, scope, ipHash, l.now().Add(l.policy.BlockFor)); err != nil {
		return false, 0, fmt.Errorf("limiter block %s: %w", scope, err)
	}
	return true, l.policy.BlockFor, nil
}

// Prune deletes rows that are neither blocked nor touched since before.
func (l *PG) Prune(ctx context.Context, before time.Time) (int64, error) {
	const q = `DELETE FROM redeem_limiter WHERE updated_at < $1 AND blocked_until < $1`
	tag, err := l.db.Exec(ctx, q, before)
	if err != nil {
		return 0, fmt.Errorf("limiter prune: %w", err)
	}
	return tag.RowsAffected(), nil
}
