package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/and161185/capvault/internal/errs"
	"github.com/and161185/capvault/internal/limiter"
)

// Limiter scopes for token redemption endpoints.
const (
	ScopeDownload  = "download"
	ScopeChallenge = "challenge"
)

// redeemGuard applies the failed-redemption limiter around a bearer operation.
// Limiter storage errors never block a redemption.
type redeemGuard struct {
	lim limiter.Limiter
	log *zap.Logger
}

func (g redeemGuard) allow(ctx context.Context, scope, addr string) error {
	ok, retry, err := g.lim.Allow(ctx, scope, limiter.HashIP(addr))
	if err != nil {
		g.log.Warn("limiter check failed", zap.String("scope", scope), zap.Error(err))
		return nil
	}
	if !ok {
		g.log.Info("redemption blocked", zap.String("scope", scope), zap.Duration("retry_after", retry))
		return errs.ErrRateLimited
	}
	return nil
}

// done records the outcome. Only bearer-side failures count against the client.
func (g redeemGuard) done(ctx context.Context, scope, addr string, err error) {
	ipHash := limiter.HashIP(addr)
	switch {
	case err == nil:
		if lerr := g.lim.Success(ctx, scope, ipHash); lerr != nil {
			g.log.Warn("limiter reset failed", zap.String("scope", scope), zap.Error(lerr))
		}
	case errs.IsDeadToken(err), errors.Is(err, errs.ErrUnauthorized):
		if blocked, _, lerr := g.lim.Failure(ctx, scope, ipHash); lerr != nil {
			g.log.Warn("limiter record failed", zap.String("scope", scope), zap.Error(lerr))
		} else if blocked {
			g.log.Info("client blocked after failed redemptions", zap.String("scope", scope))
		}
	}
}
