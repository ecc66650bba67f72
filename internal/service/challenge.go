package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/capvault/internal/audit"
	pkgcrypto "github.com/and161185/capvault/internal/crypto"
	"github.com/and161185/capvault/internal/errs"
	"github.com/and161185/capvault/internal/limiter"
	"github.com/and161185/capvault/internal/model"
)

// ChallengeService issues and verifies out-of-band verification codes.
type ChallengeService interface {
	// Issue creates a single-use challenge token and its code for subject.
	Issue(ctx context.Context, subject uuid.UUID, rc model.RequestContext) (Challenge, error)
	// Verify checks code against the challenge and returns the verified subject.
	Verify(ctx context.Context, tokenValue, code string, rc model.RequestContext) (uuid.UUID, error)
}

// Notifier delivers a verification code to the subject out of band (mail, SMS).
type Notifier interface {
	Deliver(ctx context.Context, subject uuid.UUID, code string) error
}

// LogNotifier writes codes to the log. Meant for development only.
type LogNotifier struct{ Log *zap.Logger }

// Deliver logs the code.
func (n LogNotifier) Deliver(_ context.Context, subject uuid.UUID, code string) error {
	n.Log.Info("verification code", zap.String("subject", subject.String()), zap.String("code", code))
	return nil
}

// Challenge is an issued challenge. Code is delivered to the user through a
// separate channel and is never stored in clear.
type Challenge struct {
	Token model.Token
	Code  string
}

type ChallengeServiceImpl struct {
	tokens TokenService
	notify Notifier
	audit  audit.Sink
	guard  redeemGuard
	ttl    time.Duration
	log    *zap.Logger
}

// NewChallengeService constructs ChallengeService. ttl 0 means five minutes;
// a nil notifier logs codes.
func NewChallengeService(
	tokens TokenService, notify Notifier, sink audit.Sink, lim limiter.Limiter, ttl time.Duration, log *zap.Logger,
) *ChallengeServiceImpl {
	if lim == nil {
		lim = limiter.Nop{}
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	log = log.Named("challenge")
	if notify == nil {
		notify = LogNotifier{Log: log}
	}
	return &ChallengeServiceImpl{
		tokens: tokens,
		notify: notify,
		audit:  sink,
		guard:  redeemGuard{lim: lim, log: log},
		ttl:    ttl,
		log:    log,
	}
}

// Issue generates a code, stores its digest on a fresh token and hands the code
// to the notifier. An undeliverable code revokes the token.
func (s *ChallengeServiceImpl) Issue(ctx context.Context, subject uuid.UUID, rc model.RequestContext) (Challenge, error) {
	code, err := pkgcrypto.NewChallengeCode()
	if err != nil {
		return Challenge{}, fmt.Errorf("%w: %v", errs.ErrIssuance, err)
	}
	t, err := s.tokens.Issue(ctx, IssueParams{
		Purpose:       model.PurposeVerificationChallenge,
		SubjectID:     subject,
		UseLimit:      1,
		TTL:           s.ttl,
		Context:       rc,
		ChallengeCode: code,
	})
	if err != nil {
		return Challenge{}, err
	}
	if err := s.notify.Deliver(ctx, subject, code); err != nil {
		if rerr := s.tokens.Revoke(ctx, t.Value); rerr != nil {
			s.log.Warn("revoke undelivered challenge", zap.Error(rerr))
		}
		return Challenge{}, fmt.Errorf("deliver code: %w", err)
	}
	return Challenge{Token: t, Code: code}, nil
}

// Verify consumes the challenge when the code matches. A wrong code kills the
// challenge, so each issued code can be guessed at most once.
func (s *ChallengeServiceImpl) Verify(ctx context.Context, tokenValue, code string, rc model.RequestContext) (uuid.UUID, error) {
	if err := s.guard.allow(ctx, ScopeChallenge, rc.RemoteAddr); err != nil {
		return uuid.Nil, err
	}
	subject, err := s.verify(ctx, tokenValue, code, rc)
	s.guard.done(ctx, ScopeChallenge, rc.RemoteAddr, err)
	return subject, err
}

func (s *ChallengeServiceImpl) verify(ctx context.Context, tokenValue, code string, rc model.RequestContext) (uuid.UUID, error) {
	t, err := s.tokens.LoadDurable(ctx, tokenValue)
	if err != nil {
		return uuid.Nil, err
	}
	if t.Purpose != model.PurposeVerificationChallenge {
		return uuid.Nil, errs.ErrPurposeMismatch
	}

	code = strings.ToUpper(strings.TrimSpace(code))
	if !pkgcrypto.VerifyChallenge(tokenValue, code, t.ChallengeDigest) {
		if err := s.tokens.Revoke(ctx, tokenValue); err != nil {
			s.log.Warn("revoke failed challenge", zap.Error(err))
		}
		return uuid.Nil, errs.ErrUnauthorized
	}

	t, err = s.tokens.Consume(ctx, tokenValue, model.PurposeVerificationChallenge)
	if err != nil {
		return uuid.Nil, err
	}

	s.audit.Record(ctx, audit.Entry{
		Category:       audit.CategoryVerification,
		TargetID:       t.SubjectID,
		Description:    "verification code accepted",
		RequestContext: rc,
		ActorID:        t.SubjectID,
	})
	return t.SubjectID, nil
}
