package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/capvault/internal/errs"
)

// Authenticator verifies bearer credentials issued by the identity service and
// yields the subject. The file flows trust its answer unconditionally.
type Authenticator interface {
	Authenticate(ctx context.Context, bearer string) (uuid.UUID, error)
}

// JWTAuthenticator accepts HS256 access tokens whose subject is a UUID.
type JWTAuthenticator struct {
	signKey   []byte
	accessTTL time.Duration
	leeway    time.Duration
}

// NewJWTAuthenticator constructs a JWTAuthenticator. accessTTL only affects IssueAccessToken.
func NewJWTAuthenticator(signKey []byte, accessTTL time.Duration) *JWTAuthenticator {
	return &JWTAuthenticator{signKey: signKey, accessTTL: accessTTL, leeway: 30 * time.Second}
}

// Authenticate verifies the signature and time claims and parses the subject.
func (a *JWTAuthenticator) Authenticate(_ context.Context, bearer string) (uuid.UUID, error) {
	if bearer == "" {
		return uuid.Nil, fmt.Errorf("%w: empty bearer", errs.ErrUnauthorized)
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(bearer, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return a.signKey, nil
	}, jwt.WithLeeway(a.leeway))
	if err != nil || !parsed.Valid {
		return uuid.Nil, fmt.Errorf("%w: invalid token", errs.ErrUnauthorized)
	}

	id, err := uuid.FromString(claims.Subject)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject", errs.ErrUnauthorized)
	}
	return id, nil
}

// IssueAccessToken creates a signed HS256 JWT for the given subject. The server
// uses it only to mint development credentials.
func (a *JWTAuthenticator) IssueAccessToken(subject uuid.UUID) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(a.accessTTL)
	claims := jwt.RegisteredClaims{
		Subject:   subject.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(a.signKey)
	return signed, exp, err
}
