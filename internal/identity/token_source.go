package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingTokenSigningKey = errors.New("token source: signing key required")
	ErrMissingTokenIssuer     = errors.New("token source: issuer required")
	ErrMissingToken           = errors.New("token source: token required")
	ErrInvalidToken           = errors.New("token source: invalid token")
	ErrExpiredToken           = errors.New("token source: token expired")
	ErrMissingTokenSubject    = errors.New("token source: subject required")
)

// sessionClaims mirrors the JWT payload issued by the identity provider.
type sessionClaims struct {
	jwt.RegisteredClaims
}

// TokenSourceConfig describes how to validate provider-issued session JWTs.
type TokenSourceConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// TokenSource derives the principal from an HS256 session JWT. The token is
// re-validated on every lookup, so an expired session degrades the engine to
// offline mode at the next refresh point instead of failing operations.
type TokenSource struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time

	token string
}

// NewTokenSource constructs a source with the provided configuration.
func NewTokenSource(cfg TokenSourceConfig, token string) (*TokenSource, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingTokenSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingTokenIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenSource{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
		token:         strings.TrimSpace(token),
	}, nil
}

// Validate parses the configured token and returns its subject.
func (s *TokenSource) Validate() (Principal, error) {
	if s.token == "" {
		return "", ErrMissingToken
	}

	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		s.token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return s.signingSecret, nil
		},
		jwt.WithTimeFunc(s.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.Issuer != s.issuer {
		return "", ErrInvalidToken
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", ErrMissingTokenSubject
	}
	return Principal(subject), nil
}

// Current implements Source. An invalid or expired token reads as "no
// principal" rather than an error.
func (s *TokenSource) Current(_ context.Context) (Principal, bool) {
	principal, err := s.Validate()
	if err != nil {
		return "", false
	}
	return principal, true
}
