// Package auth issues and verifies the bearer tokens that gate both the
// HTTP API and the websocket authenticate handshake, and hashes user
// passwords.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const minSecretLen = 32

var (
	ErrTokenInvalid = errors.New("auth: invalid token")
	ErrTokenExpired = errors.New("auth: token expired")
)

// Claims is the identity a verified token carries.
type Claims struct {
	UserID   int64
	Username string
	IsAdmin  bool
}

type tokenClaims struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies HS256 tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// TokenOption configures TokenManager behavior.
type TokenOption func(*TokenManager) error

// WithTokenTTL overrides the default 24h token lifetime.
func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(m *TokenManager) error {
		if ttl <= 0 {
			return errors.New("auth: non-positive token ttl")
		}
		m.ttl = ttl
		return nil
	}
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) TokenOption {
	return func(m *TokenManager) error {
		if now == nil {
			return errors.New("auth: nil clock")
		}
		m.now = now
		return nil
	}
}

// NewTokenManager constructs a TokenManager. The secret must hold at
// least 32 bytes so HS256 keeps its intended strength.
func NewTokenManager(secret []byte, opts ...TokenOption) (*TokenManager, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("auth: secret must be at least %d bytes", minSecretLen)
	}

	m := &TokenManager{
		secret: secret,
		ttl:    24 * time.Hour,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Issue signs a token for the given identity.
func (m *TokenManager) Issue(c Claims) (string, error) {
	now := m.now().UTC()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		UserID:   c.UserID,
		Username: c.Username,
		IsAdmin:  c.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	})
	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (m *TokenManager) Verify(raw string) (Claims, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(t *jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return m.now() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrTokenInvalid
	}
	if claims.UserID <= 0 {
		return Claims{}, ErrTokenInvalid
	}
	return Claims{
		UserID:   claims.UserID,
		Username: claims.Username,
		IsAdmin:  claims.IsAdmin,
	}, nil
}
