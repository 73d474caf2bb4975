// Package auth authenticates API callers with HS256 bearer tokens.
//
// A token's subject is the caller's external agent ID. The "acct" claim names
// the operator account charged for fees and "role" gates arbiter and admin
// routes.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/agentcourt/internal/clock"
)

// Role is a caller's privilege level.
type Role string

const (
	RoleAgent   Role = "agent"
	RoleArbiter Role = "arbiter"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleAgent || r == RoleArbiter || r == RoleAdmin
}

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrInvalidRole  = errors.New("auth: invalid role")
)

// Claims is the token payload.
type Claims struct {
	AccountID string `json:"acct,omitempty"`
	Role      Role   `json:"role"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies tokens with a shared secret.
type Issuer struct {
	secret []byte
	issuer string
	clock  clock.Clock
}

// NewIssuer creates an issuer for secret.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret), issuer: "agentcourt", clock: clock.Real()}
}

// WithClock replaces the issuer's clock.
func (i *Issuer) WithClock(c clock.Clock) *Issuer {
	i.clock = c
	return i
}

// Issue returns a signed token for subject valid for ttl.
func (i *Issuer) Issue(subject, accountID string, role Role, ttl time.Duration) (string, error) {
	if !role.Valid() {
		return "", ErrInvalidRole
	}
	if subject == "" {
		return "", fmt.Errorf("auth: subject is required")
	}
	now := i.clock.Now()
	claims := Claims{
		AccountID: accountID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Parse verifies raw and returns its claims.
func (i *Issuer) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
