// Package token provides client-side JWT handling: claim inspection for
// scheduling and a refresher that renews the bearer token before it expires.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the JWT claims the chat service issues.
type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// Inspect parses a JWT without verifying its signature and returns its
// claims. The client never holds the signing key; verification is the
// server's job during the handshake.
func Inspect(raw string) (*Claims, error) {
	var claims Claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// ExpiresIn returns the time until the token expires. The second return is
// false when the token cannot be parsed or carries no expiry claim.
func ExpiresIn(raw string) (time.Duration, bool) {
	claims, err := Inspect(raw)
	if err != nil || claims.ExpiresAt == nil {
		return 0, false
	}
	return time.Until(claims.ExpiresAt.Time), true
}
