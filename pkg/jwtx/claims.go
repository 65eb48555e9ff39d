package jwtx

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultExpirySkew is how long before expiry an access token is treated as
// already expired, so it is not rejected in flight.
const DefaultExpirySkew = 30 * time.Second

// ErrNotJWT is returned by PeekClaims for opaque tokens.
var ErrNotJWT = errors.New("jwtx: token is not a JWT")

// Claims are the access-token claims the client cares about. The server is
// the only party that verifies signatures; the client only reads them.
type Claims struct {
	jwt.RegisteredClaims

	// Role of the authenticated principal, e.g. "patient".
	Role string `json:"role,omitempty"`

	// Session ID
	SID string `json:"sid,omitempty"`
}

// PeekClaims decodes the claims of token without verifying its signature.
// Never use the result for an authorization decision.
func PeekClaims(token string) (*Claims, error) {
	var claims Claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotJWT, err)
	}
	return &claims, nil
}

// ExpiresWithin reports whether token carries an exp claim that falls before
// now+skew. Opaque tokens and tokens without exp return false: only the
// server can say they are expired.
func ExpiresWithin(token string, skew time.Duration, now time.Time) bool {
	claims, err := PeekClaims(token)
	if err != nil || claims.ExpiresAt == nil {
		return false
	}
	return !now.Add(skew).Before(claims.ExpiresAt.Time)
}

// Subject returns the sub claim, or "" when token is opaque.
func Subject(token string) string {
	claims, err := PeekClaims(token)
	if err != nil {
		return ""
	}
	return claims.Subject
}
