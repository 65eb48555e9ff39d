package domain

import "errors"

// ErrUnauthenticated is returned when an operation needs a token and none is
// held, or when the session was torn down while the operation waited.
var ErrUnauthenticated = errors.New("unauthenticated")

// Credentials is the token pair owned by the credential store.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// IsZero reports whether neither token is present.
func (c Credentials) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}
