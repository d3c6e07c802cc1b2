// Package auth implements the gateway's single shared-bearer-token check.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	gateway "github.com/eugener/gandalf/internal"
)

// ErrMissingToken is returned when the request carries no bearer token at all.
var ErrMissingToken = errors.New("missing bearer token")

// ErrInvalidToken is returned when the supplied token does not match.
var ErrInvalidToken = errors.New("invalid bearer token")

// TokenSource returns the current gateway bearer token. A func type, not an
// interface, so callers can pass secrets.Store.GatewayToken directly.
type TokenSource func() string

// BearerAuthenticator implements gateway.Authenticator by comparing the
// request's Authorization header against the gateway's shared token, read
// fresh on every request so a rotated token takes effect immediately.
type BearerAuthenticator struct {
	Token TokenSource
}

var _ gateway.Authenticator = (*BearerAuthenticator)(nil)

// Authenticate validates the Authorization: Bearer <token> header.
func (a *BearerAuthenticator) Authenticate(r *http.Request) error {
	want := a.Token()
	if want == "" {
		// No token configured yet (shouldn't happen once bootstrap has run);
		// fail closed rather than accept any request.
		return ErrInvalidToken
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return ErrMissingToken
	}
	got, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return ErrInvalidToken
	}
	return nil
}
