// Package auth issues and verifies session tokens, hashes account passwords and
// tracks revoked tokens.
package auth

import (
	"errors"
	"net/http"
	"strings"
)

// CookieName is the cookie that carries the session token.
const CookieName = "token"

var (
	// ErrMissingToken indicates the request carried no token at all.
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken indicates the token failed signature or claim validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenRevoked indicates the token was valid but has been logged out.
	ErrTokenRevoked = errors.New("token revoked")
)

// Identity is the authenticated user bound to a token.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// TokenFromRequest returns the session token from the token cookie, falling back
// to an Authorization bearer header. Returns "" when neither is present.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
