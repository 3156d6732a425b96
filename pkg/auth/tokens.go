package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is used when no TTL is configured.
const DefaultTokenTTL = time.Hour

type claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies HMAC session tokens.
type Tokens struct {
	secret      []byte
	ttl         time.Duration
	revocations Revocations
}

// NewTokens creates a token service. revocations may be nil, in which case
// logout cannot invalidate tokens before they expire.
func NewTokens(secret []byte, ttl time.Duration, revocations Revocations) (*Tokens, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Tokens{secret: secret, ttl: ttl, revocations: revocations}, nil
}

// HashToken returns the key under which a token is revoked.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Issue signs a token for the identity and returns it with its expiry.
func (t *Tokens) Issue(id Identity) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(t.ttl)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID:   id.UserID,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := tok.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify validates the token and returns the identity it was issued for.
// Failures wrap ErrMissingToken, ErrInvalidToken or ErrTokenRevoked.
func (t *Tokens) Verify(ctx context.Context, token string) (Identity, error) {
	c, err := t.parse(token)
	if err != nil {
		return Identity{}, err
	}

	if t.revocations != nil {
		revoked, err := t.revocations.IsRevoked(ctx, HashToken(token))
		if err != nil {
			return Identity{}, fmt.Errorf("failed to check revocation: %w", err)
		}
		if revoked {
			return Identity{}, ErrTokenRevoked
		}
	}

	return Identity{UserID: c.UserID, Username: c.Username}, nil
}

// Revoke invalidates a still-valid token until its natural expiry.
func (t *Tokens) Revoke(ctx context.Context, token string) error {
	if t.revocations == nil {
		return nil
	}
	c, err := t.parse(token)
	if err != nil {
		return err
	}
	until := time.Now().Add(t.ttl)
	if c.ExpiresAt != nil {
		until = c.ExpiresAt.Time
	}
	return t.revocations.Revoke(ctx, HashToken(token), until)
}

func (t *Tokens) parse(token string) (*claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	c := &claims{}
	parsed, err := jwt.ParseWithClaims(token, c, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || c.UserID == "" {
		return nil, ErrInvalidToken
	}
	return c, nil
}
