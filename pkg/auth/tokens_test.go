package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokens(t *testing.T) *Tokens {
	t.Helper()
	tokens, err := NewTokens([]byte("test-secret"), time.Hour, NewMemoryRevocations())
	require.NoError(t, err)
	return tokens
}

func TestNewTokens_EmptySecret(t *testing.T) {
	_, err := NewTokens(nil, time.Hour, nil)
	assert.Error(t, err)
}

func TestIssueAndVerify(t *testing.T) {
	tokens := newTestTokens(t)
	want := Identity{UserID: "42", Username: "alice"}

	token, exp, err := tokens.Issue(want)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	got, err := tokens.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestVerify_Failures(t *testing.T) {
	tokens := newTestTokens(t)
	other, err := NewTokens([]byte("other-secret"), time.Hour, nil)
	require.NoError(t, err)
	foreign, _, err := other.Issue(Identity{UserID: "1", Username: "mallory"})
	require.NoError(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID:   "1",
		Username: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	expiredToken, err := expired.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	noUser := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{Username: "ghost"})
	noUserToken, err := noUser.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"empty", "", ErrMissingToken},
		{"garbage", "not.a.jwt", ErrInvalidToken},
		{"wrong secret", foreign, ErrInvalidToken},
		{"expired", expiredToken, ErrInvalidToken},
		{"missing user id", noUserToken, ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tokens.Verify(context.Background(), tt.token)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerify_RejectsNoneAlgorithm(t *testing.T) {
	tokens := newTestTokens(t)
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, claims{UserID: "1", Username: "alice"})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = tokens.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRevoke(t *testing.T) {
	tokens := newTestTokens(t)
	ctx := context.Background()

	token, _, err := tokens.Issue(Identity{UserID: "7", Username: "bob"})
	require.NoError(t, err)
	keep, _, err := tokens.Issue(Identity{UserID: "8", Username: "carol"})
	require.NoError(t, err)

	require.NoError(t, tokens.Revoke(ctx, token))

	_, err = tokens.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	_, err = tokens.Verify(ctx, keep)
	assert.NoError(t, err)

	// Revoking garbage reports the parse failure
	assert.ErrorIs(t, tokens.Revoke(ctx, "garbage"), ErrInvalidToken)
}

func TestMemoryRevocations_Expiry(t *testing.T) {
	m := NewMemoryRevocations()
	ctx := context.Background()

	require.NoError(t, m.Revoke(ctx, "past", time.Now().Add(-time.Second)))
	require.NoError(t, m.Revoke(ctx, "future", time.Now().Add(time.Hour)))

	revoked, err := m.IsRevoked(ctx, "past")
	require.NoError(t, err)
	assert.False(t, revoked)

	revoked, err = m.IsRevoked(ctx, "future")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestHashToken(t *testing.T) {
	assert.Equal(t, HashToken("abc"), HashToken("abc"))
	assert.NotEqual(t, HashToken("abc"), HashToken("abd"))
	assert.Contains(t, HashToken("abc"), "sha256:")
}

func TestTokenFromRequest(t *testing.T) {
	t.Run("cookie", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Cookie", "theme=dark; token=abc.def.ghi")
		assert.Equal(t, "abc.def.ghi", TokenFromRequest(r))
	})

	t.Run("bearer header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Authorization", "Bearer xyz")
		assert.Equal(t, "xyz", TokenFromRequest(r))
	})

	t.Run("cookie wins over header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Cookie", "token=from-cookie")
		r.Header.Set("Authorization", "Bearer from-header")
		assert.Equal(t, "from-cookie", TokenFromRequest(r))
	})

	t.Run("absent", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		assert.Equal(t, "", TokenFromRequest(r))
	})
}
