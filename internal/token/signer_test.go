package token

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/thehive/identity-service/pkg/errors"
)

func testSecret() string {
	return base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func newTestSigner(t *testing.T, ttl time.Duration) *Signer {
	t.Helper()
	s, err := NewSigner(testSecret(), ttl, "identity-service")
	require.NoError(t, err)
	return s
}

func TestNewSignerRejectsWeakKey(t *testing.T) {
	short := base64.StdEncoding.EncodeToString([]byte("too-short"))
	_, err := NewSigner(short, time.Minute, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "256 bits")
}

func TestNewSignerRejectsInvalidBase64(t *testing.T) {
	_, err := NewSigner("%%%not-base64%%%", time.Minute, "")
	require.Error(t, err)
}

func TestIssueAndParseRoundTrip(t *testing.T) {
	s := newTestSigner(t, time.Hour)

	signed, err := s.Issue(map[string]any{"id": int64(42), "email": "a@x.com"}, "a@x.com", []string{"ROLE_USER", "ROLE_ORGANIZER"})
	require.NoError(t, err)

	claims, err := s.Parse(signed)
	require.NoError(t, err)

	sub, err := claims.GetSubject()
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", sub)
	assert.Equal(t, "a@x.com", claims["email"])

	roles, ok := claims["roles"].([]any)
	require.True(t, ok)
	assert.Len(t, roles, 2)
	assert.Equal(t, "ROLE_USER", roles[0])

	id, err := s.ExtractInt64(signed, "id")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestParseExpiredToken(t *testing.T) {
	s := newTestSigner(t, -time.Minute)

	signed, err := s.Issue(map[string]any{"id": int64(1)}, "a@x.com", nil)
	require.NoError(t, err)

	_, err = s.Parse(signed)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrTokenExpired), "expired token must fail with TOKEN_EXPIRED, got %v", err)
}

func TestParseAllowExpiredStillVerifiesSignature(t *testing.T) {
	s := newTestSigner(t, -time.Minute)

	signed, err := s.Issue(map[string]any{"id": int64(7)}, "a@x.com", nil)
	require.NoError(t, err)

	// Expired but parseable: logout relies on this.
	id, err := s.ExtractInt64(signed, "id")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	// A tampered signature is rejected even when expiry is ignored.
	tampered := signed[:len(signed)-2] + flipChar(signed[len(signed)-2:len(signed)-1]) + signed[len(signed)-1:]
	_, err = s.ParseAllowExpired(tampered)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrTokenInvalid))
}

func TestParseRejectsMutatedSignature(t *testing.T) {
	s := newTestSigner(t, time.Hour)

	signed, err := s.Issue(nil, "a@x.com", []string{"ROLE_USER"})
	require.NoError(t, err)

	sigStart := strings.LastIndex(signed, ".") + 1
	for i := sigStart; i < len(signed); i++ {
		mutated := signed[:i] + flipChar(signed[i:i+1]) + signed[i+1:]
		_, err := s.Parse(mutated)
		assert.Error(t, err, "mutation at position %d must be rejected", i)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	s := newTestSigner(t, time.Hour)

	for _, tokenString := range []string{"", "not-a-jwt", "a.b", "a.b.c.d"} {
		_, err := s.Parse(tokenString)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrTokenInvalid), "garbage %q must fail with TOKEN_INVALID", tokenString)
	}
}

func TestParseRejectsWrongKey(t *testing.T) {
	s := newTestSigner(t, time.Hour)
	other, err := NewSigner(base64.StdEncoding.EncodeToString([]byte("fedcba9876543210fedcba9876543210")), time.Hour, "")
	require.NoError(t, err)

	signed, err := other.Issue(nil, "a@x.com", nil)
	require.NoError(t, err)

	_, err = s.Parse(signed)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrTokenInvalid))
}

func TestIsValid(t *testing.T) {
	s := newTestSigner(t, time.Hour)

	signed, err := s.Issue(nil, "a@x.com", nil)
	require.NoError(t, err)

	ok, err := s.IsValid(signed, "a@x.com")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsValid(signed, "b@x.com")
	require.NoError(t, err)
	assert.False(t, ok)

	// Expired: false without an error.
	expiredSigner := newTestSigner(t, -time.Minute)
	expired, err := expiredSigner.Issue(nil, "a@x.com", nil)
	require.NoError(t, err)
	ok, err = expiredSigner.IsValid(expired, "a@x.com")
	require.NoError(t, err)
	assert.False(t, ok)

	// Malformed: the error propagates.
	_, err = s.IsValid("garbage", "a@x.com")
	require.Error(t, err)
}

func TestExtractSubject(t *testing.T) {
	s := newTestSigner(t, time.Hour)

	signed, err := s.Issue(nil, "subject@x.com", nil)
	require.NoError(t, err)

	sub, err := s.ExtractSubject(signed)
	require.NoError(t, err)
	assert.Equal(t, "subject@x.com", sub)
}

// flipChar returns a different base64url character than the input.
func flipChar(c string) string {
	if c == "A" {
		return "B"
	}
	return "A"
}
