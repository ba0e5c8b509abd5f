package token

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/thehive/identity-service/pkg/errors"
)

// minKeyBytes enforces a 256-bit minimum for the HS256 signing key.
const minKeyBytes = 32

// Signer issues and verifies access tokens. It is a pure function of its
// inputs plus the configured key and TTL; revocation happens in the denylist,
// never by mutating an issued token.
type Signer struct {
	key    []byte
	ttl    time.Duration
	issuer string
}

// NewSigner decodes the base64 signing secret and validates its strength.
func NewSigner(base64Secret string, ttl time.Duration, issuer string) (*Signer, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}
	if len(key) < minKeyBytes {
		return nil, fmt.Errorf("signing key is %d bytes, need at least %d (256 bits)", len(key), minKeyBytes)
	}
	return &Signer{key: key, ttl: ttl, issuer: issuer}, nil
}

// TTL returns the configured access-token lifetime.
func (s *Signer) TTL() time.Duration {
	return s.ttl
}

// Issue signs a token carrying the extra claims, a roles claim derived from
// authorities, the subject and iat/exp timestamps. Roles ride inside the
// token so downstream services can authorize without a database round trip.
func (s *Signer) Issue(extraClaims map[string]any, subject string, authorities []string) (string, error) {
	now := time.Now()

	claims := jwt.MapClaims{}
	for k, v := range extraClaims {
		claims[k] = v
	}
	claims["roles"] = authorities
	claims["sub"] = subject
	claims["iat"] = jwt.NewNumericDate(now)
	claims["exp"] = jwt.NewNumericDate(now.Add(s.ttl))
	if s.issuer != "" {
		claims["iss"] = s.issuer
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Parse verifies the signature and standard claims. Expired tokens fail with
// ErrTokenExpired; anything else structural fails with ErrTokenInvalid so
// callers can map the two conditions to different HTTP semantics.
func (s *Signer) Parse(tokenString string) (jwt.MapClaims, error) {
	return s.parse(tokenString, false)
}

// ParseAllowExpired verifies the signature but skips expiry validation.
// Logout must still be able to denylist a token that has already expired.
func (s *Signer) ParseAllowExpired(tokenString string) (jwt.MapClaims, error) {
	return s.parse(tokenString, true)
}

func (s *Signer) parse(tokenString string, allowExpired bool) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if allowExpired {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.key, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.Wrap(err, apperrors.ErrTokenExpired.Code, apperrors.ErrTokenExpired.Status, apperrors.ErrTokenExpired.Message)
		}
		return nil, apperrors.Wrap(err, apperrors.ErrTokenInvalid.Code, apperrors.ErrTokenInvalid.Status, apperrors.ErrTokenInvalid.Message)
	}
	return claims, nil
}

// ExtractSubject returns the subject of a valid token.
func (s *Signer) ExtractSubject(tokenString string) (string, error) {
	claims, err := s.Parse(tokenString)
	if err != nil {
		return "", err
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrTokenInvalid.Code, apperrors.ErrTokenInvalid.Status, "token has no subject")
	}
	return sub, nil
}

// ExtractInt64 reads a numeric claim from a token, accepting it even when
// expired as long as the signature verifies.
func (s *Signer) ExtractInt64(tokenString, name string) (int64, error) {
	claims, err := s.ParseAllowExpired(tokenString)
	if err != nil {
		return 0, err
	}
	return numericClaim(claims, name)
}

// IsValid reports whether the token belongs to the expected subject and is
// not expired. Expiry yields (false, nil); malformed tokens and signature
// failures propagate as errors.
func (s *Signer) IsValid(tokenString, expectedSubject string) (bool, error) {
	claims, err := s.Parse(tokenString)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrTokenExpired) {
			return false, nil
		}
		return false, err
	}
	sub, subErr := claims.GetSubject()
	if subErr != nil {
		return false, nil
	}
	return sub == expectedSubject, nil
}

func numericClaim(claims jwt.MapClaims, name string) (int64, error) {
	raw, ok := claims[name]
	if !ok {
		return 0, apperrors.Clone(apperrors.ErrTokenInvalid, fmt.Sprintf("token has no %q claim", name))
	}
	switch v := raw.(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, apperrors.Clone(apperrors.ErrTokenInvalid, fmt.Sprintf("claim %q is not numeric", name))
	}
}
