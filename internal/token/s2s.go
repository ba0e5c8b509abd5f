package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"time"
)

// DefaultClockSkew bounds how far an S2S timestamp may drift from the server
// clock in either direction before the request is rejected as a replay.
const DefaultClockSkew = 60 * time.Second

// S2SValidator signs and verifies service-to-service request signatures.
//
// Signature = Base64(HMAC-SHA256(serviceID + ":" + timestamp, sharedSecret)).
// Validation rejects stale timestamps first, then compares signatures in
// constant time. No database lookup is involved.
type S2SValidator struct {
	secret []byte
	skew   time.Duration
}

// NewS2SValidator fails immediately on an empty shared secret; a zero-length
// HMAC key would silently produce weak signatures.
func NewS2SValidator(sharedSecret string, skew time.Duration) (*S2SValidator, error) {
	if sharedSecret == "" {
		return nil, errors.New("s2s shared secret must not be empty")
	}
	if skew <= 0 {
		skew = DefaultClockSkew
	}
	return &S2SValidator{secret: []byte(sharedSecret), skew: skew}, nil
}

// Sign computes the signature for a service id and epoch-seconds timestamp.
func (v *S2SValidator) Sign(serviceID string, timestamp int64) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(serviceID + ":" + strconv.FormatInt(timestamp, 10)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Validate fails closed on stale or future timestamps, then recomputes the
// expected signature and compares with hmac.Equal. A length mismatch is
// rejected up front; length is not secret.
func (v *S2SValidator) Validate(signature, serviceID string, timestamp int64) bool {
	now := time.Now().Unix()
	delta := now - timestamp
	if delta < 0 {
		delta = -delta
	}
	if delta > int64(v.skew/time.Second) {
		return false
	}

	expected := v.Sign(serviceID, timestamp)
	return hmac.Equal([]byte(expected), []byte(signature))
}
