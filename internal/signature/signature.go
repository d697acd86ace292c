// Package signature verifies processor webhook signatures: an
// HMAC-SHA256 over "<timestamp>.<body>" keyed with the shared secret,
// carried in the X-Yuno-Signature / X-Yuno-Timestamp headers.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	SignatureHeader = "X-Yuno-Signature"
	TimestampHeader = "X-Yuno-Timestamp"

	MaxAge        = 300 * time.Second
	MaxFutureSkew = 30 * time.Second
)

var (
	ErrMissingSignature = errors.New("missing or empty signature header")
	ErrInvalidTimestamp = errors.New("invalid timestamp header")
	ErrExpired          = errors.New("signature expired")
	ErrFutureSkew       = errors.New("timestamp too far in the future")
	ErrMismatch         = errors.New("signature mismatch")
)

// Verifier checks webhook authenticity and freshness. It holds no state
// beyond the secret and performs no I/O.
type Verifier struct {
	secret string
	now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret, now: time.Now}
}

// NewVerifierAt builds a verifier with an injected clock, for tests.
func NewVerifierAt(secret string, now func() time.Time) *Verifier {
	return &Verifier{secret: secret, now: now}
}

// Verify validates sig against the raw request body and its unix-epoch
// timestamp header value. Comparison is constant-time.
func (v *Verifier) Verify(sig, timestampStr string, body []byte) error {
	if sig == "" {
		return ErrMissingSignature
	}

	ts, err := strconv.ParseInt(timestampStr, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTimestamp, timestampStr)
	}

	age := v.now().Unix() - ts
	if age > int64(MaxAge.Seconds()) {
		return fmt.Errorf("%w: %ds old (max %s)", ErrExpired, age, MaxAge)
	}
	if -age > int64(MaxFutureSkew.Seconds()) {
		return fmt.Errorf("%w: %ds ahead", ErrFutureSkew, -age)
	}

	expected := Compute(v.secret, ts, body)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrMismatch
	}
	return nil
}

// Compute returns the lowercase-hex HMAC-SHA256 of "<timestamp>.<body>".
func Compute(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
