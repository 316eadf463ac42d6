// Package signature signs outbound webhook bodies and verifies them on the receiving side.
//
// The signed message is "<timestamp>.<body>" where timestamp is the decimal unix
// millisecond value sent in X-Webhook-Timestamp. The header value is "sha256=<hex>".
package signature

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const prefix = "sha256="

var (
	ErrMissingHeader    = errors.New("signature: missing header")
	ErrMalformedHeader  = errors.New("signature: malformed header")
	ErrMismatch         = errors.New("signature: mismatch")
	ErrTimestampSkew    = errors.New("signature: timestamp outside tolerance")
	ErrInvalidTimestamp = errors.New("signature: invalid timestamp")
)

// Sign returns the lowercase hex HMAC-SHA-256 of "<timestamp>.<body>"
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Header formats a signature for X-Webhook-Signature
func Header(sig string) string {
	return prefix + sig
}

// Timestamp formats t as unix milliseconds
func Timestamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Verify checks header against body and timestamp. A zero tolerance disables the skew check.
func Verify(secret, timestamp string, body []byte, header string, tolerance time.Duration, now time.Time) error {
	if header == "" {
		return ErrMissingHeader
	}
	got, ok := strings.CutPrefix(header, prefix)
	if !ok || got == "" {
		return ErrMalformedHeader
	}
	if tolerance > 0 {
		ms, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return ErrInvalidTimestamp
		}
		skew := now.Sub(time.UnixMilli(ms))
		if skew < 0 {
			skew = -skew
		}
		if skew > tolerance {
			return ErrTimestampSkew
		}
	}
	want := Sign(secret, timestamp, body)
	if !hmac.Equal([]byte(strings.ToLower(got)), []byte(want)) {
		return ErrMismatch
	}
	return nil
}

// GenerateSecret returns 32 random bytes hex encoded
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
