// Package cryptox collects the crypto primitives shared by the IAM domains:
// AES-256-GCM sealing for provider tokens and webhook secrets, HMAC-SHA256
// signatures for OAuth state and webhook bodies, Argon2id hashing for
// magic-link tokens, random token generation, and signing-key handling
// (PEM loading, key-id derivation, algorithm selection) for the token service.
package cryptox

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"

	"github.com/truxeio/truxe/pkg/errx"
)

const alphanum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomToken returns n random bytes encoded as unpadded base64url.
// 32 bytes yields a 256-bit token (43 characters).
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", errx.Wrap(err, "failed to read random bytes", errx.TypeInternal)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// RandomAlphanum returns a random alphanumeric string of length n.
// Used for key ids and other identifiers that must survive copy-paste.
func RandomAlphanum(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", errx.Wrap(err, "failed to read random bytes", errx.TypeInternal)
	}
	for i := range b {
		b[i] = alphanum[int(b[i])%len(alphanum)]
	}
	return string(b), nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HMACSHA256 computes the raw HMAC-SHA256 of data under key.
func HMACSHA256(key []byte, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// HMACSHA256Hex computes the lowercase hex HMAC-SHA256 of data under key.
func HMACSHA256Hex(key []byte, data string) string {
	return hex.EncodeToString(HMACSHA256(key, []byte(data)))
}

// VerifyHMACSHA256Hex reports whether wantHex is the HMAC of data under key.
// Comparison is constant-time.
func VerifyHMACSHA256Hex(key []byte, data, wantHex string) bool {
	want, err := hex.DecodeString(wantHex)
	if err != nil {
		return false
	}
	return hmac.Equal(HMACSHA256(key, []byte(data)), want)
}

// ConstantTimeEquals compares two strings without leaking the position of the
// first differing byte.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
