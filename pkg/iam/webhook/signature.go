package webhook

import (
	"crypto/hmac"
	"strconv"
	"time"

	"github.com/truxeio/truxe/pkg/cryptox"
	"github.com/truxeio/truxe/pkg/errx"
)

// Signature headers carried on every outbound delivery.
const (
	HeaderSignature  = "X-Webhook-Signature"
	HeaderTimestamp  = "X-Webhook-Timestamp"
	HeaderDeliveryID = "X-Webhook-Delivery-Id"
	HeaderEvent      = "X-Webhook-Event"
)

// Sign computes the delivery signature: HMAC-SHA-256 over
// "<unix-ts>.<body>", hex encoded with a scheme prefix. The timestamp binds
// the signature to the send instant so receivers can reject replays.
func Sign(secret string, timestamp time.Time, body []byte) string {
	signed := strconv.FormatInt(timestamp.Unix(), 10) + "." + string(body)
	return "sha256=" + cryptox.HMACSHA256Hex([]byte(secret), signed)
}

// VerifySignature is the receiver-side check. It recomputes the HMAC from the
// raw body and the timestamp header and compares in constant time; timestamps
// outside the tolerance window fail even with a valid MAC.
func VerifySignature(secret, signature, timestampHeader string, body []byte, tolerance time.Duration, now time.Time) error {
	unix, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return ErrSignatureInvalid().WithDetail("reason", "bad timestamp")
	}
	sent := time.Unix(unix, 0)

	drift := now.Sub(sent)
	if drift < 0 {
		drift = -drift
	}
	if tolerance > 0 && drift > tolerance {
		return ErrSignatureInvalid().WithDetail("reason", "timestamp outside tolerance").
			WithDetail("drift", drift.String())
	}

	expected := Sign(secret, sent, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureInvalid().WithDetail("reason", "mac mismatch")
	}
	return nil
}

// NewSecret generates a fresh endpoint signing secret.
func NewSecret() (string, error) {
	token, err := cryptox.RandomToken(24)
	if err != nil {
		return "", errx.Wrap(err, "failed to generate webhook secret", errx.TypeInternal)
	}
	return SecretPrefix + token, nil
}
