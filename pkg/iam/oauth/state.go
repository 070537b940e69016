package oauth

import (
	"strings"

	"github.com/truxeio/truxe/pkg/cryptox"
)

// State tokens travel through the provider as an opaque query parameter:
// "<random id>.<hmac-sha256 hex>". The signature binds the id to this
// deployment; the id keys the persisted StateContext.

// NewStateToken mints a fresh state id and its signed wire form.
func NewStateToken(secret []byte) (id, wire string, err error) {
	id, err = cryptox.RandomToken(16)
	if err != nil {
		return "", "", err
	}
	return id, id + "." + cryptox.HMACSHA256Hex(secret, id), nil
}

// ParseStateToken validates the signature in constant time and returns the
// embedded id. Any malformed or mis-signed token is ErrStateInvalid; the
// caller cannot distinguish tampering from garbage.
func ParseStateToken(secret []byte, wire string) (string, error) {
	id, sig, ok := strings.Cut(wire, ".")
	if !ok || id == "" || sig == "" {
		return "", ErrStateInvalid()
	}
	if !cryptox.VerifyHMACSHA256Hex(secret, id, sig) {
		return "", ErrStateInvalid()
	}
	return id, nil
}
