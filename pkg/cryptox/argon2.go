package cryptox

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/truxeio/truxe/pkg/errx"
)

// Argon2id parameters. RFC 9106 first-choice profile scaled for interactive
// verification of single-use tokens.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// HashArgon2id hashes secret with Argon2id and returns a PHC-encoded string
// ($argon2id$v=19$m=...,t=...,p=...$salt$hash) carrying its own parameters.
func HashArgon2id(secret string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", errx.Wrap(err, "failed to generate salt", errx.TypeInternal)
	}

	key := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyArgon2id reports whether secret matches the PHC-encoded hash.
// The parameters embedded in the hash are honored so stored hashes survive
// parameter upgrades.
func VerifyArgon2id(secret, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, cryptoErrors.New(ErrHashInvalid).WithDetail("reason", "not a PHC argon2id string")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, cryptoErrors.NewWithCause(ErrHashInvalid, err)
	}
	if version != argon2.Version {
		return false, cryptoErrors.New(ErrHashInvalid).WithDetail("version", version)
	}

	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false, cryptoErrors.NewWithCause(ErrHashInvalid, err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, cryptoErrors.NewWithCause(ErrHashInvalid, err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, cryptoErrors.NewWithCause(ErrHashInvalid, err)
	}

	got := argon2.IDKey([]byte(secret), salt, time, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
