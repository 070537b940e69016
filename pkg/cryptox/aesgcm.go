package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/truxeio/truxe/pkg/errx"
)

const (
	gcmNonceSize = 12
	gcmTagSize   = 16
)

// DeriveKey32 normalizes arbitrary key material to exactly 32 bytes.
// Material that is already 32 bytes is used as-is; anything else is
// SHA-256 hashed down (or up) to length so deployments can configure
// passphrases instead of raw keys.
func DeriveKey32(material []byte) []byte {
	if len(material) == 32 {
		out := make([]byte, 32)
		copy(out, material)
		return out
	}
	sum := sha256.Sum256(material)
	return sum[:]
}

// Seal encrypts plaintext with AES-256-GCM. The output layout is
// nonce(12) || tag(16) || ciphertext, which keeps the authentication tag
// adjacent to the nonce for storage-side inspection.
func Seal(key32, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key32)
	if err != nil {
		return nil, cryptoErrors.NewWithCause(ErrKeyInvalid, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, cryptoErrors.NewWithCause(ErrKeyInvalid, err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errx.Wrap(err, "failed to generate nonce", errx.TypeInternal)
	}

	// gcm.Seal appends ciphertext||tag; re-order to nonce||tag||ciphertext.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	out := make([]byte, 0, gcmNonceSize+gcmTagSize+len(ct))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

// Open decrypts data produced by Seal.
func Open(key32, data []byte) ([]byte, error) {
	if len(data) < gcmNonceSize+gcmTagSize {
		return nil, cryptoErrors.New(ErrCiphertextInvalid).WithDetail("reason", "too short")
	}
	block, err := aes.NewCipher(key32)
	if err != nil {
		return nil, cryptoErrors.NewWithCause(ErrKeyInvalid, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, cryptoErrors.NewWithCause(ErrKeyInvalid, err)
	}

	nonce := data[:gcmNonceSize]
	tag := data[gcmNonceSize : gcmNonceSize+gcmTagSize]
	ct := data[gcmNonceSize+gcmTagSize:]

	sealed := make([]byte, 0, len(ct)+gcmTagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, cryptoErrors.NewWithCause(ErrCiphertextInvalid, err)
	}
	return plaintext, nil
}

// SealString encrypts a string and returns unpadded base64url.
func SealString(key32 []byte, plaintext string) (string, error) {
	out, err := Seal(key32, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// OpenString reverses SealString.
func OpenString(key32 []byte, encoded string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", cryptoErrors.NewWithCause(ErrCiphertextInvalid, err).WithDetail("reason", "bad base64url")
	}
	plaintext, err := Open(key32, data)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
