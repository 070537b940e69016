package cryptox

import "github.com/truxeio/truxe/pkg/errx"

var cryptoErrors = errx.NewRegistry("CRYPTO")

var (
	ErrKeyInvalid         = cryptoErrors.Register("KEY_INVALID", errx.TypeInternal, 500, "Encryption key material is invalid")
	ErrCiphertextInvalid  = cryptoErrors.Register("CIPHERTEXT_INVALID", errx.TypeValidation, 400, "Ciphertext is malformed or has been tampered with")
	ErrHashInvalid        = cryptoErrors.Register("HASH_INVALID", errx.TypeInternal, 500, "Stored hash is malformed")
	ErrPEMInvalid         = cryptoErrors.Register("PEM_INVALID", errx.TypeInternal, 500, "PEM block could not be decoded")
	ErrUnsupportedKeyType = cryptoErrors.Register("UNSUPPORTED_KEY_TYPE", errx.TypeInternal, 500, "Signing key type is not supported")
)
