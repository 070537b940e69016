package cryptox

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"

	"github.com/go-jose/go-jose/v4"

	"github.com/truxeio/truxe/pkg/errx"
)

// ParseSigningKeyPEM parses an RSA or ECDSA private key from PEM bytes.
// PKCS1, PKCS8 and SEC1 encodings are accepted.
func ParseSigningKeyPEM(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, cryptoErrors.New(ErrPEMInvalid)
	}

	if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return rsaKey, nil
	}
	if ecKey, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return ecKey, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, cryptoErrors.NewWithCause(ErrPEMInvalid, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, cryptoErrors.New(ErrUnsupportedKeyType)
	}
	return signer, nil
}

// LoadSigningKeyFile reads and parses a private key PEM file.
func LoadSigningKeyFile(path string) (crypto.Signer, error) {
	keyPEM, err := os.ReadFile(path) // #nosec G304 - path comes from deployment config
	if err != nil {
		return nil, errx.Wrap(err, "failed to read signing key file", errx.TypeInternal).
			WithDetail("path", path)
	}
	return ParseSigningKeyPEM(keyPEM)
}

// GenerateRSASigningKey creates an ephemeral RSA-2048 key. Intended for
// development; production deployments configure persistent key material.
func GenerateRSASigningKey() (crypto.Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errx.Wrap(err, "failed to generate RSA key", errx.TypeInternal)
	}
	return key, nil
}

// DeriveKID computes the key id as the RFC 7638 JWK thumbprint of the public
// key, base64url encoded without padding.
func DeriveKID(key crypto.Signer) (string, error) {
	jwk := jose.JSONWebKey{Key: key.Public()}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", errx.Wrap(err, "failed to compute key thumbprint", errx.TypeInternal)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// AlgorithmForKey returns the JWT signing algorithm matching the key type.
func AlgorithmForKey(key crypto.Signer) (string, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return "RS256", nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return "ES256", nil
		case elliptic.P384():
			return "ES384", nil
		case elliptic.P521():
			return "ES512", nil
		default:
			return "", cryptoErrors.New(ErrUnsupportedKeyType).WithDetail("curve", k.Curve.Params().Name)
		}
	default:
		return "", cryptoErrors.New(ErrUnsupportedKeyType)
	}
}

// PublicJWK builds the public JWK entry served at the JWKS endpoint.
func PublicJWK(key crypto.Signer, kid, alg string) jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       key.Public(),
		KeyID:     kid,
		Algorithm: alg,
		Use:       "sig",
	}
}
