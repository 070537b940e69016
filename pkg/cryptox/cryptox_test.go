package cryptox_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/truxeio/truxe/pkg/cryptox"
)

// --- AES-GCM tests ---

func TestSealOpenRoundTrip(t *testing.T) {
	key := cryptox.DeriveKey32([]byte("configured-passphrase"))

	plaintext := "ya29.a0AfB_byD-provider-access-token"
	sealed, err := cryptox.SealString(key, plaintext)
	if err != nil {
		t.Fatalf("SealString failed: %v", err)
	}

	if sealed == plaintext {
		t.Fatal("sealed output equals plaintext")
	}

	opened, err := cryptox.OpenString(key, sealed)
	if err != nil {
		t.Fatalf("OpenString failed: %v", err)
	}
	if opened != plaintext {
		t.Fatalf("expected %q, got %q", plaintext, opened)
	}
}

func TestSealLayout(t *testing.T) {
	key := cryptox.DeriveKey32([]byte("k"))

	sealed, err := cryptox.Seal(key, []byte("payload"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	// nonce(12) + tag(16) + ciphertext(len(plaintext))
	if want := 12 + 16 + len("payload"); len(sealed) != want {
		t.Fatalf("expected sealed length %d, got %d", want, len(sealed))
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	key := cryptox.DeriveKey32([]byte("k"))

	sealed, err := cryptox.SealString(key, "secret")
	if err != nil {
		t.Fatalf("SealString failed: %v", err)
	}

	raw, _ := base64.RawURLEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.RawURLEncoding.EncodeToString(raw)

	if _, err := cryptox.OpenString(key, tampered); err == nil {
		t.Fatal("expected tampered ciphertext to be rejected")
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	sealed, err := cryptox.SealString(cryptox.DeriveKey32([]byte("key-a")), "secret")
	if err != nil {
		t.Fatalf("SealString failed: %v", err)
	}
	if _, err := cryptox.OpenString(cryptox.DeriveKey32([]byte("key-b")), sealed); err == nil {
		t.Fatal("expected wrong key to be rejected")
	}
}

func TestDeriveKey32(t *testing.T) {
	short := cryptox.DeriveKey32([]byte("short"))
	if len(short) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(short))
	}

	exact := make([]byte, 32)
	for i := range exact {
		exact[i] = byte(i)
	}
	derived := cryptox.DeriveKey32(exact)
	for i := range exact {
		if derived[i] != exact[i] {
			t.Fatal("expected exact 32-byte material to pass through unchanged")
		}
	}

	// Deterministic for the same input.
	again := cryptox.DeriveKey32([]byte("short"))
	for i := range short {
		if short[i] != again[i] {
			t.Fatal("expected derivation to be deterministic")
		}
	}
}

// --- HMAC tests ---

func TestHMACVerify(t *testing.T) {
	key := []byte("state-secret")
	sig := cryptox.HMACSHA256Hex(key, "random-state-id")

	if !cryptox.VerifyHMACSHA256Hex(key, "random-state-id", sig) {
		t.Fatal("expected valid signature to verify")
	}
	if cryptox.VerifyHMACSHA256Hex(key, "other-id", sig) {
		t.Fatal("expected signature over different data to fail")
	}
	if cryptox.VerifyHMACSHA256Hex([]byte("other-key"), "random-state-id", sig) {
		t.Fatal("expected signature under different key to fail")
	}
	if cryptox.VerifyHMACSHA256Hex(key, "random-state-id", "zz-not-hex") {
		t.Fatal("expected non-hex signature to fail")
	}
}

// --- Argon2id tests ---

func TestArgon2idRoundTrip(t *testing.T) {
	encoded, err := cryptox.HashArgon2id("magic-link-token")
	if err != nil {
		t.Fatalf("HashArgon2id failed: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$") {
		t.Fatalf("expected PHC encoding, got %q", encoded)
	}

	ok, err := cryptox.VerifyArgon2id("magic-link-token", encoded)
	if err != nil {
		t.Fatalf("VerifyArgon2id failed: %v", err)
	}
	if !ok {
		t.Fatal("expected matching secret to verify")
	}

	ok, err = cryptox.VerifyArgon2id("wrong-token", encoded)
	if err != nil {
		t.Fatalf("VerifyArgon2id failed: %v", err)
	}
	if ok {
		t.Fatal("expected wrong secret to fail verification")
	}
}

func TestArgon2idUniqueSalts(t *testing.T) {
	a, err := cryptox.HashArgon2id("same-secret")
	if err != nil {
		t.Fatalf("HashArgon2id failed: %v", err)
	}
	b, err := cryptox.HashArgon2id("same-secret")
	if err != nil {
		t.Fatalf("HashArgon2id failed: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct salts to produce distinct encodings")
	}
}

func TestVerifyArgon2idRejectsGarbage(t *testing.T) {
	if _, err := cryptox.VerifyArgon2id("secret", "not-a-phc-string"); err == nil {
		t.Fatal("expected malformed hash to error")
	}
}

// --- Random token tests ---

func TestRandomToken(t *testing.T) {
	tok, err := cryptox.RandomToken(32)
	if err != nil {
		t.Fatalf("RandomToken failed: %v", err)
	}
	// 32 bytes -> 43 base64url chars, no padding.
	if len(tok) != 43 {
		t.Fatalf("expected 43 chars, got %d", len(tok))
	}
	if strings.Contains(tok, "=") {
		t.Fatal("expected unpadded encoding")
	}

	other, _ := cryptox.RandomToken(32)
	if tok == other {
		t.Fatal("expected successive tokens to differ")
	}
}

func TestRandomAlphanum(t *testing.T) {
	id, err := cryptox.RandomAlphanum(12)
	if err != nil {
		t.Fatalf("RandomAlphanum failed: %v", err)
	}
	if len(id) != 12 {
		t.Fatalf("expected 12 chars, got %d", len(id))
	}
	for _, r := range id {
		if !strings.ContainsRune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789", r) {
			t.Fatalf("unexpected character %q", r)
		}
	}
}

// --- Signing key tests ---

func TestParseSigningKeyRSA(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(rsaKey)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	signer, err := cryptox.ParseSigningKeyPEM(keyPEM)
	if err != nil {
		t.Fatalf("ParseSigningKeyPEM failed: %v", err)
	}

	alg, err := cryptox.AlgorithmForKey(signer)
	if err != nil {
		t.Fatalf("AlgorithmForKey failed: %v", err)
	}
	if alg != "RS256" {
		t.Fatalf("expected RS256, got %s", alg)
	}
}

func TestParseSigningKeyEC(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(ecKey)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

	signer, err := cryptox.ParseSigningKeyPEM(keyPEM)
	if err != nil {
		t.Fatalf("ParseSigningKeyPEM failed: %v", err)
	}

	alg, err := cryptox.AlgorithmForKey(signer)
	if err != nil {
		t.Fatalf("AlgorithmForKey failed: %v", err)
	}
	if alg != "ES256" {
		t.Fatalf("expected ES256, got %s", alg)
	}
}

func TestDeriveKIDStable(t *testing.T) {
	signer, err := cryptox.GenerateRSASigningKey()
	if err != nil {
		t.Fatalf("GenerateRSASigningKey failed: %v", err)
	}

	kid1, err := cryptox.DeriveKID(signer)
	if err != nil {
		t.Fatalf("DeriveKID failed: %v", err)
	}
	kid2, err := cryptox.DeriveKID(signer)
	if err != nil {
		t.Fatalf("DeriveKID failed: %v", err)
	}
	if kid1 != kid2 {
		t.Fatal("expected kid to be deterministic for the same key")
	}
	if kid1 == "" {
		t.Fatal("expected non-empty kid")
	}

	other, _ := cryptox.GenerateRSASigningKey()
	otherKID, _ := cryptox.DeriveKID(other)
	if kid1 == otherKID {
		t.Fatal("expected different keys to yield different kids")
	}
}

func TestParseSigningKeyRejectsGarbage(t *testing.T) {
	if _, err := cryptox.ParseSigningKeyPEM([]byte("not pem at all")); err == nil {
		t.Fatal("expected parse failure")
	}
}
