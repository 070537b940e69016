package apikey

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/truxeio/truxe/pkg/cryptox"
	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/kernel"
)

var (
	// ErrRegistry is the error registry for the apikey module
	ErrRegistry = errx.NewRegistry("APIKEY")

	// Error codes
	CodeAPIKeyNotFound = ErrRegistry.Register("NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "API key not found")
	CodeAPIKeyInvalid  = ErrRegistry.Register("INVALID", errx.TypeAuthorization, http.StatusUnauthorized, "API key is invalid")
	CodeAPIKeyExpired  = ErrRegistry.Register("EXPIRED", errx.TypeAuthorization, http.StatusUnauthorized, "API key has expired")
	CodeAPIKeyRevoked  = ErrRegistry.Register("REVOKED", errx.TypeAuthorization, http.StatusUnauthorized, "API key has been revoked")
)

// ErrAPIKeyNotFound creates a key not found error
func ErrAPIKeyNotFound() *errx.Error {
	return ErrRegistry.New(CodeAPIKeyNotFound)
}

// ErrAPIKeyInvalid creates an invalid key error
func ErrAPIKeyInvalid() *errx.Error {
	return ErrRegistry.New(CodeAPIKeyInvalid)
}

// ErrAPIKeyExpired creates an expired key error
func ErrAPIKeyExpired() *errx.Error {
	return ErrRegistry.New(CodeAPIKeyExpired)
}

// ErrAPIKeyRevoked creates a revoked key error
func ErrAPIKeyRevoked() *errx.Error {
	return ErrRegistry.New(CodeAPIKeyRevoked)
}

// Environment prefixes embedded in the cleartext key.
const (
	PrefixLive = "live"
	PrefixTest = "test"
)

// Tier selects the hourly rate-limit budget of a key.
type Tier string

const (
	TierStandard  Tier = "standard"
	TierElevated  Tier = "elevated"
	TierUnlimited Tier = "unlimited"
)

// APIKey is a machine credential. Only the SHA-256 of the secret is stored;
// the cleartext `<prefix>_<live|test>_<kid>_<secret>` is returned exactly
// once, at creation.
type APIKey struct {
	ID               string
	KID              string // short lookup id embedded in the cleartext
	ServiceAccountID kernel.ServiceAccountID
	TenantID         *kernel.TenantID
	Name             string
	SecretHash       string // SHA-256 hex of the secret part
	Prefix           string // live | test
	Permissions      []string
	RateLimitTier    Tier
	ExpiresAt        *time.Time
	RevokedAt        *time.Time
	LastUsedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsLive reports whether the key can authenticate requests.
func (k *APIKey) IsLive(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}

// AuthContext projects the key into the request-scoped identity.
func (k *APIKey) AuthContext() *kernel.AuthContext {
	said := k.ServiceAccountID
	ac := &kernel.AuthContext{
		ServiceAccountID: &said,
		Scopes:           k.Permissions,
		TokenType:        kernel.TokenTypeServiceAccount,
		JTI:              k.ID, // credential id, used by the usage trail
		RateLimitTier:    string(k.RateLimitTier),
	}
	if k.TenantID != nil {
		ac.TenantID = *k.TenantID
	}
	return ac
}

// UsageMeta is the request context attached to a verification.
type UsageMeta struct {
	Endpoint string
	IP       string
}

// Usage is a per-request usage event recorded asynchronously.
type Usage struct {
	KeyID      string
	Endpoint   string
	StatusCode int
	LatencyMS  int64
	IP         string
	At         time.Time
}

// Generated is the one-time creation result.
type Generated struct {
	KID       string
	Secret    string
	Cleartext string
}

// Generate mints a new cleartext key. The kid and secret are base62 so the
// underscore stays an unambiguous separator.
func Generate(appPrefix, envPrefix string, kidLength, secretBytes int) (*Generated, error) {
	kid, err := cryptox.RandomAlphanum(kidLength)
	if err != nil {
		return nil, errx.Wrap(err, "failed to generate key id", errx.TypeInternal)
	}
	// base62 carries ~5.95 bits per char; size the string to the requested
	// entropy in bytes.
	secretLen := (secretBytes*8 + 5) / 6
	secret, err := cryptox.RandomAlphanum(secretLen)
	if err != nil {
		return nil, errx.Wrap(err, "failed to generate key secret", errx.TypeInternal)
	}
	return &Generated{
		KID:       kid,
		Secret:    secret,
		Cleartext: fmt.Sprintf("%s_%s_%s_%s", appPrefix, envPrefix, kid, secret),
	}, nil
}

// Parsed is the decomposition of a presented cleartext key.
type Parsed struct {
	Prefix string // live | test
	KID    string
	Secret string
}

// Parse splits a cleartext key. The shape check is cheap and runs before any
// storage lookup.
func Parse(appPrefix, cleartext string) (*Parsed, error) {
	parts := strings.Split(cleartext, "_")
	if len(parts) != 4 || parts[0] != appPrefix {
		return nil, ErrAPIKeyInvalid().WithDetail("reason", "malformed key")
	}
	if parts[1] != PrefixLive && parts[1] != PrefixTest {
		return nil, ErrAPIKeyInvalid().WithDetail("reason", "unknown environment prefix")
	}
	if parts[2] == "" || parts[3] == "" {
		return nil, ErrAPIKeyInvalid().WithDetail("reason", "malformed key")
	}
	return &Parsed{Prefix: parts[1], KID: parts[2], Secret: parts[3]}, nil
}

// HashSecret is the at-rest digest of the secret part.
func HashSecret(secret string) string {
	return cryptox.SHA256Hex(secret)
}
