package iam

import (
	"net/http"
	"strings"

	"github.com/truxeio/truxe/pkg/errx"
)

// ============================================================================
// Error Registry
// ============================================================================

var ErrRegistry = errx.NewRegistry("IAM")

var (
	CodeUnauthorized = ErrRegistry.Register("UNAUTHORIZED", errx.TypeAuthorization, http.StatusUnauthorized, "Unauthorized")
	CodeInvalidToken = ErrRegistry.Register("INVALID_TOKEN", errx.TypeAuthorization, http.StatusUnauthorized, "Invalid or expired token")
	CodeAccessDenied = ErrRegistry.Register("ACCESS_DENIED", errx.TypeAuthorization, http.StatusForbidden, "Access denied")
)

// Helper functions
func ErrUnauthorized() *errx.Error {
	return ErrRegistry.New(CodeUnauthorized)
}

func ErrInvalidToken() *errx.Error {
	return ErrRegistry.New(CodeInvalidToken)
}

func ErrAccessDenied() *errx.Error {
	return ErrRegistry.New(CodeAccessDenied)
}

// OAuthProvider identifies a supported federation provider. The value doubles
// as the callback path segment (/auth/<provider>/callback).
type OAuthProvider string

const (
	OAuthProviderGoogle    OAuthProvider = "google"
	OAuthProviderGitHub    OAuthProvider = "github"
	OAuthProviderMicrosoft OAuthProvider = "microsoft"
	OAuthProviderApple     OAuthProvider = "apple"
)

// ParseOAuthProvider normalizes a provider string from a route or config.
func ParseOAuthProvider(s string) (OAuthProvider, bool) {
	switch OAuthProvider(strings.ToLower(s)) {
	case OAuthProviderGoogle:
		return OAuthProviderGoogle, true
	case OAuthProviderGitHub:
		return OAuthProviderGitHub, true
	case OAuthProviderMicrosoft:
		return OAuthProviderMicrosoft, true
	case OAuthProviderApple:
		return OAuthProviderApple, true
	default:
		return "", false
	}
}

// GetProviderName returns the human-readable provider name
func (p OAuthProvider) GetProviderName() string {
	switch p {
	case OAuthProviderGoogle:
		return "Google"
	case OAuthProviderGitHub:
		return "GitHub"
	case OAuthProviderMicrosoft:
		return "Microsoft"
	case OAuthProviderApple:
		return "Apple"
	default:
		return "Unknown"
	}
}
