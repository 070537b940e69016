package user

import (
	"net/http"
	"strings"
	"time"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/kernel"
)

var (
	// ErrRegistry is the error registry for the user module
	ErrRegistry = errx.NewRegistry("USER")

	// Error codes
	CodeUserNotFound  = ErrRegistry.Register("NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "User not found")
	CodeEmailInvalid  = ErrRegistry.Register("EMAIL_INVALID", errx.TypeValidation, http.StatusBadRequest, "Email address is invalid")
	CodeUserSuspended = ErrRegistry.Register("SUSPENDED", errx.TypeAuthorization, http.StatusForbidden, "User account is suspended")
	CodeUserBlocked   = ErrRegistry.Register("BLOCKED", errx.TypeAuthorization, http.StatusForbidden, "User account is blocked")
)

// ErrUserNotFound creates a user not found error
func ErrUserNotFound() *errx.Error {
	return ErrRegistry.New(CodeUserNotFound)
}

// ErrEmailInvalid creates an invalid email error
func ErrEmailInvalid() *errx.Error {
	return ErrRegistry.New(CodeEmailInvalid)
}

// ErrUserSuspended creates a suspended account error
func ErrUserSuspended() *errx.Error {
	return ErrRegistry.New(CodeUserSuspended)
}

// ErrUserBlocked creates a blocked account error
func ErrUserBlocked() *errx.Error {
	return ErrRegistry.New(CodeUserBlocked)
}

// Status is the lifecycle state of a user account.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusBlocked   Status = "blocked"
)

// User is the identity anchor. A row is created on the first successful
// authentication (magic link or OAuth) and removed only administratively.
type User struct {
	ID            kernel.UserID
	Email         string // stored lowercase, unique
	EmailVerified bool
	Status        Status
	Name          string
	Picture       string
	Metadata      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CanAuthenticate reports whether the account may receive new credentials.
func (u *User) CanAuthenticate() error {
	switch u.Status {
	case StatusSuspended:
		return ErrUserSuspended()
	case StatusBlocked:
		return ErrUserBlocked()
	}
	return nil
}

// Profile carries the optional attributes seeded at creation time.
type Profile struct {
	Name    string
	Picture string
}

// NormalizeEmail lowercases and trims an email address. Returns an error for
// addresses that cannot possibly be valid.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 || strings.Count(email, "@") != 1 {
		return "", ErrEmailInvalid().WithDetail("email", email)
	}
	return email, nil
}
