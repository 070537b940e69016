package invitation

import (
	"net/http"
	"time"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/kernel"
)

// ============================================================================
// Error Registry
// ============================================================================

var ErrRegistry = errx.NewRegistry("INVITATION")

var (
	CodeNotFound      = ErrRegistry.Register("NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Invitation not found")
	CodeAlreadyExists = ErrRegistry.Register("ALREADY_EXISTS", errx.TypeConflict, http.StatusConflict, "A pending invitation already exists for this email")
	CodeExpired       = ErrRegistry.Register("EXPIRED", errx.TypeBusiness, http.StatusGone, "Invitation has expired")
	CodeNotPending    = ErrRegistry.Register("NOT_PENDING", errx.TypeBusiness, http.StatusConflict, "Invitation is no longer pending")
	CodeEmailMismatch = ErrRegistry.Register("EMAIL_MISMATCH", errx.TypeAuthorization, http.StatusForbidden, "Invitation was issued to a different email address")
)

func ErrInvitationNotFound() *errx.Error {
	return ErrRegistry.New(CodeNotFound)
}

func ErrInvitationAlreadyExists() *errx.Error {
	return ErrRegistry.New(CodeAlreadyExists)
}

func ErrInvitationExpired() *errx.Error {
	return ErrRegistry.New(CodeExpired)
}

func ErrInvitationNotPending() *errx.Error {
	return ErrRegistry.New(CodeNotPending)
}

func ErrEmailMismatch() *errx.Error {
	return ErrRegistry.New(CodeEmailMismatch)
}

// ============================================================================
// Model
// ============================================================================

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusAccepted Status = "ACCEPTED"
	StatusRevoked  Status = "REVOKED"
	StatusExpired  Status = "EXPIRED"
)

// DefaultTTL is how long an invitation stays redeemable.
const DefaultTTL = 7 * 24 * time.Hour

// Invitation is an emailed offer to join a tenant with a given role. Only
// the token digest is stored; the cleartext travels in the email alone.
type Invitation struct {
	ID         string          `db:"id" json:"id"`
	TenantID   kernel.TenantID `db:"tenant_id" json:"tenant_id"`
	Email      string          `db:"email" json:"email"`
	TokenHash  string          `db:"token_hash" json:"-"`
	Role       string          `db:"role" json:"role"`
	Status     Status          `db:"status" json:"status"`
	InvitedBy  kernel.UserID   `db:"invited_by" json:"invited_by"`
	ExpiresAt  time.Time       `db:"expires_at" json:"expires_at"`
	AcceptedAt *time.Time      `db:"accepted_at" json:"accepted_at,omitempty"`
	AcceptedBy *string         `db:"accepted_by" json:"accepted_by,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

func (i *Invitation) IsExpired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

func (i *Invitation) IsPending() bool {
	return i.Status == StatusPending
}
