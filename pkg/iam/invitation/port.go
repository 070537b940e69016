package invitation

import (
	"context"

	"github.com/truxeio/truxe/pkg/kernel"
)

// InvitationRepository defines the persistence contract for invitations.
type InvitationRepository interface {
	// FindByID looks up an invitation by ID.
	FindByID(ctx context.Context, id string) (*Invitation, error)

	// FindByTokenHash looks up an invitation by its token digest.
	FindByTokenHash(ctx context.Context, tokenHash string) (*Invitation, error)

	// FindPendingByEmail returns the newest live pending invitation for an
	// email within a tenant, or ErrInvitationNotFound.
	FindPendingByEmail(ctx context.Context, email string, tenantID kernel.TenantID) (*Invitation, error)

	// ListForTenant returns the tenant's invitations, newest first. When
	// pendingOnly is set, only live pending invitations are returned.
	ListForTenant(ctx context.Context, tenantID kernel.TenantID, pendingOnly bool, opts kernel.PaginationOptions) (kernel.Paginated[*Invitation], error)

	// Save inserts or updates an invitation.
	Save(ctx context.Context, inv Invitation) error

	// Delete removes an invitation.
	Delete(ctx context.Context, id string) error

	// DeleteExpired removes pending invitations whose expiry has passed and
	// reports how many rows were dropped.
	DeleteExpired(ctx context.Context) (int64, error)

	// ExistsPendingForEmail reports whether a live pending invitation already
	// exists for an email within a tenant.
	ExistsPendingForEmail(ctx context.Context, email string, tenantID kernel.TenantID) (bool, error)
}
