package tenant

import (
	"context"

	"github.com/truxeio/truxe/pkg/kernel"
)

// Repository is the persistence port for tenant nodes.
type Repository interface {
	// Create inserts the node. Sibling slug collisions surface as
	// ErrSlugTaken.
	Create(ctx context.Context, t *Tenant) error

	Get(ctx context.Context, id kernel.TenantID) (*Tenant, error)
	GetChildBySlug(ctx context.Context, parentID kernel.TenantID, slug string) (*Tenant, error)
	GetRootBySlug(ctx context.Context, slug string) (*Tenant, error)
	CountRoots(ctx context.Context) (int, error)

	Update(ctx context.Context, t *Tenant) error

	// Move re-parents the subtree rooted at id under newParent: every
	// descendant's path prefix is rewritten and its level recomputed in one
	// transaction. The subtree's deepest level is re-checked against
	// maxLevel inside the transaction; exceeding it aborts with
	// ErrMaxDepthExceeded.
	Move(ctx context.Context, id kernel.TenantID, newParent *Tenant, maxLevel int) error

	// SetSubtreeStatus archives or restores the node and all descendants.
	SetSubtreeStatus(ctx context.Context, id kernel.TenantID, status Status) error

	// Delete removes the subtree permanently; memberships cascade.
	Delete(ctx context.Context, id kernel.TenantID) error

	Children(ctx context.Context, id kernel.TenantID, opts kernel.PaginationOptions) (kernel.Paginated[*Tenant], error)
	Descendants(ctx context.Context, id kernel.TenantID, opts kernel.PaginationOptions) (kernel.Paginated[*Tenant], error)
	Ancestors(ctx context.Context, id kernel.TenantID) ([]*Tenant, error)
	Subtree(ctx context.Context, id kernel.TenantID) ([]*Tenant, error)
}

// MemberRepository is the persistence port for direct memberships.
type MemberRepository interface {
	Add(ctx context.Context, m *Member) error
	Get(ctx context.Context, tenantID kernel.TenantID, userID kernel.UserID) (*Member, error)
	UpdateRole(ctx context.Context, tenantID kernel.TenantID, userID kernel.UserID, role Role) error
	Remove(ctx context.Context, tenantID kernel.TenantID, userID kernel.UserID) error
	List(ctx context.Context, tenantID kernel.TenantID, opts kernel.PaginationOptions) (kernel.Paginated[*Member], error)
	ListForUser(ctx context.Context, userID kernel.UserID) ([]*Member, error)
	CountByRole(ctx context.Context, tenantID kernel.TenantID, role Role) (int, error)

	// FindForUserIn returns the user's direct rows among the given tenants,
	// one query for the whole ancestor chain.
	FindForUserIn(ctx context.Context, userID kernel.UserID, tenantIDs []string) ([]*Member, error)
}
