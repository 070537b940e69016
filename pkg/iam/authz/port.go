package authz

import (
	"context"

	"github.com/truxeio/truxe/pkg/kernel"
)

// GrantRepository persists direct grants.
type GrantRepository interface {
	// Create inserts a single grant.
	Create(ctx context.Context, g *Grant) error

	// CreateBulk inserts all grants in one transaction; any failure rolls
	// back the whole batch.
	CreateBulk(ctx context.Context, grants []*Grant) error

	// FindByID looks up a grant.
	FindByID(ctx context.Context, id string) (*Grant, error)

	// FindForUser returns every grant for (user, tenant), including expired
	// rows; the engine skips those at evaluation time.
	FindForUser(ctx context.Context, userID kernel.UserID, tenantID kernel.TenantID) ([]*Grant, error)

	// ListForTenant pages through a tenant's grants.
	ListForTenant(ctx context.Context, tenantID kernel.TenantID, opts kernel.PaginationOptions) (kernel.Paginated[*Grant], error)

	// Delete removes a grant.
	Delete(ctx context.Context, id string) error

	// DeleteExpired drops grants past their expiry.
	DeleteExpired(ctx context.Context) (int64, error)
}

// RoleRepository persists tenant-defined role definitions. Built-in roles
// never touch storage.
type RoleRepository interface {
	Create(ctx context.Context, r *RoleDefinition) error
	FindByID(ctx context.Context, id string) (*RoleDefinition, error)
	FindByName(ctx context.Context, tenantID kernel.TenantID, name string) (*RoleDefinition, error)
	ListForTenant(ctx context.Context, tenantID kernel.TenantID) ([]*RoleDefinition, error)
	Update(ctx context.Context, r *RoleDefinition) error
	Delete(ctx context.Context, id string) error
}

// PolicyRepository persists ABAC policies.
type PolicyRepository interface {
	Create(ctx context.Context, p *Policy) error
	FindByID(ctx context.Context, id string) (*Policy, error)
	ListForTenant(ctx context.Context, tenantID kernel.TenantID, enabledOnly bool) ([]*Policy, error)
	Update(ctx context.Context, p *Policy) error
	Delete(ctx context.Context, id string) error
}
