package apikey

import (
	"context"

	"github.com/truxeio/truxe/pkg/kernel"
)

// Repository is the persistence port for API keys and their usage trail.
type Repository interface {
	Create(ctx context.Context, key *APIKey) error
	FindByID(ctx context.Context, id string) (*APIKey, error)
	FindByKID(ctx context.Context, kid string) (*APIKey, error)
	ListForServiceAccount(ctx context.Context, said kernel.ServiceAccountID) ([]*APIKey, error)
	ListForTenant(ctx context.Context, tenantID kernel.TenantID) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Revoke(ctx context.Context, id string) error
	UpdateLastUsed(ctx context.Context, id string) error
	RecordUsage(ctx context.Context, usage Usage) error
}
