package webhook

import (
	"context"
	"time"

	"github.com/truxeio/truxe/pkg/kernel"
)

// EndpointRepository persists webhook endpoints.
type EndpointRepository interface {
	// Create persists a new endpoint.
	Create(ctx context.Context, e *Endpoint) error

	// FindByID returns an endpoint by id.
	FindByID(ctx context.Context, id string) (*Endpoint, error)

	// FindSubscribed returns the tenant's active endpoints subscribed to the
	// event.
	FindSubscribed(ctx context.Context, tenantID kernel.TenantID, event string) ([]*Endpoint, error)

	// ListForTenant returns every endpoint of a tenant.
	ListForTenant(ctx context.Context, tenantID kernel.TenantID) ([]*Endpoint, error)

	// Update persists endpoint mutations.
	Update(ctx context.Context, e *Endpoint) error

	// Delete removes an endpoint. Its delivery history goes with it.
	Delete(ctx context.Context, id string) error
}

// DeliveryRepository persists deliveries and their attempt history.
type DeliveryRepository interface {
	// Create persists a new delivery row.
	Create(ctx context.Context, d *Delivery) error

	// FindByID returns a delivery by id.
	FindByID(ctx context.Context, id string) (*Delivery, error)

	// Update persists delivery state transitions.
	Update(ctx context.Context, d *Delivery) error

	// ListForEndpoint pages through an endpoint's deliveries, newest first.
	ListForEndpoint(ctx context.Context, endpointID string, opts kernel.PaginationOptions) (kernel.Paginated[*Delivery], error)

	// RecordAttempt appends one attempt row.
	RecordAttempt(ctx context.Context, a *Attempt) error

	// ListAttempts returns a delivery's attempts in order.
	ListAttempts(ctx context.Context, deliveryID string) ([]*Attempt, error)

	// DeleteOlderThan purges terminal deliveries created before the cutoff.
	// Returns how many rows were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
