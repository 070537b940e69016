package webhookinfra

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/webhook"
	"github.com/truxeio/truxe/pkg/kernel"
)

// PostgresEndpointRepository is the PostgreSQL implementation of
// webhook.EndpointRepository.
type PostgresEndpointRepository struct {
	db *sqlx.DB
}

// NewPostgresEndpointRepository creates a new instance of the repository.
func NewPostgresEndpointRepository(db *sqlx.DB) webhook.EndpointRepository {
	return &PostgresEndpointRepository{
		db: db,
	}
}

func (r *PostgresEndpointRepository) Create(ctx context.Context, e *webhook.Endpoint) error {
	query := `
		INSERT INTO webhook_endpoints (id, tenant_id, url, secret_enc, events, allowed_ips, description, active, created_at, updated_at)
		VALUES (:id, :tenant_id, :url, :secret_enc, :events, :allowed_ips, :description, :active, :created_at, :updated_at)`

	if _, err := r.db.NamedExecContext(ctx, query, toEndpointPersistence(e)); err != nil {
		return errx.Wrap(err, "failed to create webhook endpoint", errx.TypeInternal).
			WithDetail("endpoint_id", e.ID)
	}
	return nil
}

func (r *PostgresEndpointRepository) FindByID(ctx context.Context, id string) (*webhook.Endpoint, error) {
	var e endpointPersistence
	err := r.db.GetContext(ctx, &e, `SELECT * FROM webhook_endpoints WHERE id = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, webhook.ErrEndpointNotFound().WithDetail("endpoint_id", id)
		}
		return nil, errx.Wrap(err, "failed to find webhook endpoint", errx.TypeInternal)
	}
	return toEndpointDomain(e), nil
}

func (r *PostgresEndpointRepository) FindSubscribed(ctx context.Context, tenantID kernel.TenantID, event string) ([]*webhook.Endpoint, error) {
	query := `
		SELECT * FROM webhook_endpoints
		WHERE tenant_id = $1 AND active AND (events @> ARRAY[$2]::text[] OR events @> ARRAY['*']::text[])
		ORDER BY created_at`

	var rows []endpointPersistence
	if err := r.db.SelectContext(ctx, &rows, query, tenantID.String(), event); err != nil {
		return nil, errx.Wrap(err, "failed to find subscribed endpoints", errx.TypeInternal)
	}
	return toEndpointDomainSlice(rows), nil
}

func (r *PostgresEndpointRepository) ListForTenant(ctx context.Context, tenantID kernel.TenantID) ([]*webhook.Endpoint, error) {
	var rows []endpointPersistence
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM webhook_endpoints WHERE tenant_id = $1 ORDER BY created_at`, tenantID.String())
	if err != nil {
		return nil, errx.Wrap(err, "failed to list webhook endpoints", errx.TypeInternal)
	}
	return toEndpointDomainSlice(rows), nil
}

func (r *PostgresEndpointRepository) Update(ctx context.Context, e *webhook.Endpoint) error {
	query := `
		UPDATE webhook_endpoints SET
			url = :url,
			events = :events,
			allowed_ips = :allowed_ips,
			description = :description,
			active = :active,
			updated_at = :updated_at
		WHERE id = :id`

	result, err := r.db.NamedExecContext(ctx, query, toEndpointPersistence(e))
	if err != nil {
		return errx.Wrap(err, "failed to update webhook endpoint", errx.TypeInternal)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected", errx.TypeInternal)
	}
	if rowsAffected == 0 {
		return webhook.ErrEndpointNotFound().WithDetail("endpoint_id", e.ID)
	}
	return nil
}

func (r *PostgresEndpointRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM webhook_endpoints WHERE id = $1`, id)
	if err != nil {
		return errx.Wrap(err, "failed to delete webhook endpoint", errx.TypeInternal)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected", errx.TypeInternal)
	}
	if rowsAffected == 0 {
		return webhook.ErrEndpointNotFound().WithDetail("endpoint_id", id)
	}
	return nil
}

// Persistence struct handling DB-specific types.
type endpointPersistence struct {
	ID          string         `db:"id"`
	TenantID    string         `db:"tenant_id"`
	URL         string         `db:"url"`
	SecretEnc   string         `db:"secret_enc"`
	Events      pq.StringArray `db:"events"`
	AllowedIPs  pq.StringArray `db:"allowed_ips"`
	Description string         `db:"description"`
	Active      bool           `db:"active"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func toEndpointPersistence(e *webhook.Endpoint) endpointPersistence {
	return endpointPersistence{
		ID:          e.ID,
		TenantID:    e.TenantID.String(),
		URL:         e.URL,
		SecretEnc:   e.SecretEnc,
		Events:      pq.StringArray(e.Events),
		AllowedIPs:  pq.StringArray(e.AllowedIPs),
		Description: e.Description,
		Active:      e.Active,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func toEndpointDomain(e endpointPersistence) *webhook.Endpoint {
	return &webhook.Endpoint{
		ID:          e.ID,
		TenantID:    kernel.NewTenantID(e.TenantID),
		URL:         e.URL,
		SecretEnc:   e.SecretEnc,
		Events:      []string(e.Events),
		AllowedIPs:  []string(e.AllowedIPs),
		Description: e.Description,
		Active:      e.Active,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func toEndpointDomainSlice(rows []endpointPersistence) []*webhook.Endpoint {
	endpoints := make([]*webhook.Endpoint, len(rows))
	for i, row := range rows {
		endpoints[i] = toEndpointDomain(row)
	}
	return endpoints
}
