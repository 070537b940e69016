package apikeyinfra

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/apikey"
	"github.com/truxeio/truxe/pkg/kernel"
)

// PostgresAPIKeyRepository is the PostgreSQL implementation of
// apikey.Repository.
type PostgresAPIKeyRepository struct {
	db *sqlx.DB
}

// NewPostgresAPIKeyRepository creates a new instance of the repository.
func NewPostgresAPIKeyRepository(db *sqlx.DB) apikey.Repository {
	return &PostgresAPIKeyRepository{
		db: db,
	}
}

func (r *PostgresAPIKeyRepository) Create(ctx context.Context, key *apikey.APIKey) error {
	query := `
		INSERT INTO api_keys (
			id, kid, service_account_id, tenant_id, name, secret_hash, prefix,
			permissions, rate_limit_tier, expires_at, revoked_at, last_used_at,
			created_at, updated_at
		) VALUES (
			:id, :kid, :service_account_id, :tenant_id, :name, :secret_hash, :prefix,
			:permissions, :rate_limit_tier, :expires_at, :revoked_at, :last_used_at,
			:created_at, :updated_at
		)`

	_, err := r.db.NamedExecContext(ctx, query, toPersistence(key))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" { // unique_violation
			return apikey.ErrAPIKeyInvalid().WithDetail("reason", "key id collision")
		}
		return errx.Wrap(err, "failed to create API key", errx.TypeInternal).
			WithDetail("key_id", key.ID)
	}
	return nil
}

func (r *PostgresAPIKeyRepository) FindByID(ctx context.Context, id string) (*apikey.APIKey, error) {
	var p apiKeyPersistence
	query := `SELECT * FROM api_keys WHERE id = $1`
	err := r.db.GetContext(ctx, &p, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apikey.ErrAPIKeyNotFound()
		}
		return nil, errx.Wrap(err, "failed to find API key by ID", errx.TypeInternal)
	}
	key := toDomain(p)
	return &key, nil
}

func (r *PostgresAPIKeyRepository) FindByKID(ctx context.Context, kid string) (*apikey.APIKey, error) {
	var p apiKeyPersistence
	query := `SELECT * FROM api_keys WHERE kid = $1`
	err := r.db.GetContext(ctx, &p, query, kid)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apikey.ErrAPIKeyNotFound()
		}
		return nil, errx.Wrap(err, "failed to find API key by kid", errx.TypeInternal)
	}
	key := toDomain(p)
	return &key, nil
}

func (r *PostgresAPIKeyRepository) ListForServiceAccount(ctx context.Context, said kernel.ServiceAccountID) ([]*apikey.APIKey, error) {
	var keys []apiKeyPersistence
	query := `SELECT * FROM api_keys WHERE service_account_id = $1 ORDER BY created_at DESC`
	err := r.db.SelectContext(ctx, &keys, query, said.String())
	if err != nil {
		return nil, errx.Wrap(err, "failed to list API keys by service account", errx.TypeInternal)
	}
	return toDomainSlice(keys), nil
}

func (r *PostgresAPIKeyRepository) ListForTenant(ctx context.Context, tenantID kernel.TenantID) ([]*apikey.APIKey, error) {
	var keys []apiKeyPersistence
	query := `SELECT * FROM api_keys WHERE tenant_id = $1 ORDER BY created_at DESC`
	err := r.db.SelectContext(ctx, &keys, query, tenantID.String())
	if err != nil {
		return nil, errx.Wrap(err, "failed to list API keys by tenant", errx.TypeInternal)
	}
	return toDomainSlice(keys), nil
}

func (r *PostgresAPIKeyRepository) Update(ctx context.Context, key *apikey.APIKey) error {
	query := `
		UPDATE api_keys SET
			name = :name,
			permissions = :permissions,
			rate_limit_tier = :rate_limit_tier,
			expires_at = :expires_at,
			updated_at = :updated_at
		WHERE id = :id`

	result, err := r.db.NamedExecContext(ctx, query, toPersistence(key))
	if err != nil {
		return errx.Wrap(err, "failed to update API key", errx.TypeInternal).
			WithDetail("key_id", key.ID)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected on update", errx.TypeInternal)
	}
	if rowsAffected == 0 {
		return apikey.ErrAPIKeyNotFound()
	}
	return nil
}

func (r *PostgresAPIKeyRepository) Revoke(ctx context.Context, id string) error {
	query := `UPDATE api_keys SET revoked_at = NOW(), updated_at = NOW() WHERE id = $1 AND revoked_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return errx.Wrap(err, "failed to revoke API key", errx.TypeInternal)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected on revoke", errx.TypeInternal)
	}
	if rowsAffected == 0 {
		return apikey.ErrAPIKeyNotFound()
	}
	return nil
}

func (r *PostgresAPIKeyRepository) UpdateLastUsed(ctx context.Context, id string) error {
	query := `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return errx.Wrap(err, "failed to update last used time for API key", errx.TypeInternal)
	}
	return nil
}

func (r *PostgresAPIKeyRepository) RecordUsage(ctx context.Context, usage apikey.Usage) error {
	query := `
		INSERT INTO api_key_usage (key_id, endpoint, status_code, latency_ms, ip, at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(ctx, query,
		usage.KeyID, usage.Endpoint, usage.StatusCode, usage.LatencyMS, usage.IP, usage.At)
	if err != nil {
		return errx.Wrap(err, "failed to record API key usage", errx.TypeInternal)
	}
	return nil
}

// Persistence struct handling DB-specific types.
type apiKeyPersistence struct {
	ID               string         `db:"id"`
	KID              string         `db:"kid"`
	ServiceAccountID string         `db:"service_account_id"`
	TenantID         *string        `db:"tenant_id"`
	Name             string         `db:"name"`
	SecretHash       string         `db:"secret_hash"`
	Prefix           string         `db:"prefix"`
	Permissions      pq.StringArray `db:"permissions"`
	RateLimitTier    string         `db:"rate_limit_tier"`
	ExpiresAt        *time.Time     `db:"expires_at"`
	RevokedAt        *time.Time     `db:"revoked_at"`
	LastUsedAt       *time.Time     `db:"last_used_at"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func toPersistence(key *apikey.APIKey) apiKeyPersistence {
	p := apiKeyPersistence{
		ID:               key.ID,
		KID:              key.KID,
		ServiceAccountID: key.ServiceAccountID.String(),
		Name:             key.Name,
		SecretHash:       key.SecretHash,
		Prefix:           key.Prefix,
		Permissions:      key.Permissions,
		RateLimitTier:    string(key.RateLimitTier),
		ExpiresAt:        key.ExpiresAt,
		RevokedAt:        key.RevokedAt,
		LastUsedAt:       key.LastUsedAt,
		CreatedAt:        key.CreatedAt,
		UpdatedAt:        key.UpdatedAt,
	}
	if key.TenantID != nil {
		id := key.TenantID.String()
		p.TenantID = &id
	}
	return p
}

func toDomain(p apiKeyPersistence) apikey.APIKey {
	key := apikey.APIKey{
		ID:               p.ID,
		KID:              p.KID,
		ServiceAccountID: kernel.NewServiceAccountID(p.ServiceAccountID),
		Name:             p.Name,
		SecretHash:       p.SecretHash,
		Prefix:           p.Prefix,
		Permissions:      p.Permissions,
		RateLimitTier:    apikey.Tier(p.RateLimitTier),
		ExpiresAt:        p.ExpiresAt,
		RevokedAt:        p.RevokedAt,
		LastUsedAt:       p.LastUsedAt,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
	if p.TenantID != nil {
		id := kernel.NewTenantID(*p.TenantID)
		key.TenantID = &id
	}
	return key
}

func toDomainSlice(pKeys []apiKeyPersistence) []*apikey.APIKey {
	keys := make([]*apikey.APIKey, len(pKeys))
	for i, p := range pKeys {
		k := toDomain(p)
		keys[i] = &k
	}
	return keys
}
