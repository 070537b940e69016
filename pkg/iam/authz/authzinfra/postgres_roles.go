package authzinfra

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/authz"
	"github.com/truxeio/truxe/pkg/kernel"
)

// PostgresRoleRepository is the PostgreSQL implementation of
// authz.RoleRepository.
type PostgresRoleRepository struct {
	db *sqlx.DB
}

// NewPostgresRoleRepository creates a new instance of the repository.
func NewPostgresRoleRepository(db *sqlx.DB) authz.RoleRepository {
	return &PostgresRoleRepository{
		db: db,
	}
}

func (r *PostgresRoleRepository) Create(ctx context.Context, def *authz.RoleDefinition) error {
	query := `
		INSERT INTO authz_roles (id, tenant_id, name, description, patterns, created_at, updated_at)
		VALUES (:id, :tenant_id, :name, :description, :patterns, :created_at, :updated_at)`

	if _, err := r.db.NamedExecContext(ctx, query, toRolePersistence(def)); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return authz.ErrRoleExists().WithDetail("name", def.Name)
		}
		return errx.Wrap(err, "failed to create role", errx.TypeInternal).
			WithDetail("role_id", def.ID)
	}
	return nil
}

func (r *PostgresRoleRepository) FindByID(ctx context.Context, id string) (*authz.RoleDefinition, error) {
	var p rolePersistence
	err := r.db.GetContext(ctx, &p, `SELECT * FROM authz_roles WHERE id = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, authz.ErrRoleNotFound().WithDetail("role_id", id)
		}
		return nil, errx.Wrap(err, "failed to find role", errx.TypeInternal)
	}
	def := toRoleDomain(p)
	return &def, nil
}

func (r *PostgresRoleRepository) FindByName(ctx context.Context, tenantID kernel.TenantID, name string) (*authz.RoleDefinition, error) {
	var p rolePersistence
	err := r.db.GetContext(ctx, &p,
		`SELECT * FROM authz_roles WHERE tenant_id = $1 AND name = $2`,
		tenantID.String(), name)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, authz.ErrRoleNotFound().WithDetail("name", name)
		}
		return nil, errx.Wrap(err, "failed to find role by name", errx.TypeInternal)
	}
	def := toRoleDomain(p)
	return &def, nil
}

func (r *PostgresRoleRepository) ListForTenant(ctx context.Context, tenantID kernel.TenantID) ([]*authz.RoleDefinition, error) {
	var rows []rolePersistence
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM authz_roles WHERE tenant_id = $1 ORDER BY name`,
		tenantID.String())
	if err != nil {
		return nil, errx.Wrap(err, "failed to list roles", errx.TypeInternal)
	}

	defs := make([]*authz.RoleDefinition, len(rows))
	for i, p := range rows {
		def := toRoleDomain(p)
		defs[i] = &def
	}
	return defs, nil
}

func (r *PostgresRoleRepository) Update(ctx context.Context, def *authz.RoleDefinition) error {
	query := `
		UPDATE authz_roles SET
			name = :name,
			description = :description,
			patterns = :patterns,
			updated_at = :updated_at
		WHERE id = :id`

	result, err := r.db.NamedExecContext(ctx, query, toRolePersistence(def))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return authz.ErrRoleExists().WithDetail("name", def.Name)
		}
		return errx.Wrap(err, "failed to update role", errx.TypeInternal)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected", errx.TypeInternal)
	}
	if rowsAffected == 0 {
		return authz.ErrRoleNotFound().WithDetail("role_id", def.ID)
	}
	return nil
}

func (r *PostgresRoleRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM authz_roles WHERE id = $1`, id)
	if err != nil {
		return errx.Wrap(err, "failed to delete role", errx.TypeInternal)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected", errx.TypeInternal)
	}
	if rowsAffected == 0 {
		return authz.ErrRoleNotFound().WithDetail("role_id", id)
	}
	return nil
}

// Persistence struct handling DB-specific types.
type rolePersistence struct {
	ID          string         `db:"id"`
	TenantID    string         `db:"tenant_id"`
	Name        string         `db:"name"`
	Description string         `db:"description"`
	Patterns    pq.StringArray `db:"patterns"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func toRolePersistence(def *authz.RoleDefinition) rolePersistence {
	return rolePersistence{
		ID:          def.ID,
		TenantID:    def.TenantID.String(),
		Name:        def.Name,
		Description: def.Description,
		Patterns:    pq.StringArray(def.Patterns),
		CreatedAt:   def.CreatedAt,
		UpdatedAt:   def.UpdatedAt,
	}
}

func toRoleDomain(p rolePersistence) authz.RoleDefinition {
	return authz.RoleDefinition{
		ID:          p.ID,
		TenantID:    kernel.NewTenantID(p.TenantID),
		Name:        p.Name,
		Description: p.Description,
		Patterns:    []string(p.Patterns),
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}
