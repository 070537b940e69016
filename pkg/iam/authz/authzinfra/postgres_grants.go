package authzinfra

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/authz"
	"github.com/truxeio/truxe/pkg/kernel"
)

// PostgresGrantRepository is the PostgreSQL implementation of
// authz.GrantRepository.
type PostgresGrantRepository struct {
	db *sqlx.DB
}

// NewPostgresGrantRepository creates a new instance of the repository.
func NewPostgresGrantRepository(db *sqlx.DB) authz.GrantRepository {
	return &PostgresGrantRepository{
		db: db,
	}
}

const insertGrantSQL = `
	INSERT INTO authz_grants (id, user_id, tenant_id, resource, action, conditions, granted_by, expires_at, created_at)
	VALUES (:id, :user_id, :tenant_id, :resource, :action, :conditions, :granted_by, :expires_at, :created_at)`

func (r *PostgresGrantRepository) Create(ctx context.Context, g *authz.Grant) error {
	p, err := toGrantPersistence(g)
	if err != nil {
		return err
	}
	if _, err := r.db.NamedExecContext(ctx, insertGrantSQL, p); err != nil {
		return errx.Wrap(err, "failed to create grant", errx.TypeInternal).
			WithDetail("grant_id", g.ID)
	}
	return nil
}

func (r *PostgresGrantRepository) CreateBulk(ctx context.Context, grants []*authz.Grant) error {
	if len(grants) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errx.Wrap(err, "failed to begin grant batch", errx.TypeInternal)
	}
	defer tx.Rollback()

	for _, g := range grants {
		p, err := toGrantPersistence(g)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, insertGrantSQL, p); err != nil {
			return errx.Wrap(err, "failed to create grant in batch", errx.TypeInternal).
				WithDetail("grant_id", g.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errx.Wrap(err, "failed to commit grant batch", errx.TypeInternal)
	}
	return nil
}

func (r *PostgresGrantRepository) FindByID(ctx context.Context, id string) (*authz.Grant, error) {
	var p grantPersistence
	err := r.db.GetContext(ctx, &p, `SELECT * FROM authz_grants WHERE id = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, authz.ErrGrantNotFound().WithDetail("grant_id", id)
		}
		return nil, errx.Wrap(err, "failed to find grant", errx.TypeInternal)
	}
	return toGrantDomain(p)
}

func (r *PostgresGrantRepository) FindForUser(ctx context.Context, userID kernel.UserID, tenantID kernel.TenantID) ([]*authz.Grant, error) {
	var rows []grantPersistence
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM authz_grants WHERE user_id = $1 AND tenant_id = $2 ORDER BY created_at`,
		userID.String(), tenantID.String())
	if err != nil {
		return nil, errx.Wrap(err, "failed to list user grants", errx.TypeInternal)
	}

	grants := make([]*authz.Grant, len(rows))
	for i, p := range rows {
		g, err := toGrantDomain(p)
		if err != nil {
			return nil, err
		}
		grants[i] = g
	}
	return grants, nil
}

func (r *PostgresGrantRepository) ListForTenant(ctx context.Context, tenantID kernel.TenantID, opts kernel.PaginationOptions) (kernel.Paginated[*authz.Grant], error) {
	var zero kernel.Paginated[*authz.Grant]
	page, size := normalizePage(opts)

	var total int
	err := r.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM authz_grants WHERE tenant_id = $1`, tenantID.String())
	if err != nil {
		return zero, errx.Wrap(err, "failed to count grants", errx.TypeInternal)
	}

	var rows []grantPersistence
	err = r.db.SelectContext(ctx, &rows,
		`SELECT * FROM authz_grants WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		tenantID.String(), size, (page-1)*size)
	if err != nil {
		return zero, errx.Wrap(err, "failed to list grants", errx.TypeInternal)
	}

	grants := make([]*authz.Grant, len(rows))
	for i, p := range rows {
		g, err := toGrantDomain(p)
		if err != nil {
			return zero, err
		}
		grants[i] = g
	}
	return kernel.NewPaginated(grants, page, size, total), nil
}

func (r *PostgresGrantRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM authz_grants WHERE id = $1`, id)
	if err != nil {
		return errx.Wrap(err, "failed to delete grant", errx.TypeInternal)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected", errx.TypeInternal)
	}
	if rowsAffected == 0 {
		return authz.ErrGrantNotFound().WithDetail("grant_id", id)
	}
	return nil
}

func (r *PostgresGrantRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM authz_grants WHERE expires_at IS NOT NULL AND expires_at < NOW()`)
	if err != nil {
		return 0, errx.Wrap(err, "failed to delete expired grants", errx.TypeInternal)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, errx.Wrap(err, "failed to get rows affected", errx.TypeInternal)
	}
	return rowsAffected, nil
}

// Persistence struct handling DB-specific types.
type grantPersistence struct {
	ID         string          `db:"id"`
	UserID     string          `db:"user_id"`
	TenantID   string          `db:"tenant_id"`
	Resource   string          `db:"resource"`
	Action     string          `db:"action"`
	Conditions json.RawMessage `db:"conditions"`
	GrantedBy  string          `db:"granted_by"`
	ExpiresAt  *time.Time      `db:"expires_at"`
	CreatedAt  time.Time       `db:"created_at"`
}

func toGrantPersistence(g *authz.Grant) (grantPersistence, error) {
	conditions, err := marshalConditions(g.Conditions)
	if err != nil {
		return grantPersistence{}, err
	}
	return grantPersistence{
		ID:         g.ID,
		UserID:     g.UserID.String(),
		TenantID:   g.TenantID.String(),
		Resource:   g.Resource,
		Action:     g.Action,
		Conditions: conditions,
		GrantedBy:  g.GrantedBy.String(),
		ExpiresAt:  g.ExpiresAt,
		CreatedAt:  g.CreatedAt,
	}, nil
}

func toGrantDomain(p grantPersistence) (*authz.Grant, error) {
	conditions, err := unmarshalConditions(p.Conditions)
	if err != nil {
		return nil, err
	}
	return &authz.Grant{
		ID:         p.ID,
		UserID:     kernel.NewUserID(p.UserID),
		TenantID:   kernel.NewTenantID(p.TenantID),
		Resource:   p.Resource,
		Action:     p.Action,
		Conditions: conditions,
		GrantedBy:  kernel.NewUserID(p.GrantedBy),
		ExpiresAt:  p.ExpiresAt,
		CreatedAt:  p.CreatedAt,
	}, nil
}

func marshalConditions(conditions map[string]any) (json.RawMessage, error) {
	if len(conditions) == 0 {
		return json.RawMessage(`{}`), nil
	}
	raw, err := json.Marshal(conditions)
	if err != nil {
		return nil, errx.Wrap(err, "failed to encode conditions", errx.TypeInternal)
	}
	return raw, nil
}

func unmarshalConditions(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var conditions map[string]any
	if err := json.Unmarshal(raw, &conditions); err != nil {
		return nil, errx.Wrap(err, "failed to decode conditions", errx.TypeInternal)
	}
	if len(conditions) == 0 {
		return nil, nil
	}
	return conditions, nil
}

func normalizePage(opts kernel.PaginationOptions) (page, size int) {
	page, size = opts.Page, opts.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}
	if size > 200 {
		size = 200
	}
	return page, size
}
