package tenantinfra

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/tenant"
	"github.com/truxeio/truxe/pkg/kernel"
)

// PostgresTenantRepository is the PostgreSQL implementation of
// tenant.Repository. Hierarchy queries lean on the materialized path
// column (text[], GIN-indexed for @> containment).
type PostgresTenantRepository struct {
	db *sqlx.DB
}

// NewPostgresTenantRepository creates a new instance of the repository.
func NewPostgresTenantRepository(db *sqlx.DB) tenant.Repository {
	return &PostgresTenantRepository{
		db: db,
	}
}

func (r *PostgresTenantRepository) Create(ctx context.Context, t *tenant.Tenant) error {
	p, err := toTenantPersistence(t)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO tenants (
			id, parent_id, type, slug, name, status, path, level, max_depth,
			settings, created_at, updated_at
		) VALUES (
			:id, :parent_id, :type, :slug, :name, :status, :path, :level, :max_depth,
			:settings, :created_at, :updated_at
		)`

	if _, err := r.db.NamedExecContext(ctx, query, p); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return tenant.ErrSlugTaken(t.Slug)
		}
		return errx.Wrap(err, "failed to create tenant", errx.TypeInternal).
			WithDetail("tenant_id", t.ID.String())
	}
	return nil
}

func (r *PostgresTenantRepository) Get(ctx context.Context, id kernel.TenantID) (*tenant.Tenant, error) {
	var p tenantPersistence
	err := r.db.GetContext(ctx, &p, `SELECT * FROM tenants WHERE id = $1`, id.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, tenant.ErrTenantNotFound()
		}
		return nil, errx.Wrap(err, "failed to get tenant", errx.TypeInternal)
	}
	return toTenantDomain(p)
}

func (r *PostgresTenantRepository) GetChildBySlug(ctx context.Context, parentID kernel.TenantID, slug string) (*tenant.Tenant, error) {
	var p tenantPersistence
	err := r.db.GetContext(ctx, &p,
		`SELECT * FROM tenants WHERE parent_id = $1 AND slug = $2`,
		parentID.String(), slug)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, tenant.ErrTenantNotFound()
		}
		return nil, errx.Wrap(err, "failed to get tenant by slug", errx.TypeInternal)
	}
	return toTenantDomain(p)
}

func (r *PostgresTenantRepository) GetRootBySlug(ctx context.Context, slug string) (*tenant.Tenant, error) {
	var p tenantPersistence
	err := r.db.GetContext(ctx, &p,
		`SELECT * FROM tenants WHERE parent_id IS NULL AND slug = $1`, slug)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, tenant.ErrTenantNotFound()
		}
		return nil, errx.Wrap(err, "failed to get root tenant", errx.TypeInternal)
	}
	return toTenantDomain(p)
}

func (r *PostgresTenantRepository) CountRoots(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM tenants WHERE parent_id IS NULL`)
	if err != nil {
		return 0, errx.Wrap(err, "failed to count root tenants", errx.TypeInternal)
	}
	return count, nil
}

func (r *PostgresTenantRepository) Update(ctx context.Context, t *tenant.Tenant) error {
	p, err := toTenantPersistence(t)
	if err != nil {
		return err
	}
	query := `
		UPDATE tenants SET
			name = :name, status = :status, settings = :settings,
			max_depth = :max_depth, updated_at = :updated_at
		WHERE id = :id`

	result, err := r.db.NamedExecContext(ctx, query, p)
	if err != nil {
		return errx.Wrap(err, "failed to update tenant", errx.TypeInternal)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected on update", errx.TypeInternal)
	}
	if rowsAffected == 0 {
		return tenant.ErrTenantNotFound()
	}
	return nil
}

// Move rewrites the subtree's path prefixes and levels in one transaction.
// The subtree rows are locked first so the in-tx depth check holds.
func (r *PostgresTenantRepository) Move(ctx context.Context, id kernel.TenantID, newParent *tenant.Tenant, maxLevel int) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errx.Wrap(err, "failed to begin transaction", errx.TypeInternal)
	}
	defer tx.Rollback()

	var locked []struct {
		ID    string         `db:"id"`
		Path  pq.StringArray `db:"path"`
		Level int            `db:"level"`
	}
	err = tx.SelectContext(ctx, &locked,
		`SELECT id, path, level FROM tenants WHERE path @> ARRAY[$1] ORDER BY level FOR UPDATE`,
		id.String())
	if err != nil {
		return errx.Wrap(err, "failed to lock subtree", errx.TypeInternal)
	}
	if len(locked) == 0 {
		return tenant.ErrTenantNotFound()
	}

	// locked[0] is the moved node itself (lowest level in its subtree).
	oldPathLen := len(locked[0].Path)
	oldLevel := locked[0].Level
	shift := newParent.Level + 1 - oldLevel

	for _, row := range locked {
		if row.Level+shift > maxLevel {
			return tenant.ErrMaxDepthExceeded(maxLevel + 1)
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tenants SET
			path = $1::text[] || path[$2:],
			level = level + $3,
			updated_at = NOW()
		WHERE path @> ARRAY[$4]`,
		pq.StringArray(newParent.Path), oldPathLen, shift, id.String())
	if err != nil {
		return errx.Wrap(err, "failed to rewrite subtree paths", errx.TypeInternal)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tenants SET parent_id = $1 WHERE id = $2`,
		newParent.ID.String(), id.String())
	if err != nil {
		return errx.Wrap(err, "failed to update parent reference", errx.TypeInternal)
	}

	if err := tx.Commit(); err != nil {
		return errx.Wrap(err, "failed to commit move", errx.TypeInternal)
	}
	return nil
}

func (r *PostgresTenantRepository) SetSubtreeStatus(ctx context.Context, id kernel.TenantID, status tenant.Status) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE tenants SET status = $1, updated_at = NOW() WHERE path @> ARRAY[$2]`,
		string(status), id.String())
	if err != nil {
		return errx.Wrap(err, "failed to update subtree status", errx.TypeInternal)
	}
	return nil
}

func (r *PostgresTenantRepository) Delete(ctx context.Context, id kernel.TenantID) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM tenants WHERE path @> ARRAY[$1]`, id.String())
	if err != nil {
		return errx.Wrap(err, "failed to delete subtree", errx.TypeInternal)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected on delete", errx.TypeInternal)
	}
	if rowsAffected == 0 {
		return tenant.ErrTenantNotFound()
	}
	return nil
}

func (r *PostgresTenantRepository) Children(ctx context.Context, id kernel.TenantID, opts kernel.PaginationOptions) (kernel.Paginated[*tenant.Tenant], error) {
	return r.paginate(ctx, opts,
		`SELECT COUNT(*) FROM tenants WHERE parent_id = $1`,
		`SELECT * FROM tenants WHERE parent_id = $1 ORDER BY slug LIMIT $2 OFFSET $3`,
		id.String())
}

func (r *PostgresTenantRepository) Descendants(ctx context.Context, id kernel.TenantID, opts kernel.PaginationOptions) (kernel.Paginated[*tenant.Tenant], error) {
	return r.paginate(ctx, opts,
		`SELECT COUNT(*) FROM tenants WHERE path @> ARRAY[$1] AND id <> $1`,
		`SELECT * FROM tenants WHERE path @> ARRAY[$1] AND id <> $1 ORDER BY level, slug LIMIT $2 OFFSET $3`,
		id.String())
}

func (r *PostgresTenantRepository) Ancestors(ctx context.Context, id kernel.TenantID) ([]*tenant.Tenant, error) {
	t, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(t.Path) < 2 {
		return nil, nil
	}
	ancestorIDs := t.Path[:len(t.Path)-1]

	var rows []tenantPersistence
	err = r.db.SelectContext(ctx, &rows,
		`SELECT * FROM tenants WHERE id = ANY($1) ORDER BY level`,
		pq.StringArray(ancestorIDs))
	if err != nil {
		return nil, errx.Wrap(err, "failed to list ancestors", errx.TypeInternal)
	}
	return toTenantDomains(rows)
}

func (r *PostgresTenantRepository) Subtree(ctx context.Context, id kernel.TenantID) ([]*tenant.Tenant, error) {
	var rows []tenantPersistence
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM tenants WHERE path @> ARRAY[$1] ORDER BY level, slug`,
		id.String())
	if err != nil {
		return nil, errx.Wrap(err, "failed to load subtree", errx.TypeInternal)
	}
	if len(rows) == 0 {
		return nil, tenant.ErrTenantNotFound()
	}
	return toTenantDomains(rows)
}

func (r *PostgresTenantRepository) paginate(ctx context.Context, opts kernel.PaginationOptions, countQuery, listQuery string, arg string) (kernel.Paginated[*tenant.Tenant], error) {
	var zero kernel.Paginated[*tenant.Tenant]
	page, size := normalizePage(opts)

	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, arg); err != nil {
		return zero, errx.Wrap(err, "failed to count tenants", errx.TypeInternal)
	}

	var rows []tenantPersistence
	if err := r.db.SelectContext(ctx, &rows, listQuery, arg, size, (page-1)*size); err != nil {
		return zero, errx.Wrap(err, "failed to list tenants", errx.TypeInternal)
	}
	tenants, err := toTenantDomains(rows)
	if err != nil {
		return zero, err
	}
	return kernel.NewPaginated(tenants, page, size, total), nil
}

func normalizePage(opts kernel.PaginationOptions) (page, size int) {
	page, size = opts.Page, opts.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 200 {
		size = 50
	}
	return page, size
}

// Persistence struct handling DB-specific types.
type tenantPersistence struct {
	ID        string          `db:"id"`
	ParentID  *string         `db:"parent_id"`
	Type      string          `db:"type"`
	Slug      string          `db:"slug"`
	Name      string          `db:"name"`
	Status    string          `db:"status"`
	Path      pq.StringArray  `db:"path"`
	Level     int             `db:"level"`
	MaxDepth  int             `db:"max_depth"`
	Settings  json.RawMessage `db:"settings"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}

func toTenantPersistence(t *tenant.Tenant) (tenantPersistence, error) {
	settings, err := json.Marshal(t.Settings)
	if err != nil {
		return tenantPersistence{}, errx.Wrap(err, "failed to encode tenant settings", errx.TypeInternal)
	}
	p := tenantPersistence{
		ID:        t.ID.String(),
		Type:      string(t.Type),
		Slug:      t.Slug,
		Name:      t.Name,
		Status:    string(t.Status),
		Path:      pq.StringArray(t.Path),
		Level:     t.Level,
		MaxDepth:  t.MaxDepth,
		Settings:  settings,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	if t.ParentID != nil {
		id := t.ParentID.String()
		p.ParentID = &id
	}
	return p, nil
}

func toTenantDomain(p tenantPersistence) (*tenant.Tenant, error) {
	t := &tenant.Tenant{
		ID:        kernel.NewTenantID(p.ID),
		Type:      tenant.Type(p.Type),
		Slug:      p.Slug,
		Name:      p.Name,
		Status:    tenant.Status(p.Status),
		Path:      []string(p.Path),
		Level:     p.Level,
		MaxDepth:  p.MaxDepth,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	if p.ParentID != nil {
		id := kernel.NewTenantID(*p.ParentID)
		t.ParentID = &id
	}
	if len(p.Settings) > 0 {
		if err := json.Unmarshal(p.Settings, &t.Settings); err != nil {
			return nil, errx.Wrap(err, "failed to decode tenant settings", errx.TypeInternal)
		}
	}
	return t, nil
}

func toTenantDomains(rows []tenantPersistence) ([]*tenant.Tenant, error) {
	tenants := make([]*tenant.Tenant, len(rows))
	for i, p := range rows {
		t, err := toTenantDomain(p)
		if err != nil {
			return nil, err
		}
		tenants[i] = t
	}
	return tenants, nil
}
