package tenantinfra

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/tenant"
	"github.com/truxeio/truxe/pkg/kernel"
)

// PostgresMemberRepository is the PostgreSQL implementation of
// tenant.MemberRepository.
type PostgresMemberRepository struct {
	db *sqlx.DB
}

// NewPostgresMemberRepository creates a new instance of the repository.
func NewPostgresMemberRepository(db *sqlx.DB) tenant.MemberRepository {
	return &PostgresMemberRepository{
		db: db,
	}
}

func (r *PostgresMemberRepository) Add(ctx context.Context, m *tenant.Member) error {
	query := `
		INSERT INTO tenant_members (tenant_id, user_id, role, invited_by, created_at, updated_at)
		VALUES (:tenant_id, :user_id, :role, :invited_by, :created_at, :updated_at)`

	if _, err := r.db.NamedExecContext(ctx, query, toMemberPersistence(m)); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return tenant.ErrMemberExists()
		}
		return errx.Wrap(err, "failed to add member", errx.TypeInternal).
			WithDetail("tenant_id", m.TenantID.String())
	}
	return nil
}

func (r *PostgresMemberRepository) Get(ctx context.Context, tenantID kernel.TenantID, userID kernel.UserID) (*tenant.Member, error) {
	var p memberPersistence
	err := r.db.GetContext(ctx, &p,
		`SELECT * FROM tenant_members WHERE tenant_id = $1 AND user_id = $2`,
		tenantID.String(), userID.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, tenant.ErrMemberNotFound()
		}
		return nil, errx.Wrap(err, "failed to get member", errx.TypeInternal)
	}
	m := toMemberDomain(p)
	return &m, nil
}

func (r *PostgresMemberRepository) UpdateRole(ctx context.Context, tenantID kernel.TenantID, userID kernel.UserID, role tenant.Role) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE tenant_members SET role = $1, updated_at = NOW() WHERE tenant_id = $2 AND user_id = $3`,
		string(role), tenantID.String(), userID.String())
	if err != nil {
		return errx.Wrap(err, "failed to update member role", errx.TypeInternal)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected on role update", errx.TypeInternal)
	}
	if rowsAffected == 0 {
		return tenant.ErrMemberNotFound()
	}
	return nil
}

func (r *PostgresMemberRepository) Remove(ctx context.Context, tenantID kernel.TenantID, userID kernel.UserID) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM tenant_members WHERE tenant_id = $1 AND user_id = $2`,
		tenantID.String(), userID.String())
	if err != nil {
		return errx.Wrap(err, "failed to remove member", errx.TypeInternal)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected on remove", errx.TypeInternal)
	}
	if rowsAffected == 0 {
		return tenant.ErrMemberNotFound()
	}
	return nil
}

func (r *PostgresMemberRepository) List(ctx context.Context, tenantID kernel.TenantID, opts kernel.PaginationOptions) (kernel.Paginated[*tenant.Member], error) {
	var zero kernel.Paginated[*tenant.Member]
	page, size := normalizePage(opts)

	var total int
	err := r.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM tenant_members WHERE tenant_id = $1`, tenantID.String())
	if err != nil {
		return zero, errx.Wrap(err, "failed to count members", errx.TypeInternal)
	}

	var rows []memberPersistence
	err = r.db.SelectContext(ctx, &rows,
		`SELECT * FROM tenant_members WHERE tenant_id = $1 ORDER BY created_at LIMIT $2 OFFSET $3`,
		tenantID.String(), size, (page-1)*size)
	if err != nil {
		return zero, errx.Wrap(err, "failed to list members", errx.TypeInternal)
	}

	members := make([]*tenant.Member, len(rows))
	for i, p := range rows {
		m := toMemberDomain(p)
		members[i] = &m
	}
	return kernel.NewPaginated(members, page, size, total), nil
}

func (r *PostgresMemberRepository) ListForUser(ctx context.Context, userID kernel.UserID) ([]*tenant.Member, error) {
	var rows []memberPersistence
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM tenant_members WHERE user_id = $1 ORDER BY created_at`,
		userID.String())
	if err != nil {
		return nil, errx.Wrap(err, "failed to list memberships", errx.TypeInternal)
	}
	members := make([]*tenant.Member, len(rows))
	for i, p := range rows {
		m := toMemberDomain(p)
		members[i] = &m
	}
	return members, nil
}

func (r *PostgresMemberRepository) CountByRole(ctx context.Context, tenantID kernel.TenantID, role tenant.Role) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM tenant_members WHERE tenant_id = $1 AND role = $2`,
		tenantID.String(), string(role))
	if err != nil {
		return 0, errx.Wrap(err, "failed to count members by role", errx.TypeInternal)
	}
	return count, nil
}

func (r *PostgresMemberRepository) FindForUserIn(ctx context.Context, userID kernel.UserID, tenantIDs []string) ([]*tenant.Member, error) {
	if len(tenantIDs) == 0 {
		return nil, nil
	}
	var rows []memberPersistence
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM tenant_members WHERE user_id = $1 AND tenant_id = ANY($2)`,
		userID.String(), pq.StringArray(tenantIDs))
	if err != nil {
		return nil, errx.Wrap(err, "failed to find memberships", errx.TypeInternal)
	}
	members := make([]*tenant.Member, len(rows))
	for i, p := range rows {
		m := toMemberDomain(p)
		members[i] = &m
	}
	return members, nil
}

// Persistence struct handling DB-specific types.
type memberPersistence struct {
	TenantID  string    `db:"tenant_id"`
	UserID    string    `db:"user_id"`
	Role      string    `db:"role"`
	InvitedBy *string   `db:"invited_by"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func toMemberPersistence(m *tenant.Member) memberPersistence {
	p := memberPersistence{
		TenantID:  m.TenantID.String(),
		UserID:    m.UserID.String(),
		Role:      string(m.Role),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if m.InvitedBy != nil {
		id := m.InvitedBy.String()
		p.InvitedBy = &id
	}
	return p
}

func toMemberDomain(p memberPersistence) tenant.Member {
	m := tenant.Member{
		TenantID:  kernel.NewTenantID(p.TenantID),
		UserID:    kernel.NewUserID(p.UserID),
		Role:      tenant.Role(p.Role),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	if p.InvitedBy != nil {
		id := kernel.NewUserID(*p.InvitedBy)
		m.InvitedBy = &id
	}
	return m
}
