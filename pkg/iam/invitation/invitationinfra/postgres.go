package invitationinfra

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/invitation"
	"github.com/truxeio/truxe/pkg/kernel"
)

// PostgresInvitationRepository is the PostgreSQL implementation of
// invitation.InvitationRepository, backed by the user_invitations table.
type PostgresInvitationRepository struct {
	db *sqlx.DB
}

// NewPostgresInvitationRepository creates a new instance of the repository.
func NewPostgresInvitationRepository(db *sqlx.DB) invitation.InvitationRepository {
	return &PostgresInvitationRepository{
		db: db,
	}
}

const invitationColumns = `
	id, tenant_id, email, token_hash, role, status, invited_by,
	expires_at, accepted_at, accepted_by, created_at, updated_at`

func (r *PostgresInvitationRepository) FindByID(ctx context.Context, id string) (*invitation.Invitation, error) {
	query := `SELECT` + invitationColumns + `
		FROM user_invitations
		WHERE id = $1`

	var inv invitation.Invitation
	err := r.db.GetContext(ctx, &inv, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, invitation.ErrInvitationNotFound().WithDetail("invitation_id", id)
		}
		return nil, errx.Wrap(err, "failed to find invitation by id", errx.TypeInternal).
			WithDetail("invitation_id", id)
	}

	return &inv, nil
}

func (r *PostgresInvitationRepository) FindByTokenHash(ctx context.Context, tokenHash string) (*invitation.Invitation, error) {
	query := `SELECT` + invitationColumns + `
		FROM user_invitations
		WHERE token_hash = $1`

	var inv invitation.Invitation
	err := r.db.GetContext(ctx, &inv, query, tokenHash)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, invitation.ErrInvitationNotFound()
		}
		return nil, errx.Wrap(err, "failed to find invitation by token", errx.TypeInternal)
	}

	return &inv, nil
}

func (r *PostgresInvitationRepository) FindPendingByEmail(ctx context.Context, email string, tenantID kernel.TenantID) (*invitation.Invitation, error) {
	query := `SELECT` + invitationColumns + `
		FROM user_invitations
		WHERE email = $1 AND tenant_id = $2 AND status = 'PENDING' AND expires_at > NOW()
		ORDER BY created_at DESC
		LIMIT 1`

	var inv invitation.Invitation
	err := r.db.GetContext(ctx, &inv, query, email, tenantID.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, invitation.ErrInvitationNotFound().WithDetail("email", email)
		}
		return nil, errx.Wrap(err, "failed to find pending invitation", errx.TypeInternal).
			WithDetail("email", email)
	}

	return &inv, nil
}

func (r *PostgresInvitationRepository) ListForTenant(ctx context.Context, tenantID kernel.TenantID, pendingOnly bool, opts kernel.PaginationOptions) (kernel.Paginated[*invitation.Invitation], error) {
	var zero kernel.Paginated[*invitation.Invitation]
	page, size := normalizePage(opts)

	filter := `tenant_id = $1`
	if pendingOnly {
		filter += ` AND status = 'PENDING' AND expires_at > NOW()`
	}

	var total int
	err := r.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM user_invitations WHERE `+filter, tenantID.String())
	if err != nil {
		return zero, errx.Wrap(err, "failed to count invitations", errx.TypeInternal).
			WithDetail("tenant_id", tenantID.String())
	}

	query := `SELECT` + invitationColumns + `
		FROM user_invitations
		WHERE ` + filter + `
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	var rows []invitation.Invitation
	err = r.db.SelectContext(ctx, &rows, query, tenantID.String(), size, (page-1)*size)
	if err != nil {
		return zero, errx.Wrap(err, "failed to list invitations", errx.TypeInternal).
			WithDetail("tenant_id", tenantID.String())
	}

	result := make([]*invitation.Invitation, len(rows))
	for i := range rows {
		result[i] = &rows[i]
	}
	return kernel.NewPaginated(result, page, size, total), nil
}

func (r *PostgresInvitationRepository) Save(ctx context.Context, inv invitation.Invitation) error {
	exists, err := r.invitationExists(ctx, inv.ID)
	if err != nil {
		return errx.Wrap(err, "failed to check invitation existence", errx.TypeInternal)
	}

	if exists {
		return r.update(ctx, inv)
	}
	return r.create(ctx, inv)
}

func (r *PostgresInvitationRepository) create(ctx context.Context, inv invitation.Invitation) error {
	query := `
		INSERT INTO user_invitations (
			id, tenant_id, email, token_hash, role, status, invited_by,
			expires_at, accepted_at, accepted_by, created_at, updated_at
		) VALUES (
			:id, :tenant_id, :email, :token_hash, :role, :status, :invited_by,
			:expires_at, :accepted_at, :accepted_by, :created_at, :updated_at
		)`

	_, err := r.db.NamedExecContext(ctx, query, inv)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return invitation.ErrInvitationAlreadyExists().
				WithDetail("email", inv.Email)
		}
		return errx.Wrap(err, "failed to create invitation", errx.TypeInternal).
			WithDetail("invitation_id", inv.ID)
	}

	return nil
}

func (r *PostgresInvitationRepository) update(ctx context.Context, inv invitation.Invitation) error {
	query := `
		UPDATE user_invitations SET
			email = :email,
			status = :status,
			role = :role,
			expires_at = :expires_at,
			accepted_at = :accepted_at,
			accepted_by = :accepted_by,
			updated_at = :updated_at
		WHERE id = :id`

	result, err := r.db.NamedExecContext(ctx, query, inv)
	if err != nil {
		return errx.Wrap(err, "failed to update invitation", errx.TypeInternal).
			WithDetail("invitation_id", inv.ID)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected", errx.TypeInternal)
	}

	if rowsAffected == 0 {
		return invitation.ErrInvitationNotFound().WithDetail("invitation_id", inv.ID)
	}

	return nil
}

func (r *PostgresInvitationRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM user_invitations WHERE id = $1`, id)
	if err != nil {
		return errx.Wrap(err, "failed to delete invitation", errx.TypeInternal).
			WithDetail("invitation_id", id)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected", errx.TypeInternal)
	}

	if rowsAffected == 0 {
		return invitation.ErrInvitationNotFound().WithDetail("invitation_id", id)
	}

	return nil
}

func (r *PostgresInvitationRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM user_invitations WHERE status = 'PENDING' AND expires_at < NOW()`)
	if err != nil {
		return 0, errx.Wrap(err, "failed to delete expired invitations", errx.TypeInternal)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, errx.Wrap(err, "failed to get rows affected", errx.TypeInternal)
	}
	return rowsAffected, nil
}

func (r *PostgresInvitationRepository) ExistsPendingForEmail(ctx context.Context, email string, tenantID kernel.TenantID) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM user_invitations
			WHERE email = $1 AND tenant_id = $2 AND status = 'PENDING' AND expires_at > NOW()
		)`

	var exists bool
	err := r.db.GetContext(ctx, &exists, query, email, tenantID.String())
	if err != nil {
		return false, errx.Wrap(err, "failed to check pending invitation existence", errx.TypeInternal).
			WithDetail("email", email)
	}

	return exists, nil
}

func (r *PostgresInvitationRepository) invitationExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM user_invitations WHERE id = $1)`, id)
	if err != nil {
		return false, errx.Wrap(err, "failed to check invitation existence", errx.TypeInternal).
			WithDetail("invitation_id", id)
	}

	return exists, nil
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
