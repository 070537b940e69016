package userinfra

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/user"
	"github.com/truxeio/truxe/pkg/kernel"
)

// PostgresUserRepository is the PostgreSQL implementation of user.Repository.
type PostgresUserRepository struct {
	db *sqlx.DB
}

// NewPostgresUserRepository creates a new instance of the repository.
func NewPostgresUserRepository(db *sqlx.DB) user.Repository {
	return &PostgresUserRepository{
		db: db,
	}
}

func (r *PostgresUserRepository) Create(ctx context.Context, u *user.User) error {
	query := `
		INSERT INTO users (
			id, email, email_verified, status, name, picture, metadata,
			created_at, updated_at
		) VALUES (
			:id, :email, :email_verified, :status, :name, :picture, :metadata,
			:created_at, :updated_at
		)`

	_, err := r.db.NamedExecContext(ctx, query, toPersistence(u))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" { // unique_violation
			return errx.New("email already registered", errx.TypeConflict).
				WithDetail("email", u.Email)
		}
		return errx.Wrap(err, "failed to create user", errx.TypeInternal).
			WithDetail("user_id", u.ID.String())
	}
	return nil
}

func (r *PostgresUserRepository) FindByID(ctx context.Context, id kernel.UserID) (*user.User, error) {
	var p userPersistence
	query := `SELECT * FROM users WHERE id = $1`
	err := r.db.GetContext(ctx, &p, query, id.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, user.ErrUserNotFound()
		}
		return nil, errx.Wrap(err, "failed to find user by ID", errx.TypeInternal)
	}
	return toDomain(p)
}

func (r *PostgresUserRepository) FindByEmail(ctx context.Context, email string) (*user.User, error) {
	var p userPersistence
	query := `SELECT * FROM users WHERE email = $1`
	err := r.db.GetContext(ctx, &p, query, email)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, user.ErrUserNotFound()
		}
		return nil, errx.Wrap(err, "failed to find user by email", errx.TypeInternal)
	}
	return toDomain(p)
}

func (r *PostgresUserRepository) Update(ctx context.Context, u *user.User) error {
	query := `
		UPDATE users SET
			email_verified = :email_verified,
			status = :status,
			name = :name,
			picture = :picture,
			metadata = :metadata,
			updated_at = :updated_at
		WHERE id = :id`

	result, err := r.db.NamedExecContext(ctx, query, toPersistence(u))
	if err != nil {
		return errx.Wrap(err, "failed to update user", errx.TypeInternal).
			WithDetail("user_id", u.ID.String())
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected on update", errx.TypeInternal)
	}
	if rowsAffected == 0 {
		return user.ErrUserNotFound()
	}
	return nil
}

func (r *PostgresUserRepository) UpdateStatus(ctx context.Context, id kernel.UserID, status user.Status) error {
	query := `UPDATE users SET status = $1, updated_at = NOW() WHERE id = $2`
	result, err := r.db.ExecContext(ctx, query, string(status), id.String())
	if err != nil {
		return errx.Wrap(err, "failed to update user status", errx.TypeInternal)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected on status update", errx.TypeInternal)
	}
	if rowsAffected == 0 {
		return user.ErrUserNotFound()
	}
	return nil
}

func (r *PostgresUserRepository) MarkEmailVerified(ctx context.Context, id kernel.UserID) error {
	query := `UPDATE users SET email_verified = true, updated_at = NOW() WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id.String())
	if err != nil {
		return errx.Wrap(err, "failed to mark email verified", errx.TypeInternal)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected on verification", errx.TypeInternal)
	}
	if rowsAffected == 0 {
		return user.ErrUserNotFound()
	}
	return nil
}

// Persistence struct handling DB-specific types.
type userPersistence struct {
	ID            string          `db:"id"`
	Email         string          `db:"email"`
	EmailVerified bool            `db:"email_verified"`
	Status        string          `db:"status"`
	Name          sql.NullString  `db:"name"`
	Picture       sql.NullString  `db:"picture"`
	Metadata      json.RawMessage `db:"metadata"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

func toPersistence(u *user.User) userPersistence {
	metadata, err := json.Marshal(u.Metadata)
	if err != nil || u.Metadata == nil {
		metadata = []byte("{}")
	}
	return userPersistence{
		ID:            u.ID.String(),
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		Status:        string(u.Status),
		Name:          sql.NullString{String: u.Name, Valid: u.Name != ""},
		Picture:       sql.NullString{String: u.Picture, Valid: u.Picture != ""},
		Metadata:      metadata,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

func toDomain(p userPersistence) (*user.User, error) {
	var metadata map[string]any
	if len(p.Metadata) > 0 {
		if err := json.Unmarshal(p.Metadata, &metadata); err != nil {
			return nil, errx.Wrap(err, "failed to decode user metadata", errx.TypeInternal).
				WithDetail("user_id", p.ID)
		}
	}
	return &user.User{
		ID:            kernel.NewUserID(p.ID),
		Email:         p.Email,
		EmailVerified: p.EmailVerified,
		Status:        user.Status(p.Status),
		Name:          p.Name.String,
		Picture:       p.Picture.String,
		Metadata:      metadata,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}, nil
}
