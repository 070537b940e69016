package magiclinkinfra

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/magiclink"
	"github.com/truxeio/truxe/pkg/kernel"
)

// PostgresMagicLinkRepository is the PostgreSQL implementation of
// magiclink.Repository.
type PostgresMagicLinkRepository struct {
	db *sqlx.DB
}

// NewPostgresMagicLinkRepository creates a new instance of the repository.
func NewPostgresMagicLinkRepository(db *sqlx.DB) magiclink.Repository {
	return &PostgresMagicLinkRepository{
		db: db,
	}
}

func (r *PostgresMagicLinkRepository) Create(ctx context.Context, link *magiclink.Link) error {
	query := `
		INSERT INTO magic_links (
			id, token_hash, lookup, user_id, email, redirect_uri, tenant_id,
			expires_at, consumed_at, ip, created_at
		) VALUES (
			:id, :token_hash, :lookup, :user_id, :email, :redirect_uri, :tenant_id,
			:expires_at, :consumed_at, :ip, :created_at
		)`

	_, err := r.db.NamedExecContext(ctx, query, toPersistence(link))
	if err != nil {
		return errx.Wrap(err, "failed to create magic link", errx.TypeInternal).
			WithDetail("link_id", link.ID)
	}
	return nil
}

func (r *PostgresMagicLinkRepository) FindByLookup(ctx context.Context, lookup string) (*magiclink.Link, error) {
	var p linkPersistence
	query := `SELECT * FROM magic_links WHERE lookup = $1`
	err := r.db.GetContext(ctx, &p, query, lookup)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, magiclink.ErrLinkInvalid()
		}
		return nil, errx.Wrap(err, "failed to find magic link", errx.TypeInternal)
	}
	link := toDomain(p)
	return &link, nil
}

// Consume flips consumed_at once. The WHERE clause is the atomicity
// guarantee: concurrent redeemers race on the same row and exactly one
// update succeeds.
func (r *PostgresMagicLinkRepository) Consume(ctx context.Context, id string) error {
	query := `UPDATE magic_links SET consumed_at = NOW() WHERE id = $1 AND consumed_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return errx.Wrap(err, "failed to consume magic link", errx.TypeInternal).
			WithDetail("link_id", id)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected on consume", errx.TypeInternal)
	}
	if rowsAffected == 0 {
		return magiclink.ErrLinkConsumed()
	}
	return nil
}

func (r *PostgresMagicLinkRepository) Release(ctx context.Context, id string) error {
	query := `UPDATE magic_links SET consumed_at = NULL WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return errx.Wrap(err, "failed to release magic link", errx.TypeInternal).
			WithDetail("link_id", id)
	}
	return nil
}

func (r *PostgresMagicLinkRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM magic_links WHERE expires_at < $1`
	result, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, errx.Wrap(err, "failed to delete expired magic links", errx.TypeInternal)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errx.Wrap(err, "failed to get rows affected on cleanup", errx.TypeInternal)
	}
	return rows, nil
}

// Persistence struct handling DB-specific types.
type linkPersistence struct {
	ID          string         `db:"id"`
	TokenHash   string         `db:"token_hash"`
	Lookup      string         `db:"lookup"`
	UserID      *string        `db:"user_id"`
	Email       string         `db:"email"`
	RedirectURI sql.NullString `db:"redirect_uri"`
	TenantID    *string        `db:"tenant_id"`
	ExpiresAt   time.Time      `db:"expires_at"`
	ConsumedAt  *time.Time     `db:"consumed_at"`
	IP          sql.NullString `db:"ip"`
	CreatedAt   time.Time      `db:"created_at"`
}

func toPersistence(l *magiclink.Link) linkPersistence {
	p := linkPersistence{
		ID:          l.ID,
		TokenHash:   l.TokenHash,
		Lookup:      l.Lookup,
		Email:       l.Email,
		RedirectURI: sql.NullString{String: l.RedirectURI, Valid: l.RedirectURI != ""},
		ExpiresAt:   l.ExpiresAt,
		ConsumedAt:  l.ConsumedAt,
		IP:          sql.NullString{String: l.IP, Valid: l.IP != ""},
		CreatedAt:   l.CreatedAt,
	}
	if l.UserID != nil {
		id := l.UserID.String()
		p.UserID = &id
	}
	if l.TenantID != nil {
		id := l.TenantID.String()
		p.TenantID = &id
	}
	return p
}

func toDomain(p linkPersistence) magiclink.Link {
	l := magiclink.Link{
		ID:          p.ID,
		TokenHash:   p.TokenHash,
		Lookup:      p.Lookup,
		Email:       p.Email,
		RedirectURI: p.RedirectURI.String,
		ExpiresAt:   p.ExpiresAt,
		ConsumedAt:  p.ConsumedAt,
		IP:          p.IP.String,
		CreatedAt:   p.CreatedAt,
	}
	if p.UserID != nil {
		id := kernel.NewUserID(*p.UserID)
		l.UserID = &id
	}
	if p.TenantID != nil {
		id := kernel.NewTenantID(*p.TenantID)
		l.TenantID = &id
	}
	return l
}
