package oauthinfra

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam"
	"github.com/truxeio/truxe/pkg/iam/oauth"
	"github.com/truxeio/truxe/pkg/kernel"
)

// PostgresAccountRepository is the PostgreSQL implementation of
// oauth.AccountRepository.
type PostgresAccountRepository struct {
	db *sqlx.DB
}

// NewPostgresAccountRepository creates a new instance of the repository.
func NewPostgresAccountRepository(db *sqlx.DB) oauth.AccountRepository {
	return &PostgresAccountRepository{
		db: db,
	}
}

// Upsert binds the provider account to the user. The conflict check and the
// write share one transaction so concurrent links cannot both win.
func (r *PostgresAccountRepository) Upsert(ctx context.Context, account *oauth.Account) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errx.Wrap(err, "failed to begin transaction", errx.TypeInternal)
	}
	defer tx.Rollback()

	var existingUserID string
	err = tx.GetContext(ctx, &existingUserID,
		`SELECT user_id FROM oauth_accounts
		 WHERE provider = $1 AND provider_account_id = $2
		 FOR UPDATE`,
		string(account.Provider), account.ProviderAccountID)
	if err != nil && err != sql.ErrNoRows {
		return errx.Wrap(err, "failed to check existing oauth account", errx.TypeInternal)
	}
	if err == nil && existingUserID != account.UserID.String() {
		return oauth.ErrAccountLinkedElsewhere().
			WithDetail("provider", string(account.Provider))
	}

	query := `
		INSERT INTO oauth_accounts (
			id, user_id, provider, provider_account_id, email, name, picture,
			access_token_enc, refresh_token_enc, token_expires_at, scopes,
			created_at, updated_at
		) VALUES (
			:id, :user_id, :provider, :provider_account_id, :email, :name, :picture,
			:access_token_enc, :refresh_token_enc, :token_expires_at, :scopes,
			:created_at, :updated_at
		)
		ON CONFLICT (provider, provider_account_id) DO UPDATE SET
			email             = EXCLUDED.email,
			name              = EXCLUDED.name,
			picture           = EXCLUDED.picture,
			access_token_enc  = EXCLUDED.access_token_enc,
			refresh_token_enc = EXCLUDED.refresh_token_enc,
			token_expires_at  = EXCLUDED.token_expires_at,
			scopes            = EXCLUDED.scopes,
			updated_at        = EXCLUDED.updated_at`

	if _, err := tx.NamedExecContext(ctx, query, toAccountPersistence(account)); err != nil {
		return errx.Wrap(err, "failed to upsert oauth account", errx.TypeInternal).
			WithDetail("provider", string(account.Provider))
	}
	if err := tx.Commit(); err != nil {
		return errx.Wrap(err, "failed to commit oauth account upsert", errx.TypeInternal)
	}
	return nil
}

func (r *PostgresAccountRepository) FindByProviderAccount(ctx context.Context, provider iam.OAuthProvider, providerAccountID string) (*oauth.Account, error) {
	var p accountPersistence
	query := `SELECT * FROM oauth_accounts WHERE provider = $1 AND provider_account_id = $2`
	err := r.db.GetContext(ctx, &p, query, string(provider), providerAccountID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, oauth.ErrAccountNotFound()
		}
		return nil, errx.Wrap(err, "failed to find oauth account", errx.TypeInternal)
	}
	account := toAccountDomain(p)
	return &account, nil
}

func (r *PostgresAccountRepository) FindForUser(ctx context.Context, userID kernel.UserID, provider iam.OAuthProvider) (*oauth.Account, error) {
	var p accountPersistence
	query := `SELECT * FROM oauth_accounts WHERE user_id = $1 AND provider = $2`
	err := r.db.GetContext(ctx, &p, query, userID.String(), string(provider))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, oauth.ErrAccountNotFound()
		}
		return nil, errx.Wrap(err, "failed to find oauth account", errx.TypeInternal)
	}
	account := toAccountDomain(p)
	return &account, nil
}

func (r *PostgresAccountRepository) ListForUser(ctx context.Context, userID kernel.UserID) ([]*oauth.Account, error) {
	var rows []accountPersistence
	query := `SELECT * FROM oauth_accounts WHERE user_id = $1 ORDER BY created_at`
	if err := r.db.SelectContext(ctx, &rows, query, userID.String()); err != nil {
		return nil, errx.Wrap(err, "failed to list oauth accounts", errx.TypeInternal)
	}
	accounts := make([]*oauth.Account, len(rows))
	for i, p := range rows {
		account := toAccountDomain(p)
		accounts[i] = &account
	}
	return accounts, nil
}

func (r *PostgresAccountRepository) Delete(ctx context.Context, userID kernel.UserID, provider iam.OAuthProvider) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM oauth_accounts WHERE user_id = $1 AND provider = $2`,
		userID.String(), string(provider))
	if err != nil {
		return errx.Wrap(err, "failed to delete oauth account", errx.TypeInternal)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected on delete", errx.TypeInternal)
	}
	if rowsAffected == 0 {
		return oauth.ErrAccountNotFound()
	}
	return nil
}

// Persistence struct handling DB-specific types.
type accountPersistence struct {
	ID                string         `db:"id"`
	UserID            string         `db:"user_id"`
	Provider          string         `db:"provider"`
	ProviderAccountID string         `db:"provider_account_id"`
	Email             sql.NullString `db:"email"`
	Name              sql.NullString `db:"name"`
	Picture           sql.NullString `db:"picture"`
	AccessTokenEnc    sql.NullString `db:"access_token_enc"`
	RefreshTokenEnc   sql.NullString `db:"refresh_token_enc"`
	TokenExpiresAt    *time.Time     `db:"token_expires_at"`
	Scopes            pq.StringArray `db:"scopes"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func toAccountPersistence(a *oauth.Account) accountPersistence {
	return accountPersistence{
		ID:                a.ID,
		UserID:            a.UserID.String(),
		Provider:          string(a.Provider),
		ProviderAccountID: a.ProviderAccountID,
		Email:             sql.NullString{String: a.Email, Valid: a.Email != ""},
		Name:              sql.NullString{String: a.Name, Valid: a.Name != ""},
		Picture:           sql.NullString{String: a.Picture, Valid: a.Picture != ""},
		AccessTokenEnc:    sql.NullString{String: a.AccessTokenEnc, Valid: a.AccessTokenEnc != ""},
		RefreshTokenEnc:   sql.NullString{String: a.RefreshTokenEnc, Valid: a.RefreshTokenEnc != ""},
		TokenExpiresAt:    a.TokenExpiresAt,
		Scopes:            pq.StringArray(a.Scopes),
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

func toAccountDomain(p accountPersistence) oauth.Account {
	return oauth.Account{
		ID:                p.ID,
		UserID:            kernel.NewUserID(p.UserID),
		Provider:          iam.OAuthProvider(p.Provider),
		ProviderAccountID: p.ProviderAccountID,
		Email:             p.Email.String,
		Name:              p.Name.String,
		Picture:           p.Picture.String,
		AccessTokenEnc:    p.AccessTokenEnc.String,
		RefreshTokenEnc:   p.RefreshTokenEnc.String,
		TokenExpiresAt:    p.TokenExpiresAt,
		Scopes:            []string(p.Scopes),
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}
