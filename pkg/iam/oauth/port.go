package oauth

import (
	"context"

	"github.com/truxeio/truxe/pkg/iam"
	"github.com/truxeio/truxe/pkg/kernel"
)

// AccountRepository is the persistence port for linked provider accounts.
type AccountRepository interface {
	// Upsert inserts or refreshes the (provider, provider_account_id) row.
	// A row already bound to a different user returns
	// ErrAccountLinkedElsewhere; the link check and the write share one
	// transaction.
	Upsert(ctx context.Context, account *Account) error

	FindByProviderAccount(ctx context.Context, provider iam.OAuthProvider, providerAccountID string) (*Account, error)
	FindForUser(ctx context.Context, userID kernel.UserID, provider iam.OAuthProvider) (*Account, error)
	ListForUser(ctx context.Context, userID kernel.UserID) ([]*Account, error)
	Delete(ctx context.Context, userID kernel.UserID, provider iam.OAuthProvider) error
}

// StateStore persists pending authorization state between the redirect and
// the callback. Consume is one-shot: exactly one caller gets the context,
// every later caller gets ErrStateAlreadyUsed.
type StateStore interface {
	Save(ctx context.Context, id string, sc StateContext) error
	Consume(ctx context.Context, id string) (*StateContext, error)
}
