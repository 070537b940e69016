package user

import (
	"context"

	"github.com/truxeio/truxe/pkg/kernel"
)

// Repository is the persistence port for users.
type Repository interface {
	Create(ctx context.Context, u *User) error
	FindByID(ctx context.Context, id kernel.UserID) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, u *User) error
	UpdateStatus(ctx context.Context, id kernel.UserID, status Status) error
	MarkEmailVerified(ctx context.Context, id kernel.UserID) error
}
