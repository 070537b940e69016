package usersrv

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/audit"
	"github.com/truxeio/truxe/pkg/iam/user"
	"github.com/truxeio/truxe/pkg/kernel"
	"github.com/truxeio/truxe/pkg/logx"
)

// UserService manages the identity registry.
type UserService struct {
	repo  user.Repository
	audit audit.Sink
}

// NewUserService creates a new user service.
func NewUserService(repo user.Repository, auditSink audit.Sink) *UserService {
	if auditSink == nil {
		auditSink = audit.Nop{}
	}
	return &UserService{
		repo:  repo,
		audit: auditSink,
	}
}

// Get returns a user by id.
func (s *UserService) Get(ctx context.Context, id kernel.UserID) (*user.User, error) {
	return s.repo.FindByID(ctx, id)
}

// GetByEmail returns a user by normalized email.
func (s *UserService) GetByEmail(ctx context.Context, email string) (*user.User, error) {
	normalized, err := user.NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	return s.repo.FindByEmail(ctx, normalized)
}

// GetOrCreateByEmail returns the user for email, creating one when none
// exists. Two concurrent first-time logins race on the unique email index;
// the loser re-reads and returns the winner's row.
func (s *UserService) GetOrCreateByEmail(ctx context.Context, email string, seed user.Profile) (*user.User, error) {
	normalized, err := user.NormalizeEmail(email)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.FindByEmail(ctx, normalized)
	if err == nil {
		return existing, nil
	}
	if !errx.IsType(err, errx.TypeNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	u := &user.User{
		ID:        kernel.NewUserID(uuid.NewString()),
		Email:     normalized,
		Status:    user.StatusActive,
		Name:      seed.Name,
		Picture:   seed.Picture,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Create(ctx, u); err != nil {
		if errx.IsType(err, errx.TypeConflict) {
			return s.repo.FindByEmail(ctx, normalized)
		}
		return nil, err
	}

	logx.WithFields(logx.Fields{
		"user_id": u.ID.String(),
		"email":   u.Email,
	}).Info("User created")

	s.audit.Record(ctx, audit.Event{
		At:         now,
		ActorType:  audit.ActorSystem,
		Action:     "user.created",
		TargetType: "user",
		TargetID:   u.ID.String(),
		Severity:   audit.SeverityInfo,
	})

	return u, nil
}

// MarkEmailVerified flips the verification flag once.
func (s *UserService) MarkEmailVerified(ctx context.Context, id kernel.UserID) error {
	return s.repo.MarkEmailVerified(ctx, id)
}

// UpdateProfile updates mutable profile attributes.
func (s *UserService) UpdateProfile(ctx context.Context, id kernel.UserID, profile user.Profile) (*user.User, error) {
	u, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if profile.Name != "" {
		u.Name = profile.Name
	}
	if profile.Picture != "" {
		u.Picture = profile.Picture
	}
	u.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// UpdateStatus transitions the account lifecycle state. Suspended and blocked
// users cannot authenticate until reactivated.
func (s *UserService) UpdateStatus(ctx context.Context, id kernel.UserID, status user.Status, actorID string) error {
	if err := s.repo.UpdateStatus(ctx, id, status); err != nil {
		return err
	}

	severity := audit.SeverityInfo
	if status != user.StatusActive {
		severity = audit.SeverityWarn
	}
	s.audit.Record(ctx, audit.Event{
		At:         time.Now().UTC(),
		ActorType:  audit.ActorUser,
		ActorID:    &actorID,
		Action:     "user.status_changed",
		TargetType: "user",
		TargetID:   id.String(),
		Details:    map[string]any{"status": string(status)},
		Severity:   severity,
	})
	return nil
}
