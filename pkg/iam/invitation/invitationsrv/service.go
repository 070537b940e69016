package invitationsrv

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/truxeio/truxe/pkg/config"
	"github.com/truxeio/truxe/pkg/cryptox"
	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/audit"
	"github.com/truxeio/truxe/pkg/iam/invitation"
	"github.com/truxeio/truxe/pkg/iam/tenant"
	"github.com/truxeio/truxe/pkg/iam/user"
	"github.com/truxeio/truxe/pkg/kernel"
	"github.com/truxeio/truxe/pkg/logx"
	"github.com/truxeio/truxe/pkg/notifx"
)

// TemplateName is the notifx template rendered into the invitation email.
const TemplateName = "invitation"

const defaultTemplate = `
<p>Hello,</p>
<p>You have been invited to join <strong>{{.TenantName}}</strong> as
{{.Role}}. The invitation expires in {{.ExpiresDays}} days.</p>
<p><a href="{{.Link}}">Accept invitation</a></p>
<p>If you were not expecting this email you can safely ignore it.</p>`

// TenantDirectory is the slice of the tenant service the invitation flow
// needs: resolving the tenant for the email and enrolling the member on
// acceptance.
type TenantDirectory interface {
	Get(ctx context.Context, id kernel.TenantID) (*tenant.Tenant, error)
	AddMember(ctx context.Context, tenantID kernel.TenantID, userID kernel.UserID, role tenant.Role, invitedBy *kernel.UserID) (*tenant.Member, error)
}

// UserRegistry resolves the accepting user so the invitation email can be
// checked against the account.
type UserRegistry interface {
	Get(ctx context.Context, id kernel.UserID) (*user.User, error)
}

// Mailer sends the templated invitation email.
type Mailer interface {
	RegisterTemplate(name, tmplString string) error
	SendTemplatedEmail(ctx context.Context, templateName string, data interface{}, msg notifx.EmailMessage, opts ...notifx.Option) error
}

// InvitationService manages the invite / accept / revoke lifecycle of tenant
// membership invitations.
type InvitationService struct {
	repo    invitation.InvitationRepository
	tenants TenantDirectory
	users   UserRegistry
	mailer  Mailer
	audit   audit.Sink

	cfg    config.InvitationConfig
	notifx config.NotifxConfig
	now    func() time.Time
}

func NewInvitationService(
	repo invitation.InvitationRepository,
	tenants TenantDirectory,
	users UserRegistry,
	mailer Mailer,
	auditSink audit.Sink,
	cfg config.InvitationConfig,
	notifxCfg config.NotifxConfig,
) (*InvitationService, error) {
	if auditSink == nil {
		auditSink = audit.Nop{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = invitation.DefaultTTL
	}
	if mailer != nil {
		if err := mailer.RegisterTemplate(TemplateName, defaultTemplate); err != nil {
			return nil, err
		}
	}
	return &InvitationService{
		repo:    repo,
		tenants: tenants,
		users:   users,
		mailer:  mailer,
		audit:   auditSink,
		cfg:     cfg,
		notifx:  notifxCfg,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the clock. Test hook.
func (s *InvitationService) WithClock(now func() time.Time) *InvitationService {
	s.now = now
	return s
}

// InviteRequest carries the parameters of a new invitation.
type InviteRequest struct {
	TenantID  kernel.TenantID
	Email     string
	Role      tenant.Role
	InvitedBy kernel.UserID
}

// Invite mints an invitation and emails the accept link. At most one live
// pending invitation exists per (tenant, email).
func (s *InvitationService) Invite(ctx context.Context, req InviteRequest) (*invitation.Invitation, error) {
	normalized, err := user.NormalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	role, err := tenant.ParseRole(string(req.Role))
	if err != nil {
		return nil, err
	}

	t, err := s.tenants.Get(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if !t.IsActive() {
		return nil, tenant.ErrArchived()
	}

	exists, err := s.repo.ExistsPendingForEmail(ctx, normalized, req.TenantID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, invitation.ErrInvitationAlreadyExists().WithDetail("email", normalized)
	}

	rawToken, err := cryptox.RandomToken(32)
	if err != nil {
		return nil, err
	}

	now := s.now()
	inv := invitation.Invitation{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		Email:     normalized,
		TokenHash: cryptox.SHA256Hex(rawToken),
		Role:      string(role),
		Status:    invitation.StatusPending,
		InvitedBy: req.InvitedBy,
		ExpiresAt: now.Add(s.cfg.TTL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Save(ctx, inv); err != nil {
		return nil, err
	}

	s.sendEmail(ctx, normalized, rawToken, t.Name, string(role))

	actorID := req.InvitedBy.String()
	s.audit.Record(ctx, audit.Event{
		At:         now,
		ActorType:  audit.ActorUser,
		ActorID:    &actorID,
		Action:     "invitation.created",
		TargetType: "invitation",
		TargetID:   inv.ID,
		Details:    map[string]any{"tenant_id": req.TenantID.String(), "role": string(role)},
		Severity:   audit.SeverityInfo,
	})
	return &inv, nil
}

// Accept redeems an invitation for the signed-in user and enrolls them as a
// member with the invited role. The accepting account's email must match the
// invited address.
func (s *InvitationService) Accept(ctx context.Context, rawToken string, userID kernel.UserID) (*tenant.Member, error) {
	inv, err := s.repo.FindByTokenHash(ctx, cryptox.SHA256Hex(rawToken))
	if err != nil {
		return nil, err
	}

	now := s.now()
	if !inv.IsPending() {
		return nil, invitation.ErrInvitationNotPending().WithDetail("status", string(inv.Status))
	}
	if inv.IsExpired(now) {
		inv.Status = invitation.StatusExpired
		inv.UpdatedAt = now
		if err := s.repo.Save(ctx, *inv); err != nil {
			logx.WithError(err).WithField("invitation_id", inv.ID).Warn("Failed to mark invitation expired")
		}
		return nil, invitation.ErrInvitationExpired()
	}

	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if accepting, err := user.NormalizeEmail(u.Email); err != nil || accepting != inv.Email {
		return nil, invitation.ErrEmailMismatch()
	}

	invitedBy := inv.InvitedBy
	member, err := s.tenants.AddMember(ctx, inv.TenantID, userID, tenant.Role(inv.Role), &invitedBy)
	if err != nil && !errx.IsCode(err, tenant.CodeMemberExists) {
		return nil, err
	}
	if member == nil {
		// Already a member: accepting is idempotent from the user's side,
		// the existing membership keeps its current role.
		member = &tenant.Member{
			TenantID: inv.TenantID,
			UserID:   userID,
			Role:     tenant.Role(inv.Role),
		}
	}

	acceptedBy := userID.String()
	inv.Status = invitation.StatusAccepted
	inv.AcceptedAt = &now
	inv.AcceptedBy = &acceptedBy
	inv.UpdatedAt = now
	if err := s.repo.Save(ctx, *inv); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Event{
		At:         now,
		ActorType:  audit.ActorUser,
		ActorID:    &acceptedBy,
		Action:     "invitation.accepted",
		TargetType: "invitation",
		TargetID:   inv.ID,
		Details:    map[string]any{"tenant_id": inv.TenantID.String()},
		Severity:   audit.SeverityInfo,
	})
	return member, nil
}

// Revoke withdraws a pending invitation so its token can no longer be
// redeemed.
func (s *InvitationService) Revoke(ctx context.Context, id string, actor kernel.UserID) error {
	inv, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if !inv.IsPending() {
		return invitation.ErrInvitationNotPending().WithDetail("status", string(inv.Status))
	}

	now := s.now()
	inv.Status = invitation.StatusRevoked
	inv.UpdatedAt = now
	if err := s.repo.Save(ctx, *inv); err != nil {
		return err
	}

	actorID := actor.String()
	s.audit.Record(ctx, audit.Event{
		At:         now,
		ActorType:  audit.ActorUser,
		ActorID:    &actorID,
		Action:     "invitation.revoked",
		TargetType: "invitation",
		TargetID:   inv.ID,
		Details:    map[string]any{"tenant_id": inv.TenantID.String()},
		Severity:   audit.SeverityInfo,
	})
	return nil
}

// Get returns a single invitation by ID.
func (s *InvitationService) Get(ctx context.Context, id string) (*invitation.Invitation, error) {
	return s.repo.FindByID(ctx, id)
}

// ListForTenant returns a tenant's invitations, newest first.
func (s *InvitationService) ListForTenant(ctx context.Context, tenantID kernel.TenantID, pendingOnly bool, opts kernel.PaginationOptions) (kernel.Paginated[*invitation.Invitation], error) {
	return s.repo.ListForTenant(ctx, tenantID, pendingOnly, opts)
}

// DeleteExpired purges pending invitations past their expiry. Called by the
// cleanup loop.
func (s *InvitationService) DeleteExpired(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx)
}

func (s *InvitationService) sendEmail(ctx context.Context, email, rawToken, tenantName, role string) {
	if s.mailer == nil {
		return
	}

	link := fmt.Sprintf("%s?token=%s", s.cfg.AcceptBaseURL, url.QueryEscape(rawToken))
	msg := notifx.EmailMessage{
		From:    s.notifx.FromAddress,
		To:      []string{email},
		Subject: fmt.Sprintf("You've been invited to join %s", tenantName),
	}
	data := map[string]any{
		"Link":        link,
		"TenantName":  tenantName,
		"Role":        role,
		"ExpiresDays": int(s.cfg.TTL.Hours() / 24),
	}
	if err := s.mailer.SendTemplatedEmail(ctx, TemplateName, data, msg); err != nil {
		logx.WithError(err).Warn("Failed to send invitation email")
	}
}
