package invitationsrv_test

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/truxeio/truxe/pkg/config"
	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/invitation"
	"github.com/truxeio/truxe/pkg/iam/invitation/invitationsrv"
	"github.com/truxeio/truxe/pkg/iam/tenant"
	"github.com/truxeio/truxe/pkg/iam/user"
	"github.com/truxeio/truxe/pkg/kernel"
	"github.com/truxeio/truxe/pkg/notifx"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeRepo struct {
	invitations map[string]invitation.Invitation
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{invitations: make(map[string]invitation.Invitation)}
}

func (r *fakeRepo) FindByID(_ context.Context, id string) (*invitation.Invitation, error) {
	inv, ok := r.invitations[id]
	if !ok {
		return nil, invitation.ErrInvitationNotFound()
	}
	return &inv, nil
}

func (r *fakeRepo) FindByTokenHash(_ context.Context, tokenHash string) (*invitation.Invitation, error) {
	for _, inv := range r.invitations {
		if inv.TokenHash == tokenHash {
			found := inv
			return &found, nil
		}
	}
	return nil, invitation.ErrInvitationNotFound()
}

func (r *fakeRepo) FindPendingByEmail(_ context.Context, email string, tenantID kernel.TenantID) (*invitation.Invitation, error) {
	for _, inv := range r.invitations {
		if inv.Email == email && inv.TenantID == tenantID && inv.Status == invitation.StatusPending {
			found := inv
			return &found, nil
		}
	}
	return nil, invitation.ErrInvitationNotFound()
}

func (r *fakeRepo) ListForTenant(_ context.Context, tenantID kernel.TenantID, pendingOnly bool, opts kernel.PaginationOptions) (kernel.Paginated[*invitation.Invitation], error) {
	var items []*invitation.Invitation
	for _, inv := range r.invitations {
		if inv.TenantID != tenantID {
			continue
		}
		if pendingOnly && inv.Status != invitation.StatusPending {
			continue
		}
		found := inv
		items = append(items, &found)
	}
	return kernel.NewPaginated(items, 1, 50, len(items)), nil
}

func (r *fakeRepo) Save(_ context.Context, inv invitation.Invitation) error {
	r.invitations[inv.ID] = inv
	return nil
}

func (r *fakeRepo) Delete(_ context.Context, id string) error {
	if _, ok := r.invitations[id]; !ok {
		return invitation.ErrInvitationNotFound()
	}
	delete(r.invitations, id)
	return nil
}

func (r *fakeRepo) DeleteExpired(_ context.Context) (int64, error) {
	var n int64
	for id, inv := range r.invitations {
		if inv.Status == invitation.StatusPending && inv.IsExpired(time.Now().Add(24*365*time.Hour)) {
			delete(r.invitations, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) ExistsPendingForEmail(_ context.Context, email string, tenantID kernel.TenantID) (bool, error) {
	for _, inv := range r.invitations {
		if inv.Email == email && inv.TenantID == tenantID && inv.Status == invitation.StatusPending {
			return true, nil
		}
	}
	return false, nil
}

type fakeTenants struct {
	tenant     *tenant.Tenant
	members    []*tenant.Member
	memberErr  error
	addCalls   int
	lastRole   tenant.Role
	lastUserID kernel.UserID
}

func (f *fakeTenants) Get(_ context.Context, id kernel.TenantID) (*tenant.Tenant, error) {
	if f.tenant == nil || f.tenant.ID != id {
		return nil, tenant.ErrTenantNotFound()
	}
	return f.tenant, nil
}

func (f *fakeTenants) AddMember(_ context.Context, tenantID kernel.TenantID, userID kernel.UserID, role tenant.Role, invitedBy *kernel.UserID) (*tenant.Member, error) {
	f.addCalls++
	if f.memberErr != nil {
		return nil, f.memberErr
	}
	f.lastRole = role
	f.lastUserID = userID
	m := &tenant.Member{TenantID: tenantID, UserID: userID, Role: role, InvitedBy: invitedBy}
	f.members = append(f.members, m)
	return m, nil
}

type fakeUsers struct {
	users map[kernel.UserID]*user.User
}

func (f *fakeUsers) Get(_ context.Context, id kernel.UserID) (*user.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, user.ErrUserNotFound()
	}
	return u, nil
}

type sentEmail struct {
	to   []string
	data map[string]any
}

type fakeMailer struct {
	sent []sentEmail
}

func (f *fakeMailer) RegisterTemplate(string, string) error { return nil }

func (f *fakeMailer) SendTemplatedEmail(_ context.Context, _ string, data interface{}, msg notifx.EmailMessage, _ ...notifx.Option) error {
	f.sent = append(f.sent, sentEmail{to: msg.To, data: data.(map[string]any)})
	return nil
}

func (f *fakeMailer) lastToken(t *testing.T) string {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatal("no email was sent")
	}
	link, _ := f.sent[len(f.sent)-1].data["Link"].(string)
	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("invalid link in email: %v", err)
	}
	token := u.Query().Get("token")
	if token == "" {
		t.Fatalf("link carries no token: %s", link)
	}
	return token
}

// ============================================================================
// Fixture
// ============================================================================

type fixture struct {
	svc     *invitationsrv.InvitationService
	repo    *fakeRepo
	tenants *fakeTenants
	users   *fakeUsers
	mailer  *fakeMailer
	now     time.Time
	clock   *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tenantID := kernel.NewTenantID("tenant-acme")
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	repo := newFakeRepo()
	tenants := &fakeTenants{tenant: &tenant.Tenant{
		ID:     tenantID,
		Slug:   "acme",
		Name:   "Acme Corp",
		Status: tenant.StatusActive,
	}}
	users := &fakeUsers{users: map[kernel.UserID]*user.User{
		kernel.NewUserID("user-alice"): {ID: kernel.NewUserID("user-alice"), Email: "alice@example.com"},
		kernel.NewUserID("user-bob"):   {ID: kernel.NewUserID("user-bob"), Email: "bob@example.com"},
	}}
	mailer := &fakeMailer{}

	svc, err := invitationsrv.NewInvitationService(
		repo, tenants, users, mailer, nil,
		config.InvitationConfig{TTL: 7 * 24 * time.Hour, AcceptBaseURL: "https://app.example.com/invitations/accept"},
		config.NotifxConfig{FromAddress: "noreply@example.com"},
	)
	if err != nil {
		t.Fatalf("NewInvitationService: %v", err)
	}

	clock := now
	svc.WithClock(func() time.Time { return clock })
	return &fixture{svc: svc, repo: repo, tenants: tenants, users: users, mailer: mailer, now: now, clock: &clock}
}

func (f *fixture) invite(t *testing.T, email string) *invitation.Invitation {
	t.Helper()
	inv, err := f.svc.Invite(context.Background(), invitationsrv.InviteRequest{
		TenantID:  f.tenants.tenant.ID,
		Email:     email,
		Role:      tenant.RoleMember,
		InvitedBy: kernel.NewUserID("user-owner"),
	})
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	return inv
}

// ============================================================================
// Tests
// ============================================================================

func TestInviteAndAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv := f.invite(t, "Alice@Example.com ")
	if inv.Email != "alice@example.com" {
		t.Fatalf("email not normalized: %q", inv.Email)
	}
	if inv.Status != invitation.StatusPending {
		t.Fatalf("expected PENDING, got %s", inv.Status)
	}

	rawToken := f.mailer.lastToken(t)
	if strings.Contains(inv.TokenHash, rawToken) {
		t.Fatal("cleartext token must not be stored")
	}

	member, err := f.svc.Accept(ctx, rawToken, kernel.NewUserID("user-alice"))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if member.Role != tenant.RoleMember {
		t.Fatalf("expected member role, got %s", member.Role)
	}
	if f.tenants.addCalls != 1 {
		t.Fatalf("expected one AddMember call, got %d", f.tenants.addCalls)
	}

	stored, err := f.svc.Get(ctx, inv.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != invitation.StatusAccepted {
		t.Fatalf("expected ACCEPTED, got %s", stored.Status)
	}
	if stored.AcceptedBy == nil || *stored.AcceptedBy != "user-alice" {
		t.Fatal("accepted_by not recorded")
	}

	// The token is single-use: the invitation is no longer pending.
	if _, err := f.svc.Accept(ctx, rawToken, kernel.NewUserID("user-alice")); !errx.IsCode(err, invitation.CodeNotPending) {
		t.Fatalf("expected NOT_PENDING on second accept, got %v", err)
	}
}

func TestInviteRejectsDuplicatePending(t *testing.T) {
	f := newFixture(t)

	f.invite(t, "alice@example.com")
	_, err := f.svc.Invite(context.Background(), invitationsrv.InviteRequest{
		TenantID:  f.tenants.tenant.ID,
		Email:     "alice@example.com",
		Role:      tenant.RoleAdmin,
		InvitedBy: kernel.NewUserID("user-owner"),
	})
	if !errx.IsCode(err, invitation.CodeAlreadyExists) {
		t.Fatalf("expected ALREADY_EXISTS, got %v", err)
	}
}

func TestInviteRejectsArchivedTenant(t *testing.T) {
	f := newFixture(t)
	f.tenants.tenant.Status = tenant.StatusArchived

	_, err := f.svc.Invite(context.Background(), invitationsrv.InviteRequest{
		TenantID:  f.tenants.tenant.ID,
		Email:     "alice@example.com",
		Role:      tenant.RoleMember,
		InvitedBy: kernel.NewUserID("user-owner"),
	})
	if !errx.IsCode(err, tenant.CodeArchived) {
		t.Fatalf("expected ARCHIVED, got %v", err)
	}
}

func TestInviteRejectsUnknownRole(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Invite(context.Background(), invitationsrv.InviteRequest{
		TenantID:  f.tenants.tenant.ID,
		Email:     "alice@example.com",
		Role:      tenant.Role("superuser"),
		InvitedBy: kernel.NewUserID("user-owner"),
	})
	if !errx.IsCode(err, tenant.CodeRoleInvalid) {
		t.Fatalf("expected ROLE_INVALID, got %v", err)
	}
}

func TestAcceptExpiredInvitation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv := f.invite(t, "alice@example.com")
	rawToken := f.mailer.lastToken(t)

	*f.clock = f.now.Add(7*24*time.Hour + time.Minute)

	_, err := f.svc.Accept(ctx, rawToken, kernel.NewUserID("user-alice"))
	if !errx.IsCode(err, invitation.CodeExpired) {
		t.Fatalf("expected EXPIRED, got %v", err)
	}

	stored, err := f.svc.Get(ctx, inv.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != invitation.StatusExpired {
		t.Fatalf("expected invitation marked EXPIRED, got %s", stored.Status)
	}
}

func TestAcceptRejectsEmailMismatch(t *testing.T) {
	f := newFixture(t)

	f.invite(t, "alice@example.com")
	rawToken := f.mailer.lastToken(t)

	_, err := f.svc.Accept(context.Background(), rawToken, kernel.NewUserID("user-bob"))
	if !errx.IsCode(err, invitation.CodeEmailMismatch) {
		t.Fatalf("expected EMAIL_MISMATCH, got %v", err)
	}
	if f.tenants.addCalls != 0 {
		t.Fatal("mismatched accept must not enroll a member")
	}
}

func TestAcceptRejectsUnknownToken(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Accept(context.Background(), "forged-token", kernel.NewUserID("user-alice"))
	if !errx.IsCode(err, invitation.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestRevokeBlocksAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv := f.invite(t, "alice@example.com")
	rawToken := f.mailer.lastToken(t)

	if err := f.svc.Revoke(ctx, inv.ID, kernel.NewUserID("user-owner")); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	_, err := f.svc.Accept(ctx, rawToken, kernel.NewUserID("user-alice"))
	if !errx.IsCode(err, invitation.CodeNotPending) {
		t.Fatalf("expected NOT_PENDING after revoke, got %v", err)
	}

	// Revoking twice is rejected.
	if err := f.svc.Revoke(ctx, inv.ID, kernel.NewUserID("user-owner")); !errx.IsCode(err, invitation.CodeNotPending) {
		t.Fatalf("expected NOT_PENDING on second revoke, got %v", err)
	}
}

func TestAcceptToleratesExistingMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv := f.invite(t, "alice@example.com")
	rawToken := f.mailer.lastToken(t)

	f.tenants.memberErr = tenant.ErrMemberExists()
	member, err := f.svc.Accept(ctx, rawToken, kernel.NewUserID("user-alice"))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if member.TenantID != inv.TenantID {
		t.Fatalf("unexpected tenant on member: %s", member.TenantID)
	}

	stored, err := f.svc.Get(ctx, inv.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != invitation.StatusAccepted {
		t.Fatalf("expected ACCEPTED, got %s", stored.Status)
	}
}
