package authzsrv_test

import (
	"context"
	"testing"
	"time"

	"github.com/truxeio/truxe/pkg/cachex"
	"github.com/truxeio/truxe/pkg/config"
	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/authz"
	"github.com/truxeio/truxe/pkg/iam/authz/authzsrv"
	"github.com/truxeio/truxe/pkg/iam/tenant"
	"github.com/truxeio/truxe/pkg/kernel"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeGrants struct {
	grants map[string]*authz.Grant
	block  bool // FindForUser parks on ctx.Done
}

func newFakeGrants() *fakeGrants {
	return &fakeGrants{grants: make(map[string]*authz.Grant)}
}

func (f *fakeGrants) Create(_ context.Context, g *authz.Grant) error {
	f.grants[g.ID] = g
	return nil
}

func (f *fakeGrants) CreateBulk(_ context.Context, grants []*authz.Grant) error {
	for _, g := range grants {
		f.grants[g.ID] = g
	}
	return nil
}

func (f *fakeGrants) FindByID(_ context.Context, id string) (*authz.Grant, error) {
	g, ok := f.grants[id]
	if !ok {
		return nil, authz.ErrGrantNotFound()
	}
	return g, nil
}

func (f *fakeGrants) FindForUser(ctx context.Context, userID kernel.UserID, tenantID kernel.TenantID) ([]*authz.Grant, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	var out []*authz.Grant
	for _, g := range f.grants {
		if g.UserID == userID && g.TenantID == tenantID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeGrants) ListForTenant(_ context.Context, tenantID kernel.TenantID, _ kernel.PaginationOptions) (kernel.Paginated[*authz.Grant], error) {
	var out []*authz.Grant
	for _, g := range f.grants {
		if g.TenantID == tenantID {
			out = append(out, g)
		}
	}
	return kernel.NewPaginated(out, 1, 50, len(out)), nil
}

func (f *fakeGrants) Delete(_ context.Context, id string) error {
	if _, ok := f.grants[id]; !ok {
		return authz.ErrGrantNotFound()
	}
	delete(f.grants, id)
	return nil
}

func (f *fakeGrants) DeleteExpired(context.Context) (int64, error) { return 0, nil }

type fakeRoles struct {
	roles map[string]*authz.RoleDefinition
}

func newFakeRoles() *fakeRoles {
	return &fakeRoles{roles: make(map[string]*authz.RoleDefinition)}
}

func (f *fakeRoles) Create(_ context.Context, r *authz.RoleDefinition) error {
	for _, existing := range f.roles {
		if existing.TenantID == r.TenantID && existing.Name == r.Name {
			return authz.ErrRoleExists()
		}
	}
	f.roles[r.ID] = r
	return nil
}

func (f *fakeRoles) FindByID(_ context.Context, id string) (*authz.RoleDefinition, error) {
	r, ok := f.roles[id]
	if !ok {
		return nil, authz.ErrRoleNotFound()
	}
	return r, nil
}

func (f *fakeRoles) FindByName(_ context.Context, tenantID kernel.TenantID, name string) (*authz.RoleDefinition, error) {
	for _, r := range f.roles {
		if r.TenantID == tenantID && r.Name == name {
			return r, nil
		}
	}
	return nil, authz.ErrRoleNotFound()
}

func (f *fakeRoles) ListForTenant(_ context.Context, tenantID kernel.TenantID) ([]*authz.RoleDefinition, error) {
	var out []*authz.RoleDefinition
	for _, r := range f.roles {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRoles) Update(_ context.Context, r *authz.RoleDefinition) error {
	f.roles[r.ID] = r
	return nil
}

func (f *fakeRoles) Delete(_ context.Context, id string) error {
	delete(f.roles, id)
	return nil
}

type fakePolicies struct {
	policies map[string]*authz.Policy
}

func newFakePolicies() *fakePolicies {
	return &fakePolicies{policies: make(map[string]*authz.Policy)}
}

func (f *fakePolicies) Create(_ context.Context, p *authz.Policy) error {
	f.policies[p.ID] = p
	return nil
}

func (f *fakePolicies) FindByID(_ context.Context, id string) (*authz.Policy, error) {
	p, ok := f.policies[id]
	if !ok {
		return nil, authz.ErrPolicyNotFound()
	}
	return p, nil
}

func (f *fakePolicies) ListForTenant(_ context.Context, tenantID kernel.TenantID, enabledOnly bool) ([]*authz.Policy, error) {
	var out []*authz.Policy
	for _, p := range f.policies {
		if p.TenantID != tenantID {
			continue
		}
		if enabledOnly && !p.Enabled {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakePolicies) Update(_ context.Context, p *authz.Policy) error {
	f.policies[p.ID] = p
	return nil
}

func (f *fakePolicies) Delete(_ context.Context, id string) error {
	delete(f.policies, id)
	return nil
}

type fakeTenants struct {
	tenants map[kernel.TenantID]*tenant.Tenant
}

func (f *fakeTenants) Get(_ context.Context, id kernel.TenantID) (*tenant.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return nil, tenant.ErrTenantNotFound()
	}
	return t, nil
}

type memberKey struct {
	tenantID kernel.TenantID
	userID   kernel.UserID
}

type fakeMembers struct {
	members map[memberKey]*tenant.Member
}

func (f *fakeMembers) Get(_ context.Context, tenantID kernel.TenantID, userID kernel.UserID) (*tenant.Member, error) {
	m, ok := f.members[memberKey{tenantID, userID}]
	if !ok {
		return nil, tenant.ErrMemberNotFound()
	}
	return m, nil
}

func (f *fakeMembers) FindForUserIn(_ context.Context, userID kernel.UserID, tenantIDs []string) ([]*tenant.Member, error) {
	var out []*tenant.Member
	for _, id := range tenantIDs {
		if m, ok := f.members[memberKey{kernel.NewTenantID(id), userID}]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// ============================================================================
// Fixture
// ============================================================================

var (
	rootID = kernel.NewTenantID("t-root")
	teamID = kernel.NewTenantID("t-team")
	alice  = kernel.NewUserID("user-alice")
	bob    = kernel.NewUserID("user-bob")
	carol  = kernel.NewUserID("user-carol")
	dave   = kernel.NewUserID("user-dave")
	admin  = kernel.NewUserID("user-admin")
)

type fixture struct {
	svc      *authzsrv.AuthzService
	grants   *fakeGrants
	roles    *fakeRoles
	policies *fakePolicies
	members  *fakeMembers
	now      time.Time
	clock    *time.Time
}

// newFixture builds a two-level hierarchy: alice is admin at the root, bob is
// member at the root, carol is viewer directly on the team.
func newFixture(t *testing.T, cache *authz.DecisionCache) *fixture {
	t.Helper()

	tenants := &fakeTenants{tenants: map[kernel.TenantID]*tenant.Tenant{
		rootID: {ID: rootID, Slug: "root", Path: []string{"t-root"}, Level: 0, Status: tenant.StatusActive},
		teamID: {ID: teamID, Slug: "team", Path: []string{"t-root", "t-team"}, Level: 1, Status: tenant.StatusActive},
	}}
	members := &fakeMembers{members: map[memberKey]*tenant.Member{
		{rootID, alice}: {TenantID: rootID, UserID: alice, Role: tenant.RoleAdmin},
		{rootID, bob}:   {TenantID: rootID, UserID: bob, Role: tenant.RoleMember},
		{teamID, carol}: {TenantID: teamID, UserID: carol, Role: tenant.RoleViewer},
	}}

	grants := newFakeGrants()
	roles := newFakeRoles()
	policies := newFakePolicies()

	svc := authzsrv.NewAuthzService(grants, roles, policies, tenants, members, cache, nil, nil,
		config.AuthzConfig{EvalTimeout: time.Second, BatchConcurrency: 4})

	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	clock := now
	svc.WithClock(func() time.Time { return clock })
	return &fixture{svc: svc, grants: grants, roles: roles, policies: policies, members: members, now: now, clock: &clock}
}

func authorize(t *testing.T, f *fixture, userID kernel.UserID, tenantID kernel.TenantID, resource, action string, reqCtx map[string]any) *authz.Decision {
	t.Helper()
	d, err := f.svc.Authorize(context.Background(), authz.Request{
		UserID:   userID,
		TenantID: tenantID,
		Resource: resource,
		Action:   action,
		Context:  reqCtx,
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	return d
}

// ============================================================================
// Tests
// ============================================================================

func TestDirectGrantAllows(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.svc.Grant(context.Background(), authzsrv.GrantRequest{
		UserID: bob, TenantID: teamID, Resource: "doc:*", Action: "write", GrantedBy: admin,
	}); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	d := authorize(t, f, bob, teamID, "doc:42", "read", nil)
	if !d.Allowed || d.Source != authz.SourceDirect {
		t.Fatalf("expected direct allow, got %+v", d)
	}

	// Other resource types stay denied.
	if d := authorize(t, f, bob, teamID, "report:1", "read", nil); d.Allowed {
		t.Fatalf("expected deny for unmatched resource, got %+v", d)
	}
}

func TestExpiredGrantIsSkipped(t *testing.T) {
	f := newFixture(t, nil)

	expired := f.now.Add(-time.Hour)
	if _, err := f.svc.Grant(context.Background(), authzsrv.GrantRequest{
		UserID: bob, TenantID: teamID, Resource: "doc:42", Action: "read",
		ExpiresAt: &expired, GrantedBy: admin,
	}); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	d := authorize(t, f, bob, teamID, "doc:42", "read", nil)
	if d.Allowed {
		t.Fatalf("expired grant must not allow, got %+v", d)
	}
	if d.Reason != "no_matching_grant" {
		t.Fatalf("expected default deny reason, got %q", d.Reason)
	}
}

func TestDirectRoleAllows(t *testing.T) {
	f := newFixture(t, nil)

	// carol is a viewer on the team: read yes, write no.
	d := authorize(t, f, carol, teamID, "doc:1", "read", nil)
	if !d.Allowed || d.Source != authz.SourceRole || d.Reason != "role:viewer" {
		t.Fatalf("expected viewer role allow, got %+v", d)
	}
	if d := authorize(t, f, carol, teamID, "doc:1", "write", nil); d.Allowed {
		t.Fatalf("viewer must not write, got %+v", d)
	}
}

func TestInheritedAdminRole(t *testing.T) {
	f := newFixture(t, nil)

	// alice holds admin at the root and no direct membership on the team.
	d := authorize(t, f, alice, teamID, "doc:1", "manage", nil)
	if !d.Allowed || d.Source != authz.SourceInherited {
		t.Fatalf("expected inherited allow, got %+v", d)
	}
	if d.AncestorID == nil || *d.AncestorID != rootID {
		t.Fatalf("expected ancestor attribution to root, got %+v", d.AncestorID)
	}

	// bob is a plain member at the root: membership does not inherit.
	if d := authorize(t, f, bob, teamID, "doc:1", "read", nil); d.Allowed {
		t.Fatalf("member role must not inherit, got %+v", d)
	}
}

func TestCustomRoleDefinition(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	def, err := f.svc.CreateRole(ctx, authzsrv.RoleRequest{
		TenantID: teamID, Name: "auditor", Patterns: []string{"doc:read", "report:read"}, Actor: admin,
	})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	f.members.members[memberKey{teamID, bob}] = &tenant.Member{
		TenantID: teamID, UserID: bob, Role: tenant.Role(def.Name),
	}

	if d := authorize(t, f, bob, teamID, "report:7", "read", nil); !d.Allowed || d.Reason != "role:auditor" {
		t.Fatalf("expected auditor allow, got %+v", d)
	}
	if d := authorize(t, f, bob, teamID, "report:7", "write", nil); d.Allowed {
		t.Fatalf("auditor must not write, got %+v", d)
	}
}

func TestBuiltinRolesAreImmutable(t *testing.T) {
	f := newFixture(t, nil)

	for _, name := range []string{"owner", "admin", "member", "viewer", "guest"} {
		_, err := f.svc.CreateRole(context.Background(), authzsrv.RoleRequest{
			TenantID: teamID, Name: name, Patterns: []string{"doc:read"}, Actor: admin,
		})
		if !errx.IsCode(err, authz.CodeRoleBuiltin) {
			t.Fatalf("expected ROLE_BUILTIN for %q, got %v", name, err)
		}
	}
}

func TestGuestRoleReadsOnly(t *testing.T) {
	f := newFixture(t, nil)

	if !authz.IsBuiltinRole("guest") {
		t.Fatal("guest must be a built-in role")
	}

	f.members.members[memberKey{teamID, dave}] = &tenant.Member{
		TenantID: teamID, UserID: dave, Role: tenant.RoleGuest,
	}

	d := authorize(t, f, dave, teamID, "doc:1", "read", nil)
	if !d.Allowed || d.Source != authz.SourceRole || d.Reason != "role:guest" {
		t.Fatalf("expected guest role allow, got %+v", d)
	}
	if d := authorize(t, f, dave, teamID, "doc:1", "write", nil); d.Allowed {
		t.Fatalf("guest must not write, got %+v", d)
	}
	if d := authorize(t, f, dave, teamID, "doc:1", "delete", nil); d.Allowed {
		t.Fatalf("guest must not delete, got %+v", d)
	}
}

func TestPolicyDenyOverridesAllow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.svc.CreatePolicy(ctx, authzsrv.PolicyRequest{
		TenantID: teamID, Name: "contractors-read", Effect: authz.EffectAllow,
		Resources: []string{"doc"}, Actions: []string{"read"}, Priority: 100, Enabled: true, Actor: admin,
	}); err != nil {
		t.Fatalf("CreatePolicy allow: %v", err)
	}
	if _, err := f.svc.CreatePolicy(ctx, authzsrv.PolicyRequest{
		TenantID: teamID, Name: "lockdown", Effect: authz.EffectDeny,
		Resources: []string{"doc"}, Actions: []string{"read"}, Priority: 1, Enabled: true, Actor: admin,
	}); err != nil {
		t.Fatalf("CreatePolicy deny: %v", err)
	}

	d := authorize(t, f, bob, teamID, "doc:1", "read", nil)
	if d.Allowed {
		t.Fatalf("deny must override allow regardless of priority, got %+v", d)
	}
	if d.Reason != "policy_deny:lockdown" {
		t.Fatalf("expected policy_deny reason, got %q", d.Reason)
	}
}

func TestPolicyPriorityPicksHighestAllow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, p := range []struct {
		name     string
		priority int
	}{{"baseline", 1}, {"override", 50}} {
		if _, err := f.svc.CreatePolicy(ctx, authzsrv.PolicyRequest{
			TenantID: teamID, Name: p.name, Effect: authz.EffectAllow,
			Resources: []string{"doc"}, Actions: []string{"read"}, Priority: p.priority, Enabled: true, Actor: admin,
		}); err != nil {
			t.Fatalf("CreatePolicy %s: %v", p.name, err)
		}
	}

	d := authorize(t, f, bob, teamID, "doc:1", "read", nil)
	if !d.Allowed || d.Reason != "policy:override" {
		t.Fatalf("expected highest-priority allow, got %+v", d)
	}
	if d.PoliciesEvaluated != 2 {
		t.Fatalf("expected 2 policies evaluated, got %d", d.PoliciesEvaluated)
	}
}

func TestGrantTimeRangeCondition(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.svc.Grant(context.Background(), authzsrv.GrantRequest{
		UserID: bob, TenantID: teamID, Resource: "doc:1", Action: "read", GrantedBy: admin,
		Conditions: map[string]any{
			"timeRange": map[string]any{"start": "09:00", "end": "17:00"},
		},
	}); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	// Fixture clock is 10:00 UTC.
	if d := authorize(t, f, bob, teamID, "doc:1", "read", nil); !d.Allowed {
		t.Fatalf("expected allow during business hours, got %+v", d)
	}

	*f.clock = time.Date(2025, 6, 2, 20, 0, 0, 0, time.UTC)
	if d := authorize(t, f, bob, teamID, "doc:1", "read", nil); d.Allowed {
		t.Fatalf("expected deny outside business hours, got %+v", d)
	}
}

func TestEvaluationTimeoutDenies(t *testing.T) {
	f := newFixture(t, nil)
	f.grants.block = true

	// Rebuild with a tight budget so the test stays fast.
	svc := authzsrv.NewAuthzService(f.grants, f.roles, f.policies,
		&fakeTenants{tenants: map[kernel.TenantID]*tenant.Tenant{teamID: {ID: teamID, Path: []string{"t-team"}}}},
		f.members, nil, nil, nil,
		config.AuthzConfig{EvalTimeout: 20 * time.Millisecond, BatchConcurrency: 1})

	d, err := svc.Authorize(context.Background(), authz.Request{
		UserID: bob, TenantID: teamID, Resource: "doc:1", Action: "read",
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Allowed || d.Reason != "evaluation_timeout" {
		t.Fatalf("expected evaluation_timeout deny, got %+v", d)
	}
}

func TestCacheStoresOnlyAllows(t *testing.T) {
	memory := cachex.NewMemory(time.Minute)
	defer memory.Close()
	cache := authz.NewDecisionCache(memory, time.Minute)
	f := newFixture(t, cache)
	ctx := context.Background()

	g, err := f.svc.Grant(ctx, authzsrv.GrantRequest{
		UserID: bob, TenantID: teamID, Resource: "doc:1", Action: "read", GrantedBy: admin,
	})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}

	first := authorize(t, f, bob, teamID, "doc:1", "read", nil)
	if !first.Allowed || first.Cached {
		t.Fatalf("first evaluation must be fresh, got %+v", first)
	}
	second := authorize(t, f, bob, teamID, "doc:1", "read", nil)
	if !second.Allowed || !second.Cached {
		t.Fatalf("second evaluation should come from cache, got %+v", second)
	}

	// Denials are never cached.
	deny1 := authorize(t, f, bob, teamID, "report:1", "read", nil)
	deny2 := authorize(t, f, bob, teamID, "report:1", "read", nil)
	if deny1.Allowed || deny2.Allowed || deny2.Cached {
		t.Fatalf("denials must be re-evaluated, got %+v then %+v", deny1, deny2)
	}

	// Revocation invalidates: the next check sees the grant gone.
	if err := f.svc.RevokeGrant(ctx, g.ID, admin); err != nil {
		t.Fatalf("RevokeGrant: %v", err)
	}
	after := authorize(t, f, bob, teamID, "doc:1", "read", nil)
	if after.Allowed {
		t.Fatalf("revoked grant must not allow, got %+v", after)
	}
}

func TestTenantInvalidationOrphansCachedDecisions(t *testing.T) {
	memory := cachex.NewMemory(time.Minute)
	defer memory.Close()
	cache := authz.NewDecisionCache(memory, time.Minute)
	f := newFixture(t, cache)
	ctx := context.Background()

	if _, err := f.svc.Grant(ctx, authzsrv.GrantRequest{
		UserID: bob, TenantID: teamID, Resource: "doc:1", Action: "read", GrantedBy: admin,
	}); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	authorize(t, f, bob, teamID, "doc:1", "read", nil)
	if d := authorize(t, f, bob, teamID, "doc:1", "read", nil); !d.Cached {
		t.Fatalf("expected cached allow before invalidation, got %+v", d)
	}

	if err := f.svc.InvalidateTenant(ctx, teamID.String()); err != nil {
		t.Fatalf("InvalidateTenant: %v", err)
	}
	if d := authorize(t, f, bob, teamID, "doc:1", "read", nil); d.Cached {
		t.Fatalf("expected fresh evaluation after tenant invalidation, got %+v", d)
	}
}

func TestAuthorizeManyAndMatrixAgree(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.svc.Grant(ctx, authzsrv.GrantRequest{
		UserID: carol, TenantID: teamID, Resource: "report:*", Action: "write", GrantedBy: admin,
	}); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	resources := []string{"doc:1", "report:1", "secret:1"}
	actions := []string{"read", "write", "delete"}

	matrix, err := f.svc.PermissionMatrix(ctx, carol, teamID, resources, actions)
	if err != nil {
		t.Fatalf("PermissionMatrix: %v", err)
	}

	for _, resource := range resources {
		for _, action := range actions {
			d := authorize(t, f, carol, teamID, resource, action, nil)
			if matrix[resource][action] != d.Allowed {
				t.Errorf("matrix[%s][%s] = %v disagrees with Authorize (%v)",
					resource, action, matrix[resource][action], d.Allowed)
			}
		}
	}

	// Sanity: the viewer role reads docs, the grant writes reports, nothing
	// touches secrets beyond read.
	if !matrix["doc:1"]["read"] || matrix["doc:1"]["write"] {
		t.Errorf("unexpected doc row: %+v", matrix["doc:1"])
	}
	if !matrix["report:1"]["write"] || !matrix["report:1"]["read"] {
		t.Errorf("unexpected report row: %+v", matrix["report:1"])
	}
	if matrix["secret:1"]["delete"] {
		t.Errorf("unexpected secret row: %+v", matrix["secret:1"])
	}
}

func TestGrantBulkRejectsBadAction(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.GrantBulk(context.Background(), []authzsrv.GrantRequest{
		{UserID: bob, TenantID: teamID, Resource: "doc:1", Action: "read", GrantedBy: admin},
		{UserID: bob, TenantID: teamID, Resource: "doc:2", Action: "fly", GrantedBy: admin},
	})
	if !errx.IsCode(err, authz.CodeActionInvalid) {
		t.Fatalf("expected ACTION_INVALID, got %v", err)
	}
	if len(f.grants.grants) != 0 {
		t.Fatalf("bulk failure must not persist grants, got %d", len(f.grants.grants))
	}
}
