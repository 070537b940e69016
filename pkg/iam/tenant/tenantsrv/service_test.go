package tenantsrv_test

import (
	"context"
	"sync"
	"testing"

	"github.com/truxeio/truxe/pkg/config"
	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/tenant"
	"github.com/truxeio/truxe/pkg/iam/tenant/tenantsrv"
	"github.com/truxeio/truxe/pkg/kernel"
)

// fakeRepo keeps the hierarchy in memory with the same path semantics as
// the Postgres implementation.
type fakeRepo struct {
	mu      sync.Mutex
	tenants map[string]*tenant.Tenant
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{tenants: make(map[string]*tenant.Tenant)}
}

func (f *fakeRepo) Create(_ context.Context, t *tenant.Tenant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.tenants {
		sameParent := (existing.ParentID == nil && t.ParentID == nil) ||
			(existing.ParentID != nil && t.ParentID != nil && *existing.ParentID == *t.ParentID)
		if sameParent && existing.Slug == t.Slug {
			return tenant.ErrSlugTaken(t.Slug)
		}
	}
	cp := *t
	f.tenants[t.ID.String()] = &cp
	return nil
}

func (f *fakeRepo) Get(_ context.Context, id kernel.TenantID) (*tenant.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tenants[id.String()]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, tenant.ErrTenantNotFound()
}

func (f *fakeRepo) GetChildBySlug(_ context.Context, parentID kernel.TenantID, slug string) (*tenant.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tenants {
		if t.ParentID != nil && *t.ParentID == parentID && t.Slug == slug {
			cp := *t
			return &cp, nil
		}
	}
	return nil, tenant.ErrTenantNotFound()
}

func (f *fakeRepo) GetRootBySlug(_ context.Context, slug string) (*tenant.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tenants {
		if t.ParentID == nil && t.Slug == slug {
			cp := *t
			return &cp, nil
		}
	}
	return nil, tenant.ErrTenantNotFound()
}

func (f *fakeRepo) CountRoots(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.tenants {
		if t.ParentID == nil {
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) Update(_ context.Context, t *tenant.Tenant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tenants[t.ID.String()]; !ok {
		return tenant.ErrTenantNotFound()
	}
	cp := *t
	f.tenants[t.ID.String()] = &cp
	return nil
}

func (f *fakeRepo) Move(_ context.Context, id kernel.TenantID, newParent *tenant.Tenant, maxLevel int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	moved, ok := f.tenants[id.String()]
	if !ok {
		return tenant.ErrTenantNotFound()
	}
	oldPathLen := len(moved.Path)
	shift := newParent.Level + 1 - moved.Level

	var subtree []*tenant.Tenant
	for _, t := range f.tenants {
		if t.InSubtreeOf(id) {
			if t.Level+shift > maxLevel {
				return tenant.ErrMaxDepthExceeded(maxLevel + 1)
			}
			subtree = append(subtree, t)
		}
	}
	for _, t := range subtree {
		t.Path = append(append([]string{}, newParent.Path...), t.Path[oldPathLen-1:]...)
		t.Level += shift
	}
	pid := newParent.ID
	moved.ParentID = &pid
	return nil
}

func (f *fakeRepo) SetSubtreeStatus(_ context.Context, id kernel.TenantID, status tenant.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tenants {
		if t.InSubtreeOf(id) {
			t.Status = status
		}
	}
	return nil
}

func (f *fakeRepo) Delete(_ context.Context, id kernel.TenantID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, t := range f.tenants {
		if t.InSubtreeOf(id) {
			delete(f.tenants, key)
		}
	}
	return nil
}

func (f *fakeRepo) Children(_ context.Context, id kernel.TenantID, _ kernel.PaginationOptions) (kernel.Paginated[*tenant.Tenant], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*tenant.Tenant
	for _, t := range f.tenants {
		if t.ParentID != nil && *t.ParentID == id {
			cp := *t
			out = append(out, &cp)
		}
	}
	return kernel.NewPaginated(out, 1, 50, len(out)), nil
}

func (f *fakeRepo) Descendants(_ context.Context, id kernel.TenantID, _ kernel.PaginationOptions) (kernel.Paginated[*tenant.Tenant], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*tenant.Tenant
	for _, t := range f.tenants {
		if t.ID != id && t.InSubtreeOf(id) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return kernel.NewPaginated(out, 1, 50, len(out)), nil
}

func (f *fakeRepo) Ancestors(ctx context.Context, id kernel.TenantID) ([]*tenant.Tenant, error) {
	t, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*tenant.Tenant
	for _, ancestorID := range t.Path[:len(t.Path)-1] {
		if a, ok := f.tenants[ancestorID]; ok {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRepo) Subtree(_ context.Context, id kernel.TenantID) ([]*tenant.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*tenant.Tenant
	for _, t := range f.tenants {
		if t.InSubtreeOf(id) {
			cp := *t
			out = append(out, &cp)
		}
	}
	if len(out) == 0 {
		return nil, tenant.ErrTenantNotFound()
	}
	return out, nil
}

type fakeMembers struct {
	mu   sync.Mutex
	rows map[string]*tenant.Member // tenant|user
}

func newFakeMembers() *fakeMembers {
	return &fakeMembers{rows: make(map[string]*tenant.Member)}
}

func mkey(t kernel.TenantID, u kernel.UserID) string { return t.String() + "|" + u.String() }

func (f *fakeMembers) Add(_ context.Context, m *tenant.Member) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := mkey(m.TenantID, m.UserID)
	if _, ok := f.rows[k]; ok {
		return tenant.ErrMemberExists()
	}
	cp := *m
	f.rows[k] = &cp
	return nil
}

func (f *fakeMembers) Get(_ context.Context, t kernel.TenantID, u kernel.UserID) (*tenant.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.rows[mkey(t, u)]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, tenant.ErrMemberNotFound()
}

func (f *fakeMembers) UpdateRole(_ context.Context, t kernel.TenantID, u kernel.UserID, role tenant.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[mkey(t, u)]
	if !ok {
		return tenant.ErrMemberNotFound()
	}
	m.Role = role
	return nil
}

func (f *fakeMembers) Remove(_ context.Context, t kernel.TenantID, u kernel.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[mkey(t, u)]; !ok {
		return tenant.ErrMemberNotFound()
	}
	delete(f.rows, mkey(t, u))
	return nil
}

func (f *fakeMembers) List(_ context.Context, t kernel.TenantID, _ kernel.PaginationOptions) (kernel.Paginated[*tenant.Member], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*tenant.Member
	for _, m := range f.rows {
		if m.TenantID == t {
			cp := *m
			out = append(out, &cp)
		}
	}
	return kernel.NewPaginated(out, 1, 50, len(out)), nil
}

func (f *fakeMembers) ListForUser(_ context.Context, u kernel.UserID) ([]*tenant.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*tenant.Member
	for _, m := range f.rows {
		if m.UserID == u {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeMembers) CountByRole(_ context.Context, t kernel.TenantID, role tenant.Role) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.rows {
		if m.TenantID == t && m.Role == role {
			n++
		}
	}
	return n, nil
}

func (f *fakeMembers) FindForUserIn(_ context.Context, u kernel.UserID, tenantIDs []string) ([]*tenant.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[string]bool, len(tenantIDs))
	for _, id := range tenantIDs {
		want[id] = true
	}
	var out []*tenant.Member
	for _, m := range f.rows {
		if m.UserID == u && want[m.TenantID.String()] {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fixture struct {
	svc     *tenantsrv.TenantService
	repo    *fakeRepo
	members *fakeMembers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newFakeRepo()
	members := newFakeMembers()
	svc := tenantsrv.NewTenantService(repo, members, nil, nil, nil, config.TenantConfig{
		MaxRoots:        2,
		DefaultMaxDepth: 4,
	})
	return &fixture{svc: svc, repo: repo, members: members}
}

func (f *fixture) mustCreate(t *testing.T, parent *kernel.TenantID, slug string) *tenant.Tenant {
	t.Helper()
	created, err := f.svc.Create(context.Background(), tenantsrv.CreateTenant{
		ParentID: parent,
		Type:     tenant.TypeTeam,
		Slug:     slug,
		Name:     slug,
	})
	if err != nil {
		t.Fatalf("create %s: %v", slug, err)
	}
	return created
}

func assertPathInvariants(t *testing.T, node *tenant.Tenant) {
	t.Helper()
	if node.Path[len(node.Path)-1] != node.ID.String() {
		t.Errorf("%s: path tail %q != id %q", node.Slug, node.Path[len(node.Path)-1], node.ID)
	}
	if node.Level != len(node.Path)-1 {
		t.Errorf("%s: level %d != len(path)-1 %d", node.Slug, node.Level, len(node.Path)-1)
	}
	seen := make(map[string]bool)
	for _, id := range node.Path {
		if seen[id] {
			t.Errorf("%s: duplicate id %q in path", node.Slug, id)
		}
		seen[id] = true
	}
}

func TestCreateHierarchy(t *testing.T) {
	f := newFixture(t)

	root := f.mustCreate(t, nil, "acme")
	child := f.mustCreate(t, &root.ID, "platform")
	grand := f.mustCreate(t, &child.ID, "runtime")

	for _, node := range []*tenant.Tenant{root, child, grand} {
		assertPathInvariants(t, node)
	}
	if root.MaxDepth != 4 {
		t.Errorf("root max depth = %d, want configured default 4", root.MaxDepth)
	}
	if child.MaxDepth != 4 {
		t.Errorf("child should inherit the root cap, got %d", child.MaxDepth)
	}
	if grand.Level != 2 {
		t.Errorf("grandchild level = %d, want 2", grand.Level)
	}
}

func TestCreateEnforcesDepthCap(t *testing.T) {
	f := newFixture(t)

	node := f.mustCreate(t, nil, "root")
	for i, slug := range []string{"l1", "l2", "l3"} {
		next, err := f.svc.Create(context.Background(), tenantsrv.CreateTenant{
			ParentID: &node.ID, Type: tenant.TypeTeam, Slug: slug, Name: slug,
		})
		if i < 3 && err != nil {
			t.Fatalf("level %d create: %v", i+1, err)
		}
		if next != nil {
			node = next
		}
	}
	// node is now at level 3, the deepest allowed with max depth 4.
	_, err := f.svc.Create(context.Background(), tenantsrv.CreateTenant{
		ParentID: &node.ID, Type: tenant.TypeTeam, Slug: "l4", Name: "l4",
	})
	if !errx.IsCode(err, tenant.CodeMaxDepthExceeded) {
		t.Fatalf("expected depth cap, got %v", err)
	}
}

func TestCreateEnforcesRootCap(t *testing.T) {
	f := newFixture(t)

	f.mustCreate(t, nil, "one")
	f.mustCreate(t, nil, "two")
	_, err := f.svc.Create(context.Background(), tenantsrv.CreateTenant{
		Type: tenant.TypeOrganization, Slug: "three", Name: "three",
	})
	if !errx.IsCode(err, tenant.CodeMaxRootsReached) {
		t.Fatalf("expected root cap, got %v", err)
	}
}

func TestCreateRejectsSiblingSlugCollision(t *testing.T) {
	f := newFixture(t)

	root := f.mustCreate(t, nil, "acme")
	f.mustCreate(t, &root.ID, "platform")
	_, err := f.svc.Create(context.Background(), tenantsrv.CreateTenant{
		ParentID: &root.ID, Type: tenant.TypeTeam, Slug: "platform", Name: "again",
	})
	if !errx.IsCode(err, tenant.CodeSlugTaken) {
		t.Fatalf("expected slug conflict, got %v", err)
	}
}

func TestMoveRewritesSubtreePaths(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.mustCreate(t, nil, "acme")
	a := f.mustCreate(t, &root.ID, "a")
	b := f.mustCreate(t, &root.ID, "b")
	leaf := f.mustCreate(t, &a.ID, "leaf")

	if _, err := f.svc.Move(ctx, a.ID, b.ID, ""); err != nil {
		t.Fatalf("Move: %v", err)
	}

	movedLeaf, err := f.svc.Get(ctx, leaf.ID)
	if err != nil {
		t.Fatalf("Get leaf: %v", err)
	}
	assertPathInvariants(t, movedLeaf)
	if movedLeaf.Level != 3 {
		t.Errorf("leaf level after move = %d, want 3", movedLeaf.Level)
	}
	if !movedLeaf.InSubtreeOf(b.ID) {
		t.Errorf("leaf path %v does not pass through the new parent", movedLeaf.Path)
	}
}

func TestMoveRejectsOwnSubtree(t *testing.T) {
	f := newFixture(t)

	root := f.mustCreate(t, nil, "acme")
	a := f.mustCreate(t, &root.ID, "a")
	leaf := f.mustCreate(t, &a.ID, "leaf")

	_, err := f.svc.Move(context.Background(), a.ID, leaf.ID, "")
	if !errx.IsCode(err, tenant.CodeMoveIntoSubtree) {
		t.Fatalf("expected subtree rejection, got %v", err)
	}
	if _, err := f.svc.Move(context.Background(), a.ID, a.ID, ""); !errx.IsCode(err, tenant.CodeMoveIntoSubtree) {
		t.Fatalf("expected self-move rejection, got %v", err)
	}
}

func TestMoveRejectsArchivedParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.mustCreate(t, nil, "acme")
	a := f.mustCreate(t, &root.ID, "a")
	b := f.mustCreate(t, &root.ID, "b")

	if err := f.svc.Archive(ctx, b.ID, ""); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, err := f.svc.Move(ctx, a.ID, b.ID, ""); !errx.IsCode(err, tenant.CodeArchived) {
		t.Fatalf("expected archived rejection, got %v", err)
	}
}

func TestMoveRejectsDepthOverflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.mustCreate(t, nil, "acme")
	a := f.mustCreate(t, &root.ID, "a")
	deep := f.mustCreate(t, &a.ID, "deep")
	f.mustCreate(t, &deep.ID, "deeper") // level 3, at the cap

	// Re-parenting "deep" one level lower would push "deeper" past the cap.
	other := f.mustCreate(t, &root.ID, "other")
	otherChild := f.mustCreate(t, &other.ID, "child")

	_, err := f.svc.Move(ctx, deep.ID, otherChild.ID, "")
	if !errx.IsCode(err, tenant.CodeMaxDepthExceeded) {
		t.Fatalf("expected depth overflow, got %v", err)
	}
}

func TestCommonAncestorAndDistance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.mustCreate(t, nil, "acme")
	a := f.mustCreate(t, &root.ID, "a")
	b := f.mustCreate(t, &root.ID, "b")
	leafA := f.mustCreate(t, &a.ID, "leaf-a")

	ca, err := f.svc.CommonAncestor(ctx, leafA.ID, b.ID)
	if err != nil {
		t.Fatalf("CommonAncestor: %v", err)
	}
	if ca.ID != root.ID {
		t.Errorf("common ancestor = %s, want root", ca.Slug)
	}

	// Same branch: |levelA - levelB|.
	d, err := f.svc.Distance(ctx, root.ID, leafA.ID)
	if err != nil || d != 2 {
		t.Errorf("Distance(root, leafA) = %d, %v; want 2", d, err)
	}
	// Cross branch: through the common ancestor.
	d, err = f.svc.Distance(ctx, leafA.ID, b.ID)
	if err != nil || d != 3 {
		t.Errorf("Distance(leafA, b) = %d, %v; want 3", d, err)
	}

	// Across roots there is no common ancestor.
	otherRoot := f.mustCreate(t, nil, "globex")
	if _, err := f.svc.Distance(ctx, leafA.ID, otherRoot.ID); !errx.IsCode(err, tenant.CodeNoCommonAncestor) {
		t.Fatalf("expected no-common-ancestor, got %v", err)
	}
}

func TestTree(t *testing.T) {
	f := newFixture(t)

	root := f.mustCreate(t, nil, "acme")
	a := f.mustCreate(t, &root.ID, "a")
	f.mustCreate(t, &root.ID, "b")
	f.mustCreate(t, &a.ID, "leaf")

	node, err := f.svc.Tree(context.Background(), root.ID)
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	if node.Tenant.ID != root.ID {
		t.Fatalf("tree root = %s", node.Tenant.Slug)
	}
	if len(node.Children) != 2 {
		t.Fatalf("root children = %d, want 2", len(node.Children))
	}
}

func TestLastOwnerGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.mustCreate(t, nil, "acme")
	owner := kernel.NewUserID("user-owner")
	member := kernel.NewUserID("user-member")

	if _, err := f.svc.AddMember(ctx, root.ID, owner, tenant.RoleOwner, nil); err != nil {
		t.Fatalf("AddMember owner: %v", err)
	}
	if _, err := f.svc.AddMember(ctx, root.ID, member, tenant.RoleMember, nil); err != nil {
		t.Fatalf("AddMember member: %v", err)
	}

	if err := f.svc.RemoveMember(ctx, root.ID, owner); !errx.IsCode(err, tenant.CodeLastOwner) {
		t.Fatalf("expected last-owner guard on remove, got %v", err)
	}
	if _, err := f.svc.UpdateMemberRole(ctx, root.ID, owner, tenant.RoleAdmin); !errx.IsCode(err, tenant.CodeLastOwner) {
		t.Fatalf("expected last-owner guard on demote, got %v", err)
	}

	// A second owner releases the guard.
	if _, err := f.svc.UpdateMemberRole(ctx, root.ID, member, tenant.RoleOwner); err != nil {
		t.Fatalf("promote second owner: %v", err)
	}
	if err := f.svc.RemoveMember(ctx, root.ID, owner); err != nil {
		t.Fatalf("remove after second owner: %v", err)
	}
}

func TestEffectiveMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.mustCreate(t, nil, "acme")
	mid := f.mustCreate(t, &root.ID, "mid")
	leaf := f.mustCreate(t, &mid.ID, "leaf")

	admin := kernel.NewUserID("user-admin")
	plain := kernel.NewUserID("user-plain")

	if _, err := f.svc.AddMember(ctx, root.ID, admin, tenant.RoleAdmin, nil); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if _, err := f.svc.AddMember(ctx, root.ID, plain, tenant.RoleMember, nil); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	// Admin inherits down to the leaf, recorded via InheritedFrom.
	m, err := f.svc.EffectiveMembership(ctx, leaf.ID, admin)
	if err != nil {
		t.Fatalf("EffectiveMembership: %v", err)
	}
	if m.Role != tenant.RoleAdmin || m.InheritedFrom == nil || *m.InheritedFrom != root.ID {
		t.Errorf("inherited membership = %+v", m)
	}

	// Plain membership does not inherit.
	if _, err := f.svc.EffectiveMembership(ctx, leaf.ID, plain); !errx.IsCode(err, tenant.CodeMemberNotFound) {
		t.Fatalf("expected member-not-found for non-inheritable role, got %v", err)
	}

	// A direct row shadows the inherited one.
	if _, err := f.svc.AddMember(ctx, leaf.ID, admin, tenant.RoleViewer, nil); err != nil {
		t.Fatalf("AddMember direct: %v", err)
	}
	m, err = f.svc.EffectiveMembership(ctx, leaf.ID, admin)
	if err != nil {
		t.Fatalf("EffectiveMembership direct: %v", err)
	}
	if m.Role != tenant.RoleViewer || m.InheritedFrom != nil {
		t.Errorf("direct membership should win, got %+v", m)
	}

	// Nearest ancestor wins over a farther one.
	if _, err := f.svc.AddMember(ctx, mid.ID, admin, tenant.RoleOwner, nil); err != nil {
		t.Fatalf("AddMember mid: %v", err)
	}
	if err := f.svc.RemoveMember(ctx, leaf.ID, admin); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	m, err = f.svc.EffectiveMembership(ctx, leaf.ID, admin)
	if err != nil {
		t.Fatalf("EffectiveMembership nearest: %v", err)
	}
	if m.Role != tenant.RoleOwner || m.InheritedFrom == nil || *m.InheritedFrom != mid.ID {
		t.Errorf("nearest ancestor should win, got %+v", m)
	}
}

func TestArchiveCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.mustCreate(t, nil, "acme")
	child := f.mustCreate(t, &root.ID, "child")

	if err := f.svc.Archive(ctx, root.ID, ""); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	got, _ := f.svc.Get(ctx, child.ID)
	if got.Status != tenant.StatusArchived {
		t.Errorf("child status = %s, want archived", got.Status)
	}

	// Archived parents refuse new children.
	if _, err := f.svc.Create(ctx, tenantsrv.CreateTenant{
		ParentID: &root.ID, Type: tenant.TypeTeam, Slug: "late", Name: "late",
	}); !errx.IsCode(err, tenant.CodeParentNotActive) {
		t.Fatalf("expected parent-not-active, got %v", err)
	}
}
