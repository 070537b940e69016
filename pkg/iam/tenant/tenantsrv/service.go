package tenantsrv

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/truxeio/truxe/pkg/config"
	"github.com/truxeio/truxe/pkg/iam/audit"
	"github.com/truxeio/truxe/pkg/iam/tenant"
	"github.com/truxeio/truxe/pkg/kernel"
	"github.com/truxeio/truxe/pkg/logx"
)

// Invalidator evicts cached authorization decisions after membership or
// hierarchy mutations.
type Invalidator interface {
	InvalidateUser(ctx context.Context, userID string) error
	InvalidateTenant(ctx context.Context, tenantID string) error
}

// EventPublisher fans tenant lifecycle events out to webhook subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, tenantID kernel.TenantID, eventType string, payload any) (int, error)
}

// TenantService owns the hierarchy and its memberships.
type TenantService struct {
	repo    tenant.Repository
	members tenant.MemberRepository
	cache   Invalidator
	events  EventPublisher
	audit   audit.Sink

	cfg config.TenantConfig
	now func() time.Time
}

func NewTenantService(
	repo tenant.Repository,
	members tenant.MemberRepository,
	cache Invalidator,
	events EventPublisher,
	auditSink audit.Sink,
	cfg config.TenantConfig,
) *TenantService {
	if auditSink == nil {
		auditSink = audit.Nop{}
	}
	return &TenantService{
		repo:    repo,
		members: members,
		cache:   cache,
		events:  events,
		audit:   auditSink,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock. Test hook.
func (s *TenantService) WithClock(now func() time.Time) *TenantService {
	s.now = now
	return s
}

// ============================================================================
// Writes
// ============================================================================

// CreateTenant is the creation request.
type CreateTenant struct {
	ParentID *kernel.TenantID
	Type     tenant.Type
	Slug     string
	Name     string
	MaxDepth int // roots only; 0 means the configured default
	Settings map[string]any
	ActorID  string
}

func (s *TenantService) Create(ctx context.Context, req CreateTenant) (*tenant.Tenant, error) {
	if err := tenant.ValidateSlug(req.Slug); err != nil {
		return nil, err
	}

	now := s.now()
	t := &tenant.Tenant{
		ID:        kernel.NewTenantID(uuid.NewString()),
		ParentID:  req.ParentID,
		Type:      req.Type,
		Slug:      req.Slug,
		Name:      req.Name,
		Status:    tenant.StatusActive,
		Settings:  req.Settings,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if req.ParentID == nil {
		roots, err := s.repo.CountRoots(ctx)
		if err != nil {
			return nil, err
		}
		if roots >= s.cfg.MaxRoots {
			return nil, tenant.ErrMaxRootsReached(s.cfg.MaxRoots)
		}
		maxDepth := req.MaxDepth
		if maxDepth == 0 {
			maxDepth = s.cfg.DefaultMaxDepth
		}
		t.MaxDepth = tenant.ClampMaxDepth(maxDepth)
		t.Level = 0
		t.Path = []string{t.ID.String()}
	} else {
		parent, err := s.repo.Get(ctx, *req.ParentID)
		if err != nil {
			return nil, err
		}
		if !parent.IsActive() {
			return nil, tenant.ErrParentNotActive()
		}
		if parent.Level+1 >= parent.MaxDepth {
			return nil, tenant.ErrMaxDepthExceeded(parent.MaxDepth)
		}
		// The cap is inherited; a child may narrow it but never widen it.
		t.MaxDepth = parent.MaxDepth
		if req.MaxDepth != 0 && req.MaxDepth < parent.MaxDepth {
			t.MaxDepth = tenant.ClampMaxDepth(req.MaxDepth)
		}
		t.Level = parent.Level + 1
		t.Path = append(append([]string{}, parent.Path...), t.ID.String())
	}

	if err := s.repo.Create(ctx, t); err != nil {
		return nil, err
	}

	s.auditTenant(ctx, "tenant.created", t.ID, req.ActorID)
	s.publish(ctx, t.ID, "tenant.created", map[string]any{"tenant_id": t.ID.String(), "slug": t.Slug})
	return t, nil
}

// Move re-parents a subtree. Cycle, archival, and depth violations are
// rejected before the transactional path rewrite, which re-checks depth
// under lock.
func (s *TenantService) Move(ctx context.Context, id, newParentID kernel.TenantID, actorID string) (*tenant.Tenant, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	newParent, err := s.repo.Get(ctx, newParentID)
	if err != nil {
		return nil, err
	}

	if newParent.InSubtreeOf(id) {
		return nil, tenant.ErrMoveIntoSubtree()
	}
	if !newParent.IsActive() {
		return nil, tenant.ErrArchived()
	}

	subtree, err := s.repo.Subtree(ctx, id)
	if err != nil {
		return nil, err
	}
	deepest := t.Level
	for _, node := range subtree {
		if node.Level > deepest {
			deepest = node.Level
		}
	}
	shift := newParent.Level + 1 - t.Level
	maxLevel := newParent.MaxDepth - 1
	if deepest+shift > maxLevel {
		return nil, tenant.ErrMaxDepthExceeded(newParent.MaxDepth)
	}

	if err := s.repo.Move(ctx, id, newParent, maxLevel); err != nil {
		return nil, err
	}

	s.invalidateTenant(ctx, id)
	s.auditTenant(ctx, "tenant.moved", id, actorID)
	s.publish(ctx, id, "tenant.moved", map[string]any{
		"tenant_id":     id.String(),
		"new_parent_id": newParentID.String(),
	})
	return s.repo.Get(ctx, id)
}

func (s *TenantService) Archive(ctx context.Context, id kernel.TenantID, actorID string) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	if err := s.repo.SetSubtreeStatus(ctx, id, tenant.StatusArchived); err != nil {
		return err
	}
	s.invalidateTenant(ctx, id)
	s.auditTenant(ctx, "tenant.archived", id, actorID)
	s.publish(ctx, id, "tenant.archived", map[string]any{"tenant_id": id.String()})
	return nil
}

func (s *TenantService) Restore(ctx context.Context, id kernel.TenantID, actorID string) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	if err := s.repo.SetSubtreeStatus(ctx, id, tenant.StatusActive); err != nil {
		return err
	}
	s.invalidateTenant(ctx, id)
	s.auditTenant(ctx, "tenant.restored", id, actorID)
	return nil
}

func (s *TenantService) Delete(ctx context.Context, id kernel.TenantID, actorID string) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidateTenant(ctx, id)
	s.auditTenant(ctx, "tenant.deleted", id, actorID)
	return nil
}

func (s *TenantService) Rename(ctx context.Context, id kernel.TenantID, name, actorID string) (*tenant.Tenant, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Name = name
	t.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	s.auditTenant(ctx, "tenant.renamed", id, actorID)
	return t, nil
}

func (s *TenantService) UpdateSettings(ctx context.Context, id kernel.TenantID, settings map[string]any, actorID string) (*tenant.Tenant, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Settings = settings
	t.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	s.auditTenant(ctx, "tenant.settings_updated", id, actorID)
	return t, nil
}

// ============================================================================
// Reads
// ============================================================================

func (s *TenantService) Get(ctx context.Context, id kernel.TenantID) (*tenant.Tenant, error) {
	return s.repo.Get(ctx, id)
}

// GetBySlugPath resolves a chain of slugs from a root downwards.
func (s *TenantService) GetBySlugPath(ctx context.Context, slugs []string) (*tenant.Tenant, error) {
	if len(slugs) == 0 {
		return nil, tenant.ErrTenantNotFound()
	}
	t, err := s.repo.GetRootBySlug(ctx, slugs[0])
	if err != nil {
		return nil, err
	}
	for _, slug := range slugs[1:] {
		if t, err = s.repo.GetChildBySlug(ctx, t.ID, slug); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (s *TenantService) Children(ctx context.Context, id kernel.TenantID, opts kernel.PaginationOptions) (kernel.Paginated[*tenant.Tenant], error) {
	return s.repo.Children(ctx, id, opts)
}

func (s *TenantService) Descendants(ctx context.Context, id kernel.TenantID, opts kernel.PaginationOptions) (kernel.Paginated[*tenant.Tenant], error) {
	return s.repo.Descendants(ctx, id, opts)
}

func (s *TenantService) Ancestors(ctx context.Context, id kernel.TenantID) ([]*tenant.Tenant, error) {
	return s.repo.Ancestors(ctx, id)
}

// CommonAncestor returns the deepest tenant present in both paths.
func (s *TenantService) CommonAncestor(ctx context.Context, a, b kernel.TenantID) (*tenant.Tenant, error) {
	ta, err := s.repo.Get(ctx, a)
	if err != nil {
		return nil, err
	}
	tb, err := s.repo.Get(ctx, b)
	if err != nil {
		return nil, err
	}

	var shared string
	for i := 0; i < len(ta.Path) && i < len(tb.Path); i++ {
		if ta.Path[i] != tb.Path[i] {
			break
		}
		shared = ta.Path[i]
	}
	if shared == "" {
		return nil, tenant.ErrNoCommonAncestor()
	}
	return s.repo.Get(ctx, kernel.NewTenantID(shared))
}

// Distance is the number of edges between two tenants through their common
// ancestor.
func (s *TenantService) Distance(ctx context.Context, a, b kernel.TenantID) (int, error) {
	ta, err := s.repo.Get(ctx, a)
	if err != nil {
		return 0, err
	}
	tb, err := s.repo.Get(ctx, b)
	if err != nil {
		return 0, err
	}

	sharedLevel := -1
	for i := 0; i < len(ta.Path) && i < len(tb.Path); i++ {
		if ta.Path[i] != tb.Path[i] {
			break
		}
		sharedLevel = i
	}
	if sharedLevel < 0 {
		return 0, tenant.ErrNoCommonAncestor()
	}
	return (ta.Level - sharedLevel) + (tb.Level - sharedLevel), nil
}

// Tree loads the subtree rooted at id as a nested projection.
func (s *TenantService) Tree(ctx context.Context, rootID kernel.TenantID) (*tenant.Node, error) {
	nodes, err := s.repo.Subtree(ctx, rootID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*tenant.Node, len(nodes))
	for _, t := range nodes {
		byID[t.ID.String()] = &tenant.Node{Tenant: t}
	}
	root, ok := byID[rootID.String()]
	if !ok {
		return nil, tenant.ErrTenantNotFound()
	}
	for _, t := range nodes {
		if t.ID == rootID || t.ParentID == nil {
			continue
		}
		if parent, ok := byID[t.ParentID.String()]; ok {
			parent.Children = append(parent.Children, byID[t.ID.String()])
		}
	}
	return root, nil
}

// ============================================================================
// Membership
// ============================================================================

func (s *TenantService) AddMember(ctx context.Context, tenantID kernel.TenantID, userID kernel.UserID, role tenant.Role, invitedBy *kernel.UserID) (*tenant.Member, error) {
	if _, err := tenant.ParseRole(string(role)); err != nil {
		return nil, err
	}
	t, err := s.repo.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !t.IsActive() {
		return nil, tenant.ErrArchived()
	}

	now := s.now()
	m := &tenant.Member{
		TenantID:  tenantID,
		UserID:    userID,
		Role:      role,
		InvitedBy: invitedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.members.Add(ctx, m); err != nil {
		return nil, err
	}

	s.invalidateUser(ctx, userID)
	s.auditMember(ctx, "tenant.member.added", tenantID, userID)
	s.publish(ctx, tenantID, "tenant.member.added", map[string]any{
		"tenant_id": tenantID.String(),
		"user_id":   userID.String(),
		"role":      string(role),
	})
	return m, nil
}

func (s *TenantService) RemoveMember(ctx context.Context, tenantID kernel.TenantID, userID kernel.UserID) error {
	m, err := s.members.Get(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	if err := s.guardLastOwner(ctx, m); err != nil {
		return err
	}
	if err := s.members.Remove(ctx, tenantID, userID); err != nil {
		return err
	}

	s.invalidateUser(ctx, userID)
	s.auditMember(ctx, "tenant.member.removed", tenantID, userID)
	s.publish(ctx, tenantID, "tenant.member.removed", map[string]any{
		"tenant_id": tenantID.String(),
		"user_id":   userID.String(),
	})
	return nil
}

func (s *TenantService) UpdateMemberRole(ctx context.Context, tenantID kernel.TenantID, userID kernel.UserID, role tenant.Role) (*tenant.Member, error) {
	if _, err := tenant.ParseRole(string(role)); err != nil {
		return nil, err
	}
	m, err := s.members.Get(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if m.Role == role {
		return m, nil
	}
	// Demoting the only owner would orphan the tenant.
	if m.Role == tenant.RoleOwner && role != tenant.RoleOwner {
		if err := s.guardLastOwner(ctx, m); err != nil {
			return nil, err
		}
	}
	if err := s.members.UpdateRole(ctx, tenantID, userID, role); err != nil {
		return nil, err
	}
	m.Role = role
	m.UpdatedAt = s.now()

	s.invalidateUser(ctx, userID)
	s.auditMember(ctx, "tenant.member.role_changed", tenantID, userID)
	s.publish(ctx, tenantID, "tenant.member.role_changed", map[string]any{
		"tenant_id": tenantID.String(),
		"user_id":   userID.String(),
		"role":      string(role),
	})
	return m, nil
}

func (s *TenantService) ListMembers(ctx context.Context, tenantID kernel.TenantID, opts kernel.PaginationOptions) (kernel.Paginated[*tenant.Member], error) {
	return s.members.List(ctx, tenantID, opts)
}

func (s *TenantService) ListMembershipsForUser(ctx context.Context, userID kernel.UserID) ([]*tenant.Member, error) {
	return s.members.ListForUser(ctx, userID)
}

// EffectiveMembership resolves what role a user holds in a tenant: a direct
// row wins; otherwise the nearest ancestor membership with an inheritable
// role applies, recorded via InheritedFrom.
func (s *TenantService) EffectiveMembership(ctx context.Context, tenantID kernel.TenantID, userID kernel.UserID) (*tenant.Member, error) {
	direct, err := s.members.Get(ctx, tenantID, userID)
	if err == nil {
		return direct, nil
	}

	t, err := s.repo.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(t.Path) < 2 {
		return nil, tenant.ErrMemberNotFound()
	}
	ancestorIDs := t.Path[:len(t.Path)-1]

	rows, err := s.members.FindForUserIn(ctx, userID, ancestorIDs)
	if err != nil {
		return nil, err
	}
	depth := make(map[string]int, len(ancestorIDs))
	for i, id := range ancestorIDs {
		depth[id] = i
	}

	var best *tenant.Member
	for _, m := range rows {
		if !m.Role.IsInheritable() {
			continue
		}
		if best == nil || depth[m.TenantID.String()] > depth[best.TenantID.String()] {
			best = m
		}
	}
	if best == nil {
		return nil, tenant.ErrMemberNotFound()
	}

	from := best.TenantID
	return &tenant.Member{
		TenantID:      tenantID,
		UserID:        userID,
		Role:          best.Role,
		InheritedFrom: &from,
		CreatedAt:     best.CreatedAt,
		UpdatedAt:     best.UpdatedAt,
	}, nil
}

// ============================================================================
// Internals
// ============================================================================

func (s *TenantService) guardLastOwner(ctx context.Context, m *tenant.Member) error {
	if m.Role != tenant.RoleOwner {
		return nil
	}
	owners, err := s.members.CountByRole(ctx, m.TenantID, tenant.RoleOwner)
	if err != nil {
		return err
	}
	if owners <= 1 {
		return tenant.ErrLastOwner()
	}
	return nil
}

func (s *TenantService) invalidateUser(ctx context.Context, userID kernel.UserID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateUser(ctx, userID.String()); err != nil {
		logx.WithError(err).Warn("Failed to invalidate authz cache for user")
	}
}

func (s *TenantService) invalidateTenant(ctx context.Context, tenantID kernel.TenantID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateTenant(ctx, tenantID.String()); err != nil {
		logx.WithError(err).Warn("Failed to invalidate authz cache for tenant")
	}
}

func (s *TenantService) publish(ctx context.Context, tenantID kernel.TenantID, eventType string, payload any) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Publish(ctx, tenantID, eventType, payload); err != nil {
		logx.WithError(err).WithField("event", eventType).Warn("Failed to publish tenant event")
	}
}

func (s *TenantService) auditTenant(ctx context.Context, action string, tenantID kernel.TenantID, actorID string) {
	event := audit.Event{
		At:         s.now(),
		ActorType:  audit.ActorUser,
		Action:     action,
		TargetType: "tenant",
		TargetID:   tenantID.String(),
		Severity:   audit.SeverityInfo,
	}
	if actorID != "" {
		event.ActorID = &actorID
	}
	s.audit.Record(ctx, event)
}

func (s *TenantService) auditMember(ctx context.Context, action string, tenantID kernel.TenantID, userID kernel.UserID) {
	uid := userID.String()
	s.audit.Record(ctx, audit.Event{
		At:         s.now(),
		ActorType:  audit.ActorUser,
		ActorID:    &uid,
		Action:     action,
		TargetType: "tenant",
		TargetID:   tenantID.String(),
		Severity:   audit.SeverityInfo,
	})
}
