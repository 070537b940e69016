package authzsrv

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/truxeio/truxe/pkg/asyncx"
	"github.com/truxeio/truxe/pkg/config"
	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/audit"
	"github.com/truxeio/truxe/pkg/iam/authz"
	"github.com/truxeio/truxe/pkg/iam/tenant"
	"github.com/truxeio/truxe/pkg/kernel"
	"github.com/truxeio/truxe/pkg/logx"
)

// TenantReader resolves the tenant's materialized path for inheritance.
type TenantReader interface {
	Get(ctx context.Context, id kernel.TenantID) (*tenant.Tenant, error)
}

// MemberReader resolves the memberships the role steps evaluate.
type MemberReader interface {
	Get(ctx context.Context, tenantID kernel.TenantID, userID kernel.UserID) (*tenant.Member, error)
	FindForUserIn(ctx context.Context, userID kernel.UserID, tenantIDs []string) ([]*tenant.Member, error)
}

// AuthzService is the authorization engine: direct grants, role patterns,
// membership inheritance, ABAC policies, default deny. Allows are cached;
// every mutation invalidates.
type AuthzService struct {
	grants     authz.GrantRepository
	roles      authz.RoleRepository
	policies   authz.PolicyRepository
	tenants    TenantReader
	members    MemberReader
	cache      *authz.DecisionCache
	conditions *authz.ConditionEvaluator
	audit      audit.Sink

	cfg config.AuthzConfig
	now func() time.Time
}

func NewAuthzService(
	grants authz.GrantRepository,
	roles authz.RoleRepository,
	policies authz.PolicyRepository,
	tenants TenantReader,
	members MemberReader,
	cache *authz.DecisionCache,
	conditions *authz.ConditionEvaluator,
	auditSink audit.Sink,
	cfg config.AuthzConfig,
) *AuthzService {
	if auditSink == nil {
		auditSink = audit.Nop{}
	}
	if conditions == nil {
		conditions = authz.NewConditionEvaluator()
	}
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = time.Second
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 8
	}
	return &AuthzService{
		grants:     grants,
		roles:      roles,
		policies:   policies,
		tenants:    tenants,
		members:    members,
		cache:      cache,
		conditions: conditions,
		audit:      auditSink,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock. Test hook.
func (s *AuthzService) WithClock(now func() time.Time) *AuthzService {
	s.now = now
	return s
}

// ============================================================================
// Evaluation
// ============================================================================

// Authorize answers a single authorization question. Evaluation is bounded
// by the configured timeout; running out of budget is a deny, never an allow.
func (s *AuthzService) Authorize(ctx context.Context, req authz.Request) (*authz.Decision, error) {
	if cached, ok := s.cache.Get(ctx, req.UserID, req.TenantID, req.Resource, req.Action); ok {
		return cached, nil
	}

	evalCtx, cancel := context.WithTimeout(ctx, s.cfg.EvalTimeout)
	defer cancel()

	decision, err := s.evaluate(evalCtx, req)
	if err != nil {
		if evalCtx.Err() != nil && ctx.Err() == nil {
			return &authz.Decision{Allowed: false, Reason: "evaluation_timeout"}, nil
		}
		return nil, err
	}

	if decision.Allowed {
		// The eval context may be at its deadline; caching rides the caller's.
		s.cache.Set(ctx, req.UserID, req.TenantID, req.Resource, req.Action, *decision)
	}
	return decision, nil
}

// AuthorizeMany evaluates a batch of checks for one principal in parallel.
// Results are positional.
func (s *AuthzService) AuthorizeMany(ctx context.Context, userID kernel.UserID, tenantID kernel.TenantID, checks []authz.Check) ([]*authz.Decision, error) {
	return asyncx.Pool(ctx, s.cfg.BatchConcurrency, checks,
		func(ctx context.Context, check authz.Check) (*authz.Decision, error) {
			return s.Authorize(ctx, authz.Request{
				UserID:   userID,
				TenantID: tenantID,
				Action:   check.Action,
				Resource: check.Resource,
				Context:  check.Context,
			})
		})
}

// PermissionMatrix composes the effective permission table by running the
// engine itself over the resource × action grid with a condition-free
// context, so every cell agrees with Authorize.
func (s *AuthzService) PermissionMatrix(ctx context.Context, userID kernel.UserID, tenantID kernel.TenantID, resources, actions []string) (authz.Matrix, error) {
	checks := make([]authz.Check, 0, len(resources)*len(actions))
	for _, resource := range resources {
		for _, action := range actions {
			checks = append(checks, authz.Check{Resource: resource, Action: action})
		}
	}

	decisions, err := s.AuthorizeMany(ctx, userID, tenantID, checks)
	if err != nil {
		return nil, err
	}

	matrix := make(authz.Matrix, len(resources))
	for i, resource := range resources {
		row := make(map[string]bool, len(actions))
		for j, action := range actions {
			row[action] = decisions[i*len(actions)+j].Allowed
		}
		matrix[resource] = row
	}
	return matrix, nil
}

func (s *AuthzService) evaluate(ctx context.Context, req authz.Request) (*authz.Decision, error) {
	evalCtx := authz.EvalContext{
		Now:        s.now(),
		Attributes: req.Context,
	}
	if ip, ok := req.Context["ip"].(string); ok {
		evalCtx.IP = ip
	}

	// Step 1: direct grants.
	grants, err := s.grants.FindForUser(ctx, req.UserID, req.TenantID)
	if err != nil {
		return nil, err
	}
	for _, g := range grants {
		if g.IsExpired(evalCtx.Now) {
			continue
		}
		if !authz.MatchResource(g.Resource, req.Resource) || !authz.ActionCovers(g.Action, req.Action) {
			continue
		}
		if len(g.Conditions) > 0 {
			ok, err := s.conditions.Evaluate(g.Conditions, evalCtx)
			if err != nil {
				logx.WithError(err).WithField("grant_id", g.ID).Warn("Grant condition rejected as unsupported")
				continue
			}
			if !ok {
				continue
			}
		}
		return &authz.Decision{
			Allowed:    true,
			Reason:     "direct_grant",
			Source:     authz.SourceDirect,
			ExpiresAt:  g.ExpiresAt,
			Conditions: g.Conditions,
		}, nil
	}

	// Step 2: role patterns in the tenant itself.
	member, err := s.members.Get(ctx, req.TenantID, req.UserID)
	if err != nil && !errx.IsCode(err, tenant.CodeMemberNotFound) {
		return nil, err
	}
	if member != nil {
		ok, roleName, err := s.roleAllows(ctx, req.TenantID, string(member.Role), req.Resource, req.Action)
		if err != nil {
			return nil, err
		}
		if ok {
			return &authz.Decision{
				Allowed: true,
				Reason:  "role:" + roleName,
				Source:  authz.SourceRole,
			}, nil
		}
	}

	// Step 3: inherited roles, nearest ancestor first.
	t, err := s.tenants.Get(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if len(t.Path) > 1 {
		ancestorIDs := t.Path[:len(t.Path)-1]
		ancestorMembers, err := s.members.FindForUserIn(ctx, req.UserID, ancestorIDs)
		if err != nil {
			return nil, err
		}
		byTenant := make(map[kernel.TenantID]*tenant.Member, len(ancestorMembers))
		for _, m := range ancestorMembers {
			byTenant[m.TenantID] = m
		}
		for i := len(ancestorIDs) - 1; i >= 0; i-- {
			ancestorID := kernel.NewTenantID(ancestorIDs[i])
			m, ok := byTenant[ancestorID]
			if !ok || !m.Role.IsInheritable() {
				continue
			}
			allowed, roleName, err := s.roleAllows(ctx, ancestorID, string(m.Role), req.Resource, req.Action)
			if err != nil {
				return nil, err
			}
			if allowed {
				return &authz.Decision{
					Allowed:    true,
					Reason:     "inherited_role:" + roleName,
					Source:     authz.SourceInherited,
					AncestorID: &ancestorID,
				}, nil
			}
		}
	}

	// Step 4: ABAC policies. A matching deny overrides everything; otherwise
	// the highest-priority passing allow wins.
	policies, err := s.policies.ListForTenant(ctx, req.TenantID, true)
	if err != nil {
		return nil, err
	}

	evaluated := 0
	var bestAllow *authz.Policy
	for _, p := range policies {
		if !p.Matches(req.Resource, req.Action) {
			continue
		}
		evaluated++

		passes := true
		if len(p.Conditions) > 0 {
			passes, err = s.conditions.Evaluate(p.Conditions, evalCtx)
			if err != nil {
				logx.WithError(err).WithField("policy_id", p.ID).Warn("Policy condition rejected as unsupported")
				passes = false
			}
		}
		if !passes {
			continue
		}

		if p.Effect == authz.EffectDeny {
			return &authz.Decision{
				Allowed:           false,
				Reason:            "policy_deny:" + p.Name,
				Source:            authz.SourcePolicy,
				PoliciesEvaluated: evaluated,
				Conditions:        p.Conditions,
			}, nil
		}
		if bestAllow == nil || p.Priority > bestAllow.Priority {
			bestAllow = p
		}
	}
	if bestAllow != nil {
		return &authz.Decision{
			Allowed:           true,
			Reason:            "policy:" + bestAllow.Name,
			Source:            authz.SourcePolicy,
			PoliciesEvaluated: evaluated,
			Conditions:        bestAllow.Conditions,
		}, nil
	}

	// Step 5: default deny.
	return &authz.Decision{
		Allowed:           false,
		Reason:            "no_matching_grant",
		PoliciesEvaluated: evaluated,
	}, nil
}

// roleAllows expands a role into its patterns: built-in sets first, tenant
// role definitions otherwise.
func (s *AuthzService) roleAllows(ctx context.Context, tenantID kernel.TenantID, roleName, resource, action string) (bool, string, error) {
	patterns, builtin := authz.BuiltinRolePatterns[roleName]
	if !builtin {
		def, err := s.roles.FindByName(ctx, tenantID, roleName)
		if err != nil {
			// An unknown role grants nothing.
			return false, roleName, nil
		}
		patterns = def.Patterns
	}
	for _, pattern := range patterns {
		if authz.MatchPattern(pattern, resource, action) {
			return true, roleName, nil
		}
	}
	return false, roleName, nil
}

// ============================================================================
// Grants
// ============================================================================

// GrantRequest carries the parameters of a new direct grant.
type GrantRequest struct {
	UserID     kernel.UserID
	TenantID   kernel.TenantID
	Resource   string
	Action     string
	Conditions map[string]any
	ExpiresAt  *time.Time
	GrantedBy  kernel.UserID
}

// Grant creates a direct grant and invalidates the grantee's decisions.
func (s *AuthzService) Grant(ctx context.Context, req GrantRequest) (*authz.Grant, error) {
	g, err := s.buildGrant(req)
	if err != nil {
		return nil, err
	}
	if err := s.grants.Create(ctx, g); err != nil {
		return nil, err
	}
	s.afterGrantMutation(ctx, "authz.grant.created", g.ID, req.GrantedBy, req.UserID)
	return g, nil
}

// GrantBulk creates all grants atomically; one bad row rejects the batch.
func (s *AuthzService) GrantBulk(ctx context.Context, reqs []GrantRequest) ([]*authz.Grant, error) {
	grants := make([]*authz.Grant, len(reqs))
	for i, req := range reqs {
		g, err := s.buildGrant(req)
		if err != nil {
			return nil, err
		}
		grants[i] = g
	}
	if err := s.grants.CreateBulk(ctx, grants); err != nil {
		return nil, err
	}

	seen := make(map[kernel.UserID]bool, len(reqs))
	for i, req := range reqs {
		s.auditEvent(ctx, "authz.grant.created", grants[i].ID, req.GrantedBy)
		if !seen[req.UserID] {
			seen[req.UserID] = true
			s.invalidateUser(ctx, req.UserID)
		}
	}
	return grants, nil
}

// RevokeGrant removes a grant and invalidates the grantee's decisions.
func (s *AuthzService) RevokeGrant(ctx context.Context, id string, actor kernel.UserID) error {
	g, err := s.grants.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.grants.Delete(ctx, id); err != nil {
		return err
	}
	s.afterGrantMutation(ctx, "authz.grant.revoked", g.ID, actor, g.UserID)
	return nil
}

// ListGrants pages through a tenant's grants.
func (s *AuthzService) ListGrants(ctx context.Context, tenantID kernel.TenantID, opts kernel.PaginationOptions) (kernel.Paginated[*authz.Grant], error) {
	return s.grants.ListForTenant(ctx, tenantID, opts)
}

// DeleteExpiredGrants purges grants past their expiry. Called by the cleanup
// loop.
func (s *AuthzService) DeleteExpiredGrants(ctx context.Context) (int64, error) {
	return s.grants.DeleteExpired(ctx)
}

func (s *AuthzService) buildGrant(req GrantRequest) (*authz.Grant, error) {
	if req.Action != "*" && !authz.IsKnownAction(req.Action) {
		return nil, authz.ErrRegistry.New(authz.CodeActionInvalid).WithDetail("action", req.Action)
	}
	if req.Resource == "" {
		return nil, authz.ErrPatternInvalid(req.Resource)
	}
	return &authz.Grant{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		TenantID:   req.TenantID,
		Resource:   req.Resource,
		Action:     req.Action,
		Conditions: req.Conditions,
		GrantedBy:  req.GrantedBy,
		ExpiresAt:  req.ExpiresAt,
		CreatedAt:  s.now(),
	}, nil
}

// ============================================================================
// Roles
// ============================================================================

// RoleRequest carries a tenant role definition.
type RoleRequest struct {
	TenantID    kernel.TenantID
	Name        string
	Description string
	Patterns    []string
	Actor       kernel.UserID
}

func (s *AuthzService) CreateRole(ctx context.Context, req RoleRequest) (*authz.RoleDefinition, error) {
	if authz.IsBuiltinRole(req.Name) {
		return nil, authz.ErrRoleBuiltin().WithDetail("role", req.Name)
	}
	if err := validatePatterns(req.Patterns); err != nil {
		return nil, err
	}

	now := s.now()
	def := &authz.RoleDefinition{
		ID:          uuid.NewString(),
		TenantID:    req.TenantID,
		Name:        req.Name,
		Description: req.Description,
		Patterns:    req.Patterns,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.roles.Create(ctx, def); err != nil {
		return nil, err
	}
	s.afterTenantMutation(ctx, "authz.role.created", def.ID, req.Actor, req.TenantID)
	return def, nil
}

func (s *AuthzService) UpdateRole(ctx context.Context, id string, req RoleRequest) (*authz.RoleDefinition, error) {
	def, err := s.roles.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != "" && req.Name != def.Name {
		if authz.IsBuiltinRole(req.Name) {
			return nil, authz.ErrRoleBuiltin().WithDetail("role", req.Name)
		}
		def.Name = req.Name
	}
	if req.Description != "" {
		def.Description = req.Description
	}
	if req.Patterns != nil {
		if err := validatePatterns(req.Patterns); err != nil {
			return nil, err
		}
		def.Patterns = req.Patterns
	}
	def.UpdatedAt = s.now()

	if err := s.roles.Update(ctx, def); err != nil {
		return nil, err
	}
	s.afterTenantMutation(ctx, "authz.role.updated", def.ID, req.Actor, def.TenantID)
	return def, nil
}

func (s *AuthzService) DeleteRole(ctx context.Context, id string, actor kernel.UserID) error {
	def, err := s.roles.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.roles.Delete(ctx, id); err != nil {
		return err
	}
	s.afterTenantMutation(ctx, "authz.role.deleted", def.ID, actor, def.TenantID)
	return nil
}

// ListRoles returns the tenant's custom role definitions. Built-in roles are
// implicit and immutable.
func (s *AuthzService) ListRoles(ctx context.Context, tenantID kernel.TenantID) ([]*authz.RoleDefinition, error) {
	return s.roles.ListForTenant(ctx, tenantID)
}

func validatePatterns(patterns []string) error {
	if len(patterns) == 0 {
		return authz.ErrPatternInvalid("")
	}
	for _, p := range patterns {
		if err := authz.ValidatePattern(p); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Policies
// ============================================================================

// PolicyRequest carries an ABAC policy definition.
type PolicyRequest struct {
	TenantID   kernel.TenantID
	Name       string
	Effect     authz.Effect
	Resources  []string
	Actions    []string
	Conditions map[string]any
	Priority   int
	Enabled    bool
	Actor      kernel.UserID
}

func (s *AuthzService) CreatePolicy(ctx context.Context, req PolicyRequest) (*authz.Policy, error) {
	if err := validatePolicy(req); err != nil {
		return nil, err
	}

	now := s.now()
	p := &authz.Policy{
		ID:         uuid.NewString(),
		TenantID:   req.TenantID,
		Name:       req.Name,
		Effect:     req.Effect,
		Resources:  req.Resources,
		Actions:    req.Actions,
		Conditions: req.Conditions,
		Priority:   req.Priority,
		Enabled:    req.Enabled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.policies.Create(ctx, p); err != nil {
		return nil, err
	}
	s.afterTenantMutation(ctx, "authz.policy.created", p.ID, req.Actor, req.TenantID)
	return p, nil
}

func (s *AuthzService) UpdatePolicy(ctx context.Context, id string, req PolicyRequest) (*authz.Policy, error) {
	p, err := s.policies.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != "" {
		p.Name = req.Name
	}
	if req.Effect != "" {
		if req.Effect != authz.EffectAllow && req.Effect != authz.EffectDeny {
			return nil, authz.ErrEffectInvalid().WithDetail("effect", string(req.Effect))
		}
		p.Effect = req.Effect
	}
	if req.Resources != nil {
		p.Resources = req.Resources
	}
	if req.Actions != nil {
		p.Actions = req.Actions
	}
	if req.Conditions != nil {
		p.Conditions = req.Conditions
	}
	p.Priority = req.Priority
	p.Enabled = req.Enabled
	p.UpdatedAt = s.now()

	if err := s.policies.Update(ctx, p); err != nil {
		return nil, err
	}
	s.afterTenantMutation(ctx, "authz.policy.updated", p.ID, req.Actor, p.TenantID)
	return p, nil
}

func (s *AuthzService) DeletePolicy(ctx context.Context, id string, actor kernel.UserID) error {
	p, err := s.policies.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.policies.Delete(ctx, id); err != nil {
		return err
	}
	s.afterTenantMutation(ctx, "authz.policy.deleted", p.ID, actor, p.TenantID)
	return nil
}

func (s *AuthzService) ListPolicies(ctx context.Context, tenantID kernel.TenantID) ([]*authz.Policy, error) {
	return s.policies.ListForTenant(ctx, tenantID, false)
}

func validatePolicy(req PolicyRequest) error {
	if req.Effect != authz.EffectAllow && req.Effect != authz.EffectDeny {
		return authz.ErrEffectInvalid().WithDetail("effect", string(req.Effect))
	}
	if len(req.Resources) == 0 || len(req.Actions) == 0 {
		return authz.ErrPatternInvalid("policy requires resources and actions")
	}
	for _, a := range req.Actions {
		if a != "*" && !authz.IsKnownAction(a) {
			return authz.ErrRegistry.New(authz.CodeActionInvalid).WithDetail("action", a)
		}
	}
	return nil
}

// ============================================================================
// Invalidation (tenantsrv.Invalidator)
// ============================================================================

// InvalidateUser drops a user's cached decisions. Satisfies the tenant
// service's invalidation hook for membership mutations.
func (s *AuthzService) InvalidateUser(ctx context.Context, userID string) error {
	return s.cache.InvalidateUser(ctx, kernel.NewUserID(userID))
}

// InvalidateTenant drops a tenant's cached decisions.
func (s *AuthzService) InvalidateTenant(ctx context.Context, tenantID string) error {
	return s.cache.InvalidateTenant(ctx, kernel.NewTenantID(tenantID))
}

// ============================================================================
// Internals
// ============================================================================

func (s *AuthzService) afterGrantMutation(ctx context.Context, action, grantID string, actor, grantee kernel.UserID) {
	s.auditEvent(ctx, action, grantID, actor)
	s.invalidateUser(ctx, grantee)
}

func (s *AuthzService) afterTenantMutation(ctx context.Context, action, targetID string, actor kernel.UserID, tenantID kernel.TenantID) {
	s.auditEvent(ctx, action, targetID, actor)
	if err := s.cache.InvalidateTenant(ctx, tenantID); err != nil {
		logx.WithError(err).WithField("tenant_id", tenantID.String()).Warn("Decision cache tenant invalidation failed")
	}
}

func (s *AuthzService) invalidateUser(ctx context.Context, userID kernel.UserID) {
	if err := s.cache.InvalidateUser(ctx, userID); err != nil {
		logx.WithError(err).WithField("user_id", userID.String()).Warn("Decision cache user invalidation failed")
	}
}

func (s *AuthzService) auditEvent(ctx context.Context, action, targetID string, actor kernel.UserID) {
	actorID := actor.String()
	s.audit.Record(ctx, audit.Event{
		At:         s.now(),
		ActorType:  audit.ActorUser,
		ActorID:    &actorID,
		Action:     action,
		TargetType: "authz",
		TargetID:   targetID,
		Severity:   audit.SeverityInfo,
	})
}
