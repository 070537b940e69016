package authz

import (
	"net/http"
	"strings"
	"time"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/kernel"
)

// ============================================================================
// Error Registry
// ============================================================================

var ErrRegistry = errx.NewRegistry("AUTHZ")

var (
	CodeGrantNotFound        = ErrRegistry.Register("GRANT_NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Grant not found")
	CodeRoleNotFound         = ErrRegistry.Register("ROLE_NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Role not found")
	CodeRoleExists           = ErrRegistry.Register("ROLE_EXISTS", errx.TypeConflict, http.StatusConflict, "A role with this name already exists")
	CodeRoleBuiltin          = ErrRegistry.Register("ROLE_BUILTIN", errx.TypeBusiness, http.StatusConflict, "Built-in roles cannot be modified")
	CodePolicyNotFound       = ErrRegistry.Register("POLICY_NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Policy not found")
	CodePatternInvalid       = ErrRegistry.Register("PATTERN_INVALID", errx.TypeValidation, http.StatusBadRequest, "Invalid resource pattern")
	CodeActionInvalid        = ErrRegistry.Register("ACTION_INVALID", errx.TypeValidation, http.StatusBadRequest, "Unknown action")
	CodeUnsupportedCondition = ErrRegistry.Register("UNSUPPORTED_CONDITION", errx.TypeValidation, http.StatusBadRequest, "Unsupported condition type")
	CodeEffectInvalid        = ErrRegistry.Register("EFFECT_INVALID", errx.TypeValidation, http.StatusBadRequest, "Policy effect must be allow or deny")
)

func ErrGrantNotFound() *errx.Error  { return ErrRegistry.New(CodeGrantNotFound) }
func ErrRoleNotFound() *errx.Error   { return ErrRegistry.New(CodeRoleNotFound) }
func ErrRoleExists() *errx.Error     { return ErrRegistry.New(CodeRoleExists) }
func ErrRoleBuiltin() *errx.Error    { return ErrRegistry.New(CodeRoleBuiltin) }
func ErrPolicyNotFound() *errx.Error { return ErrRegistry.New(CodePolicyNotFound) }
func ErrEffectInvalid() *errx.Error  { return ErrRegistry.New(CodeEffectInvalid) }

func ErrPatternInvalid(pattern string) *errx.Error {
	return ErrRegistry.New(CodePatternInvalid).WithDetail("pattern", pattern)
}

func ErrUnsupportedCondition(name string) *errx.Error {
	return ErrRegistry.New(CodeUnsupportedCondition).WithDetail("condition", name)
}

// ============================================================================
// Actions
// ============================================================================

// The action hierarchy: holding a parent action implies every action it
// covers. delete, share, invite, grant and revoke are deliberately leaves so
// destructive and delegation rights are never implied.
var actionChildren = map[string][]string{
	"admin":     {"manage"},
	"manage":    {"write"},
	"configure": {"write"},
	"upload":    {"write"},
	"write":     {"read"},
}

// KnownActions enumerates every action the engine understands.
var KnownActions = []string{
	"admin", "manage", "configure", "upload", "write", "read",
	"delete", "share", "invite", "grant", "revoke",
}

var actionClosure = buildActionClosure()

func buildActionClosure() map[string]map[string]bool {
	closure := make(map[string]map[string]bool, len(KnownActions))
	var expand func(action string, into map[string]bool)
	expand = func(action string, into map[string]bool) {
		for _, child := range actionChildren[action] {
			if !into[child] {
				into[child] = true
				expand(child, into)
			}
		}
	}
	for _, action := range KnownActions {
		set := map[string]bool{action: true}
		expand(action, set)
		closure[action] = set
	}
	return closure
}

// ActionCovers reports whether holding `held` implies `requested`. The
// wildcard action covers everything.
func ActionCovers(held, requested string) bool {
	if held == "*" {
		return true
	}
	set, ok := actionClosure[held]
	if !ok {
		return held == requested
	}
	return set[requested]
}

// IsKnownAction reports whether the action participates in the hierarchy.
func IsKnownAction(action string) bool {
	_, ok := actionClosure[action]
	return ok
}

// ============================================================================
// Resources and Patterns
// ============================================================================

// MatchResource reports whether a grant resource pattern matches a requested
// resource. Resources are `type[:id]`; a pattern without an id (or with a `*`
// id) matches every instance of the type, and `*` matches everything.
func MatchResource(pattern, resource string) bool {
	if pattern == "*" || pattern == "*:*" {
		return true
	}
	pType, pID, pHasID := strings.Cut(pattern, ":")
	rType, rID, _ := strings.Cut(resource, ":")
	if pType != "*" && pType != rType {
		return false
	}
	if !pHasID || pID == "*" {
		return true
	}
	return pID == rID
}

// MatchPattern reports whether a role `resource:action` pattern covers a
// requested resource and action. The action segment participates in the
// action hierarchy, so `doc:write` covers `doc:read`.
func MatchPattern(pattern, resource, action string) bool {
	idx := strings.LastIndexByte(pattern, ':')
	if idx < 0 {
		return false
	}
	resPart, actPart := pattern[:idx], pattern[idx+1:]
	return MatchResource(resPart, resource) && ActionCovers(actPart, action)
}

// ValidatePattern rejects patterns a role definition cannot hold.
func ValidatePattern(pattern string) error {
	idx := strings.LastIndexByte(pattern, ':')
	if idx <= 0 || idx == len(pattern)-1 {
		return ErrPatternInvalid(pattern)
	}
	action := pattern[idx+1:]
	if action != "*" && !IsKnownAction(action) {
		return ErrRegistry.New(CodeActionInvalid).WithDetail("action", action)
	}
	return nil
}

// ============================================================================
// Models
// ============================================================================

// Source records which evaluation step produced a decision.
type Source string

const (
	SourceDirect    Source = "direct"
	SourceRole      Source = "role"
	SourceInherited Source = "inherited"
	SourcePolicy    Source = "policy"
)

// Request is a single authorization question.
type Request struct {
	UserID   kernel.UserID
	TenantID kernel.TenantID
	Action   string
	Resource string
	Context  map[string]any
}

// Decision is the engine's answer. Only allows carry a Source; denials carry
// the reason they fell through.
type Decision struct {
	Allowed           bool             `json:"allowed"`
	Reason            string           `json:"reason"`
	Source            Source           `json:"source,omitempty"`
	PoliciesEvaluated int              `json:"policies_evaluated"`
	AncestorID        *kernel.TenantID `json:"ancestor_id,omitempty"`
	ExpiresAt         *time.Time       `json:"expires_at,omitempty"`
	Conditions        map[string]any   `json:"conditions,omitempty"`
	Cached            bool             `json:"cached,omitempty"`
}

// Check is one entry in a batched authorization request.
type Check struct {
	Action   string         `json:"action"`
	Resource string         `json:"resource"`
	Context  map[string]any `json:"context,omitempty"`
}

// Matrix is the effective permission table for a user: resource → action →
// allowed.
type Matrix map[string]map[string]bool

// Grant is a direct permission on (user, tenant). A nil ExpiresAt never
// expires; Conditions, when present, must all pass at evaluation time.
type Grant struct {
	ID         string          `json:"id"`
	UserID     kernel.UserID   `json:"user_id"`
	TenantID   kernel.TenantID `json:"tenant_id"`
	Resource   string          `json:"resource"`
	Action     string          `json:"action"`
	Conditions map[string]any  `json:"conditions,omitempty"`
	GrantedBy  kernel.UserID   `json:"granted_by"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (g *Grant) IsExpired(now time.Time) bool {
	return g.ExpiresAt != nil && now.After(*g.ExpiresAt)
}

// RoleDefinition is a tenant-defined role: a name bound to a set of
// `resource:action` patterns. Built-in roles (owner, admin, member, viewer,
// guest) live in code and are immutable.
type RoleDefinition struct {
	ID          string          `json:"id"`
	TenantID    kernel.TenantID `json:"tenant_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Patterns    []string        `json:"patterns"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Effect is a policy outcome. Matching deny policies override everything.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Policy is an ABAC rule: resource patterns + covered actions + conditions.
// Priority orders allow policies; deny wins regardless of priority.
type Policy struct {
	ID         string          `json:"id"`
	TenantID   kernel.TenantID `json:"tenant_id"`
	Name       string          `json:"name"`
	Effect     Effect          `json:"effect"`
	Resources  []string        `json:"resources"`
	Actions    []string        `json:"actions"`
	Conditions map[string]any  `json:"conditions,omitempty"`
	Priority   int             `json:"priority"`
	Enabled    bool            `json:"enabled"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Matches reports whether the policy's resource and action filters cover the
// request. Conditions are evaluated separately.
func (p *Policy) Matches(resource, action string) bool {
	var resOK bool
	for _, pattern := range p.Resources {
		if MatchResource(pattern, resource) {
			resOK = true
			break
		}
	}
	if !resOK {
		return false
	}
	for _, a := range p.Actions {
		if ActionCovers(a, action) {
			return true
		}
	}
	return false
}

// ============================================================================
// Built-in roles
// ============================================================================

// BuiltinRolePatterns maps the membership roles to their pattern sets. Owners
// hold everything; admins everything but grant delegation; members write;
// viewers and guests read. Guests additionally carry the narrowest token
// scope set, see scopes.Groups.
var BuiltinRolePatterns = map[string][]string{
	"owner":  {"*:*"},
	"admin":  {"*:admin", "*:delete", "*:share", "*:invite"},
	"member": {"*:write", "*:share"},
	"viewer": {"*:read"},
	"guest":  {"*:read"},
}

// IsBuiltinRole reports whether the name collides with a built-in role.
func IsBuiltinRole(name string) bool {
	_, ok := BuiltinRolePatterns[name]
	return ok
}
