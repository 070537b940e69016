package tenant

import (
	"net/http"
	"regexp"
	"time"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/kernel"
)

// ============================================================================
// Error Registry
// ============================================================================

var ErrRegistry = errx.NewRegistry("TENANT")

var (
	CodeNotFound         = ErrRegistry.Register("NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Tenant not found")
	CodeSlugTaken        = ErrRegistry.Register("SLUG_TAKEN", errx.TypeConflict, http.StatusConflict, "Slug already used by a sibling")
	CodeSlugInvalid      = ErrRegistry.Register("SLUG_INVALID", errx.TypeValidation, http.StatusBadRequest, "Invalid slug")
	CodeParentNotActive  = ErrRegistry.Register("PARENT_NOT_ACTIVE", errx.TypeBusiness, http.StatusConflict, "Parent tenant is not active")
	CodeMaxDepthExceeded = ErrRegistry.Register("MAX_DEPTH_EXCEEDED", errx.TypeBusiness, http.StatusConflict, "Tenant hierarchy depth limit exceeded")
	CodeMaxRootsReached  = ErrRegistry.Register("MAX_ROOTS_REACHED", errx.TypeBusiness, http.StatusConflict, "Root tenant limit reached")
	CodeMoveIntoSubtree  = ErrRegistry.Register("MOVE_INTO_SUBTREE", errx.TypeBusiness, http.StatusConflict, "Cannot move a tenant into its own subtree")
	CodeArchived         = ErrRegistry.Register("ARCHIVED", errx.TypeBusiness, http.StatusConflict, "Tenant is archived")
	CodeNoCommonAncestor = ErrRegistry.Register("NO_COMMON_ANCESTOR", errx.TypeBusiness, http.StatusUnprocessableEntity, "Tenants share no common ancestor")
	CodeMemberNotFound   = ErrRegistry.Register("MEMBER_NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Member not found")
	CodeMemberExists     = ErrRegistry.Register("MEMBER_EXISTS", errx.TypeConflict, http.StatusConflict, "User is already a member")
	CodeLastOwner        = ErrRegistry.Register("LAST_OWNER", errx.TypeBusiness, http.StatusConflict, "Cannot remove or demote the last owner")
	CodeRoleInvalid      = ErrRegistry.Register("ROLE_INVALID", errx.TypeValidation, http.StatusBadRequest, "Invalid member role")
)

func ErrTenantNotFound() *errx.Error {
	return ErrRegistry.New(CodeNotFound)
}

func ErrSlugTaken(slug string) *errx.Error {
	return ErrRegistry.New(CodeSlugTaken).WithDetail("slug", slug)
}

func ErrSlugInvalid(slug string) *errx.Error {
	return ErrRegistry.New(CodeSlugInvalid).WithDetail("slug", slug)
}

func ErrParentNotActive() *errx.Error {
	return ErrRegistry.New(CodeParentNotActive)
}

func ErrMaxDepthExceeded(maxDepth int) *errx.Error {
	return ErrRegistry.New(CodeMaxDepthExceeded).WithDetail("max_depth", maxDepth)
}

func ErrMaxRootsReached(limit int) *errx.Error {
	return ErrRegistry.New(CodeMaxRootsReached).WithDetail("max_roots", limit)
}

func ErrMoveIntoSubtree() *errx.Error {
	return ErrRegistry.New(CodeMoveIntoSubtree)
}

func ErrArchived() *errx.Error {
	return ErrRegistry.New(CodeArchived)
}

func ErrNoCommonAncestor() *errx.Error {
	return ErrRegistry.New(CodeNoCommonAncestor)
}

func ErrMemberNotFound() *errx.Error {
	return ErrRegistry.New(CodeMemberNotFound)
}

func ErrMemberExists() *errx.Error {
	return ErrRegistry.New(CodeMemberExists)
}

func ErrLastOwner() *errx.Error {
	return ErrRegistry.New(CodeLastOwner)
}

func ErrRoleInvalid(role string) *errx.Error {
	return ErrRegistry.New(CodeRoleInvalid).WithDetail("role", role)
}

// ============================================================================
// Model
// ============================================================================

// Type labels a node's place in the organizational hierarchy. Types carry no
// behavior; they exist for clients to render and filter on.
type Type string

const (
	TypeOrganization Type = "organization"
	TypeDivision     Type = "division"
	TypeTeam         Type = "team"
	TypeProject      Type = "project"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Depth caps are clamped to this window; a root may pick anything inside it.
const (
	MinMaxDepth = 2
	MaxMaxDepth = 5
)

// Tenant is one node of the hierarchy. Path is materialized: it holds every
// ancestor id from the root down to (and including) this node, so
// path[len-1] == ID and level == len(path)-1 always hold.
type Tenant struct {
	ID       kernel.TenantID
	ParentID *kernel.TenantID
	Type     Type
	Slug     string
	Name     string
	Status   Status

	Path     []string
	Level    int
	MaxDepth int

	Settings map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t *Tenant) IsRoot() bool   { return t.ParentID == nil }
func (t *Tenant) IsActive() bool { return t.Status == StatusActive }

// InSubtreeOf reports whether t lives under (or is) the given id.
func (t *Tenant) InSubtreeOf(id kernel.TenantID) bool {
	for _, p := range t.Path {
		if p == id.String() {
			return true
		}
	}
	return false
}

// ClampMaxDepth forces a requested cap into the allowed window.
func ClampMaxDepth(d int) int {
	if d < MinMaxDepth {
		return MinMaxDepth
	}
	if d > MaxMaxDepth {
		return MaxMaxDepth
	}
	return d
}

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// ValidateSlug enforces the URL-safe slug shape.
func ValidateSlug(slug string) error {
	if len(slug) < 2 || len(slug) > 63 || !slugPattern.MatchString(slug) {
		return ErrSlugInvalid(slug)
	}
	return nil
}

// ============================================================================
// Membership
// ============================================================================

// Role is the coarse per-tenant role. Owner and admin are inheritable: they
// carry down to descendant tenants unless shadowed by a direct membership.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
	RoleGuest  Role = "guest"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleOwner, RoleAdmin, RoleMember, RoleViewer, RoleGuest:
		return Role(s), nil
	default:
		return "", ErrRoleInvalid(s)
	}
}

func (r Role) IsInheritable() bool {
	return r == RoleOwner || r == RoleAdmin
}

// Member binds a user to a tenant. InheritedFrom is set only on the virtual
// rows EffectiveMembership synthesizes from an ancestor membership.
type Member struct {
	TenantID      kernel.TenantID
	UserID        kernel.UserID
	Role          Role
	InvitedBy     *kernel.UserID
	InheritedFrom *kernel.TenantID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Node is the nested projection returned by Tree.
type Node struct {
	Tenant   *Tenant `json:"tenant"`
	Children []*Node `json:"children"`
}
