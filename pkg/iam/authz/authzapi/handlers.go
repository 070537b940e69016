package authzapi

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam"
	"github.com/truxeio/truxe/pkg/iam/authz"
	"github.com/truxeio/truxe/pkg/iam/authz/authzsrv"
	"github.com/truxeio/truxe/pkg/iam/token"
	"github.com/truxeio/truxe/pkg/kernel"
)

// Handler exposes the decision endpoints and grant/role/policy management.
type Handler struct {
	svc *authzsrv.AuthzService
}

func NewHandler(svc *authzsrv.AuthzService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(app *fiber.App, authn fiber.Handler) {
	check := token.RequireScope("authz:check")
	manage := token.RequireScope("authz:manage")

	app.Post("/authz/check", authn, check, h.Check)
	app.Post("/authz/check-many", authn, check, h.CheckMany)
	app.Get("/authz/matrix", authn, check, h.Matrix)

	group := app.Group("/api/v1/authz", authn, manage)
	group.Post("/grants", h.CreateGrant)
	group.Post("/grants/bulk", h.CreateGrantsBulk)
	group.Get("/grants", h.ListGrants)
	group.Delete("/grants/:id", h.RevokeGrant)

	group.Post("/roles", h.CreateRole)
	group.Get("/roles", h.ListRoles)
	group.Patch("/roles/:id", h.UpdateRole)
	group.Delete("/roles/:id", h.DeleteRole)

	group.Post("/policies", h.CreatePolicy)
	group.Get("/policies", h.ListPolicies)
	group.Patch("/policies/:id", h.UpdatePolicy)
	group.Delete("/policies/:id", h.DeletePolicy)
}

// ============================================================================
// Decisions
// ============================================================================

type checkRequest struct {
	UserID   string         `json:"user_id"`
	TenantID string         `json:"tenant_id"`
	Resource string         `json:"resource"`
	Action   string         `json:"action"`
	Context  map[string]any `json:"context"`
}

func (h *Handler) Check(c *fiber.Ctx) error {
	var req checkRequest
	if err := c.BodyParser(&req); err != nil {
		return errx.New("invalid body", errx.TypeValidation)
	}
	if req.TenantID == "" || req.Resource == "" || req.Action == "" {
		return errx.New("tenant_id, resource and action are required", errx.TypeValidation)
	}

	userID, err := subjectOrCaller(c, req.UserID)
	if err != nil {
		return err
	}

	decision, err := h.svc.Authorize(c.UserContext(), authz.Request{
		UserID:   userID,
		TenantID: kernel.NewTenantID(req.TenantID),
		Resource: req.Resource,
		Action:   req.Action,
		Context:  req.Context,
	})
	if err != nil {
		return err
	}
	return c.JSON(decision)
}

type checkManyRequest struct {
	UserID   string        `json:"user_id"`
	TenantID string        `json:"tenant_id"`
	Checks   []authz.Check `json:"checks"`
}

func (h *Handler) CheckMany(c *fiber.Ctx) error {
	var req checkManyRequest
	if err := c.BodyParser(&req); err != nil {
		return errx.New("invalid body", errx.TypeValidation)
	}
	if req.TenantID == "" || len(req.Checks) == 0 {
		return errx.New("tenant_id and checks are required", errx.TypeValidation)
	}

	userID, err := subjectOrCaller(c, req.UserID)
	if err != nil {
		return err
	}

	decisions, err := h.svc.AuthorizeMany(c.UserContext(), userID, kernel.NewTenantID(req.TenantID), req.Checks)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"decisions": decisions})
}

func (h *Handler) Matrix(c *fiber.Ctx) error {
	tenantID := c.Query("tenant_id")
	resources := splitList(c.Query("resources"))
	actions := splitList(c.Query("actions"))
	if tenantID == "" || len(resources) == 0 {
		return errx.New("tenant_id and resources are required", errx.TypeValidation)
	}
	if len(actions) == 0 {
		actions = authz.KnownActions
	}

	userID, err := subjectOrCaller(c, c.Query("user_id"))
	if err != nil {
		return err
	}

	matrix, err := h.svc.PermissionMatrix(c.UserContext(), userID, kernel.NewTenantID(tenantID), resources, actions)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"matrix": matrix})
}

// ============================================================================
// Grants
// ============================================================================

type grantRequest struct {
	UserID     string         `json:"user_id"`
	TenantID   string         `json:"tenant_id"`
	Resource   string         `json:"resource"`
	Action     string         `json:"action"`
	Conditions map[string]any `json:"conditions"`
	ExpiresAt  *time.Time     `json:"expires_at"`
}

func (r grantRequest) toService(actor kernel.UserID) (authzsrv.GrantRequest, error) {
	if r.UserID == "" || r.TenantID == "" || r.Resource == "" || r.Action == "" {
		return authzsrv.GrantRequest{}, errx.New("user_id, tenant_id, resource and action are required", errx.TypeValidation)
	}
	return authzsrv.GrantRequest{
		UserID:     kernel.NewUserID(r.UserID),
		TenantID:   kernel.NewTenantID(r.TenantID),
		Resource:   r.Resource,
		Action:     r.Action,
		Conditions: r.Conditions,
		ExpiresAt:  r.ExpiresAt,
		GrantedBy:  actor,
	}, nil
}

func (h *Handler) CreateGrant(c *fiber.Ctx) error {
	var req grantRequest
	if err := c.BodyParser(&req); err != nil {
		return errx.New("invalid body", errx.TypeValidation)
	}
	actor, err := caller(c)
	if err != nil {
		return err
	}
	grantReq, err := req.toService(actor)
	if err != nil {
		return err
	}

	g, err := h.svc.Grant(c.UserContext(), grantReq)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(g)
}

func (h *Handler) CreateGrantsBulk(c *fiber.Ctx) error {
	var req struct {
		Grants []grantRequest `json:"grants"`
	}
	if err := c.BodyParser(&req); err != nil || len(req.Grants) == 0 {
		return errx.New("grants are required", errx.TypeValidation)
	}
	actor, err := caller(c)
	if err != nil {
		return err
	}

	reqs := make([]authzsrv.GrantRequest, len(req.Grants))
	for i, g := range req.Grants {
		reqs[i], err = g.toService(actor)
		if err != nil {
			return err
		}
	}

	grants, err := h.svc.GrantBulk(c.UserContext(), reqs)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"grants": grants})
}

func (h *Handler) ListGrants(c *fiber.Ctx) error {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		return errx.New("tenant_id is required", errx.TypeValidation)
	}

	result, err := h.svc.ListGrants(c.UserContext(), kernel.NewTenantID(tenantID), kernel.PaginationOptions{
		Page:     c.QueryInt("page", 1),
		PageSize: c.QueryInt("page_size", 50),
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"grants": result.Items, "pagination": result.Page})
}

func (h *Handler) RevokeGrant(c *fiber.Ctx) error {
	actor, err := caller(c)
	if err != nil {
		return err
	}
	if err := h.svc.RevokeGrant(c.UserContext(), c.Params("id"), actor); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ============================================================================
// Roles
// ============================================================================

type roleRequest struct {
	TenantID    string   `json:"tenant_id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Patterns    []string `json:"patterns"`
}

func (h *Handler) CreateRole(c *fiber.Ctx) error {
	var req roleRequest
	if err := c.BodyParser(&req); err != nil {
		return errx.New("invalid body", errx.TypeValidation)
	}
	if req.TenantID == "" || req.Name == "" {
		return errx.New("tenant_id and name are required", errx.TypeValidation)
	}
	actor, err := caller(c)
	if err != nil {
		return err
	}

	def, err := h.svc.CreateRole(c.UserContext(), authzsrv.RoleRequest{
		TenantID:    kernel.NewTenantID(req.TenantID),
		Name:        req.Name,
		Description: req.Description,
		Patterns:    req.Patterns,
		Actor:       actor,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(def)
}

func (h *Handler) ListRoles(c *fiber.Ctx) error {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		return errx.New("tenant_id is required", errx.TypeValidation)
	}
	defs, err := h.svc.ListRoles(c.UserContext(), kernel.NewTenantID(tenantID))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"roles": defs, "builtin": authz.BuiltinRolePatterns})
}

func (h *Handler) UpdateRole(c *fiber.Ctx) error {
	var req roleRequest
	if err := c.BodyParser(&req); err != nil {
		return errx.New("invalid body", errx.TypeValidation)
	}
	actor, err := caller(c)
	if err != nil {
		return err
	}

	def, err := h.svc.UpdateRole(c.UserContext(), c.Params("id"), authzsrv.RoleRequest{
		Name:        req.Name,
		Description: req.Description,
		Patterns:    req.Patterns,
		Actor:       actor,
	})
	if err != nil {
		return err
	}
	return c.JSON(def)
}

func (h *Handler) DeleteRole(c *fiber.Ctx) error {
	actor, err := caller(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteRole(c.UserContext(), c.Params("id"), actor); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ============================================================================
// Policies
// ============================================================================

type policyRequest struct {
	TenantID   string         `json:"tenant_id"`
	Name       string         `json:"name"`
	Effect     string         `json:"effect"`
	Resources  []string       `json:"resources"`
	Actions    []string       `json:"actions"`
	Conditions map[string]any `json:"conditions"`
	Priority   int            `json:"priority"`
	Enabled    *bool          `json:"enabled"`
}

func (h *Handler) CreatePolicy(c *fiber.Ctx) error {
	var req policyRequest
	if err := c.BodyParser(&req); err != nil {
		return errx.New("invalid body", errx.TypeValidation)
	}
	if req.TenantID == "" || req.Name == "" {
		return errx.New("tenant_id and name are required", errx.TypeValidation)
	}
	actor, err := caller(c)
	if err != nil {
		return err
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	p, err := h.svc.CreatePolicy(c.UserContext(), authzsrv.PolicyRequest{
		TenantID:   kernel.NewTenantID(req.TenantID),
		Name:       req.Name,
		Effect:     authz.Effect(req.Effect),
		Resources:  req.Resources,
		Actions:    req.Actions,
		Conditions: req.Conditions,
		Priority:   req.Priority,
		Enabled:    enabled,
		Actor:      actor,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(p)
}

func (h *Handler) ListPolicies(c *fiber.Ctx) error {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		return errx.New("tenant_id is required", errx.TypeValidation)
	}
	policies, err := h.svc.ListPolicies(c.UserContext(), kernel.NewTenantID(tenantID))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"policies": policies})
}

func (h *Handler) UpdatePolicy(c *fiber.Ctx) error {
	var req policyRequest
	if err := c.BodyParser(&req); err != nil {
		return errx.New("invalid body", errx.TypeValidation)
	}
	actor, err := caller(c)
	if err != nil {
		return err
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	p, err := h.svc.UpdatePolicy(c.UserContext(), c.Params("id"), authzsrv.PolicyRequest{
		Name:       req.Name,
		Effect:     authz.Effect(req.Effect),
		Resources:  req.Resources,
		Actions:    req.Actions,
		Conditions: req.Conditions,
		Priority:   req.Priority,
		Enabled:    enabled,
		Actor:      actor,
	})
	if err != nil {
		return err
	}
	return c.JSON(p)
}

func (h *Handler) DeletePolicy(c *fiber.Ctx) error {
	actor, err := caller(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeletePolicy(c.UserContext(), c.Params("id"), actor); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ============================================================================
// Helpers
// ============================================================================

// subjectOrCaller resolves the principal a check targets: an explicit
// user_id, else the authenticated caller.
func subjectOrCaller(c *fiber.Ctx, userID string) (kernel.UserID, error) {
	if userID != "" {
		return kernel.NewUserID(userID), nil
	}
	return caller(c)
}

func caller(c *fiber.Ctx) (kernel.UserID, error) {
	ac := token.AuthFromLocals(c)
	if ac == nil {
		return kernel.UserID(""), iam.ErrUnauthorized()
	}
	return kernel.NewUserID(ac.Subject()), nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
