package tenantapi

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/tenant"
	"github.com/truxeio/truxe/pkg/iam/tenant/tenantsrv"
	"github.com/truxeio/truxe/pkg/iam/token"
	"github.com/truxeio/truxe/pkg/kernel"
)

// Handler exposes tenant management under /api/v1/tenants.
type Handler struct {
	svc *tenantsrv.TenantService
}

func NewHandler(svc *tenantsrv.TenantService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(app *fiber.App, authn fiber.Handler) {
	read := token.RequireScope("tenants:read")
	write := token.RequireScope("tenants:write")

	group := app.Group("/api/v1/tenants", authn)
	group.Post("/", write, h.Create)
	group.Get("/by-slug/*", read, h.GetBySlugPath)
	group.Get("/:id", read, h.Get)
	group.Patch("/:id", write, h.Update)
	group.Delete("/:id", write, h.Delete)
	group.Post("/:id/move", write, h.Move)
	group.Post("/:id/archive", write, h.Archive)
	group.Post("/:id/restore", write, h.Restore)
	group.Get("/:id/children", read, h.Children)
	group.Get("/:id/descendants", read, h.Descendants)
	group.Get("/:id/ancestors", read, h.Ancestors)
	group.Get("/:id/tree", read, h.Tree)

	group.Get("/:id/members", read, h.ListMembers)
	group.Post("/:id/members", write, h.AddMember)
	group.Patch("/:id/members/:userID", write, h.UpdateMemberRole)
	group.Delete("/:id/members/:userID", write, h.RemoveMember)
}

type createRequest struct {
	ParentID string         `json:"parent_id"`
	Type     string         `json:"type"`
	Slug     string         `json:"slug"`
	Name     string         `json:"name"`
	MaxDepth int            `json:"max_depth"`
	Settings map[string]any `json:"settings"`
}

func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return errx.New("invalid body", errx.TypeValidation)
	}
	if req.Slug == "" || req.Name == "" {
		return errx.New("slug and name are required", errx.TypeValidation)
	}

	create := tenantsrv.CreateTenant{
		Type:     tenant.Type(req.Type),
		Slug:     req.Slug,
		Name:     req.Name,
		MaxDepth: req.MaxDepth,
		Settings: req.Settings,
		ActorID:  actorID(c),
	}
	if req.ParentID != "" {
		pid := kernel.NewTenantID(req.ParentID)
		create.ParentID = &pid
	}

	t, err := h.svc.Create(c.UserContext(), create)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(tenantView(t))
}

func (h *Handler) Get(c *fiber.Ctx) error {
	t, err := h.svc.Get(c.UserContext(), kernel.NewTenantID(c.Params("id")))
	if err != nil {
		return err
	}
	return c.JSON(tenantView(t))
}

func (h *Handler) GetBySlugPath(c *fiber.Ctx) error {
	raw := strings.Trim(c.Params("*"), "/")
	if raw == "" {
		return tenant.ErrTenantNotFound()
	}
	t, err := h.svc.GetBySlugPath(c.UserContext(), strings.Split(raw, "/"))
	if err != nil {
		return err
	}
	return c.JSON(tenantView(t))
}

type updateRequest struct {
	Name     *string        `json:"name"`
	Settings map[string]any `json:"settings"`
}

func (h *Handler) Update(c *fiber.Ctx) error {
	var req updateRequest
	if err := c.BodyParser(&req); err != nil {
		return errx.New("invalid body", errx.TypeValidation)
	}
	id := kernel.NewTenantID(c.Params("id"))

	var t *tenant.Tenant
	var err error
	if req.Name != nil {
		if t, err = h.svc.Rename(c.UserContext(), id, *req.Name, actorID(c)); err != nil {
			return err
		}
	}
	if req.Settings != nil {
		if t, err = h.svc.UpdateSettings(c.UserContext(), id, req.Settings, actorID(c)); err != nil {
			return err
		}
	}
	if t == nil {
		if t, err = h.svc.Get(c.UserContext(), id); err != nil {
			return err
		}
	}
	return c.JSON(tenantView(t))
}

func (h *Handler) Delete(c *fiber.Ctx) error {
	if err := h.svc.Delete(c.UserContext(), kernel.NewTenantID(c.Params("id")), actorID(c)); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) Move(c *fiber.Ctx) error {
	var req struct {
		NewParentID string `json:"new_parent_id"`
	}
	if err := c.BodyParser(&req); err != nil || req.NewParentID == "" {
		return errx.New("new_parent_id is required", errx.TypeValidation)
	}

	t, err := h.svc.Move(c.UserContext(),
		kernel.NewTenantID(c.Params("id")),
		kernel.NewTenantID(req.NewParentID),
		actorID(c))
	if err != nil {
		return err
	}
	return c.JSON(tenantView(t))
}

func (h *Handler) Archive(c *fiber.Ctx) error {
	if err := h.svc.Archive(c.UserContext(), kernel.NewTenantID(c.Params("id")), actorID(c)); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"archived": true})
}

func (h *Handler) Restore(c *fiber.Ctx) error {
	if err := h.svc.Restore(c.UserContext(), kernel.NewTenantID(c.Params("id")), actorID(c)); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"restored": true})
}

func (h *Handler) Children(c *fiber.Ctx) error {
	result, err := h.svc.Children(c.UserContext(), kernel.NewTenantID(c.Params("id")), pageOpts(c))
	if err != nil {
		return err
	}
	return c.JSON(paginatedView(result))
}

func (h *Handler) Descendants(c *fiber.Ctx) error {
	result, err := h.svc.Descendants(c.UserContext(), kernel.NewTenantID(c.Params("id")), pageOpts(c))
	if err != nil {
		return err
	}
	return c.JSON(paginatedView(result))
}

func (h *Handler) Ancestors(c *fiber.Ctx) error {
	ancestors, err := h.svc.Ancestors(c.UserContext(), kernel.NewTenantID(c.Params("id")))
	if err != nil {
		return err
	}
	views := make([]fiber.Map, len(ancestors))
	for i, t := range ancestors {
		views[i] = tenantView(t)
	}
	return c.JSON(fiber.Map{"ancestors": views})
}

func (h *Handler) Tree(c *fiber.Ctx) error {
	root, err := h.svc.Tree(c.UserContext(), kernel.NewTenantID(c.Params("id")))
	if err != nil {
		return err
	}
	return c.JSON(nodeView(root))
}

// ============================================================================
// Members
// ============================================================================

type addMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (h *Handler) AddMember(c *fiber.Ctx) error {
	var req addMemberRequest
	if err := c.BodyParser(&req); err != nil || req.UserID == "" || req.Role == "" {
		return errx.New("user_id and role are required", errx.TypeValidation)
	}

	var invitedBy *kernel.UserID
	if actor := actorID(c); actor != "" {
		uid := kernel.NewUserID(actor)
		invitedBy = &uid
	}

	m, err := h.svc.AddMember(c.UserContext(),
		kernel.NewTenantID(c.Params("id")),
		kernel.NewUserID(req.UserID),
		tenant.Role(req.Role),
		invitedBy)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(memberView(m))
}

func (h *Handler) UpdateMemberRole(c *fiber.Ctx) error {
	var req struct {
		Role string `json:"role"`
	}
	if err := c.BodyParser(&req); err != nil || req.Role == "" {
		return errx.New("role is required", errx.TypeValidation)
	}

	m, err := h.svc.UpdateMemberRole(c.UserContext(),
		kernel.NewTenantID(c.Params("id")),
		kernel.NewUserID(c.Params("userID")),
		tenant.Role(req.Role))
	if err != nil {
		return err
	}
	return c.JSON(memberView(m))
}

func (h *Handler) RemoveMember(c *fiber.Ctx) error {
	err := h.svc.RemoveMember(c.UserContext(),
		kernel.NewTenantID(c.Params("id")),
		kernel.NewUserID(c.Params("userID")))
	if err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) ListMembers(c *fiber.Ctx) error {
	result, err := h.svc.ListMembers(c.UserContext(), kernel.NewTenantID(c.Params("id")), pageOpts(c))
	if err != nil {
		return err
	}
	views := make([]fiber.Map, len(result.Items))
	for i, m := range result.Items {
		views[i] = memberView(m)
	}
	return c.JSON(fiber.Map{"members": views, "pagination": result.Page})
}

// ============================================================================
// Views
// ============================================================================

func tenantView(t *tenant.Tenant) fiber.Map {
	view := fiber.Map{
		"id":         t.ID.String(),
		"type":       string(t.Type),
		"slug":       t.Slug,
		"name":       t.Name,
		"status":     string(t.Status),
		"path":       t.Path,
		"level":      t.Level,
		"max_depth":  t.MaxDepth,
		"settings":   t.Settings,
		"created_at": t.CreatedAt,
		"updated_at": t.UpdatedAt,
	}
	if t.ParentID != nil {
		view["parent_id"] = t.ParentID.String()
	}
	return view
}

func nodeView(n *tenant.Node) fiber.Map {
	children := make([]fiber.Map, len(n.Children))
	for i, child := range n.Children {
		children[i] = nodeView(child)
	}
	return fiber.Map{"tenant": tenantView(n.Tenant), "children": children}
}

func memberView(m *tenant.Member) fiber.Map {
	view := fiber.Map{
		"tenant_id":  m.TenantID.String(),
		"user_id":    m.UserID.String(),
		"role":       string(m.Role),
		"created_at": m.CreatedAt,
	}
	if m.InvitedBy != nil {
		view["invited_by"] = m.InvitedBy.String()
	}
	if m.InheritedFrom != nil {
		view["inherited_from"] = m.InheritedFrom.String()
	}
	return view
}

func paginatedView(result kernel.Paginated[*tenant.Tenant]) fiber.Map {
	views := make([]fiber.Map, len(result.Items))
	for i, t := range result.Items {
		views[i] = tenantView(t)
	}
	return fiber.Map{"tenants": views, "pagination": result.Page}
}

func pageOpts(c *fiber.Ctx) kernel.PaginationOptions {
	return kernel.PaginationOptions{
		Page:     c.QueryInt("page", 1),
		PageSize: c.QueryInt("page_size", 50),
	}
}

func actorID(c *fiber.Ctx) string {
	if ac := token.AuthFromLocals(c); ac != nil {
		return ac.Subject()
	}
	return ""
}
