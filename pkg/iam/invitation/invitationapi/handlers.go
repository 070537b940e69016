package invitationapi

import (
	"github.com/gofiber/fiber/v2"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam"
	"github.com/truxeio/truxe/pkg/iam/invitation"
	"github.com/truxeio/truxe/pkg/iam/invitation/invitationsrv"
	"github.com/truxeio/truxe/pkg/iam/tenant"
	"github.com/truxeio/truxe/pkg/iam/token"
	"github.com/truxeio/truxe/pkg/kernel"
)

// Handler exposes invitation management under /api/v1/invitations.
type Handler struct {
	svc *invitationsrv.InvitationService
}

func NewHandler(svc *invitationsrv.InvitationService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(app *fiber.App, authn fiber.Handler) {
	read := token.RequireScope("tenants:read")
	write := token.RequireScope("tenants:write")

	group := app.Group("/api/v1/invitations", authn)
	group.Post("/", write, h.Create)
	group.Get("/", read, h.List)
	// Accept requires a signed-in user but no tenant scope: the invitee is
	// not yet a member of the tenant.
	group.Post("/accept", h.Accept)
	group.Get("/:id", read, h.Get)
	group.Delete("/:id", write, h.Revoke)
}

type createRequest struct {
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return errx.New("invalid body", errx.TypeValidation)
	}
	if req.TenantID == "" || req.Email == "" || req.Role == "" {
		return errx.New("tenant_id, email and role are required", errx.TypeValidation)
	}

	ac := token.AuthFromLocals(c)
	if ac == nil {
		return iam.ErrUnauthorized()
	}

	inv, err := h.svc.Invite(c.UserContext(), invitationsrv.InviteRequest{
		TenantID:  kernel.NewTenantID(req.TenantID),
		Email:     req.Email,
		Role:      tenant.Role(req.Role),
		InvitedBy: kernel.NewUserID(ac.Subject()),
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(invitationView(inv))
}

func (h *Handler) List(c *fiber.Ctx) error {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		return errx.New("tenant_id is required", errx.TypeValidation)
	}

	result, err := h.svc.ListForTenant(c.UserContext(),
		kernel.NewTenantID(tenantID),
		c.QueryBool("pending", false),
		kernel.PaginationOptions{
			Page:     c.QueryInt("page", 1),
			PageSize: c.QueryInt("page_size", 50),
		})
	if err != nil {
		return err
	}

	views := make([]fiber.Map, len(result.Items))
	for i, inv := range result.Items {
		views[i] = invitationView(inv)
	}
	return c.JSON(fiber.Map{"invitations": views, "pagination": result.Page})
}

func (h *Handler) Accept(c *fiber.Ctx) error {
	var req struct {
		Token string `json:"token"`
	}
	if err := c.BodyParser(&req); err != nil || req.Token == "" {
		return errx.New("token is required", errx.TypeValidation)
	}

	ac := token.AuthFromLocals(c)
	if ac == nil {
		return iam.ErrUnauthorized()
	}

	member, err := h.svc.Accept(c.UserContext(), req.Token, kernel.NewUserID(ac.Subject()))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"accepted":  true,
		"tenant_id": member.TenantID.String(),
		"role":      string(member.Role),
	})
}

func (h *Handler) Get(c *fiber.Ctx) error {
	inv, err := h.svc.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(invitationView(inv))
}

func (h *Handler) Revoke(c *fiber.Ctx) error {
	ac := token.AuthFromLocals(c)
	if ac == nil {
		return iam.ErrUnauthorized()
	}

	if err := h.svc.Revoke(c.UserContext(), c.Params("id"), kernel.NewUserID(ac.Subject())); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func invitationView(inv *invitation.Invitation) fiber.Map {
	view := fiber.Map{
		"id":         inv.ID,
		"tenant_id":  inv.TenantID.String(),
		"email":      inv.Email,
		"role":       inv.Role,
		"status":     string(inv.Status),
		"invited_by": inv.InvitedBy.String(),
		"expires_at": inv.ExpiresAt,
		"created_at": inv.CreatedAt,
	}
	if inv.AcceptedAt != nil {
		view["accepted_at"] = inv.AcceptedAt
	}
	if inv.AcceptedBy != nil {
		view["accepted_by"] = *inv.AcceptedBy
	}
	return view
}
