package webhookapi

import (
	"github.com/gofiber/fiber/v2"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam"
	"github.com/truxeio/truxe/pkg/iam/token"
	"github.com/truxeio/truxe/pkg/iam/webhook"
	"github.com/truxeio/truxe/pkg/iam/webhook/webhooksrv"
	"github.com/truxeio/truxe/pkg/kernel"
)

// Handler exposes webhook endpoint management under /api/v1/webhooks.
type Handler struct {
	svc *webhooksrv.WebhookService
}

func NewHandler(svc *webhooksrv.WebhookService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(app *fiber.App, authn fiber.Handler) {
	manage := token.RequireScope("webhooks:manage")

	group := app.Group("/api/v1/webhooks", authn, manage)
	group.Post("/", h.CreateEndpoint)
	group.Get("/", h.ListEndpoints)
	group.Get("/:id", h.GetEndpoint)
	group.Patch("/:id", h.UpdateEndpoint)
	group.Delete("/:id", h.DeleteEndpoint)
	group.Get("/:id/deliveries", h.ListDeliveries)
	group.Get("/deliveries/:id/attempts", h.ListAttempts)
	group.Post("/deliveries/:id/redeliver", h.Redeliver)
}

type createEndpointRequest struct {
	TenantID    string   `json:"tenant_id"`
	URL         string   `json:"url"`
	Events      []string `json:"events"`
	AllowedIPs  []string `json:"allowed_ips"`
	Description string   `json:"description"`
}

func (h *Handler) CreateEndpoint(c *fiber.Ctx) error {
	var req createEndpointRequest
	if err := c.BodyParser(&req); err != nil {
		return errx.New("invalid body", errx.TypeValidation)
	}
	if req.TenantID == "" || req.URL == "" {
		return errx.New("tenant_id and url are required", errx.TypeValidation)
	}

	ac := token.AuthFromLocals(c)
	if ac == nil {
		return iam.ErrUnauthorized()
	}

	endpoint, secret, err := h.svc.CreateEndpoint(c.UserContext(), webhooksrv.CreateEndpointRequest{
		TenantID:    kernel.NewTenantID(req.TenantID),
		URL:         req.URL,
		Events:      req.Events,
		AllowedIPs:  req.AllowedIPs,
		Description: req.Description,
		Actor:       kernel.NewUserID(ac.Subject()),
	})
	if err != nil {
		return err
	}

	view := endpointView(endpoint)
	// The signing secret is shown exactly once.
	view["secret"] = secret
	return c.Status(fiber.StatusCreated).JSON(view)
}

func (h *Handler) ListEndpoints(c *fiber.Ctx) error {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		return errx.New("tenant_id is required", errx.TypeValidation)
	}

	endpoints, err := h.svc.ListEndpoints(c.UserContext(), kernel.NewTenantID(tenantID))
	if err != nil {
		return err
	}

	views := make([]fiber.Map, len(endpoints))
	for i, e := range endpoints {
		views[i] = endpointView(e)
	}
	return c.JSON(fiber.Map{"endpoints": views})
}

func (h *Handler) GetEndpoint(c *fiber.Ctx) error {
	endpoint, err := h.svc.GetEndpoint(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(endpointView(endpoint))
}

type updateEndpointRequest struct {
	URL         string   `json:"url"`
	Events      []string `json:"events"`
	AllowedIPs  []string `json:"allowed_ips"`
	Description *string  `json:"description"`
	Active      *bool    `json:"active"`
}

func (h *Handler) UpdateEndpoint(c *fiber.Ctx) error {
	var req updateEndpointRequest
	if err := c.BodyParser(&req); err != nil {
		return errx.New("invalid body", errx.TypeValidation)
	}

	ac := token.AuthFromLocals(c)
	if ac == nil {
		return iam.ErrUnauthorized()
	}

	endpoint, err := h.svc.UpdateEndpoint(c.UserContext(), c.Params("id"), webhooksrv.UpdateEndpointRequest{
		URL:         req.URL,
		Events:      req.Events,
		AllowedIPs:  req.AllowedIPs,
		Description: req.Description,
		Active:      req.Active,
		Actor:       kernel.NewUserID(ac.Subject()),
	})
	if err != nil {
		return err
	}
	return c.JSON(endpointView(endpoint))
}

func (h *Handler) DeleteEndpoint(c *fiber.Ctx) error {
	ac := token.AuthFromLocals(c)
	if ac == nil {
		return iam.ErrUnauthorized()
	}

	if err := h.svc.DeleteEndpoint(c.UserContext(), c.Params("id"), kernel.NewUserID(ac.Subject())); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) ListDeliveries(c *fiber.Ctx) error {
	result, err := h.svc.ListDeliveries(c.UserContext(), c.Params("id"), kernel.PaginationOptions{
		Page:     c.QueryInt("page", 1),
		PageSize: c.QueryInt("page_size", 50),
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"deliveries": result.Items, "pagination": result.Page})
}

func (h *Handler) ListAttempts(c *fiber.Ctx) error {
	attempts, err := h.svc.ListAttempts(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"attempts": attempts})
}

func (h *Handler) Redeliver(c *fiber.Ctx) error {
	ac := token.AuthFromLocals(c)
	if ac == nil {
		return iam.ErrUnauthorized()
	}

	delivery, err := h.svc.Redeliver(c.UserContext(), c.Params("id"), kernel.NewUserID(ac.Subject()))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(delivery)
}

func endpointView(e *webhook.Endpoint) fiber.Map {
	return fiber.Map{
		"id":          e.ID,
		"tenant_id":   e.TenantID.String(),
		"url":         e.URL,
		"events":      e.Events,
		"allowed_ips": e.AllowedIPs,
		"description": e.Description,
		"active":      e.Active,
		"created_at":  e.CreatedAt,
		"updated_at":  e.UpdatedAt,
	}
}
