package apikeyapi

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/truxeio/truxe/pkg/iam"
	"github.com/truxeio/truxe/pkg/iam/apikey"
	"github.com/truxeio/truxe/pkg/iam/apikey/apikeysrv"
	"github.com/truxeio/truxe/pkg/iam/token"
	"github.com/truxeio/truxe/pkg/kernel"
)

// Handler exposes API-key management under /api/v1/api-keys.
type Handler struct {
	svc *apikeysrv.APIKeyService
}

func NewHandler(svc *apikeysrv.APIKeyService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(app *fiber.App, authn fiber.Handler) {
	group := app.Group("/api/v1/api-keys", authn, token.RequireScope("keys:manage"))
	group.Post("/", h.Create)
	group.Get("/", h.List)
	group.Get("/:id", h.Get)
	group.Delete("/:id", h.Revoke)
	group.Post("/:id/rotate", h.Rotate)
}

type createRequest struct {
	ServiceAccountID string     `json:"service_account_id"`
	TenantID         string     `json:"tenant_id"`
	Name             string     `json:"name"`
	Permissions      []string   `json:"permissions"`
	Tier             string     `json:"tier"`
	ExpiresAt        *time.Time `json:"expires_at"`
	Test             bool       `json:"test"`
}

func (h *Handler) Create(c *fiber.Ctx) error {
	ac := token.AuthFromLocals(c)
	if ac == nil {
		return iam.ErrUnauthorized()
	}

	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return apikey.ErrAPIKeyInvalid().WithDetail("reason", "invalid body")
	}
	if req.ServiceAccountID == "" || req.Name == "" {
		return apikey.ErrAPIKeyInvalid().WithDetail("reason", "service_account_id and name are required")
	}

	create := apikeysrv.CreateAPIKey{
		ServiceAccountID: kernel.NewServiceAccountID(req.ServiceAccountID),
		Name:             req.Name,
		Permissions:      req.Permissions,
		Tier:             apikey.Tier(req.Tier),
		ExpiresAt:        req.ExpiresAt,
		Test:             req.Test,
	}
	if req.TenantID != "" {
		tid := kernel.NewTenantID(req.TenantID)
		create.TenantID = &tid
	}

	key, cleartext, err := h.svc.Create(c.UserContext(), create)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"api_key": keyView(key),
		"key":     cleartext,
		"message": "Save this key securely. It will not be shown again.",
	})
}

func (h *Handler) List(c *fiber.Ctx) error {
	ac := token.AuthFromLocals(c)
	if ac == nil {
		return iam.ErrUnauthorized()
	}

	var (
		keys []*apikey.APIKey
		err  error
	)
	if tenantID := c.Query("tenant_id"); tenantID != "" {
		keys, err = h.svc.ListForTenant(c.UserContext(), kernel.NewTenantID(tenantID))
	} else if said := c.Query("service_account_id"); said != "" {
		keys, err = h.svc.List(c.UserContext(), kernel.NewServiceAccountID(said))
	} else if !ac.TenantID.IsEmpty() {
		keys, err = h.svc.ListForTenant(c.UserContext(), ac.TenantID)
	} else {
		return apikey.ErrAPIKeyInvalid().WithDetail("reason", "tenant_id or service_account_id required")
	}
	if err != nil {
		return err
	}

	views := make([]fiber.Map, len(keys))
	for i, key := range keys {
		views[i] = keyView(key)
	}
	return c.JSON(fiber.Map{"api_keys": views, "total": len(views)})
}

func (h *Handler) Get(c *fiber.Ctx) error {
	key, err := h.svc.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(keyView(key))
}

func (h *Handler) Revoke(c *fiber.Ctx) error {
	ac := token.AuthFromLocals(c)
	if ac == nil {
		return iam.ErrUnauthorized()
	}
	if err := h.svc.Revoke(c.UserContext(), c.Params("id"), ac.Subject()); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) Rotate(c *fiber.Ctx) error {
	ac := token.AuthFromLocals(c)
	if ac == nil {
		return iam.ErrUnauthorized()
	}

	key, cleartext, err := h.svc.Rotate(c.UserContext(), c.Params("id"), ac.Subject())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"api_key": keyView(key),
		"key":     cleartext,
		"message": "Save this key securely. It will not be shown again.",
	})
}

// keyView never exposes the secret hash.
func keyView(key *apikey.APIKey) fiber.Map {
	view := fiber.Map{
		"id":                 key.ID,
		"kid":                key.KID,
		"service_account_id": key.ServiceAccountID.String(),
		"name":               key.Name,
		"prefix":             key.Prefix,
		"permissions":        key.Permissions,
		"rate_limit_tier":    string(key.RateLimitTier),
		"created_at":         key.CreatedAt,
		"expires_at":         key.ExpiresAt,
		"revoked_at":         key.RevokedAt,
		"last_used_at":       key.LastUsedAt,
	}
	if key.TenantID != nil {
		view["tenant_id"] = key.TenantID.String()
	}
	return view
}
