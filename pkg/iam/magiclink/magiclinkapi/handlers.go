package magiclinkapi

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/magiclink"
	"github.com/truxeio/truxe/pkg/iam/magiclink/magiclinksrv"
	"github.com/truxeio/truxe/pkg/kernel"
)

// Handler exposes the passwordless flow.
type Handler struct {
	svc *magiclinksrv.MagicLinkService
}

func NewHandler(svc *magiclinksrv.MagicLinkService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(app *fiber.App) {
	app.Post("/auth/magic-link", h.Request)
	app.Post("/auth/magic-link/verify", h.Verify)
}

type requestBody struct {
	Email       string `json:"email"`
	RedirectURI string `json:"redirect_uri"`
	TenantID    string `json:"tenant_id"`
}

// Request always answers 202 for well-formed requests: the response must not
// reveal whether the address belongs to a known user.
func (h *Handler) Request(c *fiber.Ctx) error {
	var req requestBody
	if err := c.BodyParser(&req); err != nil || req.Email == "" {
		return errx.New("email is required", errx.TypeValidation)
	}

	opts := magiclinksrv.RequestOptions{
		RedirectURI: req.RedirectURI,
		IP:          c.IP(),
		UA:          c.Get("User-Agent"),
	}
	if req.TenantID != "" {
		tid := kernel.NewTenantID(req.TenantID)
		opts.TenantID = &tid
	}

	if err := h.svc.Request(c.UserContext(), req.Email, opts); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"message": "If the address exists, a sign-in link is on its way.",
	})
}

type verifyBody struct {
	Token string `json:"token"`
}

func (h *Handler) Verify(c *fiber.Ctx) error {
	var req verifyBody
	if err := c.BodyParser(&req); err != nil || req.Token == "" {
		return magiclink.ErrLinkInvalid().WithDetail("reason", "token required")
	}

	pair, u, err := h.svc.Verify(c.UserContext(), req.Token, magiclinksrv.VerifyMeta{
		IP: c.IP(),
		UA: c.Get("User-Agent"),
	})
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"access_token":  pair.Access,
		"refresh_token": pair.Refresh,
		"token_type":    "Bearer",
		"expires_in":    int(time.Until(pair.AccessExpiresAt).Seconds()),
		"user": fiber.Map{
			"id":             u.ID.String(),
			"email":          u.Email,
			"email_verified": u.EmailVerified,
			"name":           u.Name,
		},
	})
}
