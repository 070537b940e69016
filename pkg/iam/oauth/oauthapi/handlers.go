package oauthapi

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/truxeio/truxe/pkg/iam"
	"github.com/truxeio/truxe/pkg/iam/oauth"
	"github.com/truxeio/truxe/pkg/iam/oauth/oauthsrv"
	"github.com/truxeio/truxe/pkg/iam/token"
	"github.com/truxeio/truxe/pkg/kernel"
)

// Handler exposes the federation flow.
type Handler struct {
	svc *oauthsrv.OAuthService
}

func NewHandler(svc *oauthsrv.OAuthService) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the flow. The account routes need a signed-in user;
// begin/callback are anonymous by nature.
func (h *Handler) RegisterRoutes(app *fiber.App, authn fiber.Handler) {
	app.Get("/auth/accounts", authn, h.ListAccounts)
	app.Delete("/auth/accounts/:provider", authn, h.Unlink)

	// Registered last: ":provider" would otherwise shadow the fixed paths.
	app.Get("/auth/:provider", h.Begin)
	app.Get("/auth/:provider/callback", h.Callback)
	// Apple posts the callback (response_mode=form_post).
	app.Post("/auth/:provider/callback", h.Callback)
}

func (h *Handler) Begin(c *fiber.Ctx) error {
	provider, ok := iam.ParseOAuthProvider(c.Params("provider"))
	if !ok {
		return oauth.ErrProviderUnknown(c.Params("provider"))
	}

	opts := oauthsrv.BeginOptions{
		RedirectURI: c.Query("redirect_uri"),
	}
	if tenant := c.Query("tenant"); tenant != "" {
		tid := kernel.NewTenantID(tenant)
		opts.TenantID = &tid
	}
	// A signed-in caller starts a link flow instead of a login.
	if ac := token.AuthFromLocals(c); ac != nil && !ac.IsServiceAccount() {
		uid := kernel.NewUserID(ac.Subject())
		opts.LinkUserID = &uid
	}

	authURL, err := h.svc.BeginAuth(c.UserContext(), provider, opts)
	if err != nil {
		return err
	}
	return c.Redirect(authURL, fiber.StatusFound)
}

func (h *Handler) Callback(c *fiber.Ctx) error {
	provider, ok := iam.ParseOAuthProvider(c.Params("provider"))
	if !ok {
		return oauth.ErrProviderUnknown(c.Params("provider"))
	}

	code := c.Query("code", c.FormValue("code"))
	state := c.Query("state", c.FormValue("state"))
	if code == "" || state == "" {
		return oauth.ErrStateInvalid().WithDetail("reason", "missing code or state")
	}

	result, err := h.svc.HandleCallback(c.UserContext(), provider, code, state, oauthsrv.CallbackMeta{
		IP: c.IP(),
		UA: c.Get("User-Agent"),
	})
	if err != nil {
		return err
	}

	if result.Linked {
		return c.JSON(fiber.Map{
			"linked":   true,
			"provider": string(provider),
			"user_id":  result.UserID.String(),
		})
	}
	return c.JSON(fiber.Map{
		"access_token":  result.Pair.Access,
		"refresh_token": result.Pair.Refresh,
		"token_type":    "Bearer",
		"expires_in":    int(time.Until(result.Pair.AccessExpiresAt).Seconds()),
		"user": fiber.Map{
			"id":      result.UserID.String(),
			"email":   result.Profile.Email,
			"name":    result.Profile.Name,
			"picture": result.Profile.Picture,
		},
	})
}

func (h *Handler) ListAccounts(c *fiber.Ctx) error {
	ac := token.AuthFromLocals(c)
	if ac == nil {
		return iam.ErrUnauthorized()
	}

	accounts, err := h.svc.ListAccounts(c.UserContext(), kernel.NewUserID(ac.Subject()))
	if err != nil {
		return err
	}

	views := make([]fiber.Map, len(accounts))
	for i, a := range accounts {
		views[i] = fiber.Map{
			"provider":   string(a.Provider),
			"email":      a.Email,
			"name":       a.Name,
			"picture":    a.Picture,
			"created_at": a.CreatedAt,
		}
	}
	return c.JSON(fiber.Map{"accounts": views})
}

func (h *Handler) Unlink(c *fiber.Ctx) error {
	ac := token.AuthFromLocals(c)
	if ac == nil {
		return iam.ErrUnauthorized()
	}
	provider, ok := iam.ParseOAuthProvider(c.Params("provider"))
	if !ok {
		return oauth.ErrProviderUnknown(c.Params("provider"))
	}

	if err := h.svc.Unlink(c.UserContext(), kernel.NewUserID(ac.Subject()), provider); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"unlinked": true, "provider": string(provider)})
}
