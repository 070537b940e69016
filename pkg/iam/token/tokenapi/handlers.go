package tokenapi

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/truxeio/truxe/pkg/iam"
	"github.com/truxeio/truxe/pkg/iam/session"
	"github.com/truxeio/truxe/pkg/iam/token"
	"github.com/truxeio/truxe/pkg/iam/token/tokensrv"
	"github.com/truxeio/truxe/pkg/kernel"
)

// Handler exposes the token lifecycle over HTTP: key discovery, refresh
// rotation, revocation and session introspection.
type Handler struct {
	svc *tokensrv.TokenService
}

func NewHandler(svc *tokensrv.TokenService) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes wires the token endpoints. Discovery endpoints are public;
// session endpoints require authentication.
func (h *Handler) RegisterRoutes(app *fiber.App, authn fiber.Handler) {
	app.Get("/.well-known/jwks.json", h.JWKS)
	app.Get("/.well-known/openid-configuration", h.OpenIDConfiguration)

	app.Post("/auth/refresh", h.Refresh)
	app.Post("/auth/revoke", authn, h.Revoke)
	app.Get("/auth/sessions", authn, h.ListSessions)
	app.Delete("/auth/sessions/:jti", authn, h.RevokeSession)
}

// JWKS serves the public signing keys. Responses are cacheable: rotation
// keeps retiring keys published until their last token expires.
func (h *Handler) JWKS(c *fiber.Ctx) error {
	c.Set("Cache-Control", "public, max-age=300")
	return c.JSON(h.svc.PublicJWKS())
}

func (h *Handler) OpenIDConfiguration(c *fiber.Ctx) error {
	issuer := h.svc.Issuer()
	c.Set("Cache-Control", "public, max-age=300")
	return c.JSON(fiber.Map{
		"issuer":                                issuer,
		"jwks_uri":                              issuer + "/.well-known/jwks.json",
		"id_token_signing_alg_values_supported": []string{h.svc.Algorithm()},
		"scopes_supported":                      []string{"openid", "email", "profile"},
		"grant_types_supported":                 []string{"refresh_token", "authorization_code"},
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) Refresh(c *fiber.Ctx) error {
	var req refreshRequest
	if err := c.BodyParser(&req); err != nil || req.RefreshToken == "" {
		return iam.ErrInvalidToken().WithDetail("reason", "refresh_token required")
	}

	pair, err := h.svc.Refresh(c.UserContext(), req.RefreshToken, token.RefreshOptions{
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
	})
}

type revokeRequest struct {
	JTI    string `json:"jti"`
	Reason string `json:"reason"`
}

func (h *Handler) Revoke(c *fiber.Ctx) error {
	ac := token.AuthFromLocals(c)
	if ac == nil {
		return iam.ErrUnauthorized()
	}

	var req revokeRequest
	if err := c.BodyParser(&req); err != nil {
		return iam.ErrInvalidToken().WithDetail("reason", "invalid body")
	}

	jti := req.JTI
	if jti == "" {
		jti = ac.JTI // revoke the presented credential
	}
	if err := h.ownsSession(c, ac, jti); err != nil {
		return err
	}

	reason := req.Reason
	if reason == "" {
		reason = session.ReasonLogout
	}
	if err := h.svc.Revoke(c.UserContext(), jti, reason); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) ListSessions(c *fiber.Ctx) error {
	ac := token.AuthFromLocals(c)
	if ac == nil || ac.UserID == nil {
		return iam.ErrUnauthorized()
	}

	sessions, err := h.svc.ListSessions(c.UserContext(), *ac.UserID)
	if err != nil {
		return err
	}

	out := make([]fiber.Map, len(sessions))
	for i, s := range sessions {
		out[i] = fiber.Map{
			"jti":          s.JTI,
			"token_type":   string(s.TokenType),
			"device":       s.DeviceFingerprint,
			"ip":           s.IP,
			"user_agent":   s.UserAgent,
			"issued_at":    s.IssuedAt,
			"last_used_at": s.LastUsedAt,
			"expires_at":   s.ExpiresAt,
		}
	}
	return c.JSON(fiber.Map{"sessions": out})
}

func (h *Handler) RevokeSession(c *fiber.Ctx) error {
	ac := token.AuthFromLocals(c)
	if ac == nil {
		return iam.ErrUnauthorized()
	}

	jti := c.Params("jti")
	if err := h.ownsSession(c, ac, jti); err != nil {
		return err
	}
	if err := h.svc.Revoke(c.UserContext(), jti, session.ReasonLogout); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ownsSession ensures callers only revoke their own sessions unless they
// hold the sessions management scope.
func (h *Handler) ownsSession(c *fiber.Ctx, ac *kernel.AuthContext, jti string) error {
	if ac.HasScope("sessions:manage") || jti == ac.JTI {
		return nil
	}
	if ac.UserID == nil {
		return iam.ErrAccessDenied()
	}
	sessions, err := h.svc.ListSessions(c.UserContext(), *ac.UserID)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if s.JTI == jti {
			return nil
		}
	}
	return iam.ErrAccessDenied().WithDetail("jti", jti)
}
