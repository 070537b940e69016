package token

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/truxeio/truxe/pkg/iam"
	"github.com/truxeio/truxe/pkg/kernel"
)

// Verifier is the subset of the token service the middleware needs.
type Verifier interface {
	Verify(ctx context.Context, raw string) (*Claims, error)
}

// Middleware authenticates requests carrying one of this service's JWTs.
type Middleware struct {
	verifier Verifier
}

func NewMiddleware(verifier Verifier) *Middleware {
	return &Middleware{verifier: verifier}
}

// Authenticate validates the bearer token from the Authorization header or
// the access_token cookie and stores the kernel.AuthContext in locals.
func (m *Middleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := BearerFromRequest(c)
		if raw == "" {
			return iam.ErrUnauthorized()
		}

		claims, err := m.verifier.Verify(c.UserContext(), raw)
		if err != nil {
			return err
		}
		if claims.TokenType != kernel.TokenTypeAccess && claims.TokenType != kernel.TokenTypeServiceAccount {
			return ErrWrongTokenType().WithDetail("typ", string(claims.TokenType))
		}

		c.Locals("auth", claims.AuthContext())
		return c.Next()
	}
}

// RequireScope guards a route behind a scope; wildcard scopes on the token
// satisfy it.
func RequireScope(scope string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ac := AuthFromLocals(c)
		if ac == nil {
			return iam.ErrUnauthorized()
		}
		if !ac.HasScope(scope) {
			return iam.ErrAccessDenied().WithDetail("required_scope", scope)
		}
		return c.Next()
	}
}

// RequireTenant rejects tokens without a tenant claim.
func RequireTenant() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ac := AuthFromLocals(c)
		if ac == nil {
			return iam.ErrUnauthorized()
		}
		if ac.TenantID.IsEmpty() {
			return iam.ErrAccessDenied().WithDetail("reason", "tenant-scoped token required")
		}
		return c.Next()
	}
}

// AuthFromLocals returns the authenticated context stored by Authenticate,
// nil when the request is anonymous.
func AuthFromLocals(c *fiber.Ctx) *kernel.AuthContext {
	ac, _ := c.Locals("auth").(*kernel.AuthContext)
	return ac
}

// BearerFromRequest extracts the raw credential from the Authorization
// header, falling back to the access_token cookie.
func BearerFromRequest(c *fiber.Ctx) string {
	if authHeader := c.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" && parts[1] != "" {
			return parts[1]
		}
	}
	return c.Cookies("access_token")
}
