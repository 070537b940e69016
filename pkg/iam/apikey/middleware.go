package apikey

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/truxeio/truxe/pkg/iam"
	"github.com/truxeio/truxe/pkg/kernel"
)

// Verifier is the subset of the API-key service the middleware needs.
type Verifier interface {
	Verify(ctx context.Context, cleartext string, usage UsageMeta) (*kernel.AuthContext, error)
}

// UsageRecorder persists per-request usage after the response, when status
// and latency are known.
type UsageRecorder interface {
	RecordUsage(keyID string, usage UsageMeta, statusCode int, latency time.Duration)
}

// Middleware authenticates machine requests. Keys are accepted from
// `Authorization: Bearer <key>` or the X-API-Key header.
type Middleware struct {
	verifier  Verifier
	recorder  UsageRecorder
	appPrefix string
}

func NewMiddleware(verifier Verifier, recorder UsageRecorder, appPrefix string) *Middleware {
	return &Middleware{verifier: verifier, recorder: recorder, appPrefix: appPrefix}
}

// Authenticate validates the presented key, stores the resulting
// kernel.AuthContext in locals under "auth" and records the usage event once
// the response is written.
func (m *Middleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		cleartext := m.FromRequest(c)
		if cleartext == "" {
			return iam.ErrUnauthorized()
		}

		usage := UsageMeta{Endpoint: c.Path(), IP: c.IP()}
		ac, err := m.verifier.Verify(c.UserContext(), cleartext, usage)
		if err != nil {
			return err
		}

		c.Locals("auth", ac)

		start := time.Now()
		err = c.Next()
		if m.recorder != nil {
			m.recorder.RecordUsage(ac.JTI, usage, c.Response().StatusCode(), time.Since(start))
		}
		return err
	}
}

// FromRequest extracts a cleartext key from the request, empty when the
// request carries none (or a non-key bearer credential).
func (m *Middleware) FromRequest(c *fiber.Ctx) string {
	if key := c.Get("X-API-Key"); key != "" {
		return key
	}
	authHeader := c.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" && strings.HasPrefix(parts[1], m.appPrefix+"_") {
		return parts[1]
	}
	return ""
}
