// Package iam (Identity and Access Management) provides authentication,
// authorization, and multi-tenant access control for self-hosted deployments.
//
// # Overview
//
// The iam package is organized into sub-packages that work together to provide
// a full IAM suite:
//
//   - iam/token      — JWT issue/verify/refresh/revoke, JWKS, bearer middleware
//   - iam/session    — refresh sessions, concurrent-session cap, revocation index
//   - iam/magiclink  — passwordless email links (single use, hashed at rest)
//   - iam/oauth      — provider federation (Google, GitHub, Microsoft, Apple)
//   - iam/user       — the identity anchor every credential resolves to
//   - iam/tenant     — hierarchical tenants (materialized path) and memberships
//   - iam/invitation — email invitations that enroll members on acceptance
//   - iam/authz      — RBAC + ABAC decision engine with caching
//   - iam/webhook    — signed, durable, retried event fan-out
//   - iam/apikey     — machine credentials with tiers and usage tracking
//   - iam/audit      — append-only security event sinks
//   - iam/ratelimit  — fixed-window and local rate limiting
//   - iam/scopes     — scope catalog and per-role scope groups
//
// # Architecture
//
// Each sub-domain follows the same layering:
//
//	HTTP Handler (<d>api)  →  Service (<d>srv)  →  Repository interface (port.go)  →  Infrastructure (<d>infra)
//
// The domain package owns its entities, its error registry (e.g. "TOKEN",
// "TENANT", "AUTHZ"), and the repository interfaces; infrastructure provides
// the PostgreSQL and Redis implementations. Services accept interfaces and
// are constructed by iamcontainer.
//
// # Authentication
//
// Two interactive strategies coexist on the same user:
//
//  1. Magic links — a single-use token mailed to the user; possession of the
//     link verifies the email address.
//
//  2. OAuth federation — sign in via an external provider. Accounts are
//     matched to users by verified email or explicit linking.
//
// Both produce the same JWT access/refresh pair. Machines authenticate with
// API keys (iam/apikey) or service-account tokens (iam/token).
//
// # Tokens and sessions
//
// Access tokens are short-lived JWTs (RS256 or ES256) verified statelessly
// against the JWKS. Refresh tokens rotate on every use; reuse of a rotated
// token revokes the whole session chain. Revocation is tracked in Redis keyed
// by JTI, so a revoked access token dies before its expiry.
//
// # Multi-tenancy
//
// Tenants form a tree; each row stores its materialized path. Memberships
// attach a user to a tenant with a role; the owner and admin roles inherit
// down the tree, member, viewer and guest do not.
//
// # Authorization
//
// authz evaluates, in order: direct grants, role patterns in the tenant,
// inherited roles (nearest ancestor first), ABAC policies (deny overrides,
// priority picks among allows), default deny. Grants and policies may carry
// conditions (time ranges, day-of-week, IP lists, attribute operators);
// conditions are conjunctive and unsupported condition types deny. Only
// allows are cached.
//
// # Scopes & middleware
//
// Coarse route protection is scope-based; scopes follow "resource:action"
// (e.g. "tenants:write") and "*" grants everything. Fine-grained checks go
// through authz. Protect a route group:
//
//	api := app.Group("/api", authn)
//	api.Post("/things", token.RequireScope("things:write"), createThing)
//
// Read the verified claims inside a handler:
//
//	ac := token.AuthFromLocals(c)
//	if ac == nil { return iam.ErrUnauthorized() }
//
// # Webhooks
//
// Tenant lifecycle events fan out to subscribed endpoints as signed POSTs
// (HMAC-SHA-256 over "<unix-ts>.<body>"). Deliveries are durable rows worked
// by a jobx queue with exponential backoff; receivers verify with
// webhook.VerifySignature.
package iam
