package iamcontainer

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/truxeio/truxe/pkg/cachex"
	"github.com/truxeio/truxe/pkg/config"
	"github.com/truxeio/truxe/pkg/fsx"
	"github.com/truxeio/truxe/pkg/iam"
	"github.com/truxeio/truxe/pkg/iam/apikey"
	"github.com/truxeio/truxe/pkg/iam/apikey/apikeyapi"
	"github.com/truxeio/truxe/pkg/iam/apikey/apikeyinfra"
	"github.com/truxeio/truxe/pkg/iam/apikey/apikeysrv"
	"github.com/truxeio/truxe/pkg/iam/audit"
	"github.com/truxeio/truxe/pkg/iam/audit/auditinfra"
	"github.com/truxeio/truxe/pkg/iam/authz"
	"github.com/truxeio/truxe/pkg/iam/authz/authzapi"
	"github.com/truxeio/truxe/pkg/iam/authz/authzinfra"
	"github.com/truxeio/truxe/pkg/iam/authz/authzsrv"
	"github.com/truxeio/truxe/pkg/iam/invitation/invitationapi"
	"github.com/truxeio/truxe/pkg/iam/invitation/invitationinfra"
	"github.com/truxeio/truxe/pkg/iam/invitation/invitationsrv"
	"github.com/truxeio/truxe/pkg/iam/magiclink/magiclinkapi"
	"github.com/truxeio/truxe/pkg/iam/magiclink/magiclinkinfra"
	"github.com/truxeio/truxe/pkg/iam/magiclink/magiclinksrv"
	"github.com/truxeio/truxe/pkg/iam/oauth"
	"github.com/truxeio/truxe/pkg/iam/oauth/oauthapi"
	"github.com/truxeio/truxe/pkg/iam/oauth/oauthinfra"
	"github.com/truxeio/truxe/pkg/iam/oauth/oauthsrv"
	"github.com/truxeio/truxe/pkg/iam/oauth/providers"
	"github.com/truxeio/truxe/pkg/iam/ratelimit"
	"github.com/truxeio/truxe/pkg/iam/ratelimit/ratelimitinfra"
	"github.com/truxeio/truxe/pkg/iam/session/sessioninfra"
	"github.com/truxeio/truxe/pkg/iam/tenant/tenantapi"
	"github.com/truxeio/truxe/pkg/iam/tenant/tenantinfra"
	"github.com/truxeio/truxe/pkg/iam/tenant/tenantsrv"
	"github.com/truxeio/truxe/pkg/iam/token"
	"github.com/truxeio/truxe/pkg/iam/token/tokenapi"
	"github.com/truxeio/truxe/pkg/iam/token/tokensrv"
	"github.com/truxeio/truxe/pkg/iam/user/userinfra"
	"github.com/truxeio/truxe/pkg/iam/user/usersrv"
	"github.com/truxeio/truxe/pkg/iam/webhook/webhookapi"
	"github.com/truxeio/truxe/pkg/iam/webhook/webhookinfra"
	"github.com/truxeio/truxe/pkg/iam/webhook/webhooksrv"
	"github.com/truxeio/truxe/pkg/jobx"
	"github.com/truxeio/truxe/pkg/jobx/jobxredis"
	"github.com/truxeio/truxe/pkg/logx"
	"github.com/truxeio/truxe/pkg/notifx"
)

// ---------------------------------------------------------------------------
// Deps: explicit external dependencies this bounded context requires.
// No hidden globals, no ambient state — everything comes through here.
// ---------------------------------------------------------------------------

type Deps struct {
	DB    *sqlx.DB
	Redis *redis.Client
	Cfg   *config.Config

	// FS backs the audit archive sink when the "archive" sink is enabled.
	FS fsx.FileSystem

	// Mailer delivers magic links and invitations. Nil disables email, which
	// is only acceptable in tests.
	Mailer *notifx.Client
}

// ---------------------------------------------------------------------------
// Container: the public surface of the IAM module.
// Only expose what other modules or cmd/ actually need.
// Internal repos, infra details, etc. stay private.
// ---------------------------------------------------------------------------

type Container struct {
	// Services — available for cross-module consumption via interfaces
	UserService       *usersrv.UserService
	TokenService      *tokensrv.TokenService
	MagicLinkService  *magiclinksrv.MagicLinkService
	OAuthService      *oauthsrv.OAuthService
	TenantService     *tenantsrv.TenantService
	InvitationService *invitationsrv.InvitationService
	AuthzService      *authzsrv.AuthzService
	WebhookService    *webhooksrv.WebhookService
	APIKeyService     *apikeysrv.APIKeyService

	// Jobs is the background queue client. cmd/ starts it.
	Jobs *jobx.Client

	// API handlers — needed by cmd/ to register routes
	TokenHandlers      *tokenapi.Handler
	MagicLinkHandlers  *magiclinkapi.Handler
	OAuthHandlers      *oauthapi.Handler
	TenantHandlers     *tenantapi.Handler
	InvitationHandlers *invitationapi.Handler
	AuthzHandlers      *authzapi.Handler
	WebhookHandlers    *webhookapi.Handler
	APIKeyHandlers     *apikeyapi.Handler

	// Middleware — needed by cmd/ to protect route groups. Authn accepts
	// only JWTs; APIAuthn routes API-key-shaped credentials to the key
	// middleware and everything else to the bearer middleware.
	Authn    fiber.Handler
	APIAuthn fiber.Handler

	// Background services
	Cleanup *CleanupService

	archive *auditinfra.ArchiveSink
}

// ---------------------------------------------------------------------------
// New: constructs the entire IAM dependency graph.
// Order matters: infra → repos → services → handlers → middleware.
// ---------------------------------------------------------------------------

func New(deps Deps) (*Container, error) {
	logx.Info("🔧 Initializing IAM container...")

	cfg := deps.Cfg
	c := &Container{}

	// ── Repositories ─────────────────────────────────────────────────────

	userRepo := userinfra.NewPostgresUserRepository(deps.DB)
	tenantRepo := tenantinfra.NewPostgresTenantRepository(deps.DB)
	memberRepo := tenantinfra.NewPostgresMemberRepository(deps.DB)
	magicLinkRepo := magiclinkinfra.NewPostgresMagicLinkRepository(deps.DB)
	accountRepo := oauthinfra.NewPostgresAccountRepository(deps.DB)
	invitationRepo := invitationinfra.NewPostgresInvitationRepository(deps.DB)
	apiKeyRepo := apikeyinfra.NewPostgresAPIKeyRepository(deps.DB)
	grantRepo := authzinfra.NewPostgresGrantRepository(deps.DB)
	roleRepo := authzinfra.NewPostgresRoleRepository(deps.DB)
	policyRepo := authzinfra.NewPostgresPolicyRepository(deps.DB)
	endpointRepo := webhookinfra.NewPostgresEndpointRepository(deps.DB)
	deliveryRepo := webhookinfra.NewPostgresDeliveryRepository(deps.DB)

	revocations := sessioninfra.NewRedisRevocationIndex(deps.Redis)
	sessionStore := sessioninfra.NewPostgresSessionStore(deps.DB, revocations, sessioninfra.StoreOptions{
		MaxConcurrent: cfg.Session.MaxConcurrent,
	})

	// ── Audit sinks ──────────────────────────────────────────────────────

	auditSink := c.buildAuditSinks(deps)

	// ── Rate limiting ─────────────────────────────────────────────────────

	var limiter ratelimit.Limiter
	if deps.Redis != nil {
		limiter = ratelimitinfra.NewRedisLimiter(deps.Redis)
		logx.Info("  ✅ Redis rate limiter")
	} else {
		limiter = ratelimitinfra.NewLocalLimiter()
		logx.Warn("  ⚠️  Local rate limiter (single-instance only)")
	}

	// ── Job queue ─────────────────────────────────────────────────────────

	queues := cfg.Jobx.Queues
	if !containsQueue(queues, cfg.Webhook.Queue) {
		queues = append(append([]string(nil), queues...), cfg.Webhook.Queue)
	}
	c.Jobs = jobx.NewClient(jobxredis.NewRedisQueue(deps.Redis),
		jobx.WithQueues(queues...),
		jobx.WithConcurrency(cfg.Jobx.Concurrency),
		jobx.WithPollInterval(cfg.Jobx.PollInterval),
		jobx.WithShutdownTimeout(cfg.Jobx.ShutdownTimeout),
		jobx.WithDequeueTimeout(cfg.Jobx.DequeueTimeout),
		jobx.WithDefaultRetryDelay(cfg.Jobx.DefaultRetryDelay),
	)

	// ── Domain services ──────────────────────────────────────────────────

	c.UserService = usersrv.NewUserService(userRepo, auditSink)

	tokenService, err := tokensrv.NewTokenService(cfg.Token, sessionStore, auditSink)
	if err != nil {
		return nil, err
	}
	c.TokenService = tokenService

	decisionCache := buildDecisionCache(deps.Redis, cfg.Authz)
	c.AuthzService = authzsrv.NewAuthzService(
		grantRepo,
		roleRepo,
		policyRepo,
		tenantRepo,
		memberRepo,
		decisionCache,
		nil,
		auditSink,
		cfg.Authz,
	)

	c.WebhookService = webhooksrv.NewWebhookService(
		endpointRepo,
		deliveryRepo,
		c.Jobs,
		[]byte(cfg.OAuth.TokenEncKey),
		auditSink,
		cfg.Webhook,
	)
	c.WebhookService.RegisterHandlers(c.Jobs)

	// Membership changes invalidate cached decisions and fan out as
	// webhook events, so authz and webhooks plug into the tenant service.
	c.TenantService = tenantsrv.NewTenantService(
		tenantRepo,
		memberRepo,
		c.AuthzService,
		c.WebhookService,
		auditSink,
		cfg.Tenant,
	)

	var magicMailer magiclinksrv.Mailer
	var inviteMailer invitationsrv.Mailer
	if deps.Mailer != nil {
		magicMailer = deps.Mailer
		inviteMailer = deps.Mailer
	} else {
		logx.Warn("  ⚠️  No mailer configured; magic links and invitations will not send")
	}

	c.MagicLinkService, err = magiclinksrv.NewMagicLinkService(
		magicLinkRepo,
		c.UserService,
		c.TokenService,
		limiter,
		magicMailer,
		auditSink,
		cfg.MagicLink,
		cfg.Notifx,
	)
	if err != nil {
		return nil, err
	}

	stateStore := oauthinfra.NewFallbackStateStore(
		oauthinfra.NewRedisStateStore(deps.Redis, cfg.OAuth.StateTTL),
		oauthinfra.NewMemoryStateStore(cfg.OAuth.StateTTL),
	)
	c.OAuthService, err = oauthsrv.NewOAuthService(
		buildProviders(cfg.OAuth),
		accountRepo,
		stateStore,
		c.UserService,
		c.TokenService,
		auditSink,
		cfg.OAuth,
	)
	if err != nil {
		return nil, err
	}

	c.InvitationService, err = invitationsrv.NewInvitationService(
		invitationRepo,
		c.TenantService,
		c.UserService,
		inviteMailer,
		auditSink,
		cfg.Invitation,
		cfg.Notifx,
	)
	if err != nil {
		return nil, err
	}

	c.APIKeyService = apikeysrv.NewAPIKeyService(
		apiKeyRepo,
		limiter,
		auditSink,
		cfg.APIKey,
		cfg.RateLimit,
	)

	// ── API handlers ─────────────────────────────────────────────────────

	c.TokenHandlers = tokenapi.NewHandler(c.TokenService)
	c.MagicLinkHandlers = magiclinkapi.NewHandler(c.MagicLinkService)
	c.OAuthHandlers = oauthapi.NewHandler(c.OAuthService)
	c.TenantHandlers = tenantapi.NewHandler(c.TenantService)
	c.InvitationHandlers = invitationapi.NewHandler(c.InvitationService)
	c.AuthzHandlers = authzapi.NewHandler(c.AuthzService)
	c.WebhookHandlers = webhookapi.NewHandler(c.WebhookService)
	c.APIKeyHandlers = apikeyapi.NewHandler(c.APIKeyService)

	// ── Middleware ────────────────────────────────────────────────────────

	c.Authn = token.NewMiddleware(c.TokenService).Authenticate()
	keys := apikey.NewMiddleware(c.APIKeyService, c.APIKeyService, cfg.APIKey.Prefix)
	c.APIAuthn = unifiedAuthn(keys, c.Authn)

	// ── Background services ──────────────────────────────────────────────

	c.Cleanup = NewCleanupService(
		sessionStore,
		magicLinkRepo,
		invitationRepo,
		grantRepo,
		c.WebhookService,
		cfg.Session.CleanupInterval,
	)

	logx.Info("✅ IAM container initialized")
	return c, nil
}

// buildAuditSinks assembles the fan-out per AUDIT_SINKS. Unknown names are
// skipped with a warning so a typo degrades to fewer sinks, not a dead boot.
func (c *Container) buildAuditSinks(deps Deps) audit.Sink {
	var sinks audit.Multi
	for _, name := range deps.Cfg.Audit.Sinks {
		switch name {
		case "logx":
			sinks = append(sinks, auditinfra.NewLogxSink())
			logx.Info("  ✅ Audit sink: logx")
		case "postgres":
			sinks = append(sinks, auditinfra.NewPostgresSink(deps.DB))
			logx.Info("  ✅ Audit sink: postgres")
		case "archive":
			if deps.FS == nil {
				logx.Warn("  ⚠️  Audit sink 'archive' requires a file system; skipped")
				continue
			}
			c.archive = auditinfra.NewArchiveSink(
				deps.FS,
				deps.Cfg.Audit.ArchiveDir,
				deps.Cfg.Audit.ArchiveFlushSize,
				deps.Cfg.Audit.ArchiveFlushInterval,
			)
			sinks = append(sinks, c.archive)
			logx.Infof("  ✅ Audit sink: archive (dir: %s)", deps.Cfg.Audit.ArchiveDir)
		default:
			logx.Warnf("  ⚠️  Unknown audit sink %q; skipped", name)
		}
	}
	if len(sinks) == 0 {
		return audit.Nop{}
	}
	return sinks
}

// buildDecisionCache maps AUTHZ_CACHE_MODE onto cachex backends. The decision
// TTL is the outermost layer's TTL; the L1 of the hybrid mode expires sooner.
func buildDecisionCache(rdb *redis.Client, cfg config.AuthzConfig) *authz.DecisionCache {
	switch cfg.CacheMode {
	case "memory":
		logx.Info("  ✅ Authz cache: in-memory")
		return authz.NewDecisionCache(cachex.NewMemory(cfg.L1TTL), cfg.L1TTL)
	case "redis":
		logx.Info("  ✅ Authz cache: redis")
		return authz.NewDecisionCache(cachex.NewRedis(rdb), cfg.L2TTL)
	case "hybrid":
		logx.Info("  ✅ Authz cache: hybrid (memory over redis)")
		tiered := cachex.NewTiered(cachex.NewMemory(cfg.L1TTL), cachex.NewRedis(rdb), cfg.L1TTL)
		return authz.NewDecisionCache(tiered, cfg.L2TTL)
	default:
		logx.Warnf("  ⚠️  Unknown AUTHZ_CACHE_MODE %q; decision caching disabled", cfg.CacheMode)
		return nil
	}
}

func buildProviders(cfg config.OAuthConfig) map[iam.OAuthProvider]oauth.Provider {
	registry := make(map[iam.OAuthProvider]oauth.Provider)
	if cfg.Google.Enabled {
		registry[iam.OAuthProviderGoogle] = providers.NewGoogle(cfg.Google)
		logx.Info("  ✅ Google OAuth enabled")
	}
	if cfg.GitHub.Enabled {
		registry[iam.OAuthProviderGitHub] = providers.NewGitHub(cfg.GitHub)
		logx.Info("  ✅ GitHub OAuth enabled")
	}
	if cfg.Microsoft.Enabled {
		registry[iam.OAuthProviderMicrosoft] = providers.NewMicrosoft(cfg.Microsoft)
		logx.Info("  ✅ Microsoft OAuth enabled")
	}
	if cfg.Apple.Enabled {
		apple, err := providers.NewApple(cfg.Apple)
		if err != nil {
			logx.Warnf("  ⚠️  Apple OAuth disabled: %v", err)
		} else {
			registry[iam.OAuthProviderApple] = apple
			logx.Info("  ✅ Apple OAuth enabled")
		}
	}
	return registry
}

// unifiedAuthn accepts both credential kinds on the same routes. Key-shaped
// bearers (and X-API-Key headers) go to the key middleware; anything else is
// treated as a JWT.
func unifiedAuthn(keys *apikey.Middleware, bearer fiber.Handler) fiber.Handler {
	machine := keys.Authenticate()
	return func(c *fiber.Ctx) error {
		if keys.FromRequest(c) != "" {
			return machine(c)
		}
		return bearer(c)
	}
}

func containsQueue(queues []string, name string) bool {
	for _, q := range queues {
		if q == name {
			return true
		}
	}
	return false
}

// RegisterRoutes mounts every IAM route group on the app. OAuth goes last
// among the /auth routes: its /auth/:provider wildcard would otherwise
// swallow /auth/sessions and friends.
func (c *Container) RegisterRoutes(app *fiber.App) {
	c.MagicLinkHandlers.RegisterRoutes(app)
	c.TokenHandlers.RegisterRoutes(app, c.Authn)
	c.OAuthHandlers.RegisterRoutes(app, c.Authn)
	c.TenantHandlers.RegisterRoutes(app, c.APIAuthn)
	c.InvitationHandlers.RegisterRoutes(app, c.APIAuthn)
	c.AuthzHandlers.RegisterRoutes(app, c.APIAuthn)
	c.WebhookHandlers.RegisterRoutes(app, c.APIAuthn)
	c.APIKeyHandlers.RegisterRoutes(app, c.APIAuthn)
}

// StartBackgroundServices starts the job workers and the cleanup loop.
func (c *Container) StartBackgroundServices(ctx context.Context) {
	go func() {
		if err := c.Jobs.Start(ctx); err != nil {
			logx.Errorf("Job client stopped: %v", err)
		}
	}()
	logx.Info("  ✅ Job workers started")

	go c.Cleanup.Start(ctx)
	logx.Info("  ✅ IAM cleanup service started")
}

// Close flushes buffered sinks. Call on shutdown after the server drains.
func (c *Container) Close() {
	if c.archive != nil {
		c.archive.Close()
	}
}
