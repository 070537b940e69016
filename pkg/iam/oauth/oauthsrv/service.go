package oauthsrv

import (
	"context"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/truxeio/truxe/pkg/config"
	"github.com/truxeio/truxe/pkg/cryptox"
	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam"
	"github.com/truxeio/truxe/pkg/iam/audit"
	"github.com/truxeio/truxe/pkg/iam/oauth"
	"github.com/truxeio/truxe/pkg/iam/token"
	"github.com/truxeio/truxe/pkg/iam/user"
	"github.com/truxeio/truxe/pkg/kernel"
	"github.com/truxeio/truxe/pkg/logx"
)

// PairIssuer is the slice of the token service the federation flow needs.
type PairIssuer interface {
	IssuePair(ctx context.Context, u *user.User, opts token.IssueOptions) (*token.TokenPair, error)
}

// UserRegistry resolves and provisions identities after a callback.
type UserRegistry interface {
	GetOrCreateByEmail(ctx context.Context, email string, seed user.Profile) (*user.User, error)
	Get(ctx context.Context, id kernel.UserID) (*user.User, error)
}

// OAuthService drives the authorization-code flow across the registered
// providers and owns the linked-account store.
type OAuthService struct {
	providers map[iam.OAuthProvider]oauth.Provider
	accounts  oauth.AccountRepository
	states    oauth.StateStore
	users     UserRegistry
	tokens    PairIssuer
	audit     audit.Sink

	cfg         config.OAuthConfig
	stateSecret []byte
	encKey      []byte
	now         func() time.Time
}

func NewOAuthService(
	providers map[iam.OAuthProvider]oauth.Provider,
	accounts oauth.AccountRepository,
	states oauth.StateStore,
	users UserRegistry,
	tokens PairIssuer,
	auditSink audit.Sink,
	cfg config.OAuthConfig,
) (*OAuthService, error) {
	if cfg.StateSecret == "" {
		return nil, errx.New("OAUTH_STATE_SECRET is required", errx.TypeInternal)
	}
	if cfg.TokenEncKey == "" {
		return nil, errx.New("OAUTH_TOKEN_ENC_KEY is required", errx.TypeInternal)
	}
	if auditSink == nil {
		auditSink = audit.Nop{}
	}
	return &OAuthService{
		providers:   providers,
		accounts:    accounts,
		states:      states,
		users:       users,
		tokens:      tokens,
		audit:       auditSink,
		cfg:         cfg,
		stateSecret: []byte(cfg.StateSecret),
		encKey:      cryptox.DeriveKey32([]byte(cfg.TokenEncKey)),
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the clock. Test hook.
func (s *OAuthService) WithClock(now func() time.Time) *OAuthService {
	s.now = now
	return s
}

// BeginOptions parameterizes the outbound redirect.
type BeginOptions struct {
	TenantID    *kernel.TenantID
	LinkUserID  *kernel.UserID
	Scopes      []string
	RedirectURI string
}

// BeginAuth mints a signed state, persists its context, and returns the
// provider authorization URL to redirect the browser to.
func (s *OAuthService) BeginAuth(ctx context.Context, providerID iam.OAuthProvider, opts BeginOptions) (string, error) {
	provider, err := s.provider(providerID)
	if err != nil {
		return "", err
	}
	if opts.RedirectURI != "" {
		if err := s.checkRedirect(opts.RedirectURI); err != nil {
			return "", err
		}
	}

	id, wire, err := oauth.NewStateToken(s.stateSecret)
	if err != nil {
		return "", err
	}
	nonce, err := cryptox.RandomToken(16)
	if err != nil {
		return "", err
	}

	sc := oauth.StateContext{
		Provider:    providerID,
		TenantID:    opts.TenantID,
		LinkUserID:  opts.LinkUserID,
		Scopes:      opts.Scopes,
		RedirectURI: opts.RedirectURI,
		Nonce:       nonce,
		ExpiresAt:   s.now().Add(s.cfg.StateTTL),
	}
	if err := s.states.Save(ctx, id, sc); err != nil {
		return "", err
	}

	callback := s.callbackURL(providerID, opts.TenantID)
	extras := map[string]string{"nonce": nonce}
	return provider.AuthorizationURL(wire, callback, opts.Scopes, extras), nil
}

// CallbackMeta carries the caller metadata bound to the issued session.
type CallbackMeta struct {
	IP string
	UA string
}

// CallbackResult is what a completed callback yields: a token pair for a
// login, or Linked=true for an account-link flow.
type CallbackResult struct {
	Pair    *token.TokenPair
	Profile *oauth.Profile
	UserID  kernel.UserID
	Linked  bool
}

// HandleCallback validates the state, exchanges the code, normalizes the
// profile, and either links the account or logs the user in.
func (s *OAuthService) HandleCallback(ctx context.Context, providerID iam.OAuthProvider, code, state string, meta CallbackMeta) (*CallbackResult, error) {
	provider, err := s.provider(providerID)
	if err != nil {
		return nil, err
	}

	stateID, err := oauth.ParseStateToken(s.stateSecret, state)
	if err != nil {
		return nil, err
	}
	sc, err := s.states.Consume(ctx, stateID)
	if err != nil {
		if errx.IsCode(err, oauth.CodeStateAlreadyUsed) {
			s.auditSecurity(ctx, "oauth.state_replayed", string(providerID), meta)
		}
		return nil, err
	}
	if sc.Provider != providerID {
		s.auditSecurity(ctx, "oauth.state_provider_mismatch", string(providerID), meta)
		return nil, oauth.ErrStateInvalid()
	}
	if s.now().After(sc.ExpiresAt) {
		return nil, oauth.ErrStateInvalid().WithDetail("reason", "expired")
	}

	callback := s.callbackURL(providerID, sc.TenantID)
	tr, err := provider.ExchangeCode(ctx, code, callback)
	if err != nil {
		return nil, err
	}
	profile, err := provider.FetchProfile(ctx, tr.AccessToken, tr.IDToken)
	if err != nil {
		return nil, err
	}

	if sc.LinkUserID != nil {
		if err := s.linkAccount(ctx, *sc.LinkUserID, providerID, profile, tr); err != nil {
			return nil, err
		}
		s.auditAction(ctx, "oauth.linked", sc.LinkUserID.String(), string(providerID), meta)
		return &CallbackResult{Profile: profile, UserID: *sc.LinkUserID, Linked: true}, nil
	}
	return s.login(ctx, providerID, profile, tr, sc, meta)
}

// login resolves the callback to a local user and issues a pair.
func (s *OAuthService) login(ctx context.Context, providerID iam.OAuthProvider, profile *oauth.Profile, tr *oauth.TokenResponse, sc *oauth.StateContext, meta CallbackMeta) (*CallbackResult, error) {
	var u *user.User

	account, err := s.accounts.FindByProviderAccount(ctx, providerID, profile.ID)
	switch {
	case err == nil:
		u, err = s.users.Get(ctx, account.UserID)
		if err != nil {
			return nil, err
		}
	case errx.IsCode(err, oauth.CodeAccountNotFound):
		// First sign-in with this provider account. Only a verified email
		// may be joined to an existing local user.
		if !profile.EmailVerified || profile.Email == "" {
			return nil, oauth.ErrEmailUnverified()
		}
		u, err = s.users.GetOrCreateByEmail(ctx, profile.Email, user.Profile{
			Name:    profile.Name,
			Picture: profile.Picture,
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if err := s.linkAccount(ctx, u.ID, providerID, profile, tr); err != nil {
		return nil, err
	}

	issueOpts := token.IssueOptions{IP: meta.IP, UA: meta.UA}
	if sc.TenantID != nil {
		issueOpts.TenantID = *sc.TenantID
	}
	pair, err := s.tokens.IssuePair(ctx, u, issueOpts)
	if err != nil {
		return nil, err
	}

	s.auditAction(ctx, "oauth.login", u.ID.String(), string(providerID), meta)
	return &CallbackResult{Pair: pair, Profile: profile, UserID: u.ID}, nil
}

// linkAccount seals the provider tokens and upserts the account row.
func (s *OAuthService) linkAccount(ctx context.Context, userID kernel.UserID, providerID iam.OAuthProvider, profile *oauth.Profile, tr *oauth.TokenResponse) error {
	now := s.now()
	account := &oauth.Account{
		ID:                uuid.NewString(),
		UserID:            userID,
		Provider:          providerID,
		ProviderAccountID: profile.ID,
		Email:             profile.Email,
		Name:              profile.Name,
		Picture:           profile.Picture,
		TokenExpiresAt:    tr.ExpiresAt,
		Scopes:            tr.Scopes,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	var err error
	if tr.AccessToken != "" {
		if account.AccessTokenEnc, err = cryptox.SealString(s.encKey, tr.AccessToken); err != nil {
			return err
		}
	}
	if tr.RefreshToken != "" {
		if account.RefreshTokenEnc, err = cryptox.SealString(s.encKey, tr.RefreshToken); err != nil {
			return err
		}
	}
	return s.accounts.Upsert(ctx, account)
}

// Link starts the account-link variant of the flow for a signed-in user.
func (s *OAuthService) Link(ctx context.Context, userID kernel.UserID, providerID iam.OAuthProvider, opts BeginOptions) (string, error) {
	opts.LinkUserID = &userID
	return s.BeginAuth(ctx, providerID, opts)
}

// Unlink removes the provider account, revoking the upstream token on a
// best-effort basis first.
func (s *OAuthService) Unlink(ctx context.Context, userID kernel.UserID, providerID iam.OAuthProvider) error {
	if err := s.RevokeProviderToken(ctx, userID, providerID); err != nil {
		logx.WithError(err).WithField("provider", string(providerID)).
			Warn("Provider token revocation failed during unlink")
	}
	if err := s.accounts.Delete(ctx, userID, providerID); err != nil {
		return err
	}
	s.auditAction(ctx, "oauth.unlinked", userID.String(), string(providerID), CallbackMeta{})
	return nil
}

func (s *OAuthService) ListAccounts(ctx context.Context, userID kernel.UserID) ([]*oauth.Account, error) {
	return s.accounts.ListForUser(ctx, userID)
}

// RefreshProviderToken exchanges the stored refresh token for fresh
// provider credentials and reseals them.
func (s *OAuthService) RefreshProviderToken(ctx context.Context, userID kernel.UserID, providerID iam.OAuthProvider) (*oauth.Account, error) {
	provider, err := s.provider(providerID)
	if err != nil {
		return nil, err
	}
	account, err := s.accounts.FindForUser(ctx, userID, providerID)
	if err != nil {
		return nil, err
	}
	if account.RefreshTokenEnc == "" {
		return nil, oauth.ErrRefreshUnsupported(providerID)
	}

	refreshToken, err := cryptox.OpenString(s.encKey, account.RefreshTokenEnc)
	if err != nil {
		return nil, err
	}
	tr, err := provider.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	if account.AccessTokenEnc, err = cryptox.SealString(s.encKey, tr.AccessToken); err != nil {
		return nil, err
	}
	if tr.RefreshToken != "" {
		if account.RefreshTokenEnc, err = cryptox.SealString(s.encKey, tr.RefreshToken); err != nil {
			return nil, err
		}
	}
	account.TokenExpiresAt = tr.ExpiresAt
	account.UpdatedAt = s.now()

	if err := s.accounts.Upsert(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// RevokeProviderToken revokes the stored access token upstream.
func (s *OAuthService) RevokeProviderToken(ctx context.Context, userID kernel.UserID, providerID iam.OAuthProvider) error {
	provider, err := s.provider(providerID)
	if err != nil {
		return err
	}
	account, err := s.accounts.FindForUser(ctx, userID, providerID)
	if err != nil {
		return err
	}
	if account.AccessTokenEnc == "" {
		return nil
	}
	accessToken, err := cryptox.OpenString(s.encKey, account.AccessTokenEnc)
	if err != nil {
		return err
	}
	return provider.RevokeToken(ctx, accessToken, "access_token")
}

func (s *OAuthService) provider(id iam.OAuthProvider) (oauth.Provider, error) {
	p, ok := s.providers[id]
	if !ok {
		return nil, oauth.ErrProviderDisabled(id)
	}
	return p, nil
}

// callbackURL is deterministic: the same string is used for the
// authorization redirect and the code exchange.
func (s *OAuthService) callbackURL(providerID iam.OAuthProvider, tenantID *kernel.TenantID) string {
	cb := s.cfg.CallbackBase + "/" + string(providerID) + "/callback"
	if tenantID != nil {
		cb += "?tenant=" + url.QueryEscape(tenantID.String())
	}
	return cb
}

func (s *OAuthService) checkRedirect(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil || parsed.Host == "" {
		return oauth.ErrRedirectNotAllowed(redirectURI)
	}
	for _, host := range s.cfg.AllowedRedirectHosts {
		if parsed.Host == host {
			return nil
		}
	}
	return oauth.ErrRedirectNotAllowed(redirectURI)
}

func (s *OAuthService) auditAction(ctx context.Context, action, actorID, provider string, meta CallbackMeta) {
	s.audit.Record(ctx, audit.Event{
		At:         s.now(),
		ActorType:  audit.ActorUser,
		ActorID:    &actorID,
		Action:     action,
		TargetType: "oauth_account",
		TargetID:   provider,
		IP:         meta.IP,
		UserAgent:  meta.UA,
		Severity:   audit.SeverityInfo,
	})
}

func (s *OAuthService) auditSecurity(ctx context.Context, action, provider string, meta CallbackMeta) {
	s.audit.Record(ctx, audit.Event{
		At:         s.now(),
		ActorType:  audit.ActorSystem,
		Action:     action,
		TargetType: "oauth_state",
		TargetID:   provider,
		IP:         meta.IP,
		UserAgent:  meta.UA,
		Severity:   audit.SeverityWarn,
	})
}
