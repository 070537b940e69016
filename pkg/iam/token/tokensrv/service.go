package tokensrv

import (
	"context"
	"crypto"
	"errors"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/truxeio/truxe/pkg/config"
	"github.com/truxeio/truxe/pkg/cryptox"
	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/audit"
	"github.com/truxeio/truxe/pkg/iam/scopes"
	"github.com/truxeio/truxe/pkg/iam/session"
	"github.com/truxeio/truxe/pkg/iam/token"
	"github.com/truxeio/truxe/pkg/iam/user"
	"github.com/truxeio/truxe/pkg/kernel"
	"github.com/truxeio/truxe/pkg/logx"
)

// TokenService mints and verifies the service's JWTs. One active signing key;
// RS256 by default, ES256 when the configured key is EC.
type TokenService struct {
	signer   crypto.Signer
	kid      string
	alg      string
	method   jwt.SigningMethod
	issuer   string
	audience string

	accessTTL     time.Duration
	refreshTTL    time.Duration
	rotationGrace time.Duration
	clockSkew     time.Duration

	sessions session.Store
	audit    audit.Sink
	now      func() time.Time
}

// NewTokenService loads the signing key from config. Inline PEM wins over a
// key file; with neither set an ephemeral RSA-2048 key is generated, which
// invalidates every outstanding token on restart.
func NewTokenService(cfg config.TokenConfig, sessions session.Store, auditSink audit.Sink) (*TokenService, error) {
	var (
		signer crypto.Signer
		err    error
	)
	switch {
	case cfg.SigningKeyPEM != "":
		signer, err = cryptox.ParseSigningKeyPEM([]byte(cfg.SigningKeyPEM))
	case cfg.SigningKeyFile != "":
		signer, err = cryptox.LoadSigningKeyFile(cfg.SigningKeyFile)
	default:
		logx.Warn("⚠️  No signing key configured, generating an ephemeral RSA key. All tokens will be invalidated on restart. Do NOT run production like this.")
		signer, err = cryptox.GenerateRSASigningKey()
	}
	if err != nil {
		return nil, err
	}

	kid, err := cryptox.DeriveKID(signer)
	if err != nil {
		return nil, err
	}
	alg, err := cryptox.AlgorithmForKey(signer)
	if err != nil {
		return nil, err
	}

	if auditSink == nil {
		auditSink = audit.Nop{}
	}

	return &TokenService{
		signer:        signer,
		kid:           kid,
		alg:           alg,
		method:        jwt.GetSigningMethod(alg),
		issuer:        cfg.Issuer,
		audience:      cfg.Audience,
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		rotationGrace: cfg.RotationGrace,
		clockSkew:     cfg.ClockSkew,
		sessions:      sessions,
		audit:         auditSink,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the clock. Test hook.
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	s.now = now
	return s
}

// KID returns the active signing key id.
func (s *TokenService) KID() string { return s.kid }

// Algorithm returns the active signing algorithm.
func (s *TokenService) Algorithm() string { return s.alg }

// Issuer returns the configured issuer claim.
func (s *TokenService) Issuer() string { return s.issuer }

// PublicJWKS returns the public key set served at /.well-known/jwks.json.
func (s *TokenService) PublicJWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{cryptox.PublicJWK(s.signer, s.kid, s.alg)},
	}
}

// IssuePair mints an access/refresh pair for a user and persists the refresh
// session. Session creation enforces the per-user concurrency cap.
func (s *TokenService) IssuePair(ctx context.Context, u *user.User, opts token.IssueOptions) (*token.TokenPair, error) {
	if err := u.CanAuthenticate(); err != nil {
		return nil, err
	}
	if len(opts.Scopes) == 0 {
		if opts.Role != "" {
			opts.Scopes = scopes.ForRole(opts.Role)
		} else {
			opts.Scopes = scopes.DefaultUser()
		}
	}

	now := s.now()
	refreshJTI := uuid.NewString()

	refreshSession := &session.Session{
		JTI:               refreshJTI,
		AccessJTI:         uuid.NewString(),
		UserID:            u.ID,
		TokenType:         kernel.TokenTypeRefresh,
		DeviceFingerprint: opts.Device,
		IP:                opts.IP,
		UserAgent:         opts.UA,
		IssuedAt:          now,
		LastUsedAt:        now,
		ExpiresAt:         now.Add(s.refreshTTL),
	}
	if !opts.TenantID.IsEmpty() {
		tid := opts.TenantID
		refreshSession.TenantID = &tid
	}
	if err := s.sessions.Create(ctx, refreshSession); err != nil {
		return nil, err
	}

	pair, err := s.mintPair(u, opts, refreshSession)
	if err != nil {
		return nil, err
	}

	actorID := u.ID.String()
	s.audit.Record(ctx, audit.Event{
		At:         now,
		ActorType:  audit.ActorUser,
		ActorID:    &actorID,
		Action:     "token.issued",
		TargetType: "session",
		TargetID:   refreshJTI,
		IP:         opts.IP,
		UserAgent:  opts.UA,
		Severity:   audit.SeverityInfo,
	})
	return pair, nil
}

// Verify parses and validates a token. Signature, issuer, audience and expiry
// are checked first without any I/O; only a structurally valid token reaches
// the revocation index.
func (s *TokenService) Verify(ctx context.Context, raw string) (*token.Claims, error) {
	claims, err := s.parse(raw)
	if err != nil {
		return nil, err
	}

	revoked, err := s.sessions.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, errx.Wrap(err, "failed to check token revocation", errx.TypeInternal)
	}
	if revoked {
		return nil, token.ErrTokenRevoked().WithDetail("jti", claims.ID)
	}
	return claims, nil
}

// Refresh rotates a refresh token: the presented jti is revoked (reason
// "rotated") and a replacement session is created in the same transaction.
// Within the rotation grace window a replayed jti re-issues the pair minted
// by the winning rotation; past the window a replay is treated as theft and
// the whole rotation chain is revoked.
func (s *TokenService) Refresh(ctx context.Context, rawRefresh string, opts token.RefreshOptions) (*token.TokenPair, error) {
	claims, err := s.parse(rawRefresh)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != kernel.TokenTypeRefresh {
		return nil, token.ErrWrongTokenType().WithDetail("typ", string(claims.TokenType))
	}

	sess, err := s.sessions.Get(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	if sess.RevokedAt != nil {
		if sess.RevokeReason == session.ReasonRotated &&
			sess.ReplacedBy != nil &&
			now.Sub(*sess.RevokedAt) < s.rotationGrace {
			return s.reissueWithinGrace(ctx, claims, *sess.ReplacedBy)
		}
		if sess.RevokeReason == session.ReasonRotated {
			return nil, s.handleReuse(ctx, claims, opts)
		}
		return nil, token.ErrTokenRevoked().WithDetail("jti", claims.ID)
	}
	if sess.IsExpired(now) {
		return nil, token.ErrTokenExpired()
	}

	next := &session.Session{
		JTI:               uuid.NewString(),
		AccessJTI:         uuid.NewString(),
		UserID:            sess.UserID,
		TenantID:          sess.TenantID,
		TokenType:         kernel.TokenTypeRefresh,
		DeviceFingerprint: pick(opts.Device, sess.DeviceFingerprint),
		IP:                pick(opts.IP, sess.IP),
		UserAgent:         pick(opts.UA, sess.UserAgent),
		IssuedAt:          now,
		LastUsedAt:        now,
		ExpiresAt:         now.Add(s.refreshTTL),
	}
	if err := s.sessions.Rotate(ctx, claims.ID, next); err != nil {
		if errx.IsCode(err, session.CodeSessionRevoked) {
			// Lost the rotation race; the winner just rotated this jti.
			fresh, gerr := s.sessions.Get(ctx, claims.ID)
			if gerr == nil && fresh.ReplacedBy != nil {
				return s.reissueWithinGrace(ctx, claims, *fresh.ReplacedBy)
			}
		}
		return nil, err
	}

	return s.mintFromClaims(claims, next)
}

// reissueWithinGrace re-signs the exact pair produced by the winning
// rotation: both tokens re-derive from the replacement session row (its jti,
// access_jti and issued_at), so the caller gets the same pair the winner got.
func (s *TokenService) reissueWithinGrace(ctx context.Context, claims *token.Claims, replacedBy string) (*token.TokenPair, error) {
	replacement, err := s.sessions.Get(ctx, replacedBy)
	if err != nil {
		return nil, err
	}
	if !replacement.IsLive(s.now()) {
		return nil, token.ErrTokenRevoked().WithDetail("jti", replacedBy)
	}
	return s.mintFromClaims(claims, replacement)
}

// handleReuse revokes the whole rotation chain descending from the presented
// jti and reports the reuse.
func (s *TokenService) handleReuse(ctx context.Context, claims *token.Claims, opts token.RefreshOptions) error {
	if err := s.sessions.RevokeChain(ctx, claims.ID, session.ReasonReuse); err != nil {
		logx.WithError(err).WithField("jti", claims.ID).Error("Failed to revoke rotation chain on reuse")
	}

	actorID := claims.Subject
	s.audit.Record(ctx, audit.Event{
		At:         s.now(),
		ActorType:  audit.ActorUser,
		ActorID:    &actorID,
		Action:     "token.refresh_reuse",
		TargetType: "session",
		TargetID:   claims.ID,
		IP:         opts.IP,
		UserAgent:  opts.UA,
		Severity:   audit.SeverityCritical,
	})
	return token.ErrRefreshReuse().WithDetail("jti", claims.ID)
}

// Revoke marks a session revoked. Verification observes it within one
// revocation TTL.
func (s *TokenService) Revoke(ctx context.Context, jti, reason string) error {
	if err := s.sessions.Revoke(ctx, jti, reason); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Event{
		At:         s.now(),
		ActorType:  audit.ActorUser,
		Action:     "session.revoked",
		TargetType: "session",
		TargetID:   jti,
		Details:    map[string]any{"reason": reason},
		Severity:   audit.SeverityWarn,
	})
	return nil
}

// RevokeAllForUser revokes every live session of a user.
func (s *TokenService) RevokeAllForUser(ctx context.Context, userID kernel.UserID, reason string) error {
	return s.sessions.RevokeAllForUser(ctx, userID, reason)
}

// ListSessions returns the live sessions of a user.
func (s *TokenService) ListSessions(ctx context.Context, userID kernel.UserID) ([]*session.Session, error) {
	return s.sessions.ListActiveForUser(ctx, userID)
}

// IssueServiceAccountToken mints a machine token (typ=service_account) and
// records its session so it stays revocable and listable.
func (s *TokenService) IssueServiceAccountToken(ctx context.Context, serviceAccountID kernel.ServiceAccountID, scopes []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.accessTTL
	}
	now := s.now()
	jti := uuid.NewString()

	sess := &session.Session{
		JTI:        jti,
		UserID:     kernel.NewUserID(serviceAccountID.String()),
		TokenType:  kernel.TokenTypeServiceAccount,
		IssuedAt:   now,
		LastUsedAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return "", err
	}

	claims := &token.Claims{
		RegisteredClaims: s.registeredClaims(serviceAccountID.String(), jti, now, ttl),
		Scopes:           scopes,
		TokenType:        kernel.TokenTypeServiceAccount,
	}
	return s.sign(claims)
}

// mintPair signs the pair for a freshly created refresh session. Every claim
// derives from the session row, so re-minting from the same row yields the
// same tokens.
func (s *TokenService) mintPair(u *user.User, opts token.IssueOptions, refreshSession *session.Session) (*token.TokenPair, error) {
	issuedAt := refreshSession.IssuedAt
	accessExpires := issuedAt.Add(s.accessTTL)

	access := &token.Claims{
		RegisteredClaims: s.registeredClaims(u.ID.String(), refreshSession.AccessJTI, issuedAt, s.accessTTL),
		TenantID:         opts.TenantID.String(),
		Role:             opts.Role,
		Scopes:           opts.Scopes,
		TokenType:        kernel.TokenTypeAccess,
		Email:            u.Email,
		EmailVerified:    u.EmailVerified,
	}
	refresh := &token.Claims{
		RegisteredClaims: s.registeredClaims(u.ID.String(), refreshSession.JTI, issuedAt, s.refreshTTL),
		TenantID:         opts.TenantID.String(),
		Role:             opts.Role,
		Scopes:           opts.Scopes,
		TokenType:        kernel.TokenTypeRefresh,
		Email:            u.Email,
		EmailVerified:    u.EmailVerified,
	}

	signedAccess, err := s.sign(access)
	if err != nil {
		return nil, err
	}
	signedRefresh, err := s.sign(refresh)
	if err != nil {
		return nil, err
	}

	return &token.TokenPair{
		Access:          signedAccess,
		Refresh:         signedRefresh,
		AccessExpiresAt: accessExpires,
		RefreshJTI:      refreshSession.JTI,
		KID:             s.kid,
	}, nil
}

// mintFromClaims carries forward the identity claims of a verified refresh
// token onto a pair bound to the given session. Both tokens derive their jti
// and timestamps from the session row, so a grace-window replay signing from
// the same row reproduces the winning rotation's pair exactly.
func (s *TokenService) mintFromClaims(prev *token.Claims, refreshSession *session.Session) (*token.TokenPair, error) {
	issuedAt := refreshSession.IssuedAt
	accessExpires := issuedAt.Add(s.accessTTL)

	access := &token.Claims{
		RegisteredClaims: s.registeredClaims(prev.Subject, refreshSession.AccessJTI, issuedAt, s.accessTTL),
		TenantID:         prev.TenantID,
		Role:             prev.Role,
		Scopes:           prev.Scopes,
		TokenType:        kernel.TokenTypeAccess,
		Email:            prev.Email,
		EmailVerified:    prev.EmailVerified,
	}
	refresh := &token.Claims{
		RegisteredClaims: s.registeredClaims(prev.Subject, refreshSession.JTI, refreshSession.IssuedAt, refreshSession.ExpiresAt.Sub(refreshSession.IssuedAt)),
		TenantID:         prev.TenantID,
		Role:             prev.Role,
		Scopes:           prev.Scopes,
		TokenType:        kernel.TokenTypeRefresh,
		Email:            prev.Email,
		EmailVerified:    prev.EmailVerified,
	}

	signedAccess, err := s.sign(access)
	if err != nil {
		return nil, err
	}
	signedRefresh, err := s.sign(refresh)
	if err != nil {
		return nil, err
	}

	return &token.TokenPair{
		Access:          signedAccess,
		Refresh:         signedRefresh,
		AccessExpiresAt: accessExpires,
		RefreshJTI:      refreshSession.JTI,
		KID:             s.kid,
	}, nil
}

func (s *TokenService) registeredClaims(subject, jti string, issuedAt time.Time, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{s.audience},
		ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ID:        jti,
	}
}

func (s *TokenService) sign(claims *token.Claims) (string, error) {
	t := jwt.NewWithClaims(s.method, claims)
	t.Header["kid"] = s.kid
	signed, err := t.SignedString(s.signer)
	if err != nil {
		return "", errx.Wrap(err, "failed to sign token", errx.TypeInternal)
	}
	return signed, nil
}

// parse validates signature, issuer, audience and time claims. No I/O.
func (s *TokenService) parse(raw string) (*token.Claims, error) {
	claims := &token.Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if kid, _ := t.Header["kid"].(string); kid != "" && kid != s.kid {
			return nil, token.ErrInvalidSignature().WithDetail("kid", kid)
		}
		return s.signer.Public(), nil
	},
		jwt.WithValidMethods([]string{s.alg}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithLeeway(s.clockSkew),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, token.ErrTokenExpired()
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, token.ErrInvalidSignature()
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, token.ErrTokenMalformed()
		default:
			return nil, token.ErrRegistry.NewWithCause(token.CodeTokenMalformed, err)
		}
	}
	if claims.ID == "" {
		return nil, token.ErrTokenMalformed().WithDetail("reason", "missing jti")
	}
	return claims, nil
}

func pick(preferred, fallback string) string {
	if preferred != "" {
		return preferred
	}
	return fallback
}
