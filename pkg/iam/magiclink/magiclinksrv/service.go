package magiclinksrv

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/truxeio/truxe/pkg/config"
	"github.com/truxeio/truxe/pkg/cryptox"
	"github.com/truxeio/truxe/pkg/iam/audit"
	"github.com/truxeio/truxe/pkg/iam/magiclink"
	"github.com/truxeio/truxe/pkg/iam/ratelimit"
	"github.com/truxeio/truxe/pkg/iam/token"
	"github.com/truxeio/truxe/pkg/iam/user"
	"github.com/truxeio/truxe/pkg/kernel"
	"github.com/truxeio/truxe/pkg/logx"
	"github.com/truxeio/truxe/pkg/notifx"
)

// TemplateName is the notifx template rendered into the login email.
const TemplateName = "magic_link"

const defaultTemplate = `
<p>Hello,</p>
<p>Click the link below to sign in. It expires in {{.ExpiresMinutes}} minutes
and can be used once.</p>
<p><a href="{{.Link}}">Sign in</a></p>
<p>If you did not request this email you can safely ignore it.</p>`

// PairIssuer is the slice of the token service the magic-link flow needs.
type PairIssuer interface {
	IssuePair(ctx context.Context, u *user.User, opts token.IssueOptions) (*token.TokenPair, error)
}

// UserRegistry resolves and provisions identities on successful verification.
type UserRegistry interface {
	GetOrCreateByEmail(ctx context.Context, email string, seed user.Profile) (*user.User, error)
	MarkEmailVerified(ctx context.Context, id kernel.UserID) error
}

// Mailer sends the templated login email.
type Mailer interface {
	RegisterTemplate(name, tmplString string) error
	SendTemplatedEmail(ctx context.Context, templateName string, data interface{}, msg notifx.EmailMessage, opts ...notifx.Option) error
}

// MagicLinkService implements passwordless authentication: request a link,
// verify it once, get a token pair.
type MagicLinkService struct {
	repo    magiclink.Repository
	users   UserRegistry
	tokens  PairIssuer
	limiter ratelimit.Limiter
	mailer  Mailer
	audit   audit.Sink

	cfg    config.MagicLinkConfig
	notifx config.NotifxConfig
	now    func() time.Time
}

func NewMagicLinkService(
	repo magiclink.Repository,
	users UserRegistry,
	tokens PairIssuer,
	limiter ratelimit.Limiter,
	mailer Mailer,
	auditSink audit.Sink,
	cfg config.MagicLinkConfig,
	notifxCfg config.NotifxConfig,
) (*MagicLinkService, error) {
	if auditSink == nil {
		auditSink = audit.Nop{}
	}
	if mailer != nil {
		if err := mailer.RegisterTemplate(TemplateName, defaultTemplate); err != nil {
			return nil, err
		}
	}
	return &MagicLinkService{
		repo:    repo,
		users:   users,
		tokens:  tokens,
		limiter: limiter,
		mailer:  mailer,
		audit:   auditSink,
		cfg:     cfg,
		notifx:  notifxCfg,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the clock. Test hook.
func (s *MagicLinkService) WithClock(now func() time.Time) *MagicLinkService {
	s.now = now
	return s
}

// RequestOptions carries per-request context.
type RequestOptions struct {
	RedirectURI string
	TenantID    *kernel.TenantID
	IP          string
	UA          string
}

// Request mints a link and emails it. The response never reveals whether the
// address belongs to a known user; callers answer 202 regardless.
func (s *MagicLinkService) Request(ctx context.Context, email string, opts RequestOptions) error {
	if s.limiter != nil && opts.IP != "" {
		result, err := s.limiter.Allow(ctx, "magiclink:ip:"+opts.IP, s.cfg.RequestsPerMinute, time.Minute)
		if err != nil {
			logx.WithError(err).Warn("Magic link rate limiter backend error, failing open")
		}
		if !result.Allowed {
			return ratelimit.ErrLimited(result.RetryAfter)
		}
	}

	normalized, err := user.NormalizeEmail(email)
	if err != nil {
		return err
	}

	rawToken, err := cryptox.RandomToken(32)
	if err != nil {
		return err
	}
	tokenHash, err := cryptox.HashArgon2id(rawToken)
	if err != nil {
		return err
	}

	now := s.now()
	link := &magiclink.Link{
		ID:          uuid.NewString(),
		TokenHash:   tokenHash,
		Lookup:      cryptox.SHA256Hex(rawToken),
		Email:       normalized,
		RedirectURI: opts.RedirectURI,
		TenantID:    opts.TenantID,
		ExpiresAt:   now.Add(s.cfg.TTL),
		IP:          opts.IP,
		CreatedAt:   now,
	}
	if err := s.repo.Create(ctx, link); err != nil {
		return err
	}

	s.sendEmail(ctx, normalized, rawToken, opts.RedirectURI)

	s.audit.Record(ctx, audit.Event{
		At:         now,
		ActorType:  audit.ActorSystem,
		Action:     "magiclink.requested",
		TargetType: "magic_link",
		TargetID:   link.ID,
		IP:         opts.IP,
		UserAgent:  opts.UA,
		Severity:   audit.SeverityInfo,
	})
	return nil
}

// VerifyMeta carries the caller metadata bound to the issued session.
type VerifyMeta struct {
	Device string
	IP     string
	UA     string
}

// Verify redeems a link exactly once and issues a token pair. Consumption
// wins before issuance; a failed issuance releases the link so the user can
// retry.
func (s *MagicLinkService) Verify(ctx context.Context, rawToken string, meta VerifyMeta) (*token.TokenPair, *user.User, error) {
	link, err := s.repo.FindByLookup(ctx, cryptox.SHA256Hex(rawToken))
	if err != nil {
		return nil, nil, magiclink.ErrLinkInvalid()
	}

	ok, err := cryptox.VerifyArgon2id(rawToken, link.TokenHash)
	if err != nil || !ok {
		return nil, nil, magiclink.ErrLinkInvalid()
	}

	now := s.now()
	if link.ConsumedAt != nil {
		s.auditDenied(ctx, link, meta, "magiclink.replayed")
		return nil, nil, magiclink.ErrLinkConsumed()
	}
	if link.IsExpired(now) {
		return nil, nil, magiclink.ErrLinkExpired()
	}

	if err := s.repo.Consume(ctx, link.ID); err != nil {
		return nil, nil, err
	}

	u, err := s.users.GetOrCreateByEmail(ctx, link.Email, user.Profile{})
	if err != nil {
		s.release(ctx, link.ID)
		return nil, nil, err
	}
	if !u.EmailVerified {
		// Possession of the link proves control of the mailbox.
		if err := s.users.MarkEmailVerified(ctx, u.ID); err != nil {
			s.release(ctx, link.ID)
			return nil, nil, err
		}
		u.EmailVerified = true
	}

	issueOpts := token.IssueOptions{Device: meta.Device, IP: meta.IP, UA: meta.UA}
	if link.TenantID != nil {
		issueOpts.TenantID = *link.TenantID
	}
	pair, err := s.tokens.IssuePair(ctx, u, issueOpts)
	if err != nil {
		s.release(ctx, link.ID)
		return nil, nil, err
	}

	actorID := u.ID.String()
	s.audit.Record(ctx, audit.Event{
		At:         now,
		ActorType:  audit.ActorUser,
		ActorID:    &actorID,
		Action:     "magiclink.verified",
		TargetType: "magic_link",
		TargetID:   link.ID,
		IP:         meta.IP,
		UserAgent:  meta.UA,
		Severity:   audit.SeverityInfo,
	})
	return pair, u, nil
}

// DeleteExpired purges links past their expiry. Called by the cleanup loop.
func (s *MagicLinkService) DeleteExpired(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx, s.now())
}

func (s *MagicLinkService) sendEmail(ctx context.Context, email, rawToken, redirectURI string) {
	if s.mailer == nil {
		return
	}

	link := fmt.Sprintf("%s?token=%s", s.cfg.BaseURL, url.QueryEscape(rawToken))
	if redirectURI != "" {
		link += "&redirect_uri=" + url.QueryEscape(redirectURI)
	}

	msg := notifx.EmailMessage{
		From:    s.notifx.FromAddress,
		To:      []string{email},
		Subject: "Your sign-in link",
	}
	data := map[string]any{
		"Link":           link,
		"ExpiresMinutes": int(s.cfg.TTL.Minutes()),
	}
	if err := s.mailer.SendTemplatedEmail(ctx, TemplateName, data, msg); err != nil {
		// Do not surface transport errors: the 202 contract must not leak
		// whether an address is deliverable.
		logx.WithError(err).Warn("Failed to send magic link email")
	}
}

func (s *MagicLinkService) release(ctx context.Context, id string) {
	if err := s.repo.Release(ctx, id); err != nil {
		logx.WithError(err).WithField("link_id", id).Error("Failed to release magic link after issuance failure")
	}
}

func (s *MagicLinkService) auditDenied(ctx context.Context, link *magiclink.Link, meta VerifyMeta, action string) {
	s.audit.Record(ctx, audit.Event{
		At:         s.now(),
		ActorType:  audit.ActorSystem,
		Action:     action,
		TargetType: "magic_link",
		TargetID:   link.ID,
		IP:         meta.IP,
		UserAgent:  meta.UA,
		Severity:   audit.SeverityWarn,
	})
}
