package magiclinksrv_test

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/truxeio/truxe/pkg/config"
	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/magiclink"
	"github.com/truxeio/truxe/pkg/iam/magiclink/magiclinksrv"
	"github.com/truxeio/truxe/pkg/iam/ratelimit"
	"github.com/truxeio/truxe/pkg/iam/token"
	"github.com/truxeio/truxe/pkg/iam/user"
	"github.com/truxeio/truxe/pkg/kernel"
	"github.com/truxeio/truxe/pkg/notifx"
)

// fakeRepo is an in-memory magiclink.Repository.
type fakeRepo struct {
	mu    sync.Mutex
	links map[string]*magiclink.Link // by id
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{links: make(map[string]*magiclink.Link)}
}

func (f *fakeRepo) Create(_ context.Context, link *magiclink.Link) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *link
	f.links[link.ID] = &cp
	return nil
}

func (f *fakeRepo) FindByLookup(_ context.Context, lookup string) (*magiclink.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, link := range f.links {
		if link.Lookup == lookup {
			cp := *link
			return &cp, nil
		}
	}
	return nil, magiclink.ErrLinkInvalid()
}

func (f *fakeRepo) Consume(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	link, ok := f.links[id]
	if !ok || link.ConsumedAt != nil {
		return magiclink.ErrLinkConsumed()
	}
	now := time.Now().UTC()
	link.ConsumedAt = &now
	return nil
}

func (f *fakeRepo) Release(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if link, ok := f.links[id]; ok {
		link.ConsumedAt = nil
	}
	return nil
}

func (f *fakeRepo) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, link := range f.links {
		if link.ExpiresAt.Before(before) {
			delete(f.links, id)
			n++
		}
	}
	return n, nil
}

// fakeUsers is an in-memory UserRegistry.
type fakeUsers struct {
	mu      sync.Mutex
	byEmail map[string]*user.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byEmail: make(map[string]*user.User)}
}

func (f *fakeUsers) GetOrCreateByEmail(_ context.Context, email string, _ user.Profile) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byEmail[email]; ok {
		cp := *u
		return &cp, nil
	}
	u := &user.User{
		ID:     kernel.NewUserID("user-" + email),
		Email:  email,
		Status: user.StatusActive,
	}
	f.byEmail[email] = u
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) MarkEmailVerified(_ context.Context, id kernel.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byEmail {
		if u.ID == id {
			u.EmailVerified = true
			return nil
		}
	}
	return user.ErrUserNotFound()
}

// fakeIssuer counts issued pairs and can be told to fail.
type fakeIssuer struct {
	mu     sync.Mutex
	issued int
	fail   error
}

func (f *fakeIssuer) IssuePair(_ context.Context, u *user.User, _ token.IssueOptions) (*token.TokenPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.issued++
	return &token.TokenPair{
		Access:          "access-" + u.ID.String(),
		Refresh:         "refresh-" + u.ID.String(),
		AccessExpiresAt: time.Now().Add(15 * time.Minute),
	}, nil
}

// fakeMailer captures the rendered link data.
type fakeMailer struct {
	mu   sync.Mutex
	sent []map[string]any
}

func (f *fakeMailer) RegisterTemplate(string, string) error { return nil }

func (f *fakeMailer) SendTemplatedEmail(_ context.Context, _ string, data interface{}, _ notifx.EmailMessage, _ ...notifx.Option) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data.(map[string]any))
	return nil
}

// lastToken extracts the raw token from the last emailed link.
func (f *fakeMailer) lastToken(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("no email sent")
	}
	link := f.sent[len(f.sent)-1]["Link"].(string)
	parsed, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	tok := parsed.Query().Get("token")
	if tok == "" {
		t.Fatalf("link %q carries no token", link)
	}
	return tok
}

type allowAllLimiter struct{}

func (allowAllLimiter) Allow(context.Context, string, int, time.Duration) (ratelimit.Result, error) {
	return ratelimit.Result{Allowed: true, Remaining: 1, Limit: 5}, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (ratelimit.Result, error) {
	return ratelimit.Result{Allowed: false, RetryAfter: 30 * time.Second, Limit: 5}, nil
}

type fixture struct {
	svc    *magiclinksrv.MagicLinkService
	repo   *fakeRepo
	users  *fakeUsers
	issuer *fakeIssuer
	mailer *fakeMailer
}

func newFixture(t *testing.T, limiter ratelimit.Limiter) *fixture {
	t.Helper()
	repo := newFakeRepo()
	users := newFakeUsers()
	issuer := &fakeIssuer{}
	mailer := &fakeMailer{}

	svc, err := magiclinksrv.NewMagicLinkService(
		repo, users, issuer, limiter, mailer, nil,
		config.MagicLinkConfig{
			TTL:               15 * time.Minute,
			BaseURL:           "https://app.test/auth/magic-link/verify",
			RequestsPerMinute: 5,
		},
		config.NotifxConfig{FromAddress: "noreply@test"},
	)
	if err != nil {
		t.Fatalf("NewMagicLinkService: %v", err)
	}
	return &fixture{svc: svc, repo: repo, users: users, issuer: issuer, mailer: mailer}
}

func TestRequestVerifyOnce(t *testing.T) {
	f := newFixture(t, allowAllLimiter{})
	ctx := context.Background()

	if err := f.svc.Request(ctx, "Alice@Example.com ", magiclinksrv.RequestOptions{IP: "10.0.0.1"}); err != nil {
		t.Fatalf("Request: %v", err)
	}
	rawToken := f.mailer.lastToken(t)

	pair, u, err := f.svc.Verify(ctx, rawToken, magiclinksrv.VerifyMeta{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if pair == nil || pair.Access == "" {
		t.Fatal("no pair issued")
	}
	if u.Email != "alice@example.com" {
		t.Errorf("email not normalized: %q", u.Email)
	}
	if !u.EmailVerified {
		t.Error("verification should mark the email verified")
	}

	// Second redemption must fail consumed.
	_, _, err = f.svc.Verify(ctx, rawToken, magiclinksrv.VerifyMeta{})
	if !errx.IsCode(err, magiclink.CodeLinkConsumed) {
		t.Fatalf("expected consumed error, got %v", err)
	}
	if f.issuer.issued != 1 {
		t.Errorf("issued %d pairs, want 1", f.issuer.issued)
	}
}

func TestVerifyRejectsUnknownToken(t *testing.T) {
	f := newFixture(t, allowAllLimiter{})

	_, _, err := f.svc.Verify(context.Background(), "not-a-real-token", magiclinksrv.VerifyMeta{})
	if !errx.IsCode(err, magiclink.CodeLinkInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestVerifyExpiredLink(t *testing.T) {
	f := newFixture(t, allowAllLimiter{})
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.svc.WithClock(func() time.Time { return now })

	if err := f.svc.Request(ctx, "bob@example.com", magiclinksrv.RequestOptions{}); err != nil {
		t.Fatalf("Request: %v", err)
	}
	rawToken := f.mailer.lastToken(t)

	now = now.Add(16 * time.Minute)
	_, _, err := f.svc.Verify(ctx, rawToken, magiclinksrv.VerifyMeta{})
	if !errx.IsCode(err, magiclink.CodeLinkExpired) {
		t.Fatalf("expected expired error, got %v", err)
	}
}

func TestRequestRateLimited(t *testing.T) {
	f := newFixture(t, denyLimiter{})

	err := f.svc.Request(context.Background(), "alice@example.com", magiclinksrv.RequestOptions{IP: "10.0.0.1"})
	if !errx.IsType(err, errx.TypeRateLimit) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestFailedIssuanceReleasesLink(t *testing.T) {
	f := newFixture(t, allowAllLimiter{})
	ctx := context.Background()

	if err := f.svc.Request(ctx, "carol@example.com", magiclinksrv.RequestOptions{}); err != nil {
		t.Fatalf("Request: %v", err)
	}
	rawToken := f.mailer.lastToken(t)

	f.issuer.fail = errx.New("session store down", errx.TypeInternal)
	if _, _, err := f.svc.Verify(ctx, rawToken, magiclinksrv.VerifyMeta{}); err == nil {
		t.Fatal("expected issuance failure to propagate")
	}

	// The link was released, so a retry succeeds.
	f.issuer.fail = nil
	if _, _, err := f.svc.Verify(ctx, rawToken, magiclinksrv.VerifyMeta{}); err != nil {
		t.Fatalf("retry after release: %v", err)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	f := newFixture(t, allowAllLimiter{})
	ctx := context.Background()

	if err := f.svc.Request(ctx, "dave@example.com", magiclinksrv.RequestOptions{}); err != nil {
		t.Fatalf("Request: %v", err)
	}
	rawToken := f.mailer.lastToken(t)

	tampered := strings.Map(func(r rune) rune {
		if r == 'a' {
			return 'b'
		}
		return r
	}, rawToken)
	if tampered == rawToken {
		tampered = rawToken[:len(rawToken)-1] + "x"
	}

	if _, _, err := f.svc.Verify(ctx, tampered, magiclinksrv.VerifyMeta{}); err == nil {
		t.Fatal("tampered token verified")
	}
}
