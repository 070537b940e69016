package tokensrv_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"
	"time"

	"github.com/truxeio/truxe/pkg/config"
	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/session"
	"github.com/truxeio/truxe/pkg/iam/token"
	"github.com/truxeio/truxe/pkg/iam/token/tokensrv"
	"github.com/truxeio/truxe/pkg/iam/user"
	"github.com/truxeio/truxe/pkg/kernel"
)

// fakeStore is an in-memory session.Store.
type fakeStore struct {
	mu            sync.Mutex
	sessions      map[string]*session.Session
	maxConcurrent int
	now           func() time.Time
}

func newFakeStore(now func() time.Time) *fakeStore {
	return &fakeStore{
		sessions:      make(map[string]*session.Session),
		maxConcurrent: 5,
		now:           now,
	}
}

func (f *fakeStore) Create(_ context.Context, s *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s.TokenType == kernel.TokenTypeRefresh && f.maxConcurrent > 0 {
		var oldest *session.Session
		live := 0
		for _, existing := range f.sessions {
			if existing.UserID == s.UserID && existing.TokenType == kernel.TokenTypeRefresh && existing.IsLive(f.now()) {
				live++
				if oldest == nil || existing.LastUsedAt.Before(oldest.LastUsedAt) {
					oldest = existing
				}
			}
		}
		if live >= f.maxConcurrent && oldest != nil {
			now := f.now()
			oldest.RevokedAt = &now
			oldest.RevokeReason = session.ReasonSuperseded
		}
	}

	cp := *s
	f.sessions[s.JTI] = &cp
	return nil
}

func (f *fakeStore) Get(_ context.Context, jti string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[jti]
	if !ok {
		return nil, session.ErrSessionNotFound()
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) Touch(_ context.Context, jti string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[jti]
	if !ok {
		return session.ErrSessionNotFound()
	}
	s.LastUsedAt = f.now()
	return nil
}

func (f *fakeStore) Revoke(_ context.Context, jti, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revokeLocked(jti, reason)
}

func (f *fakeStore) revokeLocked(jti, reason string) error {
	s, ok := f.sessions[jti]
	if !ok {
		return session.ErrSessionNotFound()
	}
	if s.RevokedAt != nil {
		return nil
	}
	now := f.now()
	s.RevokedAt = &now
	s.RevokeReason = reason
	return nil
}

func (f *fakeStore) RevokeChain(_ context.Context, jti, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	current := jti
	for current != "" {
		s, ok := f.sessions[current]
		if !ok {
			return nil
		}
		_ = f.revokeLocked(current, reason)
		if s.ReplacedBy == nil {
			return nil
		}
		current = *s.ReplacedBy
	}
	return nil
}

func (f *fakeStore) RevokeAllForUser(_ context.Context, userID kernel.UserID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for jti, s := range f.sessions {
		if s.UserID == userID {
			_ = f.revokeLocked(jti, reason)
		}
	}
	return nil
}

func (f *fakeStore) IsRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[jti]
	if !ok {
		return false, nil // access tokens have no row
	}
	return s.RevokedAt != nil, nil
}

func (f *fakeStore) ListActiveForUser(_ context.Context, userID kernel.UserID) ([]*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*session.Session
	for _, s := range f.sessions {
		if s.UserID == userID && s.IsLive(f.now()) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) Rotate(_ context.Context, oldJTI string, next *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	old, ok := f.sessions[oldJTI]
	if !ok {
		return session.ErrSessionNotFound()
	}
	if old.RevokedAt != nil {
		return session.ErrSessionRevoked()
	}
	now := f.now()
	old.RevokedAt = &now
	old.RevokeReason = session.ReasonRotated
	old.ReplacedBy = &next.JTI
	next.RotatedFrom = &old.JTI
	cp := *next
	f.sessions[next.JTI] = &cp
	return nil
}

func (f *fakeStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for jti, s := range f.sessions {
		if s.ExpiresAt.Before(before) {
			delete(f.sessions, jti)
			n++
		}
	}
	return n, nil
}

// One RSA key for the whole test package; generation is the slow part.
var (
	testKeyOnce sync.Once
	testKeyPEM  string
)

func signingKeyPEM(t *testing.T) string {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			t.Fatalf("marshal key: %v", err)
		}
		testKeyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	})
	return testKeyPEM
}

type fixture struct {
	svc   *tokensrv.TokenService
	store *fakeStore
	clock *fakeClock
	user  *user.User
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := newFakeStore(clock.Now)

	cfg := config.TokenConfig{
		Issuer:        "https://auth.test",
		Audience:      "test-api",
		SigningKeyPEM: signingKeyPEM(t),
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    30 * 24 * time.Hour,
		RotationGrace: 10 * time.Second,
		ClockSkew:     30 * time.Second,
	}
	svc, err := tokensrv.NewTokenService(cfg, store, nil)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	svc.WithClock(clock.Now)

	return &fixture{
		svc:   svc,
		store: store,
		clock: clock,
		user: &user.User{
			ID:            kernel.NewUserID("user-1"),
			Email:         "alice@example.com",
			EmailVerified: true,
			Status:        user.StatusActive,
		},
	}
}

func (f *fixture) issue(t *testing.T) *token.TokenPair {
	t.Helper()
	pair, err := f.svc.IssuePair(context.Background(), f.user, token.IssueOptions{
		Scopes: []string{"sessions:read"},
	})
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	return pair
}

func TestIssueAndVerify(t *testing.T) {
	f := newFixture(t)
	pair := f.issue(t)

	claims, err := f.svc.Verify(context.Background(), pair.Access)
	if err != nil {
		t.Fatalf("Verify access: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("subject = %q, want user-1", claims.Subject)
	}
	if claims.TokenType != kernel.TokenTypeAccess {
		t.Errorf("typ = %q, want access", claims.TokenType)
	}
	if claims.Email != "alice@example.com" || !claims.EmailVerified {
		t.Errorf("email claims not carried: %q verified=%v", claims.Email, claims.EmailVerified)
	}

	refreshClaims, err := f.svc.Verify(context.Background(), pair.Refresh)
	if err != nil {
		t.Fatalf("Verify refresh: %v", err)
	}
	if refreshClaims.ID != pair.RefreshJTI {
		t.Errorf("refresh jti = %q, want %q", refreshClaims.ID, pair.RefreshJTI)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	f := newFixture(t)
	pair := f.issue(t)

	// Inside the leeway window the token still verifies.
	f.clock.Advance(15*time.Minute + 10*time.Second)
	if _, err := f.svc.Verify(context.Background(), pair.Access); err != nil {
		t.Fatalf("Verify within leeway: %v", err)
	}

	f.clock.Advance(time.Minute)
	_, err := f.svc.Verify(context.Background(), pair.Access)
	if !errx.IsCode(err, token.CodeTokenExpired) {
		t.Fatalf("expected expired error, got %v", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	f := newFixture(t)
	pair := f.issue(t)

	tampered := pair.Access[:len(pair.Access)-3] + "abc"
	_, err := f.svc.Verify(context.Background(), tampered)
	if err == nil {
		t.Fatal("tampered token verified")
	}
	if !errx.IsType(err, errx.TypeAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestVerifyRevokedToken(t *testing.T) {
	f := newFixture(t)
	pair := f.issue(t)

	if err := f.svc.Revoke(context.Background(), pair.RefreshJTI, session.ReasonLogout); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	_, err := f.svc.Verify(context.Background(), pair.Refresh)
	if !errx.IsCode(err, token.CodeTokenRevoked) {
		t.Fatalf("expected revoked error, got %v", err)
	}
}

func TestRefreshRotation(t *testing.T) {
	f := newFixture(t)
	pair := f.issue(t)

	next, err := f.svc.Refresh(context.Background(), pair.Refresh, token.RefreshOptions{})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshJTI == pair.RefreshJTI {
		t.Fatal("rotation did not change the refresh jti")
	}

	old, err := f.store.Get(context.Background(), pair.RefreshJTI)
	if err != nil {
		t.Fatalf("Get old session: %v", err)
	}
	if old.RevokedAt == nil || old.RevokeReason != session.ReasonRotated {
		t.Errorf("old session not rotated: revoked=%v reason=%q", old.RevokedAt, old.RevokeReason)
	}
	if old.ReplacedBy == nil || *old.ReplacedBy != next.RefreshJTI {
		t.Error("old session does not point at its replacement")
	}

	if _, err := f.svc.Verify(context.Background(), next.Refresh); err != nil {
		t.Fatalf("new refresh token should verify: %v", err)
	}
}

func TestRefreshIdempotentWithinGrace(t *testing.T) {
	f := newFixture(t)
	pair := f.issue(t)

	first, err := f.svc.Refresh(context.Background(), pair.Refresh, token.RefreshOptions{})
	if err != nil {
		t.Fatalf("first Refresh: %v", err)
	}

	f.clock.Advance(5 * time.Second)

	replay, err := f.svc.Refresh(context.Background(), pair.Refresh, token.RefreshOptions{})
	if err != nil {
		t.Fatalf("replay within grace: %v", err)
	}
	if replay.RefreshJTI != first.RefreshJTI {
		t.Errorf("replay minted a different refresh jti: %q vs %q", replay.RefreshJTI, first.RefreshJTI)
	}
	// The replay returns the winning rotation's pair, not a new one.
	if replay.Refresh != first.Refresh {
		t.Error("replay minted a different refresh token")
	}
	if replay.Access != first.Access {
		t.Error("replay minted a different access token")
	}
	if !replay.AccessExpiresAt.Equal(first.AccessExpiresAt) {
		t.Errorf("replay shifted the access expiry: %v vs %v", replay.AccessExpiresAt, first.AccessExpiresAt)
	}
}

func TestRefreshReuseAfterGraceRevokesChain(t *testing.T) {
	f := newFixture(t)
	pair := f.issue(t)

	first, err := f.svc.Refresh(context.Background(), pair.Refresh, token.RefreshOptions{})
	if err != nil {
		t.Fatalf("first Refresh: %v", err)
	}

	f.clock.Advance(11 * time.Second)

	_, err = f.svc.Refresh(context.Background(), pair.Refresh, token.RefreshOptions{})
	if !errx.IsCode(err, token.CodeRefreshReuse) {
		t.Fatalf("expected reuse error, got %v", err)
	}

	// The safety response revokes the descendant too.
	revoked, err := f.store.IsRevoked(context.Background(), first.RefreshJTI)
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if !revoked {
		t.Error("rotation chain descendant should be revoked after reuse")
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	f := newFixture(t)
	pair := f.issue(t)

	_, err := f.svc.Refresh(context.Background(), pair.Access, token.RefreshOptions{})
	if !errx.IsCode(err, token.CodeWrongTokenType) {
		t.Fatalf("expected wrong type error, got %v", err)
	}
}

func TestIssueRejectsSuspendedUser(t *testing.T) {
	f := newFixture(t)
	f.user.Status = user.StatusSuspended

	_, err := f.svc.IssuePair(context.Background(), f.user, token.IssueOptions{})
	if !errx.IsCode(err, user.CodeUserSuspended) {
		t.Fatalf("expected suspended error, got %v", err)
	}
}

func TestServiceAccountToken(t *testing.T) {
	f := newFixture(t)

	raw, err := f.svc.IssueServiceAccountToken(context.Background(), kernel.NewServiceAccountID("sa-1"), []string{"webhooks:manage"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueServiceAccountToken: %v", err)
	}

	claims, err := f.svc.Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.TokenType != kernel.TokenTypeServiceAccount {
		t.Errorf("typ = %q, want service_account", claims.TokenType)
	}
	ac := claims.AuthContext()
	if !ac.IsServiceAccount() || ac.Subject() != "sa-1" {
		t.Errorf("auth context = %+v", ac)
	}
}

func TestPublicJWKS(t *testing.T) {
	f := newFixture(t)

	jwks := f.svc.PublicJWKS()
	if len(jwks.Keys) != 1 {
		t.Fatalf("jwks has %d keys, want 1", len(jwks.Keys))
	}
	key := jwks.Keys[0]
	if key.KeyID != f.svc.KID() {
		t.Errorf("kid = %q, want %q", key.KeyID, f.svc.KID())
	}
	if key.Algorithm != "RS256" {
		t.Errorf("alg = %q, want RS256", key.Algorithm)
	}
	if key.Use != "sig" {
		t.Errorf("use = %q, want sig", key.Use)
	}
	pub := key.Public()
	if !pub.Valid() {
		t.Error("jwks key is not a valid public key")
	}
}
