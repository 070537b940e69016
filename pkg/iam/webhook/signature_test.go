package webhook_test

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/webhook"
)

func TestSignAndVerify(t *testing.T) {
	secret := "whsec_test-secret"
	body := []byte(`{"id":"d-1","event":"tenant.created"}`)
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	sig := webhook.Sign(secret, now, body)
	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("signature missing scheme prefix: %q", sig)
	}

	ts := strconv.FormatInt(now.Unix(), 10)
	if err := webhook.VerifySignature(secret, sig, ts, body, 5*time.Minute, now); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}

	// The receiver may check a little later; inside tolerance still passes.
	later := now.Add(2 * time.Minute)
	if err := webhook.VerifySignature(secret, sig, ts, body, 5*time.Minute, later); err != nil {
		t.Fatalf("VerifySignature within tolerance: %v", err)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	secret := "whsec_test-secret"
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	sig := webhook.Sign(secret, now, []byte(`{"amount":10}`))
	ts := strconv.FormatInt(now.Unix(), 10)

	err := webhook.VerifySignature(secret, sig, ts, []byte(`{"amount":10000}`), 5*time.Minute, now)
	if !errx.IsCode(err, webhook.CodeSignatureInvalid) {
		t.Fatalf("expected SIGNATURE_INVALID, got %v", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	body := []byte(`{}`)
	sig := webhook.Sign("whsec_a", now, body)
	ts := strconv.FormatInt(now.Unix(), 10)

	if err := webhook.VerifySignature("whsec_b", sig, ts, body, 5*time.Minute, now); err == nil {
		t.Fatal("expected verification failure with a different secret")
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	secret := "whsec_test-secret"
	body := []byte(`{}`)
	sent := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	sig := webhook.Sign(secret, sent, body)
	ts := strconv.FormatInt(sent.Unix(), 10)

	// 6 minutes later with a 5 minute window: a replayed request.
	err := webhook.VerifySignature(secret, sig, ts, body, 5*time.Minute, sent.Add(6*time.Minute))
	if !errx.IsCode(err, webhook.CodeSignatureInvalid) {
		t.Fatalf("expected SIGNATURE_INVALID for stale timestamp, got %v", err)
	}

	// A garbled timestamp header never verifies.
	if err := webhook.VerifySignature(secret, sig, "not-a-number", body, 5*time.Minute, sent); err == nil {
		t.Fatal("expected failure for unparseable timestamp")
	}
}

func TestEndpointSubscribed(t *testing.T) {
	e := &webhook.Endpoint{Events: []string{"tenant.created", "tenant.member.added"}}
	if !e.Subscribed("tenant.created") {
		t.Error("explicit subscription should match")
	}
	if e.Subscribed("tenant.archived") {
		t.Error("unsubscribed event should not match")
	}

	wildcard := &webhook.Endpoint{Events: []string{"*"}}
	if !wildcard.Subscribed("anything.at.all") {
		t.Error("wildcard subscription should match every event")
	}
}
