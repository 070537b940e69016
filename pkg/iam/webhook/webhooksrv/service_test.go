package webhooksrv_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/truxeio/truxe/pkg/config"
	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/webhook"
	"github.com/truxeio/truxe/pkg/iam/webhook/webhooksrv"
	"github.com/truxeio/truxe/pkg/jobx"
	"github.com/truxeio/truxe/pkg/kernel"
	"github.com/truxeio/truxe/pkg/ptrx"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeEndpoints struct {
	endpoints map[string]*webhook.Endpoint
}

func newFakeEndpoints() *fakeEndpoints {
	return &fakeEndpoints{endpoints: make(map[string]*webhook.Endpoint)}
}

func (f *fakeEndpoints) Create(_ context.Context, e *webhook.Endpoint) error {
	clone := *e
	f.endpoints[e.ID] = &clone
	return nil
}

func (f *fakeEndpoints) FindByID(_ context.Context, id string) (*webhook.Endpoint, error) {
	e, ok := f.endpoints[id]
	if !ok {
		return nil, webhook.ErrEndpointNotFound()
	}
	clone := *e
	return &clone, nil
}

func (f *fakeEndpoints) FindSubscribed(_ context.Context, tenantID kernel.TenantID, event string) ([]*webhook.Endpoint, error) {
	var out []*webhook.Endpoint
	for _, e := range f.endpoints {
		if e.TenantID == tenantID && e.Active && e.Subscribed(event) {
			clone := *e
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *fakeEndpoints) ListForTenant(_ context.Context, tenantID kernel.TenantID) ([]*webhook.Endpoint, error) {
	var out []*webhook.Endpoint
	for _, e := range f.endpoints {
		if e.TenantID == tenantID {
			clone := *e
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *fakeEndpoints) Update(_ context.Context, e *webhook.Endpoint) error {
	if _, ok := f.endpoints[e.ID]; !ok {
		return webhook.ErrEndpointNotFound()
	}
	clone := *e
	f.endpoints[e.ID] = &clone
	return nil
}

func (f *fakeEndpoints) Delete(_ context.Context, id string) error {
	if _, ok := f.endpoints[id]; !ok {
		return webhook.ErrEndpointNotFound()
	}
	delete(f.endpoints, id)
	return nil
}

type fakeDeliveries struct {
	deliveries map[string]*webhook.Delivery
	attempts   []*webhook.Attempt
}

func newFakeDeliveries() *fakeDeliveries {
	return &fakeDeliveries{deliveries: make(map[string]*webhook.Delivery)}
}

func (f *fakeDeliveries) Create(_ context.Context, d *webhook.Delivery) error {
	clone := *d
	f.deliveries[d.ID] = &clone
	return nil
}

func (f *fakeDeliveries) FindByID(_ context.Context, id string) (*webhook.Delivery, error) {
	d, ok := f.deliveries[id]
	if !ok {
		return nil, webhook.ErrDeliveryNotFound()
	}
	clone := *d
	return &clone, nil
}

func (f *fakeDeliveries) Update(_ context.Context, d *webhook.Delivery) error {
	if _, ok := f.deliveries[d.ID]; !ok {
		return webhook.ErrDeliveryNotFound()
	}
	clone := *d
	f.deliveries[d.ID] = &clone
	return nil
}

func (f *fakeDeliveries) ListForEndpoint(_ context.Context, endpointID string, _ kernel.PaginationOptions) (kernel.Paginated[*webhook.Delivery], error) {
	var out []*webhook.Delivery
	for _, d := range f.deliveries {
		if d.EndpointID == endpointID {
			out = append(out, d)
		}
	}
	return kernel.NewPaginated(out, 1, 50, len(out)), nil
}

func (f *fakeDeliveries) RecordAttempt(_ context.Context, a *webhook.Attempt) error {
	clone := *a
	f.attempts = append(f.attempts, &clone)
	return nil
}

func (f *fakeDeliveries) ListAttempts(_ context.Context, deliveryID string) ([]*webhook.Attempt, error) {
	var out []*webhook.Attempt
	for _, a := range f.attempts {
		if a.DeliveryID == deliveryID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeDeliveries) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	for id, d := range f.deliveries {
		if d.IsTerminal() && d.CreatedAt.Before(cutoff) {
			delete(f.deliveries, id)
			removed++
		}
	}
	return removed, nil
}

// single returns the only delivery, failing the test otherwise.
func (f *fakeDeliveries) single(t *testing.T) *webhook.Delivery {
	t.Helper()
	if len(f.deliveries) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(f.deliveries))
	}
	for _, d := range f.deliveries {
		return d
	}
	return nil
}

type queuedJob struct {
	job   jobx.Job
	delay time.Duration
}

type fakeQueue struct {
	depth int64
	jobs  []queuedJob
}

func (f *fakeQueue) Enqueue(_ context.Context, job jobx.Job) (string, error) {
	f.jobs = append(f.jobs, queuedJob{job: job})
	return "job-id", nil
}

func (f *fakeQueue) EnqueueDelayed(_ context.Context, job jobx.Job, delay time.Duration) (string, error) {
	f.jobs = append(f.jobs, queuedJob{job: job, delay: delay})
	return "job-id", nil
}

func (f *fakeQueue) Depth(_ context.Context, _ string) (int64, error) {
	return f.depth, nil
}

func (f *fakeQueue) pop(t *testing.T) queuedJob {
	t.Helper()
	if len(f.jobs) == 0 {
		t.Fatal("queue is empty")
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	return job
}

// ============================================================================
// Fixture
// ============================================================================

var tenantID = kernel.NewTenantID("t-1")
var actor = kernel.NewUserID("user-admin")

type fixture struct {
	svc        *webhooksrv.WebhookService
	endpoints  *fakeEndpoints
	deliveries *fakeDeliveries
	queue      *fakeQueue
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		endpoints:  newFakeEndpoints(),
		deliveries: newFakeDeliveries(),
		queue:      &fakeQueue{},
		now:        time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
	}
	f.svc = webhooksrv.NewWebhookService(f.endpoints, f.deliveries, f.queue,
		[]byte("test-webhook-enc-key"), nil,
		config.WebhookConfig{
			Queue:          "webhooks",
			MaxAttempts:    5,
			RetryBase:      2 * time.Second,
			RetryCap:       30 * time.Second,
			QueueHighWater: 10000,
			RequestTimeout: 2 * time.Second,
		})
	f.svc.WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) createEndpoint(t *testing.T, url string, events, allowedIPs []string) (*webhook.Endpoint, string) {
	t.Helper()
	e, secret, err := f.svc.CreateEndpoint(context.Background(), webhooksrv.CreateEndpointRequest{
		TenantID:   tenantID,
		URL:        url,
		Events:     events,
		AllowedIPs: allowedIPs,
		Actor:      actor,
	})
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}
	return e, secret
}

// processNext pops the next queued job and runs it through the dispatcher.
func (f *fixture) processNext(t *testing.T) queuedJob {
	t.Helper()
	queued := f.queue.pop(t)
	err := f.svc.HandleDelivery(context.Background(), &jobx.JobInfo{
		ID:      "job-id",
		Type:    queued.job.Type,
		Queue:   queued.job.Queue,
		Payload: queued.job.Payload,
	})
	if err != nil {
		t.Fatalf("HandleDelivery: %v", err)
	}
	return queued
}

// ============================================================================
// Tests
// ============================================================================

func TestCreateEndpointSealsSecret(t *testing.T) {
	f := newFixture(t)

	e, secret := f.createEndpoint(t, "https://example.com/hook", nil, nil)
	if !strings.HasPrefix(secret, webhook.SecretPrefix) {
		t.Fatalf("secret missing prefix: %q", secret)
	}
	stored := f.endpoints.endpoints[e.ID]
	if stored.SecretEnc == "" || stored.SecretEnc == secret || strings.Contains(stored.SecretEnc, secret) {
		t.Fatal("cleartext secret must not be stored")
	}
	if len(stored.Events) != 1 || stored.Events[0] != "*" {
		t.Fatalf("empty subscription should default to wildcard, got %v", stored.Events)
	}
}

func TestCreateEndpointRejectsBadURL(t *testing.T) {
	f := newFixture(t)

	for _, bad := range []string{"", "ftp://example.com", "not a url", "https://"} {
		_, _, err := f.svc.CreateEndpoint(context.Background(), webhooksrv.CreateEndpointRequest{
			TenantID: tenantID, URL: bad, Actor: actor,
		})
		if !errx.IsCode(err, webhook.CodeURLInvalid) {
			t.Errorf("%q: expected URL_INVALID, got %v", bad, err)
		}
	}
}

func TestDeliverySignedAndDelivered(t *testing.T) {
	f := newFixture(t)

	type received struct {
		headers http.Header
		body    []byte
	}
	var mu sync.Mutex
	var got *received

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = &received{headers: r.Header.Clone(), body: body}
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	_, secret := f.createEndpoint(t, server.URL, []string{"tenant.created"}, nil)

	queued, err := f.svc.Publish(context.Background(), tenantID, "tenant.created", map[string]string{"name": "acme"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if queued != 1 {
		t.Fatalf("expected 1 queued delivery, got %d", queued)
	}

	f.processNext(t)

	d := f.deliveries.single(t)
	if d.Status != webhook.StatusDelivered || d.DeliveredAt == nil {
		t.Fatalf("expected delivered, got %+v", d)
	}
	if d.LastStatusCode == nil || *d.LastStatusCode != http.StatusOK {
		t.Fatalf("expected status 200 recorded, got %v", d.LastStatusCode)
	}

	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatal("endpoint never received the POST")
	}
	if got.headers.Get(webhook.HeaderEvent) != "tenant.created" {
		t.Errorf("event header = %q", got.headers.Get(webhook.HeaderEvent))
	}
	if got.headers.Get(webhook.HeaderDeliveryID) != d.ID {
		t.Errorf("delivery id header = %q, want %q", got.headers.Get(webhook.HeaderDeliveryID), d.ID)
	}
	if err := webhook.VerifySignature(secret,
		got.headers.Get(webhook.HeaderSignature),
		got.headers.Get(webhook.HeaderTimestamp),
		got.body, 5*time.Minute, f.now); err != nil {
		t.Errorf("signature does not verify with the creation-time secret: %v", err)
	}

	var body webhook.Body
	if err := json.Unmarshal(got.body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.ID != d.ID || body.Event != "tenant.created" {
		t.Errorf("unexpected body envelope: %+v", body)
	}
	var data map[string]string
	if err := json.Unmarshal(body.Data, &data); err != nil || data["name"] != "acme" {
		t.Errorf("unexpected payload: %s", body.Data)
	}

	attempts, _ := f.deliveries.ListAttempts(context.Background(), d.ID)
	if len(attempts) != 1 || attempts[0].Number != 1 {
		t.Fatalf("expected one attempt row, got %+v", attempts)
	}
}

func TestRetryCurve(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f.createEndpoint(t, server.URL, []string{"*"}, nil)
	if _, err := f.svc.Publish(context.Background(), tenantID, "tenant.created", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// Three 500s produce the exponential schedule 2s, 4s, 8s; the fourth
	// attempt lands a 200.
	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, want := range wantDelays {
		f.processNext(t)
		d := f.deliveries.single(t)
		if d.Status != webhook.StatusPending {
			t.Fatalf("after failure %d: expected pending, got %s", i+1, d.Status)
		}
		if len(f.queue.jobs) != 1 {
			t.Fatalf("after failure %d: expected one requeued job, got %d", i+1, len(f.queue.jobs))
		}
		if got := f.queue.jobs[0].delay; got != want {
			t.Fatalf("after failure %d: backoff = %v, want %v", i+1, got, want)
		}
		if d.NextAttemptAt == nil || !d.NextAttemptAt.Equal(f.now.Add(want)) {
			t.Fatalf("after failure %d: next_attempt_at = %v", i+1, d.NextAttemptAt)
		}
	}

	f.processNext(t)
	d := f.deliveries.single(t)
	if d.Status != webhook.StatusDelivered {
		t.Fatalf("expected delivered after recovery, got %+v", d)
	}
	if d.Attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", d.Attempts)
	}

	attempts, _ := f.deliveries.ListAttempts(context.Background(), d.ID)
	if len(attempts) != 4 {
		t.Fatalf("expected 4 attempt rows, got %d", len(attempts))
	}
	for i, a := range attempts[:3] {
		if a.StatusCode == nil || *a.StatusCode != http.StatusInternalServerError {
			t.Errorf("attempt %d: expected 500, got %v", i+1, a.StatusCode)
		}
	}
	if last := attempts[3]; last.StatusCode == nil || *last.StatusCode != http.StatusOK {
		t.Errorf("final attempt: expected 200, got %v", last.StatusCode)
	}
}

func TestPermanentFailureOn4xx(t *testing.T) {
	f := newFixture(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f.createEndpoint(t, server.URL, []string{"*"}, nil)
	if _, err := f.svc.Publish(context.Background(), tenantID, "x", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	f.processNext(t)

	d := f.deliveries.single(t)
	if d.Status != webhook.StatusFailed {
		t.Fatalf("404 must be permanent, got %+v", d)
	}
	if len(f.queue.jobs) != 0 {
		t.Fatalf("permanent failure must not requeue, got %d jobs", len(f.queue.jobs))
	}
}

func TestRetriesExhaust(t *testing.T) {
	f := newFixture(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	f.endpoints = newFakeEndpoints()
	f.deliveries = newFakeDeliveries()
	f.queue = &fakeQueue{}
	f.svc = webhooksrv.NewWebhookService(f.endpoints, f.deliveries, f.queue,
		[]byte("test-webhook-enc-key"), nil,
		config.WebhookConfig{MaxAttempts: 2, RetryBase: 2 * time.Second, RetryCap: 30 * time.Second})
	f.svc.WithClock(func() time.Time { return f.now })

	f.createEndpoint(t, server.URL, []string{"*"}, nil)
	if _, err := f.svc.Publish(context.Background(), tenantID, "x", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	f.processNext(t) // attempt 1: retriable, requeued
	f.processNext(t) // attempt 2: budget spent

	d := f.deliveries.single(t)
	if d.Status != webhook.StatusFailed || d.Attempts != 2 {
		t.Fatalf("expected terminal failure after 2 attempts, got %+v", d)
	}
	if len(f.queue.jobs) != 0 {
		t.Fatalf("exhausted delivery must not requeue, got %d jobs", len(f.queue.jobs))
	}
}

func TestPublishQueueOverflow(t *testing.T) {
	f := newFixture(t)
	f.queue.depth = 10001

	f.createEndpoint(t, "https://example.com/hook", []string{"*"}, nil)

	queued, err := f.svc.Publish(context.Background(), tenantID, "tenant.created", nil)
	if !errx.IsCode(err, webhook.CodeQueueOverflow) {
		t.Fatalf("expected QUEUE_OVERFLOW, got %v", err)
	}
	if queued != 0 {
		t.Fatalf("overflow must not report queued deliveries, got %d", queued)
	}

	d := f.deliveries.single(t)
	if d.Status != webhook.StatusFailed || d.LastError != "queue_overflow" {
		t.Fatalf("overflow row not recorded, got %+v", d)
	}
	if len(f.queue.jobs) != 0 {
		t.Fatalf("overflow must not enqueue, got %d jobs", len(f.queue.jobs))
	}
}

func TestPublishSelectsSubscribedEndpoints(t *testing.T) {
	f := newFixture(t)

	f.createEndpoint(t, "https://a.example.com", []string{"tenant.created"}, nil)
	f.createEndpoint(t, "https://b.example.com", []string{"*"}, nil)
	f.createEndpoint(t, "https://c.example.com", []string{"tenant.archived"}, nil)
	disabled, _ := f.createEndpoint(t, "https://d.example.com", []string{"*"}, nil)
	if _, err := f.svc.UpdateEndpoint(context.Background(), disabled.ID, webhooksrv.UpdateEndpointRequest{
		Active: ptrx.Bool(false), Actor: actor,
	}); err != nil {
		t.Fatalf("UpdateEndpoint: %v", err)
	}

	queued, err := f.svc.Publish(context.Background(), tenantID, "tenant.created", nil)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if queued != 2 {
		t.Fatalf("expected 2 queued deliveries (exact match + wildcard), got %d", queued)
	}
	if len(f.deliveries.deliveries) != 2 {
		t.Fatalf("expected 2 delivery rows, got %d", len(f.deliveries.deliveries))
	}
}

func TestAllowedIPGate(t *testing.T) {
	f := newFixture(t)

	// Literal IP outside the allow list: fails before any dial.
	f.createEndpoint(t, "http://203.0.113.9/hook", []string{"*"}, []string{"10.0.0.0/8"})
	if _, err := f.svc.Publish(context.Background(), tenantID, "x", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	f.processNext(t)

	d := f.deliveries.single(t)
	if d.Status != webhook.StatusFailed || d.LastError != "ip_not_allowed" {
		t.Fatalf("expected ip_not_allowed failure, got %+v", d)
	}
}

func TestAllowedIPPermitsLoopback(t *testing.T) {
	f := newFixture(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f.createEndpoint(t, server.URL, []string{"*"}, []string{"127.0.0.0/8"})
	if _, err := f.svc.Publish(context.Background(), tenantID, "x", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	f.processNext(t)

	if d := f.deliveries.single(t); d.Status != webhook.StatusDelivered {
		t.Fatalf("loopback inside the allow list should deliver, got %+v", d)
	}
}

func TestRedeliver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	f.createEndpoint(t, server.URL, []string{"*"}, nil)
	if _, err := f.svc.Publish(ctx, tenantID, "x", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	f.processNext(t)

	failed := f.deliveries.single(t)
	if failed.Status != webhook.StatusFailed {
		t.Fatalf("setup: expected failed delivery, got %+v", failed)
	}

	redelivered, err := f.svc.Redeliver(ctx, failed.ID, actor)
	if err != nil {
		t.Fatalf("Redeliver: %v", err)
	}
	if redelivered.Status != webhook.StatusPending || redelivered.Attempts != 0 {
		t.Fatalf("redelivery must reset the attempt budget, got %+v", redelivered)
	}
	if len(f.queue.jobs) != 1 {
		t.Fatalf("redelivery must enqueue, got %d jobs", len(f.queue.jobs))
	}

	// A pending delivery cannot be redelivered again.
	if _, err := f.svc.Redeliver(ctx, failed.ID, actor); !errx.IsCode(err, webhook.CodeNotRedeliverable) {
		t.Fatalf("expected NOT_REDELIVERABLE, got %v", err)
	}
}
