package webhooksrv

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/truxeio/truxe/pkg/config"
	"github.com/truxeio/truxe/pkg/cryptox"
	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/audit"
	"github.com/truxeio/truxe/pkg/iam/webhook"
	"github.com/truxeio/truxe/pkg/jobx"
	"github.com/truxeio/truxe/pkg/kernel"
	"github.com/truxeio/truxe/pkg/logx"
)

// JobTypeDeliver is the jobx job type the dispatcher handles.
const JobTypeDeliver = "webhook.deliver"

// DeliveryQueue is the slice of jobx the service needs: enqueue now, enqueue
// later, and read depth for the high-water check. *jobx.Client satisfies it.
type DeliveryQueue interface {
	Enqueue(ctx context.Context, job jobx.Job) (string, error)
	EnqueueDelayed(ctx context.Context, job jobx.Job, delay time.Duration) (string, error)
	Depth(ctx context.Context, queue string) (int64, error)
}

// WebhookService owns endpoint CRUD, event fan-out and the delivery
// dispatcher. Retries are the dispatcher's, not jobx's: every enqueued job
// runs at most once and the handler schedules its own backoff.
type WebhookService struct {
	endpoints  webhook.EndpointRepository
	deliveries webhook.DeliveryRepository
	queue      DeliveryQueue
	audit      audit.Sink

	httpClient *http.Client
	encKey     []byte
	cfg        config.WebhookConfig
	now        func() time.Time
	lookupIP   func(ctx context.Context, host string) ([]net.IP, error)
}

func NewWebhookService(
	endpoints webhook.EndpointRepository,
	deliveries webhook.DeliveryRepository,
	queue DeliveryQueue,
	encKey []byte,
	auditSink audit.Sink,
	cfg config.WebhookConfig,
) *WebhookService {
	if auditSink == nil {
		auditSink = audit.Nop{}
	}
	if cfg.Queue == "" {
		cfg.Queue = "webhooks"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 30 * time.Second
	}
	if cfg.QueueHighWater <= 0 {
		cfg.QueueHighWater = 10000
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &WebhookService{
		endpoints:  endpoints,
		deliveries: deliveries,
		queue:      queue,
		audit:      auditSink,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		encKey:     cryptox.DeriveKey32(encKey),
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		lookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", host)
		},
	}
}

// WithClock overrides the clock. Test hook.
func (s *WebhookService) WithClock(now func() time.Time) *WebhookService {
	s.now = now
	return s
}

// WithHTTPClient overrides the outbound client. Test hook.
func (s *WebhookService) WithHTTPClient(client *http.Client) *WebhookService {
	s.httpClient = client
	return s
}

// WithResolver overrides DNS resolution for the allowed-IP check. Test hook.
func (s *WebhookService) WithResolver(lookup func(ctx context.Context, host string) ([]net.IP, error)) *WebhookService {
	s.lookupIP = lookup
	return s
}

// RegisterHandlers attaches the dispatcher to a jobx client.
func (s *WebhookService) RegisterHandlers(client *jobx.Client) {
	client.Register(JobTypeDeliver, s.HandleDelivery)
}

// ============================================================================
// Endpoint CRUD
// ============================================================================

// CreateEndpointRequest carries the parameters of a new endpoint.
type CreateEndpointRequest struct {
	TenantID    kernel.TenantID
	URL         string
	Events      []string
	AllowedIPs  []string
	Description string
	Actor       kernel.UserID
}

// CreateEndpoint registers a destination and returns the signing secret in
// cleartext exactly once. Only the sealed form is stored.
func (s *WebhookService) CreateEndpoint(ctx context.Context, req CreateEndpointRequest) (*webhook.Endpoint, string, error) {
	if err := validateURL(req.URL); err != nil {
		return nil, "", err
	}
	events := req.Events
	if len(events) == 0 {
		events = []string{"*"}
	}

	secret, err := webhook.NewSecret()
	if err != nil {
		return nil, "", err
	}
	sealed, err := cryptox.SealString(s.encKey, secret)
	if err != nil {
		return nil, "", err
	}

	now := s.now()
	e := &webhook.Endpoint{
		ID:          uuid.NewString(),
		TenantID:    req.TenantID,
		URL:         req.URL,
		SecretEnc:   sealed,
		Events:      events,
		AllowedIPs:  req.AllowedIPs,
		Description: req.Description,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.endpoints.Create(ctx, e); err != nil {
		return nil, "", err
	}
	s.auditEvent(ctx, "webhook.endpoint.created", e.ID, req.Actor, map[string]any{
		"tenant_id": e.TenantID.String(),
		"url":       e.URL,
	})
	return e, secret, nil
}

// GetEndpoint returns an endpoint by id.
func (s *WebhookService) GetEndpoint(ctx context.Context, id string) (*webhook.Endpoint, error) {
	return s.endpoints.FindByID(ctx, id)
}

// ListEndpoints returns a tenant's endpoints.
func (s *WebhookService) ListEndpoints(ctx context.Context, tenantID kernel.TenantID) ([]*webhook.Endpoint, error) {
	return s.endpoints.ListForTenant(ctx, tenantID)
}

// UpdateEndpointRequest carries partial endpoint mutations. Nil slices and
// empty strings leave the current value untouched.
type UpdateEndpointRequest struct {
	URL         string
	Events      []string
	AllowedIPs  []string
	Description *string
	Active      *bool
	Actor       kernel.UserID
}

func (s *WebhookService) UpdateEndpoint(ctx context.Context, id string, req UpdateEndpointRequest) (*webhook.Endpoint, error) {
	e, err := s.endpoints.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.URL != "" {
		if err := validateURL(req.URL); err != nil {
			return nil, err
		}
		e.URL = req.URL
	}
	if req.Events != nil {
		e.Events = req.Events
	}
	if req.AllowedIPs != nil {
		e.AllowedIPs = req.AllowedIPs
	}
	if req.Description != nil {
		e.Description = *req.Description
	}
	if req.Active != nil {
		e.Active = *req.Active
	}
	e.UpdatedAt = s.now()

	if err := s.endpoints.Update(ctx, e); err != nil {
		return nil, err
	}
	s.auditEvent(ctx, "webhook.endpoint.updated", e.ID, req.Actor, nil)
	return e, nil
}

func (s *WebhookService) DeleteEndpoint(ctx context.Context, id string, actor kernel.UserID) error {
	e, err := s.endpoints.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.endpoints.Delete(ctx, id); err != nil {
		return err
	}
	s.auditEvent(ctx, "webhook.endpoint.deleted", e.ID, actor, map[string]any{"url": e.URL})
	return nil
}

// ============================================================================
// Publishing
// ============================================================================

// Publish fans an event out to the tenant's subscribed endpoints: one pending
// delivery row plus one queued job per endpoint. Never blocks the caller —
// above the high-water mark the rows are recorded as failed with
// queue_overflow and the overflow is signalled as an error.
func (s *WebhookService) Publish(ctx context.Context, tenantID kernel.TenantID, eventType string, payload any) (int, error) {
	subscribed, err := s.endpoints.FindSubscribed(ctx, tenantID, eventType)
	if err != nil {
		return 0, err
	}
	if len(subscribed) == 0 {
		return 0, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, errx.Wrap(err, "failed to marshal webhook payload", errx.TypeInternal)
	}

	depth, err := s.queue.Depth(ctx, s.cfg.Queue)
	if err != nil {
		logx.WithError(err).Warn("Webhook queue depth unavailable, assuming room")
		depth = 0
	}
	overflow := depth > int64(s.cfg.QueueHighWater)

	queued := 0
	for _, e := range subscribed {
		d := s.newDelivery(e, eventType, data)
		if overflow {
			d.Status = webhook.StatusFailed
			d.LastError = "queue_overflow"
		}
		if err := s.deliveries.Create(ctx, d); err != nil {
			logx.WithError(err).WithField("endpoint_id", e.ID).Warn("Failed to record webhook delivery")
			continue
		}
		if overflow {
			continue
		}
		if err := s.enqueue(ctx, d.ID, 0); err != nil {
			logx.WithError(err).WithField("delivery_id", d.ID).Warn("Failed to enqueue webhook delivery")
			d.Status = webhook.StatusFailed
			d.LastError = "enqueue_failed"
			d.UpdatedAt = s.now()
			if uerr := s.deliveries.Update(ctx, d); uerr != nil {
				logx.WithError(uerr).WithField("delivery_id", d.ID).Warn("Failed to mark webhook delivery failed")
			}
			continue
		}
		queued++
	}

	if overflow {
		return 0, webhook.ErrQueueOverflow().
			WithDetail("depth", strconv.FormatInt(depth, 10)).
			WithDetail("high_water", strconv.Itoa(s.cfg.QueueHighWater))
	}
	return queued, nil
}

// Redeliver re-queues a terminal delivery with a fresh attempt budget.
func (s *WebhookService) Redeliver(ctx context.Context, deliveryID string, actor kernel.UserID) (*webhook.Delivery, error) {
	d, err := s.deliveries.FindByID(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if !d.IsTerminal() {
		return nil, webhook.ErrNotRedeliverable().WithDetail("status", string(d.Status))
	}

	d.Status = webhook.StatusPending
	d.Attempts = 0
	d.NextAttemptAt = nil
	d.LastError = ""
	d.UpdatedAt = s.now()
	if err := s.deliveries.Update(ctx, d); err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, d.ID, 0); err != nil {
		return nil, err
	}
	s.auditEvent(ctx, "webhook.delivery.redelivered", d.ID, actor, nil)
	return d, nil
}

// GetDelivery returns a delivery by id.
func (s *WebhookService) GetDelivery(ctx context.Context, id string) (*webhook.Delivery, error) {
	return s.deliveries.FindByID(ctx, id)
}

// ListDeliveries pages through an endpoint's deliveries.
func (s *WebhookService) ListDeliveries(ctx context.Context, endpointID string, opts kernel.PaginationOptions) (kernel.Paginated[*webhook.Delivery], error) {
	return s.deliveries.ListForEndpoint(ctx, endpointID, opts)
}

// ListAttempts returns a delivery's attempt history.
func (s *WebhookService) ListAttempts(ctx context.Context, deliveryID string) ([]*webhook.Attempt, error) {
	return s.deliveries.ListAttempts(ctx, deliveryID)
}

// DeleteOldDeliveries purges terminal deliveries past retention. Called by
// the cleanup loop.
func (s *WebhookService) DeleteOldDeliveries(ctx context.Context) (int64, error) {
	return s.deliveries.DeleteOlderThan(ctx, s.now().Add(-s.cfg.Retention))
}

// ============================================================================
// Dispatcher
// ============================================================================

type deliverPayload struct {
	DeliveryID string `json:"delivery_id"`
}

// HandleDelivery is the jobx handler: it performs exactly one outbound
// attempt and owns the retry schedule.
func (s *WebhookService) HandleDelivery(ctx context.Context, job *jobx.JobInfo) error {
	var payload deliverPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return webhook.ErrRegistry.NewWithCause(webhook.CodeDeliveryNotFound, err)
	}

	d, err := s.deliveries.FindByID(ctx, payload.DeliveryID)
	if err != nil {
		return err
	}
	if d.IsTerminal() {
		// Redundant job (redelivery races, queue replays): nothing to do.
		return nil
	}
	return s.deliver(ctx, d)
}

func (s *WebhookService) deliver(ctx context.Context, d *webhook.Delivery) error {
	e, err := s.endpoints.FindByID(ctx, d.EndpointID)
	if err != nil {
		return s.fail(ctx, d, nil, "endpoint_deleted")
	}
	if !e.Active {
		return s.fail(ctx, d, nil, "endpoint_disabled")
	}

	secret, err := cryptox.OpenString(s.encKey, e.SecretEnc)
	if err != nil {
		return s.fail(ctx, d, nil, "secret_unreadable")
	}

	d.Status = webhook.StatusDelivering
	d.Attempts++
	d.UpdatedAt = s.now()
	if err := s.deliveries.Update(ctx, d); err != nil {
		return err
	}

	if err := s.checkAllowedIPs(ctx, e); err != nil {
		return s.fail(ctx, d, nil, "ip_not_allowed")
	}

	body, err := json.Marshal(webhook.Body{
		ID:        d.ID,
		Event:     d.Event,
		CreatedAt: d.CreatedAt,
		Data:      d.Payload,
	})
	if err != nil {
		return s.fail(ctx, d, nil, "body_marshal_failed")
	}

	statusCode, attemptErr, duration := s.post(ctx, e, d, secret, body)
	s.recordAttempt(ctx, d, statusCode, attemptErr, duration)

	switch classify(statusCode) {
	case outcomeDelivered:
		now := s.now()
		d.Status = webhook.StatusDelivered
		d.DeliveredAt = &now
		d.LastStatusCode = statusCode
		d.LastError = ""
		d.NextAttemptAt = nil
		d.UpdatedAt = now
		return s.deliveries.Update(ctx, d)

	case outcomePermanent:
		return s.fail(ctx, d, statusCode, attemptErr)

	default: // retriable
		if d.Attempts >= d.MaxAttempts {
			return s.fail(ctx, d, statusCode, attemptErr)
		}
		delay := s.backoff(d.Attempts)
		next := s.now().Add(delay)
		d.Status = webhook.StatusPending
		d.LastStatusCode = statusCode
		d.LastError = attemptErr
		d.NextAttemptAt = &next
		d.UpdatedAt = s.now()
		if err := s.deliveries.Update(ctx, d); err != nil {
			return err
		}
		return s.enqueue(ctx, d.ID, delay)
	}
}

// post performs the signed POST and returns the status code (nil on network
// failure), an error string for the attempt row, and the wall time spent.
func (s *WebhookService) post(ctx context.Context, e *webhook.Endpoint, d *webhook.Delivery, secret string, body []byte) (*int, string, time.Duration) {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err.Error(), 0
	}

	signedAt := s.now()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.HeaderSignature, webhook.Sign(secret, signedAt, body))
	req.Header.Set(webhook.HeaderTimestamp, strconv.FormatInt(signedAt.Unix(), 10))
	req.Header.Set(webhook.HeaderDeliveryID, d.ID)
	req.Header.Set(webhook.HeaderEvent, d.Event)

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		return nil, err.Error(), duration
	}
	defer resp.Body.Close()

	errMsg := ""
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errMsg = resp.Status
	}
	return &resp.StatusCode, errMsg, duration
}

type outcome int

const (
	outcomeRetriable outcome = iota
	outcomeDelivered
	outcomePermanent
)

// classify maps one attempt's result to the state machine: 2xx delivered;
// 408, 429, 5xx and network failures (nil code) retriable; every other 4xx
// permanent.
func classify(statusCode *int) outcome {
	if statusCode == nil {
		return outcomeRetriable
	}
	code := *statusCode
	switch {
	case code >= 200 && code < 300:
		return outcomeDelivered
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return outcomeRetriable
	case code >= 500:
		return outcomeRetriable
	case code >= 400:
		return outcomePermanent
	default:
		return outcomeRetriable
	}
}

// backoff computes the delay before the next attempt:
// min(base * 2^(attempt-1), cap).
func (s *WebhookService) backoff(attempt int) time.Duration {
	delay := s.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.RetryCap {
			return s.cfg.RetryCap
		}
	}
	if delay > s.cfg.RetryCap {
		return s.cfg.RetryCap
	}
	return delay
}

func (s *WebhookService) checkAllowedIPs(ctx context.Context, e *webhook.Endpoint) error {
	if len(e.AllowedIPs) == 0 {
		return nil
	}
	u, err := url.Parse(e.URL)
	if err != nil {
		return err
	}
	host := u.Hostname()

	ips := []net.IP{}
	if ip := net.ParseIP(host); ip != nil {
		ips = append(ips, ip)
	} else {
		resolved, err := s.lookupIP(ctx, host)
		if err != nil {
			return err
		}
		ips = resolved
	}

	// Every address the host resolves to must be inside the allow list,
	// otherwise a multi-record name smuggles traffic past the check.
	for _, ip := range ips {
		if !ipAllowed(ip, e.AllowedIPs) {
			return webhook.ErrURLInvalid(e.URL).WithDetail("ip", ip.String())
		}
	}
	return nil
}

func ipAllowed(ip net.IP, entries []string) bool {
	for _, entry := range entries {
		if _, cidr, err := net.ParseCIDR(entry); err == nil {
			if cidr.Contains(ip) {
				return true
			}
			continue
		}
		if allowed := net.ParseIP(entry); allowed != nil && allowed.Equal(ip) {
			return true
		}
	}
	return false
}

// ============================================================================
// Internals
// ============================================================================

func (s *WebhookService) newDelivery(e *webhook.Endpoint, eventType string, data json.RawMessage) *webhook.Delivery {
	now := s.now()
	return &webhook.Delivery{
		ID:          uuid.NewString(),
		EndpointID:  e.ID,
		TenantID:    e.TenantID,
		Event:       eventType,
		Payload:     data,
		Status:      webhook.StatusPending,
		MaxAttempts: s.cfg.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *WebhookService) enqueue(ctx context.Context, deliveryID string, delay time.Duration) error {
	payload, err := json.Marshal(deliverPayload{DeliveryID: deliveryID})
	if err != nil {
		return err
	}
	job := jobx.Job{
		Type:    JobTypeDeliver,
		Queue:   s.cfg.Queue,
		Payload: payload,
		// The dispatcher owns the retry schedule; jobx must not re-run jobs.
		MaxRetries: 1,
	}
	if delay > 0 {
		_, err = s.queue.EnqueueDelayed(ctx, job, delay)
	} else {
		_, err = s.queue.Enqueue(ctx, job)
	}
	return err
}

func (s *WebhookService) fail(ctx context.Context, d *webhook.Delivery, statusCode *int, errMsg string) error {
	d.Status = webhook.StatusFailed
	d.LastStatusCode = statusCode
	d.LastError = errMsg
	d.NextAttemptAt = nil
	d.UpdatedAt = s.now()
	if err := s.deliveries.Update(ctx, d); err != nil {
		return err
	}
	logx.WithFields(logx.Fields{
		"delivery_id": d.ID,
		"endpoint_id": d.EndpointID,
		"error":       errMsg,
	}).Warn("Webhook delivery failed permanently")
	return nil
}

func (s *WebhookService) recordAttempt(ctx context.Context, d *webhook.Delivery, statusCode *int, errMsg string, duration time.Duration) {
	a := &webhook.Attempt{
		ID:         uuid.NewString(),
		DeliveryID: d.ID,
		Number:     d.Attempts,
		StatusCode: statusCode,
		Error:      errMsg,
		Duration:   duration,
		At:         s.now(),
	}
	if err := s.deliveries.RecordAttempt(ctx, a); err != nil {
		logx.WithError(err).WithField("delivery_id", d.ID).Warn("Failed to record webhook attempt")
	}
}

func (s *WebhookService) auditEvent(ctx context.Context, action, targetID string, actor kernel.UserID, details map[string]any) {
	event := audit.Event{
		At:         s.now(),
		ActorType:  audit.ActorUser,
		Action:     action,
		TargetType: "webhook",
		TargetID:   targetID,
		Details:    details,
		Severity:   audit.SeverityInfo,
	}
	if !actor.IsEmpty() {
		actorID := actor.String()
		event.ActorID = &actorID
	} else {
		event.ActorType = audit.ActorSystem
	}
	s.audit.Record(ctx, event)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return webhook.ErrURLInvalid(raw)
	}
	return nil
}
