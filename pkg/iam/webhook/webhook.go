package webhook

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/kernel"
)

var (
	// ErrRegistry is the error registry for the webhook module
	ErrRegistry = errx.NewRegistry("WEBHOOK")

	// Error codes
	CodeEndpointNotFound = ErrRegistry.Register("ENDPOINT_NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Webhook endpoint not found")
	CodeDeliveryNotFound = ErrRegistry.Register("DELIVERY_NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Webhook delivery not found")
	CodeURLInvalid       = ErrRegistry.Register("URL_INVALID", errx.TypeValidation, http.StatusBadRequest, "Webhook URL is invalid")
	CodeQueueOverflow    = ErrRegistry.Register("QUEUE_OVERFLOW", errx.TypeInternal, http.StatusServiceUnavailable, "Webhook queue is above its high-water mark")
	CodeNotRedeliverable = ErrRegistry.Register("NOT_REDELIVERABLE", errx.TypeBusiness, http.StatusConflict, "Only terminal deliveries can be redelivered")
	CodeSignatureInvalid = ErrRegistry.Register("SIGNATURE_INVALID", errx.TypeAuthorization, http.StatusUnauthorized, "Webhook signature verification failed")
)

func ErrEndpointNotFound() *errx.Error { return ErrRegistry.New(CodeEndpointNotFound) }
func ErrDeliveryNotFound() *errx.Error { return ErrRegistry.New(CodeDeliveryNotFound) }
func ErrQueueOverflow() *errx.Error    { return ErrRegistry.New(CodeQueueOverflow) }
func ErrNotRedeliverable() *errx.Error { return ErrRegistry.New(CodeNotRedeliverable) }
func ErrSignatureInvalid() *errx.Error { return ErrRegistry.New(CodeSignatureInvalid) }

func ErrURLInvalid(url string) *errx.Error {
	return ErrRegistry.New(CodeURLInvalid).WithDetail("url", url)
}

// SecretPrefix marks endpoint signing secrets.
const SecretPrefix = "whsec_"

// Endpoint is a tenant-owned webhook destination. The signing secret is
// AES-GCM sealed at rest; the cleartext is returned exactly once at creation.
type Endpoint struct {
	ID          string          `json:"id"`
	TenantID    kernel.TenantID `json:"tenant_id"`
	URL         string          `json:"url"`
	SecretEnc   string          `json:"-"`
	Events      []string        `json:"events"`
	AllowedIPs  []string        `json:"allowed_ips,omitempty"`
	Description string          `json:"description,omitempty"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Subscribed reports whether the endpoint wants the event. A "*" subscription
// matches everything.
func (e *Endpoint) Subscribed(event string) bool {
	for _, sub := range e.Events {
		if sub == "*" || sub == event {
			return true
		}
	}
	return false
}

// DeliveryStatus is the monotonic delivery state machine:
// pending → delivering → delivered | failed. A retriable failure goes back to
// pending with a next-attempt timestamp.
type DeliveryStatus string

const (
	StatusPending    DeliveryStatus = "pending"
	StatusDelivering DeliveryStatus = "delivering"
	StatusDelivered  DeliveryStatus = "delivered"
	StatusFailed     DeliveryStatus = "failed"
)

// Delivery is one queued event for one endpoint. The service never dedupes:
// the receiver is expected to treat the delivery id idempotently.
type Delivery struct {
	ID             string          `json:"id"`
	EndpointID     string          `json:"endpoint_id"`
	TenantID       kernel.TenantID `json:"tenant_id"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	NextAttemptAt  *time.Time      `json:"next_attempt_at,omitempty"`
	LastStatusCode *int            `json:"last_status_code,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the delivery reached a final state.
func (d *Delivery) IsTerminal() bool {
	return d.Status == StatusDelivered || d.Status == StatusFailed
}

// Attempt is the persisted record of one outbound POST.
type Attempt struct {
	ID         string        `json:"id"`
	DeliveryID string        `json:"delivery_id"`
	Number     int           `json:"number"`
	StatusCode *int          `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	At         time.Time     `json:"at"`
}

// Body is the JSON document POSTed to the endpoint.
type Body struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	CreatedAt time.Time       `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}
