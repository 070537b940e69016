package webhookinfra

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/webhook"
	"github.com/truxeio/truxe/pkg/kernel"
)

// PostgresDeliveryRepository is the PostgreSQL implementation of
// webhook.DeliveryRepository.
type PostgresDeliveryRepository struct {
	db *sqlx.DB
}

// NewPostgresDeliveryRepository creates a new instance of the repository.
func NewPostgresDeliveryRepository(db *sqlx.DB) webhook.DeliveryRepository {
	return &PostgresDeliveryRepository{
		db: db,
	}
}

func (r *PostgresDeliveryRepository) Create(ctx context.Context, d *webhook.Delivery) error {
	query := `
		INSERT INTO webhook_deliveries (id, endpoint_id, tenant_id, event, payload, status, attempts, max_attempts,
			next_attempt_at, last_status_code, last_error, delivered_at, created_at, updated_at)
		VALUES (:id, :endpoint_id, :tenant_id, :event, :payload, :status, :attempts, :max_attempts,
			:next_attempt_at, :last_status_code, :last_error, :delivered_at, :created_at, :updated_at)`

	if _, err := r.db.NamedExecContext(ctx, query, toDeliveryPersistence(d)); err != nil {
		return errx.Wrap(err, "failed to create webhook delivery", errx.TypeInternal).
			WithDetail("delivery_id", d.ID)
	}
	return nil
}

func (r *PostgresDeliveryRepository) FindByID(ctx context.Context, id string) (*webhook.Delivery, error) {
	var d deliveryPersistence
	err := r.db.GetContext(ctx, &d, `SELECT * FROM webhook_deliveries WHERE id = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, webhook.ErrDeliveryNotFound().WithDetail("delivery_id", id)
		}
		return nil, errx.Wrap(err, "failed to find webhook delivery", errx.TypeInternal)
	}
	return toDeliveryDomain(d), nil
}

func (r *PostgresDeliveryRepository) Update(ctx context.Context, d *webhook.Delivery) error {
	query := `
		UPDATE webhook_deliveries SET
			status = :status,
			attempts = :attempts,
			next_attempt_at = :next_attempt_at,
			last_status_code = :last_status_code,
			last_error = :last_error,
			delivered_at = :delivered_at,
			updated_at = :updated_at
		WHERE id = :id`

	result, err := r.db.NamedExecContext(ctx, query, toDeliveryPersistence(d))
	if err != nil {
		return errx.Wrap(err, "failed to update webhook delivery", errx.TypeInternal)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected", errx.TypeInternal)
	}
	if rowsAffected == 0 {
		return webhook.ErrDeliveryNotFound().WithDetail("delivery_id", d.ID)
	}
	return nil
}

func (r *PostgresDeliveryRepository) ListForEndpoint(ctx context.Context, endpointID string, opts kernel.PaginationOptions) (kernel.Paginated[*webhook.Delivery], error) {
	page, size := normalizePage(opts)

	var total int
	err := r.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM webhook_deliveries WHERE endpoint_id = $1`, endpointID)
	if err != nil {
		return kernel.Paginated[*webhook.Delivery]{}, errx.Wrap(err, "failed to count webhook deliveries", errx.TypeInternal)
	}

	var rows []deliveryPersistence
	err = r.db.SelectContext(ctx, &rows, `
		SELECT * FROM webhook_deliveries
		WHERE endpoint_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		endpointID, size, (page-1)*size)
	if err != nil {
		return kernel.Paginated[*webhook.Delivery]{}, errx.Wrap(err, "failed to list webhook deliveries", errx.TypeInternal)
	}

	deliveries := make([]*webhook.Delivery, len(rows))
	for i, row := range rows {
		deliveries[i] = toDeliveryDomain(row)
	}
	return kernel.NewPaginated(deliveries, page, size, total), nil
}

func (r *PostgresDeliveryRepository) RecordAttempt(ctx context.Context, a *webhook.Attempt) error {
	query := `
		INSERT INTO webhook_attempts (id, delivery_id, number, status_code, error, duration_ms, at)
		VALUES (:id, :delivery_id, :number, :status_code, :error, :duration_ms, :at)`

	if _, err := r.db.NamedExecContext(ctx, query, toAttemptPersistence(a)); err != nil {
		return errx.Wrap(err, "failed to record webhook attempt", errx.TypeInternal).
			WithDetail("delivery_id", a.DeliveryID)
	}
	return nil
}

func (r *PostgresDeliveryRepository) ListAttempts(ctx context.Context, deliveryID string) ([]*webhook.Attempt, error) {
	var rows []attemptPersistence
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM webhook_attempts WHERE delivery_id = $1 ORDER BY number`, deliveryID)
	if err != nil {
		return nil, errx.Wrap(err, "failed to list webhook attempts", errx.TypeInternal)
	}

	attempts := make([]*webhook.Attempt, len(rows))
	for i, row := range rows {
		attempts[i] = toAttemptDomain(row)
	}
	return attempts, nil
}

func (r *PostgresDeliveryRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM webhook_deliveries
		WHERE status IN ('delivered', 'failed') AND created_at < $1`, cutoff)
	if err != nil {
		return 0, errx.Wrap(err, "failed to purge webhook deliveries", errx.TypeInternal)
	}
	return result.RowsAffected()
}

func normalizePage(opts kernel.PaginationOptions) (page, size int) {
	page, size = opts.Page, opts.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}
	if size > 200 {
		size = 200
	}
	return page, size
}

// Persistence structs handling DB-specific types.
type deliveryPersistence struct {
	ID             string          `db:"id"`
	EndpointID     string          `db:"endpoint_id"`
	TenantID       string          `db:"tenant_id"`
	Event          string          `db:"event"`
	Payload        json.RawMessage `db:"payload"`
	Status         string          `db:"status"`
	Attempts       int             `db:"attempts"`
	MaxAttempts    int             `db:"max_attempts"`
	NextAttemptAt  *time.Time      `db:"next_attempt_at"`
	LastStatusCode *int            `db:"last_status_code"`
	LastError      string          `db:"last_error"`
	DeliveredAt    *time.Time      `db:"delivered_at"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

func toDeliveryPersistence(d *webhook.Delivery) deliveryPersistence {
	payload := d.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`null`)
	}
	return deliveryPersistence{
		ID:             d.ID,
		EndpointID:     d.EndpointID,
		TenantID:       d.TenantID.String(),
		Event:          d.Event,
		Payload:        payload,
		Status:         string(d.Status),
		Attempts:       d.Attempts,
		MaxAttempts:    d.MaxAttempts,
		NextAttemptAt:  d.NextAttemptAt,
		LastStatusCode: d.LastStatusCode,
		LastError:      d.LastError,
		DeliveredAt:    d.DeliveredAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func toDeliveryDomain(d deliveryPersistence) *webhook.Delivery {
	return &webhook.Delivery{
		ID:             d.ID,
		EndpointID:     d.EndpointID,
		TenantID:       kernel.NewTenantID(d.TenantID),
		Event:          d.Event,
		Payload:        d.Payload,
		Status:         webhook.DeliveryStatus(d.Status),
		Attempts:       d.Attempts,
		MaxAttempts:    d.MaxAttempts,
		NextAttemptAt:  d.NextAttemptAt,
		LastStatusCode: d.LastStatusCode,
		LastError:      d.LastError,
		DeliveredAt:    d.DeliveredAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

type attemptPersistence struct {
	ID         string    `db:"id"`
	DeliveryID string    `db:"delivery_id"`
	Number     int       `db:"number"`
	StatusCode *int      `db:"status_code"`
	Error      string    `db:"error"`
	DurationMS int64     `db:"duration_ms"`
	At         time.Time `db:"at"`
}

func toAttemptPersistence(a *webhook.Attempt) attemptPersistence {
	return attemptPersistence{
		ID:         a.ID,
		DeliveryID: a.DeliveryID,
		Number:     a.Number,
		StatusCode: a.StatusCode,
		Error:      a.Error,
		DurationMS: a.Duration.Milliseconds(),
		At:         a.At,
	}
}

func toAttemptDomain(a attemptPersistence) *webhook.Attempt {
	return &webhook.Attempt{
		ID:         a.ID,
		DeliveryID: a.DeliveryID,
		Number:     a.Number,
		StatusCode: a.StatusCode,
		Error:      a.Error,
		Duration:   time.Duration(a.DurationMS) * time.Millisecond,
		At:         a.At,
	}
}
