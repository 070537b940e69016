package auditinfra

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/truxeio/truxe/pkg/iam/audit"
	"github.com/truxeio/truxe/pkg/logx"
)

// PostgresSink appends audit events to the audit_logs table. Insert failures
// are logged, never propagated: an audit outage must not fail the request
// that triggered the event.
type PostgresSink struct {
	db *sqlx.DB
}

func NewPostgresSink(db *sqlx.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Record(ctx context.Context, event audit.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	details, err := json.Marshal(event.Details)
	if err != nil {
		details = []byte("{}")
	}

	query := `
		INSERT INTO audit_logs (
			id, at, actor_type, actor_id, action, target_type, target_id,
			details, ip, user_agent, severity
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = s.db.ExecContext(ctx, query,
		event.ID, event.At, event.ActorType, event.ActorID,
		event.Action, event.TargetType, event.TargetID,
		details, event.IP, event.UserAgent, event.Severity,
	)
	if err != nil {
		logx.WithError(err).WithField("action", event.Action).Warn("audit: postgres sink insert failed")
	}
}
