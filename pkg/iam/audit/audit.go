package audit

import (
	"context"
	"time"
)

// ActorType identifies who performed an audited action.
type ActorType string

const (
	ActorUser           ActorType = "user"
	ActorServiceAccount ActorType = "service_account"
	ActorSystem         ActorType = "system"
)

// Severity classifies audit events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// Event is an append-only record of a security-relevant action. Security
// denials (revoked credentials, forbidden decisions), credential lifecycle
// and membership/grant mutations are recorded; validation errors are not.
type Event struct {
	ID         string         `db:"id" json:"id"`
	At         time.Time      `db:"at" json:"at"`
	ActorType  ActorType      `db:"actor_type" json:"actor_type"`
	ActorID    *string        `db:"actor_id" json:"actor_id,omitempty"`
	Action     string         `db:"action" json:"action"`
	TargetType string         `db:"target_type" json:"target_type"`
	TargetID   string         `db:"target_id" json:"target_id"`
	Details    map[string]any `db:"-" json:"details,omitempty"`
	IP         string         `db:"ip" json:"ip,omitempty"`
	UserAgent  string         `db:"user_agent" json:"user_agent,omitempty"`
	Severity   Severity       `db:"severity" json:"severity"`
}

// Sink receives audit events. Implementations must not block the caller on
// transient failures: the audit trail is best-effort at the sink boundary,
// durable where the sink persists.
type Sink interface {
	Record(ctx context.Context, event Event)
}

// Multi fans an event out to every configured sink.
type Multi []Sink

func (m Multi) Record(ctx context.Context, event Event) {
	for _, s := range m {
		s.Record(ctx, event)
	}
}

// Nop discards events. Used in tests and when auditing is disabled.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
