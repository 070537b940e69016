package auditinfra

import (
	"context"

	"github.com/truxeio/truxe/pkg/iam/audit"
	"github.com/truxeio/truxe/pkg/logx"
)

// LogxSink writes audit events to the structured log.
type LogxSink struct{}

func NewLogxSink() *LogxSink {
	return &LogxSink{}
}

func (s *LogxSink) Record(_ context.Context, event audit.Event) {
	fields := logx.Fields{
		"audit_event": event.Action,
		"actor_type":  string(event.ActorType),
		"target_type": event.TargetType,
		"target_id":   event.TargetID,
		"severity":    string(event.Severity),
		"at":          event.At,
	}
	if event.ActorID != nil {
		fields["actor_id"] = *event.ActorID
	}
	if event.IP != "" {
		fields["ip"] = event.IP
	}
	if event.UserAgent != "" {
		fields["user_agent"] = event.UserAgent
	}
	for k, v := range event.Details {
		fields["detail_"+k] = v
	}

	entry := logx.WithFields(fields)
	switch event.Severity {
	case audit.SeverityCritical:
		entry.Error("Audit: " + event.Action)
	case audit.SeverityWarn:
		entry.Warn("Audit: " + event.Action)
	default:
		entry.Info("Audit: " + event.Action)
	}
}
