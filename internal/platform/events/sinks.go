package events

import (
	"context"

	"github.com/rs/zerolog"
)

// LogAuditSink writes audit entries to the structured log.
type LogAuditSink struct {
	Logger zerolog.Logger
}

func (s LogAuditSink) Record(_ context.Context, e AuditEntry) error {
	s.Logger.Info().
		Str("audit_id", e.ID).
		Str("actor", e.Actor).
		Str("action", e.Action).
		Str("kind", string(e.Kind)).
		Str("entity_id", e.EntityID).
		Str("summary", e.Summary).
		Time("at", e.At).
		Msg("audit")
	return nil
}

// LogAlertSink writes alerts to the structured log at a level matching their
// severity.
type LogAlertSink struct {
	Logger zerolog.Logger
}

func (s LogAlertSink) Notify(_ context.Context, a Alert) error {
	var ev *zerolog.Event
	switch a.Severity {
	case SeverityCritical:
		ev = s.Logger.Error()
	case SeverityWarning:
		ev = s.Logger.Warn()
	default:
		ev = s.Logger.Info()
	}
	ev.Str("alert_id", a.ID).
		Str("recipient", a.Recipient).
		Str("severity", string(a.Severity)).
		Interface("metadata", a.Metadata).
		Msg(a.Message)
	return nil
}
