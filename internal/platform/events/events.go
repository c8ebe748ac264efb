// Package events delivers audit and alert side effects after a mutation has
// committed. Delivery failures are logged and counted but never reach the
// caller that emitted the event.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/recordsync/internal/platform/record"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AuditEntry is one row of the audit trail.
type AuditEntry struct {
	ID       string          `json:"id"`
	Actor    string          `json:"actor"`
	Action   string          `json:"action"`
	Kind     record.Kind     `json:"kind"`
	EntityID string          `json:"entity_id"`
	Summary  string          `json:"summary"`
	Before   json.RawMessage `json:"before,omitempty"`
	After    json.RawMessage `json:"after,omitempty"`
	At       time.Time       `json:"at"`
}

// Alert is a notification for a group of recipients, e.g. "ops" or a
// department name.
type Alert struct {
	ID        string            `json:"id"`
	Recipient string            `json:"recipient"`
	Message   string            `json:"message"`
	Severity  Severity          `json:"severity"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	At        time.Time         `json:"at"`
}

// Event carries an audit entry, an alert, or both.
type Event struct {
	Audit *AuditEntry
	Alert *Alert
}

// AuditSink persists audit entries.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// AlertSink delivers alerts.
type AlertSink interface {
	Notify(ctx context.Context, alert Alert) error
}

// Emitter accepts events for asynchronous delivery. Emit never blocks.
type Emitter interface {
	Emit(ev Event)
}

// Discard is an Emitter that drops everything.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// Audit builds an audit event. before and after may be nil.
func Audit(actor, action string, kind record.Kind, id, summary string, before, after json.RawMessage) Event {
	return Event{Audit: &AuditEntry{
		ID:       uuid.NewString(),
		Actor:    actor,
		Action:   action,
		Kind:     kind,
		EntityID: id,
		Summary:  summary,
		Before:   before,
		After:    after,
		At:       time.Now().UTC(),
	}}
}

// NewAlert builds an alert event.
func NewAlert(recipient, message string, severity Severity, metadata map[string]string) Event {
	return Event{Alert: &Alert{
		ID:        uuid.NewString(),
		Recipient: recipient,
		Message:   message,
		Severity:  severity,
		Metadata:  metadata,
		At:        time.Now().UTC(),
	}}
}

// With returns ev with the non-nil parts of other copied in.
func (ev Event) With(other Event) Event {
	if other.Audit != nil {
		ev.Audit = other.Audit
	}
	if other.Alert != nil {
		ev.Alert = other.Alert
	}
	return ev
}
