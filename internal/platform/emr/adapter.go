// Package emr talks to the external system of record. Every failure is
// classified as a rejection (the EMR declined the payload; resubmitting it
// unchanged will fail again) or as unavailability (transport error, timeout
// or server fault; safe to retry).
package emr

import (
	"context"
	"time"

	"github.com/ehr/recordsync/internal/platform/apperr"
	"github.com/ehr/recordsync/internal/platform/record"
)

// Resource is a FHIR resource body.
type Resource map[string]interface{}

// Changes maps EMR-owned field names to their new values.
type Changes map[string]string

// Adapter is the system-of-record contract used by the coordinators.
type Adapter interface {
	// Create registers a new entity and returns the EMR's reference for it.
	// localID is attached as a business identifier.
	Create(ctx context.Context, kind record.Kind, localID string, res Resource) (string, error)
	// Update applies changes to the entity behind ref.
	Update(ctx context.Context, kind record.Kind, ref string, changes Changes) error
	// Health reports whether the EMR is reachable.
	Health(ctx context.Context) error
}

// Observer receives one call per adapter operation. result is the empty kind
// on success.
type Observer interface {
	ObserveEMRCall(op string, result apperr.Kind, elapsed time.Duration)
}

// resourceTypes maps record kinds to FHIR resource types.
var resourceTypes = map[record.Kind]string{
	record.KindPatient:   "Patient",
	record.KindEncounter: "Encounter",
	record.KindOrder:     "ServiceRequest",
}

// ResourceType returns the FHIR resource type for kind.
func ResourceType(kind record.Kind) (string, bool) {
	rt, ok := resourceTypes[kind]
	return rt, ok
}

// IdentifierSystem namespaces the local ids attached to EMR resources.
const IdentifierSystem = "urn:recordsync:id"

func rejectUnknownKind(kind record.Kind) error {
	return apperr.Validation("record kind %q has no EMR representation", kind)
}
