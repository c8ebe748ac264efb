package coordinator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/recordsync/internal/platform/apperr"
	"github.com/ehr/recordsync/internal/platform/emr"
	"github.com/ehr/recordsync/internal/platform/events"
	"github.com/ehr/recordsync/internal/platform/record"
	"github.com/ehr/recordsync/internal/platform/sequence"
)

// OpsRecipient receives alerts about stores drifting apart.
const OpsRecipient = "ops"

// CreateRequest describes one dual-write create.
type CreateRequest struct {
	Kind  record.Kind
	Actor string
	// Build assembles the local record under the allocated id.
	Build sequence.BuildFunc
	// Resource renders the payload sent to the system of record. id is empty
	// when the local write failed.
	Resource func(id string) emr.Resource
	// Summary describes the entity in audit entries and alerts.
	Summary string
}

// DualWriter creates entities in both stores. Neither failure prevents the
// attempt on the other store and nothing is rolled back.
//
// The local insert runs first so that its allocated id can travel to the
// system of record as a business identifier; the external reference is then
// linked onto the local row.
type DualWriter struct {
	alloc    *sequence.Allocator
	store    record.Store
	adapter  emr.Adapter
	emitter  events.Emitter
	observer Observer
	logger   zerolog.Logger
}

// NewDualWriter creates a DualWriter. emitter and observer may be nil.
func NewDualWriter(alloc *sequence.Allocator, store record.Store, adapter emr.Adapter, emitter events.Emitter, observer Observer, logger zerolog.Logger) *DualWriter {
	if emitter == nil {
		emitter = events.Discard
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &DualWriter{alloc: alloc, store: store, adapter: adapter, emitter: emitter, observer: observer, logger: logger}
}

// Create writes the entity to both stores and returns the per-store outcome.
// With at least one success the returned record reflects what was written:
// the local row carrying the external reference when both succeeded, the
// local row alone, or an unsaved version-0 record built without an id and
// holding the external reference when only the system of record accepted
// it. A link that fails after both creates leaves the row unlinked and adds
// an OutcomeLink failure. When both fail the record is nil and the error is
// DUAL_WRITE_BOTH_FAILED with the outcome as its detail.
func (d *DualWriter) Create(ctx context.Context, req CreateRequest) (*record.Record, Outcome, error) {
	if req.Build == nil || req.Resource == nil {
		return nil, nil, apperr.Validation("create request for %s is incomplete", req.Kind)
	}
	outcome := newOutcome()
	log := d.logger.With().Str("kind", string(req.Kind)).Logger()

	rec, lerr := d.alloc.Create(ctx, req.Kind, req.Build)
	if lerr != nil {
		if apperr.Is(lerr, apperr.KindValidation) {
			return nil, nil, lerr
		}
		outcome.fail(apperr.StoreLocal, lerr)
		log.Warn().Err(lerr).Str("store", apperr.StoreLocal).Msg("dual write: local create failed")
	} else {
		outcome.succeed(apperr.StoreLocal)
		log = log.With().Str("id", rec.ID).Logger()
	}

	localID := ""
	if rec != nil {
		localID = rec.ID
	}
	res := req.Resource(localID)
	ref, eerr := d.adapter.Create(ctx, req.Kind, localID, res)
	if eerr != nil {
		eerr = apperr.Wrap(apperr.KindExternalUnavailable, eerr, "emr create")
		outcome.fail(apperr.StoreExternal, eerr)
		log.Warn().Err(eerr).Str("store", apperr.StoreExternal).Msg("dual write: emr create failed")
	} else {
		outcome.succeed(apperr.StoreExternal)
	}

	for store, o := range outcome {
		d.observer.ObserveDualWrite(req.Kind, store, string(o.Status))
	}

	switch {
	case lerr != nil && eerr != nil:
		log.Error().Msg("dual write: both stores failed")
		d.emitter.Emit(events.NewAlert(OpsRecipient,
			fmt.Sprintf("create of %s failed in both stores", req.Kind),
			events.SeverityCritical, outcomeMetadata(req.Kind, "", outcome)))
		return nil, outcome, apperr.BothFailed(outcome)

	case lerr != nil:
		out, err := req.Build("")
		if err != nil || out == nil {
			out = &record.Record{}
		}
		out.Kind, out.Version, out.ExternalID = req.Kind, 0, &ref
		d.emitter.Emit(events.NewAlert(OpsRecipient,
			fmt.Sprintf("%s %s exists only in the EMR", req.Kind, ref),
			events.SeverityWarning, outcomeMetadata(req.Kind, ref, outcome)))
		return out, outcome, nil

	case eerr != nil:
		d.emitter.Emit(events.Audit(req.Actor, "create", req.Kind, rec.ID, req.Summary, nil, rec.Fields).
			With(events.NewAlert(OpsRecipient,
				fmt.Sprintf("%s %s was not written to the EMR", req.Kind, rec.ID),
				events.SeverityWarning, outcomeMetadata(req.Kind, rec.ID, outcome))))
		return rec, outcome, nil
	}

	if err := d.store.LinkExternal(ctx, req.Kind, rec.ID, ref); err != nil {
		// Both stores hold the entity but the local row lacks the cross
		// reference. The returned record matches the stored row and the
		// outcome carries the failed link for reconciliation.
		outcome.fail(OutcomeLink, err)
		d.observer.ObserveDualWrite(req.Kind, OutcomeLink, string(StatusFailure))
		log.Error().Err(err).Str("external_id", ref).Msg("dual write: linking external reference failed")
		md := outcomeMetadata(req.Kind, rec.ID, outcome)
		md["external_id"] = ref
		d.emitter.Emit(events.Audit(req.Actor, "create", req.Kind, rec.ID, req.Summary, nil, rec.Fields).
			With(events.NewAlert(OpsRecipient,
				fmt.Sprintf("%s %s could not be linked to EMR reference %s", req.Kind, rec.ID, ref),
				events.SeverityWarning, md)))
		return rec, outcome, nil
	}
	rec.ExternalID = &ref
	d.emitter.Emit(events.Audit(req.Actor, "create", req.Kind, rec.ID, req.Summary, nil, rec.Fields))
	log.Debug().Str("external_id", ref).Msg("dual write complete")
	return rec, outcome, nil
}

func outcomeMetadata(kind record.Kind, id string, o Outcome) map[string]string {
	md := map[string]string{"kind": string(kind)}
	if id != "" {
		md["id"] = id
	}
	for store, so := range o {
		md[store] = string(so.Status)
		if so.Detail != "" {
			md[store+"_detail"] = so.Detail
		}
	}
	return md
}
