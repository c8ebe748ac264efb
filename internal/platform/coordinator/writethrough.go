package coordinator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/recordsync/internal/platform/apperr"
	"github.com/ehr/recordsync/internal/platform/concurrency"
	"github.com/ehr/recordsync/internal/platform/emr"
	"github.com/ehr/recordsync/internal/platform/events"
	"github.com/ehr/recordsync/internal/platform/record"
)

// UpdateRequest describes a write-through update.
type UpdateRequest struct {
	Kind            record.Kind
	ID              string
	ExpectedVersion int
	Actor           string
	// Changes are sent to the system of record.
	Changes emr.Changes
	// Apply writes the same changes to the local record.
	Apply concurrency.Mutator
	// Summary describes the change in audit entries.
	Summary string
}

// WriteThrough applies changes to the system of record first and mirrors
// them locally only after it has accepted them. No lock is held during the
// external call.
type WriteThrough struct {
	store    record.Store
	guard    *concurrency.Guard
	adapter  emr.Adapter
	emitter  events.Emitter
	observer Observer
	logger   zerolog.Logger
}

// NewWriteThrough creates a WriteThrough. emitter and observer may be nil.
func NewWriteThrough(store record.Store, guard *concurrency.Guard, adapter emr.Adapter, emitter events.Emitter, observer Observer, logger zerolog.Logger) *WriteThrough {
	if emitter == nil {
		emitter = events.Discard
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &WriteThrough{store: store, guard: guard, adapter: adapter, emitter: emitter, observer: observer, logger: logger}
}

// Update runs the write-through sequence. A record without an external
// reference is updated locally only. EMR rejection and unavailability are
// returned as distinct kinds and leave the local record untouched.
func (w *WriteThrough) Update(ctx context.Context, req UpdateRequest) (rec *record.Record, err error) {
	if req.Apply == nil {
		return nil, apperr.Validation("update request for %s/%s has no changes", req.Kind, req.ID)
	}
	if req.ExpectedVersion < 1 {
		return nil, apperr.Validation("expected version must be at least 1")
	}
	defer func() { w.observer.ObserveWriteThrough(req.Kind, apperr.KindOf(err)) }()

	cur, err := w.store.Get(ctx, req.Kind, req.ID)
	if err != nil {
		return nil, err
	}
	// Checked here as well as under the lock so that a stale request never
	// reaches the EMR.
	if cur.Version != req.ExpectedVersion {
		return nil, apperr.Conflict("%s/%s: expected version %d, current version is %d",
			req.Kind, req.ID, req.ExpectedVersion, cur.Version)
	}

	log := w.logger.With().Str("kind", string(req.Kind)).Str("id", req.ID).Logger()

	if cur.HasExternal() && len(req.Changes) > 0 {
		if err := w.adapter.Update(ctx, req.Kind, *cur.ExternalID, req.Changes); err != nil {
			err = apperr.Wrap(apperr.KindExternalUnavailable, err, "emr update")
			ev := log.Warn()
			if apperr.Is(err, apperr.KindExternalUnavailable) {
				ev = log.Error()
			}
			ev.Err(err).Str("store", apperr.StoreExternal).Msg("write-through: emr did not accept update")
			return nil, err
		}
	} else if !cur.HasExternal() {
		log.Debug().Msg("write-through: no external reference, updating locally")
	}

	next, err := w.guard.WithLock(ctx, req.Kind, req.ID, req.ExpectedVersion, req.Apply)
	if err != nil {
		if cur.HasExternal() && len(req.Changes) > 0 {
			log.Warn().Err(err).Msg("write-through: emr accepted update but local apply failed")
			w.emitter.Emit(events.NewAlert(OpsRecipient,
				fmt.Sprintf("%s %s was updated in the EMR but not locally", req.Kind, req.ID),
				events.SeverityWarning, map[string]string{
					"kind":        string(req.Kind),
					"id":          req.ID,
					"external_id": *cur.ExternalID,
					"error":       err.Error(),
				}))
		}
		return nil, err
	}

	w.emitter.Emit(events.Audit(req.Actor, "update", req.Kind, req.ID, req.Summary, cur.Fields, next.Fields))
	return next, nil
}
