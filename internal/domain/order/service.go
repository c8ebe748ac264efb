// Package order manages clinical orders. Orders are written to both stores
// as ServiceRequests; their line items are numbered within the order and
// stored with it. Execution is a local state change under the record lock.
package order

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/recordsync/internal/platform/apperr"
	"github.com/ehr/recordsync/internal/platform/concurrency"
	"github.com/ehr/recordsync/internal/platform/coordinator"
	"github.com/ehr/recordsync/internal/platform/emr"
	"github.com/ehr/recordsync/internal/platform/events"
	"github.com/ehr/recordsync/internal/platform/record"
)

type Service struct {
	store   record.Store
	dual    *coordinator.DualWriter
	guard   *concurrency.Guard
	emitter events.Emitter
	logger  zerolog.Logger
	nowFunc func() time.Time
}

func NewService(store record.Store, dual *coordinator.DualWriter, guard *concurrency.Guard, emitter events.Emitter, logger zerolog.Logger) *Service {
	if emitter == nil {
		emitter = events.Discard
	}
	return &Service{store: store, dual: dual, guard: guard, emitter: emitter, logger: logger, nowFunc: time.Now}
}

// Create places an order for an existing patient. The encounter, when
// given, must belong to that patient. Stat orders alert their department.
func (s *Service) Create(ctx context.Context, actor string, in CreateInput) (*Order, coordinator.Outcome, error) {
	if err := in.validate(); err != nil {
		return nil, nil, err
	}
	if err := s.checkReferences(ctx, in); err != nil {
		return nil, nil, err
	}

	d := Details{
		EncounterID: in.EncounterID,
		OrderedBy:   actor,
		OrderType:   in.OrderType,
		Urgency:     in.Urgency,
		Status:      StatusPending,
		Department:  in.Department,
		Notes:       in.Notes,
		OrderedAt:   s.nowFunc().UTC(),
	}
	rec, outcome, err := s.dual.Create(ctx, coordinator.CreateRequest{
		Kind:  record.KindOrder,
		Actor: actor,
		Build: func(id string) (*record.Record, error) {
			withItems := d
			withItems.Items = numberItems(id, in.Items)
			return record.New(record.KindOrder, id, in.PatientID, withItems)
		},
		Resource: func(id string) emr.Resource {
			withItems := d
			withItems.Items = numberItems(id, in.Items)
			return withItems.ToFHIR(in.PatientID)
		},
		Summary: fmt.Sprintf("%s %s order for %s", in.Urgency, in.OrderType, in.PatientID),
	})
	if err != nil {
		return nil, outcome, err
	}
	o, err := FromRecord(rec)
	if err != nil {
		return nil, outcome, err
	}
	o.PatientID = in.PatientID

	if o.Urgency == UrgencyStat {
		s.emitter.Emit(events.NewAlert(o.Department,
			fmt.Sprintf("STAT %s order %s for patient %s", o.OrderType, orderRef(o), o.PatientID),
			events.SeverityCritical, map[string]string{
				"order_id":   o.ID,
				"patient_id": o.PatientID,
				"order_type": o.OrderType,
				"ordered_by": o.OrderedBy,
			}))
		s.logger.Info().Str("order_id", o.ID).Str("department", o.Department).Msg("stat order alert emitted")
	}
	return o, outcome, nil
}

func orderRef(o *Order) string {
	if o.ID != "" {
		return o.ID
	}
	if o.ExternalID != nil {
		return *o.ExternalID
	}
	return "(unsaved)"
}

func (s *Service) checkReferences(ctx context.Context, in CreateInput) error {
	if _, err := s.store.Get(ctx, record.KindPatient, in.PatientID); err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return apperr.Validation("patient %s does not exist", in.PatientID)
		}
		return err
	}
	if in.EncounterID == "" {
		return nil
	}
	enc, err := s.store.Get(ctx, record.KindEncounter, in.EncounterID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return apperr.Validation("encounter %s does not exist", in.EncounterID)
		}
		return err
	}
	if enc.Subject != in.PatientID {
		return apperr.Validation("encounter %s belongs to another patient", in.EncounterID)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	rec, err := s.store.Get(ctx, record.KindOrder, id)
	if err != nil {
		return nil, err
	}
	return FromRecord(rec)
}

// ListByPatient returns a patient's orders newest first. An empty patientID
// lists every order.
func (s *Service) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Order, int, error) {
	recs, total, err := s.store.List(ctx, record.KindOrder, record.Filter{Subject: patientID, Limit: limit, Offset: offset})
	if err != nil {
		return nil, 0, err
	}
	out := make([]*Order, 0, len(recs))
	for _, rec := range recs {
		o, err := FromRecord(rec)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, o)
	}
	return out, total, nil
}

// Execute completes a pending or approved order based on expectedVersion.
// Of two executions racing from the same version exactly one succeeds; the
// other gets CONCURRENCY_CONFLICT.
func (s *Service) Execute(ctx context.Context, actor, id, executedBy string, expectedVersion int) (*Order, error) {
	if executedBy == "" {
		executedBy = actor
	}
	var before json.RawMessage
	rec, err := s.guard.WithLock(ctx, record.KindOrder, id, expectedVersion, func(rec *record.Record) error {
		before = append(json.RawMessage(nil), rec.Fields...)
		var d Details
		if err := rec.DecodeFields(&d); err != nil {
			return apperr.Internal(err, "decode order %s", id)
		}
		if !executable[d.Status] {
			return apperr.Validation("order %s is %s and cannot be executed", id, d.Status)
		}
		now := s.nowFunc().UTC()
		d.Status = StatusCompleted
		d.ExecutedAt = &now
		d.ExecutedBy = executedBy
		return rec.EncodeFields(d)
	})
	if err != nil {
		return nil, err
	}
	s.emitter.Emit(events.Audit(actor, "execute", record.KindOrder, id, "executed by "+executedBy, before, rec.Fields))
	return FromRecord(rec)
}
