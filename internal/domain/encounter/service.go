// Package encounter records patient visits. Encounters live in the local
// cache only; their ids come from the shared sequence allocator and status
// changes run under the record lock.
package encounter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/recordsync/internal/platform/apperr"
	"github.com/ehr/recordsync/internal/platform/concurrency"
	"github.com/ehr/recordsync/internal/platform/events"
	"github.com/ehr/recordsync/internal/platform/record"
	"github.com/ehr/recordsync/internal/platform/sequence"
)

type Service struct {
	store   record.Store
	alloc   *sequence.Allocator
	guard   *concurrency.Guard
	emitter events.Emitter
	logger  zerolog.Logger
	nowFunc func() time.Time
}

func NewService(store record.Store, alloc *sequence.Allocator, guard *concurrency.Guard, emitter events.Emitter, logger zerolog.Logger) *Service {
	if emitter == nil {
		emitter = events.Discard
	}
	return &Service{store: store, alloc: alloc, guard: guard, emitter: emitter, logger: logger, nowFunc: time.Now}
}

// Create opens a scheduled encounter for an existing patient. The doctor
// defaults to the acting user.
func (s *Service) Create(ctx context.Context, actor string, in CreateInput) (*Encounter, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if _, err := s.store.Get(ctx, record.KindPatient, in.PatientID); err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.Validation("patient %s does not exist", in.PatientID)
		}
		return nil, err
	}

	d := Details{
		DoctorID:       in.DoctorID,
		EncounterType:  in.EncounterType,
		Department:     in.Department,
		ChiefComplaint: in.ChiefComplaint,
		Status:         StatusScheduled,
		EncounterDate:  s.nowFunc().UTC(),
	}
	if d.DoctorID == "" {
		d.DoctorID = actor
	}
	if in.EncounterDate != nil {
		d.EncounterDate = in.EncounterDate.UTC()
	}

	rec, err := s.alloc.Create(ctx, record.KindEncounter, func(id string) (*record.Record, error) {
		return record.New(record.KindEncounter, id, in.PatientID, d)
	})
	if err != nil {
		return nil, err
	}
	s.emitter.Emit(events.Audit(actor, "create", record.KindEncounter, rec.ID,
		fmt.Sprintf("%s encounter for %s", d.EncounterType, in.PatientID), nil, rec.Fields))
	return FromRecord(rec)
}

func (s *Service) Get(ctx context.Context, id string) (*Encounter, error) {
	rec, err := s.store.Get(ctx, record.KindEncounter, id)
	if err != nil {
		return nil, err
	}
	return FromRecord(rec)
}

// ListByPatient returns a patient's encounters newest first. An empty
// patientID lists every encounter.
func (s *Service) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Encounter, int, error) {
	recs, total, err := s.store.List(ctx, record.KindEncounter, record.Filter{Subject: patientID, Limit: limit, Offset: offset})
	if err != nil {
		return nil, 0, err
	}
	out := make([]*Encounter, 0, len(recs))
	for _, rec := range recs {
		enc, err := FromRecord(rec)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, enc)
	}
	return out, total, nil
}

// UpdateStatus moves the encounter to in.Status if the stored version still
// equals expectedVersion and the transition is allowed from the current
// status. A diagnosis, when given, is recorded with the change.
func (s *Service) UpdateStatus(ctx context.Context, actor, id string, expectedVersion int, in StatusInput) (*Encounter, error) {
	if !validStatuses[in.Status] {
		return nil, apperr.Validation("invalid status: %q", in.Status)
	}
	var before json.RawMessage
	rec, err := s.guard.WithLock(ctx, record.KindEncounter, id, expectedVersion, func(rec *record.Record) error {
		before = append(json.RawMessage(nil), rec.Fields...)
		var d Details
		if err := rec.DecodeFields(&d); err != nil {
			return apperr.Internal(err, "decode encounter %s", id)
		}
		if !canTransition(d.Status, in.Status) {
			return apperr.Validation("encounter %s cannot move from %s to %s", id, d.Status, in.Status)
		}
		d.StatusHistory = append(d.StatusHistory, StatusChange{
			From: d.Status,
			To:   in.Status,
			By:   actor,
			At:   s.nowFunc().UTC(),
		})
		d.Status = in.Status
		if in.Diagnosis != "" {
			d.Diagnosis = in.Diagnosis
		}
		return rec.EncodeFields(d)
	})
	if err != nil {
		return nil, err
	}
	s.emitter.Emit(events.Audit(actor, "status", record.KindEncounter, id, "status "+in.Status, before, rec.Fields))
	return FromRecord(rec)
}
