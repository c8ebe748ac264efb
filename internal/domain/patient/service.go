// Package patient manages patient demographics. Creates are written to both
// stores; contact fields owned by the EMR change through write-through and
// clinical fields kept only locally change under the record lock.
package patient

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
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
	store     record.Store
	dual      *coordinator.DualWriter
	wt        *coordinator.WriteThrough
	guard     *concurrency.Guard
	emitter   events.Emitter
	ownership *Ownership
	logger    zerolog.Logger
	nowFunc   func() time.Time
}

func NewService(store record.Store, dual *coordinator.DualWriter, wt *coordinator.WriteThrough,
	guard *concurrency.Guard, emitter events.Emitter, ownership *Ownership, logger zerolog.Logger) *Service {
	if emitter == nil {
		emitter = events.Discard
	}
	if ownership == nil {
		ownership = DefaultOwnership()
	}
	return &Service{
		store:     store,
		dual:      dual,
		wt:        wt,
		guard:     guard,
		emitter:   emitter,
		ownership: ownership,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// Create registers a patient in the local cache and the EMR. The returned
// patient has no id when only the EMR accepted it.
func (s *Service) Create(ctx context.Context, actor string, d Demographics) (*Patient, coordinator.Outcome, error) {
	if err := d.Validate(s.nowFunc().UTC()); err != nil {
		return nil, nil, err
	}
	rec, outcome, err := s.dual.Create(ctx, coordinator.CreateRequest{
		Kind:  record.KindPatient,
		Actor: actor,
		Build: func(id string) (*record.Record, error) {
			return record.New(record.KindPatient, id, "", d)
		},
		Resource: func(string) emr.Resource { return d.ToFHIR() },
		Summary:  "patient " + d.FullName(),
	})
	if err != nil {
		return nil, outcome, err
	}
	p, err := FromRecord(rec)
	if err != nil {
		return nil, outcome, err
	}
	return p, outcome, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Patient, error) {
	rec, err := s.store.Get(ctx, record.KindPatient, id)
	if err != nil {
		return nil, err
	}
	return FromRecord(rec)
}

// List returns patients newest first. q matches names and contact fields.
func (s *Service) List(ctx context.Context, q string, limit, offset int) ([]*Patient, int, error) {
	recs, total, err := s.store.List(ctx, record.KindPatient, record.Filter{
		Search: strings.TrimSpace(q),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, 0, err
	}
	out := make([]*Patient, 0, len(recs))
	for _, rec := range recs {
		p, err := FromRecord(rec)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, nil
}

// Patch applies a partial update based on expectedVersion. When the patch
// names any EMR-owned field the whole patch goes through write-through, so
// the local-only fields land in the same version bump as the EMR fields.
func (s *Service) Patch(ctx context.Context, actor, id string, expectedVersion int, patch map[string]json.RawMessage) (*Patient, error) {
	if len(patch) == 0 {
		return nil, apperr.Validation("patch names no fields")
	}
	changes := emr.Changes{}
	names := make([]string, 0, len(patch))
	for field, raw := range patch {
		switch s.ownership.Owner(field) {
		case OwnerEMR:
			var v string
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, apperr.Validation("%s must be a string", field)
			}
			changes[field] = strings.TrimSpace(v)
		case OwnerLocal:
		default:
			return nil, apperr.Validation("field %q cannot be patched", field)
		}
		names = append(names, field)
	}
	sort.Strings(names)
	summary := "patient fields " + strings.Join(names, ", ")

	apply := func(rec *record.Record) error {
		var d Demographics
		if err := rec.DecodeFields(&d); err != nil {
			return apperr.Internal(err, "decode patient %s", rec.ID)
		}
		for _, field := range names {
			if err := d.set(field, patch[field]); err != nil {
				return err
			}
		}
		return rec.EncodeFields(d)
	}
	// Field errors must surface before anything reaches the EMR.
	if err := apply(&record.Record{Kind: record.KindPatient, ID: id, Fields: json.RawMessage("{}")}); err != nil {
		return nil, err
	}

	var (
		rec *record.Record
		err error
	)
	if len(changes) > 0 {
		rec, err = s.wt.Update(ctx, coordinator.UpdateRequest{
			Kind:            record.KindPatient,
			ID:              id,
			ExpectedVersion: expectedVersion,
			Actor:           actor,
			Changes:         changes,
			Apply:           apply,
			Summary:         summary,
		})
	} else {
		rec, err = s.patchLocal(ctx, actor, id, expectedVersion, apply, summary)
	}
	if err != nil {
		return nil, err
	}
	return FromRecord(rec)
}

func (s *Service) patchLocal(ctx context.Context, actor, id string, expected int, apply concurrency.Mutator, summary string) (*record.Record, error) {
	var before json.RawMessage
	rec, err := s.guard.WithLock(ctx, record.KindPatient, id, expected, func(rec *record.Record) error {
		before = append(json.RawMessage(nil), rec.Fields...)
		return apply(rec)
	})
	if err != nil {
		return nil, err
	}
	s.emitter.Emit(events.Audit(actor, "update", record.KindPatient, id, summary, before, rec.Fields))
	s.logger.Debug().Str("id", id).Int("version", rec.Version).Msg("patient local fields updated")
	return rec, nil
}
