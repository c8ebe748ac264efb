// Package sequence allocates the human-readable, year-scoped record ids
// ("P-2025-000032") shared by the local cache and the system of record.
//
// Historical data mixes zero-padding widths ("P-2025-030" next to
// "P-2025-000031"), so suffixes are parsed numerically and compared as
// integers. New ids are always written at CanonicalWidth.
package sequence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/recordsync/internal/platform/apperr"
	"github.com/ehr/recordsync/internal/platform/record"
)

const (
	// CanonicalWidth is the zero-padded width of newly issued suffixes.
	CanonicalWidth = 6
	// ItemWidth is the width of order line-item suffixes.
	ItemWidth = 3
	separator = "-"
)

// Prefix returns "<EntityPrefix>-<Year>-" for kind and year.
func Prefix(kind record.Kind, year int) string {
	return fmt.Sprintf("%s%s%04d%s", kind.Prefix(), separator, year, separator)
}

// ParseSuffix returns the numeric value of the last separator-delimited field
// of id. ok is false for an empty or non-numeric field.
func ParseSuffix(id string) (n int, ok bool) {
	field := id
	if i := strings.LastIndex(id, separator); i >= 0 {
		field = id[i+1:]
	}
	if field == "" {
		return 0, false
	}
	for _, r := range field {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(field)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Format renders an id at the canonical width. Suffixes wider than the
// canonical width are written in full.
func Format(kind record.Kind, year, n int) string {
	return fmt.Sprintf("%s%0*d", Prefix(kind, year), CanonicalWidth, n)
}

// Next returns the id following the largest suffix among existing ids that
// carry the (kind, year) prefix. Ids with other prefixes or malformed
// suffixes are ignored. With no match the first suffix is 1.
func Next(kind record.Kind, year int, existing []string) string {
	prefix := Prefix(kind, year)
	max := 0
	for _, id := range existing {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		if n, ok := ParseSuffix(id); ok && n > max {
			max = n
		}
	}
	return Format(kind, year, max+1)
}

// ItemID returns the id of the idx-th (1-based) line item of an order.
func ItemID(orderID string, idx int) string {
	return fmt.Sprintf("OI%s%s%s%0*d", separator, orderID, separator, ItemWidth, idx)
}

// BuildFunc assembles the record to insert under a freshly allocated id.
type BuildFunc func(id string) (*record.Record, error)

// Allocator issues ids and inserts the seeded record as one serialized step
// per (kind, year). Different kinds and years do not contend.
type Allocator struct {
	store   record.Store
	logger  zerolog.Logger
	nowFunc func() time.Time
}

// NewAllocator creates an Allocator over store.
func NewAllocator(store record.Store, logger zerolog.Logger) *Allocator {
	return &Allocator{store: store, logger: logger, nowFunc: time.Now}
}

// Create allocates the next id for kind in the current year and inserts the
// record returned by build.
func (a *Allocator) Create(ctx context.Context, kind record.Kind, build BuildFunc) (*record.Record, error) {
	return a.CreateForYear(ctx, kind, a.nowFunc().UTC().Year(), build)
}

// CreateForYear is Create with an explicit year.
func (a *Allocator) CreateForYear(ctx context.Context, kind record.Kind, year int, build BuildFunc) (*record.Record, error) {
	if !kind.Valid() {
		return nil, apperr.Validation("unknown record kind %q", kind)
	}
	var rec *record.Record
	err := a.store.InTx(ctx, func(ctx context.Context) error {
		if err := a.store.LockSequence(ctx, kind, strconv.Itoa(year)); err != nil {
			return err
		}
		id, err := a.next(ctx, kind, year)
		if err != nil {
			return err
		}
		r, err := build(id)
		if err != nil {
			return err
		}
		r.Kind, r.ID = kind, id
		if err := a.store.Insert(ctx, r); err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.logger.Debug().Str("kind", string(kind)).Str("id", rec.ID).Msg("id allocated")
	return rec, nil
}

// Peek reports the id the next create would receive. It takes no lock, so
// the answer is advisory.
func (a *Allocator) Peek(ctx context.Context, kind record.Kind, year int) (string, error) {
	if !kind.Valid() {
		return "", apperr.Validation("unknown record kind %q", kind)
	}
	return a.next(ctx, kind, year)
}

func (a *Allocator) next(ctx context.Context, kind record.Kind, year int) (string, error) {
	ids, err := a.store.ListIDs(ctx, kind, Prefix(kind, year))
	if err != nil {
		return "", fmt.Errorf("scan %s ids: %w", kind, err)
	}
	return Next(kind, year, ids), nil
}
