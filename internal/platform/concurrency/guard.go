// Package concurrency serializes mutations of a single record by combining a
// bounded-wait row lock with a version compare-and-swap.
package concurrency

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ehr/recordsync/internal/platform/apperr"
	"github.com/ehr/recordsync/internal/platform/record"
)

// Mutator edits rec in place. It runs while the row lock is held and must not
// perform network I/O.
type Mutator func(rec *record.Record) error

// ConflictObserver is notified of every conflict the guard reports.
type ConflictObserver interface {
	ObserveConflict(kind record.Kind)
}

// Guard runs mutators under the record's row lock.
type Guard struct {
	store    record.Store
	logger   zerolog.Logger
	observer ConflictObserver
}

// NewGuard creates a Guard over store. observer may be nil.
func NewGuard(store record.Store, logger zerolog.Logger, observer ConflictObserver) *Guard {
	return &Guard{store: store, logger: logger, observer: observer}
}

// WithLock locks (kind, id), checks that the stored version still equals
// expected, applies mutate and writes the result with a conditional update.
// A stale expected version or a lock that cannot be acquired in time yields
// a CONCURRENCY_CONFLICT error; the guard never retries.
func (g *Guard) WithLock(ctx context.Context, kind record.Kind, id string, expected int, mutate Mutator) (*record.Record, error) {
	if expected < 1 {
		return nil, apperr.Validation("expected version must be at least 1")
	}
	var out *record.Record
	err := g.store.InTx(ctx, func(ctx context.Context) error {
		cur, err := g.store.LockRecord(ctx, kind, id)
		if err != nil {
			return err
		}
		if cur.Version != expected {
			return apperr.Conflict("%s/%s: expected version %d, current version is %d", kind, id, expected, cur.Version)
		}
		next := cur.Clone()
		if err := mutate(next); err != nil {
			return err
		}
		next.Kind, next.ID = cur.Kind, cur.ID
		if err := g.store.CompareAndSwap(ctx, next, expected); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			g.logger.Info().Str("kind", string(kind)).Str("id", id).Int("expected_version", expected).
				Err(err).Msg("concurrent modification rejected")
			if g.observer != nil {
				g.observer.ObserveConflict(kind)
			}
		}
		return nil, err
	}
	return out, nil
}
