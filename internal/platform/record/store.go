package record

import (
	"context"
	"errors"
	"time"
)

// DefaultLockTimeout bounds how long a writer waits for a row or sequence lock.
const DefaultLockTimeout = 3 * time.Second

// ErrNoTx is returned when a lock is requested outside Store.InTx.
var ErrNoTx = errors.New("record: lock requested outside a transaction")

// Filter narrows List results. Search is a case-insensitive substring match
// against the serialized fields.
type Filter struct {
	Subject string
	Search  string
	Limit   int
	Offset  int
}

// Store is the local cache. All backends share these semantics:
//
//   - Get returns an apperr NotFound error for a missing record.
//   - Insert stores a version-1 record; a duplicate (kind, id) is a conflict.
//   - InTx runs fn in a transaction; nested calls join the outer one. Locks
//     taken inside are released when fn returns.
//   - LockRecord takes an exclusive row lock and returns the current row. It
//     waits at most the store's lock timeout, then fails with a conflict.
//   - LockSequence serializes id allocation for one (kind, scope) pair.
//   - CompareAndSwap writes rec's fields and subject only if the stored
//     version equals expected, then sets rec.Version to expected+1.
//   - LinkExternal sets the external id of a record that has none. It
//     completes a create and does not bump the version.
type Store interface {
	Get(ctx context.Context, kind Kind, id string) (*Record, error)
	List(ctx context.Context, kind Kind, f Filter) ([]*Record, int, error)
	ListIDs(ctx context.Context, kind Kind, prefix string) ([]string, error)
	Insert(ctx context.Context, rec *Record) error
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	LockRecord(ctx context.Context, kind Kind, id string) (*Record, error)
	LockSequence(ctx context.Context, kind Kind, scope string) error
	CompareAndSwap(ctx context.Context, rec *Record, expected int) error
	LinkExternal(ctx context.Context, kind Kind, id, externalID string) error
	Ping(ctx context.Context) error
	Close() error
}

func normalizeFilter(f Filter) Filter {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
