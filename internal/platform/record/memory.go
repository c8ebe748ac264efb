package record

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ehr/recordsync/internal/platform/apperr"
)

// MemoryStore is a concurrency-safe in-process Store. Row and sequence locks
// are weighted semaphores so that acquisition can be bounded by a deadline.
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[Ref]*Record
	locks       *lockTable
	lockTimeout time.Duration
	nowFunc     func() time.Time // for testing; defaults to time.Now
}

// NewMemoryStore creates an empty MemoryStore. A non-positive lockTimeout
// selects DefaultLockTimeout.
func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &MemoryStore{
		records:     make(map[Ref]*Record),
		locks:       &lockTable{entries: make(map[string]*lockEntry)},
		lockTimeout: lockTimeout,
		nowFunc:     time.Now,
	}
}

// lockTable hands out one semaphore per key. Entries are reference counted
// by holders and waiters and dropped when the last one lets go.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func (t *lockTable) get(key string) *semaphore.Weighted {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		t.entries[key] = e
	}
	e.refs++
	return e.sem
}

func (t *lockTable) put(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return
	}
	if e.refs--; e.refs <= 0 {
		delete(t.entries, key)
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

type memTxKey struct{}

type memTx struct {
	store *MemoryStore
	held  map[string]*semaphore.Weighted
	undo  map[Ref]*Record // prior state; nil means the row did not exist
}

func (s *MemoryStore) txFrom(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	if tx != nil && tx.store == s {
		return tx
	}
	return nil
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.txFrom(ctx) != nil {
		return fn(ctx)
	}
	tx := &memTx{store: s, held: make(map[string]*semaphore.Weighted), undo: make(map[Ref]*Record)}
	defer func() {
		for key, sem := range tx.held {
			sem.Release(1)
			s.locks.put(key)
		}
	}()

	err := fn(context.WithValue(ctx, memTxKey{}, tx))
	if err != nil {
		s.mu.Lock()
		for ref, prev := range tx.undo {
			if prev == nil {
				delete(s.records, ref)
			} else {
				s.records[ref] = prev
			}
		}
		s.mu.Unlock()
	}
	return err
}

func (s *MemoryStore) acquire(ctx context.Context, tx *memTx, key string) error {
	if _, ok := tx.held[key]; ok {
		return nil
	}
	sem := s.locks.get(key)
	lctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	if err := sem.Acquire(lctx, 1); err != nil {
		s.locks.put(key)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.Conflict("%s is locked by another writer", key)
	}
	tx.held[key] = sem
	return nil
}

func (tx *memTx) remember(ref Ref, prev *Record) {
	if _, seen := tx.undo[ref]; seen {
		return
	}
	if prev != nil {
		prev = prev.Clone()
	}
	tx.undo[ref] = prev
}

func (s *MemoryStore) LockRecord(ctx context.Context, kind Kind, id string) (*Record, error) {
	tx := s.txFrom(ctx)
	if tx == nil {
		return nil, ErrNoTx
	}
	if err := s.acquire(ctx, tx, "row:"+string(kind)+"/"+id); err != nil {
		return nil, err
	}
	return s.Get(ctx, kind, id)
}

func (s *MemoryStore) LockSequence(ctx context.Context, kind Kind, scope string) error {
	tx := s.txFrom(ctx)
	if tx == nil {
		return ErrNoTx
	}
	return s.acquire(ctx, tx, "seq:"+string(kind)+"/"+scope)
}

func (s *MemoryStore) Get(_ context.Context, kind Kind, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[Ref{Kind: kind, ID: id}]
	if !ok {
		return nil, apperr.NotFound(string(kind), id)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, kind Kind, f Filter) ([]*Record, int, error) {
	f = normalizeFilter(f)
	needle := strings.ToLower(f.Search)

	s.mu.RLock()
	var matched []*Record
	for ref, rec := range s.records {
		if ref.Kind != kind {
			continue
		}
		if f.Subject != "" && rec.Subject != f.Subject {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(string(rec.Fields)), needle) {
			continue
		}
		matched = append(matched, rec.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	if f.Offset >= total {
		return []*Record{}, total, nil
	}
	end := f.Offset + f.Limit
	if end > total {
		end = total
	}
	return matched[f.Offset:end], total, nil
}

func (s *MemoryStore) ListIDs(_ context.Context, kind Kind, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for ref := range s.records {
		if ref.Kind == kind && strings.HasPrefix(ref.ID, prefix) {
			ids = append(ids, ref.ID)
		}
	}
	return ids, nil
}

func (s *MemoryStore) Insert(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		return apperr.Validation("record id is required")
	}
	ref := rec.Ref()
	tx := s.txFrom(ctx)
	if tx != nil {
		if err := s.acquire(ctx, tx, "row:"+ref.String()); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[ref]; exists {
		return apperr.Conflict("%s already exists", ref)
	}
	now := s.nowFunc().UTC()
	rec.Version = 1
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if tx != nil {
		tx.remember(ref, nil)
	}
	s.records[ref] = rec.Clone()
	return nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, rec *Record, expected int) error {
	ref := rec.Ref()
	tx := s.txFrom(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[ref]
	if !ok {
		return apperr.NotFound(string(rec.Kind), rec.ID)
	}
	if cur.Version != expected {
		return apperr.Conflict("%s: expected version %d, found %d", ref, expected, cur.Version)
	}
	if tx != nil {
		tx.remember(ref, cur)
	}
	next := rec.Clone()
	next.Version = expected + 1
	next.CreatedAt = cur.CreatedAt
	next.ExternalID = cur.ExternalID
	next.UpdatedAt = s.nowFunc().UTC()
	s.records[ref] = next

	rec.Version = next.Version
	rec.CreatedAt = next.CreatedAt
	rec.UpdatedAt = next.UpdatedAt
	return nil
}

func (s *MemoryStore) LinkExternal(ctx context.Context, kind Kind, id, externalID string) error {
	ref := Ref{Kind: kind, ID: id}
	tx := s.txFrom(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[ref]
	if !ok {
		return apperr.NotFound(string(kind), id)
	}
	if cur.HasExternal() {
		if *cur.ExternalID == externalID {
			return nil
		}
		return apperr.Conflict("%s is already linked to %s", ref, *cur.ExternalID)
	}
	if tx != nil {
		tx.remember(ref, cur)
	}
	next := cur.Clone()
	next.ExternalID = &externalID
	s.records[ref] = next
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
