// Package idempotency deduplicates retried mutating requests. An entry is
// keyed by a fingerprint of (caller, idempotency key, path) and is either an
// in-flight marker or a cached response.
package idempotency

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// State of an entry.
type State string

const (
	StateInFlight State = "in_flight"
	StateDone     State = "done"
)

// Entry is what the gate stores under a fingerprint.
type Entry struct {
	State      State       `json:"state"`
	Owner      string      `json:"owner,omitempty"`
	Method     string      `json:"method"`
	Path       string      `json:"path"`
	StatusCode int         `json:"status_code,omitempty"`
	Headers    http.Header `json:"headers,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

func (e *Entry) clone() *Entry {
	cp := *e
	if e.Headers != nil {
		cp.Headers = e.Headers.Clone()
	}
	if e.Body != nil {
		cp.Body = append([]byte(nil), e.Body...)
	}
	return &cp
}

// Store is the key/value backend. Implementations must be safe for
// concurrent use and SetNX must be atomic.
type Store interface {
	// Get returns the live entry under key. ok is false when the key is
	// absent or expired.
	Get(ctx context.Context, key string) (entry *Entry, ok bool, err error)
	// SetNX stores entry only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, entry *Entry, ttl time.Duration) (bool, error)
	// Set stores entry unconditionally.
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
	// Release deletes key only while it holds the in-flight marker written
	// by owner, and reports whether it did.
	Release(ctx context.Context, key, owner string) (bool, error)
}

type memoryItem struct {
	entry     *Entry
	expiresAt time.Time
}

// MemoryStore is an in-process Store with TTL expiry and periodic cleanup.
type MemoryStore struct {
	mu      sync.Mutex
	items   map[string]memoryItem
	nowFunc func() time.Time // for testing; defaults to time.Now
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryStore creates a MemoryStore whose expired entries are swept every
// cleanupEvery (one minute when non-positive). Call Stop to end the sweeper.
func NewMemoryStore(cleanupEvery time.Duration) *MemoryStore {
	if cleanupEvery <= 0 {
		cleanupEvery = time.Minute
	}
	s := &MemoryStore{
		items:   make(map[string]memoryItem),
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}
	go s.cleanupLoop(cleanupEvery)
	return s
}

func (s *MemoryStore) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.stop:
			return
		}
	}
}

// Stop terminates the background cleanup goroutine.
func (s *MemoryStore) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *MemoryStore) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	for key, it := range s.items {
		if !now.Before(it.expiresAt) {
			delete(s.items, key)
		}
	}
}

// live returns the unexpired item under key. Callers hold s.mu.
func (s *MemoryStore) live(key string) (memoryItem, bool) {
	it, ok := s.items[key]
	if !ok {
		return memoryItem{}, false
	}
	if !s.nowFunc().Before(it.expiresAt) {
		delete(s.items, key)
		return memoryItem{}, false
	}
	return it, true
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.live(key)
	if !ok {
		return nil, false, nil
	}
	return it.entry.clone(), true, nil
}

func (s *MemoryStore) SetNX(_ context.Context, key string, entry *Entry, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.items[key] = memoryItem{entry: entry.clone(), expiresAt: s.nowFunc().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, entry *Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = memoryItem{entry: entry.clone(), expiresAt: s.nowFunc().Add(ttl)}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.live(key)
	if !ok || it.entry.State != StateInFlight || it.entry.Owner != owner {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// Len reports the number of stored entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
