package concurrency

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/recordsync/internal/platform/apperr"
	"github.com/ehr/recordsync/internal/platform/record"
)

type order struct {
	Status     string `json:"status"`
	ExecutedBy string `json:"executed_by,omitempty"`
}

type countingObserver struct{ n atomic.Int32 }

func (c *countingObserver) ObserveConflict(record.Kind) { c.n.Add(1) }

func seedOrder(t *testing.T, s record.Store, version int) {
	t.Helper()
	ctx := context.Background()
	rec, err := record.New(record.KindOrder, "O-2025-000001", "P-2025-000001", order{Status: "pending"})
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, rec))
	for v := 1; v < version; v++ {
		require.NoError(t, s.CompareAndSwap(ctx, rec, v))
	}
}

func stores(t *testing.T, lockTimeout time.Duration) map[string]record.Store {
	sqlite, err := record.NewSQLiteStore(filepath.Join(t.TempDir(), "guard.db"), lockTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]record.Store{
		"memory": record.NewMemoryStore(lockTimeout),
		"sqlite": sqlite,
	}
}

func execute(by string) Mutator {
	return func(rec *record.Record) error {
		var o order
		if err := rec.DecodeFields(&o); err != nil {
			return err
		}
		o.Status, o.ExecutedBy = "completed", by
		return rec.EncodeFields(o)
	}
}

func TestWithLock_AppliesMutation(t *testing.T) {
	for name, s := range stores(t, time.Second) {
		t.Run(name, func(t *testing.T) {
			seedOrder(t, s, 3)
			g := NewGuard(s, zerolog.Nop(), nil)

			rec, err := g.WithLock(context.Background(), record.KindOrder, "O-2025-000001", 3, execute("dr-1"))
			require.NoError(t, err)
			assert.Equal(t, 4, rec.Version)

			got, err := s.Get(context.Background(), record.KindOrder, "O-2025-000001")
			require.NoError(t, err)
			var o order
			require.NoError(t, got.DecodeFields(&o))
			assert.Equal(t, "completed", o.Status)
			assert.Equal(t, 4, got.Version)
		})
	}
}

func TestWithLock_StaleVersion(t *testing.T) {
	s := record.NewMemoryStore(time.Second)
	seedOrder(t, s, 2)
	obs := &countingObserver{}
	g := NewGuard(s, zerolog.Nop(), obs)

	called := false
	_, err := g.WithLock(context.Background(), record.KindOrder, "O-2025-000001", 1, func(*record.Record) error {
		called = true
		return nil
	})
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.False(t, called, "mutator must not run on a stale version")
	assert.Equal(t, int32(1), obs.n.Load())
}

func TestWithLock_MutatorErrorLeavesRecord(t *testing.T) {
	s := record.NewMemoryStore(time.Second)
	seedOrder(t, s, 1)
	g := NewGuard(s, zerolog.Nop(), nil)

	bad := apperr.Validation("order already cancelled")
	_, err := g.WithLock(context.Background(), record.KindOrder, "O-2025-000001", 1, func(rec *record.Record) error {
		_ = rec.EncodeFields(order{Status: "garbage"})
		return bad
	})
	assert.ErrorIs(t, err, bad)

	got, err := s.Get(context.Background(), record.KindOrder, "O-2025-000001")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
}

func TestWithLock_Missing(t *testing.T) {
	g := NewGuard(record.NewMemoryStore(time.Second), zerolog.Nop(), nil)
	_, err := g.WithLock(context.Background(), record.KindOrder, "O-2025-000404", 1, execute("x"))
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = g.WithLock(context.Background(), record.KindOrder, "O-2025-000404", 0, execute("x"))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

// Two executions racing on version 3: exactly one reaches version 4.
func TestWithLock_ConcurrentSameVersion(t *testing.T) {
	for name, s := range stores(t, 5*time.Second) {
		t.Run(name, func(t *testing.T) {
			seedOrder(t, s, 3)
			obs := &countingObserver{}
			g := NewGuard(s, zerolog.Nop(), obs)

			const writers = 2
			start := make(chan struct{})
			errs := make([]error, writers)
			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					_, errs[i] = g.WithLock(context.Background(), record.KindOrder, "O-2025-000001", 3, func(rec *record.Record) error {
						time.Sleep(20 * time.Millisecond)
						return execute("dr-" + string(rune('a'+i)))(rec)
					})
				}(i)
			}
			close(start)
			wg.Wait()

			var ok, conflicts int
			for _, err := range errs {
				switch {
				case err == nil:
					ok++
				case apperr.Is(err, apperr.KindConflict):
					conflicts++
				default:
					t.Fatalf("unexpected error: %v", err)
				}
			}
			assert.Equal(t, 1, ok)
			assert.Equal(t, 1, conflicts)
			assert.Equal(t, int32(1), obs.n.Load())

			got, err := s.Get(context.Background(), record.KindOrder, "O-2025-000001")
			require.NoError(t, err)
			assert.Equal(t, 4, got.Version)
		})
	}
}

func TestWithLock_LockTimeoutIsConflict(t *testing.T) {
	s := record.NewMemoryStore(50 * time.Millisecond)
	seedOrder(t, s, 1)
	g := NewGuard(s, zerolog.Nop(), nil)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = g.WithLock(context.Background(), record.KindOrder, "O-2025-000001", 1, func(*record.Record) error {
			close(held)
			<-release
			return errors.New("abandon")
		})
	}()
	<-held
	defer close(release)

	_, err := g.WithLock(context.Background(), record.KindOrder, "O-2025-000001", 1, execute("x"))
	assert.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)
}

func TestWithLock_DifferentRecordsDoNotContend(t *testing.T) {
	s := record.NewMemoryStore(50 * time.Millisecond)
	ctx := context.Background()
	for _, id := range []string{"O-2025-000001", "O-2025-000002"} {
		rec, err := record.New(record.KindOrder, id, "", order{Status: "pending"})
		require.NoError(t, err)
		require.NoError(t, s.Insert(ctx, rec))
	}
	g := NewGuard(s, zerolog.Nop(), nil)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = g.WithLock(ctx, record.KindOrder, "O-2025-000001", 1, func(rec *record.Record) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	rec, err := g.WithLock(ctx, record.KindOrder, "O-2025-000002", 1, execute("x"))
	close(release)
	<-done
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)
}
