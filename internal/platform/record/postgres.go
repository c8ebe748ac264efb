package record

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/recordsync/internal/platform/apperr"
	"github.com/ehr/recordsync/internal/platform/db"
)

// Postgres error codes the store translates.
const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"
	pgDeadlock         = "40P01"
	pgSerialization    = "40001"
)

// PostgresStore is the production Store. Row locks are SELECT ... FOR UPDATE,
// sequence locks are transaction-scoped advisory locks, and both are bounded
// by SET LOCAL lock_timeout.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore wraps an open pool. The records table is created by the
// migrations in package db.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &PostgresStore{pool: pool, lockTimeout: lockTimeout}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (s *PostgresStore) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

func mapPGErr(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return apperr.Conflict("%s: already exists", what)
		case pgLockNotAvailable, pgDeadlock, pgSerialization:
			return apperr.Conflict("%s: locked by another writer", what)
		}
	}
	return apperr.Wrap(apperr.KindInternal, err, what)
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if db.TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Unavailable(apperr.StoreLocal, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return mapPGErr(err, "set lock timeout")
	}
	if err = fn(db.WithTx(ctx, tx)); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return mapPGErr(err, "commit")
	}
	return nil
}

const pgCols = `kind, id, version, external_id, subject, fields, created_at, updated_at`

func scanPG(row pgx.Row) (*Record, error) {
	var (
		r      Record
		kind   string
		fields []byte
	)
	if err := row.Scan(&kind, &r.ID, &r.Version, &r.ExternalID, &r.Subject, &fields, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Kind = Kind(kind)
	r.Fields = fields
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func (s *PostgresStore) LockRecord(ctx context.Context, kind Kind, id string) (*Record, error) {
	if db.TxFromContext(ctx) == nil {
		return nil, ErrNoTx
	}
	rec, err := scanPG(s.conn(ctx).QueryRow(ctx,
		`SELECT `+pgCols+` FROM records WHERE kind = $1 AND id = $2 FOR UPDATE`, string(kind), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound(string(kind), id)
	}
	if err != nil {
		return nil, mapPGErr(err, string(kind)+"/"+id)
	}
	return rec, nil
}

func (s *PostgresStore) LockSequence(ctx context.Context, kind Kind, scope string) error {
	if db.TxFromContext(ctx) == nil {
		return ErrNoTx
	}
	_, err := s.conn(ctx).Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "seq:"+string(kind)+"/"+scope)
	if err != nil {
		return mapPGErr(err, "sequence "+string(kind)+"/"+scope)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, kind Kind, id string) (*Record, error) {
	rec, err := scanPG(s.conn(ctx).QueryRow(ctx,
		`SELECT `+pgCols+` FROM records WHERE kind = $1 AND id = $2`, string(kind), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound(string(kind), id)
	}
	if err != nil {
		return nil, mapPGErr(err, "get record")
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context, kind Kind, f Filter) ([]*Record, int, error) {
	f = normalizeFilter(f)
	where := []string{"kind = $1"}
	args := []interface{}{string(kind)}
	idx := 2
	if f.Subject != "" {
		where = append(where, fmt.Sprintf("subject = $%d", idx))
		args = append(args, f.Subject)
		idx++
	}
	if f.Search != "" {
		where = append(where, fmt.Sprintf("fields::text ILIKE $%d", idx))
		args = append(args, "%"+likeEscape(f.Search)+"%")
		idx++
	}
	clause := strings.Join(where, " AND ")

	q := s.conn(ctx)
	var total int
	if err := q.QueryRow(ctx, "SELECT COUNT(*) FROM records WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, 0, mapPGErr(err, "count records")
	}

	query := fmt.Sprintf(`SELECT %s FROM records WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		pgCols, clause, idx, idx+1)
	rows, err := q.Query(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, mapPGErr(err, "list records")
	}
	defer rows.Close()

	out := []*Record{}
	for rows.Next() {
		rec, err := scanPG(rows)
		if err != nil {
			return nil, 0, mapPGErr(err, "scan record")
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) ListIDs(ctx context.Context, kind Kind, prefix string) ([]string, error) {
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT id FROM records WHERE kind = $1 AND id LIKE $2`, string(kind), likeEscape(prefix)+"%")
	if err != nil {
		return nil, mapPGErr(err, "list ids")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapPGErr(err, "scan id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		return apperr.Validation("record id is required")
	}
	fields := rec.Fields
	if len(fields) == 0 {
		fields = []byte("{}")
	}
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO records (kind, id, version, external_id, subject, fields)
		VALUES ($1, $2, 1, $3, $4, $5)
		RETURNING version, created_at, updated_at`,
		string(rec.Kind), rec.ID, rec.ExternalID, rec.Subject, []byte(fields),
	).Scan(&rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return mapPGErr(err, rec.Ref().String())
	}
	return nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, rec *Record, expected int) error {
	q := s.conn(ctx)
	err := q.QueryRow(ctx, `
		UPDATE records SET fields = $4, subject = $5, version = version + 1, updated_at = NOW()
		WHERE kind = $1 AND id = $2 AND version = $3
		RETURNING version, created_at, updated_at`,
		string(rec.Kind), rec.ID, expected, []byte(rec.Fields), rec.Subject,
	).Scan(&rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.Get(ctx, rec.Kind, rec.ID)
		if gerr != nil {
			return gerr
		}
		return apperr.Conflict("%s: expected version %d, found %d", rec.Ref(), expected, cur.Version)
	}
	if err != nil {
		return mapPGErr(err, "update record")
	}
	return nil
}

func (s *PostgresStore) LinkExternal(ctx context.Context, kind Kind, id, externalID string) error {
	tag, err := s.conn(ctx).Exec(ctx,
		`UPDATE records SET external_id = $3 WHERE kind = $1 AND id = $2 AND external_id IS NULL`,
		string(kind), id, externalID)
	if err != nil {
		return mapPGErr(err, "link external id")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := s.Get(ctx, kind, id)
	if err != nil {
		return err
	}
	if cur.HasExternal() && *cur.ExternalID == externalID {
		return nil
	}
	return apperr.Conflict("%s/%s is already linked", kind, id)
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// PoolStats exposes pgxpool statistics to the health endpoint.
func (s *PostgresStore) PoolStats() *db.PoolStats { return db.GetPoolStats(s.pool) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
