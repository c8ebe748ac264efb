package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"

	"github.com/ehr/recordsync/internal/platform/apperr"
)

// SQLite result codes (primary code in the low byte of the extended code).
const (
	sqliteBusy       = 5
	sqliteLocked     = 6
	sqliteConstraint = 19
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	kind        TEXT    NOT NULL,
	id          TEXT    NOT NULL,
	version     INTEGER NOT NULL CHECK (version >= 1),
	external_id TEXT,
	subject     TEXT    NOT NULL DEFAULT '',
	fields      TEXT    NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (kind, id)
);
CREATE UNIQUE INDEX IF NOT EXISTS records_external_idx ON records (kind, external_id) WHERE external_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS records_subject_idx ON records (kind, subject);`

// SQLiteStore is an embedded Store backed by modernc.org/sqlite. Every
// transaction starts with BEGIN IMMEDIATE, so SQLite's database-wide writer
// lock provides both the row and the sequence lock; busy_timeout bounds the wait.
type SQLiteStore struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// the schema.
func NewSQLiteStore(path string, lockTimeout time.Duration) (*SQLiteStore, error) {
	if path == "" {
		path = "recordsync.db"
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		path, lockTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create records table: %w", err)
	}
	return &SQLiteStore{db: db, nowFunc: time.Now}, nil
}

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type sqliteTxKey struct{}

type sqliteTx struct {
	store *SQLiteStore
	tx    *sql.Tx
}

func (s *SQLiteStore) txFrom(ctx context.Context) *sqliteTx {
	t, _ := ctx.Value(sqliteTxKey{}).(*sqliteTx)
	if t != nil && t.store == s {
		return t
	}
	return nil
}

func (s *SQLiteStore) conn(ctx context.Context) sqlQuerier {
	if t := s.txFrom(ctx); t != nil {
		return t.tx
	}
	return s.db
}

func sqliteCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() & 0xff
	}
	return 0
}

func (s *SQLiteStore) mapErr(err error, what string) error {
	switch sqliteCode(err) {
	case sqliteBusy, sqliteLocked:
		return apperr.Conflict("%s: database is locked by another writer", what)
	case sqliteConstraint:
		return apperr.Conflict("%s: already exists", what)
	}
	return apperr.Wrap(apperr.KindInternal, err, what)
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if s.txFrom(ctx) != nil {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.mapErr(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(context.WithValue(ctx, sqliteTxKey{}, &sqliteTx{store: s, tx: tx})); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return s.mapErr(err, "commit")
	}
	return nil
}

func (s *SQLiteStore) LockRecord(ctx context.Context, kind Kind, id string) (*Record, error) {
	if s.txFrom(ctx) == nil {
		return nil, ErrNoTx
	}
	return s.Get(ctx, kind, id)
}

func (s *SQLiteStore) LockSequence(ctx context.Context, _ Kind, _ string) error {
	if s.txFrom(ctx) == nil {
		return ErrNoTx
	}
	return nil
}

const sqliteCols = `kind, id, version, external_id, subject, fields, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLite(row rowScanner) (*Record, error) {
	var (
		r                Record
		ext              sql.NullString
		fields           string
		created, updated int64
	)
	if err := row.Scan(&r.Kind, &r.ID, &r.Version, &ext, &r.Subject, &fields, &created, &updated); err != nil {
		return nil, err
	}
	if ext.Valid {
		v := ext.String
		r.ExternalID = &v
	}
	r.Fields = []byte(fields)
	r.CreatedAt = time.Unix(0, created).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()
	return &r, nil
}

func (s *SQLiteStore) Get(ctx context.Context, kind Kind, id string) (*Record, error) {
	rec, err := scanSQLite(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+sqliteCols+` FROM records WHERE kind = ? AND id = ?`, string(kind), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(string(kind), id)
	}
	if err != nil {
		return nil, s.mapErr(err, "get record")
	}
	return rec, nil
}

func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *SQLiteStore) List(ctx context.Context, kind Kind, f Filter) ([]*Record, int, error) {
	f = normalizeFilter(f)
	where := `kind = ?`
	args := []interface{}{string(kind)}
	if f.Subject != "" {
		where += ` AND subject = ?`
		args = append(args, f.Subject)
	}
	if f.Search != "" {
		where += ` AND fields LIKE ? ESCAPE '\'`
		args = append(args, "%"+likeEscape(f.Search)+"%")
	}

	q := s.conn(ctx)
	var total int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, s.mapErr(err, "count records")
	}
	rows, err := q.QueryContext(ctx,
		`SELECT `+sqliteCols+` FROM records WHERE `+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, s.mapErr(err, "list records")
	}
	defer func() { _ = rows.Close() }()

	out := []*Record{}
	for rows.Next() {
		rec, err := scanSQLite(rows)
		if err != nil {
			return nil, 0, s.mapErr(err, "scan record")
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func (s *SQLiteStore) ListIDs(ctx context.Context, kind Kind, prefix string) ([]string, error) {
	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT id FROM records WHERE kind = ? AND substr(id, 1, ?) = ?`, string(kind), len(prefix), prefix)
	if err != nil {
		return nil, s.mapErr(err, "list ids")
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, s.mapErr(err, "scan id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Insert(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		return apperr.Validation("record id is required")
	}
	now := s.nowFunc().UTC()
	rec.Version = 1
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	var ext interface{}
	if rec.ExternalID != nil {
		ext = *rec.ExternalID
	}
	_, err := s.conn(ctx).ExecContext(ctx,
		`INSERT INTO records (`+sqliteCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.Kind), rec.ID, rec.Version, ext, rec.Subject, string(rec.Fields),
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
	if err != nil {
		return s.mapErr(err, rec.Ref().String())
	}
	return nil
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, rec *Record, expected int) error {
	now := s.nowFunc().UTC()
	q := s.conn(ctx)
	res, err := q.ExecContext(ctx,
		`UPDATE records SET fields = ?, subject = ?, version = version + 1, updated_at = ?
		 WHERE kind = ? AND id = ? AND version = ?`,
		string(rec.Fields), rec.Subject, now.UnixNano(), string(rec.Kind), rec.ID, expected)
	if err != nil {
		return s.mapErr(err, "update record")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.mapErr(err, "update record")
	}
	if n == 0 {
		cur, err := s.Get(ctx, rec.Kind, rec.ID)
		if err != nil {
			return err
		}
		return apperr.Conflict("%s: expected version %d, found %d", rec.Ref(), expected, cur.Version)
	}
	rec.Version = expected + 1
	rec.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) LinkExternal(ctx context.Context, kind Kind, id, externalID string) error {
	res, err := s.conn(ctx).ExecContext(ctx,
		`UPDATE records SET external_id = ? WHERE kind = ? AND id = ? AND external_id IS NULL`,
		externalID, string(kind), id)
	if err != nil {
		return s.mapErr(err, "link external id")
	}
	if n, _ := res.RowsAffected(); n == 1 {
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

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }
