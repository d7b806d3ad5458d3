// Package sqlite provides a SQLite-backed implementation of the app.Registry
// port. All lifecycle state lives in the files table; the consume gate is a
// single conditional UPDATE so concurrent downloads of the same token are
// serialized by SQLite itself.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/haukened/vanish/internal/app"
	"github.com/haukened/vanish/internal/domain"
)

var _ app.Registry = (*Registry)(nil)

// DSNParams are appended to every database path by DSN. _txlock=immediate
// makes BeginTx take the write lock up front, so a consume transaction never
// fails half way with SQLITE_BUSY on lock upgrade.
const DSNParams = "_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_synchronous=FULL&_txlock=immediate"

// DSN returns the go-sqlite3 connection string for the database file at path.
func DSN(path string) string { return "file:" + path + "?" + DSNParams }

// Open opens the database at path and initializes the schema.
func Open(ctx context.Context, path string) (*sql.DB, *Registry, error) {
	db, err := sql.Open("sqlite3", DSN(path))
	if err != nil {
		return nil, nil, err
	}
	r, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, r, nil
}

// Registry implements app.Registry using SQLite (via database/sql). It is safe
// for concurrent use.
type Registry struct{ db *sql.DB }

// New constructs a Registry, initializing the required schema if absent.
func New(ctx context.Context, db *sql.DB) (*Registry, error) {
	r := &Registry{db: db}
	if err := r.init(ctx); err != nil {
		return nil, fmt.Errorf("init registry schema: %w", err)
	}
	return r, nil
}

func (r *Registry) init(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS files (
	token TEXT PRIMARY KEY,
	storage_key TEXT NOT NULL UNIQUE,
	original_name TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	size INTEGER NOT NULL CHECK (size >= 0),
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	max_downloads INTEGER NOT NULL CHECK (max_downloads >= 1),
	download_count INTEGER NOT NULL DEFAULT 0 CHECK (download_count >= 0),
	is_deleted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_files_active_expiry ON files (is_deleted, expires_at, token);
CREATE INDEX IF NOT EXISTS idx_files_active_created ON files (is_deleted, created_at, token);`
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// Ping reports whether the database is reachable. Used by readiness probes.
func (r *Registry) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

const columns = `token, storage_key, original_name, mime_type, size, created_at, expires_at, max_downloads, download_count, is_deleted`

type scanner interface{ Scan(dest ...any) error }

func scanRecord(s scanner) (domain.FileRecord, error) {
	var (
		rec              domain.FileRecord
		token            string
		created, expires int64
		deleted          int
	)
	if err := s.Scan(&token, &rec.StorageKey, &rec.OriginalName, &rec.MimeType, &rec.Size, &created, &expires, &rec.MaxDownloads, &rec.DownloadCount, &deleted); err != nil {
		return domain.FileRecord{}, err
	}
	rec.Token = domain.Token(token)
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.ExpiresAt = time.UnixMilli(expires).UTC()
	rec.IsDeleted = deleted != 0
	return rec, nil
}

// Create inserts a new record with zero downloads.
func (r *Registry) Create(ctx context.Context, n domain.NewRecord) (domain.FileRecord, error) {
	const op = "registry.create"
	const q = `INSERT INTO files (token, storage_key, original_name, mime_type, size, created_at, expires_at, max_downloads) VALUES (?,?,?,?,?,?,?,?)`
	_, err := r.db.ExecContext(ctx, q, n.Token.String(), n.StorageKey, n.OriginalName, n.MimeType, n.Size, n.CreatedAt.UnixMilli(), n.ExpiresAt.UnixMilli(), n.MaxDownloads)
	if err != nil {
		if isDuplicate(err) {
			return domain.FileRecord{}, domain.Conflict(op, err)
		}
		return domain.FileRecord{}, fmt.Errorf("%s: %w", op, err)
	}
	rec := n.Record()
	rec.CreatedAt = time.UnixMilli(n.CreatedAt.UnixMilli()).UTC()
	rec.ExpiresAt = time.UnixMilli(n.ExpiresAt.UnixMilli()).UTC()
	return rec, nil
}

// isDuplicate reports a token or storage key collision. CHECK and NOT NULL
// failures are not conflicts; a fresh token would not fix them.
func isDuplicate(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// Get returns the record for token.
func (r *Registry) Get(ctx context.Context, token domain.Token) (domain.FileRecord, error) {
	return r.get(ctx, r.db, "registry.get", token)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *Registry) get(ctx context.Context, q querier, op string, token domain.Token) (domain.FileRecord, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx, `SELECT `+columns+` FROM files WHERE token=?`, token.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.FileRecord{}, domain.NotFound(op)
		}
		return domain.FileRecord{}, fmt.Errorf("%s: %w", op, err)
	}
	return rec, nil
}

// TryConsume runs the consume gate as one conditional UPDATE. The increment
// that reaches max_downloads also sets is_deleted in the same statement. When
// no row qualifies, the current row is read inside the same transaction to
// report why.
func (r *Registry) TryConsume(ctx context.Context, token domain.Token, now time.Time) (app.Consumption, error) {
	const op = "registry.try_consume"
	const q = `UPDATE files
SET download_count = download_count + 1,
	is_deleted = CASE WHEN download_count + 1 >= max_downloads THEN 1 ELSE 0 END
WHERE token = ? AND is_deleted = 0 AND expires_at > ? AND download_count < max_downloads
RETURNING ` + columns

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return app.Consumption{}, fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanRecord(tx.QueryRowContext(ctx, q, token.String(), now.UnixMilli()))
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		cur, gerr := r.get(ctx, tx, op, token)
		if gerr != nil {
			return app.Consumption{}, gerr
		}
		if cerr := cur.Check(op, now); cerr != nil {
			return app.Consumption{}, cerr
		}
		// The row qualifies now but did not a moment ago only if the clock
		// moved under us; report it as expired rather than looping.
		return app.Consumption{}, domain.Gone(op, domain.ReasonExpired)
	default:
		return app.Consumption{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return app.Consumption{}, fmt.Errorf("%s: commit: %w", op, err)
	}
	return app.Consumption{Record: rec, ShouldDelete: rec.DownloadCount == rec.MaxDownloads}, nil
}

// MarkDeleted sets is_deleted. Unknown tokens are ignored.
func (r *Registry) MarkDeleted(ctx context.Context, token domain.Token) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE files SET is_deleted = 1 WHERE token = ?`, token.String()); err != nil {
		return fmt.Errorf("registry.mark_deleted: %w", err)
	}
	return nil
}

// Delete removes the row. Unknown tokens are ignored.
func (r *Registry) Delete(ctx context.Context, token domain.Token) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM files WHERE token = ?`, token.String()); err != nil {
		return fmt.Errorf("registry.delete: %w", err)
	}
	return nil
}

// HasStorageKey reports whether any row references key.
func (r *Registry) HasStorageKey(ctx context.Context, key string) (bool, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM files WHERE storage_key = ?`, key).Scan(&n); err != nil {
		return false, fmt.Errorf("registry.has_storage_key: %w", err)
	}
	return n > 0, nil
}

// ScanExpiredActive pages active rows whose expiry has passed.
func (r *Registry) ScanExpiredActive(ctx context.Context, now time.Time, limit int, after app.Cursor) ([]domain.FileRecord, error) {
	return r.scan(ctx, "registry.scan_expired", "is_deleted = 0 AND expires_at <= ?", []any{now.UnixMilli()}, "expires_at", limit, after)
}

// ScanExhaustedActive pages active rows whose quota is used up.
func (r *Registry) ScanExhaustedActive(ctx context.Context, limit int, after app.Cursor) ([]domain.FileRecord, error) {
	return r.scan(ctx, "registry.scan_exhausted", "is_deleted = 0 AND download_count >= max_downloads", nil, "created_at", limit, after)
}

// ScanPurgeable pages soft-deleted rows that expired at or before horizon.
func (r *Registry) ScanPurgeable(ctx context.Context, horizon time.Time, limit int, after app.Cursor) ([]domain.FileRecord, error) {
	return r.scan(ctx, "registry.scan_purgeable", "is_deleted = 1 AND expires_at <= ?", []any{horizon.UnixMilli()}, "expires_at", limit, after)
}

// scan runs a keyset-paginated SELECT ordered by (orderCol, token). orderCol
// is always one of the fixed column names above.
func (r *Registry) scan(ctx context.Context, op, where string, args []any, orderCol string, limit int, after app.Cursor) ([]domain.FileRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	var b strings.Builder
	b.WriteString(`SELECT ` + columns + ` FROM files WHERE ` + where)
	if !after.IsZero() {
		fmt.Fprintf(&b, " AND (%[1]s > ? OR (%[1]s = ? AND token > ?))", orderCol)
		ms := after.After.UnixMilli()
		args = append(args, ms, ms, after.Token.String())
	}
	fmt.Fprintf(&b, " ORDER BY %s, token LIMIT ?", orderCol)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []domain.FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
