// Package memory provides an in-process app.Registry backed by go-memdb. It
// serializes writers through memdb's single write transaction, which makes
// TryConsume linearizable within one process only. It exists for tests and
// single-binary experiments, not as a production registry.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/haukened/vanish/internal/app"
	"github.com/haukened/vanish/internal/domain"
)

var _ app.Registry = (*Registry)(nil)

const table = "files"

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		table: {
			Name: table,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Token"},
				},
				"storage_key": {
					Name:    "storage_key",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "StorageKey"},
				},
			},
		},
	},
}

// Registry is a go-memdb backed registry. Stored records are never mutated in
// place; every write inserts a fresh copy.
type Registry struct{ db *memdb.MemDB }

// New returns an empty Registry.
func New() (*Registry, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, err
	}
	return &Registry{db: db}, nil
}

func lookup(txn *memdb.Txn, index string, v string) (*domain.FileRecord, error) {
	raw, err := txn.First(table, index, v)
	if err != nil || raw == nil {
		return nil, err
	}
	return raw.(*domain.FileRecord), nil
}

// Create inserts a new record. Duplicate tokens or storage keys conflict.
func (r *Registry) Create(_ context.Context, n domain.NewRecord) (domain.FileRecord, error) {
	const op = "registry.create"
	txn := r.db.Txn(true)
	defer txn.Abort()
	if cur, err := lookup(txn, "id", n.Token.String()); err != nil {
		return domain.FileRecord{}, fmt.Errorf("%s: %w", op, err)
	} else if cur != nil {
		return domain.FileRecord{}, domain.Conflict(op, fmt.Errorf("token %s exists", n.Token.Short()))
	}
	if cur, err := lookup(txn, "storage_key", n.StorageKey); err != nil {
		return domain.FileRecord{}, fmt.Errorf("%s: %w", op, err)
	} else if cur != nil {
		return domain.FileRecord{}, domain.Conflict(op, fmt.Errorf("storage key %s exists", n.StorageKey))
	}
	rec := n.Record()
	if err := txn.Insert(table, &rec); err != nil {
		return domain.FileRecord{}, fmt.Errorf("%s: %w", op, err)
	}
	txn.Commit()
	return rec, nil
}

// Get returns a copy of the record for token.
func (r *Registry) Get(_ context.Context, token domain.Token) (domain.FileRecord, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	rec, err := lookup(txn, "id", token.String())
	if err != nil {
		return domain.FileRecord{}, fmt.Errorf("registry.get: %w", err)
	}
	if rec == nil {
		return domain.FileRecord{}, domain.NotFound("registry.get")
	}
	return *rec, nil
}

// TryConsume checks and increments inside one write transaction.
func (r *Registry) TryConsume(_ context.Context, token domain.Token, now time.Time) (app.Consumption, error) {
	const op = "registry.try_consume"
	txn := r.db.Txn(true)
	defer txn.Abort()
	cur, err := lookup(txn, "id", token.String())
	if err != nil {
		return app.Consumption{}, fmt.Errorf("%s: %w", op, err)
	}
	if cur == nil {
		return app.Consumption{}, domain.NotFound(op)
	}
	if err := cur.Check(op, now); err != nil {
		return app.Consumption{}, err
	}
	next := *cur
	next.DownloadCount++
	shouldDelete := next.Exhausted()
	if shouldDelete {
		next.IsDeleted = true
	}
	if err := txn.Insert(table, &next); err != nil {
		return app.Consumption{}, fmt.Errorf("%s: %w", op, err)
	}
	txn.Commit()
	return app.Consumption{Record: next, ShouldDelete: shouldDelete}, nil
}

// MarkDeleted sets IsDeleted. Unknown tokens are ignored.
func (r *Registry) MarkDeleted(_ context.Context, token domain.Token) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	cur, err := lookup(txn, "id", token.String())
	if err != nil {
		return fmt.Errorf("registry.mark_deleted: %w", err)
	}
	if cur == nil || cur.IsDeleted {
		return nil
	}
	next := *cur
	next.IsDeleted = true
	if err := txn.Insert(table, &next); err != nil {
		return fmt.Errorf("registry.mark_deleted: %w", err)
	}
	txn.Commit()
	return nil
}

// Delete removes the record. Unknown tokens are ignored.
func (r *Registry) Delete(_ context.Context, token domain.Token) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(table, "id", token.String()); err != nil {
		return fmt.Errorf("registry.delete: %w", err)
	}
	txn.Commit()
	return nil
}

// HasStorageKey reports whether any record references key.
func (r *Registry) HasStorageKey(_ context.Context, key string) (bool, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	rec, err := lookup(txn, "storage_key", key)
	if err != nil {
		return false, fmt.Errorf("registry.has_storage_key: %w", err)
	}
	return rec != nil, nil
}

// ScanExpiredActive pages active records whose expiry has passed.
func (r *Registry) ScanExpiredActive(_ context.Context, now time.Time, limit int, after app.Cursor) ([]domain.FileRecord, error) {
	return r.scan(limit, after, byExpiry, func(rec *domain.FileRecord) bool {
		return !rec.IsDeleted && rec.Expired(now)
	})
}

// ScanExhaustedActive pages active records whose quota is used up.
func (r *Registry) ScanExhaustedActive(_ context.Context, limit int, after app.Cursor) ([]domain.FileRecord, error) {
	return r.scan(limit, after, byCreated, func(rec *domain.FileRecord) bool {
		return !rec.IsDeleted && rec.Exhausted()
	})
}

// ScanPurgeable pages soft-deleted records that expired at or before horizon.
func (r *Registry) ScanPurgeable(_ context.Context, horizon time.Time, limit int, after app.Cursor) ([]domain.FileRecord, error) {
	return r.scan(limit, after, byExpiry, func(rec *domain.FileRecord) bool {
		return rec.IsDeleted && !rec.ExpiresAt.After(horizon)
	})
}

func byExpiry(r domain.FileRecord) time.Time  { return r.ExpiresAt }
func byCreated(r domain.FileRecord) time.Time { return r.CreatedAt }

// scan filters a full snapshot, orders it by (sortKey, token) and returns the
// page strictly after the cursor.
func (r *Registry) scan(limit int, after app.Cursor, sortKey func(domain.FileRecord) time.Time, match func(*domain.FileRecord) bool) ([]domain.FileRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	txn := r.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(table, "id")
	if err != nil {
		return nil, fmt.Errorf("registry.scan: %w", err)
	}
	var hits []domain.FileRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(*domain.FileRecord)
		if match(rec) {
			hits = append(hits, *rec)
		}
	}
	slices.SortFunc(hits, func(a, b domain.FileRecord) int {
		if c := sortKey(a).Compare(sortKey(b)); c != 0 {
			return c
		}
		return cmp.Compare(a.Token, b.Token)
	})
	if !after.IsZero() {
		i, _ := slices.BinarySearchFunc(hits, after, func(rec domain.FileRecord, c app.Cursor) int {
			if d := sortKey(rec).Compare(c.After); d != 0 {
				return d
			}
			return cmp.Compare(rec.Token, c.Token)
		})
		// skip an exact match of the cursor itself
		if i < len(hits) && sortKey(hits[i]).Equal(after.After) && hits[i].Token == after.Token {
			i++
		}
		hits = hits[i:]
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}
