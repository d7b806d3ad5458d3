// Package app defines the application layer "ports" (interfaces) and simple
// data contracts that the file lifecycle core of Vanish depends upon. It
// follows a hexagonal (ports & adapters) design: this package declares what
// the core needs, while adapter packages (SQLite registry, filesystem and
// object storage, HTTP layer, reaper) provide concrete implementations.
package app

import (
	"context"
	"io"
	"time"

	"github.com/haukened/vanish/internal/domain"
)

// Clock abstracts time to enable deterministic testing of expiry logic.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
}

// Consumption is the result of a granted download.
type Consumption struct {
	Record domain.FileRecord
	// ShouldDelete is true for exactly one consumption per record: the one
	// that took DownloadCount to MaxDownloads. The caller owns blob removal.
	ShouldDelete bool
}

// Cursor is a keyset position for resumable scans. The zero Cursor starts
// from the beginning. After is the sort timestamp of the last row seen and
// Token breaks ties.
type Cursor struct {
	After time.Time
	Token domain.Token
}

// IsZero reports whether c is the starting cursor.
func (c Cursor) IsZero() bool { return c.After.IsZero() && c.Token == "" }

// Registry is the durable metadata port. It is the single source of truth for
// expiry, quota and soft-delete state.
type Registry interface {
	// Create persists a new record with zero downloads. A duplicate token
	// fails with a domain.KindConflict error.
	Create(ctx context.Context, rec domain.NewRecord) (domain.FileRecord, error)

	// Get is a point lookup. Absent tokens fail with domain.KindNotFound.
	Get(ctx context.Context, token domain.Token) (domain.FileRecord, error)

	// TryConsume atomically checks and increments the download counter.
	// Concurrent calls for the same token are linearizable. Refusals are
	// domain.KindNotFound or domain.KindGone (with a Reason). The record that
	// reaches its quota is marked deleted in the same atomic step.
	TryConsume(ctx context.Context, token domain.Token, now time.Time) (Consumption, error)

	// MarkDeleted sets IsDeleted. Idempotent; absent tokens are not an error.
	MarkDeleted(ctx context.Context, token domain.Token) error

	// ScanExpiredActive pages records with !IsDeleted && ExpiresAt <= now
	// ordered by (ExpiresAt, Token).
	ScanExpiredActive(ctx context.Context, now time.Time, limit int, after Cursor) ([]domain.FileRecord, error)

	// ScanExhaustedActive pages records with !IsDeleted && DownloadCount >= MaxDownloads
	// ordered by (CreatedAt, Token).
	ScanExhaustedActive(ctx context.Context, limit int, after Cursor) ([]domain.FileRecord, error)

	// ScanPurgeable pages records with IsDeleted && ExpiresAt <= horizon
	// ordered by (ExpiresAt, Token).
	ScanPurgeable(ctx context.Context, horizon time.Time, limit int, after Cursor) ([]domain.FileRecord, error)

	// Delete hard-removes the metadata row. Absent tokens are not an error.
	Delete(ctx context.Context, token domain.Token) error

	// HasStorageKey reports whether any record, deleted or not, references key.
	HasStorageKey(ctx context.Context, key string) (bool, error)
}

// SaveOptions carries the descriptive inputs used to derive a storage key.
type SaveOptions struct {
	Token        domain.Token
	OriginalName string
	MimeType     string
}

// Saved describes a committed blob. Size is measured from the stored object.
type Saved struct {
	StorageKey string
	Size       int64
}

// ObjectStat is the result of a storage existence probe.
type ObjectStat struct {
	Exists bool
	Size   int64
}

// ObjectInfo describes one stored object as reported by Storage.Walk.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Storage is the blob port. Implementations know nothing about tokens beyond
// key derivation, nor about expiry or quotas.
type Storage interface {
	// SaveFromStaging moves the staged file into managed storage and returns
	// its key. A key that already exists fails with domain.KindConflict and
	// leaves the staged file in place. No partially written object is ever
	// visible under a returned key.
	SaveFromStaging(ctx context.Context, stagingPath string, opts SaveOptions) (Saved, error)

	// Open returns a lazy reader for key. A missing object surfaces as a
	// domain.KindNotFound error on the first Read. Keys outside the adapter
	// root fail immediately with domain.KindInvalidKey.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Stat probes for key. Absence is reported as Exists=false, not as an
	// error; errors are reserved for invalid keys and I/O failures.
	Stat(ctx context.Context, key string) (ObjectStat, error)

	// Delete removes key. Already absent objects are treated as success.
	Delete(ctx context.Context, key string) error

	// Walk calls fn for every object whose name is a valid key. An error from
	// fn stops the walk and is returned.
	Walk(ctx context.Context, fn func(ObjectInfo) error) error
}

// Counter names reported through Collector.Inc.
const (
	CounterFilesUploaded    = "files_uploaded_total"
	CounterDownloadsGranted = "downloads_granted_total"
	CounterDownloadsRefused = "downloads_refused_total"
	CounterReaperMarked     = "reaper_marked_total"
	CounterReaperPurged     = "reaper_purged_total"
	CounterReaperOrphans    = "reaper_orphans_deleted_total"
	CounterReaperErrors     = "reaper_errors_total"
)

// Summary names reported through Collector.Observe.
const (
	SummaryReaperPassMS = "reaper_pass_ms"
	SummaryUploadBytes  = "upload_bytes"
)

// Collector receives operational metrics. *metrics.Manager implements it.
type Collector interface {
	Inc(name string, delta int64)
	Observe(name string, value int64)
}

// NopCollector discards all metrics.
type NopCollector struct{}

func (NopCollector) Inc(string, int64)     {}
func (NopCollector) Observe(string, int64) {}
