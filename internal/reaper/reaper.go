// Package reaper implements the background reconciler that soft-deletes
// expired and exhausted files, removes their blobs and, unless configured for
// soft-delete only, purges old soft-deleted rows. Each pass ends with a sweep
// that deletes blobs no record references. It runs independently of the
// request path and shares only the Registry and Storage ports with it.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haukened/vanish/internal/app"
	"github.com/haukened/vanish/internal/domain"
	"github.com/haukened/vanish/internal/storage"
)

// ErrBusy is returned by RunOnce when a pass is already in flight.
var ErrBusy = errors.New("reaper pass already running")

// State is the lifecycle state of the reaper task.
type State int32

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Config holds tunables for the Reaper.
type Config struct {
	Interval       time.Duration // how often a pass begins
	BatchSize      int           // page size for every scan
	SoftDeleteOnly bool          // when true the purge loop never runs
	PurgeAfter     time.Duration // retention after expiry before a soft-deleted row is purged
	OrphanGrace    time.Duration // unreferenced blobs younger than this are left alone
	Clock          app.Clock     // optional, defaults to wall clock
	Metrics        app.Collector // optional
	Logger         *slog.Logger  // optional logger (defaults to slog.Default())
}

// Stats summarizes one pass.
type Stats struct {
	ScannedExpired   int
	ScannedExhausted int
	ScannedPurge     int
	ScannedBlobs     int
	BlobsDeleted     int
	Orphans          int
	Marked           int
	Purged           int
	Errors           int
	Duration         time.Duration
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Reaper is an explicit task object; each instance owns its own state.
type Reaper struct {
	registry app.Registry
	storage  app.Storage
	cfg      Config

	state atomic.Int32

	// life guards started and stopped; a Stop before Start disables Start.
	life    sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	mu   sync.Mutex
	last Stats
}

// New constructs but does not start a Reaper.
func New(registry app.Registry, store app.Storage, cfg Config) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = wallClock{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = app.NopCollector{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reaper{
		registry: registry,
		storage:  store,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (r *Reaper) log() *slog.Logger { return r.cfg.Logger.With("domain", "reaper") }

// State reports whether a pass is in flight.
func (r *Reaper) State() State { return State(r.state.Load()) }

// LastStats returns the stats of the most recently completed pass.
func (r *Reaper) LastStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Start launches the loop. The first pass runs immediately. Later calls, and
// any call after Stop, are no-ops.
func (r *Reaper) Start(ctx context.Context) {
	r.life.Lock()
	defer r.life.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true
	go r.loop(ctx)
}

// Stop signals the loop to exit and waits for any in-flight pass to finish,
// or for ctx to be done, whichever comes first. A stopped Reaper cannot be
// restarted.
func (r *Reaper) Stop(ctx context.Context) error {
	r.life.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.stopCh)
	}
	started := r.started
	r.life.Unlock()
	if !started {
		return nil
	}
	select {
	case <-r.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("reaper stop: %w", ctx.Err())
	}
}

func (r *Reaper) loop(ctx context.Context) {
	log := r.log()
	ticker := time.NewTicker(r.cfg.Interval)
	defer func() {
		ticker.Stop()
		close(r.doneCh)
	}()
	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info("reaper stop", "reason", "context_cancel")
			return
		case <-r.stopCh:
			log.Info("reaper stop", "reason", "stop_signal")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick runs one pass detached from cancellation; Stop bounds how long callers wait.
func (r *Reaper) tick(ctx context.Context) {
	_, err := r.RunOnce(context.WithoutCancel(ctx))
	switch {
	case errors.Is(err, ErrBusy):
		r.log().Debug("pass skipped", "reason", "already_running")
	case err != nil:
		r.log().Error("pass aborted", "error", err)
	}
}

// RunOnce performs one expire, exhaust, purge and orphan pass. Per-record failures
// are counted in Stats.Errors; a scan failure aborts the rest of the pass and
// is returned alongside the partial Stats.
func (r *Reaper) RunOnce(ctx context.Context) (Stats, error) {
	if !r.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return Stats{}, ErrBusy
	}
	defer r.state.Store(int32(Idle))

	start := time.Now()
	now := r.cfg.Clock.Now().UTC()
	var st Stats
	err := r.pass(ctx, now, &st)
	st.Duration = time.Since(start)

	r.mu.Lock()
	r.last = st
	r.mu.Unlock()

	m := r.cfg.Metrics
	m.Inc(app.CounterReaperMarked, int64(st.Marked))
	m.Inc(app.CounterReaperPurged, int64(st.Purged))
	m.Inc(app.CounterReaperOrphans, int64(st.Orphans))
	m.Inc(app.CounterReaperErrors, int64(st.Errors))
	m.Observe(app.SummaryReaperPassMS, st.Duration.Milliseconds())

	r.log().Info("pass complete",
		"expired", st.ScannedExpired, "exhausted", st.ScannedExhausted, "purgeable", st.ScannedPurge,
		"blobs", st.ScannedBlobs, "marked", st.Marked, "purged", st.Purged,
		"blobs_deleted", st.BlobsDeleted, "orphans", st.Orphans,
		"errors", st.Errors, "ms", st.Duration.Milliseconds())
	return st, err
}

type scanFunc func(ctx context.Context, limit int, after app.Cursor) ([]domain.FileRecord, error)

func (r *Reaper) pass(ctx context.Context, now time.Time, st *Stats) error {
	expired := func(ctx context.Context, limit int, after app.Cursor) ([]domain.FileRecord, error) {
		return r.registry.ScanExpiredActive(ctx, now, limit, after)
	}
	if err := r.drain(ctx, "expire", expired, byExpiry, &st.ScannedExpired, func(rec domain.FileRecord) {
		r.reclaim(ctx, rec, st, false)
	}); err != nil {
		return err
	}

	if err := r.drain(ctx, "exhaust", r.registry.ScanExhaustedActive, byCreated, &st.ScannedExhausted, func(rec domain.FileRecord) {
		r.reclaim(ctx, rec, st, false)
	}); err != nil {
		return err
	}

	if !r.cfg.SoftDeleteOnly {
		horizon := now.Add(-r.cfg.PurgeAfter)
		purgeable := func(ctx context.Context, limit int, after app.Cursor) ([]domain.FileRecord, error) {
			return r.registry.ScanPurgeable(ctx, horizon, limit, after)
		}
		if err := r.drain(ctx, "purge", purgeable, byExpiry, &st.ScannedPurge, func(rec domain.FileRecord) {
			r.reclaim(ctx, rec, st, true)
		}); err != nil {
			return err
		}
	}

	return r.sweepOrphans(ctx, now, st)
}

// sweepOrphans deletes blobs that no record references, such as those left
// by a crash between storing an upload and creating its record. Blobs
// modified within OrphanGrace may belong to an upload still in flight and
// are skipped, as are keys outside the date-sharded layout.
func (r *Reaper) sweepOrphans(ctx context.Context, now time.Time, st *Stats) error {
	log := r.log()
	cutoff := now.Add(-r.cfg.OrphanGrace)
	err := r.storage.Walk(ctx, func(obj app.ObjectInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !storage.IsShardedKey(obj.Key) {
			return nil
		}
		st.ScannedBlobs++
		if obj.ModTime.After(cutoff) {
			return nil
		}
		owned, err := r.registry.HasStorageKey(ctx, obj.Key)
		if err != nil {
			return err
		}
		if owned {
			return nil
		}
		if err := r.storage.Delete(ctx, obj.Key); err != nil {
			st.Errors++
			log.Warn("orphan delete failed", "key", obj.Key, "error", err)
			return nil
		}
		st.Orphans++
		log.Info("orphan blob deleted", "key", obj.Key, "size", obj.Size, "modified", obj.ModTime)
		return nil
	})
	if err != nil {
		return fmt.Errorf("orphan sweep: %w", err)
	}
	return nil
}

func byExpiry(rec domain.FileRecord) time.Time  { return rec.ExpiresAt }
func byCreated(rec domain.FileRecord) time.Time { return rec.CreatedAt }

// drain pages through scan until a short page, applying act to each record.
// The cursor advances past failed records so they are retried next pass, not
// next page.
func (r *Reaper) drain(ctx context.Context, loop string, scan scanFunc, key func(domain.FileRecord) time.Time, scanned *int, act func(domain.FileRecord)) error {
	var cursor app.Cursor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := scan(ctx, r.cfg.BatchSize, cursor)
		if err != nil {
			return fmt.Errorf("%s scan: %w", loop, err)
		}
		*scanned += len(page)
		for _, rec := range page {
			act(rec)
		}
		if len(page) < r.cfg.BatchSize {
			return nil
		}
		last := page[len(page)-1]
		cursor = app.Cursor{After: key(last), Token: last.Token}
	}
}

// reclaim deletes the blob and then either soft-deletes or purges the row.
// The row is left untouched when the blob delete fails.
func (r *Reaper) reclaim(ctx context.Context, rec domain.FileRecord, st *Stats, purge bool) {
	log := r.log().With("token", rec.Token.Short())
	if err := r.storage.Delete(ctx, rec.StorageKey); err != nil {
		st.Errors++
		if errors.Is(err, domain.ErrInvalidKey) {
			log.Error("invalid storage key", "key", rec.StorageKey, "error", err)
		} else {
			log.Warn("blob delete failed", "error", err)
		}
		return
	}
	st.BlobsDeleted++
	if purge {
		if err := r.registry.Delete(ctx, rec.Token); err != nil {
			st.Errors++
			log.Warn("purge failed", "error", err)
			return
		}
		st.Purged++
		return
	}
	if err := r.registry.MarkDeleted(ctx, rec.Token); err != nil {
		st.Errors++
		log.Warn("mark deleted failed", "error", err)
		return
	}
	st.Marked++
}
