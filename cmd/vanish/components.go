package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/spf13/afero"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/haukened/vanish/internal/app"
	"github.com/haukened/vanish/internal/config"
	"github.com/haukened/vanish/internal/httpx"
	"github.com/haukened/vanish/internal/metrics"
	"github.com/haukened/vanish/internal/reaper"
	"github.com/haukened/vanish/internal/registry/sqlite"
	"github.com/haukened/vanish/internal/storage/local"
	"github.com/haukened/vanish/internal/storage/object"
)

const dirPerm = 0o700

// blobStore is a storage adapter that can also answer readiness probes.
type blobStore interface {
	app.Storage
	Ping(context.Context) error
}

// components holds everything serve and reap share.
type components struct {
	cfg    *config.Config
	logger *slog.Logger
	fs     afero.Fs

	db       *sql.DB
	registry *sqlite.Registry
	storage  blobStore
	bucket   *blob.Bucket // nil for the local driver
	metrics  *metrics.Manager
	service  *app.Service
	reaper   *reaper.Reaper
}

// openComponents creates the data directories, opens the registry and the
// configured storage driver and wires the service and reaper on top.
func openComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	fs := afero.NewOsFs()
	for _, dir := range []string{cfg.DataDir, cfg.StagingDir()} {
		if err := fs.MkdirAll(dir, dirPerm); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	db, reg, err := sqlite.Open(ctx, cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	c := &components{cfg: cfg, logger: logger, fs: fs, db: db, registry: reg}
	if err := c.openStorage(ctx); err != nil {
		_ = c.close()
		return nil, err
	}
	c.metrics = metrics.New(db, metrics.Config{Logger: logger})
	if err := c.metrics.InitSchema(ctx); err != nil {
		_ = c.close()
		return nil, fmt.Errorf("init metrics schema: %w", err)
	}

	clock := realClock{}
	c.service = &app.Service{
		Registry:            reg,
		Storage:             c.storage,
		Clock:               clock,
		Metrics:             c.metrics,
		Logger:              logger,
		DefaultExpiry:       cfg.DefaultExpiry,
		DefaultMaxDownloads: cfg.DefaultMaxDownloads,
		MaxDownloadsCap:     cfg.MaxDownloadsCap,
		MaxBytes:            int64(cfg.MaxFileSize),
		AllowedMIME:         cfg.AllowedMIME,
		AllowedExts:         cfg.AllowedExts,
	}
	c.reaper = reaper.New(reg, c.storage, reaper.Config{
		Interval:       cfg.ReaperInterval,
		BatchSize:      cfg.ReaperBatchSize,
		SoftDeleteOnly: cfg.SoftDeleteOnly,
		PurgeAfter:     cfg.PurgeAfter,
		OrphanGrace:    cfg.OrphanGrace,
		Clock:          clock,
		Metrics:        c.metrics,
		Logger:         logger,
	})
	return c, nil
}

func (c *components) openStorage(ctx context.Context) error {
	switch c.cfg.StorageDriver {
	case config.DriverObject:
		bucket, err := object.Open(ctx, c.cfg.BucketURL)
		if err != nil {
			return err
		}
		c.bucket = bucket
		c.storage = object.New(bucket, c.fs)
	default:
		st, err := local.New(c.fs, c.cfg.BlobDir())
		if err != nil {
			return fmt.Errorf("open blob storage: %w", err)
		}
		c.storage = st
	}
	return nil
}

// ready is the /readyz probe: the database and the storage backend must
// both answer.
func (c *components) ready(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.storage.Ping(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

func (c *components) handler() http.Handler {
	h := httpx.New(c.service, int64(c.cfg.MaxFileSize), c.ready)
	h.Staging = c.fs
	h.StagingDir = c.cfg.StagingDir()
	h.PublicBaseURL = c.cfg.PublicBaseURL
	h.Metrics = metrics.Handler(c.metrics, c.cfg.MetricsToken)
	h.Logger = c.logger
	return h.Router()
}

// sweepStaging removes files left in the staging directory by a previous
// process. It must only run before the HTTP server accepts uploads.
func (c *components) sweepStaging() (int, error) {
	entries, err := afero.ReadDir(c.fs, c.cfg.StagingDir())
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := c.fs.Remove(filepath.Join(c.cfg.StagingDir(), e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (c *components) close() error {
	var errs []error
	if c.bucket != nil {
		errs = append(errs, c.bucket.Close())
	}
	errs = append(errs, c.db.Close())
	return errors.Join(errs...)
}
