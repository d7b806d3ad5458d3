// Package app contains the application orchestration layer for Vanish. It wires
// domain validation with the registry and storage ports.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/haukened/vanish/internal/domain"
	"github.com/haukened/vanish/internal/storage"
)

const (
	// maxTokenAttempts bounds token regeneration on conflict.
	maxTokenAttempts = 3
	// cleanupTimeout bounds post-download blob removal, which runs detached
	// from the request context.
	cleanupTimeout = 30 * time.Second
	cleanupRetries = 3
)

// Service orchestrates uploads, gated downloads and info lookups using the
// injected registry, storage and clock.
type Service struct {
	Registry Registry
	Storage  Storage
	Clock    Clock
	Metrics  Collector
	Logger   *slog.Logger

	DefaultExpiry       time.Duration
	DefaultMaxDownloads int
	MaxDownloadsCap     int
	MaxBytes            int64    // 0 disables the post-store size check
	AllowedMIME         []string // empty allows all
	AllowedExts         []string // lower-case, with leading dot; empty allows all

	// retryDelay spaces post-download delete retries. Zero uses a default.
	retryDelay time.Duration
	// cleanups tracks in-flight post-download cleanups so Wait can drain them.
	cleanups sync.WaitGroup
}

// UploadRequest is what the HTTP collaborator hands to the core.
type UploadRequest struct {
	StagingPath  string
	OriginalName string
	MimeType     string
	ExpiresAt    *time.Time // nil selects the default expiry
	MaxDownloads *int       // nil selects the default quota
}

// UploadResult is returned for a committed upload.
type UploadResult struct {
	Token        domain.Token
	ExpiresAt    time.Time
	MaxDownloads int
	OriginalName string
	MimeType     string
	Size         int64
}

// Download is a granted download. Body must be closed by the caller; closing
// it triggers blob removal when ShouldDelete is set.
type Download struct {
	Record       domain.FileRecord
	Body         io.ReadCloser
	ShouldDelete bool
}

func (s *Service) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default().With("domain", "service")
	}
	return s.Logger.With("domain", "service")
}

func (s *Service) collector() Collector {
	if s.Metrics == nil {
		return NopCollector{}
	}
	return s.Metrics
}

// Upload resolves options, commits the staged bytes to storage and creates the
// registry record. The staged file belongs to the caller until storage has
// moved it; callers should remove it unconditionally afterwards.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	now := s.Clock.Now().UTC()
	expiresAt, err := domain.ResolveExpiry(req.ExpiresAt, now, s.DefaultExpiry)
	if err != nil {
		return UploadResult{}, err
	}
	maxDownloads, err := domain.ResolveMaxDownloads(req.MaxDownloads, s.DefaultMaxDownloads, s.MaxDownloadsCap)
	if err != nil {
		return UploadResult{}, err
	}
	if req.MimeType == "" {
		req.MimeType = "application/octet-stream"
	}
	if !s.typeAllowed(req.OriginalName, req.MimeType) {
		return UploadResult{}, domain.ErrTypeNotAllowed
	}

	saved, token, err := s.save(ctx, req)
	if err != nil {
		return UploadResult{}, err
	}
	if s.MaxBytes > 0 && saved.Size > s.MaxBytes {
		s.discard(ctx, saved.StorageKey)
		return UploadResult{}, domain.ErrSizeExceeded
	}

	rec := domain.NewRecord{
		StorageKey:   saved.StorageKey,
		OriginalName: req.OriginalName,
		MimeType:     req.MimeType,
		Size:         saved.Size,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
		MaxDownloads: maxDownloads,
	}
	// The storage key is decoupled from the token, so a registry conflict
	// only needs a fresh token, not a second copy of the bytes.
	for attempt := 0; ; attempt++ {
		rec.Token = token
		_, err = s.Registry.Create(ctx, rec)
		if err == nil {
			break
		}
		if domain.KindOf(err) != domain.KindConflict || attempt+1 >= maxTokenAttempts {
			s.discard(ctx, saved.StorageKey)
			return UploadResult{}, err
		}
		if token, err = domain.NewToken(); err != nil {
			s.discard(ctx, saved.StorageKey)
			return UploadResult{}, err
		}
	}

	s.collector().Inc(CounterFilesUploaded, 1)
	s.collector().Observe(SummaryUploadBytes, saved.Size)
	s.log().Info("upload committed", "token", rec.Token.Short(), "size", saved.Size, "max_downloads", maxDownloads, "expires_at", expiresAt)
	return UploadResult{
		Token:        rec.Token,
		ExpiresAt:    expiresAt,
		MaxDownloads: maxDownloads,
		OriginalName: req.OriginalName,
		MimeType:     req.MimeType,
		Size:         saved.Size,
	}, nil
}

// save commits the staged file under a fresh token, regenerating the token if
// the derived storage key is already taken.
func (s *Service) save(ctx context.Context, req UploadRequest) (Saved, domain.Token, error) {
	var lastErr error
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token, err := domain.NewToken()
		if err != nil {
			return Saved{}, "", err
		}
		saved, err := s.Storage.SaveFromStaging(ctx, req.StagingPath, SaveOptions{
			Token:        token,
			OriginalName: req.OriginalName,
			MimeType:     req.MimeType,
		})
		if err == nil {
			return saved, token, nil
		}
		if domain.KindOf(err) != domain.KindConflict {
			return Saved{}, "", err
		}
		lastErr = err
	}
	return Saved{}, "", lastErr
}

// discard removes a blob that will never be referenced by a record. A failed
// delete leaves an orphan for the reaper's sweep.
func (s *Service) discard(ctx context.Context, key string) {
	if err := s.Storage.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.log().Error("discard blob", "key", key, "err", err)
	}
}

func (s *Service) typeAllowed(name, mimeType string) bool {
	if len(s.AllowedMIME) > 0 && !mimeAllowed(mimeType, s.AllowedMIME) {
		return false
	}
	if len(s.AllowedExts) > 0 {
		ext := storage.SanitizeExt(path.Ext(name))
		for _, allowed := range s.AllowedExts {
			if ext != "" && ext == allowed {
				return true
			}
		}
		return false
	}
	return true
}

// mimeAllowed accepts exact matches (parameters ignored) and "type/*" wildcards.
func mimeAllowed(mimeType string, allowed []string) bool {
	var exact []string
	for _, a := range allowed {
		if prefix, ok := strings.CutSuffix(a, "/*"); ok {
			if strings.HasPrefix(strings.ToLower(mimeType), strings.ToLower(prefix)+"/") {
				return true
			}
			continue
		}
		exact = append(exact, a)
	}
	return mimetype.EqualsAny(mimeType, exact...)
}

// Download runs the consumption protocol for token and, on success, opens the
// blob. Consumption has already committed by the time the body is returned;
// stream failures never revert it.
func (s *Service) Download(ctx context.Context, tokenStr string) (*Download, error) {
	token, err := domain.ParseToken(tokenStr)
	if err != nil {
		return nil, err
	}
	c, err := s.Registry.TryConsume(ctx, token, s.Clock.Now().UTC())
	if err != nil {
		s.collector().Inc(CounterDownloadsRefused, 1)
		return nil, err
	}
	s.collector().Inc(CounterDownloadsGranted, 1)
	log := s.log().With("token", token.Short())
	log.Debug("download granted", "count", c.Record.DownloadCount, "max", c.Record.MaxDownloads, "should_delete", c.ShouldDelete)

	body, err := s.Storage.Open(ctx, c.Record.StorageKey)
	if err != nil {
		if c.ShouldDelete {
			s.startCleanup(ctx, c.Record)
		}
		return nil, err
	}
	d := &Download{Record: c.Record, ShouldDelete: c.ShouldDelete, Body: body}
	if c.ShouldDelete {
		d.Body = &finalizingBody{ReadCloser: body, finalize: func() { s.startCleanup(ctx, c.Record) }}
	}
	return d, nil
}

// startCleanup removes the blob of an exhausted record and confirms the soft
// delete. It runs detached from the request so client aborts cannot skip it.
func (s *Service) startCleanup(ctx context.Context, rec domain.FileRecord) {
	s.cleanups.Add(1)
	go func() {
		defer s.cleanups.Done()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		s.cleanup(cctx, rec)
	}()
}

func (s *Service) cleanup(ctx context.Context, rec domain.FileRecord) {
	log := s.log().With("token", rec.Token.Short(), "action", "post_download_cleanup")
	delay := s.retryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	var err error
retry:
	for attempt := 1; ; attempt++ {
		err = s.Storage.Delete(ctx, rec.StorageKey)
		if err == nil || errors.Is(err, domain.ErrInvalidKey) || attempt == cleanupRetries {
			break
		}
		select {
		case <-ctx.Done():
			break retry
		case <-time.After(delay):
		}
	}
	if err != nil {
		log.Error("blob delete failed", "kind", domain.KindOf(err).String(), "err", err)
		return
	}
	if err := s.Registry.MarkDeleted(ctx, rec.Token); err != nil {
		log.Error("mark deleted failed", "err", err)
		return
	}
	log.Info("exhausted file reclaimed")
}

// Wait blocks until in-flight post-download cleanups finish or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.cleanups.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info returns the descriptive state of token without side effects.
func (s *Service) Info(ctx context.Context, tokenStr string) (domain.Info, error) {
	token, err := domain.ParseToken(tokenStr)
	if err != nil {
		return domain.Info{}, err
	}
	rec, err := s.Registry.Get(ctx, token)
	if err != nil {
		return domain.Info{}, err
	}
	return rec.InfoAt(s.Clock.Now().UTC()), nil
}

// finalizingBody runs finalize exactly once, after the wrapped body is closed.
type finalizingBody struct {
	io.ReadCloser
	once     sync.Once
	finalize func()
}

func (f *finalizingBody) Close() error {
	err := f.ReadCloser.Close()
	f.once.Do(f.finalize)
	if err != nil {
		return fmt.Errorf("close download body: %w", err)
	}
	return nil
}
