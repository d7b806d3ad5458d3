// Package object provides an app.Storage implementation on a gocloud.dev
// blob bucket (s3://, file://, mem:// and any other registered driver).
// Writers commit atomically on Close, so an aborted save never leaves a
// partial object under the key.
package object

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/afero"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/haukened/vanish/internal/app"
	"github.com/haukened/vanish/internal/domain"
	"github.com/haukened/vanish/internal/storage"
)

var _ app.Storage = (*Store)(nil)

// Store implements app.Storage on a *blob.Bucket. Staged uploads are read
// from staging, which is normally the host filesystem.
type Store struct {
	bucket   *blob.Bucket
	staging  afero.Fs
	now      func() time.Time
	buildKey func(domain.Token, string, time.Time) (string, error)
}

// New wraps bucket. The caller keeps ownership of bucket and closes it.
func New(bucket *blob.Bucket, staging afero.Fs) *Store {
	return &Store{bucket: bucket, staging: staging, now: time.Now, buildKey: storage.BuildKey}
}

// Open opens the bucket at urlstr using the drivers linked into the binary.
func Open(ctx context.Context, urlstr string) (*blob.Bucket, error) {
	b, err := blob.OpenBucket(ctx, urlstr)
	if err != nil {
		return nil, fmt.Errorf("open bucket: %w", err)
	}
	return b, nil
}

// Ping reports whether the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ok, err := s.bucket.IsAccessible(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("bucket not accessible")
	}
	return nil
}

func validate(op, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return domain.InvalidKey(op, err)
	}
	return nil
}

// SaveFromStaging streams the staged file into a new object and reports the
// size recorded by the bucket.
func (s *Store) SaveFromStaging(ctx context.Context, stagingPath string, opts app.SaveOptions) (app.Saved, error) {
	const op = "storage.save"
	key, err := s.buildKey(opts.Token, opts.OriginalName, s.now())
	if err != nil {
		return app.Saved{}, err
	}
	if err := validate(op, key); err != nil {
		return app.Saved{}, err
	}
	exists, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return app.Saved{}, domain.IO(op, err)
	}
	if exists {
		return app.Saved{}, domain.Conflict(op, fmt.Errorf("key %s exists", key))
	}

	src, err := s.staging.Open(stagingPath)
	if err != nil {
		return app.Saved{}, domain.IO(op, fmt.Errorf("open staging: %w", err))
	}
	defer src.Close()

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w, err := s.bucket.NewWriter(wctx, key, &blob.WriterOptions{ContentType: contentType(opts.MimeType)})
	if err != nil {
		return app.Saved{}, domain.IO(op, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		// cancelling before Close discards the write
		cancel()
		_ = w.Close()
		return app.Saved{}, domain.IO(op, fmt.Errorf("copy staging: %w", err))
	}
	if err := w.Close(); err != nil {
		return app.Saved{}, domain.IO(op, err)
	}

	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return app.Saved{}, domain.IO(op, err)
	}
	return app.Saved{StorageKey: key, Size: attrs.Size}, nil
}

func contentType(mimeType string) string {
	if mimeType == "" {
		return "application/octet-stream"
	}
	return mimeType
}

// Open validates key now and opens the object on the first Read.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validate("storage.open", key); err != nil {
		return nil, err
	}
	return &lazyReader{ctx: ctx, bucket: s.bucket, key: key}, nil
}

// Stat reports whether key exists and its size.
func (s *Store) Stat(ctx context.Context, key string) (app.ObjectStat, error) {
	const op = "storage.stat"
	if err := validate(op, key); err != nil {
		return app.ObjectStat{}, err
	}
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return app.ObjectStat{}, nil
		}
		return app.ObjectStat{}, domain.IO(op, err)
	}
	return app.ObjectStat{Exists: true, Size: attrs.Size}, nil
}

// Delete removes key. Missing objects are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	const op = "storage.delete"
	if err := validate(op, key); err != nil {
		return err
	}
	if err := s.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return domain.IO(op, err)
	}
	return nil
}

// Walk lists every object in the bucket whose name is a valid key. Other
// objects are skipped.
func (s *Store) Walk(ctx context.Context, fn func(app.ObjectInfo) error) error {
	iter := s.bucket.List(nil)
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return domain.IO("storage.walk", err)
		}
		if obj.IsDir || storage.ValidateKey(obj.Key) != nil {
			continue
		}
		if err := fn(app.ObjectInfo{Key: obj.Key, Size: obj.Size, ModTime: obj.ModTime}); err != nil {
			return err
		}
	}
}

type lazyReader struct {
	ctx    context.Context
	bucket *blob.Bucket
	key    string
	r      *blob.Reader
	err    error
}

func (l *lazyReader) Read(p []byte) (int, error) {
	if l.r == nil && l.err == nil {
		r, err := l.bucket.NewReader(l.ctx, l.key, nil)
		switch {
		case err == nil:
			l.r = r
		case gcerrors.Code(err) == gcerrors.NotFound:
			l.err = domain.NotFound("storage.open")
		default:
			l.err = domain.IO("storage.open", err)
		}
	}
	if l.err != nil {
		return 0, l.err
	}
	n, err := l.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, domain.IO("storage.read", err)
	}
	return n, err
}

func (l *lazyReader) Close() error {
	if l.r == nil {
		return nil
	}
	return l.r.Close()
}
