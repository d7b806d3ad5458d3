// Package local provides an app.Storage implementation backed by a directory
// tree on an afero filesystem. Blobs live under date-sharded keys beneath a
// fixed root and are committed by writing a hidden temp file in the target
// directory and renaming it into place.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/haukened/vanish/internal/app"
	"github.com/haukened/vanish/internal/domain"
	"github.com/haukened/vanish/internal/storage"
)

var _ app.Storage = (*Store)(nil)

const (
	dirPerm  = 0o700
	tempGlob = ".staging-*"
)

// Store implements app.Storage on an afero.Fs.
type Store struct {
	fs   afero.Fs
	root string
	now  func() time.Time

	// mu serializes directory creation, the exists-check before rename and
	// pruning, so two saves cannot both claim one key and pruning cannot
	// remove a shard directory a save is about to use.
	mu sync.Mutex
}

// New returns a Store rooted at root, creating it with 0700 if absent.
func New(fsys afero.Fs, root string) (*Store, error) {
	root = filepath.Clean(root)
	if err := fsys.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	fi, err := fsys.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, errors.New("storage root is not a directory")
	}
	return &Store{fs: fsys, root: root, now: time.Now}, nil
}

// Root returns the storage root directory.
func (s *Store) Root() string { return s.root }

// Ping reports whether the root directory is reachable.
func (s *Store) Ping(context.Context) error {
	_, err := s.fs.Stat(s.root)
	return err
}

func (s *Store) resolve(op, key string) (string, error) {
	p, err := storage.ResolveUnder(s.root, key)
	if err != nil {
		return "", domain.InvalidKey(op, err)
	}
	return p, nil
}

// SaveFromStaging copies the staged file into a temp file next to its final
// location, syncs it and renames it into place.
func (s *Store) SaveFromStaging(ctx context.Context, stagingPath string, opts app.SaveOptions) (app.Saved, error) {
	const op = "storage.save"
	key, err := storage.BuildKey(opts.Token, opts.OriginalName, s.now())
	if err != nil {
		return app.Saved{}, err
	}
	dst, err := s.resolve(op, key)
	if err != nil {
		return app.Saved{}, err
	}
	if exists, err := s.exists(dst); err != nil {
		return app.Saved{}, domain.IO(op, err)
	} else if exists {
		return app.Saved{}, domain.Conflict(op, fmt.Errorf("key %s exists", key))
	}

	src, err := s.fs.Open(stagingPath)
	if err != nil {
		return app.Saved{}, domain.IO(op, fmt.Errorf("open staging: %w", err))
	}
	defer src.Close()

	tmp, err := s.createTemp(filepath.Dir(dst))
	if err != nil {
		return app.Saved{}, domain.IO(op, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = s.fs.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: src}); err != nil {
		_ = tmp.Close()
		return app.Saved{}, domain.IO(op, fmt.Errorf("copy staging: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return app.Saved{}, domain.IO(op, err)
	}
	if err := tmp.Close(); err != nil {
		return app.Saved{}, domain.IO(op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if exists, err := s.exists(dst); err != nil {
		return app.Saved{}, domain.IO(op, err)
	} else if exists {
		return app.Saved{}, domain.Conflict(op, fmt.Errorf("key %s exists", key))
	}
	if err := s.fs.Rename(tmpName, dst); err != nil {
		return app.Saved{}, domain.IO(op, err)
	}
	committed = true

	fi, err := s.fs.Stat(dst)
	if err != nil {
		return app.Saved{}, domain.IO(op, err)
	}
	return app.Saved{StorageKey: key, Size: fi.Size()}, nil
}

func (s *Store) createTemp(dir string) (afero.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.MkdirAll(dir, dirPerm); err != nil {
		return nil, err
	}
	return afero.TempFile(s.fs, dir, tempGlob)
}

func (s *Store) exists(p string) (bool, error) {
	_, err := s.fs.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// Open validates key now and opens the file on the first Read.
func (s *Store) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.resolve("storage.open", key)
	if err != nil {
		return nil, err
	}
	return &lazyFile{fs: s.fs, path: p}, nil
}

// Stat reports whether key exists and its size.
func (s *Store) Stat(_ context.Context, key string) (app.ObjectStat, error) {
	const op = "storage.stat"
	p, err := s.resolve(op, key)
	if err != nil {
		return app.ObjectStat{}, err
	}
	fi, err := s.fs.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return app.ObjectStat{}, nil
		}
		return app.ObjectStat{}, domain.IO(op, err)
	}
	if fi.IsDir() {
		return app.ObjectStat{}, nil
	}
	return app.ObjectStat{Exists: true, Size: fi.Size()}, nil
}

// Delete removes key and prunes empty shard directories below the root.
// Missing files are not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	const op = "storage.delete"
	p, err := s.resolve(op, key)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return domain.IO(op, err)
	}
	s.prune(filepath.Dir(p))
	return nil
}

// Walk visits every regular file under the root with a valid key, including
// temp files left behind by an interrupted save.
func (s *Store) Walk(ctx context.Context, fn func(app.ObjectInfo) error) error {
	return afero.Walk(s.fs, s.root, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return domain.IO("storage.walk", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return domain.IO("storage.walk", err)
		}
		key := filepath.ToSlash(rel)
		if storage.ValidateKey(key) != nil {
			return nil
		}
		return fn(app.ObjectInfo{Key: key, Size: fi.Size(), ModTime: fi.ModTime()})
	})
}

// prune removes empty directories from dir upwards, stopping at the root or
// the first non-empty directory.
func (s *Store) prune(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for dir != s.root && len(dir) > len(s.root) {
		empty, err := afero.IsEmpty(s.fs, dir)
		if err != nil || !empty {
			return
		}
		if err := s.fs.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// lazyFile defers opening until the first Read so that a missing blob
// surfaces as a read error after the caller has committed to streaming.
type lazyFile struct {
	fs   afero.Fs
	path string
	f    afero.File
	err  error
}

func (l *lazyFile) Read(p []byte) (int, error) {
	if l.f == nil && l.err == nil {
		f, err := l.fs.Open(l.path)
		switch {
		case err == nil:
			l.f = f
		case errors.Is(err, fs.ErrNotExist), errors.Is(err, os.ErrNotExist):
			l.err = domain.NotFound("storage.open")
		default:
			l.err = domain.IO("storage.open", err)
		}
	}
	if l.err != nil {
		return 0, l.err
	}
	n, err := l.f.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, domain.IO("storage.read", err)
	}
	return n, err
}

func (l *lazyFile) Close() error {
	if l.f == nil {
		return nil
	}
	return l.f.Close()
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
