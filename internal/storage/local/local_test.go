package local

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/vanish/internal/app"
	"github.com/haukened/vanish/internal/domain"
)

const tok = domain.Token("0123456789abcdef0123456789abcdef")

var fixedNow = time.Date(2025, time.October, 9, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T, fsys afero.Fs, root string) *Store {
	t.Helper()
	s, err := New(fsys, root)
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }
	return s
}

func stage(t *testing.T, fsys afero.Fs, path string, data []byte) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fsys, path, data, 0o600))
}

func TestSaveThenStat(t *testing.T) {
	for name, mk := range map[string]func(t *testing.T) (afero.Fs, string){
		"memmap": func(*testing.T) (afero.Fs, string) { return afero.NewMemMapFs(), "/data/blobs" },
		"os":     func(t *testing.T) (afero.Fs, string) { return afero.NewOsFs(), filepath.Join(t.TempDir(), "blobs") },
	} {
		t.Run(name, func(t *testing.T) {
			fsys, root := mk(t)
			s := newStore(t, fsys, root)
			ctx := context.Background()
			staging := filepath.Join(filepath.Dir(root), "upload.tmp")
			data := []byte("hello vanish")
			stage(t, fsys, staging, data)

			saved, err := s.SaveFromStaging(ctx, staging, app.SaveOptions{Token: tok, OriginalName: "Report.PDF"})
			require.NoError(t, err)
			assert.Equal(t, "2025/10/09/"+tok.String()+".pdf", saved.StorageKey)
			assert.Equal(t, int64(len(data)), saved.Size)

			st, err := s.Stat(ctx, saved.StorageKey)
			require.NoError(t, err)
			assert.Equal(t, app.ObjectStat{Exists: true, Size: int64(len(data))}, st)

			// staging is left for the caller to remove
			ok, err := afero.Exists(fsys, staging)
			require.NoError(t, err)
			assert.True(t, ok)

			// no temp files left behind
			entries, err := afero.ReadDir(fsys, filepath.Join(root, "2025", "10", "09"))
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

func TestSaveConflictLeavesStaging(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := newStore(t, fsys, "/blobs")
	ctx := context.Background()
	stage(t, fsys, "/a.tmp", []byte("first"))
	stage(t, fsys, "/b.tmp", []byte("second"))

	saved, err := s.SaveFromStaging(ctx, "/a.tmp", app.SaveOptions{Token: tok, OriginalName: "x.txt"})
	require.NoError(t, err)
	_, err = s.SaveFromStaging(ctx, "/b.tmp", app.SaveOptions{Token: tok, OriginalName: "y.txt"})
	assert.ErrorIs(t, err, domain.ErrConflict)

	ok, _ := afero.Exists(fsys, "/b.tmp")
	assert.True(t, ok, "staging file must survive a conflict")
	got := readAll(t, s, saved.StorageKey)
	assert.Equal(t, "first", got)
}

func TestSaveMissingStaging(t *testing.T) {
	s := newStore(t, afero.NewMemMapFs(), "/blobs")
	_, err := s.SaveFromStaging(context.Background(), "/nope", app.SaveOptions{Token: tok})
	assert.ErrorIs(t, err, domain.ErrIO)
}

func TestSaveCanceled(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := newStore(t, fsys, "/blobs")
	stage(t, fsys, "/a.tmp", []byte("data"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.SaveFromStaging(ctx, "/a.tmp", app.SaveOptions{Token: tok})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	st, err := s.Stat(context.Background(), "2025/10/09/"+tok.String())
	require.NoError(t, err)
	assert.False(t, st.Exists)
}

func TestSaveRejectsInvalidToken(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := newStore(t, fsys, "/blobs")
	stage(t, fsys, "/a.tmp", []byte("x"))
	_, err := s.SaveFromStaging(context.Background(), "/a.tmp", app.SaveOptions{Token: "../../../etc"})
	assert.ErrorIs(t, err, domain.ErrInvalidKey)
}

func TestSaveTraversalNameStaysUnderRoot(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := newStore(t, fsys, "/srv/blobs")
	stage(t, fsys, "/a.tmp", []byte("x"))
	saved, err := s.SaveFromStaging(context.Background(), "/a.tmp", app.SaveOptions{Token: tok, OriginalName: "../../etc/passwd"})
	require.NoError(t, err)
	assert.Equal(t, "2025/10/09/"+tok.String(), saved.StorageKey)
	ok, _ := afero.Exists(fsys, "/srv/etc/passwd")
	assert.False(t, ok)
}

func TestInvalidKeys(t *testing.T) {
	s := newStore(t, afero.NewMemMapFs(), "/blobs")
	ctx := context.Background()
	for _, key := range []string{"../../etc/passwd", "/etc/passwd", "a/../../b", ""} {
		_, err := s.Open(ctx, key)
		assert.ErrorIs(t, err, domain.ErrInvalidKey, "open %q", key)
		_, err = s.Stat(ctx, key)
		assert.ErrorIs(t, err, domain.ErrInvalidKey, "stat %q", key)
		assert.ErrorIs(t, s.Delete(ctx, key), domain.ErrInvalidKey, "delete %q", key)
	}
}

func TestOpenMissingIsLazy(t *testing.T) {
	s := newStore(t, afero.NewMemMapFs(), "/blobs")
	rc, err := s.Open(context.Background(), "2025/10/09/"+tok.String())
	require.NoError(t, err)
	defer rc.Close()
	_, err = rc.Read(make([]byte, 8))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteIdempotentAndPrunes(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := newStore(t, fsys, "/blobs")
	ctx := context.Background()
	stage(t, fsys, "/a.tmp", []byte("abc"))
	saved, err := s.SaveFromStaging(ctx, "/a.tmp", app.SaveOptions{Token: tok, OriginalName: "a.bin"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, saved.StorageKey))
	require.NoError(t, s.Delete(ctx, saved.StorageKey))

	st, err := s.Stat(ctx, saved.StorageKey)
	require.NoError(t, err)
	assert.False(t, st.Exists)
	ok, _ := afero.DirExists(fsys, "/blobs/2025")
	assert.False(t, ok, "empty shard directories should be pruned")
	ok, _ = afero.DirExists(fsys, "/blobs")
	assert.True(t, ok, "root must never be pruned")
}

func TestDeleteKeepsNonEmptyShard(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := newStore(t, fsys, "/blobs")
	ctx := context.Background()
	other := domain.Token("ffffffffffffffffffffffffffffffff")
	stage(t, fsys, "/a.tmp", []byte("abc"))
	a, err := s.SaveFromStaging(ctx, "/a.tmp", app.SaveOptions{Token: tok})
	require.NoError(t, err)
	b, err := s.SaveFromStaging(ctx, "/a.tmp", app.SaveOptions{Token: other})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, a.StorageKey))
	st, err := s.Stat(ctx, b.StorageKey)
	require.NoError(t, err)
	assert.True(t, st.Exists)
}

func TestNewRootIsFile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/file", []byte("x"), 0o600))
	_, err := New(fsys, "/file")
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := newStore(t, fsys, "/blobs")
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, fsys.RemoveAll("/blobs"))
	assert.Error(t, s.Ping(context.Background()))
}

func readAll(t *testing.T, s *Store, key string) string {
	t.Helper()
	rc, err := s.Open(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestWalk(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := newStore(t, fsys, "/data/blobs")
	ctx := context.Background()
	stage(t, fsys, "/data/stage", []byte("abcd"))
	saved, err := s.SaveFromStaging(ctx, "/data/stage", app.SaveOptions{Token: tok, OriginalName: "a.bin"})
	require.NoError(t, err)
	stage(t, fsys, "/data/blobs/2025/10/08/.staging-42", []byte("partial"))
	stage(t, fsys, "/data/blobs/bad key!", []byte("x"))
	stage(t, fsys, "/data/outside", []byte("x"))

	seen := map[string]int64{}
	require.NoError(t, s.Walk(ctx, func(o app.ObjectInfo) error {
		seen[o.Key] = o.Size
		assert.False(t, o.ModTime.IsZero())
		// deleting the visited object must not disturb the walk
		return s.Delete(ctx, o.Key)
	}))
	assert.Equal(t, map[string]int64{
		saved.StorageKey:         4,
		"2025/10/08/.staging-42": 7,
	}, seen)

	exists, err := afero.DirExists(fsys, "/data/blobs/2025")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestWalkStopsOnCallbackError(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := newStore(t, fsys, "/data/blobs")
	stage(t, fsys, "/data/blobs/2025/10/09/a", []byte("x"))
	stage(t, fsys, "/data/blobs/2025/10/09/b", []byte("x"))
	stop := errors.New("stop")
	calls := 0
	err := s.Walk(context.Background(), func(app.ObjectInfo) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}
