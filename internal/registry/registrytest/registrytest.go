// Package registrytest provides a conformance suite that every app.Registry
// implementation must pass.
package registrytest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/vanish/internal/app"
	"github.com/haukened/vanish/internal/domain"
)

// Harness is one fresh, empty registry plus the out-of-band hooks the suite
// needs to reach states the Registry API cannot produce on its own.
type Harness struct {
	Registry app.Registry
	// SetDownloadCount overwrites the stored download counter for token.
	SetDownloadCount func(t *testing.T, token domain.Token, n int)
}

// Factory returns a new Harness for one subtest.
type Factory func(t *testing.T) Harness

// Base is a millisecond-aligned instant used by the suite so that adapters
// persisting millisecond precision round-trip exactly.
var Base = time.UnixMilli(1_760_000_000_000).UTC()

// NewRecord returns a valid record with the given token index. Tokens and
// storage keys are derived from i so records never collide.
func NewRecord(i int, expiresAt time.Time, maxDownloads int) domain.NewRecord {
	tok := domain.Token(fmt.Sprintf("%032x", i))
	return domain.NewRecord{
		Token:        tok,
		StorageKey:   "2025/10/09/" + tok.String() + ".bin",
		OriginalName: fmt.Sprintf("file-%d.bin", i),
		MimeType:     "application/octet-stream",
		Size:         int64(100 + i),
		CreatedAt:    Base.Add(time.Duration(i) * time.Millisecond),
		ExpiresAt:    expiresAt,
		MaxDownloads: maxDownloads,
	}
}

// Run executes the whole suite.
func Run(t *testing.T, newHarness Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, Harness)
	}{
		{"CreateGet", testCreateGet},
		{"CreateConflict", testCreateConflict},
		{"GetNotFound", testGetNotFound},
		{"ConsumeSingleUse", testConsumeSingleUse},
		{"ConsumeExpired", testConsumeExpired},
		{"ConsumeUnknown", testConsumeUnknown},
		{"ConsumeDeleted", testConsumeDeleted},
		{"ConsumeMultiUse", testConsumeMultiUse},
		{"ConcurrentConsume", testConcurrentConsume},
		{"MarkDeletedIdempotent", testMarkDeletedIdempotent},
		{"DeleteIdempotent", testDeleteIdempotent},
		{"HasStorageKey", testHasStorageKey},
		{"ScanExpiredActive", testScanExpiredActive},
		{"ScanExhaustedActive", testScanExhaustedActive},
		{"ScanPurgeable", testScanPurgeable},
		{"ScanZeroLimit", testScanZeroLimit},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) { tc.fn(t, newHarness(t)) })
	}
}

func mustCreate(t *testing.T, r app.Registry, n domain.NewRecord) domain.FileRecord {
	t.Helper()
	rec, err := r.Create(context.Background(), n)
	require.NoError(t, err)
	return rec
}

func testCreateGet(t *testing.T, h Harness) {
	r := h.Registry
	ctx := context.Background()
	n := NewRecord(1, Base.Add(time.Hour), 3)
	created := mustCreate(t, r, n)
	assert.Equal(t, n.Record(), created)

	got, err := r.Get(ctx, n.Token)
	require.NoError(t, err)
	assert.Equal(t, n.Record(), got)
	assert.Zero(t, got.DownloadCount)
	assert.False(t, got.IsDeleted)
}

func testCreateConflict(t *testing.T, h Harness) {
	r := h.Registry
	n := NewRecord(1, Base.Add(time.Hour), 1)
	mustCreate(t, r, n)
	dup := NewRecord(2, Base.Add(time.Hour), 1)
	dup.Token = n.Token
	_, err := r.Create(context.Background(), dup)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func testGetNotFound(t *testing.T, h Harness) {
	r := h.Registry
	_, err := r.Get(context.Background(), NewRecord(9, Base, 1).Token)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testConsumeSingleUse(t *testing.T, h Harness) {
	r := h.Registry
	ctx := context.Background()
	n := NewRecord(1, Base.Add(time.Hour), 1)
	mustCreate(t, r, n)

	c, err := r.TryConsume(ctx, n.Token, Base)
	require.NoError(t, err)
	assert.True(t, c.ShouldDelete)
	assert.Equal(t, 1, c.Record.DownloadCount)
	assert.True(t, c.Record.IsDeleted)

	_, err = r.TryConsume(ctx, n.Token, Base)
	assert.ErrorIs(t, err, domain.ErrLimitReached)
	assert.ErrorIs(t, err, domain.ErrGone)

	got, err := r.Get(ctx, n.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, got.DownloadCount)
}

func testConsumeExpired(t *testing.T, h Harness) {
	r := h.Registry
	ctx := context.Background()
	now := Base.Add(time.Hour)
	n := NewRecord(1, now.Add(-time.Second), 5)
	mustCreate(t, r, n)

	_, err := r.TryConsume(ctx, n.Token, now)
	assert.ErrorIs(t, err, domain.ErrExpired)

	got, err := r.Get(ctx, n.Token)
	require.NoError(t, err)
	assert.Zero(t, got.DownloadCount)
	assert.False(t, got.IsDeleted)

	// expiry is inclusive at the exact instant
	n2 := NewRecord(2, now, 5)
	mustCreate(t, r, n2)
	_, err = r.TryConsume(ctx, n2.Token, now)
	assert.ErrorIs(t, err, domain.ErrExpired)
}

func testConsumeUnknown(t *testing.T, h Harness) {
	r := h.Registry
	_, err := r.TryConsume(context.Background(), NewRecord(7, Base, 1).Token, Base)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testConsumeDeleted(t *testing.T, h Harness) {
	r := h.Registry
	ctx := context.Background()
	n := NewRecord(1, Base.Add(time.Hour), 5)
	mustCreate(t, r, n)
	require.NoError(t, r.MarkDeleted(ctx, n.Token))
	_, err := r.TryConsume(ctx, n.Token, Base)
	assert.ErrorIs(t, err, domain.ErrDeleted)
}

func testConsumeMultiUse(t *testing.T, h Harness) {
	r := h.Registry
	ctx := context.Background()
	n := NewRecord(1, Base.Add(time.Hour), 3)
	mustCreate(t, r, n)
	for i := 1; i <= 3; i++ {
		c, err := r.TryConsume(ctx, n.Token, Base)
		require.NoError(t, err)
		assert.Equal(t, i, c.Record.DownloadCount)
		assert.Equal(t, i == 3, c.ShouldDelete, "consume %d", i)
		assert.Equal(t, i == 3, c.Record.IsDeleted, "consume %d", i)
	}
	_, err := r.TryConsume(ctx, n.Token, Base)
	assert.ErrorIs(t, err, domain.ErrLimitReached)
}

func testConcurrentConsume(t *testing.T, h Harness) {
	r := h.Registry
	const n, k = 24, 5
	ctx := context.Background()
	rec := NewRecord(1, Base.Add(time.Hour), k)
	mustCreate(t, r, rec)

	var (
		wg                        sync.WaitGroup
		mu                        sync.Mutex
		granted, limit, deletions int
		other                     []error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			c, err := r.TryConsume(ctx, rec.Token, Base)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted++
				if c.ShouldDelete {
					deletions++
				}
			case domain.KindOf(err) == domain.KindGone:
				limit++
			default:
				other = append(other, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, other)
	assert.Equal(t, k, granted)
	assert.Equal(t, n-k, limit)
	assert.Equal(t, 1, deletions)
	got, err := r.Get(ctx, rec.Token)
	require.NoError(t, err)
	assert.Equal(t, k, got.DownloadCount)
	assert.True(t, got.IsDeleted)
}

func testMarkDeletedIdempotent(t *testing.T, h Harness) {
	r := h.Registry
	ctx := context.Background()
	n := NewRecord(1, Base.Add(time.Hour), 1)
	mustCreate(t, r, n)
	require.NoError(t, r.MarkDeleted(ctx, n.Token))
	require.NoError(t, r.MarkDeleted(ctx, n.Token))
	require.NoError(t, r.MarkDeleted(ctx, NewRecord(99, Base, 1).Token))
	got, err := r.Get(ctx, n.Token)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
}

func testDeleteIdempotent(t *testing.T, h Harness) {
	r := h.Registry
	ctx := context.Background()
	n := NewRecord(1, Base.Add(time.Hour), 1)
	mustCreate(t, r, n)
	require.NoError(t, r.Delete(ctx, n.Token))
	require.NoError(t, r.Delete(ctx, n.Token))
	_, err := r.Get(ctx, n.Token)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	// the token is free again
	mustCreate(t, r, n)
}

func testHasStorageKey(t *testing.T, h Harness) {
	r := h.Registry
	ctx := context.Background()
	n := NewRecord(1, Base.Add(time.Hour), 1)

	has, err := r.HasStorageKey(ctx, n.StorageKey)
	require.NoError(t, err)
	assert.False(t, has)

	mustCreate(t, r, n)
	has, err = r.HasStorageKey(ctx, n.StorageKey)
	require.NoError(t, err)
	assert.True(t, has)

	// soft-deleted rows still own their blob
	require.NoError(t, r.MarkDeleted(ctx, n.Token))
	has, err = r.HasStorageKey(ctx, n.StorageKey)
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, r.Delete(ctx, n.Token))
	has, err = r.HasStorageKey(ctx, n.StorageKey)
	require.NoError(t, err)
	assert.False(t, has)
}

// collect pages through scan until it returns fewer than limit rows.
func collect(t *testing.T, limit int, cursorKey func(domain.FileRecord) time.Time, scan func(app.Cursor) ([]domain.FileRecord, error)) []domain.Token {
	t.Helper()
	var (
		out    []domain.Token
		cursor app.Cursor
	)
	for pages := 0; ; pages++ {
		require.Less(t, pages, 100, "pagination did not terminate")
		page, err := scan(cursor)
		require.NoError(t, err)
		require.LessOrEqual(t, len(page), limit)
		for _, rec := range page {
			out = append(out, rec.Token)
		}
		if len(page) < limit {
			return out
		}
		last := page[len(page)-1]
		cursor = app.Cursor{After: cursorKey(last), Token: last.Token}
	}
}

func testScanExpiredActive(t *testing.T, h Harness) {
	r := h.Registry
	ctx := context.Background()
	now := Base.Add(time.Hour)
	var want []domain.Token
	// 7 expired records, two sharing an expiry instant, inserted out of order
	for _, i := range []int{5, 1, 3, 2, 7, 4, 6} {
		exp := now.Add(-time.Duration(10-i) * time.Minute)
		if i == 4 {
			exp = now.Add(-time.Duration(10-3) * time.Minute)
		}
		mustCreate(t, r, NewRecord(i, exp, 1))
	}
	for i := 1; i <= 7; i++ {
		want = append(want, NewRecord(i, now, 1).Token)
	}
	mustCreate(t, r, NewRecord(20, now.Add(time.Minute), 1)) // active
	deleted := NewRecord(21, now.Add(-time.Hour), 1)
	mustCreate(t, r, deleted)
	require.NoError(t, r.MarkDeleted(ctx, deleted.Token))

	got := collect(t, 3, func(rec domain.FileRecord) time.Time { return rec.ExpiresAt }, func(c app.Cursor) ([]domain.FileRecord, error) {
		return r.ScanExpiredActive(ctx, now, 3, c)
	})
	assert.Equal(t, want, got)
}

func testScanExhaustedActive(t *testing.T, h Harness) {
	ctx := context.Background()
	r := h.Registry
	for i := 1; i <= 4; i++ {
		mustCreate(t, r, NewRecord(i, Base.Add(time.Hour), 2))
	}
	// A normal tipping consume soft deletes, so exhaustion that leaves the
	// record active only arises out of band.
	for _, i := range []int{3, 1, 4} {
		h.SetDownloadCount(t, NewRecord(i, Base, 2).Token, 2)
	}
	require.NoError(t, r.MarkDeleted(ctx, NewRecord(4, Base, 2).Token))
	_, err := r.TryConsume(ctx, NewRecord(2, Base, 2).Token, Base)
	require.NoError(t, err)

	got := collect(t, 1, func(rec domain.FileRecord) time.Time { return rec.CreatedAt }, func(c app.Cursor) ([]domain.FileRecord, error) {
		return r.ScanExhaustedActive(ctx, 1, c)
	})
	assert.Equal(t, []domain.Token{NewRecord(1, Base, 2).Token, NewRecord(3, Base, 2).Token}, got)
}

func testScanPurgeable(t *testing.T, h Harness) {
	r := h.Registry
	ctx := context.Background()
	now := Base.Add(72 * time.Hour)
	horizon := now.Add(-24 * time.Hour)

	old := NewRecord(1, now.Add(-48*time.Hour), 1)
	older := NewRecord(2, now.Add(-50*time.Hour), 1)
	recent := NewRecord(3, now.Add(-time.Hour), 1)
	activeOld := NewRecord(4, now.Add(-48*time.Hour), 1)
	for _, n := range []domain.NewRecord{old, older, recent, activeOld} {
		mustCreate(t, r, n)
	}
	for _, n := range []domain.NewRecord{old, older, recent} {
		require.NoError(t, r.MarkDeleted(ctx, n.Token))
	}

	got := collect(t, 1, func(rec domain.FileRecord) time.Time { return rec.ExpiresAt }, func(c app.Cursor) ([]domain.FileRecord, error) {
		return r.ScanPurgeable(ctx, horizon, 1, c)
	})
	assert.Equal(t, []domain.Token{older.Token, old.Token}, got)
}

func testScanZeroLimit(t *testing.T, h Harness) {
	r := h.Registry
	ctx := context.Background()
	mustCreate(t, r, NewRecord(1, Base.Add(-time.Hour), 1))
	page, err := r.ScanExpiredActive(ctx, Base, 0, app.Cursor{})
	require.NoError(t, err)
	assert.Empty(t, page)
}
