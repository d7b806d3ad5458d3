package domain

import (
	"errors"
	"testing"
	"time"
)

func baseRecord(now time.Time) FileRecord {
	return NewRecord{
		Token:        "0123456789abcdef0123456789abcdef",
		StorageKey:   "2025/01/02/0123456789abcdef0123456789abcdef.pdf",
		OriginalName: "report.pdf",
		MimeType:     "application/pdf",
		Size:         42,
		CreatedAt:    now.Add(-time.Hour),
		ExpiresAt:    now.Add(time.Hour),
		MaxDownloads: 3,
	}.Record()
}

func TestNewRecordDefaults(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	r := baseRecord(now)
	if r.DownloadCount != 0 || r.IsDeleted {
		t.Fatalf("new record should start at zero downloads, not deleted: %+v", r)
	}
}

func TestCheckOrder(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	tests := []struct {
		name   string
		mutate func(*FileRecord)
		want   error
	}{
		{"active", func(*FileRecord) {}, nil},
		{"deleted wins over expired", func(r *FileRecord) { r.IsDeleted = true; r.ExpiresAt = now.Add(-time.Second) }, ErrDeleted},
		{"deleted by exhaustion", func(r *FileRecord) { r.IsDeleted = true; r.DownloadCount = 3 }, ErrLimitReached},
		{"expired at exact instant", func(r *FileRecord) { r.ExpiresAt = now }, ErrExpired},
		{"expired wins over limit", func(r *FileRecord) { r.ExpiresAt = now.Add(-time.Second); r.DownloadCount = 3 }, ErrExpired},
		{"limit reached", func(r *FileRecord) { r.DownloadCount = 3 }, ErrLimitReached},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := baseRecord(now)
			tc.mutate(&r)
			err := r.Check("test", now)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("expected nil, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestInfoAt(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	r := baseRecord(now)
	r.DownloadCount = 2
	info := r.InfoAt(now)
	if info.RemainingDownloads != 1 || info.Status != StatusActive {
		t.Fatalf("unexpected info %+v", info)
	}
	r.DownloadCount = 5 // never observable, but Remaining must clamp
	if r.Remaining() != 0 {
		t.Fatalf("remaining should clamp at zero")
	}
	r.ExpiresAt = now.Add(-time.Minute)
	if got := r.StatusAt(now); got != StatusExpired {
		t.Fatalf("expected expired, got %s", got)
	}
	r.IsDeleted = true
	if got := r.StatusAt(now); got != StatusDeleted {
		t.Fatalf("expected deleted, got %s", got)
	}
}
