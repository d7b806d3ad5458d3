package domain

import (
	"testing"
	"time"
)

func TestResolveExpiry(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	got, err := ResolveExpiry(nil, now, 24*time.Hour)
	if err != nil || !got.Equal(now.Add(24*time.Hour)) {
		t.Fatalf("default expiry mismatch: %v %v", got, err)
	}
	future := now.Add(time.Minute)
	got, err = ResolveExpiry(&future, now, time.Hour)
	if err != nil || !got.Equal(future) {
		t.Fatalf("explicit expiry mismatch: %v %v", got, err)
	}
	for _, bad := range []time.Time{now, now.Add(-time.Second)} {
		bad := bad
		if _, err := ResolveExpiry(&bad, now, time.Hour); err != ErrInvalidExpiry {
			t.Fatalf("expected ErrInvalidExpiry for %v, got %v", bad, err)
		}
	}
}

func TestResolveMaxDownloads(t *testing.T) {
	tests := []struct {
		name    string
		in      *int
		want    int
		wantErr bool
	}{
		{"default", nil, 1, false},
		{"min", intPtr(1), 1, false},
		{"cap", intPtr(10), 10, false},
		{"zero", intPtr(0), 0, true},
		{"negative", intPtr(-3), 0, true},
		{"over cap", intPtr(11), 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolveMaxDownloads(tc.in, 1, 10)
			if tc.wantErr {
				if err != ErrInvalidMaxDownloads {
					t.Fatalf("expected ErrInvalidMaxDownloads, got %v", err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("got %d, %v want %d", got, err, tc.want)
			}
		})
	}
}

func intPtr(n int) *int { return &n }
