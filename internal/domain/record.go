// Package domain record.go contains the file record owned by the registry and
// the descriptive state derived from it.
package domain

import "time"

// FileRecord is the registry's view of one uploaded file.
// Only DownloadCount and IsDeleted change after creation.
type FileRecord struct {
	Token         Token
	StorageKey    string
	OriginalName  string
	MimeType      string
	Size          int64
	CreatedAt     time.Time
	ExpiresAt     time.Time
	MaxDownloads  int
	DownloadCount int
	IsDeleted     bool
}

// NewRecord carries the fully resolved fields needed to create a FileRecord.
type NewRecord struct {
	Token        Token
	StorageKey   string
	OriginalName string
	MimeType     string
	Size         int64
	CreatedAt    time.Time
	ExpiresAt    time.Time
	MaxDownloads int
}

// Record returns the initial FileRecord for n (no downloads, not deleted).
func (n NewRecord) Record() FileRecord {
	return FileRecord{
		Token:        n.Token,
		StorageKey:   n.StorageKey,
		OriginalName: n.OriginalName,
		MimeType:     n.MimeType,
		Size:         n.Size,
		CreatedAt:    n.CreatedAt,
		ExpiresAt:    n.ExpiresAt,
		MaxDownloads: n.MaxDownloads,
	}
}

// Expired reports whether the record's expiry is at or before now.
func (r FileRecord) Expired(now time.Time) bool { return !r.ExpiresAt.After(now) }

// Exhausted reports whether the download quota is used up.
func (r FileRecord) Exhausted() bool { return r.DownloadCount >= r.MaxDownloads }

// Remaining returns max(MaxDownloads - DownloadCount, 0).
func (r FileRecord) Remaining() int {
	if n := r.MaxDownloads - r.DownloadCount; n > 0 {
		return n
	}
	return 0
}

// Check runs the consumption gate checks in protocol order and returns the
// Gone error for the first one that fails, or nil if a download may proceed.
// A record deleted because its quota ran out reports ReasonLimitReached.
func (r FileRecord) Check(op string, now time.Time) error {
	switch {
	case r.IsDeleted && r.Exhausted():
		return Gone(op, ReasonLimitReached)
	case r.IsDeleted:
		return Gone(op, ReasonDeleted)
	case r.Expired(now):
		return Gone(op, ReasonExpired)
	case r.Exhausted():
		return Gone(op, ReasonLimitReached)
	}
	return nil
}

// Status is the derived, user-facing state of a record.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusDeleted Status = "deleted"
)

// StatusAt derives the record status at now.
func (r FileRecord) StatusAt(now time.Time) Status {
	switch {
	case r.IsDeleted:
		return StatusDeleted
	case r.Expired(now):
		return StatusExpired
	default:
		return StatusActive
	}
}

// Info is the descriptive state returned by the info entry point.
type Info struct {
	Token              Token     `json:"token"`
	OriginalName       string    `json:"original_name"`
	MimeType           string    `json:"mime_type"`
	Size               int64     `json:"size"`
	CreatedAt          time.Time `json:"created_at"`
	ExpiresAt          time.Time `json:"expires_at"`
	DownloadCount      int       `json:"download_count"`
	MaxDownloads       int       `json:"max_downloads"`
	RemainingDownloads int       `json:"remaining_downloads"`
	Status             Status    `json:"status"`
}

// InfoAt builds the Info view of r at now.
func (r FileRecord) InfoAt(now time.Time) Info {
	return Info{
		Token:              r.Token,
		OriginalName:       r.OriginalName,
		MimeType:           r.MimeType,
		Size:               r.Size,
		CreatedAt:          r.CreatedAt,
		ExpiresAt:          r.ExpiresAt,
		DownloadCount:      r.DownloadCount,
		MaxDownloads:       r.MaxDownloads,
		RemainingDownloads: r.Remaining(),
		Status:             r.StatusAt(now),
	}
}
