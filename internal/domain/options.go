// Package domain options.go contains functions to resolve upload options against config values.
package domain

import "time"

// ResolveExpiry returns the requested expiry if set, or now+def otherwise.
// A requested expiry must be strictly after now.
func ResolveExpiry(requested *time.Time, now time.Time, def time.Duration) (time.Time, error) {
	if requested == nil {
		return now.Add(def), nil
	}
	if !requested.After(now) {
		return time.Time{}, ErrInvalidExpiry
	}
	return requested.UTC(), nil
}

// ResolveMaxDownloads returns the requested quota if set, or def otherwise.
// A requested quota must be within [1, maxCap].
func ResolveMaxDownloads(requested *int, def, maxCap int) (int, error) {
	if requested == nil {
		return def, nil
	}
	if err := ValidateMaxDownloads(*requested, maxCap); err != nil {
		return 0, err
	}
	return *requested, nil
}

// ValidateMaxDownloads checks that n is positive and at most maxCap.
func ValidateMaxDownloads(n, maxCap int) error {
	if n < 1 || n > maxCap {
		return ErrInvalidMaxDownloads
	}
	return nil
}
