// Package storage holds the key derivation and key validation rules shared by
// every storage adapter. Adapters map a validated key onto their medium; they
// never accept a key that has not passed ValidateKey.
package storage

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/haukened/vanish/internal/domain"
)

const maxKeyLength = 512

// Key validation failures. They are wrapped in a domain.KindInvalidKey error
// by the adapters.
var (
	ErrEmptyKey     = errors.New("key cannot be empty")
	ErrKeyTooLong   = errors.New("key length exceeds limit")
	ErrKeyTraversal = errors.New("key escapes storage root")
	ErrKeyCharset   = errors.New("key contains invalid characters")
)

// SanitizeExt lower-cases ext and returns it only if it is a dot followed by
// 1-8 characters from [a-z0-9]. Anything else yields "".
func SanitizeExt(ext string) string {
	ext = strings.ToLower(ext)
	if len(ext) < 2 || len(ext) > 9 || ext[0] != '.' {
		return ""
	}
	for i := 1; i < len(ext); i++ {
		c := ext[i]
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9') {
			return ""
		}
	}
	return ext
}

// BuildKey derives a date-partitioned key "yyyy/mm/dd/<token><ext>". Only the
// validated token and a sanitized extension reach the key, so neither the
// token nor originalName can introduce separators or dot segments.
func BuildKey(token domain.Token, originalName string, now time.Time) (string, error) {
	if !token.Valid() {
		return "", domain.InvalidKey("storage.build_key", domain.ErrInvalidToken)
	}
	// path.Base/Ext on both separators so "..\\x.exe" style names cannot smuggle a dot segment.
	name := path.Base(strings.ReplaceAll(originalName, "\\", "/"))
	ext := SanitizeExt(path.Ext(name))
	now = now.UTC()
	return fmt.Sprintf("%04d/%02d/%02d/%s%s", now.Year(), int(now.Month()), now.Day(), token, ext), nil
}

// ValidateKey enforces the key grammar every adapter relies on: relative,
// slash separated, no dot segments, no empty segments, and characters drawn
// from [A-Za-z0-9._-/].
func ValidateKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if len(key) > maxKeyLength {
		return ErrKeyTooLong
	}
	if strings.HasPrefix(key, "/") || filepath.IsAbs(key) || filepath.VolumeName(key) != "" {
		return fmt.Errorf("absolute key: %w", ErrKeyTraversal)
	}
	for i := 0; i < len(key); i++ {
		if !isValidKeyChar(key[i]) {
			return fmt.Errorf("invalid character %q at position %d: %w", key[i], i, ErrKeyCharset)
		}
	}
	for _, seg := range strings.Split(key, "/") {
		switch seg {
		case "":
			return fmt.Errorf("empty path segment: %w", ErrKeyTraversal)
		case ".", "..":
			return fmt.Errorf("dot segment: %w", ErrKeyTraversal)
		}
	}
	return nil
}

// IsShardedKey reports whether key has the "yyyy/mm/dd/<name>" layout that
// BuildKey produces. Adapters may hold other objects; only sharded keys are
// ever reclaimed as orphans.
func IsShardedKey(key string) bool {
	if ValidateKey(key) != nil {
		return false
	}
	segs := strings.Split(key, "/")
	if len(segs) != 4 {
		return false
	}
	for i, width := range []int{4, 2, 2} {
		if len(segs[i]) != width || !allDigits(segs[i]) {
			return false
		}
	}
	return true
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ResolveUnder validates key and joins it under root, re-checking that the
// result stays inside root after cleaning.
func ResolveUnder(root, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	full := filepath.Join(root, filepath.FromSlash(key))
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", ErrKeyTraversal
	}
	return full, nil
}

func isValidKeyChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '/'
}
