package storage

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/vanish/internal/domain"
)

const tok = domain.Token("0123456789abcdef0123456789abcdef")

func TestSanitizeExt(t *testing.T) {
	tests := map[string]string{
		".PDF":       ".pdf",
		".tar":       ".tar",
		".12345678":  ".12345678",
		".123456789": "",
		".":          "",
		"":           "",
		"pdf":        "",
		".p-f":       "",
		"./":         "",
		"..":         "",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeExt(in), "SanitizeExt(%q)", in)
	}
}

func TestBuildKey(t *testing.T) {
	now := time.Date(2025, time.March, 7, 23, 59, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "report.PDF", "2025/03/07/" + tok.String() + ".pdf"},
		{"no ext", "README", "2025/03/07/" + tok.String()},
		{"traversal", "../../etc/passwd", "2025/03/07/" + tok.String()},
		{"traversal with ext", "../../../root/.ssh/id_rsa.pub", "2025/03/07/" + tok.String() + ".pub"},
		{"windows traversal", `..\..\evil.exe`, "2025/03/07/" + tok.String() + ".exe"},
		{"weird ext", "photo.j p g", "2025/03/07/" + tok.String()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			key, err := BuildKey(tok, tc.in, now)
			require.NoError(t, err)
			assert.Equal(t, tc.want, key)
			assert.NoError(t, ValidateKey(key))
		})
	}
}

func TestBuildKeyRejectsBadToken(t *testing.T) {
	_, err := BuildKey("../../etc", "x.txt", time.Now())
	assert.True(t, errors.Is(err, domain.ErrInvalidKey))
}

func TestValidateKey(t *testing.T) {
	bad := []string{
		"",
		"/etc/passwd",
		"../etc/passwd",
		"2025/../../etc/passwd",
		"2025/./x",
		"2025//x",
		"2025/x/",
		"a\\b",
		"a\x00b",
		"a b",
		strings.Repeat("a", maxKeyLength+1),
	}
	for _, k := range bad {
		assert.Error(t, ValidateKey(k), "expected %q to be rejected", k)
	}
	good := []string{"2025/01/02/" + tok.String() + ".pdf", "a", "a-b_c.d/e"}
	for _, k := range good {
		assert.NoError(t, ValidateKey(k), "expected %q to be accepted", k)
	}
}

func TestResolveUnder(t *testing.T) {
	root := t.TempDir()
	p, err := ResolveUnder(root, "2025/01/02/x.bin")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "2025", "01", "02", "x.bin"), p)

	for _, k := range []string{"../x", "2025/../../x", "/x"} {
		_, err := ResolveUnder(root, k)
		assert.ErrorIs(t, err, ErrKeyTraversal, "key %q", k)
	}
}

func TestIsShardedKey(t *testing.T) {
	built, err := BuildKey(tok, "a.txt", time.Date(2025, time.October, 9, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	tests := map[string]bool{
		built:                    true,
		"2025/10/09/.staging-17": true,
		"2025/10/09":             false,
		"2025/10/09/a/b":         false,
		"25/10/09/a":             false,
		"2025/1/09/a":            false,
		"2025/ab/09/a":           false,
		"docs/readme/x/y":        false,
		"../10/09/a":             false,
		"":                       false,
	}
	for key, want := range tests {
		assert.Equal(t, want, IsShardedKey(key), key)
	}
}
