package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/vanish/internal/app"
	"github.com/haukened/vanish/internal/registry/memory"
	"github.com/haukened/vanish/internal/storage/local"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// TestLifecycle drives a single-use file through upload, info, download and
// the refusal that follows, against the real service.
func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data/staging", 0o700))

	reg, err := memory.New()
	require.NoError(t, err)
	store, err := local.New(fs, "/data/blobs")
	require.NoError(t, err)
	svc := &app.Service{
		Registry:            reg,
		Storage:             store,
		Clock:               fixedClock{t: time.Now().UTC()},
		DefaultExpiry:       time.Hour,
		DefaultMaxDownloads: 1,
		MaxDownloadsCap:     5,
	}
	h := New(svc, 1<<20, nil)
	h.Staging = fs
	h.StagingDir = "/data/staging"
	router := h.Router()

	body, ct := multipartBody(t, "notes.txt", "text/plain", []byte("top secret"), nil)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var up uploadResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &up))
	assert.Equal(t, 1, up.MaxDownloads)
	assert.Equal(t, int64(10), up.Size)
	entries, err := afero.ReadDir(fs, "/data/staging")
	require.NoError(t, err)
	assert.Empty(t, entries, "staging must be empty after commit")

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/file/"+up.Token+"/info", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var info map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.Equal(t, "active", info["status"])
	assert.EqualValues(t, 1, info["remaining_downloads"])

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/file/"+up.Token+"/download", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "top secret", rr.Body.String())
	assert.Equal(t, "attachment; filename=notes.txt", rr.Header().Get("Content-Disposition"))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Wait(waitCtx))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/file/"+up.Token+"/download", nil))
	require.Equal(t, http.StatusGone, rr.Code)
	assert.Contains(t, rr.Body.String(), "limit reached")

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/file/"+up.Token+"/info", nil))
	require.Equal(t, http.StatusGone, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.Equal(t, "deleted", info["status"])

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/file/ffffffffffffffffffffffffffffffff/info", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
