package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/vanish/internal/config"
	"github.com/haukened/vanish/internal/domain"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultAppConfig
	cfg.DataDir = t.TempDir()
	cfg.ShutdownTimeout = 5 * time.Second
	return &cfg
}

func discardLogger(t *testing.T) *slog.Logger {
	t.Helper()
	l, err := newLogger("json", "error", io.Discard)
	require.NoError(t, err)
	return l
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		format  string
		level   string
		wantErr bool
	}{
		{"json info", "json", "info", false},
		{"json debug", "json", "debug", false},
		{"text warn", "text", "warn", false},
		{"text error", "text", "error", false},
		{"json bad level", "json", "loud", true},
		{"text bad level", "text", "loud", true},
		{"unknown format", "xml", "info", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			l, err := newLogger(tc.format, tc.level, &buf)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			l.Error("hello", "k", "v")
			if !strings.Contains(buf.String(), "hello") {
				t.Fatalf("log line missing: %q", buf.String())
			}
		})
	}
}

func TestNewLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l, err := newLogger("json", "warn", &buf)
	require.NoError(t, err)
	l.Info("quiet")
	l.Warn("loud")
	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), `"msg":"loud"`)
}

// isolateEnv clears VANISH_* keys for the test and restores them afterwards.
func isolateEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestSetup_EnvFile(t *testing.T) {
	isolateEnv(t, "VANISH_DATA_DIR", "VANISH_LOG_FORMAT", "VANISH_MAX_DOWNLOADS_CAP")
	dataDir := t.TempDir()
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "VANISH_DATA_DIR=" + dataDir + "\nVANISH_LOG_FORMAT=json\nVANISH_MAX_DOWNLOADS_CAP=3\n"
	require.NoError(t, os.WriteFile(envPath, []byte(content), 0o600))

	var stderr bytes.Buffer
	cfg, logger, err := setup(envPath, &stderr)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 3, cfg.MaxDownloadsCap)
}

func TestSetup_MissingEnvFile(t *testing.T) {
	_, _, err := setup(filepath.Join(t.TempDir(), "absent.env"), io.Discard)
	require.Error(t, err)
}

func TestSetup_InvalidConfig(t *testing.T) {
	t.Setenv("VANISH_LOG_LEVEL", "verbose")
	_, _, err := setup("", io.Discard)
	require.ErrorContains(t, err, "configuration error")
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["reap"])
	assert.NotNil(t, root.PersistentFlags().Lookup("env-file"))
}

func TestRootCommand_RejectsArgs(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"reap", "extra"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	require.Error(t, root.Execute())
}

func TestOpenComponents_Local(t *testing.T) {
	cfg := testConfig(t)
	c, err := openComponents(context.Background(), cfg, discardLogger(t))
	require.NoError(t, err)
	defer c.close()

	for _, p := range []string{cfg.DBPath(), cfg.BlobDir(), cfg.StagingDir()} {
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}
	assert.Nil(t, c.bucket)
	require.NoError(t, c.ready(context.Background()))
}

func TestOpenComponents_Object(t *testing.T) {
	cfg := testConfig(t)
	cfg.StorageDriver = config.DriverObject
	cfg.BucketURL = "mem://"
	c, err := openComponents(context.Background(), cfg, discardLogger(t))
	require.NoError(t, err)
	defer c.close()
	assert.NotNil(t, c.bucket)
	require.NoError(t, c.ready(context.Background()))
}

func TestOpenComponents_BadBucket(t *testing.T) {
	cfg := testConfig(t)
	cfg.StorageDriver = config.DriverObject
	cfg.BucketURL = "nosuchdriver://bucket"
	_, err := openComponents(context.Background(), cfg, discardLogger(t))
	require.Error(t, err)
}

func TestReady_DatabaseClosed(t *testing.T) {
	cfg := testConfig(t)
	c, err := openComponents(context.Background(), cfg, discardLogger(t))
	require.NoError(t, err)
	require.NoError(t, c.db.Close())
	require.ErrorContains(t, c.ready(context.Background()), "database")
}

func TestSweepStaging(t *testing.T) {
	cfg := testConfig(t)
	c, err := openComponents(context.Background(), cfg, discardLogger(t))
	require.NoError(t, err)
	defer c.close()

	for _, name := range []string{"upload-1", "upload-2"} {
		require.NoError(t, os.WriteFile(filepath.Join(cfg.StagingDir(), name), []byte("x"), 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(cfg.StagingDir(), "keep"), 0o700))

	n, err := c.sweepStaging()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	entries, err := os.ReadDir(cfg.StagingDir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "keep", entries[0].Name())
}

func uploadBody(t *testing.T, name, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	pw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = pw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestHandler_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsToken = "s3cret"
	c, err := openComponents(context.Background(), cfg, discardLogger(t))
	require.NoError(t, err)
	defer c.close()
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	body, ct := uploadBody(t, "hello.txt", "hello there")
	resp, err := http.Post(srv.URL+"/api/upload", ct, body)
	require.NoError(t, err)
	var up struct {
		Token       string `json:"token"`
		DownloadURL string `json:"download_url"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&up))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, srv.URL+"/api/file/"+up.Token+"/download", up.DownloadURL)

	resp, err = http.Get(up.DownloadURL)
	require.NoError(t, err)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello there", string(got))

	resp, err = http.Get(up.DownloadURL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/metrics", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.service.Wait(waitCtx))
}

func TestReapOnce(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	c, err := openComponents(ctx, cfg, discardLogger(t))
	require.NoError(t, err)
	token, err := domain.NewToken()
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Hour)
	_, err = c.registry.Create(ctx, domain.NewRecord{
		Token:        token,
		StorageKey:   "2020/01/01/" + token.String() + ".txt",
		OriginalName: "old.txt",
		MimeType:     "text/plain",
		CreatedAt:    past.Add(-time.Hour),
		ExpiresAt:    past,
		MaxDownloads: 1,
	})
	require.NoError(t, err)
	require.NoError(t, c.close())

	var out bytes.Buffer
	require.NoError(t, reapOnce(ctx, cfg, discardLogger(t), &out))
	assert.Contains(t, out.String(), "marked=1")
	assert.Contains(t, out.String(), "errors=0")

	out.Reset()
	require.NoError(t, reapOnce(ctx, cfg, discardLogger(t), &out))
	assert.Contains(t, out.String(), "marked=0")
}

func TestServe_GracefulShutdown(t *testing.T) {
	cfg := testConfig(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, discardLogger(t), ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatalf("serve did not return after cancel")
	}
}
