// Package httpx contains the HTTP delivery layer (net/http handlers) for Vanish.
// It turns multipart uploads into staged files for the service, streams granted
// downloads, reports file info and translates lifecycle errors into status codes.
// Handlers are split across files (upload.go, download.go, info.go, health.go, errors.go).
package httpx

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/klauspost/compress/gzhttp"
	"github.com/spf13/afero"

	"github.com/haukened/vanish/internal/app"
	"github.com/haukened/vanish/internal/domain"
)

// ServicePort abstracts the subset of app.Service used by the HTTP layer.
// It is satisfied by *app.Service in production and mocked in tests.
type ServicePort interface {
	Upload(ctx context.Context, req app.UploadRequest) (app.UploadResult, error)
	Download(ctx context.Context, token string) (*app.Download, error)
	Info(ctx context.Context, token string) (domain.Info, error)
}

// Handler wires HTTP endpoints to the application service.
// It is safe for concurrent use. Zero-value is not valid; construct via New.
type Handler struct {
	Service       ServicePort
	MaxBody       int64                       // largest accepted file; 0 disables the check
	Readiness     func(context.Context) error // optional readiness probe
	Staging       afero.Fs                    // filesystem for staged uploads; nil uses the OS
	StagingDir    string                      // directory for staged uploads
	PublicBaseURL string                      // prefix for returned links; empty uses the request host
	Metrics       http.Handler                // optional, mounted at /metrics
	Logger        *slog.Logger
}

// New returns a configured Handler.
// svc: application service port implementation.
// maxBody: maximum accepted file size (0 disables the check).
// readiness: optional probe function for /readyz (nil => always ready).
func New(svc ServicePort, maxBody int64, readiness func(context.Context) error) *Handler {
	return &Handler{Service: svc, MaxBody: maxBody, Readiness: readiness}
}

// Router constructs and returns an http.Handler with all routes mounted and
// the correlation and security header middleware applied. JSON routes are
// gzip-compressed; downloads never are.
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/upload", gzhttp.GzipHandler(http.HandlerFunc(h.handleUpload)))
	mux.HandleFunc("GET /api/file/{token}/download", h.handleDownload)
	mux.Handle("GET /api/file/{token}/info", gzhttp.GzipHandler(http.HandlerFunc(h.handleInfo)))
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	if h.Metrics != nil {
		mux.Handle("GET /metrics", gzhttp.GzipHandler(h.Metrics))
	}
	return CorrelationIDMiddleware(h.secureHeaders(mux))
}

// secureHeaders middleware adds standard security & cache control headers.
func (h *Handler) secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		// Nothing served here is meant to render; downloaded HTML must not run.
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; sandbox")
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) staging() afero.Fs {
	if h.Staging == nil {
		return afero.NewOsFs()
	}
	return h.Staging
}

// log returns the http logger scoped with the request correlation ID.
func (h *Handler) log(ctx context.Context) *slog.Logger {
	l := h.Logger
	if l == nil {
		l = slog.Default()
	}
	l = l.With("domain", "http")
	if cid, ok := GetCorrelationID(ctx); ok {
		l = l.With("cid", cid)
	}
	return l
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
