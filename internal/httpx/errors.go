package httpx

import (
	"context"
	"errors"
	"net/http"

	"github.com/haukened/vanish/internal/domain"
)

// msgUnavailable is returned for transient storage failures. The registry has
// not been mutated, so the client may retry.
const msgUnavailable = "unavailable, retry"

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// writeError writes a JSON error body with given status code.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
	h.log(ctx).Debug("wrote error response", "status", code, "msg", msg)
}

// mapServiceError maps validation sentinels and lifecycle kinds to HTTP
// responses. Raw error strings are logged only for server-side failures and
// never reach the client.
func (h *Handler) mapServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	log := h.log(ctx)
	switch {
	case errors.Is(err, domain.ErrInvalidToken):
		log.Info("service error", "code", "invalid_token")
		h.writeError(ctx, w, http.StatusBadRequest, "invalid token")
		return
	case errors.Is(err, domain.ErrInvalidExpiry):
		log.Info("service error", "code", "invalid_expiry")
		h.writeError(ctx, w, http.StatusBadRequest, domain.ErrInvalidExpiry.Error())
		return
	case errors.Is(err, domain.ErrInvalidMaxDownloads):
		log.Info("service error", "code", "invalid_max_downloads")
		h.writeError(ctx, w, http.StatusBadRequest, domain.ErrInvalidMaxDownloads.Error())
		return
	case errors.Is(err, domain.ErrSizeExceeded):
		log.Info("service error", "code", "size_exceeded")
		h.writeError(ctx, w, http.StatusRequestEntityTooLarge, "size exceeded")
		return
	case errors.Is(err, domain.ErrTypeNotAllowed):
		log.Info("service error", "code", "type_not_allowed")
		h.writeError(ctx, w, http.StatusUnsupportedMediaType, "file type not allowed")
		return
	}

	switch kind := domain.KindOf(err); kind {
	case domain.KindNotFound:
		log.Info("service error", "code", kind.String())
		h.writeError(ctx, w, http.StatusNotFound, "not found")
	case domain.KindGone:
		reason := domain.ReasonOf(err).String()
		log.Info("service error", "code", kind.String(), "reason", reason)
		writeJSON(w, http.StatusGone, errorBody{Error: "gone", Reason: reason})
	case domain.KindConflict, domain.KindIO:
		log.Warn("service error", "code", kind.String(), "err", err)
		w.Header().Set("Retry-After", "1")
		h.writeError(ctx, w, http.StatusServiceUnavailable, msgUnavailable)
	case domain.KindInvalidKey:
		log.Error("service error", "code", kind.String(), "err", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "internal")
	case domain.KindUnknown:
		log.Error("unhandled service error", "code", "unhandled", "err", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "internal")
	}
}
