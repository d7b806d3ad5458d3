package httpx

import (
	"net/http"

	"github.com/dustin/go-humanize"

	"github.com/haukened/vanish/internal/domain"
)

type infoResponse struct {
	domain.Info
	SizeHuman string `json:"size_human"`
}

// handleInfo implements GET /api/file/{token}/info. Records that are no longer
// downloadable are still described, with 410.
func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.Service.Info(r.Context(), r.PathValue("token"))
	if err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	code := http.StatusOK
	if info.Status != domain.StatusActive {
		code = http.StatusGone
	}
	writeJSON(w, code, infoResponse{Info: info, SizeHuman: humanize.IBytes(uint64(info.Size))})
}
