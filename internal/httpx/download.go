package httpx

import (
	"bufio"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"unicode"

	"github.com/haukened/vanish/internal/domain"
)

const (
	streamBufSize   = 32 << 10
	fallbackName    = "download"
	maxFilenameRune = 200
)

// handleDownload implements GET /api/file/{token}/download. Consumption is
// committed by the service before any byte is sent. The first byte is peeked
// before headers so a missing blob still yields a clean 503.
func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dl, err := h.Service.Download(ctx, r.PathValue("token"))
	if err != nil {
		h.mapServiceError(ctx, w, err)
		return
	}
	// Closing the body triggers post-download cleanup for the final download.
	defer dl.Body.Close()

	br := bufio.NewReaderSize(dl.Body, streamBufSize)
	if _, err := br.Peek(1); err != nil && !errors.Is(err, io.EOF) {
		if domain.KindOf(err) == domain.KindInvalidKey {
			h.mapServiceError(ctx, w, err)
			return
		}
		h.log(ctx).Warn("blob unavailable", "token", dl.Record.Token.Short(), "kind", domain.KindOf(err).String(), "err", err)
		w.Header().Set("Retry-After", "1")
		h.writeError(ctx, w, http.StatusServiceUnavailable, msgUnavailable)
		return
	}

	rec := dl.Record
	ct := rec.MimeType
	if ct == "" {
		ct = genericMIME
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	w.Header().Set("Content-Disposition", contentDisposition(rec.OriginalName))
	w.WriteHeader(http.StatusOK)
	n, err := io.Copy(w, br)
	if err != nil {
		// Headers are gone; the consumption stands and the client sees a short body.
		h.log(ctx).Warn("download interrupted", "token", rec.Token.Short(), "written", n, "err", err)
		return
	}
	h.log(ctx).Debug("download streamed", "token", rec.Token.Short(), "written", n, "final", dl.ShouldDelete)
}

// contentDisposition builds an attachment header around a sanitized base name.
func contentDisposition(name string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": attachmentName(name)}); v != "" {
		return v
	}
	return "attachment"
}

// attachmentName reduces a client supplied name to a printable base name.
func attachmentName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '"' || r == '/' {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if runes := []rune(name); len(runes) > maxFilenameRune {
		name = string(runes[len(runes)-maxFilenameRune:])
	}
	if name == "" || name == "." || name == ".." {
		return fallbackName
	}
	return name
}
