package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"

	"github.com/haukened/vanish/internal/app"
	"github.com/haukened/vanish/internal/domain"
)

const (
	// multipartOverhead is the allowance for boundaries, part headers and
	// form fields on top of MaxBody.
	multipartOverhead = 1 << 20
	// sniffLen matches the mimetype library's default read limit.
	sniffLen    = 3072
	maxFieldLen = 256
	genericMIME = "application/octet-stream"
)

var (
	errMissingFile   = errors.New("missing file part")
	errMultipleFiles = errors.New("only one file part is allowed")
	errFieldTooLong  = errors.New("form field too long")
)

type uploadResponse struct {
	Token        string    `json:"token"`
	InfoURL      string    `json:"info_url"`
	DownloadURL  string    `json:"download_url"`
	ExpiresAt    time.Time `json:"expires_at"`
	MaxDownloads int       `json:"max_downloads"`
	OriginalName string    `json:"original_name"`
	MimeType     string    `json:"mime_type"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
}

// handleUpload implements POST /api/upload. The multipart body carries a
// "file" part plus optional "expires_at" (RFC 3339) and "max_downloads" fields.
// The file is streamed to a staging file which is always removed afterwards.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.MaxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxBody+multipartOverhead)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, "expected multipart/form-data")
		return
	}

	var req app.UploadRequest
	defer func() {
		if req.StagingPath != "" {
			// Storage may already have moved the file away.
			_ = h.staging().Remove(req.StagingPath)
		}
	}()
	if err := h.readForm(mr, &req); err != nil {
		h.writeFormError(ctx, w, err)
		return
	}

	res, err := h.Service.Upload(ctx, req)
	if err != nil {
		h.mapServiceError(ctx, w, err)
		return
	}
	base := h.baseURL(r)
	token := res.Token.String()
	writeJSON(w, http.StatusCreated, uploadResponse{
		Token:        token,
		InfoURL:      base + "/api/file/" + token + "/info",
		DownloadURL:  base + "/api/file/" + token + "/download",
		ExpiresAt:    res.ExpiresAt,
		MaxDownloads: res.MaxDownloads,
		OriginalName: res.OriginalName,
		MimeType:     res.MimeType,
		Size:         res.Size,
		SizeHuman:    humanize.IBytes(uint64(res.Size)),
	})
}

// readForm walks the multipart parts, staging the file and parsing options
// into req. req.StagingPath is set as soon as a staging file exists.
func (h *Handler) readForm(mr *multipart.Reader, req *app.UploadRequest) error {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		err = h.readPart(part, req)
		_ = part.Close()
		if err != nil {
			return err
		}
	}
	if req.StagingPath == "" {
		return errMissingFile
	}
	return nil
}

func (h *Handler) readPart(part *multipart.Part, req *app.UploadRequest) error {
	switch part.FormName() {
	case "file":
		if req.StagingPath != "" {
			return errMultipleFiles
		}
		req.OriginalName = part.FileName()
		return h.stage(part, req)
	case "expires_at":
		v, err := readField(part)
		if err != nil {
			return err
		}
		if v == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidExpiry, err)
		}
		req.ExpiresAt = &t
	case "max_downloads":
		v, err := readField(part)
		if err != nil {
			return err
		}
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidMaxDownloads, err)
		}
		req.MaxDownloads = &n
	}
	return nil
}

// stage copies the file part into a fresh staging file. The first bytes are
// sniffed so a blank or generic declared type can be replaced.
func (h *Handler) stage(part *multipart.Part, req *app.UploadRequest) error {
	f, err := afero.TempFile(h.staging(), h.StagingDir, "upload-*")
	if err != nil {
		return domain.IO("http.stage", err)
	}
	req.StagingPath = f.Name()
	defer f.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(part, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	head = head[:n]
	req.MimeType = resolveMIME(part.Header.Get("Content-Type"), head)

	if _, err := f.Write(head); err != nil {
		return domain.IO("http.stage", err)
	}
	src := io.Reader(part)
	if h.MaxBody > 0 {
		src = io.LimitReader(part, h.MaxBody-int64(n)+1)
	}
	copied, err := io.Copy(stagingWriter{f}, src)
	if err != nil {
		return err
	}
	if h.MaxBody > 0 && int64(n)+copied > h.MaxBody {
		return domain.ErrSizeExceeded
	}
	if err := f.Sync(); err != nil {
		return domain.IO("http.stage", err)
	}
	return nil
}

// stagingWriter tags write failures as IO so they are not mistaken for a
// malformed request body.
type stagingWriter struct{ w io.Writer }

func (s stagingWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		return n, domain.IO("http.stage", err)
	}
	return n, nil
}

// resolveMIME prefers the declared part type unless it is blank or generic.
func resolveMIME(declared string, head []byte) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && !mimetype.EqualsAny(declared, genericMIME) {
		return declared
	}
	return mimetype.Detect(head).String()
}

func readField(part *multipart.Part) (string, error) {
	b, err := io.ReadAll(io.LimitReader(part, maxFieldLen+1))
	if err != nil {
		return "", err
	}
	if len(b) > maxFieldLen {
		return "", errFieldTooLong
	}
	return strings.TrimSpace(string(b)), nil
}

// writeFormError maps errors raised while reading the multipart body.
func (h *Handler) writeFormError(ctx context.Context, w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		h.mapServiceError(ctx, w, domain.ErrSizeExceeded)
	case errors.Is(err, errMissingFile), errors.Is(err, errMultipleFiles), errors.Is(err, errFieldTooLong):
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrSizeExceeded), errors.Is(err, domain.ErrInvalidExpiry),
		errors.Is(err, domain.ErrInvalidMaxDownloads), domain.KindOf(err) != domain.KindUnknown:
		h.mapServiceError(ctx, w, err)
	default:
		h.log(ctx).Info("malformed upload body", "err", err)
		h.writeError(ctx, w, http.StatusBadRequest, "malformed multipart body")
	}
}

// baseURL is the configured public prefix or one derived from the request.
func (h *Handler) baseURL(r *http.Request) string {
	if h.PublicBaseURL != "" {
		return strings.TrimSuffix(h.PublicBaseURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
