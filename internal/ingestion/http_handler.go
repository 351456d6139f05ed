package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/rpattn/pricing/internal/repository"

	"github.com/google/uuid"
)

// UploadPath is the route prefix served by Handler.
const UploadPath = "/api/pricing/upload"

// Handler exposes uploads and run status over HTTP.
type Handler struct {
	service        *Service
	logger         *slog.Logger
	maxUploadBytes int64
	spoolDir       string
}

type HandlerOption func(*Handler)

// WithMaxUploadBytes caps the request body of an upload.
func WithMaxUploadBytes(limit int64) HandlerOption {
	return func(h *Handler) {
		if limit > 0 {
			h.maxUploadBytes = limit
		}
	}
}

// WithSpoolDir sets where asynchronous uploads are buffered until processed.
func WithSpoolDir(dir string) HandlerOption {
	return func(h *Handler) {
		h.spoolDir = strings.TrimSpace(dir)
	}
}

func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHTTPHandler wraps the service with the upload endpoints.
func NewHTTPHandler(service *Service, opts ...HandlerOption) http.Handler {
	h := &Handler{
		service:        service,
		logger:         slog.Default(),
		maxUploadBytes: 100 << 20,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type uploadResponse struct {
	BatchID uuid.UUID `json:"batchId"`
	Summary *Summary  `json:"summary,omitempty"`
	Error   string    `json:"error,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, UploadPath), "/")
	if rest == "" {
		switch r.Method {
		case http.MethodPost:
			h.handleUpload(w, r)
		case http.MethodGet:
			h.handleListRuns(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(rest, "/")
	id, err := uuid.Parse(parts[0])
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid upload id: %v", err), http.StatusBadRequest)
		return
	}
	switch {
	case len(parts) == 1:
		h.handleGetRun(w, r, id)
	case len(parts) == 2 && parts[1] == "errors":
		h.handleListErrors(w, r, id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, fmt.Sprintf("file exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, fmt.Sprintf("invalid form data: %v", err), http.StatusBadRequest)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil || header.Size == 0 {
		if file != nil {
			_ = file.Close()
		}
		http.Error(w, "No file uploaded.", http.StatusBadRequest)
		return
	}
	defer file.Close()

	req := Request{
		FileName:   header.Filename,
		UploadedBy: r.FormValue("uploadedBy"),
	}

	if async, _ := strconv.ParseBool(r.FormValue("async")); async {
		spooled, err := h.spool(file)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to buffer upload: %v", err), http.StatusInternalServerError)
			return
		}
		req.Data = spooled
		id, err := h.service.Start(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, uploadResponse{BatchID: id})
		return
	}

	req.Data = file
	summary, err := h.service.Ingest(r.Context(), req)
	if err != nil {
		switch {
		case summary.UploadID == uuid.Nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		case errors.Is(err, ErrInvalidHeader):
			writeJSON(w, http.StatusBadRequest, uploadResponse{BatchID: summary.UploadID, Summary: &summary, Error: err.Error()})
		case errors.Is(err, context.Canceled):
			h.logger.Warn("upload request cancelled", "upload_id", summary.UploadID)
		default:
			writeJSON(w, http.StatusInternalServerError, uploadResponse{BatchID: summary.UploadID, Summary: &summary, Error: err.Error()})
		}
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{BatchID: summary.UploadID, Summary: &summary})
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	runs, err := h.service.ListRuns(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	run, err := h.service.GetRun(r.Context(), id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleListErrors(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	rowErrors, err := h.service.ListErrors(r.Context(), id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	if len(rowErrors) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, rowErrors)
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "upload not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// spooledFile deletes its backing temp file on Close.
type spooledFile struct {
	*os.File
}

func (f spooledFile) Close() error {
	closeErr := f.File.Close()
	removeErr := os.Remove(f.File.Name())
	return errors.Join(closeErr, removeErr)
}

func (h *Handler) spool(src io.Reader) (io.ReadCloser, error) {
	tmp, err := os.CreateTemp(h.spoolDir, "pricing-upload-*")
	if err != nil {
		return nil, err
	}
	spooled := spooledFile{File: tmp}
	if _, err := io.Copy(tmp, src); err != nil {
		_ = spooled.Close()
		return nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		_ = spooled.Close()
		return nil, err
	}
	return spooled, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
