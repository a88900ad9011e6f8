package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pendergraft/sorobanregistry/internal/sandbox"
	"github.com/pendergraft/sorobanregistry/internal/verification/domain"
)

// DefaultMaxArchive bounds a submitted source archive when no limit is given
const DefaultMaxArchive = 32 << 20

// Service defines the verification service interface for HTTP transport.
type Service interface {
	SubmitVerification(ctx context.Context, req domain.SubmitRequest) (*domain.Result, error)
	GetVerificationHistory(ctx context.Context, versionID string) ([]domain.Result, error)
	Toolchains() []sandbox.Toolchain
}

// Handler handles HTTP requests for verification.
type Handler struct {
	svc        Service
	maxArchive int64
}

// NewHandler creates a new verification HTTP handler. Archives larger than
// maxArchive bytes are rejected before they reach the sandbox.
func NewHandler(svc Service, maxArchive int64) *Handler {
	if maxArchive <= 0 {
		maxArchive = DefaultMaxArchive
	}
	return &Handler{svc: svc, maxArchive: maxArchive}
}

// RegisterReadRoutes registers read-only verification routes (no auth required).
func (h *Handler) RegisterReadRoutes(r chi.Router) {
	r.Get("/versions/{versionID}/verifications", h.handleHistory)
	r.Get("/toolchains", h.handleToolchains)
}

// RegisterWriteRoutes registers write verification routes (auth required).
func (h *Handler) RegisterWriteRoutes(r chi.Router) {
	r.Post("/versions/{versionID}/verifications", h.handleSubmit)
}

// handleSubmit accepts the source archive either as a raw gzip body or as
// the "archive" part of a multipart form. The toolchain pin comes from the
// "toolchain" query parameter or form field.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxArchive+1<<20)
	toolchain := r.URL.Query().Get("toolchain")

	var archive []byte
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mediaType == "multipart/form-data":
		if err := r.ParseMultipartForm(h.maxArchive); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid multipart form")
			return
		}
		file, _, err := r.FormFile("archive")
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Missing archive part")
			return
		}
		defer file.Close()
		archive, err = readLimited(file, h.maxArchive)
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "ARCHIVE_TOO_LARGE", err.Error())
			return
		}
		if toolchain == "" {
			toolchain = r.FormValue("toolchain")
		}
	default:
		var err error
		archive, err = readLimited(r.Body, h.maxArchive)
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "ARCHIVE_TOO_LARGE", err.Error())
			return
		}
	}

	result, err := h.svc.SubmitVerification(r.Context(), domain.SubmitRequest{
		VersionID:    chi.URLParam(r, "versionID"),
		Archive:      archive,
		ToolchainPin: strings.TrimSpace(toolchain),
	})
	if err != nil {
		writeServiceError(w, err, "Failed to verify version")
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	versionID := chi.URLParam(r, "versionID")
	results, err := h.svc.GetVerificationHistory(r.Context(), versionID)
	if err != nil {
		writeServiceError(w, err, "Failed to get verification history")
		return
	}
	if results == nil {
		results = []domain.Result{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{VersionID: versionID, Results: results})
}

func (h *Handler) handleToolchains(w http.ResponseWriter, r *http.Request) {
	list := h.svc.Toolchains()
	resp := ToolchainsResponse{Toolchains: list}
	if len(list) > 0 {
		resp.Latest = list[len(list)-1].Pin
	}
	writeJSON(w, http.StatusOK, resp)
}

var errArchiveTooLarge = errors.New("archive exceeds the size limit")

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, limit+1))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errArchiveTooLarge
		}
		return nil, err
	}
	if n > limit {
		return nil, errArchiveTooLarge
	}
	return buf.Bytes(), nil
}

func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Version not found")
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, domain.ErrUnsupportedToolchain):
		writeError(w, http.StatusBadRequest, "UNSUPPORTED_TOOLCHAIN", err.Error())
	case errors.Is(err, domain.ErrBackpressure):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "BACKPRESSURE", "Build queue is full, retry later")
	case errors.Is(err, domain.ErrDeterminismViolation):
		writeError(w, http.StatusConflict, "DETERMINISM_VIOLATION", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", fallback)
	}
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
