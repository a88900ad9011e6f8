package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pendergraft/sorobanregistry/internal/indexer/domain"
)

// Service defines the indexer interface for HTTP transport.
type Service interface {
	GetContract(ctx context.Context, network, contractID string) (*domain.Contract, error)
	GetVersions(ctx context.Context, network, contractID string) ([]domain.Version, error)
	ListContracts(ctx context.Context, filter domain.ListFilter, pagination domain.PaginationParams) (*domain.ListResult, error)
	Status(ctx context.Context) ([]domain.NetworkStatus, error)
}

// Handler handles HTTP requests for indexed contracts.
type Handler struct {
	svc Service
}

// NewHandler creates a new indexer HTTP handler.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterReadRoutes registers read-only index routes (no auth required).
func (h *Handler) RegisterReadRoutes(r chi.Router) {
	r.Get("/networks/{network}/contracts", h.handleList)
	r.Get("/networks/{network}/contracts/{contractID}", h.handleGet)
	r.Get("/networks/{network}/contracts/{contractID}/versions", h.handleGetVersions)
	r.Get("/indexer/status", h.handleStatus)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	result, err := h.svc.ListContracts(r.Context(), domain.ListFilter{
		Network: chi.URLParam(r, "network"),
		Status:  r.URL.Query().Get("status"),
	}, domain.PaginationParams{
		Limit:  limit,
		Cursor: r.URL.Query().Get("cursor"),
	})
	if err != nil {
		writeServiceError(w, err, "Failed to list contracts")
		return
	}

	data := result.Contracts
	if data == nil {
		data = []domain.Contract{}
	}
	writeJSON(w, http.StatusOK, ContractListResponse{
		Data: data,
		Pagination: Pagination{
			Limit:      limit,
			HasMore:    result.HasMore,
			NextCursor: result.NextCursor,
		},
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.GetContract(r.Context(), chi.URLParam(r, "network"), chi.URLParam(r, "contractID"))
	if err != nil {
		writeServiceError(w, err, "Failed to get contract")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleGetVersions(w http.ResponseWriter, r *http.Request) {
	network, contractID := chi.URLParam(r, "network"), chi.URLParam(r, "contractID")
	versions, err := h.svc.GetVersions(r.Context(), network, contractID)
	if err != nil {
		writeServiceError(w, err, "Failed to get versions")
		return
	}
	writeJSON(w, http.StatusOK, VersionsResponse{
		Network:    network,
		ContractID: contractID,
		Versions:   versions,
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get indexer status")
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Networks: status})
}

func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Contract not found")
	case errors.Is(err, domain.ErrInvalidNetwork), errors.Is(err, domain.ErrInvalidContractID):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
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
