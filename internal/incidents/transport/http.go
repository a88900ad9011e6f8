// Package transport provides HTTP handlers for the incidents domain.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pendergraft/sorobanregistry/internal/incidents/domain"
)

// Service defines the incident coordinator interface for HTTP transport.
type Service interface {
	ReportIncident(ctx context.Context, req domain.ReportRequest) (*domain.Incident, error)
	GetIncident(ctx context.Context, id string) (*domain.Incident, error)
	ListIncidents(ctx context.Context, filter domain.ListFilter) ([]domain.Incident, error)
	UpdateIncident(ctx context.Context, id string, req domain.UpdateRequest) (*domain.Incident, error)
	RunDrill(ctx context.Context, category string, simulate bool) (*domain.DrillReport, error)
	RestoreFromBackup(ctx context.Context, backupRef string) (*domain.RestoreReport, error)
}

// Handler handles HTTP requests for incidents.
type Handler struct {
	svc Service
}

// NewHandler creates a new incidents HTTP handler.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterReadRoutes registers read-only incident routes (no auth required).
func (h *Handler) RegisterReadRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
}

// RegisterWriteRoutes registers write incident routes (auth required).
func (h *Handler) RegisterWriteRoutes(r chi.Router) {
	r.Post("/", h.handleReport)
	r.Patch("/{id}", h.handleUpdate)
	r.Post("/drills", h.handleDrill)
	r.Post("/restore", h.handleRestore)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	var states []domain.State
	if s := r.URL.Query().Get("state"); s != "" {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			st, ok := domain.ParseState(part)
			if !ok {
				writeError(w, http.StatusBadRequest, "INVALID_STATE", "Unknown incident state: "+part)
				return
			}
			states = append(states, st)
		}
	}

	incidents, err := h.svc.ListIncidents(r.Context(), domain.ListFilter{States: states, Limit: limit, Offset: offset})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list incidents")
		return
	}

	data := make([]IncidentResponse, len(incidents))
	for i := range incidents {
		data[i] = NewIncidentResponse(&incidents[i])
	}
	writeJSON(w, http.StatusOK, IncidentListResponse{
		Data:       data,
		Pagination: Pagination{Limit: limit, Offset: offset},
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	inc, err := h.svc.GetIncident(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, "Failed to get incident")
		return
	}
	writeJSON(w, http.StatusOK, NewIncidentResponse(inc))
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	inc, err := h.svc.ReportIncident(r.Context(), req.ToDomain())
	if err != nil {
		writeServiceError(w, err, "Failed to report incident")
		return
	}
	writeJSON(w, http.StatusCreated, NewIncidentResponse(inc))
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	inc, err := h.svc.UpdateIncident(r.Context(), chi.URLParam(r, "id"), req.ToDomain())
	if err != nil {
		writeServiceError(w, err, "Failed to update incident")
		return
	}
	writeJSON(w, http.StatusOK, NewIncidentResponse(inc))
}

func (h *Handler) handleDrill(w http.ResponseWriter, r *http.Request) {
	var req DrillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}
	// Drills are simulated unless the caller opts out
	simulate := req.Simulate == nil || *req.Simulate

	report, err := h.svc.RunDrill(r.Context(), req.Category, simulate)
	if err != nil {
		writeServiceError(w, err, "Failed to run drill")
		return
	}

	resp := DrillResponse{
		Category:  string(report.Category),
		Simulated: report.Simulated,
		Plan:      report.Plan,
		Check:     report.Check,
		State:     string(report.State),
	}
	if report.Incident != nil {
		inc := NewIncidentResponse(report.Incident)
		resp.Incident = &inc
		resp.RTO = report.RTO.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req RestoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	report, err := h.svc.RestoreFromBackup(r.Context(), req.BackupRef)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, "RESTORE_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, RestoreResponse{
		BackupRef:  report.BackupRef,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Duration:   report.Duration.String(),
		Detail:     report.Detail,
	})
}

func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Incident not found")
	case errors.Is(err, domain.ErrContractNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Contract not found")
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, domain.ErrBusy):
		writeError(w, http.StatusConflict, "BUSY", err.Error())
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
