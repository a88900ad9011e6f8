// Package transport provides HTTP request/response types for the incidents domain.
package transport

import (
	"time"

	"github.com/pendergraft/sorobanregistry/internal/incidents/domain"
)

// ReportRequest is the HTTP request body for reporting an incident.
type ReportRequest struct {
	ContractRef string `json:"contractRef,omitempty"`
	Network     string `json:"network,omitempty"`
	ContractID  string `json:"contractId,omitempty"`
	Type        string `json:"type"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// ToDomain converts ReportRequest to domain.ReportRequest.
func (r ReportRequest) ToDomain() domain.ReportRequest {
	return domain.ReportRequest{
		ContractRef: r.ContractRef,
		Network:     r.Network,
		ContractID:  r.ContractID,
		Type:        r.Type,
		Category:    r.Category,
		Description: r.Description,
	}
}

// UpdateRequest is the HTTP request body for editing an incident.
type UpdateRequest struct {
	LessonsLearned *string `json:"lessonsLearned,omitempty"`
	NotifiedUsers  *bool   `json:"notifiedUsers,omitempty"`
	Abandon        bool    `json:"abandon,omitempty"`
	Resume         bool    `json:"resume,omitempty"`
}

// ToDomain converts UpdateRequest to domain.UpdateRequest.
func (r UpdateRequest) ToDomain() domain.UpdateRequest {
	return domain.UpdateRequest{
		LessonsLearned: r.LessonsLearned,
		NotifiedUsers:  r.NotifiedUsers,
		Abandon:        r.Abandon,
		Resume:         r.Resume,
	}
}

// DrillRequest is the HTTP request body for a recovery drill.
type DrillRequest struct {
	Category string `json:"category"`
	Simulate *bool  `json:"simulate,omitempty"`
}

// RestoreRequest is the HTTP request body for a backup restore.
type RestoreRequest struct {
	BackupRef string `json:"backupRef"`
}

// IncidentResponse is the HTTP representation of an incident.
type IncidentResponse struct {
	domain.Incident
	RTOAchieved string `json:"rtoAchieved,omitempty"`
	RPOAchieved string `json:"rpoAchieved,omitempty"`
}

// NewIncidentResponse renders durations as Go duration strings.
func NewIncidentResponse(inc *domain.Incident) IncidentResponse {
	resp := IncidentResponse{Incident: *inc}
	if inc.RTO != nil {
		resp.RTOAchieved = inc.RTO.String()
	}
	if inc.RPO != nil {
		resp.RPOAchieved = inc.RPO.String()
	}
	return resp
}

// IncidentListResponse is the response for listing incidents.
type IncidentListResponse struct {
	Data       []IncidentResponse `json:"data"`
	Pagination Pagination         `json:"pagination"`
}

// Pagination contains offset pagination info.
type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// DrillResponse is the HTTP representation of a drill report.
type DrillResponse struct {
	Category  string            `json:"category"`
	Simulated bool              `json:"simulated"`
	Plan      []string          `json:"plan"`
	Check     string            `json:"check"`
	State     string            `json:"state,omitempty"`
	RTO       string            `json:"rto,omitempty"`
	Incident  *IncidentResponse `json:"incident,omitempty"`
}

// RestoreResponse is the HTTP representation of a restore report.
type RestoreResponse struct {
	BackupRef  string    `json:"backupRef"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Duration   string    `json:"duration"`
	Detail     string    `json:"detail,omitempty"`
}
