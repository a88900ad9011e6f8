package domain

import (
	"context"
	"log/slog"
	"time"
)

// loggingService is the interface required for logging middleware.
type loggingService interface {
	ReportIncident(ctx context.Context, req ReportRequest) (*Incident, error)
	GetIncident(ctx context.Context, id string) (*Incident, error)
	ListIncidents(ctx context.Context, filter ListFilter) ([]Incident, error)
	UpdateIncident(ctx context.Context, id string, req UpdateRequest) (*Incident, error)
	RunDrill(ctx context.Context, category string, simulate bool) (*DrillReport, error)
	RestoreFromBackup(ctx context.Context, backupRef string) (*RestoreReport, error)
}

// LoggingMiddleware returns a service middleware that logs all operations.
func LoggingMiddleware(logger *slog.Logger) func(loggingService) *loggingMiddleware {
	return func(next loggingService) *loggingMiddleware {
		return &loggingMiddleware{
			next:   next,
			logger: logger,
		}
	}
}

type loggingMiddleware struct {
	next   loggingService
	logger *slog.Logger
}

func (m *loggingMiddleware) ReportIncident(ctx context.Context, req ReportRequest) (*Incident, error) {
	start := time.Now()
	inc, err := m.next.ReportIncident(ctx, req)
	attrs := []any{
		"type", req.Type,
		"category", req.Category,
		"contract_id", req.ContractID,
		"duration", time.Since(start),
		"error", err,
	}
	if inc != nil {
		attrs = append(attrs, "incident_id", inc.ID, "state", inc.State)
	}
	m.logger.Info("ReportIncident", attrs...)
	return inc, err
}

func (m *loggingMiddleware) GetIncident(ctx context.Context, id string) (*Incident, error) {
	start := time.Now()
	inc, err := m.next.GetIncident(ctx, id)
	m.logger.Debug("GetIncident",
		"incident_id", id,
		"duration", time.Since(start),
		"error", err,
	)
	return inc, err
}

func (m *loggingMiddleware) ListIncidents(ctx context.Context, filter ListFilter) ([]Incident, error) {
	start := time.Now()
	incs, err := m.next.ListIncidents(ctx, filter)
	m.logger.Debug("ListIncidents",
		"states", filter.States,
		"limit", filter.Limit,
		"offset", filter.Offset,
		"count", len(incs),
		"duration", time.Since(start),
		"error", err,
	)
	return incs, err
}

func (m *loggingMiddleware) UpdateIncident(ctx context.Context, id string, req UpdateRequest) (*Incident, error) {
	start := time.Now()
	inc, err := m.next.UpdateIncident(ctx, id, req)
	m.logger.Info("UpdateIncident",
		"incident_id", id,
		"lessons", req.LessonsLearned != nil,
		"notified_users", req.NotifiedUsers,
		"abandon", req.Abandon,
		"resume", req.Resume,
		"duration", time.Since(start),
		"error", err,
	)
	return inc, err
}

func (m *loggingMiddleware) RunDrill(ctx context.Context, category string, simulate bool) (*DrillReport, error) {
	start := time.Now()
	report, err := m.next.RunDrill(ctx, category, simulate)
	attrs := []any{
		"category", category,
		"simulate", simulate,
		"duration", time.Since(start),
		"error", err,
	}
	if report != nil && !simulate {
		attrs = append(attrs, "state", report.State, "rto", report.RTO)
	}
	m.logger.Info("RunDrill", attrs...)
	return report, err
}

func (m *loggingMiddleware) RestoreFromBackup(ctx context.Context, backupRef string) (*RestoreReport, error) {
	start := time.Now()
	report, err := m.next.RestoreFromBackup(ctx, backupRef)
	m.logger.Info("RestoreFromBackup",
		"backup_ref", backupRef,
		"duration", time.Since(start),
		"error", err,
	)
	return report, err
}
