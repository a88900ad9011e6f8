package domain

import (
	"context"
	"log/slog"
	"time"
)

// loggingService is the interface required for logging middleware.
type loggingService interface {
	GetContract(ctx context.Context, network, contractID string) (*Contract, error)
	GetVersions(ctx context.Context, network, contractID string) ([]Version, error)
	ListContracts(ctx context.Context, filter ListFilter, pagination PaginationParams) (*ListResult, error)
	Status(ctx context.Context) ([]NetworkStatus, error)
	ProcessLedgerRange(ctx context.Context, network string, from, to uint32) (*RangeResult, error)
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

func (m *loggingMiddleware) GetContract(ctx context.Context, network, contractID string) (*Contract, error) {
	start := time.Now()
	c, err := m.next.GetContract(ctx, network, contractID)
	m.logger.Debug("GetContract",
		"network", network,
		"contract_id", contractID,
		"duration", time.Since(start),
		"error", err,
	)
	return c, err
}

func (m *loggingMiddleware) GetVersions(ctx context.Context, network, contractID string) ([]Version, error) {
	start := time.Now()
	versions, err := m.next.GetVersions(ctx, network, contractID)
	m.logger.Debug("GetVersions",
		"network", network,
		"contract_id", contractID,
		"count", len(versions),
		"duration", time.Since(start),
		"error", err,
	)
	return versions, err
}

func (m *loggingMiddleware) ListContracts(ctx context.Context, filter ListFilter, pagination PaginationParams) (*ListResult, error) {
	start := time.Now()
	result, err := m.next.ListContracts(ctx, filter, pagination)
	m.logger.Debug("ListContracts",
		"network", filter.Network,
		"status", filter.Status,
		"limit", pagination.Limit,
		"duration", time.Since(start),
		"error", err,
	)
	return result, err
}

func (m *loggingMiddleware) Status(ctx context.Context) ([]NetworkStatus, error) {
	start := time.Now()
	status, err := m.next.Status(ctx)
	m.logger.Debug("Status",
		"networks", len(status),
		"duration", time.Since(start),
		"error", err,
	)
	return status, err
}

func (m *loggingMiddleware) ProcessLedgerRange(ctx context.Context, network string, from, to uint32) (*RangeResult, error) {
	start := time.Now()
	result, err := m.next.ProcessLedgerRange(ctx, network, from, to)
	attrs := []any{
		"network", network,
		"from", from,
		"to", to,
		"duration", time.Since(start),
		"error", err,
	}
	if result != nil {
		attrs = append(attrs,
			"ledgers", result.Ledgers,
			"new_contracts", result.NewContracts,
			"new_versions", result.NewVersions,
		)
	}
	m.logger.Info("ProcessLedgerRange", attrs...)
	return result, err
}
