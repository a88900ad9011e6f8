package domain

import (
	"context"
	"log/slog"
	"time"

	"github.com/pendergraft/sorobanregistry/internal/sandbox"
)

// loggingService is the interface required for logging middleware.
type loggingService interface {
	SubmitVerification(ctx context.Context, req SubmitRequest) (*Result, error)
	GetVerificationHistory(ctx context.Context, versionID string) ([]Result, error)
	Reverify(ctx context.Context, versionID string) (*Result, error)
	Toolchains() []sandbox.Toolchain
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

func (m *loggingMiddleware) SubmitVerification(ctx context.Context, req SubmitRequest) (*Result, error) {
	start := time.Now()
	result, err := m.next.SubmitVerification(ctx, req)
	attrs := []any{
		"version_id", req.VersionID,
		"archive_bytes", len(req.Archive),
		"toolchain", req.ToolchainPin,
		"duration", time.Since(start),
		"error", err,
	}
	if result != nil {
		attrs = append(attrs, "outcome", result.Outcome, "result_id", result.ID)
	}
	m.logger.Info("SubmitVerification", attrs...)
	return result, err
}

func (m *loggingMiddleware) GetVerificationHistory(ctx context.Context, versionID string) ([]Result, error) {
	start := time.Now()
	results, err := m.next.GetVerificationHistory(ctx, versionID)
	m.logger.Debug("GetVerificationHistory",
		"version_id", versionID,
		"count", len(results),
		"duration", time.Since(start),
		"error", err,
	)
	return results, err
}

func (m *loggingMiddleware) Reverify(ctx context.Context, versionID string) (*Result, error) {
	start := time.Now()
	result, err := m.next.Reverify(ctx, versionID)
	attrs := []any{
		"version_id", versionID,
		"duration", time.Since(start),
		"error", err,
	}
	if result != nil {
		attrs = append(attrs, "outcome", result.Outcome)
	}
	m.logger.Info("Reverify", attrs...)
	return result, err
}

func (m *loggingMiddleware) Toolchains() []sandbox.Toolchain {
	return m.next.Toolchains()
}
