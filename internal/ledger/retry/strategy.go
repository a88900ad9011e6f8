// Package retry provides retry strategies for ledger fetches and other
// operations against unreliable external systems.
package retry

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pendergraft/sorobanregistry/internal/config"
	"github.com/pendergraft/sorobanregistry/internal/ledger"
)

// Strategy defines the interface for retry strategies
type Strategy interface {
	// Execute runs the operation with the configured retry logic
	Execute(ctx context.Context, operation Operation) error

	// Name returns the name of the strategy for logging
	Name() string
}

// Operation is a function that can be retried
type Operation func() error

// NewStrategy creates a retry strategy based on configuration
func NewStrategy(cfg config.RetryConfig, logger *slog.Logger) Strategy {
	if !cfg.Enabled {
		logger.Info("retry disabled, using NoRetryStrategy")
		return NewNoRetryStrategy()
	}

	logger.Info("retry enabled, using ExponentialBackoffStrategy",
		"max_retries", cfg.MaxRetries,
		"initial_delay", cfg.InitialDelay,
		"max_delay", cfg.MaxDelay,
	)

	return NewExponentialBackoffStrategy(cfg.MaxRetries, cfg.InitialDelay, cfg.MaxDelay).WithLogger(logger)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// isRecoverableError determines if an error is worth retrying.
// Missing objects, cancellation and errors marked Permanent are final.
// Per-call deadlines are transient and retried.
func isRecoverableError(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	switch {
	case errors.As(err, &perm):
		return false
	case errors.Is(err, ledger.ErrNotFound):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}
