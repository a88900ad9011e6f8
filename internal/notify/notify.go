// Package notify delivers incident lifecycle events to operators and
// affected users.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pendergraft/sorobanregistry/internal/config"
)

// Event types
const (
	EventResolved  = "incident.resolved"
	EventAbandoned = "incident.abandoned"
	EventStalled   = "incident.stalled"
)

// Event is one incident notification
type Event struct {
	Type        string    `json:"type"`
	IncidentID  string    `json:"incidentId"`
	Category    string    `json:"category"`
	State       string    `json:"state"`
	Network     string    `json:"network,omitempty"`
	ContractID  string    `json:"contractId,omitempty"`
	Description string    `json:"description,omitempty"`
	Error       string    `json:"error,omitempty"`
	RTO         string    `json:"rto,omitempty"`
	RPO         string    `json:"rpo,omitempty"`
	Drill       bool      `json:"drill,omitempty"`
	At          time.Time `json:"at"`
}

// Notifier dispatches incident events
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
	Close() error
}

// New creates a notifier from configuration
func New(cfg config.NotifyConfig, logger *slog.Logger) (Notifier, error) {
	switch cfg.Type {
	case "", "log":
		return NewLog(logger), nil
	case "webhook":
		return NewWebhook(cfg.WebhookURL, 10*time.Second), nil
	case "redis":
		return NewRedis(cfg.RedisURL, cfg.RedisChannel)
	default:
		return nil, fmt.Errorf("unknown notify type: %s", cfg.Type)
	}
}

// Log writes events to the structured log
type Log struct {
	logger *slog.Logger
}

// NewLog creates a logging notifier
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, ev Event) error {
	l.logger.Info("incident notification",
		"type", ev.Type,
		"incident_id", ev.IncidentID,
		"category", ev.Category,
		"state", ev.State,
		"contract_id", ev.ContractID,
		"rto", ev.RTO,
		"rpo", ev.RPO,
		"error", ev.Error,
	)
	return nil
}

func (l *Log) Close() error { return nil }
