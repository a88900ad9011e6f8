package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Request asks the operator to carry out one external step
type Request struct {
	Action     string            `json:"action"`
	Category   Category          `json:"category"`
	IncidentID string            `json:"incidentId,omitempty"`
	Network    string            `json:"network,omitempty"`
	ContractID string            `json:"contractId,omitempty"`
	Drill      bool              `json:"drill,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

// Operator performs recovery steps against systems outside the registry:
// contract admin keys, bridge relayers, exchange and price-feed operators.
type Operator interface {
	Execute(ctx context.Context, req Request) error
	Restore(ctx context.Context, backupRef string) (string, error)
}

// LogOperator records requests without acting on them. It stands in when no
// external operator is configured.
type LogOperator struct {
	logger *slog.Logger
}

// NewLogOperator creates a logging operator
func NewLogOperator(logger *slog.Logger) *LogOperator {
	return &LogOperator{logger: logger}
}

func (o *LogOperator) Execute(ctx context.Context, req Request) error {
	o.logger.Info("recovery step",
		"action", req.Action,
		"category", req.Category,
		"incident_id", req.IncidentID,
		"contract_id", req.ContractID,
		"drill", req.Drill,
		"params", req.Params,
	)
	return nil
}

func (o *LogOperator) Restore(ctx context.Context, backupRef string) (string, error) {
	o.logger.Info("restore from backup requested", "backup_ref", backupRef)
	return "logged; no operator configured", nil
}

// WebhookOperator POSTs each request as JSON to an operator endpoint.
// Any 2xx response means the step succeeded.
type WebhookOperator struct {
	url    string
	client *http.Client
}

// NewWebhookOperator creates an operator backed by url
func NewWebhookOperator(url string, timeout time.Duration) *WebhookOperator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookOperator{url: url, client: &http.Client{Timeout: timeout}}
}

func (o *WebhookOperator) Execute(ctx context.Context, req Request) error {
	_, err := o.post(ctx, req)
	return err
}

func (o *WebhookOperator) Restore(ctx context.Context, backupRef string) (string, error) {
	return o.post(ctx, Request{Action: "restore_backup", Params: map[string]string{"backup_ref": backupRef}})
}

func (o *WebhookOperator) post(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%s: %w", req.Action, err)
	}
	defer resp.Body.Close()

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s: operator returned %d: %s", req.Action, resp.StatusCode, bytes.TrimSpace(detail))
	}
	return string(bytes.TrimSpace(detail)), nil
}
