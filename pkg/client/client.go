// Package client provides a Go client for the Soroban contract registry API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a registry API client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// New creates a new registry client. Builds can take minutes, so the
// default timeout is generous.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Minute,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Contract is an indexed contract
type Contract struct {
	Ref              string    `json:"ref"`
	Network          string    `json:"network"`
	ContractID       string    `json:"contractId"`
	CurrentHash      string    `json:"currentHash"`
	CurrentVersionID string    `json:"currentVersionId,omitempty"`
	CreatedLedger    uint32    `json:"createdLedger"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Version is one bytecode version of a contract
type Version struct {
	ID                 string    `json:"id"`
	Label              string    `json:"label"`
	BytecodeHash       string    `json:"bytecodeHash"`
	DeployedLedger     uint32    `json:"deployedLedger"`
	SizeBytes          int       `json:"sizeBytes"`
	VerificationStatus string    `json:"verificationStatus"`
	Current            bool      `json:"current"`
	CreatedAt          time.Time `json:"createdAt"`
}

// NetworkStatus is the indexer position on one network
type NetworkStatus struct {
	Network      string `json:"network"`
	LastLedger   uint32 `json:"lastLedger"`
	LatestLedger uint32 `json:"latestLedger"`
	Lag          uint32 `json:"lag"`
	Degraded     bool   `json:"degraded"`
	LastError    string `json:"lastError,omitempty"`
}

// VerificationResult is the outcome of one verification attempt
type VerificationResult struct {
	ID           string         `json:"id"`
	VersionID    string         `json:"versionId"`
	SourceDigest string         `json:"sourceDigest"`
	ToolchainPin string         `json:"toolchainPin"`
	ComputedHash string         `json:"computedHash,omitempty"`
	OnchainHash  string         `json:"onchainHash"`
	Outcome      string         `json:"outcome"`
	Detail       map[string]any `json:"detail,omitempty"`
	DurationMS   int64          `json:"durationMs"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Toolchain is a supported build toolchain pin
type Toolchain struct {
	Pin     string `json:"pin"`
	Rustc   string `json:"rustc"`
	Target  string `json:"target"`
	Profile string `json:"profile"`
	SDK     string `json:"sdk,omitempty"`
}

// Incident is a tracked incident
type Incident struct {
	ID               string       `json:"id"`
	Network          string       `json:"network,omitempty"`
	ContractID       string       `json:"contractId,omitempty"`
	Type             string       `json:"type"`
	Category         string       `json:"category"`
	Description      string       `json:"description"`
	State            string       `json:"state"`
	StartTime        time.Time    `json:"startTime"`
	EndTime          *time.Time   `json:"endTime,omitempty"`
	RTOAchieved      string       `json:"rtoAchieved,omitempty"`
	RPOAchieved      string       `json:"rpoAchieved,omitempty"`
	LessonsLearned   string       `json:"lessonsLearned,omitempty"`
	NotifiedUsers    bool         `json:"notifiedUsers"`
	RecoveryAttempts int          `json:"recoveryAttempts"`
	Stalled          bool         `json:"stalled"`
	LastError        string       `json:"lastError,omitempty"`
	Drill            bool         `json:"drill"`
	Transitions      []Transition `json:"transitions,omitempty"`
}

// Transition is one recorded state change
type Transition struct {
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReportRequest opens an incident
type ReportRequest struct {
	Network     string `json:"network,omitempty"`
	ContractID  string `json:"contractId,omitempty"`
	Type        string `json:"type"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// UpdateRequest edits an incident
type UpdateRequest struct {
	LessonsLearned *string `json:"lessonsLearned,omitempty"`
	NotifiedUsers  *bool   `json:"notifiedUsers,omitempty"`
	Abandon        bool    `json:"abandon,omitempty"`
	Resume         bool    `json:"resume,omitempty"`
}

// DrillReport is the outcome of a recovery drill
type DrillReport struct {
	Category  string    `json:"category"`
	Simulated bool      `json:"simulated"`
	Plan      []string  `json:"plan"`
	Check     string    `json:"check"`
	State     string    `json:"state,omitempty"`
	RTO       string    `json:"rto,omitempty"`
	Incident  *Incident `json:"incident,omitempty"`
}

// ListContractsResponse is the response for listing contracts
type ListContractsResponse struct {
	Data       []Contract `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// Pagination contains pagination info
type Pagination struct {
	Limit      int    `json:"limit"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// ListOptions pages through contracts
type ListOptions struct {
	Status string
	Limit  int
	Cursor string
}

// APIError represents an API error response
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the API
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Identity is the key a request authenticated with
type Identity struct {
	Authenticated bool   `json:"authenticated"`
	KeyID         string `json:"keyId,omitempty"`
	Name          string `json:"name,omitempty"`
}

// WhoAmI reports which API key the client authenticates with
func (c *Client) WhoAmI(ctx context.Context) (*Identity, error) {
	var resp Identity
	if err := c.get(ctx, "/api/v1/auth/whoami", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListContracts lists indexed contracts on a network
func (c *Client) ListContracts(ctx context.Context, network string, opts ListOptions) (*ListContractsResponse, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	path := fmt.Sprintf("/api/v1/networks/%s/contracts", url.PathEscape(network))
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp ListContractsResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetContract gets a contract by network and contract id
func (c *Client) GetContract(ctx context.Context, network, contractID string) (*Contract, error) {
	var resp Contract
	path := fmt.Sprintf("/api/v1/networks/%s/contracts/%s", url.PathEscape(network), url.PathEscape(contractID))
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetVersions lists the versions of a contract, oldest first
func (c *Client) GetVersions(ctx context.Context, network, contractID string) ([]Version, error) {
	var resp struct {
		Versions []Version `json:"versions"`
	}
	path := fmt.Sprintf("/api/v1/networks/%s/contracts/%s/versions", url.PathEscape(network), url.PathEscape(contractID))
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Versions, nil
}

// IndexerStatus reports the indexer position per network
func (c *Client) IndexerStatus(ctx context.Context) ([]NetworkStatus, error) {
	var resp struct {
		Networks []NetworkStatus `json:"networks"`
	}
	if err := c.get(ctx, "/api/v1/indexer/status", &resp); err != nil {
		return nil, err
	}
	return resp.Networks, nil
}

// Toolchains lists the supported toolchain pins and the latest one
func (c *Client) Toolchains(ctx context.Context) ([]Toolchain, string, error) {
	var resp struct {
		Toolchains []Toolchain `json:"toolchains"`
		Latest     string      `json:"latest"`
	}
	if err := c.get(ctx, "/api/v1/toolchains", &resp); err != nil {
		return nil, "", err
	}
	return resp.Toolchains, resp.Latest, nil
}

// SubmitVerification uploads a gzipped source archive for a version. An
// empty toolchain selects the latest pin.
func (c *Client) SubmitVerification(ctx context.Context, versionID string, archive io.Reader, toolchain string) (*VerificationResult, error) {
	path := fmt.Sprintf("/api/v1/versions/%s/verifications", url.PathEscape(versionID))
	if toolchain != "" {
		path += "?toolchain=" + url.QueryEscape(toolchain)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, archive)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/gzip")

	var resp VerificationResult
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerificationHistory lists the verification attempts for a version, newest first
func (c *Client) VerificationHistory(ctx context.Context, versionID string) ([]VerificationResult, error) {
	var resp struct {
		Results []VerificationResult `json:"results"`
	}
	path := fmt.Sprintf("/api/v1/versions/%s/verifications", url.PathEscape(versionID))
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// ReportIncident opens an incident
func (c *Client) ReportIncident(ctx context.Context, req ReportRequest) (*Incident, error) {
	var resp Incident
	if err := c.send(ctx, http.MethodPost, "/api/v1/incidents", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetIncident gets an incident with its transitions
func (c *Client) GetIncident(ctx context.Context, id string) (*Incident, error) {
	var resp Incident
	if err := c.get(ctx, "/api/v1/incidents/"+url.PathEscape(id), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListIncidents lists incidents, optionally restricted to states
func (c *Client) ListIncidents(ctx context.Context, states ...string) ([]Incident, error) {
	path := "/api/v1/incidents"
	if len(states) > 0 {
		path += "?state=" + url.QueryEscape(strings.Join(states, ","))
	}
	var resp struct {
		Data []Incident `json:"data"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// UpdateIncident edits an incident
func (c *Client) UpdateIncident(ctx context.Context, id string, req UpdateRequest) (*Incident, error) {
	var resp Incident
	if err := c.send(ctx, http.MethodPatch, "/api/v1/incidents/"+url.PathEscape(id), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RunDrill runs a recovery drill for a category
func (c *Client) RunDrill(ctx context.Context, category string, simulate bool) (*DrillReport, error) {
	body := map[string]any{"category": category, "simulate": simulate}
	var resp DrillReport
	if err := c.send(ctx, http.MethodPost, "/api/v1/incidents/drills", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	return c.do(req, result)
}

func (c *Client) send(ctx context.Context, method, path string, body, result any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.parseError(resp)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}

	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
}

func (c *Client) parseError(resp *http.Response) error {
	var errResp struct {
		Error APIError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error.Code == "" {
		return &APIError{StatusCode: resp.StatusCode, Code: "HTTP_ERROR", Message: resp.Status}
	}
	errResp.Error.StatusCode = resp.StatusCode
	return &errResp.Error
}
