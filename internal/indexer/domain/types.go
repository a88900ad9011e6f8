package domain

import "time"

// Contract is a deployed contract as indexed from the chain
type Contract struct {
	Ref              string    `json:"ref"`
	Network          string    `json:"network"`
	ContractID       string    `json:"contractId"`
	CurrentHash      string    `json:"currentHash"`
	CurrentVersionID string    `json:"currentVersionId,omitempty"`
	CreatedLedger    uint32    `json:"createdLedger"`
	PublisherID      string    `json:"publisherId,omitempty"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Version is one distinct bytecode observed for a contract
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

// ListFilter contains filter options for listing contracts
type ListFilter struct {
	Network string
	Status  string
}

// PaginationParams contains pagination options
type PaginationParams struct {
	Limit  int
	Cursor string
}

// ListResult contains a page of contracts
type ListResult struct {
	Contracts  []Contract
	HasMore    bool
	NextCursor string
}

// NetworkStatus is the indexing health of one network
type NetworkStatus struct {
	Network      string     `json:"network"`
	LastLedger   uint32     `json:"lastLedger"`
	LastClosedAt *time.Time `json:"lastClosedAt,omitempty"`
	LatestLedger uint32     `json:"latestLedger"`
	Lag          uint32     `json:"lag"`
	Degraded     bool       `json:"degraded"`
	LastError    string     `json:"lastError,omitempty"`
	CheckedAt    *time.Time `json:"checkedAt,omitempty"`
}

// RangeResult summarises one ProcessLedgerRange call
type RangeResult struct {
	Ledgers      int
	Skipped      int
	NewContracts int
	NewVersions  int
	Retired      int
}
