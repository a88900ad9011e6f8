// Package transport provides HTTP handlers for the contract index.
package transport

import "github.com/pendergraft/sorobanregistry/internal/indexer/domain"

// ContractListResponse is the response for listing contracts.
type ContractListResponse struct {
	Data       []domain.Contract `json:"data"`
	Pagination Pagination        `json:"pagination"`
}

// Pagination provides pagination metadata.
type Pagination struct {
	Limit      int    `json:"limit"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor"`
}

// VersionsResponse is the response for getting contract versions.
type VersionsResponse struct {
	Network    string           `json:"network"`
	ContractID string           `json:"contractId"`
	Versions   []domain.Version `json:"versions"`
}

// StatusResponse is the response for the indexer status.
type StatusResponse struct {
	Networks []domain.NetworkStatus `json:"networks"`
}
