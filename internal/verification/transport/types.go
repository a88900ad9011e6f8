// Package transport provides HTTP handlers for the verification domain.
package transport

import (
	"github.com/pendergraft/sorobanregistry/internal/sandbox"
	"github.com/pendergraft/sorobanregistry/internal/verification/domain"
)

// HistoryResponse is the response for a version's verification history.
type HistoryResponse struct {
	VersionID string          `json:"versionId"`
	Results   []domain.Result `json:"results"`
}

// ToolchainsResponse lists the supported toolchain pins.
type ToolchainsResponse struct {
	Toolchains []sandbox.Toolchain `json:"toolchains"`
	Latest     string              `json:"latest"`
}
