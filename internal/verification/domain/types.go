package domain

import (
	"time"

	"github.com/pendergraft/sorobanregistry/internal/storage"
)

// Verification outcomes
const (
	OutcomeVerified    = storage.VerificationVerified
	OutcomeMismatched  = storage.VerificationMismatched
	OutcomeBuildFailed = storage.VerificationBuildFailed
)

// SubmitRequest asks for a version to be rebuilt from a source archive.
// An empty ToolchainPin selects the latest supported pin.
type SubmitRequest struct {
	VersionID    string
	Archive      []byte
	ToolchainPin string
}

// Result is one verification attempt of a contract version
type Result struct {
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

// Verified reports whether the rebuilt bytecode matched the chain
func (r *Result) Verified() bool {
	return r.Outcome == OutcomeVerified
}

// DiffSummary locates where rebuilt bytecode departs from the on-chain code
type DiffSummary struct {
	OnchainSize     int `json:"onchain_size"`
	BuiltSize       int `json:"built_size"`
	SizeDelta       int `json:"size_delta"`
	FirstDiffOffset int `json:"first_diff_offset"`
}

func (d DiffSummary) detail() map[string]any {
	return map[string]any{
		"onchain_size":      d.OnchainSize,
		"built_size":        d.BuiltSize,
		"size_delta":        d.SizeDelta,
		"first_diff_offset": d.FirstDiffOffset,
	}
}
