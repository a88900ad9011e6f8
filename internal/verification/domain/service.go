// Package domain contains the verification engine: it rebuilds submitted
// source in the build sandbox and compares the result with on-chain bytecode.
package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pendergraft/sorobanregistry/internal/cache"
	incidents "github.com/pendergraft/sorobanregistry/internal/incidents/domain"
	"github.com/pendergraft/sorobanregistry/internal/incidents/recovery"
	"github.com/pendergraft/sorobanregistry/internal/observability/metrics"
	"github.com/pendergraft/sorobanregistry/internal/sandbox"
	"github.com/pendergraft/sorobanregistry/internal/storage"
)

// Common errors returned by the verification service.
var (
	ErrNotFound             = errors.New("version not found")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrUnsupportedToolchain = errors.New("unsupported toolchain")
	ErrBackpressure         = errors.New("build queue full")
	ErrDeterminismViolation = errors.New("determinism violation")
	ErrNoSource             = errors.New("no stored source for version")
)

// logExcerptBytes is how much of a failed build log is kept in the result
const logExcerptBytes = 4 << 10

// Store defines the storage operations needed by the verification engine.
type Store interface {
	GetVersion(ctx context.Context, id string) (*storage.ContractVersion, error)
	GetContractByRef(ctx context.Context, ref string) (*storage.Contract, error)
	GetBlob(ctx context.Context, hash string) ([]byte, error)
	PutBlob(ctx context.Context, content []byte) (string, error)
	RecordVerification(ctx context.Context, result *storage.VerificationResult) error
	ListVerifications(ctx context.Context, versionID string) ([]storage.VerificationResult, error)
	LatestVerification(ctx context.Context, versionID, sourceDigest, toolchainPin string) (*storage.VerificationResult, error)
}

// Builder runs sandboxed builds
type Builder interface {
	Build(ctx context.Context, archive []byte, tc sandbox.Toolchain) ([]byte, *sandbox.BuildLog, error)
	Toolchains() *sandbox.Toolchains
}

// IncidentReporter raises incidents for mismatches and determinism violations
type IncidentReporter interface {
	ReportIncident(ctx context.Context, req incidents.ReportRequest) (*incidents.Incident, error)
}

// Options sets verification policy
type Options struct {
	// MismatchIncidents reports an incident when a verified version
	// rebuilds to a different hash.
	MismatchIncidents bool
	MismatchCategory  string
}

// Service verifies contract versions
type Service struct {
	store    Store
	builder  Builder
	cache    cache.Cache
	logger   *slog.Logger
	opts     Options
	reporter IncidentReporter
	group    singleflight.Group
	now      func() time.Time
}

// NewService creates a verification service. The cache may be nil.
func NewService(store Store, builder Builder, c cache.Cache, logger *slog.Logger, opts Options) *Service {
	if c == nil {
		c = cache.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MismatchCategory == "" {
		opts.MismatchCategory = string(recovery.CategoryOther)
	}
	return &Service{
		store:   store,
		builder: builder,
		cache:   c,
		logger:  logger,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetIncidentReporter sets where mismatches and determinism violations are reported
func (s *Service) SetIncidentReporter(r IncidentReporter) {
	s.reporter = r
}

// Toolchains returns the supported toolchain pins, oldest first
func (s *Service) Toolchains() []sandbox.Toolchain {
	return s.builder.Toolchains().List()
}

// SubmitVerification rebuilds a version from source and records the outcome.
// Concurrent submissions of the same version, source and pin share one build.
func (s *Service) SubmitVerification(ctx context.Context, req SubmitRequest) (*Result, error) {
	if req.VersionID == "" {
		return nil, fmt.Errorf("%w: version id is required", ErrInvalidRequest)
	}
	if len(req.Archive) == 0 {
		return nil, fmt.Errorf("%w: source archive is required", ErrInvalidRequest)
	}

	v, err := s.store.GetVersion(ctx, req.VersionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting version: %w", err)
	}

	tc, err := s.builder.Toolchains().Resolve(req.ToolchainPin)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedToolchain, err)
	}

	digest := storage.ComputeHash(req.Archive)
	key := v.ID + "/" + digest + "/" + tc.Pin
	// The shared build is detached from whichever caller started it; the
	// sandbox bounds it with its own timeout. Each caller stops waiting when
	// its own context ends.
	buildCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		return s.verify(buildCtx, v, req.Archive, digest, tc)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			s.logger.Debug("shared verification build", "version_id", v.ID, "source_digest", digest, "toolchain", tc.Pin)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		result := *res.Val.(*Result)
		return &result, nil
	}
}

func (s *Service) verify(ctx context.Context, v *storage.ContractVersion, archive []byte, digest string, tc sandbox.Toolchain) (*Result, error) {
	start := s.now()
	wasm, buildLog, err := s.builder.Build(ctx, archive, tc)
	elapsed := s.now().Sub(start)

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		be, ok := sandbox.AsBuildError(err)
		if !ok {
			return nil, fmt.Errorf("building version %s: %w", v.ID, err)
		}
		metrics.SandboxBuild(tc.Pin, string(be.Kind), elapsed)
		switch be.Kind {
		case sandbox.KindBackpressure:
			metrics.VerificationRequest("backpressure")
			return nil, fmt.Errorf("%w: %v", ErrBackpressure, err)
		case sandbox.KindUnsupportedToolchain:
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedToolchain, err)
		}
		return s.record(ctx, v, archive, &storage.VerificationResult{
			VersionID:    v.ID,
			SourceDigest: digest,
			ToolchainPin: tc.Pin,
			Outcome:      OutcomeBuildFailed,
			Detail:       failureDetail(be),
			DurationMS:   elapsed.Milliseconds(),
		})
	}
	metrics.SandboxBuild(tc.Pin, "ok", elapsed)

	sum := sha256.Sum256(wasm)
	computed := hex.EncodeToString(sum[:])

	prev, err := s.store.LatestVerification(ctx, v.ID, digest, tc.Pin)
	switch {
	case err == nil && prev.ComputedHash != computed:
		return nil, s.determinismViolation(ctx, v, digest, tc.Pin, prev.ComputedHash, computed)
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("reading previous result: %w", err)
	}

	detail := map[string]any{}
	if buildLog != nil {
		detail["log_ref"] = buildLog.Ref
	}
	outcome := OutcomeVerified
	if computed != v.BytecodeHash {
		outcome = OutcomeMismatched
		diff := s.diff(ctx, v, wasm)
		for k, val := range diff.detail() {
			detail[k] = val
		}
	}

	result, err := s.record(ctx, v, archive, &storage.VerificationResult{
		VersionID:    v.ID,
		SourceDigest: digest,
		ToolchainPin: tc.Pin,
		ComputedHash: computed,
		Outcome:      outcome,
		Detail:       detail,
		DurationMS:   elapsed.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}

	if outcome == OutcomeMismatched && v.VerificationStatus == OutcomeVerified && s.opts.MismatchIncidents {
		s.report(ctx, incidents.ReportRequest{
			ContractRef: v.ContractRef,
			Type:        incidents.TypeVerificationMismatch,
			Category:    s.opts.MismatchCategory,
			Description: fmt.Sprintf("version %s of %s was verified but now rebuilds to %s (on-chain %s)",
				v.Label, v.ContractID, computed, v.BytecodeHash),
		})
	}
	return result, nil
}

// record stores the source archive and appends the result
func (s *Service) record(ctx context.Context, v *storage.ContractVersion, archive []byte, r *storage.VerificationResult) (*Result, error) {
	if _, err := s.store.PutBlob(ctx, archive); err != nil {
		return nil, fmt.Errorf("storing source archive: %w", err)
	}
	r.CreatedAt = s.now()
	if err := s.store.RecordVerification(ctx, r); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("recording verification: %w", err)
	}
	s.cache.Delete(ctx, cache.VersionsKey(v.Network, v.ContractID))
	metrics.VerificationRequest(r.Outcome)

	s.logger.Info("verification recorded",
		"version_id", v.ID,
		"contract_id", v.ContractID,
		"outcome", r.Outcome,
		"computed_hash", r.ComputedHash,
		"onchain_hash", v.BytecodeHash,
		"toolchain", r.ToolchainPin,
	)
	return toResult(r, v.BytecodeHash), nil
}

func (s *Service) diff(ctx context.Context, v *storage.ContractVersion, built []byte) DiffSummary {
	d := DiffSummary{
		OnchainSize:     v.SizeBytes,
		BuiltSize:       len(built),
		SizeDelta:       len(built) - v.SizeBytes,
		FirstDiffOffset: -1,
	}
	onchain, err := s.store.GetBlob(ctx, v.BytecodeHash)
	if err != nil {
		s.logger.Warn("on-chain bytecode unavailable for diff", "version_id", v.ID, "hash", v.BytecodeHash, "error", err)
		return d
	}
	d.OnchainSize = len(onchain)
	d.SizeDelta = len(built) - len(onchain)
	d.FirstDiffOffset = sandbox.FirstDiffOffset(onchain, built)
	return d
}

func (s *Service) determinismViolation(ctx context.Context, v *storage.ContractVersion, digest, pin, previous, computed string) error {
	metrics.DeterminismViolation()
	s.logger.Error("determinism violation",
		"version_id", v.ID,
		"contract_id", v.ContractID,
		"source_digest", digest,
		"toolchain", pin,
		"previous_hash", previous,
		"computed_hash", computed,
	)
	s.report(ctx, incidents.ReportRequest{
		ContractRef: v.ContractRef,
		Type:        incidents.TypeDeterminism,
		Category:    string(recovery.CategoryOther),
		Description: fmt.Sprintf("source %s with toolchain %s built to %s, previously %s", digest, pin, computed, previous),
	})
	return fmt.Errorf("%w: source %s with toolchain %s built to %s, previously %s",
		ErrDeterminismViolation, digest, pin, computed, previous)
}

func (s *Service) report(ctx context.Context, req incidents.ReportRequest) {
	if s.reporter == nil {
		return
	}
	if _, err := s.reporter.ReportIncident(ctx, req); err != nil {
		s.logger.Error("reporting incident failed", "type", req.Type, "contract_ref", req.ContractRef, "error", err)
	}
}

// GetVerificationHistory returns a version's results newest first
func (s *Service) GetVerificationHistory(ctx context.Context, versionID string) ([]Result, error) {
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting version: %w", err)
	}
	records, err := s.store.ListVerifications(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("listing verifications: %w", err)
	}
	out := make([]Result, len(records))
	for i := range records {
		out[i] = *toResult(&records[i], v.BytecodeHash)
	}
	return out, nil
}

// Reverify rebuilds a version from its most recently submitted source that
// is still stored, with the toolchain pin used then.
func (s *Service) Reverify(ctx context.Context, versionID string) (*Result, error) {
	history, err := s.GetVerificationHistory(ctx, versionID)
	if err != nil {
		return nil, err
	}
	for _, r := range history {
		archive, err := s.store.GetBlob(ctx, r.SourceDigest)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading source archive: %w", err)
		}
		return s.SubmitVerification(ctx, SubmitRequest{
			VersionID:    versionID,
			Archive:      archive,
			ToolchainPin: r.ToolchainPin,
		})
	}
	return nil, ErrNoSource
}

// ReverifyContract re-verifies the current version of a contract and returns
// the outcome, or "" when no source was ever submitted for it.
func (s *Service) ReverifyContract(ctx context.Context, contractRef string) (string, error) {
	c, err := s.store.GetContractByRef(ctx, contractRef)
	if err != nil {
		return "", fmt.Errorf("getting contract: %w", err)
	}
	if c.CurrentVersionID == "" {
		return "", nil
	}
	r, err := s.Reverify(ctx, c.CurrentVersionID)
	if errors.Is(err, ErrNoSource) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return r.Outcome, nil
}

func failureDetail(be *sandbox.BuildError) map[string]any {
	detail := map[string]any{
		"kind":    string(be.Kind),
		"message": be.Message,
	}
	if be.Log != nil {
		output := be.Log.Output
		if len(output) > logExcerptBytes {
			output = output[len(output)-logExcerptBytes:]
		}
		detail["log_excerpt"] = output
		detail["log_ref"] = be.Log.Ref
		detail["exit_code"] = be.Log.ExitCode
	}
	return detail
}

func toResult(r *storage.VerificationResult, onchainHash string) *Result {
	return &Result{
		ID:           r.ID,
		VersionID:    r.VersionID,
		SourceDigest: r.SourceDigest,
		ToolchainPin: r.ToolchainPin,
		ComputedHash: r.ComputedHash,
		OnchainHash:  onchainHash,
		Outcome:      r.Outcome,
		Detail:       r.Detail,
		DurationMS:   r.DurationMS,
		CreatedAt:    r.CreatedAt,
	}
}
