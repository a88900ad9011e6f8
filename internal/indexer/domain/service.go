// Package domain contains the ledger indexer: it derives contracts and their
// bytecode versions from closed ledgers and keeps a resumable cursor per
// network.
package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pendergraft/sorobanregistry/internal/cache"
	incidents "github.com/pendergraft/sorobanregistry/internal/incidents/domain"
	"github.com/pendergraft/sorobanregistry/internal/incidents/recovery"
	"github.com/pendergraft/sorobanregistry/internal/ledger"
	"github.com/pendergraft/sorobanregistry/internal/ledger/retry"
	"github.com/pendergraft/sorobanregistry/internal/observability/metrics"
	"github.com/pendergraft/sorobanregistry/internal/storage"
	"github.com/pendergraft/sorobanregistry/internal/validation"
)

// Common errors returned by the indexer.
var (
	ErrNotFound          = errors.New("contract not found")
	ErrInvalidNetwork    = errors.New("invalid network")
	ErrNetworkNotIndexed = errors.New("network not indexed")
	ErrInvalidContractID = errors.New("invalid contract id")
	ErrBytecodeMismatch  = errors.New("fetched bytecode does not match the announced wasm hash")
	ErrHashDrift         = errors.New("on-chain bytecode differs from the indexed hash")
)

// Store defines the storage operations needed by the indexer.
type Store interface {
	GetContract(ctx context.Context, network, contractID string) (*storage.Contract, error)
	ListContracts(ctx context.Context, filter storage.ContractFilter, pagination storage.PaginationParams) (*storage.PaginatedResult[storage.Contract], error)
	ListVersions(ctx context.Context, contractRef string) ([]storage.ContractVersion, error)
	GetBlob(ctx context.Context, hash string) ([]byte, error)
	GetCursor(ctx context.Context, network string) (*storage.Cursor, error)
	CommitLedger(ctx context.Context, commit storage.LedgerCommit) (*storage.CommitResult, error)
}

// IncidentReporter raises incidents for anomalies seen while indexing
type IncidentReporter interface {
	ReportIncident(ctx context.Context, req incidents.ReportRequest) (*incidents.Incident, error)
}

// Options tunes the indexing loop
type Options struct {
	BatchSize    int
	PollInterval time.Duration
	// StartLedgers is the first ledger per network when no cursor exists;
	// zero starts at the latest ledger.
	StartLedgers map[string]uint32
}

// Service indexes every network in the source registry
type Service struct {
	store   Store
	sources *ledger.Registry
	retry   retry.Strategy
	cache   cache.Cache
	logger  *slog.Logger
	opts    Options

	reporter IncidentReporter

	mu       sync.Mutex
	status   map[string]*NetworkStatus
	reported map[string]struct{}
}

// NewService creates an indexer. The cache may be nil.
func NewService(store Store, sources *ledger.Registry, strategy retry.Strategy, c cache.Cache, logger *slog.Logger, opts Options) *Service {
	if strategy == nil {
		strategy = retry.NewNoRetryStrategy()
	}
	if c == nil {
		c = cache.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 6 * time.Second
	}
	return &Service{
		store:    store,
		sources:  sources,
		retry:    strategy,
		cache:    c,
		logger:   logger,
		opts:     opts,
		status:   make(map[string]*NetworkStatus),
		reported: make(map[string]struct{}),
	}
}

// SetIncidentReporter sets where bytecode anomalies are reported
func (s *Service) SetIncidentReporter(r IncidentReporter) {
	s.reporter = r
}

func (s *Service) source(network string) (ledger.Source, error) {
	n, err := ledger.ParseNetwork(network)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNetwork, err)
	}
	src, ok := s.sources.Get(n)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNetworkNotIndexed, network)
	}
	return src, nil
}

// ProcessLedgerRange derives contracts and versions from ledgers from..to
// and commits them one ledger at a time, each together with the cursor
// advance. Ledgers at or below the cursor are skipped, so replaying a range
// changes nothing. A range starting past cursor+1 is widened back to
// cursor+1 so the cursor never jumps over unprocessed ledgers.
func (s *Service) ProcessLedgerRange(ctx context.Context, network string, from, to uint32) (*RangeResult, error) {
	src, err := s.source(network)
	if err != nil {
		return nil, err
	}
	if to < from {
		return nil, fmt.Errorf("invalid ledger range [%d, %d]", from, to)
	}

	cur, err := s.store.GetCursor(ctx, network)
	switch {
	case err == nil:
		if from > cur.LastLedger+1 {
			s.logger.Warn("range starts past the cursor, replaying the gap first",
				"network", network,
				"cursor", cur.LastLedger,
				"requested_from", from,
			)
			from = cur.LastLedger + 1
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("reading cursor for %s: %w", network, err)
	}

	result := &RangeResult{}
	batch := uint32(s.opts.BatchSize)
	for start := from; start <= to; {
		end := start + batch - 1
		if end > to || end < start {
			end = to
		}
		if err := s.processBatch(ctx, src, network, start, end, result); err != nil {
			return result, err
		}
		if end == to {
			break
		}
		start = end + 1
	}
	return result, nil
}

func (s *Service) processBatch(ctx context.Context, src ledger.Source, network string, from, to uint32, result *RangeResult) error {
	var ledgers []ledger.Ledger
	err := s.retry.Execute(ctx, func() error {
		var err error
		ledgers, err = src.FetchLedgerRange(ctx, from, to)
		return err
	})
	if err != nil {
		return fmt.Errorf("fetching ledgers [%d, %d] on %s: %w", from, to, network, err)
	}

	for _, l := range ledgers {
		commit, err := s.deriveCommit(ctx, src, network, l)
		if err != nil {
			return fmt.Errorf("ledger %d on %s: %w", l.Sequence, network, err)
		}

		res, err := s.store.CommitLedger(ctx, commit)
		if err != nil {
			return fmt.Errorf("committing ledger %d on %s: %w", l.Sequence, network, err)
		}
		if res.AlreadyCommitted {
			result.Skipped++
			continue
		}

		result.Ledgers++
		result.NewContracts += res.NewContracts
		result.NewVersions += res.NewVersions
		result.Retired += res.Retired
		for _, id := range res.Touched {
			s.cache.Delete(ctx, cache.ContractKeys(network, id)...)
		}
		metrics.IndexerDeployments(network, res.NewContracts, res.NewVersions, res.Retired)
		s.advance(network, l)
	}
	return nil
}

func (s *Service) deriveCommit(ctx context.Context, src ledger.Source, network string, l ledger.Ledger) (storage.LedgerCommit, error) {
	commit := storage.LedgerCommit{
		Network:  network,
		Sequence: l.Sequence,
		ClosedAt: l.ClosedAt,
	}
	for _, ev := range l.Events {
		switch ev.Kind {
		case ledger.EventRetire:
			commit.Deployments = append(commit.Deployments, storage.ObservedDeployment{
				ContractID: ev.ContractID,
				Retired:    true,
			})
		case ledger.EventCreate, ledger.EventUpdate:
			code, hash, err := s.bytecode(ctx, src, network, ev)
			if err != nil {
				return commit, err
			}
			commit.Deployments = append(commit.Deployments, storage.ObservedDeployment{
				ContractID:   ev.ContractID,
				BytecodeHash: hash,
				Bytecode:     code,
			})
		}
	}
	return commit, nil
}

// bytecode returns the code deployed by ev and its SHA-256. Code already
// stored under the announced hash is reused.
func (s *Service) bytecode(ctx context.Context, src ledger.Source, network string, ev ledger.Event) ([]byte, string, error) {
	if ev.WasmHash != "" {
		blob, err := s.store.GetBlob(ctx, ev.WasmHash)
		if err == nil {
			return blob, ev.WasmHash, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, "", fmt.Errorf("reading stored code %s: %w", ev.WasmHash, err)
		}
	}

	var code []byte
	err := s.retry.Execute(ctx, func() error {
		var err error
		if ev.WasmHash != "" {
			code, err = src.FetchCode(ctx, ev.WasmHash)
		} else {
			code, err = src.FetchContractCode(ctx, ev.ContractID)
		}
		return err
	})
	if err != nil {
		return nil, "", fmt.Errorf("fetching code for %s: %w", ev.ContractID, err)
	}

	sum := sha256.Sum256(code)
	hash := hex.EncodeToString(sum[:])
	if ev.WasmHash != "" && hash != ev.WasmHash {
		s.anomaly(ctx, network, ev, hash)
		return nil, "", fmt.Errorf("%w: contract %s at ledger %d announced %s, fetched code hashes to %s",
			ErrBytecodeMismatch, ev.ContractID, ev.Ledger, ev.WasmHash, hash)
	}
	return code, hash, nil
}

// anomaly records a bytecode mismatch and reports it once per contract and hash
func (s *Service) anomaly(ctx context.Context, network string, ev ledger.Event, computed string) {
	metrics.IndexerAnomaly(network)
	s.logger.Error("bytecode anomaly",
		"network", network,
		"contract_id", ev.ContractID,
		"ledger", ev.Ledger,
		"tx_hash", ev.TxHash,
		"announced_hash", ev.WasmHash,
		"computed_hash", computed,
	)
	if s.reporter == nil {
		return
	}

	key := network + "/" + ev.ContractID + "/" + ev.WasmHash
	s.mu.Lock()
	_, seen := s.reported[key]
	s.mu.Unlock()
	if seen {
		return
	}

	req := incidents.ReportRequest{
		Type:     incidents.TypeIndexerAnomaly,
		Category: string(recovery.CategoryOther),
		Description: fmt.Sprintf("contract %s on %s at ledger %d: announced wasm hash %s, fetched code hashes to %s",
			ev.ContractID, network, ev.Ledger, ev.WasmHash, computed),
	}
	if c, err := s.store.GetContract(ctx, network, ev.ContractID); err == nil {
		req.ContractRef = c.ID
	}
	if _, err := s.reporter.ReportIncident(ctx, req); err != nil {
		s.logger.Error("reporting bytecode anomaly failed", "contract_id", ev.ContractID, "error", err)
		return
	}
	s.mu.Lock()
	s.reported[key] = struct{}{}
	s.mu.Unlock()
}

// Sync replays every ledger between the cursor and the latest closed ledger
// in batches. Without a cursor it starts at the configured start ledger, or
// at the latest ledger.
func (s *Service) Sync(ctx context.Context, network string) (*RangeResult, error) {
	src, err := s.source(network)
	if err != nil {
		return nil, err
	}

	var latest uint32
	err = s.retry.Execute(ctx, func() error {
		var err error
		latest, err = src.LatestLedger(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting latest ledger on %s: %w", network, err)
	}
	s.observeLatest(network, latest)

	var from uint32
	cur, err := s.store.GetCursor(ctx, network)
	switch {
	case err == nil:
		from = cur.LastLedger + 1
		metrics.IndexerLedger(network, cur.LastLedger, latest)
	case errors.Is(err, storage.ErrNotFound):
		from = s.opts.StartLedgers[network]
		if from == 0 || from > latest {
			from = latest
		}
	default:
		return nil, fmt.Errorf("reading cursor for %s: %w", network, err)
	}

	total := &RangeResult{}
	batch := uint32(s.opts.BatchSize)
	for from <= latest {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		to := from + batch - 1
		if to > latest || to < from {
			to = latest
		}
		r, err := s.ProcessLedgerRange(ctx, network, from, to)
		if r != nil {
			total.Ledgers += r.Ledgers
			total.Skipped += r.Skipped
			total.NewContracts += r.NewContracts
			total.NewVersions += r.NewVersions
			total.Retired += r.Retired
		}
		if err != nil {
			return total, err
		}
		from = to + 1
	}
	return total, nil
}

// Run indexes every registered network until ctx is cancelled. Each network
// runs sequentially in its own goroutine; a failed sync marks the network
// degraded and is retried from the persisted cursor after the poll interval.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range s.sources.List() {
		network := string(src.Network())
		g.Go(func() error {
			s.runNetwork(ctx, network)
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) runNetwork(ctx context.Context, network string) {
	s.logger.Info("indexer started", "network", network)
	for {
		result, err := s.Sync(ctx, network)
		if ctx.Err() != nil {
			s.logger.Info("indexer stopped", "network", network)
			return
		}
		if err != nil {
			s.setDegraded(network, err)
		} else {
			s.setDegraded(network, nil)
			if result.Ledgers > 0 {
				s.logger.Debug("indexed ledgers",
					"network", network,
					"ledgers", result.Ledgers,
					"new_contracts", result.NewContracts,
					"new_versions", result.NewVersions,
					"retired", result.Retired,
				)
			}
		}

		timer := time.NewTimer(s.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("indexer stopped", "network", network)
			return
		case <-timer.C:
		}
	}
}

func (s *Service) entry(network string) *NetworkStatus {
	st, ok := s.status[network]
	if !ok {
		st = &NetworkStatus{Network: network}
		s.status[network] = st
	}
	return st
}

func (s *Service) observeLatest(network string, latest uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.entry(network)
	st.LatestLedger = latest
	now := time.Now().UTC()
	st.CheckedAt = &now
}

func (s *Service) advance(network string, l ledger.Ledger) {
	s.mu.Lock()
	st := s.entry(network)
	st.LastLedger = l.Sequence
	closed := l.ClosedAt
	st.LastClosedAt = &closed
	latest := st.LatestLedger
	s.mu.Unlock()
	metrics.IndexerLedger(network, l.Sequence, latest)
}

func (s *Service) setDegraded(network string, err error) {
	s.mu.Lock()
	st := s.entry(network)
	was := st.Degraded
	st.Degraded = err != nil
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
	s.mu.Unlock()

	metrics.IndexerDegraded(network, err != nil)
	switch {
	case err != nil:
		s.logger.Error("indexer degraded", "network", network, "error", err)
	case was:
		s.logger.Info("indexer recovered", "network", network)
	}
}

// Status returns the indexing health of every registered network
func (s *Service) Status(ctx context.Context) ([]NetworkStatus, error) {
	sources := s.sources.List()
	out := make([]NetworkStatus, 0, len(sources))
	for _, src := range sources {
		network := string(src.Network())
		s.mu.Lock()
		st := *s.entry(network)
		s.mu.Unlock()

		cur, err := s.store.GetCursor(ctx, network)
		switch {
		case err == nil:
			st.LastLedger = cur.LastLedger
			closed := cur.LastClosedAt
			st.LastClosedAt = &closed
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("reading cursor for %s: %w", network, err)
		}
		if st.LatestLedger > st.LastLedger && st.LastLedger > 0 {
			st.Lag = st.LatestLedger - st.LastLedger
		}
		out = append(out, st)
	}
	return out, nil
}

// Ready reports whether at least one network is indexing without errors.
// With no networks configured the indexer is trivially ready.
func (s *Service) Ready() bool {
	sources := s.sources.List()
	if len(sources) == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range sources {
		if st, ok := s.status[string(src.Network())]; !ok || !st.Degraded {
			return true
		}
	}
	return false
}

// CheckContract confirms the code a contract executes on-chain still hashes
// to the indexed current hash.
func (s *Service) CheckContract(ctx context.Context, network, contractID string) error {
	src, err := s.source(network)
	if err != nil {
		return err
	}
	c, err := s.store.GetContract(ctx, network, contractID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("getting contract: %w", err)
	}

	var code []byte
	err = s.retry.Execute(ctx, func() error {
		var err error
		code, err = src.FetchContractCode(ctx, contractID)
		return err
	})
	if err != nil {
		return fmt.Errorf("fetching code for %s: %w", contractID, err)
	}
	sum := sha256.Sum256(code)
	if hash := hex.EncodeToString(sum[:]); hash != c.CurrentHash {
		return fmt.Errorf("%w: %s indexed %s, chain has %s", ErrHashDrift, contractID, c.CurrentHash, hash)
	}
	return nil
}

func validateKey(network, contractID string) error {
	if _, err := ledger.ParseNetwork(network); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNetwork, err)
	}
	if err := validation.ValidateContractID(contractID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidContractID, err)
	}
	return nil
}

// GetContract retrieves a contract by network and contract id
func (s *Service) GetContract(ctx context.Context, network, contractID string) (*Contract, error) {
	if err := validateKey(network, contractID); err != nil {
		return nil, err
	}

	key := cache.ContractKey(network, contractID)
	var cached Contract
	if cache.GetJSON(ctx, s.cache, key, &cached) {
		return &cached, nil
	}

	c, err := s.store.GetContract(ctx, network, contractID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting contract: %w", err)
	}
	out := toContract(c)
	cache.SetJSON(ctx, s.cache, key, out)
	return out, nil
}

// GetVersions lists every version of a contract, oldest first
func (s *Service) GetVersions(ctx context.Context, network, contractID string) ([]Version, error) {
	if err := validateKey(network, contractID); err != nil {
		return nil, err
	}

	key := cache.VersionsKey(network, contractID)
	var cached []Version
	if cache.GetJSON(ctx, s.cache, key, &cached) {
		return cached, nil
	}

	c, err := s.store.GetContract(ctx, network, contractID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting contract: %w", err)
	}
	versions, err := s.store.ListVersions(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}

	out := make([]Version, len(versions))
	for i, v := range versions {
		out[i] = Version{
			ID:                 v.ID,
			Label:              v.Label,
			BytecodeHash:       v.BytecodeHash,
			DeployedLedger:     v.DeployedLedger,
			SizeBytes:          v.SizeBytes,
			VerificationStatus: v.VerificationStatus,
			Current:            v.ID == c.CurrentVersionID,
			CreatedAt:          v.CreatedAt,
		}
	}
	cache.SetJSON(ctx, s.cache, key, out)
	return out, nil
}

// ListContracts lists contracts with filtering and cursor pagination
func (s *Service) ListContracts(ctx context.Context, filter ListFilter, pagination PaginationParams) (*ListResult, error) {
	if filter.Network != "" {
		if _, err := ledger.ParseNetwork(filter.Network); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidNetwork, err)
		}
	}
	limit := pagination.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	result, err := s.store.ListContracts(ctx, storage.ContractFilter{
		Network: filter.Network,
		Status:  filter.Status,
	}, storage.PaginationParams{
		Limit:  limit,
		Cursor: pagination.Cursor,
	})
	if err != nil {
		return nil, fmt.Errorf("listing contracts: %w", err)
	}

	contracts := make([]Contract, len(result.Data))
	for i := range result.Data {
		contracts[i] = *toContract(&result.Data[i])
	}
	return &ListResult{
		Contracts:  contracts,
		HasMore:    result.HasMore,
		NextCursor: result.NextCursor,
	}, nil
}

func toContract(c *storage.Contract) *Contract {
	return &Contract{
		Ref:              c.ID,
		Network:          c.Network,
		ContractID:       c.ContractID,
		CurrentHash:      c.CurrentHash,
		CurrentVersionID: c.CurrentVersionID,
		CreatedLedger:    c.CreatedLedger,
		PublisherID:      c.PublisherID,
		Status:           c.Status,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}
