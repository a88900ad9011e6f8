// Package stellar implements ledger.Source on top of a Stellar RPC server.
package stellar

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	rpcclient "github.com/stellar/go/clients/rpcclient"
	"github.com/stellar/go/ingest/ledgerbackend"
	protocol "github.com/stellar/go/protocols/rpc"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/xdr"
	"golang.org/x/time/rate"

	"github.com/pendergraft/sorobanregistry/internal/ledger"
)

// maxCachedCodes bounds the in-process code and instance caches
const maxCachedCodes = 4096

// Options configures a Source
type Options struct {
	Network        ledger.Network
	RPCURL         string
	BufferSize     uint32
	RequestsPerSec int
	FetchTimeout   time.Duration
	HTTPClient     *http.Client
}

// Source reads ledgers from a Stellar RPC server.
// Code and instance hashes seen in fetched ledgers are cached so that most
// code lookups avoid a second RPC round trip.
type Source struct {
	opts    Options
	rpc     *rpcclient.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	mu        sync.Mutex
	codes     map[string][]byte // hex wasm hash -> code
	instances map[string]string // contract id -> hex wasm hash
}

// New creates a Source for one network
func New(opts Options, logger *slog.Logger) *Source {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.BufferSize == 0 {
		opts.BufferSize = 10
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	limit := rate.Inf
	if opts.RequestsPerSec > 0 {
		limit = rate.Limit(opts.RequestsPerSec)
	}
	return &Source{
		opts:      opts,
		rpc:       rpcclient.NewClient(opts.RPCURL, opts.HTTPClient),
		limiter:   rate.NewLimiter(limit, max(opts.RequestsPerSec, 1)),
		logger:    logger.With("network", string(opts.Network)),
		codes:     make(map[string][]byte),
		instances: make(map[string]string),
	}
}

// Network returns the network this source reads
func (s *Source) Network() ledger.Network {
	return s.opts.Network
}

// LatestLedger returns the latest ledger known to the RPC server
func (s *Source) LatestLedger(ctx context.Context) (uint32, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	health, err := s.rpc.GetHealth(ctx)
	if err != nil {
		return 0, fmt.Errorf("getting health: %w", err)
	}
	return health.LatestLedger, nil
}

// FetchLedgerRange fetches ledgers from..to inclusive.
// A fresh backend is prepared for every range.
func (s *Source) FetchLedgerRange(ctx context.Context, from, to uint32) ([]ledger.Ledger, error) {
	if to < from {
		return nil, fmt.Errorf("invalid ledger range [%d, %d]", from, to)
	}

	backend := ledgerbackend.NewRPCLedgerBackend(ledgerbackend.RPCLedgerBackendOptions{
		RPCServerURL: s.opts.RPCURL,
		BufferSize:   s.opts.BufferSize,
		HttpClient:   s.opts.HTTPClient,
	})
	defer func() {
		if err := backend.Close(); err != nil {
			s.logger.Debug("closing ledger backend", "error", err)
		}
	}()

	prepareCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	err := backend.PrepareRange(prepareCtx, ledgerbackend.BoundedRange(from, to))
	cancel()
	if err != nil {
		return nil, fmt.Errorf("preparing range [%d, %d]: %w", from, to, err)
	}

	ledgers := make([]ledger.Ledger, 0, to-from+1)
	for seq := from; seq <= to; seq++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		start := time.Now()
		getCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
		lcm, err := backend.GetLedger(getCtx, seq)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("getting ledger %d: %w", seq, err)
		}

		ex, err := extractLedger(s.opts.Network.Passphrase(), lcm)
		if err != nil {
			return nil, err
		}
		s.remember(ex)
		ledgers = append(ledgers, ex.ledger)

		s.logger.Debug("ledger fetched",
			"sequence", seq,
			"events", len(ex.ledger.Events),
			"fetch_ms", time.Since(start).Milliseconds(),
		)
	}
	return ledgers, nil
}

// FetchContractCode returns the code currently executed by a contract
func (s *Source) FetchContractCode(ctx context.Context, contractID string) ([]byte, error) {
	s.mu.Lock()
	hash, ok := s.instances[contractID]
	s.mu.Unlock()

	if !ok {
		var err error
		hash, err = s.fetchInstanceHash(ctx, contractID)
		if err != nil {
			return nil, err
		}
	}
	return s.FetchCode(ctx, hash)
}

// FetchCode returns the code uploaded under a hex wasm hash
func (s *Source) FetchCode(ctx context.Context, wasmHash string) ([]byte, error) {
	s.mu.Lock()
	code, ok := s.codes[wasmHash]
	s.mu.Unlock()
	if ok {
		return code, nil
	}

	raw, err := hex.DecodeString(wasmHash)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("%w: invalid wasm hash %q", ledger.ErrNotFound, wasmHash)
	}
	var h xdr.Hash
	copy(h[:], raw)

	data, err := s.getLedgerEntry(ctx, xdr.LedgerKey{
		Type:         xdr.LedgerEntryTypeContractCode,
		ContractCode: &xdr.LedgerKeyContractCode{Hash: h},
	})
	if err != nil {
		return nil, fmt.Errorf("code %s: %w", wasmHash, err)
	}
	entry, ok := data.GetContractCode()
	if !ok {
		return nil, fmt.Errorf("%w: code %s", ledger.ErrNotFound, wasmHash)
	}
	s.rememberCode(wasmHash, entry.Code)
	return entry.Code, nil
}

func (s *Source) fetchInstanceHash(ctx context.Context, contractID string) (string, error) {
	addr, err := contractAddress(contractID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ledger.ErrNotFound, err)
	}
	data, err := s.getLedgerEntry(ctx, xdr.LedgerKey{
		Type: xdr.LedgerEntryTypeContractData,
		ContractData: &xdr.LedgerKeyContractData{
			Contract:   addr,
			Key:        xdr.ScVal{Type: xdr.ScValTypeScvLedgerKeyContractInstance},
			Durability: xdr.ContractDataDurabilityPersistent,
		},
	})
	if err != nil {
		return "", fmt.Errorf("instance of %s: %w", contractID, err)
	}
	hash, ok := instanceOf(&xdr.LedgerEntry{Data: data})
	if !ok || hash == "" {
		return "", fmt.Errorf("%w: %s has no wasm executable", ledger.ErrNotFound, contractID)
	}
	return hash, nil
}

func (s *Source) getLedgerEntry(ctx context.Context, key xdr.LedgerKey) (xdr.LedgerEntryData, error) {
	var data xdr.LedgerEntryData
	keyB64, err := xdr.MarshalBase64(key)
	if err != nil {
		return data, fmt.Errorf("encoding ledger key: %w", err)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return data, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	resp, err := s.rpc.GetLedgerEntries(ctx, protocol.GetLedgerEntriesRequest{Keys: []string{keyB64}})
	if err != nil {
		return data, fmt.Errorf("getting ledger entries: %w", err)
	}
	if len(resp.Entries) == 0 {
		return data, ledger.ErrNotFound
	}
	if err := xdr.SafeUnmarshalBase64(resp.Entries[0].DataXDR, &data); err != nil {
		return data, fmt.Errorf("decoding ledger entry: %w", err)
	}
	return data, nil
}

// contractAddress builds the XDR address of a C... strkey
func contractAddress(contractID string) (xdr.ScAddress, error) {
	var addr xdr.ScAddress
	raw, err := strkey.Decode(strkey.VersionByteContract, contractID)
	if err != nil {
		return addr, fmt.Errorf("decoding contract id: %w", err)
	}
	// ScAddress is a union: 4-byte discriminant followed by the 32-byte id
	buf := append([]byte{0, 0, 0, byte(xdr.ScAddressTypeScAddressTypeContract)}, raw...)
	if err := xdr.SafeUnmarshal(buf, &addr); err != nil {
		return addr, fmt.Errorf("decoding contract address: %w", err)
	}
	return addr, nil
}

func (s *Source) remember(ex *extraction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, code := range ex.codes {
		s.putCodeLocked(hash, code)
	}
	for _, ev := range ex.ledger.Events {
		if ev.Kind == ledger.EventRetire {
			delete(s.instances, ev.ContractID)
			continue
		}
		if len(s.instances) >= maxCachedCodes {
			clear(s.instances)
		}
		s.instances[ev.ContractID] = ev.WasmHash
	}
}

func (s *Source) rememberCode(hash string, code []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putCodeLocked(hash, code)
}

func (s *Source) putCodeLocked(hash string, code []byte) {
	if len(s.codes) >= maxCachedCodes {
		clear(s.codes)
	}
	s.codes[hash] = code
}
