package domain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/sorobanregistry/internal/cache"
	incidents "github.com/pendergraft/sorobanregistry/internal/incidents/domain"
	"github.com/pendergraft/sorobanregistry/internal/ledger"
	"github.com/pendergraft/sorobanregistry/internal/ledger/retry"
	"github.com/pendergraft/sorobanregistry/internal/storage"
)

const (
	contractA = "CA3D5KRYM6CB7OWQ6TWYRR3Z4T7GNZLKERYNZGGA5SOAOPIFY6YQGAXE"
	contractB = "CAAACAQDAQCQMBYIBEFAWDANBYHRAEISCMKBKFQXDAMRUGY4DUPB6N4O"
)

var epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

// fakeSource serves ledgers and code from memory
type fakeSource struct {
	mu           sync.Mutex
	latest       uint32
	events       map[uint32][]ledger.Event
	code         map[string][]byte
	contractCode map[string][]byte
	rangeErr     error
	rangeCalls   int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events:       make(map[uint32][]ledger.Event),
		code:         make(map[string][]byte),
		contractCode: make(map[string][]byte),
	}
}

func (f *fakeSource) Network() ledger.Network { return ledger.Testnet }

func (f *fakeSource) LatestLedger(context.Context) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, nil
}

func (f *fakeSource) FetchLedgerRange(_ context.Context, from, to uint32) ([]ledger.Ledger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rangeCalls++
	if f.rangeErr != nil {
		return nil, f.rangeErr
	}
	var out []ledger.Ledger
	for seq := from; seq <= to; seq++ {
		out = append(out, ledger.Ledger{
			Sequence: seq,
			ClosedAt: epoch.Add(time.Duration(seq) * 5 * time.Second),
			Events:   f.events[seq],
		})
	}
	return out, nil
}

func (f *fakeSource) FetchContractCode(_ context.Context, contractID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	code, ok := f.contractCode[contractID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return code, nil
}

func (f *fakeSource) FetchCode(_ context.Context, wasmHash string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	code, ok := f.code[wasmHash]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return code, nil
}

// deploy uploads code and emits a create or update event at seq
func (f *fakeSource) deploy(seq uint32, kind ledger.EventKind, contractID, code string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash := storage.ComputeHash([]byte(code))
	f.code[hash] = []byte(code)
	f.contractCode[contractID] = []byte(code)
	f.events[seq] = append(f.events[seq], ledger.Event{
		Kind: kind, ContractID: contractID, WasmHash: hash, Ledger: seq,
	})
	if seq > f.latest {
		f.latest = seq
	}
	return hash
}

func (f *fakeSource) retire(seq uint32, contractID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[seq] = append(f.events[seq], ledger.Event{Kind: ledger.EventRetire, ContractID: contractID, Ledger: seq})
	if seq > f.latest {
		f.latest = seq
	}
}

func (f *fakeSource) setLatest(seq uint32) {
	f.mu.Lock()
	f.latest = seq
	f.mu.Unlock()
}

func (f *fakeSource) setRangeErr(err error) {
	f.mu.Lock()
	f.rangeErr = err
	f.mu.Unlock()
}

type fakeReporter struct {
	mu   sync.Mutex
	reqs []incidents.ReportRequest
}

func (r *fakeReporter) ReportIncident(_ context.Context, req incidents.ReportRequest) (*incidents.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return &incidents.Incident{ID: "inc-1", Type: req.Type}, nil
}

func (r *fakeReporter) calls() []incidents.ReportRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]incidents.ReportRequest(nil), r.reqs...)
}

type fixture struct {
	svc      *Service
	store    *storage.SQLiteStore
	src      *fakeSource
	reporter *fakeReporter
	cache    *cache.Memory
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "index.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	src := newFakeSource()
	sources := ledger.NewRegistry()
	sources.Register(src)

	mem := cache.NewMemory(100, time.Minute)
	reporter := &fakeReporter{}
	svc := NewService(store, sources, retry.NewNoRetryStrategy(), mem, logger, opts)
	svc.SetIncidentReporter(reporter)

	return &fixture{svc: svc, store: store, src: src, reporter: reporter, cache: mem}
}

func TestService_ProcessLedgerRange(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	hashV1 := f.src.deploy(10, ledger.EventCreate, contractA, "wasm-a1")
	hashV2 := f.src.deploy(11, ledger.EventUpdate, contractA, "wasm-a2")
	f.src.deploy(12, ledger.EventUpdate, contractA, "wasm-a2")
	f.src.deploy(13, ledger.EventCreate, contractB, "wasm-b1")
	f.src.retire(14, contractB)

	result, err := f.svc.ProcessLedgerRange(ctx, "testnet", 10, 14)
	require.NoError(t, err)
	assert.Equal(t, &RangeResult{Ledgers: 5, NewContracts: 2, NewVersions: 3, Retired: 1}, result)

	a, err := f.svc.GetContract(ctx, "testnet", contractA)
	require.NoError(t, err)
	assert.Equal(t, hashV2, a.CurrentHash)
	assert.Equal(t, uint32(10), a.CreatedLedger)
	assert.Equal(t, storage.ContractActive, a.Status)

	versions, err := f.svc.GetVersions(ctx, "testnet", contractA)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "v1", versions[0].Label)
	assert.Equal(t, hashV1, versions[0].BytecodeHash)
	assert.False(t, versions[0].Current)
	assert.Equal(t, "v2", versions[1].Label)
	assert.Equal(t, hashV2, versions[1].BytecodeHash)
	assert.True(t, versions[1].Current)
	assert.Equal(t, a.CurrentVersionID, versions[1].ID)

	b, err := f.svc.GetContract(ctx, "testnet", contractB)
	require.NoError(t, err)
	assert.Equal(t, storage.ContractMigrated, b.Status)

	cur, err := f.store.GetCursor(ctx, "testnet")
	require.NoError(t, err)
	assert.Equal(t, uint32(14), cur.LastLedger)

	t.Run("replay changes nothing", func(t *testing.T) {
		again, err := f.svc.ProcessLedgerRange(ctx, "testnet", 10, 14)
		require.NoError(t, err)
		assert.Equal(t, &RangeResult{Skipped: 5}, again)

		versions, err := f.svc.GetVersions(ctx, "testnet", contractA)
		require.NoError(t, err)
		assert.Len(t, versions, 2)
	})

	t.Run("new version invalidates cached reads", func(t *testing.T) {
		hashV3 := f.src.deploy(15, ledger.EventUpdate, contractA, "wasm-a3")
		_, err := f.svc.ProcessLedgerRange(ctx, "testnet", 15, 15)
		require.NoError(t, err)

		a, err := f.svc.GetContract(ctx, "testnet", contractA)
		require.NoError(t, err)
		assert.Equal(t, hashV3, a.CurrentHash)

		versions, err := f.svc.GetVersions(ctx, "testnet", contractA)
		require.NoError(t, err)
		require.Len(t, versions, 3)
		assert.True(t, versions[2].Current)
	})

	t.Run("invalid range", func(t *testing.T) {
		_, err := f.svc.ProcessLedgerRange(ctx, "testnet", 20, 19)
		assert.Error(t, err)
	})

	t.Run("network without source", func(t *testing.T) {
		_, err := f.svc.ProcessLedgerRange(ctx, "mainnet", 1, 1)
		assert.ErrorIs(t, err, ErrNetworkNotIndexed)

		_, err = f.svc.ProcessLedgerRange(ctx, "devnet", 1, 1)
		assert.ErrorIs(t, err, ErrInvalidNetwork)
	})
}

func TestService_RangePastCursorReplaysGap(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 4})
	ctx := context.Background()

	f.src.deploy(10, ledger.EventCreate, contractA, "wasm-a1")
	_, err := f.svc.ProcessLedgerRange(ctx, "testnet", 10, 10)
	require.NoError(t, err)

	f.src.deploy(15, ledger.EventCreate, contractB, "wasm-b1")
	f.src.setLatest(20)

	result, err := f.svc.ProcessLedgerRange(ctx, "testnet", 18, 20)
	require.NoError(t, err)
	assert.Equal(t, 10, result.Ledgers, "ledgers 11..20 are processed")
	assert.Equal(t, 1, result.NewContracts)

	b, err := f.svc.GetContract(ctx, "testnet", contractB)
	require.NoError(t, err)
	assert.Equal(t, uint32(15), b.CreatedLedger)

	cur, err := f.store.GetCursor(ctx, "testnet")
	require.NoError(t, err)
	assert.Equal(t, uint32(20), cur.LastLedger)

	again, err := f.svc.Sync(ctx, "testnet")
	require.NoError(t, err)
	assert.Equal(t, 0, again.Ledgers)

	t.Run("store rejects a commit past cursor+1", func(t *testing.T) {
		_, err := f.store.CommitLedger(ctx, storage.LedgerCommit{Network: "testnet", Sequence: 25, ClosedAt: epoch})
		assert.ErrorIs(t, err, storage.ErrCursorGap)
	})
}

func TestService_BytecodeMismatch(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.src.deploy(5, ledger.EventCreate, contractA, "wasm-a1")
	hash := f.src.deploy(6, ledger.EventCreate, contractB, "wasm-b1")
	f.src.mu.Lock()
	f.src.code[hash] = []byte("tampered")
	f.src.mu.Unlock()

	for i := 0; i < 2; i++ {
		result, err := f.svc.ProcessLedgerRange(ctx, "testnet", 5, 6)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBytecodeMismatch)
		if i == 0 {
			assert.Equal(t, 1, result.Ledgers, "ledgers before the anomaly are committed")
		}
	}

	cur, err := f.store.GetCursor(ctx, "testnet")
	require.NoError(t, err)
	assert.Equal(t, uint32(5), cur.LastLedger, "cursor stops before the bad ledger")

	_, err = f.store.GetContract(ctx, "testnet", contractB)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	calls := f.reporter.calls()
	require.Len(t, calls, 1, "anomaly is reported once")
	assert.Equal(t, incidents.TypeIndexerAnomaly, calls[0].Type)
	assert.Empty(t, calls[0].ContractRef)
	assert.Contains(t, calls[0].Description, contractB)
	assert.Contains(t, calls[0].Description, hash)
}

func TestService_AnomalyOnKnownContract(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.src.deploy(5, ledger.EventCreate, contractA, "wasm-a1")
	_, err := f.svc.ProcessLedgerRange(ctx, "testnet", 5, 5)
	require.NoError(t, err)

	hash := f.src.deploy(6, ledger.EventUpdate, contractA, "wasm-a2")
	f.src.mu.Lock()
	f.src.code[hash] = []byte("tampered")
	f.src.mu.Unlock()

	_, err = f.svc.ProcessLedgerRange(ctx, "testnet", 6, 6)
	require.ErrorIs(t, err, ErrBytecodeMismatch)

	c, err := f.store.GetContract(ctx, "testnet", contractA)
	require.NoError(t, err)
	calls := f.reporter.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, c.ID, calls[0].ContractRef)
}

func TestService_Sync(t *testing.T) {
	t.Run("starts at configured ledger and resumes from cursor", func(t *testing.T) {
		f := newFixture(t, Options{BatchSize: 2, StartLedgers: map[string]uint32{"testnet": 100}})
		ctx := context.Background()
		f.src.deploy(101, ledger.EventCreate, contractA, "wasm-a1")
		f.src.setLatest(104)

		result, err := f.svc.Sync(ctx, "testnet")
		require.NoError(t, err)
		assert.Equal(t, 5, result.Ledgers)
		assert.Equal(t, 1, result.NewContracts)
		assert.Equal(t, 3, f.src.rangeCalls, "five ledgers in batches of two")

		f.src.setLatest(106)
		result, err = f.svc.Sync(ctx, "testnet")
		require.NoError(t, err)
		assert.Equal(t, 2, result.Ledgers)

		cur, err := f.store.GetCursor(ctx, "testnet")
		require.NoError(t, err)
		assert.Equal(t, uint32(106), cur.LastLedger)

		result, err = f.svc.Sync(ctx, "testnet")
		require.NoError(t, err)
		assert.Equal(t, 0, result.Ledgers)
	})

	t.Run("starts at latest without start ledger", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.src.setLatest(500)

		result, err := f.svc.Sync(context.Background(), "testnet")
		require.NoError(t, err)
		assert.Equal(t, 1, result.Ledgers)
	})

	t.Run("fetch failure keeps cursor", func(t *testing.T) {
		f := newFixture(t, Options{StartLedgers: map[string]uint32{"testnet": 10}})
		ctx := context.Background()
		f.src.setLatest(12)
		f.src.setRangeErr(errors.New("rpc unavailable"))

		_, err := f.svc.Sync(ctx, "testnet")
		require.Error(t, err)
		_, err = f.store.GetCursor(ctx, "testnet")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		f.src.setRangeErr(nil)
		result, err := f.svc.Sync(ctx, "testnet")
		require.NoError(t, err)
		assert.Equal(t, 3, result.Ledgers)
	})
}

func TestService_Run(t *testing.T) {
	f := newFixture(t, Options{PollInterval: 5 * time.Millisecond, StartLedgers: map[string]uint32{"testnet": 1}})
	f.src.setLatest(3)
	f.src.setRangeErr(errors.New("rpc unavailable"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	assert.Eventually(t, func() bool { return !f.svc.Ready() }, time.Second, 5*time.Millisecond)
	status, err := f.svc.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.True(t, status[0].Degraded)
	assert.Contains(t, status[0].LastError, "rpc unavailable")

	f.src.setRangeErr(nil)
	assert.Eventually(t, func() bool {
		cur, err := f.store.GetCursor(context.Background(), "testnet")
		return err == nil && cur.LastLedger == 3 && f.svc.Ready()
	}, time.Second, 5*time.Millisecond)

	f.src.setLatest(7)
	assert.Eventually(t, func() bool {
		status, err := f.svc.Status(context.Background())
		return err == nil && len(status) == 1 && status[0].LastLedger == 7
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestService_GetContractValidation(t *testing.T) {
	f := newFixture(t, Options{})

	tests := []struct {
		name       string
		network    string
		contractID string
		wantErr    error
	}{
		{"unknown network", "devnet", contractA, ErrInvalidNetwork},
		{"malformed id", "testnet", "not-a-contract", ErrInvalidContractID},
		{"account id", "testnet", "GA7QYNF7SOWQ3GLR2BGMZEHXAVIRZA4KVWLTJJFC7MGXUA74P7UJVSGZ", ErrInvalidContractID},
		{"not indexed", "testnet", contractA, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.GetContract(context.Background(), tt.network, tt.contractID)
			assert.ErrorIs(t, err, tt.wantErr)

			_, err = f.svc.GetVersions(context.Background(), tt.network, tt.contractID)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestService_ListContracts(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.src.deploy(1, ledger.EventCreate, contractA, "wasm-a1")
	f.src.deploy(2, ledger.EventCreate, contractB, "wasm-b1")
	_, err := f.svc.ProcessLedgerRange(ctx, "testnet", 1, 2)
	require.NoError(t, err)

	first, err := f.svc.ListContracts(ctx, ListFilter{Network: "testnet"}, PaginationParams{Limit: 1})
	require.NoError(t, err)
	require.Len(t, first.Contracts, 1)
	assert.True(t, first.HasMore)

	second, err := f.svc.ListContracts(ctx, ListFilter{Network: "testnet"}, PaginationParams{Limit: 1, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Contracts, 1)
	assert.False(t, second.HasMore)
	assert.NotEqual(t, first.Contracts[0].ContractID, second.Contracts[0].ContractID)

	_, err = f.svc.ListContracts(ctx, ListFilter{Network: "devnet"}, PaginationParams{})
	assert.ErrorIs(t, err, ErrInvalidNetwork)
}

func TestService_CheckContract(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.src.deploy(1, ledger.EventCreate, contractA, "wasm-a1")
	_, err := f.svc.ProcessLedgerRange(ctx, "testnet", 1, 1)
	require.NoError(t, err)

	require.NoError(t, f.svc.CheckContract(ctx, "testnet", contractA))

	f.src.mu.Lock()
	f.src.contractCode[contractA] = []byte("something else")
	f.src.mu.Unlock()
	assert.ErrorIs(t, f.svc.CheckContract(ctx, "testnet", contractA), ErrHashDrift)

	assert.ErrorIs(t, f.svc.CheckContract(ctx, "testnet", contractB), ErrNotFound)
}
