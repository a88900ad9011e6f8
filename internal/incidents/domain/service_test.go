package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/sorobanregistry/internal/incidents/recovery"
	"github.com/pendergraft/sorobanregistry/internal/notify"
	"github.com/pendergraft/sorobanregistry/internal/storage"
)

// mockStore implements Store for testing
type mockStore struct {
	mu          sync.Mutex
	seq         int
	incidents   map[string]storage.Incident
	transitions map[string][]storage.IncidentTransition
	contracts   map[string]*storage.Contract
	cursors     map[string]storage.Cursor
}

func newMockStore() *mockStore {
	return &mockStore{
		incidents:   make(map[string]storage.Incident),
		transitions: make(map[string][]storage.IncidentTransition),
		contracts:   make(map[string]*storage.Contract),
		cursors:     make(map[string]storage.Cursor),
	}
}

func (m *mockStore) addContract(network, contractID string) *storage.Contract {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &storage.Contract{
		ID:         "ref-" + contractID,
		Network:    network,
		ContractID: contractID,
		Status:     storage.ContractActive,
	}
	m.contracts[c.ID] = c
	return c
}

func (m *mockStore) contractStatus(ref string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contracts[ref].Status
}

func (m *mockStore) CreateIncident(ctx context.Context, inc *storage.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	inc.ID = fmt.Sprintf("inc-%d", m.seq)
	inc.CreatedAt, inc.UpdatedAt = inc.StartTime, inc.StartTime
	m.incidents[inc.ID] = *inc
	m.transitions[inc.ID] = append(m.transitions[inc.ID], storage.IncidentTransition{IncidentID: inc.ID, ToState: inc.State, Note: "reported"})
	return nil
}

func (m *mockStore) GetIncident(ctx context.Context, id string) (*storage.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &inc, nil
}

func (m *mockStore) ListIncidents(ctx context.Context, filter storage.IncidentFilter) ([]storage.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Incident
	for _, inc := range m.incidents {
		if filter.ContractRef != "" && inc.ContractRef != filter.ContractRef {
			continue
		}
		if len(filter.States) > 0 && !contains(filter.States, inc.State) {
			continue
		}
		out = append(out, inc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (m *mockStore) SaveIncident(ctx context.Context, inc *storage.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.incidents[inc.ID]
	if !ok {
		return storage.ErrNotFound
	}
	saved := *inc
	saved.State = stored.State
	saved.LessonsLearned = stored.LessonsLearned
	m.incidents[inc.ID] = saved
	return nil
}

func (m *mockStore) SetIncidentLessons(ctx context.Context, id, lessons string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.incidents[id]
	if !ok {
		return storage.ErrNotFound
	}
	stored.LessonsLearned = lessons
	m.incidents[id] = stored
	return nil
}

func (m *mockStore) TransitionIncident(ctx context.Context, inc *storage.Incident, fromState, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.incidents[inc.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if stored.State != fromState {
		return storage.ErrStateConflict
	}
	saved := *inc
	saved.LessonsLearned = stored.LessonsLearned
	m.incidents[inc.ID] = saved
	m.transitions[inc.ID] = append(m.transitions[inc.ID], storage.IncidentTransition{
		IncidentID: inc.ID, FromState: fromState, ToState: inc.State, Note: note,
	})
	return nil
}

func (m *mockStore) ListTransitions(ctx context.Context, incidentID string) ([]storage.IncidentTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.IncidentTransition(nil), m.transitions[incidentID]...), nil
}

func (m *mockStore) GetContract(ctx context.Context, network, contractID string) (*storage.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.contracts {
		if c.Network == network && c.ContractID == contractID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *mockStore) GetContractByRef(ctx context.Context, ref string) (*storage.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[ref]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *mockStore) SetContractStatus(ctx context.Context, ref, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[ref]
	if !ok {
		return storage.ErrNotFound
	}
	c.Status = status
	return nil
}

func (m *mockStore) GetCursor(ctx context.Context, network string) (*storage.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[network]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &c, nil
}

func (m *mockStore) ListCursors(ctx context.Context) ([]storage.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Cursor
	for _, c := range m.cursors {
		out = append(out, c)
	}
	return out, nil
}

// fakeOperator records actions and fails those listed in fail
type fakeOperator struct {
	mu       sync.Mutex
	requests []recovery.Request
	fail     map[string]int // remaining failures per action; -1 fails forever
}

func (f *fakeOperator) Execute(ctx context.Context, req recovery.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if n, ok := f.fail[req.Action]; ok && n != 0 {
		if n > 0 {
			f.fail[req.Action] = n - 1
		}
		return errors.New(req.Action + " unavailable")
	}
	return nil
}

func (f *fakeOperator) Restore(ctx context.Context, backupRef string) (string, error) {
	if backupRef == "missing" {
		return "", errors.New("backup not found")
	}
	return "restored " + backupRef, nil
}

func (f *fakeOperator) setFail(action string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = make(map[string]int)
	}
	f.fail[action] = n
}

func (f *fakeOperator) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.requests))
	for i, r := range f.requests {
		names[i] = r.Action
	}
	return names
}

// fakeNotifier records events
type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (f *fakeNotifier) Notify(ctx context.Context, ev notify.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeNotifier) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Type
	}
	return out
}

// stepClock advances by one second on every reading
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.t
	c.t = c.t.Add(time.Second)
	return t
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *mockStore
	operator *fakeOperator
	notifier *fakeNotifier
	coord    *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pb := recovery.DefaultPlaybook()
	pb.Defaults.RetryDelay = time.Millisecond
	pb.Defaults.ActionTimeout = time.Second

	f := &fixture{
		store:    newMockStore(),
		operator: &fakeOperator{},
		notifier: &fakeNotifier{},
	}
	strategies := recovery.NewStrategies(pb, recovery.Deps{Operator: f.operator}, logger)
	f.coord = NewCoordinator(f.store, strategies, f.operator, f.notifier, nil, logger, Options{Workers: 2, ResumeInterval: 10 * time.Millisecond})
	clock := &stepClock{t: epoch}
	f.coord.now = clock.now
	return f
}

func states(log []Transition) []State {
	out := make([]State, len(log))
	for i, t := range log {
		out[i] = t.To
	}
	return out
}

// assertEndTimeIffTerminal checks every stored incident
func assertEndTimeIffTerminal(t *testing.T, store *mockStore) {
	t.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	for id, inc := range store.incidents {
		terminal := State(inc.State).Terminal()
		assert.Equal(t, terminal, inc.EndTime != nil, "incident %s in %s", id, inc.State)
		if terminal {
			require.NotNil(t, inc.RTOAchieved)
			assert.GreaterOrEqual(t, *inc.RTOAchieved, time.Duration(0))
			assert.Equal(t, inc.EndTime.Sub(inc.StartTime), *inc.RTOAchieved)
		}
	}
}

func TestReportIncident_OracleResolves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	contract := f.store.addContract("testnet", "CORACLE")
	f.store.cursors["testnet"] = storage.Cursor{Network: "testnet", LastLedger: 999, LastClosedAt: epoch.Add(-30 * time.Second)}

	inc, err := f.coord.ReportIncident(ctx, ReportRequest{
		Network:     "testnet",
		ContractID:  "CORACLE",
		Type:        "stale_feed",
		Category:    "oracle",
		Description: "price feed stale for 20 minutes",
	})
	require.NoError(t, err)
	assert.Equal(t, StateIsolated, inc.State)
	assert.Equal(t, recovery.CategoryOracle, inc.Category)
	assert.Equal(t, uint32(999), inc.CheckpointLedger)
	assert.Equal(t, storage.ContractSuspended, f.store.contractStatus(contract.ID))

	inc, err = f.coord.Drive(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, inc.State)
	assert.True(t, inc.NotifiedUsers)
	require.NotNil(t, inc.EndTime)
	require.NotNil(t, inc.RTO)
	assert.Equal(t, inc.EndTime.Sub(inc.StartTime), *inc.RTO)
	require.NotNil(t, inc.RPO)
	assert.Equal(t, 30*time.Second, *inc.RPO)
	assert.Equal(t, storage.ContractActive, f.store.contractStatus(contract.ID))

	assert.Equal(t, []string{"switch_fallback_source", "refresh_feed", "validate_data_accuracy"}, f.operator.actions())
	assert.Equal(t, "secondary", f.operator.requests[0].Params["fallback_source"])
	assert.Equal(t, []string{notify.EventResolved}, f.notifier.types())

	got, err := f.coord.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, []State{StateDetected, StateIsolated, StateRecovering, StateVerifying, StateResolved}, states(got.Transitions))
	assert.Equal(t, "CORACLE", got.ContractID)
	assert.True(t, got.NotifiedUsers)
	assertEndTimeIffTerminal(t, f.store)
}

func TestReportIncident_Validation(t *testing.T) {
	f := newFixture(t)
	f.store.addContract("testnet", "CKNOWN")

	tests := []struct {
		name string
		req  ReportRequest
		want error
	}{
		{"missing type", ReportRequest{Description: "x"}, ErrInvalidRequest},
		{"missing description", ReportRequest{Type: "t"}, ErrInvalidRequest},
		{"unknown category", ReportRequest{Type: "t", Description: "x", Category: "nft"}, ErrInvalidRequest},
		{"contract id without network", ReportRequest{Type: "t", Description: "x", ContractID: "CKNOWN"}, ErrInvalidRequest},
		{"unknown contract", ReportRequest{Type: "t", Description: "x", Network: "testnet", ContractID: "CMISSING"}, ErrContractNotFound},
		{"unknown ref", ReportRequest{Type: "t", Description: "x", ContractRef: "nope"}, ErrContractNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.coord.ReportIncident(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestReportIncident_DefaultsAndDedupe(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	contract := f.store.addContract("mainnet", "CDUP")

	first, err := f.coord.ReportIncident(ctx, ReportRequest{ContractRef: contract.ID, Type: TypeIndexerAnomaly, Description: "hash mismatch"})
	require.NoError(t, err)
	assert.Equal(t, recovery.CategoryOther, first.Category)

	second, err := f.coord.ReportIncident(ctx, ReportRequest{ContractRef: contract.ID, Type: TypeIndexerAnomaly, Description: "hash mismatch again"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := f.coord.ReportIncident(ctx, ReportRequest{ContractRef: contract.ID, Type: TypeVerificationMismatch, Description: "rebuild differs"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestReportIncident_NoContractUsesFreshestCursor(t *testing.T) {
	f := newFixture(t)
	f.store.cursors["testnet"] = storage.Cursor{Network: "testnet", LastLedger: 50, LastClosedAt: epoch.Add(-time.Minute)}
	f.store.cursors["mainnet"] = storage.Cursor{Network: "mainnet", LastLedger: 70, LastClosedAt: epoch.Add(-10 * time.Second)}

	inc, err := f.coord.ReportIncident(context.Background(), ReportRequest{Type: "bridge_halt", Category: "bridge", Description: "relayer down"})
	require.NoError(t, err)
	assert.Equal(t, uint32(70), inc.CheckpointLedger)
	require.NotNil(t, inc.CheckpointAt)
	assert.Equal(t, epoch.Add(-10*time.Second), *inc.CheckpointAt)
	assert.Empty(t, inc.ContractID)
}

func TestDrive_VerifyFailuresAbandon(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	contract := f.store.addContract("testnet", "CBAD")
	f.operator.setFail("validate_data_accuracy", -1)

	inc, err := f.coord.ReportIncident(ctx, ReportRequest{ContractRef: contract.ID, Type: "stale_feed", Category: "oracle", Description: "bad data"})
	require.NoError(t, err)

	inc, err = f.coord.Drive(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAbandoned, inc.State)
	assert.Equal(t, 3, inc.VerifyAttempts)
	assert.Equal(t, 3, inc.RecoveryAttempts)
	assert.Contains(t, inc.LastError, "validate_data_accuracy")
	require.NotNil(t, inc.EndTime)
	assert.Equal(t, storage.ContractSuspended, f.store.contractStatus(contract.ID), "abandoned contracts stay suspended")
	assert.Equal(t, []string{notify.EventAbandoned}, f.notifier.types())

	got, err := f.coord.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, []State{
		StateDetected, StateIsolated,
		StateRecovering, StateVerifying,
		StateRecovering, StateVerifying,
		StateRecovering, StateVerifying,
		StateAbandoned,
	}, states(got.Transitions))
	assertEndTimeIffTerminal(t, f.store)
}

func TestDrive_TransientVerifyFailureRecovers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.operator.setFail("audit_positions", 1)

	inc, err := f.coord.ReportIncident(ctx, ReportRequest{Type: "bad_debt", Category: "lending", Description: "positions drifted"})
	require.NoError(t, err)

	inc, err = f.coord.Drive(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, inc.State)
	assert.Equal(t, 2, inc.VerifyAttempts)
	assert.Empty(t, inc.LastError)
}

func TestDrive_StallAndResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	contract := f.store.addContract("testnet", "CDEX")
	f.operator.setFail("restore_order_book", -1)

	inc, err := f.coord.ReportIncident(ctx, ReportRequest{ContractRef: contract.ID, Type: "drained_pool", Category: "dex", Description: "liquidity off"})
	require.NoError(t, err)

	inc, err = f.coord.Drive(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRecovering, inc.State)
	assert.True(t, inc.Stalled)
	assert.Contains(t, inc.LastError, "restore_order_book")
	assert.Contains(t, inc.LastError, "after 3 attempts")
	assert.Nil(t, inc.EndTime)
	assert.Equal(t, []string{notify.EventStalled}, f.notifier.types())
	assertEndTimeIffTerminal(t, f.store)

	t.Run("resume requires a stalled incident", func(t *testing.T) {
		other, err := f.coord.ReportIncident(ctx, ReportRequest{Type: "x", Description: "y"})
		require.NoError(t, err)
		_, err = f.coord.UpdateIncident(ctx, other.ID, UpdateRequest{Resume: true})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	f.operator.setFail("restore_order_book", 0)
	updated, err := f.coord.UpdateIncident(ctx, inc.ID, UpdateRequest{Resume: true})
	require.NoError(t, err)
	assert.False(t, updated.Stalled)

	inc, err = f.coord.Drive(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, inc.State)
	assert.False(t, inc.Stalled)
	assert.Equal(t, 2, inc.RecoveryAttempts)
	assert.Equal(t, storage.ContractActive, f.store.contractStatus(contract.ID))
}

func TestDrive_ContractStaysSuspendedWhileOtherIncidentOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	contract := f.store.addContract("testnet", "CTWO")

	first, err := f.coord.ReportIncident(ctx, ReportRequest{ContractRef: contract.ID, Type: "a", Category: "token", Description: "one"})
	require.NoError(t, err)
	_, err = f.coord.ReportIncident(ctx, ReportRequest{ContractRef: contract.ID, Type: "b", Category: "token", Description: "two"})
	require.NoError(t, err)

	inc, err := f.coord.Drive(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, inc.State)
	assert.Equal(t, storage.ContractSuspended, f.store.contractStatus(contract.ID))
}

func TestDrive_NotificationFailureLeavesFlagUnset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.notifier.err = errors.New("smtp down")

	inc, err := f.coord.ReportIncident(ctx, ReportRequest{Type: "x", Category: "bridge", Description: "y"})
	require.NoError(t, err)
	inc, err = f.coord.Drive(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, inc.State)
	assert.False(t, inc.NotifiedUsers)
}

func TestDrive_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.Drive(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunDrill(t *testing.T) {
	ctx := context.Background()

	t.Run("simulated drill plans only", func(t *testing.T) {
		f := newFixture(t)
		report, err := f.coord.RunDrill(ctx, "bridge", true)
		require.NoError(t, err)
		assert.True(t, report.Simulated)
		assert.Equal(t, []string{"pause", "reconfigure", "resync_external_state"}, report.Plan)
		assert.Equal(t, "cross_chain_transfer_test", report.Check)
		assert.Nil(t, report.Incident)
		assert.Empty(t, f.operator.actions())
	})

	t.Run("live drill drives an incident", func(t *testing.T) {
		f := newFixture(t)
		report, err := f.coord.RunDrill(ctx, "Token", false)
		require.NoError(t, err)
		assert.False(t, report.Simulated)
		assert.Equal(t, StateResolved, report.State)
		require.NotNil(t, report.Incident)
		assert.True(t, report.Incident.Drill)
		assert.Equal(t, TypeDrill, report.Incident.Type)
		assert.Equal(t, report.Incident.EndTime.Sub(report.Incident.StartTime), report.RTO)
		assert.Equal(t, []string{"redeploy_bytecode", "restore_ledger_state"}, f.operator.actions())
		for _, r := range f.operator.requests {
			assert.True(t, r.Drill)
		}
		assertEndTimeIffTerminal(t, f.store)
	})

	t.Run("unknown category", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.coord.RunDrill(ctx, "nft", true)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})
}

func TestRestoreFromBackup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	report, err := f.coord.RestoreFromBackup(ctx, " snap-2026-03-01 ")
	require.NoError(t, err)
	assert.Equal(t, "snap-2026-03-01", report.BackupRef)
	assert.Equal(t, "restored snap-2026-03-01", report.Detail)
	assert.Equal(t, report.FinishedAt.Sub(report.StartedAt), report.Duration)

	_, err = f.coord.RestoreFromBackup(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.coord.RestoreFromBackup(ctx, "missing")
	assert.Error(t, err)
}

func TestUpdateIncident(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inc, err := f.coord.ReportIncident(ctx, ReportRequest{Type: "x", Category: "oracle", Description: "y"})
	require.NoError(t, err)

	t.Run("lessons learned", func(t *testing.T) {
		lessons := "add a second feed"
		got, err := f.coord.UpdateIncident(ctx, inc.ID, UpdateRequest{LessonsLearned: &lessons})
		require.NoError(t, err)
		assert.Equal(t, lessons, got.LessonsLearned)
		assert.Equal(t, StateIsolated, got.State)
	})

	t.Run("lessons allowed while driven", func(t *testing.T) {
		unlock := f.coord.locks.Lock(inc.ID)
		defer unlock()
		lessons := "second pass"
		_, err := f.coord.UpdateIncident(ctx, inc.ID, UpdateRequest{LessonsLearned: &lessons})
		require.NoError(t, err)
	})

	t.Run("busy while driven", func(t *testing.T) {
		unlock := f.coord.locks.Lock(inc.ID)
		defer unlock()
		yes := true
		_, err := f.coord.UpdateIncident(ctx, inc.ID, UpdateRequest{NotifiedUsers: &yes})
		assert.ErrorIs(t, err, ErrBusy)
	})

	t.Run("abandon needs recovery to have started", func(t *testing.T) {
		_, err := f.coord.UpdateIncident(ctx, inc.ID, UpdateRequest{Abandon: true})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("abandon a stalled incident", func(t *testing.T) {
		f.operator.setFail("switch_fallback_source", -1)
		stalled, err := f.coord.Drive(ctx, inc.ID)
		require.NoError(t, err)
		require.True(t, stalled.Stalled)

		got, err := f.coord.UpdateIncident(ctx, inc.ID, UpdateRequest{Abandon: true})
		require.NoError(t, err)
		assert.Equal(t, StateAbandoned, got.State)
		assert.NotNil(t, got.EndTime)
		assert.Equal(t, "second pass", got.LessonsLearned)
		assertEndTimeIffTerminal(t, f.store)
	})

	t.Run("exclusive flags", func(t *testing.T) {
		_, err := f.coord.UpdateIncident(ctx, inc.ID, UpdateRequest{Abandon: true, Resume: true})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("not found", func(t *testing.T) {
		lessons := "x"
		_, err := f.coord.UpdateIncident(ctx, "missing", UpdateRequest{LessonsLearned: &lessons})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListIncidents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	contract := f.store.addContract("testnet", "CLIST")
	for i := 0; i < 3; i++ {
		_, err := f.coord.ReportIncident(ctx, ReportRequest{ContractRef: contract.ID, Type: fmt.Sprintf("t%d", i), Description: "d"})
		require.NoError(t, err)
	}

	all, err := f.coord.ListIncidents(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "t2", all[0].Type, "newest first")
	assert.Equal(t, "CLIST", all[0].ContractID)

	page, err := f.coord.ListIncidents(ctx, ListFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "t1", page[0].Type)

	none, err := f.coord.ListIncidents(ctx, ListFilter{States: []State{StateResolved}})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRun_DrivesQueuedIncidents(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.coord.Run(ctx) }()

	inc, err := f.coord.ReportIncident(ctx, ReportRequest{Type: "x", Category: "dex", Description: "y"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := f.coord.GetIncident(context.Background(), inc.ID)
		return err == nil && got.State == StateResolved
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRun_ResumesOpenIncidents(t *testing.T) {
	f := newFixture(t)
	// an incident left in Detected by a crash before isolation
	rec := &storage.Incident{IncidentType: "x", Category: "other", Description: "y", State: string(StateDetected), StartTime: epoch}
	require.NoError(t, f.store.CreateIncident(context.Background(), rec))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.coord.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := f.coord.GetIncident(context.Background(), rec.ID)
		return err == nil && got.State == StateResolved
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateDetected, StateIsolated, true},
		{StateDetected, StateRecovering, false},
		{StateIsolated, StateRecovering, true},
		{StateRecovering, StateVerifying, true},
		{StateRecovering, StateAbandoned, true},
		{StateRecovering, StateResolved, false},
		{StateVerifying, StateResolved, true},
		{StateVerifying, StateRecovering, true},
		{StateResolved, StateRecovering, false},
		{StateAbandoned, StateRecovering, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")

	_, ok := k.TryLock("a")
	assert.False(t, ok)

	unlockB, ok := k.TryLock("b")
	require.True(t, ok)
	unlockB()

	unlock()
	unlockA, ok := k.TryLock("a")
	require.True(t, ok)
	unlockA()
	assert.Empty(t, k.locks)
}
