// Package domain contains the incident lifecycle and recovery coordination.
package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pendergraft/sorobanregistry/internal/cache"
	"github.com/pendergraft/sorobanregistry/internal/incidents/recovery"
	"github.com/pendergraft/sorobanregistry/internal/notify"
	"github.com/pendergraft/sorobanregistry/internal/observability/metrics"
	"github.com/pendergraft/sorobanregistry/internal/storage"
)

// Common errors returned by the coordinator.
var (
	ErrNotFound          = errors.New("incident not found")
	ErrContractNotFound  = errors.New("contract not found")
	ErrInvalidRequest    = errors.New("invalid incident request")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrBusy              = errors.New("incident is being driven")
)

// Store defines the storage operations needed by the coordinator.
type Store interface {
	CreateIncident(ctx context.Context, inc *storage.Incident) error
	GetIncident(ctx context.Context, id string) (*storage.Incident, error)
	ListIncidents(ctx context.Context, filter storage.IncidentFilter) ([]storage.Incident, error)
	SaveIncident(ctx context.Context, inc *storage.Incident) error
	SetIncidentLessons(ctx context.Context, id, lessons string) error
	TransitionIncident(ctx context.Context, inc *storage.Incident, fromState, note string) error
	ListTransitions(ctx context.Context, incidentID string) ([]storage.IncidentTransition, error)

	GetContract(ctx context.Context, network, contractID string) (*storage.Contract, error)
	GetContractByRef(ctx context.Context, ref string) (*storage.Contract, error)
	SetContractStatus(ctx context.Context, ref, status string) error
	GetCursor(ctx context.Context, network string) (*storage.Cursor, error)
	ListCursors(ctx context.Context) ([]storage.Cursor, error)
}

// Notifier dispatches incident events
type Notifier interface {
	Notify(ctx context.Context, ev notify.Event) error
}

// Options tunes the background driver
type Options struct {
	Workers        int
	ResumeInterval time.Duration
	RestoreTimeout time.Duration
}

// openStates are the non-terminal states
var openStates = []string{
	string(StateDetected), string(StateIsolated), string(StateRecovering), string(StateVerifying),
}

// Coordinator drives incidents through their lifecycle
type Coordinator struct {
	store      Store
	strategies recovery.Strategies
	operator   recovery.Operator
	notifier   Notifier
	cache      cache.Cache
	logger     *slog.Logger
	opts       Options

	locks *keyedMutex
	queue *workQueue
	now   func() time.Time
}

// NewCoordinator creates a coordinator. The notifier and cache may be nil.
func NewCoordinator(store Store, strategies recovery.Strategies, operator recovery.Operator, notifier Notifier, c cache.Cache, logger *slog.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if operator == nil {
		operator = recovery.NewLogOperator(logger)
	}
	if notifier == nil {
		notifier = notify.NewLog(logger)
	}
	if c == nil {
		c = cache.Noop{}
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.ResumeInterval <= 0 {
		opts.ResumeInterval = 30 * time.Second
	}
	if opts.RestoreTimeout <= 0 {
		opts.RestoreTimeout = 10 * time.Minute
	}
	return &Coordinator{
		store:      store,
		strategies: strategies,
		operator:   operator,
		notifier:   notifier,
		cache:      c,
		logger:     logger,
		opts:       opts,
		locks:      newKeyedMutex(),
		queue:      newWorkQueue(opts.Workers * 16),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ReportIncident records a new incident, isolates the affected contract and
// queues the incident for recovery. A report matching an open incident of
// the same type on the same contract returns that incident instead.
func (c *Coordinator) ReportIncident(ctx context.Context, req ReportRequest) (*Incident, error) {
	if strings.TrimSpace(req.Type) == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidRequest)
	}
	category := recovery.CategoryOther
	if req.Category != "" {
		parsed, err := recovery.ParseCategory(req.Category)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		category = parsed
	}

	contract, err := c.resolveContract(ctx, req)
	if err != nil {
		return nil, err
	}

	if contract != nil {
		existing, err := c.findOpen(ctx, contract.ID, req.Type)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			c.logger.Info("incident already open",
				"incident_id", existing.ID,
				"type", req.Type,
				"contract_id", contract.ContractID,
			)
			return toIncident(existing, contract), nil
		}
	}

	rec := &storage.Incident{
		IncidentType: req.Type,
		Category:     string(category),
		Description:  req.Description,
		State:        string(StateDetected),
		StartTime:    c.now(),
		Drill:        req.Type == TypeDrill,
	}
	if contract != nil {
		rec.ContractRef = contract.ID
	}
	if err := c.store.CreateIncident(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating incident: %w", err)
	}
	metrics.IncidentReported(rec.Category, rec.IncidentType)
	metrics.IncidentTransition(rec.Category, rec.State)

	unlock := c.locks.Lock(rec.ID)
	inc := toIncident(rec, contract)
	err = c.isolate(ctx, inc, contract)
	unlock()
	if err != nil {
		return nil, err
	}

	c.enqueue(inc.ID)
	return inc, nil
}

func (c *Coordinator) resolveContract(ctx context.Context, req ReportRequest) (*storage.Contract, error) {
	var (
		contract *storage.Contract
		err      error
	)
	switch {
	case req.ContractRef != "":
		contract, err = c.store.GetContractByRef(ctx, req.ContractRef)
	case req.ContractID != "":
		if req.Network == "" {
			return nil, fmt.Errorf("%w: network is required with a contract id", ErrInvalidRequest)
		}
		contract, err = c.store.GetContract(ctx, req.Network, req.ContractID)
	default:
		return nil, nil
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrContractNotFound
		}
		return nil, fmt.Errorf("getting contract: %w", err)
	}
	return contract, nil
}

func (c *Coordinator) findOpen(ctx context.Context, contractRef, incidentType string) (*storage.Incident, error) {
	open, err := c.store.ListIncidents(ctx, storage.IncidentFilter{States: openStates, ContractRef: contractRef, Limit: 100})
	if err != nil {
		return nil, fmt.Errorf("listing open incidents: %w", err)
	}
	for i := range open {
		if open[i].IncidentType == incidentType {
			return &open[i], nil
		}
	}
	return nil, nil
}

// isolate snapshots the recovery point and suspends the contract
func (c *Coordinator) isolate(ctx context.Context, inc *Incident, contract *storage.Contract) error {
	ledger, at, err := c.checkpoint(ctx, inc)
	if err != nil {
		return err
	}
	inc.CheckpointLedger = ledger
	inc.CheckpointAt = &at

	note := "isolated"
	if contract != nil && contract.Status == storage.ContractActive {
		if err := c.store.SetContractStatus(ctx, contract.ID, storage.ContractSuspended); err != nil {
			return fmt.Errorf("suspending contract: %w", err)
		}
		contract.Status = storage.ContractSuspended
		c.cache.Delete(ctx, cache.ContractKeys(contract.Network, contract.ContractID)...)
		note = "contract suspended"
	}
	return c.transition(ctx, inc, StateIsolated, note)
}

// checkpoint returns the last ledger fully indexed before the incident. An
// incident without a contract uses the freshest network; with no indexed
// ledger at all the start time is the checkpoint.
func (c *Coordinator) checkpoint(ctx context.Context, inc *Incident) (uint32, time.Time, error) {
	if inc.Network != "" {
		cur, err := c.store.GetCursor(ctx, inc.Network)
		switch {
		case err == nil:
			return cur.LastLedger, clampCheckpoint(cur.LastClosedAt, inc.StartTime), nil
		case !errors.Is(err, storage.ErrNotFound):
			return 0, time.Time{}, fmt.Errorf("getting cursor: %w", err)
		}
		return 0, inc.StartTime, nil
	}

	cursors, err := c.store.ListCursors(ctx)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("listing cursors: %w", err)
	}
	var best *storage.Cursor
	for i := range cursors {
		if best == nil || cursors[i].LastClosedAt.After(best.LastClosedAt) {
			best = &cursors[i]
		}
	}
	if best == nil {
		return 0, inc.StartTime, nil
	}
	return best.LastLedger, clampCheckpoint(best.LastClosedAt, inc.StartTime), nil
}

func clampCheckpoint(at, start time.Time) time.Time {
	if at.After(start) {
		return start
	}
	return at
}

// Drive advances an incident until it is terminal or its recovery stalls.
// Transitions for one incident are serialised; different incidents may be
// driven concurrently.
func (c *Coordinator) Drive(ctx context.Context, id string) (*Incident, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	rec, err := c.store.GetIncident(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting incident: %w", err)
	}
	contract, err := c.contractFor(ctx, rec)
	if err != nil {
		return nil, err
	}
	inc := toIncident(rec, contract)

	st, err := c.strategies.Get(inc.Category)
	if err != nil {
		return inc, err
	}
	target := recovery.Target{
		IncidentID:  inc.ID,
		ContractRef: inc.ContractRef,
		Network:     inc.Network,
		ContractID:  inc.ContractID,
		Drill:       inc.Drill,
	}

	for {
		if err := ctx.Err(); err != nil {
			return inc, err
		}
		switch inc.State {
		case StateDetected:
			if err := c.isolate(ctx, inc, contract); err != nil {
				return inc, err
			}
		case StateIsolated:
			if err := c.transition(ctx, inc, StateRecovering, "recovery started: "+strings.Join(st.Plan(), ", ")); err != nil {
				return inc, err
			}
		case StateRecovering:
			stalled, err := c.recover(ctx, inc, st, target)
			if err != nil || stalled {
				return inc, err
			}
		case StateVerifying:
			if err := c.verify(ctx, inc, st, target, contract); err != nil {
				return inc, err
			}
		default:
			return inc, nil
		}
	}
}

// recover runs the category's actions. Exhausted retries leave the incident
// in Recovering, flagged as stalled.
func (c *Coordinator) recover(ctx context.Context, inc *Incident, st *recovery.Strategy, target recovery.Target) (bool, error) {
	inc.RecoveryAttempts++
	runErr := st.Recover(ctx, target)
	if runErr != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}
	if runErr != nil {
		inc.Stalled = true
		inc.LastError = runErr.Error()
		if err := c.save(ctx, inc); err != nil {
			return false, err
		}
		metrics.IncidentStalled(string(inc.Category))
		c.logger.Error("incident recovery stalled",
			"incident_id", inc.ID,
			"category", inc.Category,
			"attempts", inc.RecoveryAttempts,
			"error", runErr,
		)
		c.dispatch(ctx, inc, notify.EventStalled)
		return true, nil
	}

	inc.Stalled = false
	inc.LastError = ""
	return false, c.transition(ctx, inc, StateVerifying, "recovery actions completed")
}

// verify runs the health check and decides between Resolved, another round
// of recovery, or Abandoned once the verify budget is spent.
func (c *Coordinator) verify(ctx context.Context, inc *Incident, st *recovery.Strategy, target recovery.Target, contract *storage.Contract) error {
	inc.VerifyAttempts++
	checkErr := st.Verify(ctx, target)
	if checkErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if checkErr == nil {
		inc.LastError = ""
		return c.resolve(ctx, inc, st.Check.Name(), contract)
	}

	inc.LastError = checkErr.Error()
	if inc.VerifyAttempts >= st.Policy.MaxVerifyAttempts {
		c.logger.Error("incident abandoned",
			"incident_id", inc.ID,
			"category", inc.Category,
			"verify_attempts", inc.VerifyAttempts,
			"error", checkErr,
		)
		return c.abandon(ctx, inc, fmt.Sprintf("verification failed %d times: %v", inc.VerifyAttempts, checkErr))
	}
	c.logger.Warn("incident verification failed, retrying recovery",
		"incident_id", inc.ID,
		"verify_attempts", inc.VerifyAttempts,
		"error", checkErr,
	)
	return c.transition(ctx, inc, StateRecovering, checkErr.Error())
}

func (c *Coordinator) resolve(ctx context.Context, inc *Incident, check string, contract *storage.Contract) error {
	if err := c.transition(ctx, inc, StateResolved, check+" passed"); err != nil {
		return err
	}
	if contract != nil && contract.Status == storage.ContractSuspended {
		if err := c.reactivate(ctx, inc, contract); err != nil {
			c.logger.Error("restoring contract status failed",
				"incident_id", inc.ID,
				"contract_id", contract.ContractID,
				"error", err,
			)
		}
	}
	c.dispatch(ctx, inc, notify.EventResolved)
	return nil
}

// reactivate restores the contract unless another open incident still holds it
func (c *Coordinator) reactivate(ctx context.Context, inc *Incident, contract *storage.Contract) error {
	open, err := c.store.ListIncidents(ctx, storage.IncidentFilter{States: openStates, ContractRef: contract.ID, Limit: 1})
	if err != nil {
		return fmt.Errorf("listing open incidents: %w", err)
	}
	if len(open) > 0 {
		c.logger.Info("contract stays suspended",
			"incident_id", inc.ID,
			"open_incident", open[0].ID,
		)
		return nil
	}
	if err := c.store.SetContractStatus(ctx, contract.ID, storage.ContractActive); err != nil {
		return err
	}
	contract.Status = storage.ContractActive
	c.cache.Delete(ctx, cache.ContractKeys(contract.Network, contract.ContractID)...)
	return nil
}

func (c *Coordinator) abandon(ctx context.Context, inc *Incident, note string) error {
	if err := c.transition(ctx, inc, StateAbandoned, note); err != nil {
		return err
	}
	c.dispatch(ctx, inc, notify.EventAbandoned)
	return nil
}

// dispatch sends a notification and records delivery on the incident
func (c *Coordinator) dispatch(ctx context.Context, inc *Incident, eventType string) {
	ev := notify.Event{
		Type:        eventType,
		IncidentID:  inc.ID,
		Category:    string(inc.Category),
		State:       string(inc.State),
		Network:     inc.Network,
		ContractID:  inc.ContractID,
		Description: inc.Description,
		Error:       inc.LastError,
		Drill:       inc.Drill,
		At:          c.now(),
	}
	if inc.RTO != nil {
		ev.RTO = inc.RTO.String()
	}
	if inc.RPO != nil {
		ev.RPO = inc.RPO.String()
	}
	if err := c.notifier.Notify(ctx, ev); err != nil {
		c.logger.Warn("incident notification failed",
			"incident_id", inc.ID,
			"type", eventType,
			"error", err,
		)
		return
	}
	if eventType == notify.EventStalled || inc.NotifiedUsers {
		return
	}
	inc.NotifiedUsers = true
	if err := c.save(ctx, inc); err != nil {
		c.logger.Warn("recording notification failed", "incident_id", inc.ID, "error", err)
	}
}

// transition moves inc to the next state and persists it. Terminal states
// set end_time together with RTO and RPO.
func (c *Coordinator) transition(ctx context.Context, inc *Incident, to State, note string) error {
	from := inc.State
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}

	inc.State = to
	if to.Terminal() {
		end := c.now()
		if end.Before(inc.StartTime) {
			end = inc.StartTime
		}
		rto := end.Sub(inc.StartTime)
		rpo := time.Duration(0)
		if inc.CheckpointAt != nil && inc.CheckpointAt.Before(inc.StartTime) {
			rpo = inc.StartTime.Sub(*inc.CheckpointAt)
		}
		inc.EndTime, inc.RTO, inc.RPO = &end, &rto, &rpo
	}

	rec := toRecord(inc)
	if err := c.store.TransitionIncident(ctx, rec, string(from), note); err != nil {
		inc.State = from
		if to.Terminal() {
			inc.EndTime, inc.RTO, inc.RPO = nil, nil, nil
		}
		return fmt.Errorf("moving incident to %s: %w", to, err)
	}
	inc.UpdatedAt = rec.UpdatedAt
	inc.Transitions = append(inc.Transitions, Transition{From: from, To: to, Note: note, CreatedAt: rec.UpdatedAt})

	metrics.IncidentTransition(string(inc.Category), string(to))
	if to.Terminal() {
		metrics.IncidentClosed(string(inc.Category), string(to), *inc.RTO)
	}
	c.logger.Info("incident transition",
		"incident_id", inc.ID,
		"from", from,
		"to", to,
		"note", note,
	)
	return nil
}

func (c *Coordinator) save(ctx context.Context, inc *Incident) error {
	rec := toRecord(inc)
	if err := c.store.SaveIncident(ctx, rec); err != nil {
		return fmt.Errorf("saving incident: %w", err)
	}
	inc.UpdatedAt = rec.UpdatedAt
	return nil
}

// GetIncident retrieves an incident with its transition log
func (c *Coordinator) GetIncident(ctx context.Context, id string) (*Incident, error) {
	rec, err := c.store.GetIncident(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting incident: %w", err)
	}
	contract, err := c.contractFor(ctx, rec)
	if err != nil {
		return nil, err
	}
	inc := toIncident(rec, contract)

	log, err := c.store.ListTransitions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing transitions: %w", err)
	}
	inc.Transitions = make([]Transition, len(log))
	for i, t := range log {
		inc.Transitions[i] = Transition{From: State(t.FromState), To: State(t.ToState), Note: t.Note, CreatedAt: t.CreatedAt}
	}
	return inc, nil
}

// ListIncidents lists incidents newest first
func (c *Coordinator) ListIncidents(ctx context.Context, filter ListFilter) ([]Incident, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	states := make([]string, len(filter.States))
	for i, s := range filter.States {
		states[i] = string(s)
	}

	recs, err := c.store.ListIncidents(ctx, storage.IncidentFilter{States: states, Limit: limit, Offset: filter.Offset})
	if err != nil {
		return nil, fmt.Errorf("listing incidents: %w", err)
	}

	contracts := make(map[string]*storage.Contract)
	out := make([]Incident, 0, len(recs))
	for i := range recs {
		rec := &recs[i]
		var contract *storage.Contract
		if rec.ContractRef != "" {
			if cached, ok := contracts[rec.ContractRef]; ok {
				contract = cached
			} else if contract, err = c.contractFor(ctx, rec); err != nil {
				return nil, err
			}
			contracts[rec.ContractRef] = contract
		}
		out = append(out, *toIncident(rec, contract))
	}
	return out, nil
}

// UpdateIncident edits the operator-owned fields. Lessons learned may be
// written at any time; the remaining edits need the incident to be idle.
func (c *Coordinator) UpdateIncident(ctx context.Context, id string, req UpdateRequest) (*Incident, error) {
	if req.Abandon && req.Resume {
		return nil, fmt.Errorf("%w: abandon and resume are exclusive", ErrInvalidRequest)
	}
	if req.LessonsLearned != nil {
		if err := c.store.SetIncidentLessons(ctx, id, *req.LessonsLearned); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("saving lessons learned: %w", err)
		}
	}
	if req.NotifiedUsers == nil && !req.Abandon && !req.Resume {
		return c.GetIncident(ctx, id)
	}

	unlock, ok := c.locks.TryLock(id)
	if !ok {
		return nil, ErrBusy
	}
	resume, err := c.applyUpdate(ctx, id, req)
	unlock()
	if err != nil {
		return nil, err
	}
	if resume {
		c.enqueue(id)
	}
	return c.GetIncident(ctx, id)
}

func (c *Coordinator) applyUpdate(ctx context.Context, id string, req UpdateRequest) (bool, error) {
	rec, err := c.store.GetIncident(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("getting incident: %w", err)
	}
	contract, err := c.contractFor(ctx, rec)
	if err != nil {
		return false, err
	}
	inc := toIncident(rec, contract)

	if req.NotifiedUsers != nil {
		inc.NotifiedUsers = *req.NotifiedUsers
		if err := c.save(ctx, inc); err != nil {
			return false, err
		}
	}
	switch {
	case req.Abandon:
		if err := c.abandon(ctx, inc, "abandoned by operator"); err != nil {
			return false, err
		}
	case req.Resume:
		if inc.State.Terminal() || !inc.Stalled {
			return false, fmt.Errorf("%w: only stalled incidents can be resumed", ErrInvalidTransition)
		}
		inc.Stalled = false
		if err := c.save(ctx, inc); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// RunDrill rehearses the recovery of a category. A simulated drill reports
// the plan without invoking any action; otherwise a drill incident without
// a contract is driven to completion and its measured RTO reported.
func (c *Coordinator) RunDrill(ctx context.Context, category string, simulate bool) (*DrillReport, error) {
	cat, err := recovery.ParseCategory(category)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	st, err := c.strategies.Get(cat)
	if err != nil {
		return nil, err
	}
	report := &DrillReport{
		Category:  cat,
		Simulated: simulate,
		Plan:      st.Plan(),
		Check:     st.Check.Name(),
	}
	if simulate {
		return report, nil
	}

	rec := &storage.Incident{
		IncidentType: TypeDrill,
		Category:     string(cat),
		Description:  "recovery drill for " + string(cat),
		State:        string(StateDetected),
		StartTime:    c.now(),
		Drill:        true,
	}
	if err := c.store.CreateIncident(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating drill incident: %w", err)
	}
	metrics.IncidentReported(rec.Category, rec.IncidentType)
	metrics.IncidentTransition(rec.Category, rec.State)

	inc, err := c.Drive(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	report.Incident = inc
	report.State = inc.State
	if inc.RTO != nil {
		report.RTO = *inc.RTO
	}
	return report, nil
}

// RestoreFromBackup asks the operator to restore registry state from a
// backup. It runs outside the incident state machine.
func (c *Coordinator) RestoreFromBackup(ctx context.Context, backupRef string) (*RestoreReport, error) {
	backupRef = strings.TrimSpace(backupRef)
	if backupRef == "" {
		return nil, fmt.Errorf("%w: backup reference is required", ErrInvalidRequest)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.RestoreTimeout)
	defer cancel()

	report := &RestoreReport{BackupRef: backupRef, StartedAt: c.now()}
	detail, err := c.operator.Restore(ctx, backupRef)
	report.FinishedAt = c.now()
	report.Duration = report.FinishedAt.Sub(report.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("restoring %s: %w", backupRef, err)
	}
	report.Detail = detail
	c.logger.Info("restored from backup",
		"backup_ref", backupRef,
		"duration", report.Duration,
	)
	return report, nil
}

func (c *Coordinator) contractFor(ctx context.Context, rec *storage.Incident) (*storage.Contract, error) {
	if rec.ContractRef == "" {
		return nil, nil
	}
	contract, err := c.store.GetContractByRef(ctx, rec.ContractRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting contract: %w", err)
	}
	return contract, nil
}

func toIncident(rec *storage.Incident, contract *storage.Contract) *Incident {
	inc := &Incident{
		ID:               rec.ID,
		ContractRef:      rec.ContractRef,
		Type:             rec.IncidentType,
		Category:         recovery.Category(rec.Category),
		Description:      rec.Description,
		State:            State(rec.State),
		StartTime:        rec.StartTime,
		EndTime:          rec.EndTime,
		RTO:              rec.RTOAchieved,
		RPO:              rec.RPOAchieved,
		LessonsLearned:   rec.LessonsLearned,
		NotifiedUsers:    rec.NotifiedUsers,
		CheckpointLedger: rec.CheckpointLedger,
		CheckpointAt:     rec.CheckpointAt,
		RecoveryAttempts: rec.RecoveryAttempts,
		VerifyAttempts:   rec.VerifyAttempts,
		Stalled:          rec.Stalled,
		LastError:        rec.LastError,
		Drill:            rec.Drill,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
	if contract != nil {
		inc.Network = contract.Network
		inc.ContractID = contract.ContractID
	}
	return inc
}

func toRecord(inc *Incident) *storage.Incident {
	return &storage.Incident{
		ID:               inc.ID,
		ContractRef:      inc.ContractRef,
		IncidentType:     inc.Type,
		Category:         string(inc.Category),
		Description:      inc.Description,
		State:            string(inc.State),
		StartTime:        inc.StartTime,
		EndTime:          inc.EndTime,
		RTOAchieved:      inc.RTO,
		RPOAchieved:      inc.RPO,
		LessonsLearned:   inc.LessonsLearned,
		NotifiedUsers:    inc.NotifiedUsers,
		CheckpointLedger: inc.CheckpointLedger,
		CheckpointAt:     inc.CheckpointAt,
		RecoveryAttempts: inc.RecoveryAttempts,
		VerifyAttempts:   inc.VerifyAttempts,
		Stalled:          inc.Stalled,
		LastError:        inc.LastError,
		Drill:            inc.Drill,
		CreatedAt:        inc.CreatedAt,
		UpdatedAt:        inc.UpdatedAt,
	}
}
