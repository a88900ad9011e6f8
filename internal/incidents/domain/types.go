package domain

import (
	"strings"
	"time"

	"github.com/pendergraft/sorobanregistry/internal/incidents/recovery"
)

// State is an incident lifecycle state
type State string

const (
	StateDetected   State = "Detected"
	StateIsolated   State = "Isolated"
	StateRecovering State = "Recovering"
	StateVerifying  State = "Verifying"
	StateResolved   State = "Resolved"
	StateAbandoned  State = "Abandoned"
)

var allStates = []State{StateDetected, StateIsolated, StateRecovering, StateVerifying, StateResolved, StateAbandoned}

// ParseState resolves a state name case-insensitively
func ParseState(s string) (State, bool) {
	for _, st := range allStates {
		if strings.EqualFold(string(st), strings.TrimSpace(s)) {
			return st, true
		}
	}
	return "", false
}

// Terminal reports whether no further transitions are possible
func (s State) Terminal() bool {
	return s == StateResolved || s == StateAbandoned
}

// transitions lists the allowed moves out of each state
var transitions = map[State][]State{
	StateDetected:   {StateIsolated},
	StateIsolated:   {StateRecovering},
	StateRecovering: {StateVerifying, StateAbandoned},
	StateVerifying:  {StateResolved, StateRecovering, StateAbandoned},
}

// CanTransition reports whether from may move to to
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Incident types raised inside the registry
const (
	TypeIndexerAnomaly       = "indexer_anomaly"
	TypeVerificationMismatch = "verification_mismatch"
	TypeDeterminism          = "determinism_violation"
	TypeDrill                = "drill"
)

// Incident is a contract-health incident and its recovery record
type Incident struct {
	ID               string            `json:"id"`
	ContractRef      string            `json:"-"`
	Network          string            `json:"network,omitempty"`
	ContractID       string            `json:"contractId,omitempty"`
	Type             string            `json:"type"`
	Category         recovery.Category `json:"category"`
	Description      string            `json:"description"`
	State            State             `json:"state"`
	StartTime        time.Time         `json:"startTime"`
	EndTime          *time.Time        `json:"endTime,omitempty"`
	RTO              *time.Duration    `json:"-"`
	RPO              *time.Duration    `json:"-"`
	LessonsLearned   string            `json:"lessonsLearned,omitempty"`
	NotifiedUsers    bool              `json:"notifiedUsers"`
	CheckpointLedger uint32            `json:"checkpointLedger,omitempty"`
	CheckpointAt     *time.Time        `json:"checkpointAt,omitempty"`
	RecoveryAttempts int               `json:"recoveryAttempts"`
	VerifyAttempts   int               `json:"verifyAttempts"`
	Stalled          bool              `json:"stalled"`
	LastError        string            `json:"lastError,omitempty"`
	Drill            bool              `json:"drill"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	Transitions      []Transition      `json:"transitions,omitempty"`
}

// Transition is one entry of the incident state log
type Transition struct {
	From      State     `json:"from,omitempty"`
	To        State     `json:"to"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReportRequest raises a new incident. The contract is identified either by
// its internal reference or by network and contract id; both may be empty.
type ReportRequest struct {
	ContractRef string
	Network     string
	ContractID  string
	Type        string
	Category    string
	Description string
}

// UpdateRequest edits the operator-owned fields of an incident. Abandon
// closes a recovering incident by hand; Resume retries a stalled one.
type UpdateRequest struct {
	LessonsLearned *string
	NotifiedUsers  *bool
	Abandon        bool
	Resume         bool
}

// ListFilter contains filter options for listing incidents
type ListFilter struct {
	States []State
	Limit  int
	Offset int
}

// DrillReport is the outcome of a recovery rehearsal
type DrillReport struct {
	Category  recovery.Category `json:"category"`
	Simulated bool              `json:"simulated"`
	Plan      []string          `json:"plan"`
	Check     string            `json:"check"`
	Incident  *Incident         `json:"incident,omitempty"`
	State     State             `json:"state,omitempty"`
	RTO       time.Duration     `json:"-"`
}

// RestoreReport is the outcome of an operator restore
type RestoreReport struct {
	BackupRef  string        `json:"backupRef"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Duration   time.Duration `json:"-"`
	Detail     string        `json:"detail,omitempty"`
}
