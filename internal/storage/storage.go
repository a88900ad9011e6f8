package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pendergraft/sorobanregistry/internal/config"
)

// Contract lifecycle statuses
const (
	ContractActive    = "active"
	ContractSuspended = "suspended"
	ContractMigrated  = "migrated"
)

// Version verification statuses
const (
	VerificationUnverified  = "unverified"
	VerificationVerified    = "verified"
	VerificationMismatched  = "mismatched"
	VerificationBuildFailed = "build_failed"
)

// ContractStore handles contract reads and status transitions.
// Contracts are created only through IndexStore.CommitLedger.
type ContractStore interface {
	GetContract(ctx context.Context, network, contractID string) (*Contract, error)
	GetContractByRef(ctx context.Context, ref string) (*Contract, error)
	ListContracts(ctx context.Context, filter ContractFilter, pagination PaginationParams) (*PaginatedResult[Contract], error)
	SetContractStatus(ctx context.Context, ref, status string) error
}

// VersionStore handles contract version reads
type VersionStore interface {
	GetVersion(ctx context.Context, id string) (*ContractVersion, error)
	ListVersions(ctx context.Context, contractRef string) ([]ContractVersion, error)
}

// BlobStore handles content-addressed blobs (on-chain bytecode, source archives)
type BlobStore interface {
	PutBlob(ctx context.Context, content []byte) (string, error)
	GetBlob(ctx context.Context, hash string) ([]byte, error)
}

// IndexStore handles the per-network cursor and the atomic ledger commit
type IndexStore interface {
	GetCursor(ctx context.Context, network string) (*Cursor, error)
	ListCursors(ctx context.Context) ([]Cursor, error)
	CommitLedger(ctx context.Context, commit LedgerCommit) (*CommitResult, error)
}

// VerificationStore handles the append-only verification log
type VerificationStore interface {
	RecordVerification(ctx context.Context, result *VerificationResult) error
	ListVerifications(ctx context.Context, versionID string) ([]VerificationResult, error)
	LatestVerification(ctx context.Context, versionID, sourceDigest, toolchainPin string) (*VerificationResult, error)
}

// IncidentStore handles incidents and their transition log
type IncidentStore interface {
	CreateIncident(ctx context.Context, inc *Incident) error
	GetIncident(ctx context.Context, id string) (*Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error)
	SaveIncident(ctx context.Context, inc *Incident) error
	SetIncidentLessons(ctx context.Context, id, lessons string) error
	TransitionIncident(ctx context.Context, inc *Incident, fromState, note string) error
	ListTransitions(ctx context.Context, incidentID string) ([]IncidentTransition, error)
}

// APIKeyStore handles API key operations
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, name string) (key string, err error)
	ValidateAPIKey(ctx context.Context, key string) (*APIKey, error)
	ListAPIKeys(ctx context.Context) ([]APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error
}

// Store combines all storage interfaces with lifecycle methods.
// Domain services define their own minimal interfaces based on their actual usage.
type Store interface {
	ContractStore
	VersionStore
	BlobStore
	IndexStore
	VerificationStore
	IncidentStore
	APIKeyStore

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
}

// Contract is a deployed contract identified by (network, contract id)
type Contract struct {
	ID               string // internal reference
	Network          string
	ContractID       string // C... strkey
	CurrentHash      string
	CurrentVersionID string
	CreatedLedger    uint32
	PublisherID      string
	Status           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ContractVersion is one distinct bytecode observed for a contract
type ContractVersion struct {
	ID                 string
	ContractRef        string
	Network            string
	ContractID         string
	Label              string
	BytecodeHash       string
	DeployedLedger     uint32
	SizeBytes          int
	VerificationStatus string
	CreatedAt          time.Time
}

// VerificationResult is one verification attempt against a version
type VerificationResult struct {
	ID           string
	VersionID    string
	SourceDigest string
	ToolchainPin string
	ComputedHash string
	Outcome      string
	Detail       map[string]any
	DurationMS   int64
	CreatedAt    time.Time
}

// Incident is a contract-health incident
type Incident struct {
	ID               string
	ContractRef      string
	IncidentType     string
	Category         string
	Description      string
	State            string
	StartTime        time.Time
	EndTime          *time.Time
	RTOAchieved      *time.Duration
	RPOAchieved      *time.Duration
	LessonsLearned   string
	NotifiedUsers    bool
	CheckpointLedger uint32
	CheckpointAt     *time.Time
	RecoveryAttempts int
	VerifyAttempts   int
	Stalled          bool
	LastError        string
	Drill            bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IncidentTransition is one entry of an incident's state log
type IncidentTransition struct {
	ID         string
	IncidentID string
	FromState  string
	ToState    string
	Note       string
	CreatedAt  time.Time
}

// Cursor is the last ledger fully committed for a network
type Cursor struct {
	Network      string
	LastLedger   uint32
	LastClosedAt time.Time
	UpdatedAt    time.Time
}

// LedgerCommit carries everything derived from one ledger
type LedgerCommit struct {
	Network     string
	Sequence    uint32
	ClosedAt    time.Time
	Deployments []ObservedDeployment
}

// ObservedDeployment is a contract instance seen with a given bytecode,
// or retired when Retired is set.
type ObservedDeployment struct {
	ContractID   string
	BytecodeHash string
	Bytecode     []byte
	Retired      bool
}

// CommitResult summarises what a CommitLedger call changed
type CommitResult struct {
	AlreadyCommitted bool
	NewContracts     int
	NewVersions      int
	Retired          int
	Touched          []string // contract ids whose state changed
}

// APIKey represents an API key
type APIKey struct {
	ID         string
	Name       string
	KeyHash    string
	CreatedAt  string
	LastUsedAt string
	RevokedAt  string
}

// ContractFilter contains filter options for listing contracts
type ContractFilter struct {
	Network string
	Status  string
}

// IncidentFilter contains filter options for listing incidents
type IncidentFilter struct {
	States      []string
	ContractRef string
	Limit       int
	Offset      int
}

// PaginationParams contains pagination options
type PaginationParams struct {
	Limit  int
	Cursor string
}

// PaginatedResult contains paginated results
type PaginatedResult[T any] struct {
	Data       []T
	HasMore    bool
	NextCursor string
}

// New creates a new store based on configuration
func New(cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Type {
	case "sqlite":
		return NewSQLiteStore(cfg.SQLite.Path, logger)
	case "postgres":
		return NewPostgresStore(cfg.Postgres.URL, logger)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
