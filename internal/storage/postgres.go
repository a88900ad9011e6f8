package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	sqlStore
}

// NewPostgresStore creates a new Postgres store
func NewPostgresStore(url string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &PostgresStore{sqlStore{db: db, logger: logger, dialect: dialectPostgres}}, nil
}

// Migrate runs database migrations
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return s.migrate(ctx, postgresSchema)
}

const postgresSchema = `
	-- API keys
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		key_hash TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_used_at TIMESTAMPTZ,
		revoked_at TIMESTAMPTZ
	);

	-- Contracts, one row per (network, contract id)
	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		network TEXT NOT NULL,
		contract_id TEXT NOT NULL,
		current_hash TEXT NOT NULL DEFAULT '',
		current_version_id TEXT,
		created_ledger BIGINT NOT NULL,
		publisher_id TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE(network, contract_id)
	);

	-- Contract versions, one row per distinct bytecode
	CREATE TABLE IF NOT EXISTS contract_versions (
		id TEXT PRIMARY KEY,
		contract_ref TEXT NOT NULL REFERENCES contracts(id) ON DELETE CASCADE,
		network TEXT NOT NULL,
		contract_id TEXT NOT NULL,
		label TEXT NOT NULL,
		bytecode_hash TEXT NOT NULL,
		deployed_ledger BIGINT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		verification_status TEXT NOT NULL DEFAULT 'unverified',
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE(contract_ref, bytecode_hash)
	);

	-- Content-addressed blobs
	CREATE TABLE IF NOT EXISTS blobs (
		hash TEXT PRIMARY KEY,
		content BYTEA NOT NULL,
		size_bytes INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	-- Verification results (append only)
	CREATE TABLE IF NOT EXISTS verification_results (
		id TEXT PRIMARY KEY,
		version_id TEXT NOT NULL REFERENCES contract_versions(id) ON DELETE CASCADE,
		source_digest TEXT NOT NULL,
		toolchain_pin TEXT NOT NULL,
		computed_hash TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '{}',
		duration_ms BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	);

	-- Incidents
	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		contract_ref TEXT REFERENCES contracts(id),
		incident_type TEXT NOT NULL,
		category TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ,
		rto_achieved BIGINT,
		rpo_achieved BIGINT,
		lessons_learned TEXT,
		notified_users BOOLEAN NOT NULL DEFAULT FALSE,
		checkpoint_ledger BIGINT NOT NULL DEFAULT 0,
		checkpoint_at TIMESTAMPTZ,
		recovery_attempts INTEGER NOT NULL DEFAULT 0,
		verify_attempts INTEGER NOT NULL DEFAULT 0,
		stalled BOOLEAN NOT NULL DEFAULT FALSE,
		last_error TEXT,
		drill BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	-- Incident state log
	CREATE TABLE IF NOT EXISTS incident_transitions (
		id TEXT PRIMARY KEY,
		incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	-- Indexer cursors
	CREATE TABLE IF NOT EXISTS indexer_cursors (
		network TEXT PRIMARY KEY,
		last_ledger BIGINT NOT NULL,
		last_closed_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	-- Indexes
	CREATE INDEX IF NOT EXISTS idx_contracts_status ON contracts(status);
	CREATE INDEX IF NOT EXISTS idx_versions_contract ON contract_versions(contract_ref);
	CREATE INDEX IF NOT EXISTS idx_verifications_version ON verification_results(version_id, source_digest, toolchain_pin);
	CREATE INDEX IF NOT EXISTS idx_incidents_state ON incidents(state);
	CREATE INDEX IF NOT EXISTS idx_incidents_start ON incidents(start_time);
	CREATE INDEX IF NOT EXISTS idx_transitions_incident ON incident_transitions(incident_id);
`
