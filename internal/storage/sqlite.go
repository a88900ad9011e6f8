package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serialises writers; the indexer commits from one
	// goroutine per network.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return &SQLiteStore{sqlStore{db: db, logger: logger, dialect: dialectSQLite}}, nil
}

// Migrate runs database migrations
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return s.migrate(ctx, sqliteSchema)
}

const sqliteSchema = `
	-- API keys
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		key_hash TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL,
		last_used_at TEXT,
		revoked_at TEXT
	);

	-- Contracts, one row per (network, contract id)
	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		network TEXT NOT NULL,
		contract_id TEXT NOT NULL,
		current_hash TEXT NOT NULL DEFAULT '',
		current_version_id TEXT,
		created_ledger INTEGER NOT NULL,
		publisher_id TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
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
		deployed_ledger INTEGER NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		verification_status TEXT NOT NULL DEFAULT 'unverified',
		created_at TEXT NOT NULL,
		UNIQUE(contract_ref, bytecode_hash)
	);

	-- Content-addressed blobs
	CREATE TABLE IF NOT EXISTS blobs (
		hash TEXT PRIMARY KEY,
		content BLOB NOT NULL,
		size_bytes INTEGER NOT NULL,
		created_at TEXT NOT NULL
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
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Incidents
	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		contract_ref TEXT REFERENCES contracts(id),
		incident_type TEXT NOT NULL,
		category TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT,
		rto_achieved INTEGER,
		rpo_achieved INTEGER,
		lessons_learned TEXT,
		notified_users INTEGER NOT NULL DEFAULT 0,
		checkpoint_ledger INTEGER NOT NULL DEFAULT 0,
		checkpoint_at TEXT,
		recovery_attempts INTEGER NOT NULL DEFAULT 0,
		verify_attempts INTEGER NOT NULL DEFAULT 0,
		stalled INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		drill INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Incident state log
	CREATE TABLE IF NOT EXISTS incident_transitions (
		id TEXT PRIMARY KEY,
		incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Indexer cursors
	CREATE TABLE IF NOT EXISTS indexer_cursors (
		network TEXT PRIMARY KEY,
		last_ledger INTEGER NOT NULL,
		last_closed_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Indexes
	CREATE INDEX IF NOT EXISTS idx_contracts_status ON contracts(status);
	CREATE INDEX IF NOT EXISTS idx_versions_contract ON contract_versions(contract_ref);
	CREATE INDEX IF NOT EXISTS idx_verifications_version ON verification_results(version_id, source_digest, toolchain_pin);
	CREATE INDEX IF NOT EXISTS idx_incidents_state ON incidents(state);
	CREATE INDEX IF NOT EXISTS idx_incidents_start ON incidents(start_time);
	CREATE INDEX IF NOT EXISTS idx_transitions_incident ON incident_transitions(incident_id);
`
