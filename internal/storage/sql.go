package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore implements Store on database/sql for both supported dialects.
// Queries are written with ? placeholders and rebound for Postgres.
type sqlStore struct {
	db      *sql.DB
	logger  *slog.Logger
	dialect dialect
}

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqlStore) q(query string) string {
	if s.dialect == dialectPostgres {
		return rebindDollar(query)
	}
	return query
}

// Ping checks database connectivity
func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) migrate(ctx context.Context, schema string) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	s.logger.Info("database migrations complete")
	return nil
}

// Contracts

const contractColumns = `id, network, contract_id, current_hash, current_version_id, created_ledger, publisher_id, status, created_at, updated_at`

func scanContract(row rowScanner) (*Contract, error) {
	var c Contract
	var versionID, publisher sql.NullString
	var created, updated dbTime
	var ledger int64
	if err := row.Scan(&c.ID, &c.Network, &c.ContractID, &c.CurrentHash, &versionID, &ledger, &publisher, &c.Status, &created, &updated); err != nil {
		return nil, err
	}
	c.CurrentVersionID = versionID.String
	c.PublisherID = publisher.String
	c.CreatedLedger = uint32(ledger)
	c.CreatedAt = created.Time
	c.UpdatedAt = updated.Time
	return &c, nil
}

// GetContract retrieves a contract by network and on-chain id
func (s *sqlStore) GetContract(ctx context.Context, network, contractID string) (*Contract, error) {
	return s.getContract(ctx, s.db, network, contractID)
}

func (s *sqlStore) getContract(ctx context.Context, db queryer, network, contractID string) (*Contract, error) {
	row := db.QueryRowContext(ctx, s.q(`SELECT `+contractColumns+` FROM contracts WHERE network = ? AND contract_id = ?`), network, contractID)
	c, err := scanContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// GetContractByRef retrieves a contract by its internal reference
func (s *sqlStore) GetContractByRef(ctx context.Context, ref string) (*Contract, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+contractColumns+` FROM contracts WHERE id = ?`), ref)
	c, err := scanContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListContracts lists contracts ordered by (network, contract_id) with cursor pagination.
// The cursor has the form "network:contract_id".
func (s *sqlStore) ListContracts(ctx context.Context, filter ContractFilter, pagination PaginationParams) (*PaginatedResult[Contract], error) {
	var where []string
	var args []any
	if filter.Network != "" {
		where = append(where, "network = ?")
		args = append(args, filter.Network)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if pagination.Cursor != "" {
		network, contractID, ok := strings.Cut(pagination.Cursor, ":")
		if !ok {
			return nil, fmt.Errorf("invalid cursor %q", pagination.Cursor)
		}
		where = append(where, "(network > ? OR (network = ? AND contract_id > ?))")
		args = append(args, network, network, contractID)
	}
	limit := pagination.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + contractColumns + ` FROM contracts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY network, contract_id LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contracts []Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hasMore := len(contracts) > limit
	if hasMore {
		contracts = contracts[:limit]
	}
	var next string
	if hasMore && len(contracts) > 0 {
		last := contracts[len(contracts)-1]
		next = last.Network + ":" + last.ContractID
	}
	return &PaginatedResult[Contract]{Data: contracts, HasMore: hasMore, NextCursor: next}, nil
}

// SetContractStatus transitions a contract's lifecycle status
func (s *sqlStore) SetContractStatus(ctx context.Context, ref, status string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE contracts SET status = ?, updated_at = ? WHERE id = ?`), status, ts(time.Now()), ref)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Versions

const versionColumns = `id, contract_ref, network, contract_id, label, bytecode_hash, deployed_ledger, size_bytes, verification_status, created_at`

func scanVersion(row rowScanner) (*ContractVersion, error) {
	var v ContractVersion
	var ledger int64
	var created dbTime
	if err := row.Scan(&v.ID, &v.ContractRef, &v.Network, &v.ContractID, &v.Label, &v.BytecodeHash, &ledger, &v.SizeBytes, &v.VerificationStatus, &created); err != nil {
		return nil, err
	}
	v.DeployedLedger = uint32(ledger)
	v.CreatedAt = created.Time
	return &v, nil
}

// GetVersion retrieves a contract version by id
func (s *sqlStore) GetVersion(ctx context.Context, id string) (*ContractVersion, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+versionColumns+` FROM contract_versions WHERE id = ?`), id)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

// ListVersions lists a contract's versions oldest first
func (s *sqlStore) ListVersions(ctx context.Context, contractRef string) ([]ContractVersion, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+versionColumns+` FROM contract_versions WHERE contract_ref = ? ORDER BY deployed_ledger, created_at`), contractRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []ContractVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

// Blobs

// PutBlob stores content under its SHA-256 hash and returns the hash
func (s *sqlStore) PutBlob(ctx context.Context, content []byte) (string, error) {
	return s.putBlob(ctx, s.db, content)
}

func (s *sqlStore) putBlob(ctx context.Context, db queryer, content []byte) (string, error) {
	hash := ComputeHash(content)
	_, err := db.ExecContext(ctx, s.q(`
		INSERT INTO blobs (hash, content, size_bytes, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (hash) DO NOTHING
	`), hash, content, len(content), ts(time.Now()))
	if err != nil {
		return "", fmt.Errorf("storing blob: %w", err)
	}
	return hash, nil
}

// GetBlob retrieves content by hash
func (s *sqlStore) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, s.q(`SELECT content FROM blobs WHERE hash = ?`), hash).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return content, err
}

// Cursors and ledger commits

func scanCursor(row rowScanner) (*Cursor, error) {
	var c Cursor
	var ledger int64
	var closed, updated dbTime
	if err := row.Scan(&c.Network, &ledger, &closed, &updated); err != nil {
		return nil, err
	}
	c.LastLedger = uint32(ledger)
	c.LastClosedAt = closed.Time
	c.UpdatedAt = updated.Time
	return &c, nil
}

// GetCursor returns the persisted cursor for a network
func (s *sqlStore) GetCursor(ctx context.Context, network string) (*Cursor, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT network, last_ledger, last_closed_at, updated_at FROM indexer_cursors WHERE network = ?`), network)
	c, err := scanCursor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListCursors returns every persisted cursor
func (s *sqlStore) ListCursors(ctx context.Context) ([]Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT network, last_ledger, last_closed_at, updated_at FROM indexer_cursors ORDER BY network`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cursors []Cursor
	for rows.Next() {
		c, err := scanCursor(rows)
		if err != nil {
			return nil, err
		}
		cursors = append(cursors, *c)
	}
	return cursors, rows.Err()
}

// CommitLedger applies the deployments derived from one ledger and advances the
// network cursor in a single transaction. A ledger at or below the cursor is
// reported as already committed and changes nothing; a ledger beyond
// cursor+1 fails with ErrCursorGap. The first commit of a network sets the
// cursor wherever it starts.
func (s *sqlStore) CommitLedger(ctx context.Context, commit LedgerCommit) (*CommitResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// Commits for one network are serialised until the transaction ends, so
	// a concurrent indexer sees the advanced cursor instead of racing it.
	if s.dialect == dialectPostgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "indexer_cursor:"+commit.Network); err != nil {
			return nil, fmt.Errorf("locking cursor: %w", err)
		}
	}

	var last int64
	err = tx.QueryRowContext(ctx, s.q(`SELECT last_ledger FROM indexer_cursors WHERE network = ?`), commit.Network).Scan(&last)
	switch {
	case err == nil && uint32(last) >= commit.Sequence:
		return &CommitResult{AlreadyCommitted: true}, nil
	case err == nil && commit.Sequence > uint32(last)+1:
		return nil, fmt.Errorf("%w: cursor on %s at %d, got ledger %d", ErrCursorGap, commit.Network, last, commit.Sequence)
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("reading cursor: %w", err)
	}

	now := ts(time.Now())
	result := &CommitResult{}
	for _, d := range commit.Deployments {
		changed, err := s.applyDeployment(ctx, tx, commit, d, now, result)
		if err != nil {
			return nil, fmt.Errorf("contract %s at ledger %d: %w", d.ContractID, commit.Sequence, err)
		}
		if changed {
			result.Touched = append(result.Touched, d.ContractID)
		}
	}

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO indexer_cursors (network, last_ledger, last_closed_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (network) DO UPDATE SET
			last_ledger = excluded.last_ledger,
			last_closed_at = excluded.last_closed_at,
			updated_at = excluded.updated_at
	`), commit.Network, int64(commit.Sequence), ts(commit.ClosedAt), now)
	if err != nil {
		return nil, fmt.Errorf("advancing cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing ledger %d: %w", commit.Sequence, err)
	}
	return result, nil
}

func (s *sqlStore) applyDeployment(ctx context.Context, tx *sql.Tx, commit LedgerCommit, d ObservedDeployment, now string, result *CommitResult) (bool, error) {
	c, err := s.getContract(ctx, tx, commit.Network, d.ContractID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}

	if d.Retired {
		if c == nil || c.Status == ContractMigrated {
			return false, nil
		}
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE contracts SET status = ?, updated_at = ? WHERE id = ?`), ContractMigrated, now, c.ID); err != nil {
			return false, err
		}
		result.Retired++
		return true, nil
	}

	if len(d.Bytecode) > 0 {
		if _, err := s.putBlob(ctx, tx, d.Bytecode); err != nil {
			return false, err
		}
	}

	if c == nil {
		c = &Contract{ID: generateID()}
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO contracts (id, network, contract_id, current_hash, created_ledger, status, created_at, updated_at)
			VALUES (?, ?, ?, '', ?, ?, ?, ?)
		`), c.ID, commit.Network, d.ContractID, int64(commit.Sequence), ContractActive, now, now)
		if err != nil {
			return false, fmt.Errorf("creating contract: %w", err)
		}
		result.NewContracts++
	}

	if c.CurrentHash == d.BytecodeHash {
		return false, nil
	}

	var versionID string
	err = tx.QueryRowContext(ctx, s.q(`SELECT id FROM contract_versions WHERE contract_ref = ? AND bytecode_hash = ?`), c.ID, d.BytecodeHash).Scan(&versionID)
	if errors.Is(err, sql.ErrNoRows) {
		var count int
		if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM contract_versions WHERE contract_ref = ?`), c.ID).Scan(&count); err != nil {
			return false, err
		}
		versionID = generateID()
		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO contract_versions (id, contract_ref, network, contract_id, label, bytecode_hash, deployed_ledger, size_bytes, verification_status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), versionID, c.ID, commit.Network, d.ContractID, versionLabel(count+1), d.BytecodeHash, int64(commit.Sequence), len(d.Bytecode), VerificationUnverified, now)
		if err != nil {
			return false, fmt.Errorf("creating version: %w", err)
		}
		result.NewVersions++
	} else if err != nil {
		return false, err
	}

	_, err = tx.ExecContext(ctx, s.q(`UPDATE contracts SET current_hash = ?, current_version_id = ?, updated_at = ? WHERE id = ?`), d.BytecodeHash, versionID, now, c.ID)
	if err != nil {
		return false, fmt.Errorf("moving current hash: %w", err)
	}
	return true, nil
}

// Verification results

const verificationColumns = `id, version_id, source_digest, toolchain_pin, computed_hash, outcome, detail, duration_ms, created_at`

func scanVerification(row rowScanner) (*VerificationResult, error) {
	var r VerificationResult
	var detail string
	var created dbTime
	if err := row.Scan(&r.ID, &r.VersionID, &r.SourceDigest, &r.ToolchainPin, &r.ComputedHash, &r.Outcome, &detail, &r.DurationMS, &created); err != nil {
		return nil, err
	}
	if detail != "" {
		if err := json.Unmarshal([]byte(detail), &r.Detail); err != nil {
			return nil, fmt.Errorf("decoding detail: %w", err)
		}
	}
	r.CreatedAt = created.Time
	return &r, nil
}

// RecordVerification appends a result and caches its outcome on the version
func (s *sqlStore) RecordVerification(ctx context.Context, r *VerificationResult) error {
	if r.ID == "" {
		r.ID = generateID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	detail := "{}"
	if r.Detail != nil {
		b, err := json.Marshal(r.Detail)
		if err != nil {
			return fmt.Errorf("encoding detail: %w", err)
		}
		detail = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(`UPDATE contract_versions SET verification_status = ? WHERE id = ?`), r.Outcome, r.VersionID)
	if err != nil {
		return fmt.Errorf("updating version status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO verification_results (`+verificationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), r.ID, r.VersionID, r.SourceDigest, r.ToolchainPin, r.ComputedHash, r.Outcome, detail, r.DurationMS, ts(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting result: %w", err)
	}
	return tx.Commit()
}

// ListVerifications returns a version's results newest first
func (s *sqlStore) ListVerifications(ctx context.Context, versionID string) ([]VerificationResult, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+verificationColumns+` FROM verification_results WHERE version_id = ? ORDER BY created_at DESC`), versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []VerificationResult
	for rows.Next() {
		r, err := scanVerification(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *r)
	}
	return results, rows.Err()
}

// LatestVerification returns the newest completed build result for the
// same version, source digest and toolchain pin. Build failures are ignored.
func (s *sqlStore) LatestVerification(ctx context.Context, versionID, sourceDigest, toolchainPin string) (*VerificationResult, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+verificationColumns+` FROM verification_results
		WHERE version_id = ? AND source_digest = ? AND toolchain_pin = ? AND outcome IN (?, ?)
		ORDER BY created_at DESC LIMIT 1
	`), versionID, sourceDigest, toolchainPin, VerificationVerified, VerificationMismatched)
	r, err := scanVerification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// Incidents

const incidentColumns = `id, contract_ref, incident_type, category, description, state, start_time, end_time,
	rto_achieved, rpo_achieved, lessons_learned, notified_users, checkpoint_ledger, checkpoint_at,
	recovery_attempts, verify_attempts, stalled, last_error, drill, created_at, updated_at`

func scanIncident(row rowScanner) (*Incident, error) {
	var inc Incident
	var contractRef, lessons, lastErr sql.NullString
	var start, end, checkpointAt, created, updated dbTime
	var rto, rpo sql.NullInt64
	var checkpoint int64
	if err := row.Scan(&inc.ID, &contractRef, &inc.IncidentType, &inc.Category, &inc.Description, &inc.State,
		&start, &end, &rto, &rpo, &lessons, &inc.NotifiedUsers, &checkpoint, &checkpointAt,
		&inc.RecoveryAttempts, &inc.VerifyAttempts, &inc.Stalled, &lastErr, &inc.Drill, &created, &updated); err != nil {
		return nil, err
	}
	inc.ContractRef = contractRef.String
	inc.LessonsLearned = lessons.String
	inc.LastError = lastErr.String
	inc.StartTime = start.Time
	inc.EndTime = end.ptr()
	inc.CheckpointLedger = uint32(checkpoint)
	inc.CheckpointAt = checkpointAt.ptr()
	inc.CreatedAt = created.Time
	inc.UpdatedAt = updated.Time
	if rto.Valid {
		d := time.Duration(rto.Int64) * time.Millisecond
		inc.RTOAchieved = &d
	}
	if rpo.Valid {
		d := time.Duration(rpo.Int64) * time.Millisecond
		inc.RPOAchieved = &d
	}
	return &inc, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) dbTime {
	if t == nil {
		return dbTime{}
	}
	return dbTime{Time: *t, Valid: true}
}

func nullMillis(d *time.Duration) sql.NullInt64 {
	if d == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: d.Milliseconds(), Valid: true}
}

// CreateIncident inserts an incident and its initial transition
func (s *sqlStore) CreateIncident(ctx context.Context, inc *Incident) error {
	if inc.ID == "" {
		inc.ID = generateID()
	}
	now := time.Now().UTC()
	inc.CreatedAt, inc.UpdatedAt = now, now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO incidents (`+incidentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), inc.ID, nullString(inc.ContractRef), inc.IncidentType, inc.Category, inc.Description, inc.State,
		ts(inc.StartTime), nullTime(inc.EndTime), nullMillis(inc.RTOAchieved), nullMillis(inc.RPOAchieved),
		nullString(inc.LessonsLearned), inc.NotifiedUsers, int64(inc.CheckpointLedger), nullTime(inc.CheckpointAt),
		inc.RecoveryAttempts, inc.VerifyAttempts, inc.Stalled, nullString(inc.LastError), inc.Drill, ts(now), ts(now))
	if err != nil {
		return fmt.Errorf("inserting incident: %w", err)
	}
	if err := s.appendTransition(ctx, tx, inc.ID, "", inc.State, "reported", now); err != nil {
		return err
	}
	return tx.Commit()
}

// GetIncident retrieves an incident by id
func (s *sqlStore) GetIncident(ctx context.Context, id string) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+incidentColumns+` FROM incidents WHERE id = ?`), id)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inc, err
}

// ListIncidents lists incidents newest start first
func (s *sqlStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error) {
	var where []string
	var args []any
	if len(filter.States) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(filter.States)), ", ")
		where = append(where, "state IN ("+placeholders+")")
		for _, st := range filter.States {
			args = append(args, st)
		}
	}
	if filter.ContractRef != "" {
		where = append(where, "contract_ref = ?")
		args = append(args, filter.ContractRef)
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY start_time DESC LIMIT ? OFFSET ?`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incidents []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, *inc)
	}
	return incidents, rows.Err()
}

// lessons_learned is operator-owned and written only by SetIncidentLessons
const incidentMutableSet = `end_time = ?, rto_achieved = ?, rpo_achieved = ?, notified_users = ?,
	checkpoint_ledger = ?, checkpoint_at = ?, recovery_attempts = ?, verify_attempts = ?, stalled = ?, last_error = ?, updated_at = ?`

func incidentMutableArgs(inc *Incident, now time.Time) []any {
	return []any{
		nullTime(inc.EndTime), nullMillis(inc.RTOAchieved), nullMillis(inc.RPOAchieved), inc.NotifiedUsers,
		int64(inc.CheckpointLedger), nullTime(inc.CheckpointAt), inc.RecoveryAttempts, inc.VerifyAttempts, inc.Stalled, nullString(inc.LastError), ts(now),
	}
}

// SetIncidentLessons records the post-incident review
func (s *sqlStore) SetIncidentLessons(ctx context.Context, id, lessons string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE incidents SET lessons_learned = ?, updated_at = ? WHERE id = ?`), nullString(lessons), ts(time.Now()), id)
	if err != nil {
		return fmt.Errorf("saving lessons learned: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveIncident persists the lifecycle fields of an incident except its state
func (s *sqlStore) SaveIncident(ctx context.Context, inc *Incident) error {
	now := time.Now().UTC()
	args := append(incidentMutableArgs(inc, now), inc.ID)
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE incidents SET `+incidentMutableSet+` WHERE id = ?`), args...)
	if err != nil {
		return fmt.Errorf("saving incident: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	inc.UpdatedAt = now
	return nil
}

// TransitionIncident moves an incident from fromState to inc.State, saving its
// mutable fields and appending to the transition log. It fails with
// ErrStateConflict when the stored state is no longer fromState.
func (s *sqlStore) TransitionIncident(ctx context.Context, inc *Incident, fromState, note string) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	args := append([]any{inc.State}, incidentMutableArgs(inc, now)...)
	args = append(args, inc.ID, fromState)
	res, err := tx.ExecContext(ctx, s.q(`UPDATE incidents SET state = ?, `+incidentMutableSet+` WHERE id = ? AND state = ?`), args...)
	if err != nil {
		return fmt.Errorf("transitioning incident: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM incidents WHERE id = ?`), inc.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return fmt.Errorf("%w: incident %s is no longer %s", ErrStateConflict, inc.ID, fromState)
	}
	if err := s.appendTransition(ctx, tx, inc.ID, fromState, inc.State, note, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	inc.UpdatedAt = now
	return nil
}

func (s *sqlStore) appendTransition(ctx context.Context, tx *sql.Tx, incidentID, from, to, note string, at time.Time) error {
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO incident_transitions (id, incident_id, from_state, to_state, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), generateID(), incidentID, from, to, note, ts(at))
	if err != nil {
		return fmt.Errorf("appending transition: %w", err)
	}
	return nil
}

// ListTransitions returns an incident's transition log oldest first
func (s *sqlStore) ListTransitions(ctx context.Context, incidentID string) ([]IncidentTransition, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, incident_id, from_state, to_state, note, created_at
		FROM incident_transitions WHERE incident_id = ? ORDER BY created_at, id
	`), incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transitions []IncidentTransition
	for rows.Next() {
		var t IncidentTransition
		var created dbTime
		if err := rows.Scan(&t.ID, &t.IncidentID, &t.FromState, &t.ToState, &t.Note, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = created.Time
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

// API keys

// CreateAPIKey creates a new API key
func (s *sqlStore) CreateAPIKey(ctx context.Context, name string) (string, error) {
	key := generateAPIKey()
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO api_keys (id, key_hash, name, created_at) VALUES (?, ?, ?, ?)`),
		generateID(), hashAPIKey(key), name, ts(time.Now()))
	if err != nil {
		return "", err
	}
	return key, nil
}

// ValidateAPIKey validates an API key
func (s *sqlStore) ValidateAPIKey(ctx context.Context, key string) (*APIKey, error) {
	var ak APIKey
	var created dbTime
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, key_hash, name, created_at FROM api_keys WHERE key_hash = ? AND revoked_at IS NULL`), hashAPIKey(key)).Scan(
		&ak.ID, &ak.KeyHash, &ak.Name, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ak.CreatedAt = created.Time.Format(time.RFC3339)
	_, _ = s.db.ExecContext(ctx, s.q(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`), ts(time.Now()), ak.ID)
	return &ak, nil
}

// ListAPIKeys lists all active API keys
func (s *sqlStore) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at, last_used_at FROM api_keys WHERE revoked_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		var created, lastUsed dbTime
		if err := rows.Scan(&k.ID, &k.Name, &created, &lastUsed); err != nil {
			return nil, err
		}
		k.CreatedAt = created.Time.Format(time.RFC3339)
		if lastUsed.Valid {
			k.LastUsedAt = lastUsed.Time.Format(time.RFC3339)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey revokes an API key
func (s *sqlStore) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`), ts(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
