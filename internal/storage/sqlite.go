package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/flint/internal/cleanup"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding attestations, registered plans, plan
// snapshots, and the durable cleanup ledger.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the flint database under dataDir and applies any
// pending migrations. dataDir ":memory:" gives tests a throwaway database.
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "flint.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection only: a second writer on the same file races into
	// "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// WAL keeps readers unblocked while attestations are written.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded migration files that schema_version does not yet
// record, each inside its own transaction.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Attestations ---

func (s *Store) SaveAttestation(a Attestation) error {
	_, err := s.db.Exec(`
		INSERT INTO attestations (id, run_id, correlation_id, plan_id, plan_version, plan_hash, status, score, created_at, fingerprint_json, report_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.CorrelationID, a.PlanID, a.PlanVersion, a.PlanHash,
		a.Status, a.Score, a.CreatedAt.UTC().Format(time.RFC3339), a.FingerprintJSON, a.ReportJSON,
	)
	return err
}

func (s *Store) GetAttestation(id string) (Attestation, error) {
	var a Attestation
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, run_id, correlation_id, plan_id, plan_version, plan_hash, status, score, created_at, fingerprint_json, report_json
		FROM attestations WHERE id = ?`, id,
	).Scan(&a.ID, &a.RunID, &a.CorrelationID, &a.PlanID, &a.PlanVersion, &a.PlanHash,
		&a.Status, &a.Score, &createdAt, &a.FingerprintJSON, &a.ReportJSON)
	if err == sql.ErrNoRows {
		return Attestation{}, ErrNotFound
	}
	if err != nil {
		return Attestation{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Attestation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	a.CreatedAt = t
	return a, nil
}

// ListAttestations returns attestations newest first. offset skips rows for
// pagination.
func (s *Store) ListAttestations(limit, offset int) ([]Attestation, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, correlation_id, plan_id, plan_version, plan_hash, status, score, created_at, fingerprint_json, report_json
		FROM attestations ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Attestation
	for rows.Next() {
		var a Attestation
		var createdAt string
		if err := rows.Scan(&a.ID, &a.RunID, &a.CorrelationID, &a.PlanID, &a.PlanVersion, &a.PlanHash,
			&a.Status, &a.Score, &createdAt, &a.FingerprintJSON, &a.ReportJSON); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		a.CreatedAt = t
		results = append(results, a)
	}
	return results, rows.Err()
}

func (s *Store) CountAttestations() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM attestations").Scan(&n)
	return n, err
}

// --- Plans ---

// SavePlan inserts or replaces the plan definition for p.ID. created_at of an
// existing row is kept; updated_at always moves.
func (s *Store) SavePlan(p Plan) error {
	now := time.Now().UTC().Format(time.RFC3339)
	created := now
	if !p.CreatedAt.IsZero() {
		created = p.CreatedAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(`
		INSERT INTO plans (id, version, config_hash, definition_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			config_hash = excluded.config_hash,
			definition_json = excluded.definition_json,
			updated_at = excluded.updated_at`,
		p.ID, p.Version, p.ConfigHash, p.Definition, created, now,
	)
	return err
}

func (s *Store) GetPlan(id string) (Plan, error) {
	var p Plan
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, version, config_hash, definition_json, created_at, updated_at
		FROM plans WHERE id = ?`, id,
	).Scan(&p.ID, &p.Version, &p.ConfigHash, &p.Definition, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Plan{}, ErrNotFound
	}
	if err != nil {
		return Plan{}, err
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Plan{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Plan{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return p, nil
}

func (s *Store) ListPlans(limit int) ([]Plan, error) {
	rows, err := s.db.Query(`
		SELECT id, version, config_hash, definition_json, created_at, updated_at
		FROM plans ORDER BY updated_at DESC, id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Plan
	for rows.Next() {
		var p Plan
		var createdAt, updatedAt string
		if err := rows.Scan(&p.ID, &p.Version, &p.ConfigHash, &p.Definition, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// --- Plan Snapshots ---

func (s *Store) SaveSnapshot(sn Snapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO plan_snapshots (attestation_id, plan_hash, snapshot_json, created_at)
		VALUES (?, ?, ?, ?)`,
		sn.AttestationID, sn.PlanHash, sn.SnapshotJSON, sn.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetSnapshot(attestationID string) (Snapshot, error) {
	var sn Snapshot
	var createdAt string
	err := s.db.QueryRow(`
		SELECT attestation_id, plan_hash, snapshot_json, created_at
		FROM plan_snapshots WHERE attestation_id = ?`, attestationID,
	).Scan(&sn.AttestationID, &sn.PlanHash, &sn.SnapshotJSON, &createdAt)
	if err == sql.ErrNoRows {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parsing created_at: %w", err)
	}
	sn.CreatedAt = t
	return sn, nil
}

// --- Cleanup Ledger ---

// UpsertCleanupRecord inserts rec or, when the key is already tracked, keeps
// the single row and bumps its retry count.
func (s *Store) UpsertCleanupRecord(rec cleanup.Record) error {
	_, err := s.db.Exec(`
		INSERT INTO cleanup_queue (key, category, correlation_id, retry_count, max_retries, failed_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			retry_count = cleanup_queue.retry_count + 1,
			category = excluded.category,
			correlation_id = excluded.correlation_id,
			max_retries = excluded.max_retries,
			failed_at = excluded.failed_at,
			last_error = excluded.last_error`,
		rec.Key, rec.Category, rec.CorrelationID, rec.RetryCount, rec.MaxRetries,
		rec.FailedAt.UTC().Format(time.RFC3339), rec.LastError,
	)
	return err
}

// UpdateCleanupRecord overwrites the tracked record for rec.Key.
func (s *Store) UpdateCleanupRecord(rec cleanup.Record) error {
	res, err := s.db.Exec(`
		UPDATE cleanup_queue SET retry_count = ?, max_retries = ?, failed_at = ?, last_error = ?
		WHERE key = ?`,
		rec.RetryCount, rec.MaxRetries, rec.FailedAt.UTC().Format(time.RFC3339), rec.LastError, rec.Key,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCleanupRecords returns pending records, oldest failure first.
func (s *Store) ListCleanupRecords() ([]cleanup.Record, error) {
	rows, err := s.db.Query(`
		SELECT key, category, correlation_id, retry_count, max_retries, failed_at, last_error
		FROM cleanup_queue ORDER BY failed_at ASC, rowid ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []cleanup.Record
	for rows.Next() {
		var rec cleanup.Record
		var failedAt string
		if err := rows.Scan(&rec.Key, &rec.Category, &rec.CorrelationID, &rec.RetryCount,
			&rec.MaxRetries, &failedAt, &rec.LastError); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, failedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing failed_at: %w", err)
		}
		rec.FailedAt = t
		results = append(results, rec)
	}
	return results, rows.Err()
}

// DeleteCleanupRecord removes the record for key. Deleting an absent key is
// not an error.
func (s *Store) DeleteCleanupRecord(key string) error {
	_, err := s.db.Exec("DELETE FROM cleanup_queue WHERE key = ?", key)
	return err
}

func (s *Store) CountCleanupRecords() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM cleanup_queue").Scan(&n)
	return n, err
}

var _ cleanup.Ledger = (*Store)(nil)
