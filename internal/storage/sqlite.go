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
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultLease is how long a claimed job stays invisible to other workers
// before it is assumed abandoned and requeued.
const DefaultLease = 60 * time.Second

// Store wraps a SQLite database holding the delivery job queue.
type Store struct {
	db    *sql.DB
	retry RetryPolicy
	lease time.Duration
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used
// by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "invopipe.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, retry: DefaultRetryPolicy, lease: DefaultLease}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// SetRetryPolicy overrides the backoff configuration.
func (s *Store) SetRetryPolicy(p RetryPolicy) { s.retry = p }

// SetLease overrides the claim lease duration.
func (s *Store) SetLease(d time.Duration) {
	if d > 0 {
		s.lease = d
	}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
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

	// Sort by filename to guarantee ascending order.
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

// --- Jobs ---

// EnqueueJob inserts a new job. Any still-queued job for the same
// (invoice, kind) pair is superseded so duplicate downstream deliveries
// collapse onto the most recent enqueue. A job already in progress is left
// to finish its attempt.
func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 5
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE jobs SET status = ?, updated_at = ? WHERE invoice_id = ? AND kind = ? AND status = ?`,
		StatusSuperseded, now, job.InvoiceID, job.Kind, StatusQueued,
	); err != nil {
		return fmt.Errorf("superseding queued jobs: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO jobs (id, invoice_id, kind, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		job.ID, job.InvoiceID, job.Kind, job.PayloadJSON, StatusQueued, maxAttempts, runAfter, now, now,
	); err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}

	return tx.Commit()
}

const jobColumns = `id, invoice_id, kind, payload_json, status, attempts, max_attempts,
	cancel_requested, run_after, lease_expires_at, created_at, updated_at, last_error`

// ClaimNextJob atomically moves the oldest due queued job to in_progress
// and stamps its lease. At most one worker can win a given job: the
// transition is a compare-and-swap on status inside a transaction. Jobs
// whose (invoice, kind) already has an attempt in flight are skipped so a
// given delivery kind stays single-flight per invoice.
func (s *Store) ClaimNextJob(kinds []string) (*Job, error) {
	if len(kinds) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(kinds)-1)
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = ? AND run_after <= ? AND kind IN (?` + placeholders + `)
		AND NOT EXISTS (
			SELECT 1 FROM jobs live
			WHERE live.invoice_id = jobs.invoice_id AND live.kind = jobs.kind AND live.status = ?
		)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(kinds)+3)
	args = append(args, StatusQueued, nowStr)
	for _, k := range kinds {
		args = append(args, k)
	}
	args = append(args, StatusInProgress)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	leaseExpiry := now.Add(s.lease).Format(time.RFC3339)
	res, err := tx.Exec(
		`UPDATE jobs SET status = ?, lease_expires_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StatusInProgress, leaseExpiry, nowStr, job.ID, StatusQueued,
	)
	if err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		// Another worker won the race.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	job.Status = StatusInProgress
	job.LeaseExpiresAt, _ = time.Parse(time.RFC3339, leaseExpiry)
	job.UpdatedAt = now
	return job, nil
}

// CompleteJob marks a finished attempt as succeeded. If cancellation was
// requested while the attempt ran, the result is discarded and the job
// lands in cancelled instead.
func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE jobs SET
			status = CASE WHEN cancel_requested = 1 THEN ? ELSE ? END,
			lease_expires_at = NULL,
			updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusCancelled, StatusSucceeded, now, id, StatusInProgress,
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

// FailJob records a failed attempt. Terminal failures (and retryable
// failures that exhaust max_attempts) park the job in failed; otherwise it
// is requeued with exponential backoff. Cancellation requested mid-attempt
// wins over both.
func (s *Store) FailJob(id string, errMsg string, terminal bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts, cancelRequested int
	err = tx.QueryRow(
		`SELECT attempts, max_attempts, cancel_requested FROM jobs WHERE id = ? AND status = ?`,
		id, StatusInProgress,
	).Scan(&attempts, &maxAttempts, &cancelRequested)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	switch {
	case cancelRequested == 1:
		_, err = tx.Exec(
			`UPDATE jobs SET status = ?, attempts = ?, last_error = ?, lease_expires_at = NULL, updated_at = ? WHERE id = ?`,
			StatusCancelled, attempts, errMsg, now.Format(time.RFC3339), id,
		)
	case terminal || attempts >= maxAttempts:
		_, err = tx.Exec(
			`UPDATE jobs SET status = ?, attempts = ?, last_error = ?, lease_expires_at = NULL, updated_at = ? WHERE id = ?`,
			StatusFailed, attempts, errMsg, now.Format(time.RFC3339), id,
		)
	default:
		runAfter := now.Add(s.retry.Delay(attempts))
		_, err = tx.Exec(
			`UPDATE jobs SET status = ?, attempts = ?, last_error = ?, run_after = ?, lease_expires_at = NULL, updated_at = ? WHERE id = ?`,
			StatusQueued, attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id,
		)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// CancelJob cancels a queued job immediately. For a job already in
// progress it only requests cancellation: the running attempt finishes and
// its result is discarded.
func (s *Store) CancelJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE jobs SET
			status = CASE WHEN status = ? THEN ? ELSE status END,
			cancel_requested = 1,
			updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusQueued, StatusCancelled, now, id, StatusQueued, StatusInProgress,
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

// ReapExpiredLeases returns abandoned in_progress jobs to the queue so a
// worker crash mid-job surfaces as a delayed retry, not a lost job. The
// interrupted attempt counts against max_attempts.
func (s *Store) ReapExpiredLeases() (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	res, err := s.db.Exec(`
		UPDATE jobs SET
			status = CASE
				WHEN cancel_requested = 1 THEN ?
				WHEN attempts + 1 >= max_attempts THEN ?
				ELSE ?
			END,
			attempts = attempts + 1,
			last_error = 'lease expired',
			lease_expires_at = NULL,
			updated_at = ?
		WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`,
		StatusCancelled, StatusFailed, StatusQueued, now, StatusInProgress, now,
	)
	if err != nil {
		return 0, fmt.Errorf("reaping expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetJob returns a job by id.
func (s *Store) GetJob(id string) (Job, error) {
	job, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	return *job, nil
}

// JobsForInvoice returns all jobs for an invoice, newest first.
func (s *Store) JobsForInvoice(invoiceID string) ([]Job, error) {
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM jobs WHERE invoice_id = ? ORDER BY created_at DESC`,
		invoiceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var cancelRequested int
	var runAfter, createdAt, updatedAt string
	var leaseExpiry, lastError sql.NullString
	err := row.Scan(
		&j.ID, &j.InvoiceID, &j.Kind, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&cancelRequested, &runAfter, &leaseExpiry, &createdAt, &updatedAt, &lastError,
	)
	if err != nil {
		return nil, err
	}
	j.CancelRequested = cancelRequested == 1
	j.LastError = lastError.String
	if leaseExpiry.Valid {
		if j.LeaseExpiresAt, err = time.Parse(time.RFC3339, leaseExpiry.String); err != nil {
			return nil, fmt.Errorf("parsing lease_expires_at for job %s: %w", j.ID, err)
		}
	}
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}
