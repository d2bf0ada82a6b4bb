package jobs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const defaultListLimit = 50

// Store persists Jobs in SQLite with raw SQL over a single pooled
// connection (one writer, WAL reads).
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a jobs database at dbPath. Pass ":memory:" for
// tests.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open jobs db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS jobs (
		id              TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		capability      TEXT NOT NULL,
		target          TEXT NOT NULL,
		status          TEXT NOT NULL,
		priority        INTEGER NOT NULL,
		progress        INTEGER NOT NULL DEFAULT 0,
		config_json     TEXT NOT NULL DEFAULT '{}',
		metadata_json   TEXT NOT NULL DEFAULT '{}',
		error           TEXT,
		logs_json       TEXT NOT NULL DEFAULT '[]',
		created_at      TEXT NOT NULL,
		started_at      TEXT,
		completed_at    TEXT
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}

	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_jobs_tenant_created ON jobs(tenant_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_capability ON jobs(capability)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	} {
		if _, err := db.Exec(idx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create index: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertJob inserts or replaces a Job by id. A Job with an empty ID is stored
// under a newly generated one; the caller's copy is not updated, since the Job
// is passed by value.
func (s *Store) UpsertJob(job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	configJSON, err := marshalOrEmpty(job.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	metaJSON, err := marshalOrEmpty(job.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	logsJSON, err := json.Marshal(job.ExecutionLogs)
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO jobs
		(id, tenant_id, capability, target, status, priority, progress, config_json, metadata_json, error, logs_json, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id=excluded.tenant_id, capability=excluded.capability, target=excluded.target,
			status=excluded.status, priority=excluded.priority, progress=excluded.progress,
			config_json=excluded.config_json, metadata_json=excluded.metadata_json,
			error=excluded.error, logs_json=excluded.logs_json,
			started_at=excluded.started_at, completed_at=excluded.completed_at`,
		job.ID, job.TenantID, string(job.Capability), job.Target, string(job.Status), int(job.Priority),
		job.Progress, string(configJSON), string(metaJSON), nullableString(job.Error), string(logsJSON),
		job.CreatedAt.UTC().Format(time.RFC3339Nano), nullableTime(job.StartedAt), nullableTime(job.CompletedAt))
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// GetJob fetches a Job by id, enforcing tenant scoping unless admin is true.
func (s *Store) GetJob(id, tenantID string, admin bool) (*Job, error) {
	row := s.db.QueryRow(`SELECT id, tenant_id, capability, target, status, priority, progress,
		config_json, metadata_json, error, logs_json, created_at, started_at, completed_at
		FROM jobs WHERE id = ?`, id)

	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !admin && job.TenantID != tenantID {
		return nil, ErrPermissionDenied
	}
	return job, nil
}

// ListJobs returns Jobs matching filter, ordered by createdAt desc, with
// stable limit/offset pagination.
func (s *Store) ListJobs(filter Filter, limit, offset int) ([]Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	where, args := filterClause(filter)

	query := `SELECT id, tenant_id, capability, target, status, priority, progress,
		config_json, metadata_json, error, logs_json, created_at, started_at, completed_at
		FROM jobs` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// CountJobs counts Jobs matching filter.
func (s *Store) CountJobs(filter Filter) (int, error) {
	where, args := filterClause(filter)
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs`+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// UpdatePartial atomically applies fields to a Job, refusing any status
// transition that would violate the lifecycle invariants: startedAt set iff
// the job ever entered running; completedAt set iff terminal; progress=100
// iff succeeded; error non-nil iff failed; no edge returns from a terminal
// state.
func (s *Store) UpdatePartial(id string, fields PartialUpdate) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT id, tenant_id, capability, target, status, priority, progress,
		config_json, metadata_json, error, logs_json, created_at, started_at, completed_at
		FROM jobs WHERE id = ?`, id)
	current, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}

	next := *current
	if fields.Status != nil {
		if !validTransition(current.Status, *fields.Status) {
			return ErrInvalidTransition
		}
		next.Status = *fields.Status
	}
	if fields.Progress != nil {
		p := *fields.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		if p < next.Progress {
			p = next.Progress // monotonic: coerce upward
		}
		next.Progress = p
	}
	if fields.ClearError {
		next.Error = nil
	} else if fields.Error != nil {
		next.Error = fields.Error
	}
	if fields.StartedAt != nil {
		next.StartedAt = fields.StartedAt
	}
	if fields.CompletedAt != nil {
		next.CompletedAt = fields.CompletedAt
	}
	if fields.Config != nil {
		next.Config = fields.Config
	}
	if fields.Metadata != nil {
		next.Metadata = fields.Metadata
	}
	if len(fields.ExecutionLogsAppend) > 0 {
		next.ExecutionLogs = append(append([]LogEntry{}, next.ExecutionLogs...), fields.ExecutionLogsAppend...)
	}

	// Enforce data-model invariants regardless of which fields the caller touched.
	if next.Status == StatusRunning && next.StartedAt == nil {
		now := time.Now().UTC()
		next.StartedAt = &now
	}
	if next.Status.Terminal() && next.CompletedAt == nil {
		now := time.Now().UTC()
		next.CompletedAt = &now
	}
	if next.Status == StatusSucceeded {
		next.Progress = 100
		next.Error = nil
	}
	if next.Status == StatusFailed && next.Error == nil {
		msg := "unspecified failure"
		next.Error = &msg
	}
	if next.Status != StatusFailed {
		// error only persists while failed; a transition away clears it.
		if next.Status == StatusSucceeded || next.Status == StatusCancelled {
			next.Error = nil
		}
	}

	configJSON, err := marshalOrEmpty(next.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	metaJSON, err := marshalOrEmpty(next.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	logsJSON, err := json.Marshal(next.ExecutionLogs)
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}

	_, err = tx.Exec(`UPDATE jobs SET status=?, progress=?, config_json=?, metadata_json=?,
		error=?, logs_json=?, started_at=?, completed_at=? WHERE id=?`,
		string(next.Status), next.Progress, string(configJSON), string(metaJSON),
		nullableString(next.Error), string(logsJSON),
		nullableTime(next.StartedAt), nullableTime(next.CompletedAt), id)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	return tx.Commit()
}

// validTransition enforces the monotonic Job state machine. No edge returns
// from a terminal state; admit/dispatch/terminal edges only.
func validTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusPending:
		return to == StatusQueued || to == StatusCancelled
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		j                                      Job
		capability, status                     string
		priority, progress                     int
		configJSON, metaJSON, logsJSON         string
		errStr                                  sql.NullString
		createdAt                               string
		startedAt, completedAt                  sql.NullString
	)
	if err := row.Scan(&j.ID, &j.TenantID, &capability, &j.Target, &status, &priority, &progress,
		&configJSON, &metaJSON, &errStr, &logsJSON, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	j.Capability = Capability(capability)
	j.Status = Status(status)
	j.Priority = Priority(priority)
	j.Progress = progress
	if errStr.Valid {
		v := errStr.String
		j.Error = &v
	}
	if err := json.Unmarshal([]byte(configJSON), &j.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &j.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(logsJSON), &j.ExecutionLogs); err != nil {
		return nil, fmt.Errorf("unmarshal logs: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		j.CreatedAt = t
	}
	if startedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAt.String); err == nil {
			j.StartedAt = &t
		}
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			j.CompletedAt = &t
		}
	}
	return &j, nil
}

func filterClause(f Filter) (string, []any) {
	var clauses []string
	var args []any
	if !f.Admin {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.Capability != "" {
		clauses = append(clauses, "capability = ?")
		args = append(args, string(f.Capability))
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.CreatedAfter != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.CreatedAfter.UTC().Format(time.RFC3339Nano))
	}
	if f.CreatedBefore != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, f.CreatedBefore.UTC().Format(time.RFC3339Nano))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func marshalOrEmpty(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
