package scheduledsearch

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite"
)

// Store persists ScheduledSearches in SQLite, following the single-
// connection WAL idiom of internal/jobs.Store.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a scheduled-search database at dbPath. Pass
// ":memory:" for tests.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open scheduled-search db: %w", err)
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
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}

	schema := `CREATE TABLE IF NOT EXISTS scheduled_searches (
		id               TEXT PRIMARY KEY,
		tenant_id        TEXT NOT NULL,
		name             TEXT NOT NULL,
		description      TEXT NOT NULL DEFAULT '',
		capabilities_json TEXT NOT NULL,
		target           TEXT NOT NULL,
		config_json      TEXT NOT NULL DEFAULT '{}',
		cron_expression  TEXT NOT NULL,
		timezone         TEXT NOT NULL,
		enabled          INTEGER NOT NULL DEFAULT 1,
		last_run_at      TEXT,
		next_run_at      TEXT,
		run_count        INTEGER NOT NULL DEFAULT 0,
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_scheduled_searches_tenant ON scheduled_searches(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_scheduled_searches_enabled ON scheduled_searches(enabled);
	CREATE INDEX IF NOT EXISTS idx_scheduled_searches_next_run ON scheduled_searches(next_run_at);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// ComputeNextRun parses cronExpr as a standard 5-field cron expression,
// interprets it in the IANA timezone tz, and returns the next fire time
// after anchor, converted to UTC for storage.
func ComputeNextRun(cronExpr, tz string, anchor time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(strings.TrimSpace(cronExpr))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduledsearch: invalid timezone %q: %w", tz, err)
	}
	next := schedule.Next(anchor.In(loc))
	return next.UTC(), nil
}

// Create inserts a new ScheduledSearch, validating its cron expression and
// capability set and computing its initial nextRunAt.
func (s *Store) Create(ss ScheduledSearch) (*ScheduledSearch, error) {
	if len(ss.Capabilities) == 0 {
		return nil, ErrNoCapabilities
	}
	for _, c := range ss.Capabilities {
		if !c.Valid() {
			return nil, fmt.Errorf("scheduledsearch: invalid capability %q", c)
		}
	}
	if ss.ID == "" {
		ss.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	ss.CreatedAt = now
	ss.UpdatedAt = now
	if ss.Timezone == "" {
		ss.Timezone = "UTC"
	}

	// Invalid expressions are rejected even for disabled searches; a bad
	// cron must never make it into the trigger table.
	next, err := ComputeNextRun(ss.CronExpression, ss.Timezone, now)
	if err != nil {
		return nil, err
	}
	if ss.Enabled {
		ss.NextRunAt = &next
	}

	if err := s.insert(ss); err != nil {
		return nil, err
	}
	return &ss, nil
}

func (s *Store) insert(ss ScheduledSearch) error {
	capsJSON, err := json.Marshal(ss.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	configJSON, err := marshalOrEmpty(ss.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO scheduled_searches
		(id, tenant_id, name, description, capabilities_json, target, config_json, cron_expression,
		 timezone, enabled, last_run_at, next_run_at, run_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ss.ID, ss.TenantID, ss.Name, ss.Description, string(capsJSON), ss.Target, string(configJSON),
		ss.CronExpression, ss.Timezone, boolToInt(ss.Enabled), nullableTime(ss.LastRunAt), nullableTime(ss.NextRunAt),
		ss.RunCount, ss.CreatedAt.Format(time.RFC3339Nano), ss.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert scheduled search: %w", err)
	}
	return nil
}

// Get fetches a ScheduledSearch, enforcing tenant scoping unless admin.
func (s *Store) Get(id, tenantID string, admin bool) (*ScheduledSearch, error) {
	row := s.db.QueryRow(`SELECT id, tenant_id, name, description, capabilities_json, target, config_json,
		cron_expression, timezone, enabled, last_run_at, next_run_at, run_count, created_at, updated_at
		FROM scheduled_searches WHERE id = ?`, id)
	ss, err := scanScheduledSearch(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !admin && ss.TenantID != tenantID {
		return nil, ErrPermissionDenied
	}
	return ss, nil
}

// List returns ScheduledSearches matching filter, newest first.
func (s *Store) List(filter Filter) ([]ScheduledSearch, error) {
	query := `SELECT id, tenant_id, name, description, capabilities_json, target, config_json,
		cron_expression, timezone, enabled, last_run_at, next_run_at, run_count, created_at, updated_at
		FROM scheduled_searches WHERE 1=1`
	var args []any
	if !filter.Admin {
		query += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	} else if filter.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	if filter.EnabledOnly {
		query += " AND enabled = 1"
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scheduled searches: %w", err)
	}
	defer rows.Close()

	var out []ScheduledSearch
	for rows.Next() {
		ss, err := scanScheduledSearchRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ss)
	}
	return out, rows.Err()
}

// SetEnabled toggles a ScheduledSearch's enabled flag. Enabling recomputes
// nextRunAt relative to now; disabling leaves nextRunAt untouched, and the
// Scheduler ignores disabled definitions entirely.
func (s *Store) SetEnabled(id string, enabled bool) error {
	current, err := s.getByID(id)
	if err != nil {
		return err
	}
	current.Enabled = enabled
	current.UpdatedAt = time.Now().UTC()
	if enabled {
		next, err := ComputeNextRun(current.CronExpression, current.Timezone, current.UpdatedAt)
		if err != nil {
			return err
		}
		current.NextRunAt = &next
	}
	return s.update(*current)
}

// RecordFire updates lastRunAt, increments runCount, and recomputes
// nextRunAt anchored at ranAt.
func (s *Store) RecordFire(id string, ranAt time.Time) error {
	current, err := s.getByID(id)
	if err != nil {
		return err
	}
	ranAt = ranAt.UTC()
	current.LastRunAt = &ranAt
	current.RunCount++
	current.UpdatedAt = time.Now().UTC()
	if current.Enabled {
		next, err := ComputeNextRun(current.CronExpression, current.Timezone, ranAt)
		if err != nil {
			return err
		}
		current.NextRunAt = &next
	}
	return s.update(*current)
}

// Update persists a full attribute change to a ScheduledSearch (name,
// description, target, config, cron, timezone, capabilities), recomputing
// nextRunAt when enabled.
func (s *Store) Update(ss ScheduledSearch) (*ScheduledSearch, error) {
	if len(ss.Capabilities) == 0 {
		return nil, ErrNoCapabilities
	}
	ss.UpdatedAt = time.Now().UTC()
	next, err := ComputeNextRun(ss.CronExpression, ss.Timezone, ss.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if ss.Enabled {
		ss.NextRunAt = &next
	}
	if err := s.update(ss); err != nil {
		return nil, err
	}
	return &ss, nil
}

func (s *Store) update(ss ScheduledSearch) error {
	capsJSON, err := json.Marshal(ss.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	configJSON, err := marshalOrEmpty(ss.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	res, err := s.db.Exec(`UPDATE scheduled_searches SET
		name = ?, description = ?, capabilities_json = ?, target = ?, config_json = ?,
		cron_expression = ?, timezone = ?, enabled = ?, last_run_at = ?, next_run_at = ?,
		run_count = ?, updated_at = ? WHERE id = ?`,
		ss.Name, ss.Description, string(capsJSON), ss.Target, string(configJSON), ss.CronExpression,
		ss.Timezone, boolToInt(ss.Enabled), nullableTime(ss.LastRunAt), nullableTime(ss.NextRunAt),
		ss.RunCount, ss.UpdatedAt.Format(time.RFC3339Nano), ss.ID)
	if err != nil {
		return fmt.Errorf("update scheduled search: %w", err)
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

// AdvanceNextRun recomputes nextRunAt anchored at anchor without recording a
// fire, used by the Scheduler when a missed fire falls outside the grace
// window and is skipped rather than coalesced.
func (s *Store) AdvanceNextRun(id string, anchor time.Time) error {
	current, err := s.getByID(id)
	if err != nil {
		return err
	}
	current.UpdatedAt = time.Now().UTC()
	if current.Enabled {
		next, err := ComputeNextRun(current.CronExpression, current.Timezone, anchor)
		if err != nil {
			return err
		}
		current.NextRunAt = &next
	}
	return s.update(*current)
}

// Remove deletes a ScheduledSearch outright (used for manual removal; the
// Company/Automation Sync disables rather than removes to preserve
// history; see internal/automationsync).
func (s *Store) Remove(id string) error {
	res, err := s.db.Exec(`DELETE FROM scheduled_searches WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove scheduled search: %w", err)
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

// ListDue returns every enabled ScheduledSearch whose nextRunAt is at or
// before now, used by the Scheduler on startup and resync.
func (s *Store) ListDue(now time.Time) ([]ScheduledSearch, error) {
	rows, err := s.db.Query(`SELECT id, tenant_id, name, description, capabilities_json, target, config_json,
		cron_expression, timezone, enabled, last_run_at, next_run_at, run_count, created_at, updated_at
		FROM scheduled_searches WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC`, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("list due scheduled searches: %w", err)
	}
	defer rows.Close()

	var out []ScheduledSearch
	for rows.Next() {
		ss, err := scanScheduledSearchRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ss)
	}
	return out, rows.Err()
}

// ListEnabled returns every enabled ScheduledSearch across all tenants.
func (s *Store) ListEnabled() ([]ScheduledSearch, error) {
	return s.List(Filter{Admin: true, EnabledOnly: true})
}

func (s *Store) getByID(id string) (*ScheduledSearch, error) {
	row := s.db.QueryRow(`SELECT id, tenant_id, name, description, capabilities_json, target, config_json,
		cron_expression, timezone, enabled, last_run_at, next_run_at, run_count, created_at, updated_at
		FROM scheduled_searches WHERE id = ?`, id)
	ss, err := scanScheduledSearch(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return ss, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduledSearch(row *sql.Row) (*ScheduledSearch, error) {
	return scanInto(row)
}

func scanScheduledSearchRows(rows *sql.Rows) (*ScheduledSearch, error) {
	return scanInto(rows)
}

func scanInto(scanner rowScanner) (*ScheduledSearch, error) {
	var (
		ss                                   ScheduledSearch
		description, config, capsJSON        string
		enabled                               int
		lastRunAt, nextRunAt                  sql.NullString
		createdAt, updatedAt                  string
	)
	if err := scanner.Scan(&ss.ID, &ss.TenantID, &ss.Name, &description, &capsJSON, &ss.Target, &config,
		&ss.CronExpression, &ss.Timezone, &enabled, &lastRunAt, &nextRunAt, &ss.RunCount, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	ss.Description = description
	ss.Enabled = enabled != 0

	if err := json.Unmarshal([]byte(capsJSON), &ss.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	if config != "" {
		if err := json.Unmarshal([]byte(config), &ss.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	var err error
	if ss.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if ss.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, err
	}
	if lastRunAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastRunAt.String)
		if err != nil {
			return nil, err
		}
		ss.LastRunAt = &t
	}
	if nextRunAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, nextRunAt.String)
		if err != nil {
			return nil, err
		}
		ss.NextRunAt = &t
	}
	return &ss, nil
}

func marshalOrEmpty(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
