package findings

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists Findings and PositiveIndicators in SQLite with raw SQL.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a findings database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open findings db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS findings (
		id                 TEXT PRIMARY KEY,
		identity           TEXT NOT NULL UNIQUE,
		tenant_id          TEXT NOT NULL,
		capability         TEXT NOT NULL,
		severity           TEXT NOT NULL,
		status             TEXT NOT NULL,
		title              TEXT NOT NULL,
		description        TEXT NOT NULL DEFAULT '',
		evidence_json      TEXT NOT NULL DEFAULT '{}',
		job_id             TEXT NOT NULL DEFAULT '',
		affected_json      TEXT NOT NULL DEFAULT '[]',
		recommend_json     TEXT NOT NULL DEFAULT '[]',
		risk_score         INTEGER NOT NULL DEFAULT 0,
		target             TEXT NOT NULL,
		discovered_at      TEXT NOT NULL,
		resolved_at        TEXT,
		resolved_by        TEXT
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create findings table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS posture_scores (
		tenant_id  TEXT PRIMARY KEY,
		score      INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create posture_scores table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS positive_indicators (
		id             TEXT PRIMARY KEY,
		tenant_id      TEXT NOT NULL,
		indicator_type TEXT NOT NULL,
		category       TEXT NOT NULL,
		points_awarded INTEGER NOT NULL DEFAULT 0,
		description    TEXT NOT NULL DEFAULT '',
		evidence_json  TEXT NOT NULL DEFAULT '{}',
		target         TEXT NOT NULL DEFAULT '',
		created_at     TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create positive_indicators table: %w", err)
	}

	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_findings_tenant_status ON findings(tenant_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_findings_job_id ON findings(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_findings_severity_status ON findings(severity, status)`,
		`CREATE INDEX IF NOT EXISTS idx_indicators_tenant_created ON positive_indicators(tenant_id, created_at DESC)`,
	} {
		if _, err := db.Exec(idx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create index: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertFinding is an identity-based idempotent insert: an active Finding
// with the same identity is re-scored in place; a
// resolved one is never reopened and instead records a re-observation.
func (s *Store) UpsertFinding(f Finding) (*Finding, error) {
	identity, err := Identity(f.Capability, f.Target, f.Title, f.Evidence)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT id, tenant_id, capability, severity, status, title, description,
		evidence_json, job_id, affected_json, recommend_json, risk_score, target, discovered_at, resolved_at, resolved_by
		FROM findings WHERE identity = ?`, identity)

	existing, err := scanFinding(row)
	switch {
	case err == sql.ErrNoRows:
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		if f.DiscoveredAt.IsZero() {
			f.DiscoveredAt = time.Now().UTC()
		}
		f.Status = StatusActive
		if err := insertFinding(tx, f, identity); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return &f, nil

	case err != nil:
		return nil, fmt.Errorf("lookup finding by identity: %w", err)

	case existing.Status != StatusActive:
		// Do not reopen; log a re-observation instead.
		if existing.Evidence == nil {
			existing.Evidence = map[string]any{}
		}
		reobs, _ := existing.Evidence["reobservations"].([]any)
		reobs = append(reobs, map[string]any{"at": time.Now().UTC().Format(time.RFC3339Nano), "job_id": f.Evidence["job_id"]})
		existing.Evidence["reobservations"] = reobs
		if err := updateFindingEvidence(tx, existing.ID, existing.Evidence); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return existing, nil

	default:
		// Active: re-apply severity, riskScore, evidence, recommendations.
		existing.Severity = f.Severity
		existing.RiskScore = f.RiskScore
		existing.Evidence = f.Evidence
		existing.Recommendations = f.Recommendations
		existing.AffectedAssets = f.AffectedAssets
		if err := updateFindingRescore(tx, *existing); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return existing, nil
	}
}

func insertFinding(tx *sql.Tx, f Finding, identity string) error {
	evidenceJSON, err := marshalMap(f.Evidence)
	if err != nil {
		return err
	}
	affectedJSON, err := json.Marshal(nonNilStrings(f.AffectedAssets))
	if err != nil {
		return err
	}
	recommendJSON, err := json.Marshal(nonNilStrings(f.Recommendations))
	if err != nil {
		return err
	}
	jobID, _ := f.Evidence["job_id"].(string)

	_, err = tx.Exec(`INSERT INTO findings
		(id, identity, tenant_id, capability, severity, status, title, description, evidence_json, job_id,
		 affected_json, recommend_json, risk_score, target, discovered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, identity, f.TenantID, f.Capability, string(f.Severity), string(f.Status), f.Title, f.Description,
		string(evidenceJSON), jobID, string(affectedJSON), string(recommendJSON), f.RiskScore, f.Target,
		f.DiscoveredAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert finding: %w", err)
	}
	return nil
}

func updateFindingRescore(tx *sql.Tx, f Finding) error {
	evidenceJSON, err := marshalMap(f.Evidence)
	if err != nil {
		return err
	}
	affectedJSON, err := json.Marshal(nonNilStrings(f.AffectedAssets))
	if err != nil {
		return err
	}
	recommendJSON, err := json.Marshal(nonNilStrings(f.Recommendations))
	if err != nil {
		return err
	}
	jobID, _ := f.Evidence["job_id"].(string)
	_, err = tx.Exec(`UPDATE findings SET severity=?, risk_score=?, evidence_json=?, job_id=?, affected_json=?, recommend_json=?
		WHERE id = ?`, string(f.Severity), f.RiskScore, string(evidenceJSON), jobID, string(affectedJSON), string(recommendJSON), f.ID)
	if err != nil {
		return fmt.Errorf("rescore finding: %w", err)
	}
	return nil
}

func updateFindingEvidence(tx *sql.Tx, id string, evidence map[string]any) error {
	evidenceJSON, err := marshalMap(evidence)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE findings SET evidence_json=? WHERE id=?`, string(evidenceJSON), id)
	if err != nil {
		return fmt.Errorf("record reobservation: %w", err)
	}
	return nil
}

// Resolve transitions a Finding's status to one of the resolution states.
// Idempotent for the same status.
func (s *Store) Resolve(id string, status Status, actor string) (*Finding, error) {
	if !Resolvable(status) {
		return nil, ErrInvalidResolution
	}

	existing, err := s.getByID(id)
	if err != nil {
		return nil, err
	}
	if existing.Status == status {
		return existing, nil
	}

	wasActive := existing.Status == StatusActive

	now := time.Now().UTC()
	_, err = s.db.Exec(`UPDATE findings SET status=?, resolved_at=?, resolved_by=? WHERE id=?`,
		string(status), now.Format(time.RFC3339Nano), actor, id)
	if err != nil {
		return nil, fmt.Errorf("resolve finding: %w", err)
	}
	existing.Status = status
	existing.ResolvedAt = &now
	existing.ResolvedBy = &actor

	// remediated fires from this resolution path, not the scan path,
	// and only when the Finding is actually cleared rather than accepted as
	// ongoing risk.
	if wasActive && (status == StatusResolved || status == StatusFalsePositive) {
		ind := Remediated(existing.Capability, existing.Severity, existing.Title)
		ind.TenantID = existing.TenantID
		ind.Target = existing.Target
		if _, err := s.InsertPositiveIndicator(ind); err != nil {
			return nil, fmt.Errorf("record remediated indicator: %w", err)
		}
	}
	return existing, nil
}

func (s *Store) getByID(id string) (*Finding, error) {
	row := s.db.QueryRow(`SELECT id, tenant_id, capability, severity, status, title, description,
		evidence_json, job_id, affected_json, recommend_json, risk_score, target, discovered_at, resolved_at, resolved_by
		FROM findings WHERE id = ?`, id)
	f, err := scanFinding(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// GetFinding fetches a Finding by id, enforcing tenant scoping unless admin.
func (s *Store) GetFinding(id, tenantID string, admin bool) (*Finding, error) {
	f, err := s.getByID(id)
	if err != nil {
		return nil, err
	}
	if !admin && f.TenantID != tenantID {
		return nil, ErrPermissionDenied
	}
	return f, nil
}

// ListActive returns active (by default) Findings matching filter, ordered
// by (riskScore desc, discoveredAt desc).
func (s *Store) ListActive(filter Filter, limit int) ([]Finding, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, tenant_id, capability, severity, status, title, description,
		evidence_json, job_id, affected_json, recommend_json, risk_score, target, discovered_at, resolved_at, resolved_by
		FROM findings WHERE status = ?`
	args := []any{string(StatusActive)}
	if !filter.Admin {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.Capability != "" {
		query += ` AND capability = ?`
		args = append(args, filter.Capability)
	}
	if filter.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(filter.Severity))
	}
	query += ` ORDER BY risk_score DESC, discovered_at DESC LIMIT ?`
	args = append(args, limit)

	return s.queryFindings(query, args...)
}

// ListCritical returns active Findings with severity in {critical, high}.
func (s *Store) ListCritical(tenantID string, admin bool, limit int) ([]Finding, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, tenant_id, capability, severity, status, title, description,
		evidence_json, job_id, affected_json, recommend_json, risk_score, target, discovered_at, resolved_at, resolved_by
		FROM findings WHERE status = ? AND severity IN (?, ?)`
	args := []any{string(StatusActive), string(SeverityCritical), string(SeverityHigh)}
	if !admin {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY risk_score DESC, discovered_at DESC LIMIT ?`
	args = append(args, limit)
	return s.queryFindings(query, args...)
}

// ListByJob scans findings whose evidence.job_id matches jobID (secondary
// indexed via the mirrored job_id column).
func (s *Store) ListByJob(jobID string) ([]Finding, error) {
	query := `SELECT id, tenant_id, capability, severity, status, title, description,
		evidence_json, job_id, affected_json, recommend_json, risk_score, target, discovered_at, resolved_at, resolved_by
		FROM findings WHERE job_id = ? ORDER BY discovered_at DESC`
	return s.queryFindings(query, jobID)
}

func (s *Store) queryFindings(query string, args ...any) ([]Finding, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query findings: %w", err)
	}
	defer rows.Close()

	var out []Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// InsertPositiveIndicator appends a PositiveIndicator. Indicators are
// append-only within a tenant.
func (s *Store) InsertPositiveIndicator(ind PositiveIndicator) (*PositiveIndicator, error) {
	if ind.ID == "" {
		ind.ID = uuid.NewString()
	}
	if ind.CreatedAt.IsZero() {
		ind.CreatedAt = time.Now().UTC()
	}
	evidenceJSON, err := marshalMap(ind.Evidence)
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(`INSERT INTO positive_indicators
		(id, tenant_id, indicator_type, category, points_awarded, description, evidence_json, target, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ind.ID, ind.TenantID, string(ind.IndicatorType), ind.Category, ind.PointsAwarded, ind.Description,
		string(evidenceJSON), ind.Target, ind.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert positive indicator: %w", err)
	}
	return &ind, nil
}

// ListPositiveIndicators returns indicators ordered by createdAt desc.
func (s *Store) ListPositiveIndicators(tenantID string, admin bool, limit int) ([]PositiveIndicator, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, tenant_id, indicator_type, category, points_awarded, description, evidence_json, target, created_at
		FROM positive_indicators`
	args := make([]any, 0, 2)
	if !admin {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query indicators: %w", err)
	}
	defer rows.Close()

	var out []PositiveIndicator
	for rows.Next() {
		ind, err := scanIndicator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ind)
	}
	return out, rows.Err()
}

// PostureScore returns the tenant's last recorded posture score, or nil if
// none has been recorded yet.
func (s *Store) PostureScore(tenantID string) (*int, error) {
	var score int
	err := s.db.QueryRow(`SELECT score FROM posture_scores WHERE tenant_id = ?`, tenantID).Scan(&score)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read posture score: %w", err)
	}
	return &score, nil
}

// SetPostureScore records the tenant's current posture score, replacing any
// prior value.
func (s *Store) SetPostureScore(tenantID string, score int) error {
	_, err := s.db.Exec(`INSERT INTO posture_scores (tenant_id, score, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET score=excluded.score, updated_at=excluded.updated_at`,
		tenantID, score, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set posture score: %w", err)
	}
	return nil
}

// ComputePostureScore derives the tenant's current posture score from its
// active findings: 100 minus a per-severity deduction (the same weights the
// remediated rule awards back), floored at 0.
func (s *Store) ComputePostureScore(tenantID string) (int, error) {
	rows, err := s.db.Query(`SELECT severity, COUNT(*) FROM findings WHERE status = ? AND tenant_id = ? GROUP BY severity`,
		string(StatusActive), tenantID)
	if err != nil {
		return 0, fmt.Errorf("compute posture score: %w", err)
	}
	defer rows.Close()

	score := 100
	for rows.Next() {
		var severity string
		var n int
		if err := rows.Scan(&severity, &n); err != nil {
			return 0, err
		}
		score -= remediatedPoints(Severity(severity)) * n
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if score < 0 {
		score = 0
	}
	return score, nil
}

// ResolvedCountsBySeverity counts resolved-family findings grouped by
// status and severity.
func (s *Store) ResolvedCountsBySeverity(tenantID string, admin bool) (SeverityCounts, error) {
	query := `SELECT status, severity, COUNT(*) FROM findings WHERE status IN (?, ?, ?)`
	args := []any{string(StatusResolved), string(StatusFalsePositive), string(StatusAcceptedRisk)}
	if !admin {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` GROUP BY status, severity`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("count resolved findings: %w", err)
	}
	defer rows.Close()

	counts := make(SeverityCounts)
	for rows.Next() {
		var status, severity string
		var n int
		if err := rows.Scan(&status, &severity, &n); err != nil {
			return nil, err
		}
		if counts[Status(status)] == nil {
			counts[Status(status)] = make(map[Severity]int)
		}
		counts[Status(status)][Severity(severity)] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFinding(row scanner) (*Finding, error) {
	var (
		f                                             Finding
		severity, status                              string
		evidenceJSON, jobID, affectedJSON, recommendJSON string
		discoveredAt                                  string
		resolvedAt, resolvedBy                        sql.NullString
	)
	if err := row.Scan(&f.ID, &f.TenantID, &f.Capability, &severity, &status, &f.Title, &f.Description,
		&evidenceJSON, &jobID, &affectedJSON, &recommendJSON, &f.RiskScore, &f.Target, &discoveredAt,
		&resolvedAt, &resolvedBy); err != nil {
		return nil, err
	}
	f.Severity = Severity(severity)
	f.Status = Status(status)
	if err := json.Unmarshal([]byte(evidenceJSON), &f.Evidence); err != nil {
		return nil, fmt.Errorf("unmarshal evidence: %w", err)
	}
	_ = json.Unmarshal([]byte(affectedJSON), &f.AffectedAssets)
	_ = json.Unmarshal([]byte(recommendJSON), &f.Recommendations)
	if t, err := time.Parse(time.RFC3339Nano, discoveredAt); err == nil {
		f.DiscoveredAt = t
	}
	if resolvedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, resolvedAt.String); err == nil {
			f.ResolvedAt = &t
		}
	}
	if resolvedBy.Valid {
		v := resolvedBy.String
		f.ResolvedBy = &v
	}
	return &f, nil
}

func scanIndicator(row scanner) (*PositiveIndicator, error) {
	var (
		ind           PositiveIndicator
		indicatorType string
		evidenceJSON  string
		createdAt     string
	)
	if err := row.Scan(&ind.ID, &ind.TenantID, &indicatorType, &ind.Category, &ind.PointsAwarded,
		&ind.Description, &evidenceJSON, &ind.Target, &createdAt); err != nil {
		return nil, err
	}
	ind.IndicatorType = IndicatorType(indicatorType)
	_ = json.Unmarshal([]byte(evidenceJSON), &ind.Evidence)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		ind.CreatedAt = t
	}
	return &ind, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
