package network

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/blackflagsec/sentinel/internal/storage"
)

// redactedHeaders is the closed, case-insensitive substring list of header
// names scrubbed before persist. Only named header fields need redacting;
// body content is stored as captured.
var redactedHeaders = []string{
	"authorization", "cookie", "x-api-key", "x-auth-token", "api-key", "access-token", "password",
}

const redactedPlaceholder = "[REDACTED]"

// DefaultMaxBodyBytes is the NETWORK_MAX_BODY_SIZE default.
const DefaultMaxBodyBytes = 1 << 20 // 1 MiB

// AuditLogConfig tunes body truncation for Record.
type AuditLogConfig struct {
	MaxBodyBytes int
}

// Stats is returned by GetStats.
type Stats struct {
	Count             int            `json:"count"`
	StatusDistribution map[int]int   `json:"status_distribution"`
	UniqueIPs         int            `json:"unique_ips"`
	UniqueEndpoints   int            `json:"unique_endpoints"`
	TunnelDetections  int            `json:"tunnel_detections"`
	ResponseTimeP50Ms int64          `json:"response_time_p50_ms"`
	ResponseTimeP95Ms int64          `json:"response_time_p95_ms"`
	ResponseTimeP99Ms int64          `json:"response_time_p99_ms"`
}

// LogFilter narrows ListLogs / GetStats / Export.
type LogFilter struct {
	TenantID string
	Admin    bool
	IP       string
	Path     string
	Since    time.Time
	Until    time.Time
}

// AuditLog is the SQLite-backed network audit log: WAL-mode raw-SQL
// persistence, timestamp-ordered queries, JSON/CSV export, and bounded
// retention over captured HTTP request/response records, each optionally
// carrying a tunnel-detection verdict.
type AuditLog struct {
	db  *sql.DB
	cfg AuditLogConfig
}

// NewAuditLog opens (or creates) a network audit log database at dbPath.
func NewAuditLog(dbPath string, cfg AuditLogConfig) (*AuditLog, error) {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open network audit log db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	schema := `CREATE TABLE IF NOT EXISTS network_logs (
		request_id        TEXT PRIMARY KEY,
		tenant_id         TEXT NOT NULL DEFAULT '',
		timestamp         TEXT NOT NULL,
		ip                TEXT NOT NULL,
		method            TEXT NOT NULL,
		path              TEXT NOT NULL,
		query             TEXT NOT NULL DEFAULT '',
		headers_json      TEXT NOT NULL DEFAULT '{}',
		user_agent        TEXT NOT NULL DEFAULT '',
		body              TEXT NOT NULL DEFAULT '',
		body_truncated    INTEGER NOT NULL DEFAULT 0,
		response_body     TEXT NOT NULL DEFAULT '',
		response_body_truncated INTEGER NOT NULL DEFAULT 0,
		status_code       INTEGER NOT NULL DEFAULT 0,
		response_time_ms  INTEGER NOT NULL DEFAULT 0,
		tunnel_detection_id TEXT,
		tunnel_type       TEXT,
		tunnel_reason     TEXT,
		tunnel_confidence TEXT,
		tunnel_risk_score INTEGER,
		tunnel_indicators_json TEXT,
		tunnel_request_count INTEGER,
		tunnel_first_seen TEXT,
		tunnel_last_seen  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_network_logs_tenant_ts ON network_logs(tenant_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_network_logs_ip_ts ON network_logs(ip, timestamp);
	CREATE INDEX IF NOT EXISTS idx_network_logs_path_ts ON network_logs(path, timestamp);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create network_logs schema: %w", err)
	}

	if err := storage.EnsureVersion(db, 1); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema version: %w", err)
	}

	return &AuditLog{db: db, cfg: cfg}, nil
}

// Close closes the underlying database.
func (a *AuditLog) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Record sanitises and persists rec, along with the optional tunnel
// detection verdict attached to the request that triggered it.
func (a *AuditLog) Record(rec RequestRecord, verdict *TunnelDetectionVerdict) error {
	if rec.RequestID == "" {
		rec.RequestID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.Headers = redactHeaders(rec.Headers)
	rec.Body, rec.BodyTruncated = truncateBody(rec.Body, a.cfg.MaxBodyBytes)
	rec.ResponseBody, rec.ResponseBodyTruncated = truncateBody(rec.ResponseBody, a.cfg.MaxBodyBytes)

	headersJSON, err := json.Marshal(rec.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	var (
		detectionID   sql.NullString
		tunnelType    sql.NullString
		reason        sql.NullString
		confidence    sql.NullString
		riskScore     sql.NullInt64
		indicators    sql.NullString
		requestCount  sql.NullInt64
		firstSeen     sql.NullString
		lastSeen      sql.NullString
	)
	if verdict != nil {
		detectionID = sql.NullString{String: verdict.DetectionID, Valid: true}
		tunnelType = sql.NullString{String: verdict.TunnelType, Valid: true}
		reason = sql.NullString{String: verdict.Reason, Valid: true}
		confidence = sql.NullString{String: string(verdict.Confidence), Valid: true}
		riskScore = sql.NullInt64{Int64: int64(verdict.RiskScore), Valid: true}
		requestCount = sql.NullInt64{Int64: int64(verdict.RequestCount), Valid: true}
		firstSeen = sql.NullString{String: verdict.FirstSeen.UTC().Format(time.RFC3339Nano), Valid: true}
		lastSeen = sql.NullString{String: verdict.LastSeen.UTC().Format(time.RFC3339Nano), Valid: true}
		if indicatorsJSON, err := json.Marshal(verdict.Indicators); err == nil {
			indicators = sql.NullString{String: string(indicatorsJSON), Valid: true}
		}
	}

	_, err = a.db.Exec(`INSERT OR IGNORE INTO network_logs
		(request_id, tenant_id, timestamp, ip, method, path, query, headers_json, user_agent, body,
		 body_truncated, response_body, response_body_truncated, status_code, response_time_ms,
		 tunnel_detection_id, tunnel_type, tunnel_reason, tunnel_confidence, tunnel_risk_score,
		 tunnel_indicators_json, tunnel_request_count, tunnel_first_seen, tunnel_last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.TenantID, rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.IP, rec.Method,
		rec.Path, rec.Query, string(headersJSON), rec.UserAgent, rec.Body, boolToInt(rec.BodyTruncated),
		rec.ResponseBody, boolToInt(rec.ResponseBodyTruncated),
		rec.StatusCode, rec.ResponseTimeMs, detectionID, tunnelType, reason, confidence, riskScore,
		indicators, requestCount, firstSeen, lastSeen)
	if err != nil {
		return fmt.Errorf("insert network log: %w", err)
	}
	return nil
}

// redactHeaders replaces the value of any header whose name contains one of
// redactedHeaders (case-insensitive) with [REDACTED].
func redactHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		lower := strings.ToLower(k)
		redacted := false
		for _, name := range redactedHeaders {
			if strings.Contains(lower, name) {
				redacted = true
				break
			}
		}
		if redacted {
			out[k] = redactedPlaceholder
		} else {
			out[k] = v
		}
	}
	return out
}

func truncateBody(body string, maxBytes int) (string, bool) {
	if maxBytes <= 0 || len(body) <= maxBytes {
		return body, false
	}
	return body[:maxBytes], true
}

// ListLogs returns NetworkLogs matching filter, newest first, paginated.
func (a *AuditLog) ListLogs(filter LogFilter, limit, offset int) ([]RequestRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query, args := a.filterClause(filter)
	query = selectColumns + query + ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list network logs: %w", err)
	}
	defer rows.Close()

	var out []RequestRecord
	for rows.Next() {
		rec, _, err := scanNetworkLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SearchFulltext scans path, query, and body for a substring match (simple
// LIKE search; no external full-text engine is in scope here).
func (a *AuditLog) SearchFulltext(q string, limit int) ([]RequestRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	like := "%" + q + "%"
	query := selectColumns + ` WHERE path LIKE ? OR query LIKE ? OR body LIKE ? ORDER BY timestamp DESC LIMIT ?`
	rows, err := a.db.Query(query, like, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("search network logs: %w", err)
	}
	defer rows.Close()

	var out []RequestRecord
	for rows.Next() {
		rec, _, err := scanNetworkLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TunnelDetectionEntry pairs a logged request with the verdict it triggered,
// so ListTunnelDetections' callers (alert review, export) see the full
// TunnelDetectionVerdict rather than only its reason and confidence.
type TunnelDetectionEntry struct {
	Log     RequestRecord           `json:"log"`
	Verdict TunnelDetectionVerdict `json:"tunnel_detection"`
}

// ListTunnelDetections returns logged requests whose tunnel confidence is at
// least minConfidence, newest first. Confidence ranking is enforced in Go
// rather than SQL since it is a small closed enum, not a numeric column.
func (a *AuditLog) ListTunnelDetections(minConfidence Confidence, limit int) ([]TunnelDetectionEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := selectColumns + ` WHERE tunnel_confidence IS NOT NULL ORDER BY timestamp DESC`
	rows, err := a.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list tunnel detections: %w", err)
	}
	defer rows.Close()

	var out []TunnelDetectionEntry
	for rows.Next() {
		rec, verdict, err := scanNetworkLog(rows)
		if err != nil {
			return nil, err
		}
		if verdict == nil || !verdict.Confidence.Meets(minConfidence) {
			continue
		}
		out = append(out, TunnelDetectionEntry{Log: rec, Verdict: *verdict})
		if len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// GetStats computes aggregate counters and response-time percentiles over
// filter's time range.
func (a *AuditLog) GetStats(filter LogFilter) (*Stats, error) {
	query, args := a.filterClause(filter)
	rows, err := a.db.Query(`SELECT ip, path, status_code, response_time_ms, tunnel_confidence FROM network_logs`+query, args...)
	if err != nil {
		return nil, fmt.Errorf("stats query: %w", err)
	}
	defer rows.Close()

	stats := &Stats{StatusDistribution: make(map[int]int)}
	ips := make(map[string]struct{})
	endpoints := make(map[string]struct{})
	var responseTimes []int64

	for rows.Next() {
		var ip, path string
		var status int
		var rt int64
		var confidence sql.NullString
		if err := rows.Scan(&ip, &path, &status, &rt, &confidence); err != nil {
			return nil, err
		}
		stats.Count++
		stats.StatusDistribution[status]++
		ips[ip] = struct{}{}
		endpoints[path] = struct{}{}
		responseTimes = append(responseTimes, rt)
		if confidence.Valid {
			stats.TunnelDetections++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats.UniqueIPs = len(ips)
	stats.UniqueEndpoints = len(endpoints)
	sort.Slice(responseTimes, func(i, j int) bool { return responseTimes[i] < responseTimes[j] })
	stats.ResponseTimeP50Ms = percentile(responseTimes, 0.50)
	stats.ResponseTimeP95Ms = percentile(responseTimes, 0.95)
	stats.ResponseTimeP99Ms = percentile(responseTimes, 0.99)
	return stats, nil
}

func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// Export streams filter's matching logs to w as either JSON lines or CSV.
func (a *AuditLog) Export(ctx context.Context, w io.Writer, format string, filter LogFilter) error {
	query, args := a.filterClause(filter)
	switch format {
	case "json":
		rows, err := a.db.QueryContext(ctx, selectColumns+query+` ORDER BY timestamp DESC`, args...)
		if err != nil {
			return fmt.Errorf("export query: %w", err)
		}
		defer rows.Close()
		enc := json.NewEncoder(w)
		for rows.Next() {
			rec, verdict, err := scanNetworkLog(rows)
			if err != nil {
				return err
			}
			entry := map[string]any{"log": rec}
			if verdict != nil {
				entry["tunnel_detection"] = verdict
			}
			if err := enc.Encode(entry); err != nil {
				return err
			}
		}
		return rows.Err()

	case "csv":
		rows, err := a.db.QueryContext(ctx, selectColumns+query+` ORDER BY timestamp DESC`, args...)
		if err != nil {
			return fmt.Errorf("export query: %w", err)
		}
		defer rows.Close()
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"request_id", "tenant_id", "timestamp", "ip", "method", "path", "status_code", "response_time_ms"}); err != nil {
			return err
		}
		for rows.Next() {
			rec, _, err := scanNetworkLog(rows)
			if err != nil {
				return err
			}
			row := []string{
				rec.RequestID, rec.TenantID, rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.IP, rec.Method,
				rec.Path, fmt.Sprintf("%d", rec.StatusCode), fmt.Sprintf("%d", rec.ResponseTimeMs),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		cw.Flush()
		return cw.Error()

	default:
		return ErrInvalidExportFormat
	}
}

// CleanupOldLogs deletes entries older than ttlDays.
func (a *AuditLog) CleanupOldLogs(ttlDays int) (int64, error) {
	if ttlDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -ttlDays).Format(time.RFC3339Nano)
	res, err := a.db.Exec(`DELETE FROM network_logs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old network logs: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the total persisted row count, used to feed the
// AuditLogVolume telemetry gauge.
func (a *AuditLog) Count() (int, error) {
	var n int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM network_logs`).Scan(&n)
	return n, err
}

const selectColumns = `SELECT request_id, tenant_id, timestamp, ip, method, path, query, headers_json,
	user_agent, body, body_truncated, response_body, response_body_truncated, status_code,
	response_time_ms, tunnel_detection_id, tunnel_type, tunnel_reason, tunnel_confidence,
	tunnel_risk_score, tunnel_indicators_json, tunnel_request_count, tunnel_first_seen, tunnel_last_seen
	FROM network_logs`

func (a *AuditLog) filterClause(filter LogFilter) (string, []any) {
	clause := ` WHERE 1=1`
	var args []any
	if filter.TenantID != "" && !filter.Admin {
		clause += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.IP != "" {
		clause += ` AND ip = ?`
		args = append(args, filter.IP)
	}
	if filter.Path != "" {
		clause += ` AND path = ?`
		args = append(args, filter.Path)
	}
	if !filter.Since.IsZero() {
		clause += ` AND timestamp >= ?`
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	if !filter.Until.IsZero() {
		clause += ` AND timestamp <= ?`
		args = append(args, filter.Until.UTC().Format(time.RFC3339Nano))
	}
	return clause, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNetworkLog(row rowScanner) (RequestRecord, *TunnelDetectionVerdict, error) {
	var (
		rec                     RequestRecord
		headersJSON, timestamp  string
		bodyTruncated           int
		respBodyTruncated       int
		detectionID, tunnelType sql.NullString
		reason, confidence      sql.NullString
		riskScore               sql.NullInt64
		indicatorsJSON          sql.NullString
		requestCount            sql.NullInt64
		firstSeen, lastSeen     sql.NullString
	)
	if err := row.Scan(&rec.RequestID, &rec.TenantID, &timestamp, &rec.IP, &rec.Method, &rec.Path, &rec.Query,
		&headersJSON, &rec.UserAgent, &rec.Body, &bodyTruncated, &rec.ResponseBody, &respBodyTruncated,
		&rec.StatusCode, &rec.ResponseTimeMs,
		&detectionID, &tunnelType, &reason, &confidence, &riskScore, &indicatorsJSON, &requestCount,
		&firstSeen, &lastSeen); err != nil {
		return RequestRecord{}, nil, err
	}
	rec.BodyTruncated = bodyTruncated != 0
	rec.ResponseBodyTruncated = respBodyTruncated != 0
	_ = json.Unmarshal([]byte(headersJSON), &rec.Headers)
	if t, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
		rec.Timestamp = t
	}

	var verdict *TunnelDetectionVerdict
	if reason.Valid && confidence.Valid {
		verdict = &TunnelDetectionVerdict{
			DetectionID:  detectionID.String,
			TunnelType:   tunnelType.String,
			SourceIP:     rec.IP,
			Confidence:   Confidence(confidence.String),
			RiskScore:    int(riskScore.Int64),
			RequestID:    rec.RequestID,
			RequestCount: int(requestCount.Int64),
			Reason:       reason.String,
			DetectedAt:   rec.Timestamp,
			LastSeen:     rec.Timestamp,
		}
		if indicatorsJSON.Valid {
			_ = json.Unmarshal([]byte(indicatorsJSON.String), &verdict.Indicators)
		}
		if firstSeen.Valid {
			if t, err := time.Parse(time.RFC3339Nano, firstSeen.String); err == nil {
				verdict.FirstSeen = t
			}
		}
		if lastSeen.Valid {
			if t, err := time.Parse(time.RFC3339Nano, lastSeen.String); err == nil {
				verdict.LastSeen = t
			}
		}
	}
	return rec, verdict, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
