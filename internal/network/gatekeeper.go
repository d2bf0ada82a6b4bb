package network

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blackflagsec/sentinel/internal/events"
	"github.com/blackflagsec/sentinel/internal/telemetry"
)

// healthCheckPaths bypass the entire Gatekeeper pipeline.
var healthCheckPaths = map[string]bool{
	"/health":     true,
	"/api/health": true,
	"/healthz":    true,
}

// GatekeeperConfig toggles pipeline stages (the NETWORK_ENABLE_* settings)
// and sets the tunnel detector's alerting threshold.
type GatekeeperConfig struct {
	EnableBlocking        bool
	EnableLogging         bool
	EnableTunnelDetection bool
	TunnelConfidenceMin   Confidence
	MaxBodyBytes          int // capture limit per body; default DefaultMaxBodyBytes
}

// DefaultGatekeeperConfig enables every stage with a conservative tunnel
// confidence floor.
func DefaultGatekeeperConfig() GatekeeperConfig {
	return GatekeeperConfig{
		EnableBlocking:        true,
		EnableLogging:         true,
		EnableTunnelDetection: true,
		TunnelConfidenceMin:   ConfidenceHigh,
		MaxBodyBytes:          DefaultMaxBodyBytes,
	}
}

// Gatekeeper composes the block registry, rate limiter, audit log, and
// tunnel detector into an inline middleware pipeline of ordered checks, each
// capable of short-circuiting with a status code. Captured activity is
// broadcast to whatever subscribes to the shared events.Bus, matching the
// Orchestrator's own publish pattern rather than a second fan-out mechanism.
type Gatekeeper struct {
	cfg       GatekeeperConfig
	registry  *Registry
	limiter   *Limiter
	detector  *TunnelDetector
	auditLog  *AuditLog
	bus       *events.Bus
	metrics   *telemetry.Metrics
	logger    *zap.Logger
}

// NewGatekeeper constructs a Gatekeeper. metrics and bus may be nil.
func NewGatekeeper(cfg GatekeeperConfig, registry *Registry, limiter *Limiter, detector *TunnelDetector,
	auditLog *AuditLog, bus *events.Bus, metrics *telemetry.Metrics, logger *zap.Logger) *Gatekeeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Gatekeeper{
		cfg: cfg, registry: registry, limiter: limiter, detector: detector,
		auditLog: auditLog, bus: bus, metrics: metrics, logger: logger,
	}
}

// Middleware wraps next with the Gatekeeper pipeline. Registry/limiter
// failures are logged and the request proceeds (fail-open): this system
// observes traffic, it does not replace a firewall.
func (g *Gatekeeper) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthCheckPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		if g.cfg.EnableBlocking && g.registry != nil {
			req := RequestFromHTTP(r)
			ip := clientIP(r)

			if g.registry.IsIPBlocked(ip) {
				g.deny(w, http.StatusForbidden, "IP blocked", "ip_block")
				return
			}
			if blocked, _ := g.registry.IsEndpointBlocked(req.Path, req.Method); blocked {
				g.deny(w, http.StatusForbidden, "Endpoint blocked", "endpoint_block")
				return
			}
			if blocked, _ := g.registry.MatchesAnyPattern(req); blocked {
				g.deny(w, http.StatusForbidden, "Request pattern blocked", "pattern_block")
				return
			}
		}

		if g.limiter != nil {
			decision := g.limiter.Check(clientIP(r), r.URL.Path)
			if !decision.Allowed {
				g.incBlock("rate_limit")
				w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}
		}

		g.incAllow()

		rec := RequestRecord{
			RequestID: uuid.NewString(),
			TenantID:  r.Header.Get("X-Tenant-Id"),
			Timestamp: time.Now().UTC(),
			IP:        clientIP(r),
			Method:    r.Method,
			Path:      r.URL.Path,
			Query:     r.URL.RawQuery,
			Headers:   flattenHeaders(r.Header),
			UserAgent: r.UserAgent(),
			Body:      g.captureRequestBody(r),
		}
		start := time.Now()

		capture := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK, bodyLimit: g.cfg.MaxBodyBytes}
		next.ServeHTTP(capture, r)

		rec.StatusCode = capture.status
		rec.ResponseBody = capture.body.String()
		rec.ResponseTimeMs = time.Since(start).Milliseconds()

		if g.cfg.EnableLogging && g.auditLog != nil {
			go g.captureAndAnalyze(rec)
		}
	})
}

// captureAndAnalyze persists rec, runs tunnel analysis, and broadcasts
// results, all off the request path, so the audit-log write never blocks
// the response.
func (g *Gatekeeper) captureAndAnalyze(rec RequestRecord) {
	var verdict *TunnelDetectionVerdict
	if g.cfg.EnableTunnelDetection && g.detector != nil {
		if v := g.detector.Analyze(rec); v != nil && v.Confidence.Meets(g.cfg.TunnelConfidenceMin) {
			verdict = v
			if g.metrics != nil {
				g.metrics.TunnelAlerts.Inc()
			}
		}
	}

	if err := g.auditLog.Record(rec, verdict); err != nil {
		g.logger.Warn("gatekeeper: record network log failed", zap.Error(err))
	}

	if g.bus == nil {
		return
	}
	g.bus.Publish(events.Event{Type: events.NetworkLog, TenantID: rec.TenantID, Detail: rec})
	if verdict != nil {
		g.bus.Publish(events.Event{Type: events.NetworkTunnel, TenantID: rec.TenantID, Detail: verdict})
	}
}

func (g *Gatekeeper) deny(w http.ResponseWriter, status int, message, stage string) {
	g.incBlock(stage)
	http.Error(w, fmt.Sprintf("Access denied: %s", message), status)
}

func (g *Gatekeeper) incAllow() {
	if g.metrics != nil {
		g.metrics.GatekeeperAllow.Inc()
	}
}

func (g *Gatekeeper) incBlock(stage string) {
	if g.metrics != nil {
		g.metrics.GatekeeperBlock.WithLabelValues(stage).Inc()
	}
	if stage == "rate_limit" && g.metrics != nil {
		g.metrics.RateLimitDenied.WithLabelValues("ip").Inc()
	}
}

// captureRequestBody reads up to MaxBodyBytes of the request body for the
// audit record and reattaches the unread remainder so the inner handler sees
// the full stream. Truncation marking is applied by the audit log on persist.
func (g *Gatekeeper) captureRequestBody(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	// One byte past the limit so the audit log can tell a body that exactly
	// fills the limit from one that overflowed it.
	data, err := io.ReadAll(io.LimitReader(r.Body, int64(g.cfg.MaxBodyBytes)+1))
	if err != nil {
		return ""
	}
	rest := r.Body
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(data), rest), rest}
	return string(data)
}

type statusCapturingWriter struct {
	http.ResponseWriter
	status    int
	bodyLimit int
	body      bytes.Buffer
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusCapturingWriter) Write(p []byte) (int, error) {
	if room := w.bodyLimit + 1 - w.body.Len(); room > 0 {
		if len(p) > room {
			w.body.Write(p[:room])
		} else {
			w.body.Write(p)
		}
	}
	return w.ResponseWriter.Write(p)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// First hop is the original client.
		if i := strings.Index(fwd, ","); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
