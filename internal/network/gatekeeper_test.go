package network

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/blackflagsec/sentinel/internal/events"
)

type gatekeeperFixture struct {
	gk       *Gatekeeper
	registry *Registry
	limiter  *Limiter
	auditLog *AuditLog
	bus      *events.Bus
	handler  http.Handler
}

func newGatekeeperFixture(t *testing.T, cfg GatekeeperConfig, limiter *Limiter) *gatekeeperFixture {
	t.Helper()
	auditLog, err := NewAuditLog(":memory:", AuditLogConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLog.Close() })

	registry := NewRegistry()
	detector := NewTunnelDetector(DefaultDetectorConfig(), logr.Discard())
	bus := events.NewBus(32)

	gk := NewGatekeeper(cfg, registry, limiter, detector, auditLog, bus, nil, nil)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			_, _ = io.Copy(io.Discard, r.Body)
		}
		_, _ = w.Write([]byte("inner ok"))
	})
	return &gatekeeperFixture{
		gk: gk, registry: registry, limiter: limiter, auditLog: auditLog, bus: bus,
		handler: gk.Middleware(inner),
	}
}

func doRequest(handler http.Handler, method, target, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = ip + ":54321"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestGatekeeperHealthCheckBypassesBlockedIP(t *testing.T) {
	fx := newGatekeeperFixture(t, DefaultGatekeeperConfig(), NewLimiter(0, 0))
	fx.registry.BlockIP("1.2.3.4", "test", "admin")

	w := doRequest(fx.handler, "GET", "/api/health", "1.2.3.4")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "inner ok", w.Body.String())
}

func TestGatekeeperBlocksIP(t *testing.T) {
	fx := newGatekeeperFixture(t, DefaultGatekeeperConfig(), NewLimiter(0, 0))
	fx.registry.BlockIP("1.2.3.4", "test", "admin")

	w := doRequest(fx.handler, "GET", "/api/jobs", "1.2.3.4")
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Contains(t, w.Body.String(), "IP blocked")

	w = doRequest(fx.handler, "GET", "/api/jobs", "5.6.7.8")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestGatekeeperBlocksEndpoint(t *testing.T) {
	fx := newGatekeeperFixture(t, DefaultGatekeeperConfig(), NewLimiter(0, 0))
	fx.registry.BlockEndpoint("/api/admin/*", "ALL", "test", "admin")

	w := doRequest(fx.handler, "GET", "/api/admin/users", "5.6.7.8")
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Contains(t, w.Body.String(), "Endpoint blocked")
}

func TestGatekeeperBlocksPattern(t *testing.T) {
	fx := newGatekeeperFixture(t, DefaultGatekeeperConfig(), NewLimiter(0, 0))
	fx.registry.BlockPattern(PatternUserAgent, "sqlmap*", "test", "admin")

	req := httptest.NewRequest("GET", "/api/jobs", nil)
	req.RemoteAddr = "5.6.7.8:54321"
	req.Header.Set("User-Agent", "sqlmap/1.7")
	w := httptest.NewRecorder()
	fx.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Contains(t, w.Body.String(), "Request pattern blocked")
}

func TestGatekeeperRateLimitsWithRetryAfter(t *testing.T) {
	fx := newGatekeeperFixture(t, DefaultGatekeeperConfig(), NewLimiter(3, 100))

	for i := 0; i < 3; i++ {
		w := doRequest(fx.handler, "GET", fmt.Sprintf("/api/jobs?i=%d", i), "5.6.7.8")
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := doRequest(fx.handler, "GET", "/api/jobs", "5.6.7.8")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "60", w.Header().Get("Retry-After"))

	// Another IP is unaffected.
	w = doRequest(fx.handler, "GET", "/api/jobs", "9.9.9.9")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestGatekeeperBlockingDisabledLetsBlockedIPThrough(t *testing.T) {
	cfg := DefaultGatekeeperConfig()
	cfg.EnableBlocking = false
	fx := newGatekeeperFixture(t, cfg, NewLimiter(0, 0))
	fx.registry.BlockIP("1.2.3.4", "test", "admin")

	w := doRequest(fx.handler, "GET", "/api/jobs", "1.2.3.4")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestGatekeeperCapturesRequestToAuditLog(t *testing.T) {
	fx := newGatekeeperFixture(t, DefaultGatekeeperConfig(), NewLimiter(0, 0))

	logCh := fx.bus.Subscribe("test-log")
	t.Cleanup(func() { fx.bus.Unsubscribe("test-log") })

	req := httptest.NewRequest("POST", "/api/jobs?limit=5", strings.NewReader(`{"target":"example.com"}`))
	req.RemoteAddr = "5.6.7.8:54321"
	req.Header.Set("X-Tenant-Id", "tenant-1")
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	fx.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	// Capture is asynchronous; wait for it to land.
	require.Eventually(t, func() bool {
		n, err := fx.auditLog.Count()
		require.NoError(t, err)
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	logs, err := fx.auditLog.ListLogs(LogFilter{}, 1, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	rec := logs[0]
	require.Equal(t, "5.6.7.8", rec.IP)
	require.Equal(t, "POST", rec.Method)
	require.Equal(t, "/api/jobs", rec.Path)
	require.Equal(t, "limit=5", rec.Query)
	require.Equal(t, "tenant-1", rec.TenantID)
	require.Equal(t, `{"target":"example.com"}`, rec.Body)
	require.Equal(t, "inner ok", rec.ResponseBody)
	require.Equal(t, http.StatusOK, rec.StatusCode)
	require.Equal(t, "[REDACTED]", rec.Headers["Authorization"])

	select {
	case evt := <-logCh:
		require.Equal(t, events.NetworkLog, evt.Type)
		require.Equal(t, "tenant-1", evt.TenantID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a network.log event")
	}
}

func TestGatekeeperEmitsTunnelAlert(t *testing.T) {
	cfg := DefaultGatekeeperConfig()
	cfg.TunnelConfidenceMin = ConfidenceMedium
	fx := newGatekeeperFixture(t, cfg, NewLimiter(0, 0))

	ch := fx.bus.Subscribe("test-tunnel")
	t.Cleanup(func() { fx.bus.Unsubscribe("test-tunnel") })

	// An unusual HTTP method trips the detector at medium confidence.
	w := doRequest(fx.handler, "TRACK", "/api/jobs", "6.6.6.6")
	require.Equal(t, http.StatusOK, w.Code, "detection is observational, the request still passes")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type != events.NetworkTunnel {
				continue
			}
			verdict, ok := evt.Detail.(*TunnelDetectionVerdict)
			require.True(t, ok)
			require.Equal(t, "unusual_method", verdict.TunnelType)
			require.True(t, verdict.Confidence.Meets(ConfidenceMedium))

			entries, err := fx.auditLog.ListTunnelDetections(ConfidenceMedium, 10)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			return
		case <-deadline:
			t.Fatal("expected a network.tunnel_alert event")
		}
	}
}

func TestGatekeeperBelowConfidenceThresholdIsNotAlerted(t *testing.T) {
	cfg := DefaultGatekeeperConfig()
	cfg.TunnelConfidenceMin = ConfidenceConfirmed
	fx := newGatekeeperFixture(t, cfg, NewLimiter(0, 0))

	w := doRequest(fx.handler, "TRACK", "/api/jobs", "6.6.6.7")
	require.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		n, err := fx.auditLog.Count()
		require.NoError(t, err)
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	entries, err := fx.auditLog.ListTunnelDetections(ConfidenceLow, 10)
	require.NoError(t, err)
	require.Empty(t, entries, "verdicts below the threshold are not attached to the log")
}

func TestGatekeeperFailsOpenWithoutCollaborators(t *testing.T) {
	gk := NewGatekeeper(DefaultGatekeeperConfig(), nil, nil, nil, nil, nil, nil, nil)
	handler := gk.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	w := doRequest(handler, "GET", "/api/jobs", "5.6.7.8")
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:43210"
	require.Equal(t, "10.0.0.1", clientIP(req))

	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	require.Equal(t, "1.2.3.4", clientIP(req))

	req.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.2")
	require.Equal(t, "1.2.3.4", clientIP(req))
}
