package network

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

func rec(ip string, ts time.Time) RequestRecord {
	return RequestRecord{
		RequestID: fmt.Sprintf("%s-%d", ip, ts.UnixNano()),
		IP:        ip,
		Timestamp: ts,
		Method:    "GET",
		Path:      "/api/v1/jobs",
		UserAgent: "sentinel-client/1.0",
	}
}

func TestDetectBeaconing(t *testing.T) {
	d := NewTunnelDetector(DefaultDetectorConfig(), logr.Discard())
	base := time.Now().UTC()

	var verdict *TunnelDetectionVerdict
	for i := 0; i < 8; i++ {
		verdict = d.Analyze(rec("10.0.0.1", base.Add(time.Duration(i)*5*time.Second)))
	}
	require.NotNil(t, verdict)
	require.Contains(t, verdict.Reason, "beaconing")
	require.Equal(t, "beaconing", verdict.TunnelType)
	require.True(t, verdict.Confidence.Meets(ConfidenceLow))
	require.NotEmpty(t, verdict.DetectionID)
	require.NotEmpty(t, verdict.Indicators)
	require.Greater(t, verdict.RiskScore, 0)
	require.Equal(t, "10.0.0.1", verdict.SourceIP)
	require.False(t, verdict.FirstSeen.IsZero())
	require.False(t, verdict.LastSeen.IsZero())
	require.Greater(t, verdict.RequestCount, 0)
}

func TestDetectBeaconingIgnoresJitteryTraffic(t *testing.T) {
	d := NewTunnelDetector(DefaultDetectorConfig(), logr.Discard())
	base := time.Now().UTC()
	r := rand.New(rand.NewSource(1))

	var verdict *TunnelDetectionVerdict
	offset := time.Duration(0)
	for i := 0; i < 8; i++ {
		offset += time.Duration(1+r.Intn(20)) * time.Second
		v := d.Analyze(rec("10.0.0.2", base.Add(offset)))
		if v != nil {
			verdict = v
		}
	}
	require.Nil(t, verdict)
}

func TestDetectEntropyTunnel(t *testing.T) {
	d := NewTunnelDetector(DefaultDetectorConfig(), logr.Discard())
	r := rec("10.0.0.3", time.Now().UTC())

	body := make([]byte, 512)
	rnd := rand.New(rand.NewSource(2))
	rnd.Read(body)
	r.Body = string(body)

	verdict := d.Analyze(r)
	require.NotNil(t, verdict)
	require.Contains(t, verdict.Reason, "entropy")
	require.Equal(t, "entropy_tunnel", verdict.TunnelType)
	require.NotEmpty(t, verdict.Indicators)
}

func TestDetectEntropyTunnelIgnoresSmallOrStructuredBody(t *testing.T) {
	d := NewTunnelDetector(DefaultDetectorConfig(), logr.Discard())
	r := rec("10.0.0.4", time.Now().UTC())
	r.Body = `{"capability":"exposure_discovery","target":"example.com"}`

	verdict := d.Analyze(r)
	require.Nil(t, verdict)
}

func TestDetectOversizedHeaders(t *testing.T) {
	d := NewTunnelDetector(DefaultDetectorConfig(), logr.Discard())
	r := rec("10.0.0.5", time.Now().UTC())
	r.Headers = map[string]string{
		"X-Huge": string(make([]byte, 20*1024)),
	}

	verdict := d.Analyze(r)
	require.NotNil(t, verdict)
	require.Contains(t, verdict.Reason, "oversized")
	require.Equal(t, "oversized_headers", verdict.TunnelType)
	require.NotEmpty(t, verdict.Indicators)
}

func TestDetectUnusualMethod(t *testing.T) {
	d := NewTunnelDetector(DefaultDetectorConfig(), logr.Discard())
	r := rec("10.0.0.6", time.Now().UTC())
	r.Method = "CONNECT"

	verdict := d.Analyze(r)
	require.NotNil(t, verdict)
	require.Contains(t, verdict.Reason, "unusual HTTP method")
	require.Equal(t, "unusual_method", verdict.TunnelType)
}

func TestDetectRareUserAgent(t *testing.T) {
	d := NewTunnelDetector(DefaultDetectorConfig(), logr.Discard())
	base := time.Now().UTC()

	for i := 0; i < 10; i++ {
		r := rec("10.0.0.7", base.Add(time.Duration(i)*time.Minute))
		r.UserAgent = "common-agent/1.0"
		d.Analyze(r)
	}

	rare := rec("10.0.0.7", base.Add(11*time.Minute))
	rare.UserAgent = "never-seen-before/9.9"
	verdict := d.Analyze(rare)
	require.NotNil(t, verdict)
	require.Contains(t, verdict.Reason, "rare user-agent")
	require.Equal(t, "rare_user_agent", verdict.TunnelType)
}

func TestAnalyzeCleanTrafficReturnsNil(t *testing.T) {
	d := NewTunnelDetector(DefaultDetectorConfig(), logr.Discard())
	verdict := d.Analyze(rec("10.0.0.8", time.Now().UTC()))
	require.Nil(t, verdict)
}

func TestEvictionBoundsMemory(t *testing.T) {
	cfg := DefaultDetectorConfig()
	cfg.RingSize = 10
	d := NewTunnelDetector(cfg, logr.Discard())

	base := time.Now().UTC()
	for i := 0; i < 50; i++ {
		ip := fmt.Sprintf("10.1.0.%d", i)
		d.Analyze(rec(ip, base.Add(time.Duration(i)*time.Second)))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	require.LessOrEqual(t, d.totalSamples, cfg.RingSize)
	require.Less(t, len(d.byIP), 50)
}

func TestShannonEntropyEmptyString(t *testing.T) {
	require.Equal(t, 0.0, shannonEntropy(""))
}

func TestClamp01(t *testing.T) {
	require.Equal(t, 0.0, clamp01(-1))
	require.Equal(t, 1.0, clamp01(2))
	require.Equal(t, 0.5, clamp01(0.5))
}
