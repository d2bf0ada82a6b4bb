package network

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// Confidence is the closed enumeration a TunnelDetectionVerdict's strength
// is reported in ({low, medium, high, confirmed}) rather than a raw
// score, so callers (the Gatekeeper's alert threshold, the audit log's
// persisted column) compare against a fixed vocabulary instead of a
// magic float.
type Confidence string

const (
	ConfidenceLow       Confidence = "low"
	ConfidenceMedium    Confidence = "medium"
	ConfidenceHigh      Confidence = "high"
	ConfidenceConfirmed Confidence = "confirmed"
)

var confidenceRank = map[Confidence]int{
	ConfidenceLow:       1,
	ConfidenceMedium:    2,
	ConfidenceHigh:      3,
	ConfidenceConfirmed: 4,
}

// Meets reports whether c is at least as strong as min. An unrecognised
// Confidence value ranks below every named level.
func (c Confidence) Meets(min Confidence) bool {
	return confidenceRank[c] >= confidenceRank[min]
}

// ParseConfidence validates a configured minimum-confidence threshold
// (NETWORK_TUNNEL_CONFIDENCE_THRESHOLD) against the closed enumeration.
func ParseConfidence(s string) (Confidence, bool) {
	switch Confidence(s) {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh, ConfidenceConfirmed:
		return Confidence(s), true
	default:
		return "", false
	}
}

// confidenceFromScore maps a heuristic's internal 0..1 strength score onto
// the closed Confidence enum.
func confidenceFromScore(score float64) Confidence {
	switch {
	case score >= 0.95:
		return ConfidenceConfirmed
	case score >= 0.8:
		return ConfidenceHigh
	case score >= 0.5:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// TunnelDetectionVerdict is returned by Analyze when a request's enclosing
// source/behavior crosses one of the heuristic thresholds below.
type TunnelDetectionVerdict struct {
	DetectionID  string     `json:"detection_id"`
	TunnelType   string     `json:"tunnel_type"`
	SourceIP     string     `json:"source_ip"`
	Confidence   Confidence `json:"confidence"`
	RiskScore    int        `json:"risk_score"` // 0..100
	Indicators   []string   `json:"indicators"`
	RequestID    string     `json:"request_id"`
	RequestCount int        `json:"request_count"`
	FirstSeen    time.Time  `json:"first_seen"`
	LastSeen     time.Time  `json:"last_seen"`
	Reason       string     `json:"reason"`
	DetectedAt   time.Time  `json:"detected_at"`
}

// newVerdict fills in the fields common to every heuristic: a fresh
// detection ID, the source IP's first/last-seen bookkeeping and request
// count from its history, and the score-derived Confidence/RiskScore pair.
func newVerdict(rec RequestRecord, h *ipHistory, tunnelType, reason string, score float64, indicators []string) *TunnelDetectionVerdict {
	now := time.Now().UTC()
	firstSeen := rec.Timestamp
	requestCount := 1
	if h != nil {
		if !h.firstSeen.IsZero() {
			firstSeen = h.firstSeen
		}
		requestCount = h.count
	}
	return &TunnelDetectionVerdict{
		DetectionID:  uuid.NewString(),
		TunnelType:   tunnelType,
		SourceIP:     rec.IP,
		Confidence:   confidenceFromScore(score),
		RiskScore:    int(clamp01(score) * 100),
		Indicators:   indicators,
		RequestID:    rec.RequestID,
		RequestCount: requestCount,
		FirstSeen:    firstSeen,
		LastSeen:     rec.Timestamp,
		Reason:       reason,
		DetectedAt:   now,
	}
}

// DetectorConfig tunes the heuristics: window sizes, thresholds, and
// minimum sample counts, tracked per source IP.
type DetectorConfig struct {
	RingSize             int           // samples retained, summed across all IPs; default 10000
	BeaconMinSamples     int           // minimum inter-arrival samples before judging beaconing
	BeaconVarianceCeil   float64       // inter-arrival variance (ms^2) below which traffic looks beaconed
	EntropyThreshold     float64       // Shannon entropy (bits/byte) above which a body looks like a tunnel payload
	EntropyMinBodyBytes  int           // bodies shorter than this are not evaluated for entropy
	OversizedHeaderBytes int           // total header byte count considered oversized
	RareUserAgentWindow  time.Duration // lookback for user-agent rarity
}

// DefaultDetectorConfig returns the suggested defaults.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		RingSize:             10000,
		BeaconMinSamples:     5,
		BeaconVarianceCeil:   250.0,
		EntropyThreshold:     7.2,
		EntropyMinBodyBytes:  256,
		OversizedHeaderBytes: 16 * 1024,
		RareUserAgentWindow:  24 * time.Hour,
	}
}

type ipHistory struct {
	firstSeen    time.Time
	lastSeen     time.Time
	count        int
	interArrival []float64 // milliseconds, ring-bounded
	userAgents   map[string]int
}

// TunnelDetector is a stateful, process-wide analyzer over a bounded window
// of recent requests. It is never tenant-scoped: a tunnel is a property of
// the network path, not of any one tenant's data. Independent detector
// functions each test a signal against the source's rolling history.
type TunnelDetector struct {
	cfg DetectorConfig
	log logr.Logger

	mu      sync.Mutex
	byIP    map[string]*ipHistory
	totalSamples int
}

// NewTunnelDetector constructs a TunnelDetector. log may be the zero value
// (logr.Logger{}), which discards output.
func NewTunnelDetector(cfg DetectorConfig, log logr.Logger) *TunnelDetector {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 10000
	}
	if cfg.BeaconMinSamples <= 0 {
		cfg.BeaconMinSamples = 5
	}
	if cfg.BeaconVarianceCeil <= 0 {
		cfg.BeaconVarianceCeil = 250.0
	}
	if cfg.EntropyThreshold <= 0 {
		cfg.EntropyThreshold = 7.2
	}
	if cfg.OversizedHeaderBytes <= 0 {
		cfg.OversizedHeaderBytes = 16 * 1024
	}
	return &TunnelDetector{cfg: cfg, log: log, byIP: make(map[string]*ipHistory)}
}

// Analyze folds rec into the detector's state and returns a verdict if any
// heuristic crosses its threshold, or nil otherwise. Confidence thresholding
// against a caller-supplied minimum happens in the Gatekeeper; this method
// always reports the raw signal it found.
func (d *TunnelDetector) Analyze(rec RequestRecord) *TunnelDetectionVerdict {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.byIP[rec.IP]
	if !ok {
		h = &ipHistory{userAgents: make(map[string]int), firstSeen: rec.Timestamp}
		d.byIP[rec.IP] = h
	}

	if !h.lastSeen.IsZero() {
		delta := rec.Timestamp.Sub(h.lastSeen).Seconds() * 1000
		h.interArrival = append(h.interArrival, delta)
		if len(h.interArrival) > 256 {
			h.interArrival = h.interArrival[len(h.interArrival)-256:]
		}
	}
	h.lastSeen = rec.Timestamp
	h.count++
	if rec.UserAgent != "" {
		h.userAgents[rec.UserAgent]++
	}
	d.totalSamples++
	d.evictIfOverCapacityLocked()

	if v := d.detectBeaconing(rec, h); v != nil {
		return v
	}
	if v := d.detectEntropyTunnel(rec, h); v != nil {
		return v
	}
	if v := d.detectOversizedOrUnusual(rec, h); v != nil {
		return v
	}
	return nil
}

// evictIfOverCapacityLocked drops the coldest IP's history once the
// aggregate sample count exceeds RingSize, keeping the analysis window a
// bounded ring of the most recent requests. Caller holds d.mu.
func (d *TunnelDetector) evictIfOverCapacityLocked() {
	if d.totalSamples <= d.cfg.RingSize {
		return
	}
	var coldestIP string
	var coldest time.Time
	for ip, h := range d.byIP {
		if coldest.IsZero() || h.lastSeen.Before(coldest) {
			coldest = h.lastSeen
			coldestIP = ip
		}
	}
	if coldestIP != "" {
		d.totalSamples -= d.byIP[coldestIP].count
		delete(d.byIP, coldestIP)
	}
}

// detectBeaconing flags near-constant inter-arrival time from rec.IP: low
// variance across enough samples looks like a scripted beacon rather than
// human browsing.
func (d *TunnelDetector) detectBeaconing(rec RequestRecord, h *ipHistory) *TunnelDetectionVerdict {
	if len(h.interArrival) < d.cfg.BeaconMinSamples {
		return nil
	}
	mean, variance := meanVariance(h.interArrival)
	if mean <= 0 || variance >= d.cfg.BeaconVarianceCeil {
		return nil
	}
	score := clamp01(1 - variance/d.cfg.BeaconVarianceCeil)
	indicators := []string{
		"near_constant_inter_arrival",
		fmt.Sprintf("samples=%d", len(h.interArrival)),
		fmt.Sprintf("variance_ms2=%.1f", variance),
	}
	return newVerdict(rec, h, "beaconing", "beaconing: near-constant inter-arrival interval", score, indicators)
}

// detectEntropyTunnel flags a request body whose Shannon entropy is high
// enough, combined with a body larger than EntropyMinBodyBytes, to look like
// an encrypted or tunneled payload rather than structured text/JSON/form data.
func (d *TunnelDetector) detectEntropyTunnel(rec RequestRecord, h *ipHistory) *TunnelDetectionVerdict {
	if len(rec.Body) < d.cfg.EntropyMinBodyBytes {
		return nil
	}
	entropy := shannonEntropy(rec.Body)
	if entropy < d.cfg.EntropyThreshold {
		return nil
	}
	score := clamp01((entropy - d.cfg.EntropyThreshold) / (8.0 - d.cfg.EntropyThreshold))
	indicators := []string{
		fmt.Sprintf("body_entropy_bits_per_byte=%.2f", entropy),
		fmt.Sprintf("body_bytes=%d", len(rec.Body)),
	}
	return newVerdict(rec, h, "entropy_tunnel", "entropy tunnel: body entropy and size distribution abnormal", score, indicators)
}

// detectOversizedOrUnusual flags requests with an oversized header block,
// an unusual HTTP method, or a user-agent this IP has essentially never
// used before.
func (d *TunnelDetector) detectOversizedOrUnusual(rec RequestRecord, h *ipHistory) *TunnelDetectionVerdict {
	headerBytes := 0
	for k, v := range rec.Headers {
		headerBytes += len(k) + len(v)
	}
	if headerBytes > d.cfg.OversizedHeaderBytes {
		score := clamp01(float64(headerBytes) / float64(d.cfg.OversizedHeaderBytes*2))
		indicators := []string{fmt.Sprintf("header_bytes=%d", headerBytes)}
		return newVerdict(rec, h, "oversized_headers", "oversized request headers", score, indicators)
	}

	switch rec.Method {
	case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS":
	default:
		indicators := []string{"method=" + rec.Method}
		return newVerdict(rec, h, "unusual_method", "unusual HTTP method: "+rec.Method, 0.6, indicators)
	}

	if rec.UserAgent != "" && len(h.userAgents) > 1 {
		total := 0
		for _, n := range h.userAgents {
			total += n
		}
		if count := h.userAgents[rec.UserAgent]; total >= 10 && count == 1 {
			indicators := []string{"user_agent=" + rec.UserAgent, fmt.Sprintf("source_total_requests=%d", total)}
			return newVerdict(rec, h, "rare_user_agent", "rare user-agent for this source", 0.4, indicators)
		}
	}
	return nil
}

func meanVariance(samples []float64) (mean, variance float64) {
	n := float64(len(samples))
	if n == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s
	}
	mean = sum / n
	var sqDiff float64
	for _, s := range samples {
		d := s - mean
		sqDiff += d * d
	}
	variance = sqDiff / n
	return mean, variance
}

// shannonEntropy computes the Shannon entropy in bits/byte of s's byte
// distribution.
func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	var freq [256]int
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}
	n := float64(len(s))
	var entropy float64
	for _, c := range freq {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
