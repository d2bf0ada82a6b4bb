// Package tenancy tracks per-tenant in-flight Job counts and queue-depth
// gauges used by the Orchestrator's admission gate.
package tenancy

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

// DefaultInFlightCap is the default per-tenant in-flight cap.
const DefaultInFlightCap = 8

// Usage tracks a tenant's current Job concurrency and queue depth.
type Usage struct {
	InFlight   int `json:"inFlight"`
	QueueDepth int `json:"queueDepth"`
}

// Tracker enforces a per-tenant in-flight cap and exposes a queue-depth
// gauge. Safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	inFlightCap int
	usage      map[string]*Usage
	log        logr.Logger
}

// NewTracker creates a Tracker with the given in-flight cap (<=0 uses the
// default).
func NewTracker(inFlightCap int, log logr.Logger) *Tracker {
	if inFlightCap <= 0 {
		inFlightCap = DefaultInFlightCap
	}
	return &Tracker{
		inFlightCap: inFlightCap,
		usage:       make(map[string]*Usage),
		log:         log,
	}
}

// CanAdmit reports whether tenantID has headroom under the in-flight cap.
// A Job at the head of queue whose tenant is at capacity is *skipped*, not
// blocked; the dispatcher keeps trying later jobs in priority order.
func (t *Tracker) CanAdmit(tenantID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.usage[tenantID]
	if u == nil {
		return true
	}
	return u.InFlight < t.inFlightCap
}

// Acquire records a dispatch for tenantID. Callers must pair every Acquire
// with exactly one Release.
func (t *Tracker) Acquire(tenantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.usageFor(tenantID)
	u.InFlight++
}

// Release returns a dispatch slot for tenantID.
func (t *Tracker) Release(tenantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.usageFor(tenantID)
	if u.InFlight > 0 {
		u.InFlight--
	}
}

// SetQueueDepth updates the queue-depth gauge for tenantID.
func (t *Tracker) SetQueueDepth(tenantID string, depth int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.usageFor(tenantID)
	u.QueueDepth = depth
}

// Snapshot returns a copy of tenantID's current usage.
func (t *Tracker) Snapshot(tenantID string) Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u := t.usage[tenantID]; u != nil {
		return *u
	}
	return Usage{}
}

func (t *Tracker) usageFor(tenantID string) *Usage {
	u, ok := t.usage[tenantID]
	if !ok {
		u = &Usage{}
		t.usage[tenantID] = u
	}
	return u
}

// String renders the cap for diagnostics.
func (t *Tracker) String() string {
	return fmt.Sprintf("tenancy.Tracker{cap=%d}", t.inFlightCap)
}
