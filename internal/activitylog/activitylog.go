// Package activitylog keeps the per-tenant user action trail: an
// append-only record of who did what, distinct from the network audit log's
// raw HTTP capture.
package activitylog

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies an activity log entry.
type EventType string

const (
	EventJobCreated      EventType = "job.created"
	EventJobCancelled    EventType = "job.cancelled"
	EventJobRetried      EventType = "job.retried"
	EventFindingResolved EventType = "finding.resolved"
	EventScheduleCreated EventType = "schedule.created"
	EventScheduleUpdated EventType = "schedule.updated"
	EventScheduleDisabled EventType = "schedule.disabled"
	EventAutomationSynced EventType = "automation.synced"
	EventBlockCreated    EventType = "network.block_created"
	EventBlockRemoved    EventType = "network.block_removed"
	EventLoginSuccess    EventType = "auth.login"
	EventLoginFailed     EventType = "auth.login_failed"
	EventAccessDenied    EventType = "auth.access_denied"
)

// Event is a single activity log entry.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	TenantID  string    `json:"tenant_id"`
	Actor     string    `json:"actor,omitempty"` // user id, "system", or job id
	Summary   string    `json:"summary"`
	Detail    any       `json:"detail,omitempty"`
}

// Log is an append-only, ring-buffered activity log. Unlike the network
// audit log, entries here are small and numerous enough per tenant that an
// in-memory ring buffer with a generous capacity is preferable to a table
// scan per query; this trail backs an activity feed, not compliance export.
type Log struct {
	mu     sync.RWMutex
	events []Event
	maxLen int
}

// New creates an activity log. maxLen=0 means unbounded.
func New(maxLen int) *Log {
	return &Log{events: make([]Event, 0, 1024), maxLen: maxLen}
}

// Record appends evt, stamping an ID and timestamp if absent.
func (l *Log) Record(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, evt)
	if l.maxLen > 0 && len(l.events) > l.maxLen {
		l.events = l.events[len(l.events)-l.maxLen:]
	}
}

// Emit is a convenience for recording an event with minimal arguments.
func (l *Log) Emit(typ EventType, tenantID, actor, summary string) {
	l.Record(Event{Type: typ, TenantID: tenantID, Actor: actor, Summary: summary})
}

// Filter narrows Query results. Limit=0 means unbounded.
type Filter struct {
	TenantID string
	Actor    string
	Type     EventType
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Query returns matching events, newest first. A non-admin caller MUST set
// TenantID; this package does not itself enforce tenancy, it only filters
// on the field given, and enforcing tenancy is left to the caller.
func (l *Log) Query(f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []Event
	for i := len(l.events) - 1; i >= 0; i-- {
		evt := l.events[i]

		if f.TenantID != "" && evt.TenantID != f.TenantID {
			continue
		}
		if f.Actor != "" && evt.Actor != f.Actor {
			continue
		}
		if f.Type != "" && evt.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && evt.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && evt.Timestamp.After(f.Until) {
			continue
		}

		result = append(result, evt)
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result
}

// Recent returns the n most recent events for tenantID.
func (l *Log) Recent(tenantID string, n int) []Event {
	return l.Query(Filter{TenantID: tenantID, Limit: n})
}

// Count returns the total number of retained events across all tenants.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// MarshalJSON exports all retained events, for admin API responses.
func (l *Log) MarshalJSON() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return json.Marshal(l.events)
}
