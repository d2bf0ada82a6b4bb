// Package jobs implements the durable, tenant-scoped Job Store (component B)
// described in the core's job orchestration subsystem: CRUD plus filtered,
// paginated queries over Jobs, with atomic partial updates that enforce the
// Job lifecycle invariants.
package jobs

import "time"

// Capability names a class of security assessment. Only these tags are valid;
// the Capability Registry refuses to register an executor for any other tag,
// and admission requires a registered executor.
type Capability string

const (
	CapabilityExposureDiscovery   Capability = "exposure_discovery"
	CapabilityDarkwebIntelligence Capability = "darkweb_intelligence"
	CapabilityEmailAudit          Capability = "email_audit"
	CapabilityInfrastructureTest  Capability = "infrastructure_testing"
	CapabilityInvestigation       Capability = "investigation"
	CapabilityNetworkSecurity     Capability = "network_security"
)

// Valid reports whether c is one of the closed set of capability tags.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityExposureDiscovery, CapabilityDarkwebIntelligence, CapabilityEmailAudit,
		CapabilityInfrastructureTest, CapabilityInvestigation, CapabilityNetworkSecurity:
		return true
	default:
		return false
	}
}

// Status is the Job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is one of the terminal states.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Priority is the admission/dispatch priority. Higher values dispatch first.
type Priority int

const (
	PriorityBackground Priority = 0
	PriorityLow        Priority = 1
	PriorityNormal     Priority = 2
	PriorityHigh       Priority = 3
	PriorityCritical   Priority = 4
)

// ParsePriority maps a priority name onto its Priority value.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "background":
		return PriorityBackground, true
	case "low":
		return PriorityLow, true
	case "normal":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	case "critical":
		return PriorityCritical, true
	default:
		return 0, false
	}
}

// LogLevel classifies an execution log entry.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one line of a Job's executionLogs.
type LogEntry struct {
	Timestamp time.Time `json:"ts"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// Job is a single execution of a Capability against a Target, with lifecycle
// state. Field-level invariants are enforced by Store.UpdatePartial.
type Job struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Capability     Capability     `json:"capability"`
	Target         string         `json:"target"`
	Status         Status         `json:"status"`
	Priority       Priority       `json:"priority"`
	Progress       int            `json:"progress"`
	Config         map[string]any `json:"config,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Error          *string        `json:"error,omitempty"`
	ExecutionLogs  []LogEntry     `json:"execution_logs,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// Filter narrows ListJobs / CountJobs.
type Filter struct {
	TenantID      string // empty + Admin=true means cross-tenant
	Admin         bool
	Capability    Capability
	Status        Status
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// PartialUpdate carries the fields Store.UpdatePartial is allowed to mutate.
// Nil/zero-value pointer fields are left untouched. ExecutionLogsAppend only
// appends; callers never replace log history, even though the column itself
// stores the full list.
type PartialUpdate struct {
	Status              *Status
	Progress            *int
	Error               *string
	ClearError          bool
	StartedAt           *time.Time
	CompletedAt         *time.Time
	Config              map[string]any
	Metadata            map[string]any
	ExecutionLogsAppend []LogEntry
}
