// Package scheduledsearch stores durable, tenant-scoped cron-triggered
// definitions that the Scheduler materialises into Jobs, carrying
// lastRunAt/nextRunAt/runCount bookkeeping.
package scheduledsearch

import (
	"time"

	"github.com/blackflagsec/sentinel/internal/jobs"
)

// ScheduledSearch is a recurring, cron-triggered search definition.
type ScheduledSearch struct {
	ID             string              `json:"id"`
	TenantID       string              `json:"tenant_id"`
	Name           string              `json:"name"`
	Description    string              `json:"description,omitempty"`
	Capabilities   []jobs.Capability   `json:"capabilities"`
	Target         string              `json:"target"`
	Config         map[string]any      `json:"config,omitempty"`
	CronExpression string              `json:"cron_expression"`
	Timezone       string              `json:"timezone"`
	Enabled        bool                `json:"enabled"`
	LastRunAt      *time.Time          `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time          `json:"next_run_at,omitempty"`
	RunCount       int                 `json:"run_count"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Filter narrows List.
type Filter struct {
	TenantID     string
	Admin        bool
	EnabledOnly  bool
}
