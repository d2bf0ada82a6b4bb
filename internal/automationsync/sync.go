// Package automationsync translates a tenant's automation configuration
// into the set of ScheduledSearches that should exist for it: an
// idempotent, replay-safe sync over one well-known name per capability.
package automationsync

import (
	"fmt"
	"strings"

	"github.com/blackflagsec/sentinel/internal/jobs"
	"github.com/blackflagsec/sentinel/internal/scheduledsearch"
)

// autoPrefix names every ScheduledSearch this sync owns: exactly one
// "auto-<capability>" definition per enabled capability.
const autoPrefix = "auto-"

// Schedule is the cron trigger shared by every capability this sync manages
// for a tenant.
type Schedule struct {
	Cron     string
	Timezone string
}

// CapabilityAutomation is one capability's automation settings within a
// CompanyProfile.
type CapabilityAutomation struct {
	Enabled bool
	Config  map[string]any
	Targets []string // optional per-capability override; Targets[0] wins when present
}

// AutomationConfig is the subset of a CompanyProfile this sync consumes.
type AutomationConfig struct {
	Schedule     Schedule
	Capabilities map[jobs.Capability]CapabilityAutomation
}

// CompanyProfile carries a tenant's automation intent.
type CompanyProfile struct {
	TenantID      string
	PrimaryDomain string
	Automation    AutomationConfig
}

func autoName(cap jobs.Capability) string {
	return autoPrefix + string(cap)
}

// Sync reconciles profile's AutomationConfig against the Scheduled-Search
// Store for profile.TenantID. It is idempotent: replaying the same
// profile produces no further changes. ScheduledSearches this sync
// previously created but whose capability is no longer enabled are disabled,
// never deleted, preserving their run history.
func Sync(store *scheduledsearch.Store, profile CompanyProfile) ([]scheduledsearch.ScheduledSearch, error) {
	existing, err := store.List(scheduledsearch.Filter{TenantID: profile.TenantID, Admin: true})
	if err != nil {
		return nil, fmt.Errorf("list existing scheduled searches: %w", err)
	}

	byName := make(map[string]scheduledsearch.ScheduledSearch, len(existing))
	for _, ss := range existing {
		if strings.HasPrefix(ss.Name, autoPrefix) {
			byName[ss.Name] = ss
		}
	}

	var result []scheduledsearch.ScheduledSearch
	managed := make(map[string]bool)

	for cap, automation := range profile.Automation.Capabilities {
		name := autoName(cap)
		managed[name] = true

		if !automation.Enabled {
			if ex, ok := byName[name]; ok && ex.Enabled {
				if err := store.SetEnabled(ex.ID, false); err != nil {
					return nil, fmt.Errorf("disable %s: %w", name, err)
				}
			}
			continue
		}

		target := profile.PrimaryDomain
		if len(automation.Targets) > 0 {
			target = automation.Targets[0]
		}

		if ex, ok := byName[name]; ok {
			ex.Target = target
			ex.Config = automation.Config
			ex.CronExpression = profile.Automation.Schedule.Cron
			ex.Timezone = profile.Automation.Schedule.Timezone
			ex.Capabilities = []jobs.Capability{cap}
			ex.Enabled = true
			updated, err := store.Update(ex)
			if err != nil {
				return nil, fmt.Errorf("update %s: %w", name, err)
			}
			result = append(result, *updated)
			continue
		}

		created, err := store.Create(scheduledsearch.ScheduledSearch{
			TenantID:       profile.TenantID,
			Name:           name,
			Capabilities:   []jobs.Capability{cap},
			Target:         target,
			Config:         automation.Config,
			CronExpression: profile.Automation.Schedule.Cron,
			Timezone:       profile.Automation.Schedule.Timezone,
			Enabled:        true,
		})
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", name, err)
		}
		result = append(result, *created)
	}

	// Disable any previously-managed ScheduledSearch whose capability no
	// longer appears in the profile at all.
	for name, ex := range byName {
		if managed[name] || !ex.Enabled {
			continue
		}
		if err := store.SetEnabled(ex.ID, false); err != nil {
			return nil, fmt.Errorf("disable orphaned %s: %w", name, err)
		}
	}

	return result, nil
}
