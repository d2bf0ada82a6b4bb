package automationsync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blackflagsec/sentinel/internal/jobs"
	"github.com/blackflagsec/sentinel/internal/scheduledsearch"
)

func newTestStore(t *testing.T) *scheduledsearch.Store {
	t.Helper()
	st, err := scheduledsearch.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func baseProfile() CompanyProfile {
	return CompanyProfile{
		TenantID:      "tenant-1",
		PrimaryDomain: "example.com",
		Automation: AutomationConfig{
			Schedule: Schedule{Cron: "0 9 * * 1", Timezone: "UTC"},
			Capabilities: map[jobs.Capability]CapabilityAutomation{
				jobs.CapabilityExposureDiscovery: {Enabled: true},
			},
		},
	}
}

func TestSyncCreatesScheduledSearch(t *testing.T) {
	st := newTestStore(t)
	result, err := Sync(st, baseProfile())
	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, "auto-exposure_discovery", result[0].Name)
	require.Equal(t, "example.com", result[0].Target)
	require.True(t, result[0].Enabled)
}

func TestSyncIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	profile := baseProfile()

	first, err := Sync(st, profile)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := Sync(st, profile)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, first[0].ID, second[0].ID)

	all, err := st.List(scheduledsearch.Filter{TenantID: "tenant-1", Admin: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestSyncUsesPerCapabilityTarget(t *testing.T) {
	st := newTestStore(t)
	profile := baseProfile()
	automation := profile.Automation.Capabilities[jobs.CapabilityExposureDiscovery]
	automation.Targets = []string{"override.example.com"}
	profile.Automation.Capabilities[jobs.CapabilityExposureDiscovery] = automation

	result, err := Sync(st, profile)
	require.NoError(t, err)
	require.Equal(t, "override.example.com", result[0].Target)
}

func TestSyncDisablesWithoutDeleting(t *testing.T) {
	st := newTestStore(t)
	profile := baseProfile()

	created, err := Sync(st, profile)
	require.NoError(t, err)
	id := created[0].ID

	automation := profile.Automation.Capabilities[jobs.CapabilityExposureDiscovery]
	automation.Enabled = false
	profile.Automation.Capabilities[jobs.CapabilityExposureDiscovery] = automation

	_, err = Sync(st, profile)
	require.NoError(t, err)

	ss, err := st.Get(id, "tenant-1", true)
	require.NoError(t, err)
	require.False(t, ss.Enabled)
}

func TestSyncDisablesWhenCapabilityDropped(t *testing.T) {
	st := newTestStore(t)
	profile := baseProfile()

	created, err := Sync(st, profile)
	require.NoError(t, err)
	id := created[0].ID

	profile.Automation.Capabilities = map[jobs.Capability]CapabilityAutomation{}
	_, err = Sync(st, profile)
	require.NoError(t, err)

	ss, err := st.Get(id, "tenant-1", true)
	require.NoError(t, err)
	require.False(t, ss.Enabled)
}
