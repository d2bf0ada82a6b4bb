package capability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blackflagsec/sentinel/internal/jobs"
)

func TestRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	exec := func(ctx context.Context, tenantID, target string, config map[string]any, sink ProgressSink) (Result, error) {
		return Result{}, nil
	}

	require.NoError(t, reg.Register(jobs.CapabilityEmailAudit, exec))

	found, ok := reg.Lookup(jobs.CapabilityEmailAudit)
	require.True(t, ok)
	require.NotNil(t, found)

	_, ok = reg.Lookup(jobs.CapabilityNetworkSecurity)
	require.False(t, ok)
}

func TestRegisterRejectsUnknownCapability(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(jobs.Capability("made_up"), func(ctx context.Context, tenantID, target string, config map[string]any, sink ProgressSink) (Result, error) {
		return Result{}, nil
	})
	require.Error(t, err)
}

func TestRegisterRejectsNilExecutor(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(jobs.CapabilityEmailAudit, nil)
	require.Error(t, err)
}

func TestRegisteredListsAll(t *testing.T) {
	reg := NewRegistry()
	noop := func(ctx context.Context, tenantID, target string, config map[string]any, sink ProgressSink) (Result, error) {
		return Result{}, nil
	}
	require.NoError(t, reg.Register(jobs.CapabilityEmailAudit, noop))
	require.NoError(t, reg.Register(jobs.CapabilityInvestigation, noop))

	require.ElementsMatch(t, []jobs.Capability{jobs.CapabilityEmailAudit, jobs.CapabilityInvestigation}, reg.Registered())
}
