package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestUpsertAndGetJob(t *testing.T) {
	st := newTestStore(t)

	job := Job{
		TenantID:   "tenant-a",
		Capability: CapabilityExposureDiscovery,
		Target:     "example.com",
		Status:     StatusPending,
		Priority:   PriorityNormal,
		Config:     map[string]any{"depth": float64(2)},
	}
	require.NoError(t, st.UpsertJob(job))

	listed, err := st.ListJobs(Filter{TenantID: "tenant-a"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.NotEmpty(t, listed[0].ID)

	fetched, err := st.GetJob(listed[0].ID, "tenant-a", false)
	require.NoError(t, err)
	require.Equal(t, "example.com", fetched.Target)
	require.Equal(t, StatusPending, fetched.Status)
	require.Equal(t, float64(2), fetched.Config["depth"])
}

func TestGetJobPermissionDenied(t *testing.T) {
	st := newTestStore(t)

	job := Job{ID: "job-perm", TenantID: "tenant-a", Capability: CapabilityEmailAudit, Target: "x", Status: StatusPending}
	require.NoError(t, st.UpsertJob(job))

	_, err := st.GetJob(job.ID, "tenant-b", false)
	require.ErrorIs(t, err, ErrPermissionDenied)

	// admin bypasses tenant scoping
	fetched, err := st.GetJob(job.ID, "tenant-b", true)
	require.NoError(t, err)
	require.Equal(t, "x", fetched.Target)
}

func TestGetJobNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetJob("missing-id", "tenant-a", false)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListJobsFilterAndOrder(t *testing.T) {
	st := newTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, cap := range []Capability{CapabilityEmailAudit, CapabilityNetworkSecurity, CapabilityEmailAudit} {
		j := Job{
			TenantID:   "tenant-a",
			Capability: cap,
			Target:     "t",
			Status:     StatusPending,
			CreatedAt:  base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, st.UpsertJob(j))
	}

	all, err := st.ListJobs(Filter{TenantID: "tenant-a"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	// newest first
	require.True(t, all[0].CreatedAt.After(all[1].CreatedAt))

	emailOnly, err := st.ListJobs(Filter{TenantID: "tenant-a", Capability: CapabilityEmailAudit}, 10, 0)
	require.NoError(t, err)
	require.Len(t, emailOnly, 2)

	count, err := st.CountJobs(Filter{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestListJobsCrossTenantRequiresAdmin(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.UpsertJob(Job{TenantID: "tenant-a", Capability: CapabilityEmailAudit, Target: "t", Status: StatusPending}))
	require.NoError(t, st.UpsertJob(Job{TenantID: "tenant-b", Capability: CapabilityEmailAudit, Target: "t", Status: StatusPending}))

	scoped, err := st.ListJobs(Filter{TenantID: "tenant-a"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, scoped, 1)

	all, err := st.ListJobs(Filter{Admin: true}, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestUpdatePartialLifecycleInvariants(t *testing.T) {
	st := newTestStore(t)
	job := Job{ID: "job-lifecycle", TenantID: "tenant-a", Capability: CapabilityInvestigation, Target: "t", Status: StatusPending}
	require.NoError(t, st.UpsertJob(job))

	queued := StatusQueued
	require.NoError(t, st.UpdatePartial(job.ID, PartialUpdate{Status: &queued}))

	running := StatusRunning
	require.NoError(t, st.UpdatePartial(job.ID, PartialUpdate{Status: &running}))

	fetched, err := st.GetJob(job.ID, "tenant-a", false)
	require.NoError(t, err)
	require.NotNil(t, fetched.StartedAt)

	succeeded := StatusSucceeded
	require.NoError(t, st.UpdatePartial(job.ID, PartialUpdate{Status: &succeeded}))

	fetched, err = st.GetJob(job.ID, "tenant-a", false)
	require.NoError(t, err)
	require.Equal(t, 100, fetched.Progress)
	require.Nil(t, fetched.Error)
	require.NotNil(t, fetched.CompletedAt)

	// no edge out of a terminal state
	pending := StatusPending
	err = st.UpdatePartial(job.ID, PartialUpdate{Status: &pending})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdatePartialFailedRequiresError(t *testing.T) {
	st := newTestStore(t)
	job := Job{ID: "job-failed", TenantID: "tenant-a", Capability: CapabilityInvestigation, Target: "t", Status: StatusRunning}
	require.NoError(t, st.UpsertJob(job))

	failed := StatusFailed
	require.NoError(t, st.UpdatePartial(job.ID, PartialUpdate{Status: &failed}))

	fetched, err := st.GetJob(job.ID, "tenant-a", false)
	require.NoError(t, err)
	require.NotNil(t, fetched.Error)
	require.NotNil(t, fetched.CompletedAt)
}

func TestUpdatePartialProgressIsMonotonic(t *testing.T) {
	st := newTestStore(t)
	job := Job{ID: "job-progress", TenantID: "tenant-a", Capability: CapabilityInvestigation, Target: "t", Status: StatusRunning}
	require.NoError(t, st.UpsertJob(job))

	p70, p40 := 70, 40
	require.NoError(t, st.UpdatePartial(job.ID, PartialUpdate{Progress: &p70}))
	require.NoError(t, st.UpdatePartial(job.ID, PartialUpdate{Progress: &p40}))

	fetched, err := st.GetJob(job.ID, "tenant-a", false)
	require.NoError(t, err)
	require.Equal(t, 70, fetched.Progress)
}

func TestUpdatePartialNotFound(t *testing.T) {
	st := newTestStore(t)
	queued := StatusQueued
	err := st.UpdatePartial("missing", PartialUpdate{Status: &queued})
	require.ErrorIs(t, err, ErrNotFound)
}
