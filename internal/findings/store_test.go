package findings

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleFinding() Finding {
	return Finding{
		TenantID:    "tenant-a",
		Capability:  "email_audit",
		Severity:    SeverityHigh,
		Title:       "open relay detected",
		Description: "SMTP relay accepts unauthenticated mail",
		Evidence:    map[string]any{"job_id": "job-1", "host": "mail.example.com"},
		RiskScore:   72,
		Target:      "example.com",
	}
}

func TestUpsertFindingIdempotent(t *testing.T) {
	st := newTestStore(t)
	f := sampleFinding()

	first, err := st.UpsertFinding(f)
	require.NoError(t, err)
	require.Equal(t, StatusActive, first.Status)

	second, err := st.UpsertFinding(f)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	active, err := st.ListActive(Filter{TenantID: "tenant-a"}, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestUpsertFindingDedupesAcrossJobs(t *testing.T) {
	st := newTestStore(t)
	f := sampleFinding()

	first, err := st.UpsertFinding(f)
	require.NoError(t, err)

	// The same observation re-emitted by a later Job carries a new job_id;
	// identity must not change with it.
	f.Evidence = map[string]any{"job_id": "job-2", "host": "mail.example.com"}
	second, err := st.UpsertFinding(f)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	active, err := st.ListActive(Filter{TenantID: "tenant-a"}, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestUpsertFindingRescoresActive(t *testing.T) {
	st := newTestStore(t)
	f := sampleFinding()

	first, err := st.UpsertFinding(f)
	require.NoError(t, err)

	f.Severity = SeverityCritical
	f.RiskScore = 95
	second, err := st.UpsertFinding(f)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, SeverityCritical, second.Severity)
	require.Equal(t, 95, second.RiskScore)
}

func TestResolvedFindingNeverReopensViaUpsert(t *testing.T) {
	st := newTestStore(t)
	f := sampleFinding()
	inserted, err := st.UpsertFinding(f)
	require.NoError(t, err)

	_, err = st.Resolve(inserted.ID, StatusResolved, "alice")
	require.NoError(t, err)

	// re-emission of the same finding must not reopen it
	reemitted, err := st.UpsertFinding(f)
	require.NoError(t, err)
	require.Equal(t, StatusResolved, reemitted.Status)

	fetched, err := st.GetFinding(inserted.ID, "tenant-a", false)
	require.NoError(t, err)
	require.Equal(t, StatusResolved, fetched.Status)
	reobs, ok := fetched.Evidence["reobservations"].([]any)
	require.True(t, ok)
	require.Len(t, reobs, 1)
}

func TestResolveIdempotentForSameStatus(t *testing.T) {
	st := newTestStore(t)
	f := sampleFinding()
	inserted, err := st.UpsertFinding(f)
	require.NoError(t, err)

	first, err := st.Resolve(inserted.ID, StatusFalsePositive, "bob")
	require.NoError(t, err)

	second, err := st.Resolve(inserted.ID, StatusFalsePositive, "bob")
	require.NoError(t, err)
	require.Equal(t, first.ResolvedAt, second.ResolvedAt)
}

func TestResolveAwardsRemediatedIndicatorOnce(t *testing.T) {
	st := newTestStore(t)
	f := sampleFinding()
	inserted, err := st.UpsertFinding(f)
	require.NoError(t, err)

	_, err = st.Resolve(inserted.ID, StatusResolved, "alice")
	require.NoError(t, err)

	indicators, err := st.ListPositiveIndicators("tenant-a", false, 10)
	require.NoError(t, err)
	require.Len(t, indicators, 1)
	require.Equal(t, IndicatorRemediated, indicators[0].IndicatorType)
	require.Equal(t, remediatedPoints(SeverityHigh), indicators[0].PointsAwarded)

	// re-resolving with the same status must not award it twice.
	_, err = st.Resolve(inserted.ID, StatusResolved, "alice")
	require.NoError(t, err)
	indicators, err = st.ListPositiveIndicators("tenant-a", false, 10)
	require.NoError(t, err)
	require.Len(t, indicators, 1)
}

func TestResolveRejectsInvalidStatus(t *testing.T) {
	st := newTestStore(t)
	f := sampleFinding()
	inserted, err := st.UpsertFinding(f)
	require.NoError(t, err)

	_, err = st.Resolve(inserted.ID, StatusActive, "bob")
	require.ErrorIs(t, err, ErrInvalidResolution)
}

func TestListCriticalFiltersBySeverityAndStatus(t *testing.T) {
	st := newTestStore(t)
	high := sampleFinding()
	_, err := st.UpsertFinding(high)
	require.NoError(t, err)

	low := sampleFinding()
	low.Title = "minor misconfiguration"
	low.Severity = SeverityLow
	low.RiskScore = 10
	_, err = st.UpsertFinding(low)
	require.NoError(t, err)

	crit, err := st.ListCritical("tenant-a", false, 10)
	require.NoError(t, err)
	require.Len(t, crit, 1)
	require.Equal(t, SeverityHigh, crit[0].Severity)
}

func TestListByJobScansEvidenceJobID(t *testing.T) {
	st := newTestStore(t)
	f := sampleFinding()
	_, err := st.UpsertFinding(f)
	require.NoError(t, err)

	byJob, err := st.ListByJob("job-1")
	require.NoError(t, err)
	require.Len(t, byJob, 1)

	none, err := st.ListByJob("job-missing")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestPositiveIndicatorsAppendOnly(t *testing.T) {
	st := newTestStore(t)
	_, err := st.InsertPositiveIndicator(PositiveIndicator{
		TenantID:      "tenant-a",
		IndicatorType: IndicatorNoVulnerabilities,
		Category:      "exposure",
		PointsAwarded: 5,
	})
	require.NoError(t, err)

	list, err := st.ListPositiveIndicators("tenant-a", false, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestResolvedCountsBySeverity(t *testing.T) {
	st := newTestStore(t)
	f := sampleFinding()
	inserted, err := st.UpsertFinding(f)
	require.NoError(t, err)
	_, err = st.Resolve(inserted.ID, StatusResolved, "alice")
	require.NoError(t, err)

	counts, err := st.ResolvedCountsBySeverity("tenant-a", false)
	require.NoError(t, err)
	require.Equal(t, 1, counts[StatusResolved][SeverityHigh])
}

func TestPostureScoreUnsetReturnsNil(t *testing.T) {
	st := newTestStore(t)
	score, err := st.PostureScore("tenant-a")
	require.NoError(t, err)
	require.Nil(t, score)
}

func TestSetPostureScoreReplacesPrior(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.SetPostureScore("tenant-a", 75))
	require.NoError(t, st.SetPostureScore("tenant-a", 90))

	score, err := st.PostureScore("tenant-a")
	require.NoError(t, err)
	require.NotNil(t, score)
	require.Equal(t, 90, *score)
}

func TestComputePostureScoreDeductsActiveFindings(t *testing.T) {
	st := newTestStore(t)

	score, err := st.ComputePostureScore("tenant-a")
	require.NoError(t, err)
	require.Equal(t, 100, score, "no findings means a clean slate")

	high := sampleFinding()
	inserted, err := st.UpsertFinding(high)
	require.NoError(t, err)

	low := sampleFinding()
	low.Title = "minor misconfiguration"
	low.Severity = SeverityLow
	_, err = st.UpsertFinding(low)
	require.NoError(t, err)

	score, err = st.ComputePostureScore("tenant-a")
	require.NoError(t, err)
	require.Equal(t, 100-remediatedPoints(SeverityHigh)-remediatedPoints(SeverityLow), score)

	// Resolution restores the deduction.
	_, err = st.Resolve(inserted.ID, StatusResolved, "alice")
	require.NoError(t, err)
	score, err = st.ComputePostureScore("tenant-a")
	require.NoError(t, err)
	require.Equal(t, 100-remediatedPoints(SeverityLow), score)
}

func TestGetFindingPermissionDenied(t *testing.T) {
	st := newTestStore(t)
	f := sampleFinding()
	inserted, err := st.UpsertFinding(f)
	require.NoError(t, err)

	_, err = st.GetFinding(inserted.ID, "tenant-b", false)
	require.ErrorIs(t, err, ErrPermissionDenied)
}
