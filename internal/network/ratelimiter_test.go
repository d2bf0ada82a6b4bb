package network

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterAllowsUnderLimit(t *testing.T) {
	l := NewLimiter(5, 3)

	for i := 0; i < 3; i++ {
		d := l.Check("9.9.9.9", "/api/jobs")
		require.True(t, d.Allowed, "request %d should be allowed", i)
	}
}

func TestLimiterDeniesOverEndpointLimit(t *testing.T) {
	l := NewLimiter(100, 2)

	require.True(t, l.Check("9.9.9.9", "/api/jobs").Allowed)
	require.True(t, l.Check("9.9.9.9", "/api/jobs").Allowed)

	d := l.Check("9.9.9.9", "/api/jobs")
	require.False(t, d.Allowed)
	require.Equal(t, 60, d.RetryAfter)
	require.Equal(t, 2, d.Limit)
	require.Contains(t, d.Reason, "endpoint")

	// A different endpoint for the same IP is an independent window.
	require.True(t, l.Check("9.9.9.9", "/api/findings").Allowed)
}

func TestLimiterDeniesOverIPLimit(t *testing.T) {
	l := NewLimiter(3, 100)

	for i := 0; i < 3; i++ {
		d := l.Check("8.8.8.8", fmt.Sprintf("/api/endpoint-%d", i))
		require.True(t, d.Allowed)
	}

	d := l.Check("8.8.8.8", "/api/endpoint-9")
	require.False(t, d.Allowed)
	require.Equal(t, "IP rate limit exceeded", d.Reason)
	require.Equal(t, 60, d.RetryAfter)
	require.Equal(t, 3, d.Current)

	// Other IPs are unaffected.
	require.True(t, l.Check("8.8.4.4", "/api/endpoint-9").Allowed)
}

func TestLimiterDeniedRequestDoesNotConsumeEndpointSlot(t *testing.T) {
	l := NewLimiter(2, 100)

	require.True(t, l.Check("7.7.7.7", "/a").Allowed)
	require.True(t, l.Check("7.7.7.7", "/b").Allowed)
	require.False(t, l.Check("7.7.7.7", "/c").Allowed)

	l.mu.Lock()
	_, ok := l.epWindows["7.7.7.7|/c"]
	l.mu.Unlock()
	require.False(t, ok, "an IP-denied request must not record an endpoint sample")
}

func TestLimiterZeroConfigUsesDefaults(t *testing.T) {
	l := NewLimiter(0, 0)
	require.Equal(t, DefaultIPLimit, l.ipLimit)
	require.Equal(t, DefaultEndpointLimit, l.endpointLimit)
}

func TestEvictWindowBoundary(t *testing.T) {
	now := time.Now()
	samples := []time.Time{
		now.Add(-61 * time.Second),             // outside
		now.Add(-60*time.Second - time.Millisecond), // just outside
		now.Add(-60 * time.Second),             // exactly on the boundary: counts
		now.Add(-30 * time.Second),
		now,
	}

	kept := evict(samples, now)
	require.Len(t, kept, 3)
	require.Equal(t, now.Add(-60*time.Second), kept[0])
}

func TestEvictNoOpKeepsSlice(t *testing.T) {
	now := time.Now()
	samples := []time.Time{now.Add(-time.Second), now}
	kept := evict(samples, now)
	require.Len(t, kept, 2)
}
