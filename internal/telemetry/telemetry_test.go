package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersWithoutPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	m.JobsDispatched.WithLabelValues("email_audit", "succeeded").Inc()
	m.GatekeeperBlock.WithLabelValues("ip").Inc()
	m.QueueDepth.WithLabelValues("email_audit").Set(3)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
