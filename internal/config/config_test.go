package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blackflagsec/sentinel/internal/network"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, 90, cfg.Network.LogTTLDays)
	require.True(t, cfg.Network.EnableBlocking)
	require.Equal(t, int64(1<<20), cfg.Network.MaxBodySize)
}

func TestLoadOverlaysEnv(t *testing.T) {
	t.Setenv("SENTINEL_LISTEN_ADDR", ":9090")
	t.Setenv("NETWORK_RATE_LIMIT_IP", "42")
	t.Setenv("NETWORK_ENABLE_BLOCKING", "false")
	t.Setenv("NETWORK_TUNNEL_CONFIDENCE_THRESHOLD", "confirmed")
	t.Setenv("DARKWEB_MAX_WORKERS", "10")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.ListenAddr)
	require.Equal(t, 42, cfg.Network.RateLimitIP)
	require.False(t, cfg.Network.EnableBlocking)
	require.Equal(t, network.ConfidenceConfirmed, cfg.Network.TunnelConfidenceMin)
	require.Equal(t, 10, cfg.Darkweb.MaxWorkers)
}

func TestLoadFromEnvIgnoresMissingFile(t *testing.T) {
	cfg := LoadFromEnv()
	require.Equal(t, Default().DataDir, cfg.DataDir)
}

func TestLoadRejectsUnreadableFile(t *testing.T) {
	_, err := Load("/nonexistent/path/to/config.json")
	require.Error(t, err)
}
