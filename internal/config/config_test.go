package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://gate@localhost/gate")
	cfg := Load()

	require.True(t, cfg.MessagingEnabled)
	require.False(t, cfg.DebugMode)
	require.Equal(t, 24*time.Hour, cfg.SessionWindow)
	require.Equal(t, 10*time.Second, cfg.ProviderSendTimeout)
	require.Equal(t, 5*time.Second, cfg.ProviderProbeTimeout)
	require.Equal(t, 200*time.Millisecond, cfg.Worker.PollInterval)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://gate@localhost/gate")
	t.Setenv("MESSAGING_ENABLED", "false")
	t.Setenv("DEBUG_MODE", "true")
	t.Setenv("SESSION_WINDOW", "2h")
	t.Setenv("WORKER_POLL_MS", "50")
	t.Setenv("PROVIDER_QPS", "2.5")

	cfg := Load()
	require.False(t, cfg.MessagingEnabled)
	require.True(t, cfg.DebugMode)
	require.Equal(t, 2*time.Hour, cfg.SessionWindow)
	require.Equal(t, 50*time.Millisecond, cfg.Worker.PollInterval)
	require.InDelta(t, 2.5, cfg.Worker.ProviderQPS, 0.0001)
}

func TestValidateRejectsMissingDatabaseAndBadWindow(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SESSION_WINDOW", "-1h")

	err := Load().Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "DATABASE_URL")
	require.Contains(t, err.Error(), "SESSION_WINDOW")
}
