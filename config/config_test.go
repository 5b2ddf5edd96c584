package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	config, err := NewConfig()
	require.NoError(t, err)

	require.Equal(t, "legacy-sync.db", config.SQLitePath)
	require.Equal(t, 30*time.Second, config.SyncInterval.Duration)
	require.Equal(t, 30*time.Second, config.RequestTimeout.Duration)
	require.Equal(t, time.Second, config.BackoffMin.Duration)
	require.Equal(t, time.Minute, config.BackoffMax.Duration)
	require.Equal(t, 5, config.MaxRetries)
	require.Equal(t, "client", config.ConflictPolicy)
	require.True(t, config.StartOnline)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("LEGACY_SYNC_INTERVAL", "5m")
	t.Setenv("LEGACY_SYNC_CONFLICT_POLICY", "server")
	t.Setenv("LEGACY_SYNC_MAX_RETRIES", "2")

	config, err := NewConfig()
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, config.SyncInterval.Duration)
	require.Equal(t, "server", config.ConflictPolicy)
	require.Equal(t, 2, config.MaxRetries)
}

func TestInvalidDuration(t *testing.T) {
	t.Setenv("LEGACY_SYNC_INTERVAL", "soon")
	_, err := NewConfig()
	require.Error(t, err)
}
