package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, "stormkeep.db", cfg.Database.Path)
	require.Equal(t, 100, cfg.Default.Limit)
	require.Equal(t, 60, cfg.Default.WindowSeconds)
	require.False(t, cfg.Default.Sliding)
	require.Equal(t, 50, cfg.Abuse.BurstThreshold)
	require.Equal(t, 10, cfg.Abuse.BurstWindowSeconds)
	require.Equal(t, 5.0, cfg.Abuse.BurstMultiplier)
	require.Equal(t, 3600, cfg.Abuse.AutobanSeconds)
	require.Equal(t, 3600, cfg.Reputation.IPTTLSeconds)
	require.Equal(t, "https://check.torproject.org/torbulkexitlist", cfg.Reputation.Tor.URL)
	require.Equal(t, 3600, cfg.Reputation.Tor.IntervalSeconds)
	require.Equal(t, 10, cfg.Reputation.Tor.FetchTimeoutSeconds)
	require.Equal(t, 5000, cfg.Reputation.Providers.TimeoutMs)
	require.Equal(t, 600, cfg.JanitorSeconds)
	require.Equal(t, 30, cfg.LogRetentionDays)
}

func TestLoad_MergesWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stormkeep.yaml")
	yaml := `
server:
  addr: ":9090"
  admin_token: "secret"
default_limit:
  limit: 3
  window_seconds: 30
  sliding: true
abuse:
  burst_threshold: 5
geo:
  enabled: true
  blocked_countries: ["RU", "KP"]
reputation:
  ip_ttl_seconds: 120
  providers:
    ipinfo_token: "tok"
log_all_requests: true
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.Server.Addr)
	require.Equal(t, "secret", cfg.Server.AdminToken)
	require.Equal(t, 3, cfg.Default.Limit)
	require.Equal(t, 30, cfg.Default.WindowSeconds)
	require.True(t, cfg.Default.Sliding)
	require.Equal(t, 5, cfg.Abuse.BurstThreshold)
	require.True(t, cfg.Geo.Enabled)
	require.Equal(t, []string{"RU", "KP"}, cfg.Geo.BlockedCountries)
	require.Equal(t, 120, cfg.Reputation.IPTTLSeconds)
	require.Equal(t, "tok", cfg.Reputation.Providers.IPInfoToken)
	require.True(t, cfg.LogAllRequests)

	// Unset knobs fall back to defaults.
	require.Equal(t, "stormkeep.db", cfg.Database.Path)
	require.Equal(t, 10, cfg.Abuse.BurstWindowSeconds)
	require.Equal(t, 5.0, cfg.Abuse.BurstMultiplier)
	require.Equal(t, 5000, cfg.Reputation.Providers.TimeoutMs)
	require.Equal(t, 30, cfg.LogRetentionDays)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestMustEnv(t *testing.T) {
	t.Setenv("STORMKEEP_TEST_VAR", "")
	require.Equal(t, "fallback", MustEnv("STORMKEEP_TEST_VAR", "fallback"))

	t.Setenv("STORMKEEP_TEST_VAR", "set")
	require.Equal(t, "set", MustEnv("STORMKEEP_TEST_VAR", "fallback"))
}
