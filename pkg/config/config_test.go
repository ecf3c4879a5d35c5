package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "teleguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_addr: "127.0.0.1:9000"
policy:
  rules:
    move:
      window_ms: 1000
      max_requests: 5
`), 0o600))

	t.Setenv("TELEGUARD_LOG_LEVEL", "debug")
	t.Setenv("TELEGUARD_SESSION_MAX_AGE_S", "7200")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.Server.ListenAddr)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 7200, cfg.Session.MaxAgeS)
	require.Equal(t, RuleEntry{WindowMs: 1000, MaxRequests: 5}, cfg.Policy.Rules["move"])

	// Untouched sections keep their defaults.
	require.Equal(t, 100, cfg.Pipeline.PollIntervalMs)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().Server.ListenAddr, cfg.Server.ListenAddr)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Server.ListenAddr = ""
	require.ErrorIs(t, cfg.Validate(), ErrMissingListenAddr)

	cfg = DefaultConfig()
	cfg.Session.MaxAgeS = 5
	require.ErrorIs(t, cfg.Validate(), ErrInvalidSessionAge)

	cfg = DefaultConfig()
	cfg.Policy.OffHoursStart = 99
	require.ErrorIs(t, cfg.Validate(), ErrInvalidOffHours)

	// Defaulting, not rejection, for soft fields.
	cfg = DefaultConfig()
	cfg.Pipeline.PollIntervalMs = 0
	cfg.Tracing.SampleRatio = 4
	require.NoError(t, cfg.Validate())
	require.Equal(t, 100, cfg.Pipeline.PollIntervalMs)
	require.Equal(t, float64(1), cfg.Tracing.SampleRatio)
}
