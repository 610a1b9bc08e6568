package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sentinel/pkg/arbitration"
	"github.com/Mindburn-Labs/sentinel/pkg/config"
)

var keys = []string{
	"SENTINEL_DATA_DIR", "SENTINEL_LEDGER_PATH", "SENTINEL_STATE_PATH", "LOG_LEVEL",
	"SENTINEL_CLASSIFICATION_WINDOW_MS", "SENTINEL_WATCHDOG_INTERVAL_MS", "SENTINEL_WATCHDOG_TIMEOUT_MS",
	"SENTINEL_HEARTBEAT_TIMEOUT_MS", "SENTINEL_CURSOR_TOLERANCE_PX", "SENTINEL_SETTLE_DELAY_MS",
	"SENTINEL_ACTIONS_PER_SECOND", "SENTINEL_POLICY_PROFILE", "SENTINEL_AUDIT_INDEX_DSN",
	"SENTINEL_REDIS_URL", "SENTINEL_SIGNING_SEED", "OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT",
}

func clean(t *testing.T) {
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clean(t)

	cfg := config.Load()

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, filepath.Join("data", "audit.jsonl"), filepath.Clean(cfg.LedgerPath))
	assert.Equal(t, filepath.Join("data", "authority.json"), filepath.Clean(cfg.StatePath))
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, arbitration.DefaultConfig(), cfg.Arbitration())
	assert.Equal(t, 5*time.Second, cfg.HeartbeatTimeout)
	assert.Zero(t, cfg.CursorTolerance, "verification is exact unless configured")
	assert.Equal(t, 10.0, cfg.ActionsPerSecond)
	assert.Nil(t, cfg.SigningSeed)
	assert.False(t, cfg.OTelEnabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	clean(t)
	t.Setenv("SENTINEL_DATA_DIR", "/var/lib/sentinel")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("SENTINEL_CLASSIFICATION_WINDOW_MS", "150")
	t.Setenv("SENTINEL_WATCHDOG_INTERVAL_MS", "250")
	t.Setenv("SENTINEL_WATCHDOG_TIMEOUT_MS", "2000")
	t.Setenv("SENTINEL_ACTIONS_PER_SECOND", "2.5")
	t.Setenv("SENTINEL_CURSOR_TOLERANCE_PX", "3")
	t.Setenv("SENTINEL_SIGNING_SEED", "000102030405060708090a0b0c0d0e0f")
	t.Setenv("SENTINEL_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("OTEL_ENABLED", "true")

	cfg := config.Load()

	assert.Equal(t, "/var/lib/sentinel/audit.jsonl", cfg.LedgerPath)
	assert.Equal(t, 150*time.Millisecond, cfg.ClassificationWindow)
	assert.Equal(t, 2*time.Second, cfg.WatchdogTimeout)
	assert.Equal(t, 2.5, cfg.ActionsPerSecond)
	assert.Equal(t, 3, cfg.CursorTolerance)
	assert.Len(t, cfg.SigningSeed, 16)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.True(t, cfg.Observability().Enabled)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MalformedFallsBack(t *testing.T) {
	clean(t)
	t.Setenv("SENTINEL_WATCHDOG_TIMEOUT_MS", "soon")
	t.Setenv("SENTINEL_SIGNING_SEED", "not-hex")

	cfg := config.Load()

	assert.Equal(t, arbitration.DefaultConfig().WatchdogTimeout, cfg.WatchdogTimeout)
	assert.Nil(t, cfg.SigningSeed)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"window not below timeout", map[string]string{
			"SENTINEL_CLASSIFICATION_WINDOW_MS": "3000",
			"SENTINEL_WATCHDOG_TIMEOUT_MS":      "3000",
		}},
		{"zero heartbeat", map[string]string{"SENTINEL_HEARTBEAT_TIMEOUT_MS": "0"}},
		{"negative tolerance", map[string]string{"SENTINEL_CURSOR_TOLERANCE_PX": "-1"}},
		{"short seed", map[string]string{"SENTINEL_SIGNING_SEED": "0001"}},
		{"bad log level", map[string]string{"LOG_LEVEL": "LOUD"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clean(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			assert.Error(t, config.Load().Validate())
		})
	}
}

func TestProfile(t *testing.T) {
	clean(t)
	cfg := config.Load()
	p, err := cfg.Profile()
	require.NoError(t, err)
	assert.NotEmpty(t, p.AllowedApps)

	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: kiosk\nallowed_apps: [firefox]\n"), 0o600))
	cfg.PolicyProfile = path
	p, err = cfg.Profile()
	require.NoError(t, err)
	assert.Equal(t, "kiosk", p.Name)
	assert.Equal(t, []string{"firefox"}, p.AllowedApps)

	cfg.PolicyProfile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = cfg.Profile()
	assert.Error(t, err)
}
