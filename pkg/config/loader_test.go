package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFlockYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "flock.yaml"), []byte(content), 0644)
	require.NoError(t, err)
	return dir
}

func TestInitializeDefaults(t *testing.T) {
	// An empty directory is a complete configuration.
	configDir := t.TempDir()

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)

	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, filepath.Join("./data", "flock.db"), cfg.Store.Path)
	assert.Equal(t, 10000, cfg.Bus.ReplaySize)
	assert.Equal(t, 0.75, cfg.Budget.WarnPct)
	assert.Equal(t, 0.90, cfg.Budget.ThrottlePct)
	assert.Equal(t, 1.00, cfg.Budget.HardPct)
	assert.Equal(t, 20, cfg.Lifecycle.MaxConcurrentAgents)
	assert.Equal(t, 128, cfg.Gateway.SendQueueDepth)
	assert.Equal(t, "local", cfg.Runtime.Provider)
	assert.False(t, cfg.Improve.Enabled)
}

func TestInitializeMergesUserSections(t *testing.T) {
	configDir := writeFlockYAML(t, `
server:
  port: 9090

store:
  backend: memory

lifecycle:
  max_concurrent_agents: 5
  retry_base_delay: 2s

budget:
  global_daily_cost_cap: 10.5
  pricing:
    test-model:
      input_per_million: 1.0
      output_per_million: 2.0
`)

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)
	require.NoError(t, err)

	// Overridden values
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 5, cfg.Lifecycle.MaxConcurrentAgents)
	assert.Equal(t, 2*time.Second, cfg.Lifecycle.RetryBaseDelay)
	assert.Equal(t, 10.5, cfg.Budget.GlobalDailyCostCap)
	assert.Equal(t, 1.0, cfg.Budget.Pricing["test-model"].InputPerMillion)

	// Untouched defaults survive the merge
	assert.Equal(t, 5*time.Minute, cfg.Lifecycle.RetryMaxDelay)
	assert.Equal(t, 0.75, cfg.Budget.WarnPct)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
}

func TestInitializeEnvOverrides(t *testing.T) {
	configDir := writeFlockYAML(t, `
gateway:
  url: ws://from-yaml:1234/ws
  token: yaml-token

lifecycle:
  max_concurrent_agents: 5
`)

	t.Setenv("GATEWAY_URL", "ws://from-env:9999/ws")
	t.Setenv("GATEWAY_TOKEN", "env-token")
	t.Setenv("DB_PATH", "/tmp/env-flock.db")
	t.Setenv("DATA_DIR", "/tmp/env-data")
	t.Setenv("MAX_CONCURRENT_AGENTS", "7")
	t.Setenv("GLOBAL_DAILY_COST_CAP", "2.5")

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)
	require.NoError(t, err)

	assert.Equal(t, "ws://from-env:9999/ws", cfg.Gateway.URL)
	assert.Equal(t, "env-token", cfg.Gateway.Token)
	assert.Equal(t, "gateway", cfg.Runtime.Provider)
	assert.Equal(t, "/tmp/env-flock.db", cfg.Store.Path)
	assert.Equal(t, "/tmp/env-data", cfg.Store.DataDir)
	assert.Equal(t, 7, cfg.Lifecycle.MaxConcurrentAgents)
	assert.Equal(t, 2.5, cfg.Budget.GlobalDailyCostCap)
}

func TestInitializeInvalidEnvKeepsConfigured(t *testing.T) {
	configDir := t.TempDir()

	t.Setenv("MAX_CONCURRENT_AGENTS", "not-a-number")
	t.Setenv("GLOBAL_DAILY_COST_CAP", "-3")

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Lifecycle.MaxConcurrentAgents)
	assert.Equal(t, 0.0, cfg.Budget.GlobalDailyCostCap)
}

func TestInitializeInvalidYAML(t *testing.T) {
	configDir := writeFlockYAML(t, `server: [not a mapping`)

	ctx := context.Background()
	_, err := Initialize(ctx, configDir)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestInitializeValidationFailure(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{
			name:    "unknown backend",
			yaml:    "store:\n  backend: etcd\n",
			wantMsg: "store validation failed",
		},
		{
			name:    "gateway url without token",
			yaml:    "gateway:\n  url: ws://gw:8443/ws\n",
			wantMsg: "gateway validation failed",
		},
		{
			name:    "ladder out of order",
			yaml:    "budget:\n  warn_pct: 0.95\n  throttle_pct: 0.5\n",
			wantMsg: "budget validation failed",
		},
		{
			name:    "improve enabled without allow-list",
			yaml:    "improve:\n  enabled: true\n",
			wantMsg: "improve validation failed",
		},
		{
			name:    "bad log level",
			yaml:    "log:\n  level: loud\n",
			wantMsg: "log validation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configDir := writeFlockYAML(t, tt.yaml)
			_, err := Initialize(context.Background(), configDir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestEnvironmentVariableInterpolationInConfig(t *testing.T) {
	configDir := writeFlockYAML(t, `
gateway:
  url: "{{.TEST_GW_URL}}"
  token: "{{.TEST_GW_TOKEN}}"

store:
  backend: memory
`)

	t.Setenv("TEST_GW_URL", "wss://gw.internal:8443/ws")
	t.Setenv("TEST_GW_TOKEN", "secret-token")

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)

	require.NoError(t, err)
	assert.Equal(t, "wss://gw.internal:8443/ws", cfg.Gateway.URL)
	assert.Equal(t, "secret-token", cfg.Gateway.Token)
}

func TestPostgresSectionMergesDefaults(t *testing.T) {
	configDir := writeFlockYAML(t, `
store:
  backend: postgres
  postgres:
    host: db.internal
    database: flock_prod
    password: "p@ss$word"
`)

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)
	require.NoError(t, err)

	require.NotNil(t, cfg.Store.Postgres)
	assert.Equal(t, "db.internal", cfg.Store.Postgres.Host)
	assert.Equal(t, "flock_prod", cfg.Store.Postgres.Database)
	// Literal $ survives env expansion untouched.
	assert.Equal(t, "p@ss$word", cfg.Store.Postgres.Password)
	// Unset knobs come from defaults.
	assert.Equal(t, 5432, cfg.Store.Postgres.Port)
	assert.Equal(t, 25, cfg.Store.Postgres.MaxOpenConns)
}
