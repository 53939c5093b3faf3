package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, 2, cfg.TenantConcurrency)
	assert.Equal(t, "redis", cfg.BrokerRelay, "api and worker run as separate processes")
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
database_driver: sqlite
tenant_concurrency: 3
tenant_concurrency_overrides:
  big-tenant: 10
worker_poll_interval: 250ms
broker_relay: redis
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("TENANT_CONCURRENCY", "4")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, 4, cfg.TenantConcurrency, "env overrides file")
	assert.Equal(t, 10, cfg.TenantConcurrencyOverrides["big-tenant"])
	assert.Equal(t, 250*time.Millisecond, cfg.WorkerPollInterval)
	assert.Equal(t, "redis", cfg.BrokerRelay)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("BROKER_RELAY", "kafka")
	_, err := Load()
	assert.Error(t, err)
}

func TestGetEnvIntMap(t *testing.T) {
	t.Setenv("OVERRIDES", "a=1, b = 2,broken,c=x")
	got := getEnvIntMap("OVERRIDES", nil)
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, got)
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, Config{Env: "test", LogFormat: "json", LogLevel: "debug"})
	logger.Debug("hello", "task_id", "t1")
	assert.True(t, strings.Contains(buf.String(), `"task_id":"t1"`), buf.String())
}
