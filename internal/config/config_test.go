package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
environment: development
backend:
  base_url: "http://localhost:9080/api"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "http://localhost:9080/api", cfg.Backend.BaseURL)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Server.ReadTimeout)
	assert.Equal(t, 30, cfg.Backend.Timeout)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "localhost", cfg.Redis.Host)
	assert.Equal(t, "light", cfg.Dashboard.DefaultColorMode)
	assert.Equal(t, "lg", cfg.Dashboard.DefaultBreakpoint)
	assert.Equal(t, 10, cfg.Dashboard.DefaultTablePageSize)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadFileValuesOverrideDefaults(t *testing.T) {
	path := writeConfigFile(t, `
environment: production
server:
  port: 9090
backend:
  base_url: "https://reports.example.com/api"
  timeout: 10
redis:
  enabled: true
  host: redis.internal
dashboard:
  default_table_page_size: 25
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Backend.Timeout)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, 25, cfg.Dashboard.DefaultTablePageSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
backend:
  base_url: "http://localhost:9080/api"
`)
	t.Setenv("BACKEND_BASE_URL", "https://override.example.com/api")
	t.Setenv("REDIS_HOST", "redis.override")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://override.example.com/api", cfg.Backend.BaseURL)
	assert.Equal(t, "redis.override", cfg.Redis.Host)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
