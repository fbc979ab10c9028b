// ABOUTME: Tests for configuration loading, env expansion, and validation.
// ABOUTME: Covers defaults, YAML overrides, and duration parsing errors.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, []string{"memory", "fetch", "task-automation"}, cfg.Isolation.AllowedServers)
	assert.Equal(t, 10, cfg.Isolation.MaxConcurrentRequests)
	assert.Equal(t, int64(50), cfg.Isolation.MaxMemoryMB)
	assert.Equal(t, 30, cfg.Isolation.MaxSkills)
	assert.Equal(t, 60, cfg.Servers.Fetch.RateLimitPerMinute)
	assert.Equal(t, 5, cfg.Broker.MaxReconnects)
	assert.Equal(t, 30*time.Second, cfg.Broker.HeartbeatSweep)
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:9000"
isolation:
  allowed_servers: ["memory"]
  max_concurrent_requests: 3
  max_memory_mb: 8
  max_skills: 5
broker:
  heartbeat_sweep: 5s
  connection_idle: 10m
servers:
  fetch:
    rate_limit_per_minute: 12
    timeout: 2s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, []string{"memory"}, cfg.Isolation.AllowedServers)
	assert.Equal(t, 3, cfg.Isolation.MaxConcurrentRequests)
	assert.Equal(t, 5*time.Second, cfg.Broker.HeartbeatSweep)
	assert.Equal(t, 10*time.Minute, cfg.Broker.ConnectionIdle)
	assert.Equal(t, 12, cfg.Servers.Fetch.RateLimitPerMinute)
	assert.Equal(t, 2*time.Second, cfg.Servers.Fetch.Timeout)

	// Untouched sections keep defaults.
	assert.Equal(t, 24*time.Hour, cfg.Broker.TenantIdle)
	assert.Equal(t, 120, cfg.Servers.Memory.RateLimitPerMinute)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("BROKER_ADDR", "127.0.0.1:7777")
	path := writeConfig(t, `
server:
  http_addr: "${BROKER_ADDR}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7777", cfg.Server.HTTPAddr)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
broker:
  heartbeat_sweep: "soon"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_sweep")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Run("rejects empty allow list", func(t *testing.T) {
		cfg := Default()
		cfg.Isolation.AllowedServers = nil
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects zero concurrency", func(t *testing.T) {
		cfg := Default()
		cfg.Isolation.MaxConcurrentRequests = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects empty http addr", func(t *testing.T) {
		cfg := Default()
		cfg.Server.HTTPAddr = ""
		assert.Error(t, cfg.Validate())
	})
}

func TestDefaultPolicy(t *testing.T) {
	cfg := Default()
	policy := cfg.DefaultPolicy()

	assert.Equal(t, int64(50*1024*1024), policy.MaxMemoryBytes)
	assert.Equal(t, cfg.Isolation.AllowedServers, policy.AllowedServers)

	// The policy holds copies, not the config's slices.
	policy.AllowedServers[0] = "mutated"
	assert.Equal(t, "memory", cfg.Isolation.AllowedServers[0])
}
