package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, "http://127.0.0.1:8080", cfg.Server.LocalBaseURL())
	assert.Equal(t, "default", cfg.Scope.TenantID)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 9090
  base_url: http://agents.internal:9090
store:
  driver: postgres
  dsn: postgres://localhost/agents
scope:
  tenant_id: t1
  project_id: p1
  agent_id: support
card:
  name: support
  version: 1.2.0
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
	assert.Equal(t, "http://agents.internal:9090", cfg.Server.LocalBaseURL())
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "support", cfg.Scope.AgentID)
	assert.Equal(t, "1.2.0", cfg.Card.Version)
	// File values merge over defaults.
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTS_SERVER__PORT", "7070")
	t.Setenv("AGENTS_LOGGING__FORMAT", "json")
	t.Setenv("AGENTS_SCOPE__TENANT_ID", "acme")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "acme", cfg.Scope.TenantID)
}

func TestValidate(t *testing.T) {
	_, err := Load(writeConfig(t, "store:\n  driver: postgres\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.dsn")

	_, err = Load(writeConfig(t, "store:\n  driver: sqlite\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store driver")

	_, err = Load(writeConfig(t, "server:\n  port: -1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")

	_, err = Load(writeConfig(t, "sandbox:\n  provider: firecracker\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sandbox provider")
}
