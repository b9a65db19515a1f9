package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func loadFromDir(t *testing.T, dir string) (*Config, error) {
	t.Helper()
	// Avoid picking up a config.yaml from the working directory.
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return LoadWithPath(dir)
}

func TestDefaults(t *testing.T) {
	cfg, err := loadFromDir(t, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Server.MaxUncaughtErrors)
	assert.Equal(t, 20, cfg.Agent.MaxAgents)
	assert.Equal(t, 3, cfg.Agent.MaxDepth)
	assert.Equal(t, 6, cfg.Agent.MaxChildren)
	assert.Equal(t, 4*time.Hour, cfg.Agent.SessionTTL)
	assert.Equal(t, 24*time.Hour, cfg.Agent.PausedTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.Delivery.SettleDelay)
	assert.Equal(t, 10*time.Second, cfg.KillSwitch.PollInterval)
	assert.Empty(t, cfg.KillSwitch.Bucket)
	assert.Empty(t, cfg.Bus.NATSURL)
}

func TestBareEnvBindings(t *testing.T) {
	t.Setenv("PORT", "9191")
	t.Setenv("GCS_BUCKET", "agentmux-prod")
	t.Setenv("MAX_AGENTS", "7")
	t.Setenv("MAX_AGENT_DEPTH", "2")
	t.Setenv("MAX_CHILDREN_PER_AGENT", "4")
	t.Setenv("SESSION_TTL_MS", "60000")
	t.Setenv("DELIVERY_SETTLE_MS", "500")
	t.Setenv("SHARED_CONTEXT_DIR", "/srv/shared")

	cfg, err := loadFromDir(t, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "agentmux-prod", cfg.KillSwitch.Bucket)
	assert.Equal(t, 7, cfg.Agent.MaxAgents)
	assert.Equal(t, 2, cfg.Agent.MaxDepth)
	assert.Equal(t, 4, cfg.Agent.MaxChildren)
	assert.Equal(t, time.Minute, cfg.Agent.SessionTTL)
	assert.Equal(t, 500*time.Millisecond, cfg.Delivery.SettleDelay)
	assert.Equal(t, "/srv/shared", cfg.Workspace.SharedContextDir)
}

func TestPrefixedEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	fileCfg := map[string]any{
		"server": map[string]any{"port": 7000},
		"agent":  map[string]any{"maxAgents": 11},
	}
	data, err := yaml.Marshal(fileCfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0o644))

	t.Setenv("AGENTMUX_SERVER_PORT", "7001")

	cfg, err := loadFromDir(t, dir)
	require.NoError(t, err)

	assert.Equal(t, 7001, cfg.Server.Port, "env should win over file")
	assert.Equal(t, 11, cfg.Agent.MaxAgents, "file should win over defaults")
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("PORT", "0")

	_, err := loadFromDir(t, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}
