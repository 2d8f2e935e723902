package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPPort)
	assert.Equal(t, "local", cfg.LockMode)
	assert.Equal(t, 2*time.Minute, cfg.LockTTL)
	assert.Equal(t, 30*time.Second, cfg.ReaperInterval)
	assert.Equal(t, time.Duration(0), cfg.PendingTimeout)
	assert.Equal(t, 1, cfg.DefaultApprovals)
	assert.Equal(t, 5, cfg.StepMaxAttempts)
	assert.Empty(t, cfg.Reviewers())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("API_HTTP_PORT", ":9090")
	t.Setenv("LOCK_MODE", "redis")
	t.Setenv("STUCK_STEP_TIMEOUT", "45m")
	t.Setenv("DEFAULT_REVIEWERS", "alice:required,bob")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPPort)
	assert.Equal(t, "redis", cfg.LockMode)
	assert.Equal(t, 45*time.Minute, cfg.StuckStepTimeout)
	assert.Equal(t, "alice:required,bob", cfg.DefaultReviewers)
	assert.Equal(t, []string{"alice:required", "bob"}, cfg.Reviewers())
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: \":7070\"\nlog_level: debug\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTPPort)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadRejectsUnknownLockMode(t *testing.T) {
	t.Setenv("LOCK_MODE", "zookeeper")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOCK_MODE")
}
