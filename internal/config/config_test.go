package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("COMMAND_TIMEOUT_MS", "")
	t.Setenv("TEMP_DIR", "")
	t.Setenv("SANDBOX_VERSION", "")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.CommandTimeout)
	assert.Equal(t, "unknown", cfg.Version)
	assert.False(t, cfg.Debug)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("COMMAND_TIMEOUT_MS", "5000")
	t.Setenv("CLEANUP_INTERVAL_MS", "1000")
	t.Setenv("TEMP_FILE_MAX_AGE_MS", "2000")
	t.Setenv("TEMP_DIR", "/tmp/sandboxd-test")
	t.Setenv("SANDBOX_VERSION", "1.2.3")
	t.Setenv("SANDBOXD_DEBUG", "true")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.CommandTimeout)
	assert.Equal(t, 1*time.Second, cfg.CleanupInterval)
	assert.Equal(t, 2*time.Second, cfg.TempFileMaxAge)
	assert.Equal(t, "/tmp/sandboxd-test", cfg.TempDir)
	assert.Equal(t, "1.2.3", cfg.Version)
	assert.True(t, cfg.Debug)
}

func TestSessionOverrideFromEnv(t *testing.T) {
	t.Setenv("SESSION_ID", "sess-1")
	t.Setenv("SESSION_CWD", "/workspace")
	t.Setenv("SESSION_ISOLATED", "true")

	ov := SessionOverrideFromEnv()
	assert.Equal(t, "sess-1", ov.SessionID)
	assert.Equal(t, "/workspace", ov.Cwd)
	assert.True(t, ov.Isolated)
}

func TestYAML(t *testing.T) {
	cfg := Default()
	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, out, "tempDir")
}
