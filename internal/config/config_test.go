// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionbridge/internal/retry"
)

func TestLoadWithoutFile(t *testing.T) {
	home := t.TempDir()

	cfg, err := LoadFrom(home)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".sessionbridge"), cfg.AppDir)
	assert.Equal(t, filepath.Join(home, ".claude"), cfg.ClaudeDir)
	assert.DirExists(t, cfg.LogDir)
	assert.True(t, cfg.File.StreamingEnabled())
	assert.Equal(t, "ANTHROPIC_API_KEY", cfg.File.API.APIKeyEnv)
	assert.Equal(t, retry.DefaultPolicy(), cfg.File.RetryPolicy(retry.DefaultPolicy()))
}

func TestLoadFile(t *testing.T) {
	home := t.TempDir()
	dir := filepath.Join(home, ".sessionbridge")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
provider: codex
permission_mode: acceptEdits
streaming: false
claude:
  binary: /opt/claude
api:
  model: claude-opus-4-1
  api_key_env: MY_KEY
retry:
  max_retries: 0
  base_delay: 250ms
server:
  listen: 127.0.0.1:9000
`), 0644))

	cfg, err := LoadFrom(home)
	require.NoError(t, err)

	assert.Equal(t, "codex", cfg.File.Provider)
	assert.Equal(t, "acceptEdits", cfg.File.PermissionMode)
	assert.False(t, cfg.File.StreamingEnabled())
	assert.Equal(t, "/opt/claude", cfg.File.Claude.Binary)
	assert.Equal(t, "MY_KEY", cfg.File.API.APIKeyEnv)
	assert.Equal(t, int64(8192), cfg.File.API.MaxTokens)
	assert.Equal(t, "127.0.0.1:9000", cfg.File.Server.Listen)
	assert.Equal(t, "SESSIONBRIDGE_AUTH_KEY", cfg.File.Server.AuthKeyEnv)

	policy := cfg.File.RetryPolicy(retry.DefaultPolicy())
	assert.Equal(t, 0, policy.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, policy.BaseDelay)
	assert.Equal(t, retry.DefaultPolicy().SessionNotFoundDelay, policy.SessionNotFoundDelay)
}

func TestLoadRejectsInvalidMode(t *testing.T) {
	home := t.TempDir()
	dir := filepath.Join(home, ".sessionbridge")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("permission_mode: yolo\n"), 0644))

	_, err := LoadFrom(home)
	assert.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	home := t.TempDir()
	dir := filepath.Join(home, ".sessionbridge")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("retry: [\n"), 0644))

	_, err := LoadFrom(home)
	assert.Error(t, err)
}
