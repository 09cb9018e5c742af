package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudstream/streamcore/config"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoad_UsesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := config.Load("non-existent-config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "balanced", cfg.Media.Preset)
	assert.Equal(t, 30*time.Second, cfg.Signaling.PingInterval)
	assert.Equal(t, 60*time.Second, cfg.Signaling.PongTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NotEmpty(t, cfg.ICE.STUNServers)
}

func TestLoad_LoadsFromYAMLAndAppliesEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
signaling:
  url: "wss://signal.example.com/ws"
  ping_interval: 10s
  pong_timeout: 25s

ice:
  stun_servers:
    - "stun.example.com:3478"
  check_timeout: 5s

media:
  preset: "competitive"
  max_frame_age: 100ms

logging:
  level: "debug"
`)

	t.Setenv("STREAMCORE_LOG_LEVEL", "warn")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://signal.example.com/ws", cfg.Signaling.URL)
	assert.Equal(t, 10*time.Second, cfg.Signaling.PingInterval)
	assert.Equal(t, []string{"stun.example.com:3478"}, cfg.ICE.STUNServers)
	assert.Equal(t, 5*time.Second, cfg.ICE.CheckTimeout)
	assert.Equal(t, "competitive", cfg.Media.Preset)
	assert.Equal(t, 100*time.Millisecond, cfg.Media.MaxFrameAge)
	assert.Equal(t, "warn", cfg.Logging.Level, "env override wins over file")
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := writeTempConfig(t, `
signaling:
  ping_interval: 30s
  pong_timeout: 5s
`)

	_, err := config.Load(path)
	assert.Error(t, err, "pong timeout must exceed ping interval")
}

func TestValidate_Defaults(t *testing.T) {
	assert.NoError(t, config.DefaultConfig().Validate())
}
