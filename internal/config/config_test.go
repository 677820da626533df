// ABOUTME: Tests for configuration loading, env expansion, and validation
// ABOUTME: Covers defaults, duration parsing, and required-field errors

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes the given YAML content to a temp file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalConfig = `
transport:
  telegram:
    bot_token: "123:abc"
`

func TestLoad_MinimalConfigGetsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Bridge.WorkerConcurrency)
	assert.Equal(t, "skip", cfg.Bridge.ReenrichOnReplay)
	assert.Equal(t, 120*time.Second, cfg.Bridge.EnrichmentTimeout)
	assert.Equal(t, 30*time.Second, cfg.Bridge.ShutdownGracePeriod)
	assert.Equal(t, 4096, cfg.Delivery.MaxChunkChars)
	assert.Equal(t, 3, cfg.Delivery.RetryMax)
	assert.Equal(t, 300*time.Second, cfg.Watchdog.Interval)
	assert.Equal(t, 600*time.Second, cfg.Watchdog.SilenceThreshold)
	assert.Equal(t, 7200*time.Second, cfg.Watchdog.DurationThreshold)
	assert.Equal(t, 1800*time.Second, cfg.Watchdog.AlertCooldown)
	assert.Equal(t, 4*time.Hour, cfg.Watchdog.DormantAfter)
	assert.Equal(t, 600*time.Second, cfg.Bridge.SessionResumeWindow)
	assert.Equal(t, 5, cfg.Watchdog.LoopThreshold)
	assert.Equal(t, 5, cfg.Watchdog.ErrorCascadeThreshold)
	assert.Equal(t, 20, cfg.Watchdog.ErrorCascadeWindow)
	assert.Equal(t, 30*time.Second, cfg.MCP.HealthCheckInterval)
	assert.True(t, cfg.MCP.EnableInterServerMessages)
	assert.True(t, cfg.MCP.EnableLoadBalancing)
	assert.Equal(t, "prod", cfg.Redis.Namespace)
}

func TestLoad_DurationStringsParsed(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
bridge:
  worker_concurrency: 4
  enrichment_timeout: 45s
  shutdown_grace_period: 10s
watchdog:
  interval: 1m
  silence_threshold: 5m
  alert_cooldown: 15m
mcp:
  health_check_interval: 10s
`))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Bridge.WorkerConcurrency)
	assert.Equal(t, 45*time.Second, cfg.Bridge.EnrichmentTimeout)
	assert.Equal(t, 10*time.Second, cfg.Bridge.ShutdownGracePeriod)
	assert.Equal(t, time.Minute, cfg.Watchdog.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Watchdog.SilenceThreshold)
	assert.Equal(t, 15*time.Minute, cfg.Watchdog.AlertCooldown)
	assert.Equal(t, 10*time.Second, cfg.MCP.HealthCheckInterval)
}

func TestLoad_ResumeWindowFollowsSilenceThreshold(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
watchdog:
  silence_threshold: 5m
`))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Bridge.SessionResumeWindow)

	cfg, err = Load(writeConfig(t, minimalConfig+`
bridge:
  session_resume_window: 45m
watchdog:
  silence_threshold: 5m
`))
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, cfg.Bridge.SessionResumeWindow)
}

func TestLoad_InvalidDurationFails(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
watchdog:
  interval: "not-a-duration"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watchdog.interval")
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("EMBER_TEST_TOKEN", "999:secret")

	cfg, err := Load(writeConfig(t, `
transport:
  telegram:
    bot_token: "${EMBER_TEST_TOKEN}"
`))
	require.NoError(t, err)
	assert.Equal(t, "999:secret", cfg.Transport.Telegram.BotToken)
}

func TestLoad_MissingBotTokenFails(t *testing.T) {
	_, err := Load(writeConfig(t, `
redis:
  addr: "localhost:6379"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bot_token")
}

func TestLoad_InvalidReenrichPolicyFails(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
bridge:
  reenrich_on_replay: "maybe"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reenrich_on_replay")
}

func TestLoad_CascadeWindowSmallerThanThresholdFails(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
watchdog:
  error_cascade_threshold: 10
  error_cascade_window: 5
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error_cascade_window")
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
