package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "prospect.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://api.perplexity.ai", cfg.Perplexity.BaseURL)
	assert.Equal(t, "sonar-pro", cfg.Perplexity.Model)
	assert.Equal(t, "https://r.jina.ai", cfg.Jina.BaseURL)
	assert.Equal(t, "https://s.jina.ai", cfg.Jina.SearchBaseURL)
	assert.Equal(t, "claude-haiku-4-5", cfg.Anthropic.Model)
	assert.Equal(t, "https://login.salesforce.com", cfg.Salesforce.LoginURL)
	assert.InDelta(t, 5.0, cfg.Salesforce.RPS, 0.001)
	assert.InDelta(t, 1.0, cfg.RateLimit.Default.RefillPerSec, 0.001)
	assert.Equal(t, 5, cfg.RateLimit.Default.Capacity)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500, cfg.Retry.InitialBackoffMs)
	assert.Equal(t, 30000, cfg.Retry.MaxBackoffMs)
	assert.InDelta(t, 2.0, cfg.Retry.Multiplier, 0.001)
	assert.InDelta(t, 0.25, cfg.Retry.JitterFraction, 0.001)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, 60, cfg.Circuit.ResetTimeoutSecs)
	assert.Equal(t, 1, cfg.Circuit.HalfOpenProbes)
	assert.Equal(t, 300, cfg.Idempotency.ProcessingTTLSecs)
	assert.Equal(t, 86400, cfg.Idempotency.CompletedTTLSecs)
	assert.Equal(t, 4, cfg.Pipeline.Concurrency)
	assert.Equal(t, 10, cfg.Pipeline.StallMins)
	assert.Equal(t, 3, cfg.Pipeline.DLQMaxRetries)
	assert.Equal(t, 64, cfg.Pipeline.SinkQueueDepth)
	assert.Equal(t, map[string]int{
		"wealth_screen": 90,
		"philanthropy":  45,
		"biography":     90,
	}, cfg.Pipeline.StepTimeoutSecs)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/prospects
log:
  level: debug
  format: console
pipeline:
  concurrency: 8
  step_timeout_secs:
    wealth_screen: 120
    philanthropy: 30
ratelimit:
  providers:
    perplexity:
      refill_per_sec: 0.5
      capacity: 2
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/prospects", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 8, cfg.Pipeline.Concurrency)
	assert.Equal(t, 120, cfg.Pipeline.StepTimeoutSecs["wealth_screen"])
	assert.Equal(t, 30, cfg.Pipeline.StepTimeoutSecs["philanthropy"])
	// Steps absent from the file keep their default budget
	assert.Equal(t, 90, cfg.Pipeline.StepTimeoutSecs["biography"])
	require.Contains(t, cfg.RateLimit.Providers, "perplexity")
	assert.InDelta(t, 0.5, cfg.RateLimit.Providers["perplexity"].RefillPerSec, 0.001)
	assert.Equal(t, 2, cfg.RateLimit.Providers["perplexity"].Capacity)
	// Defaults still apply for unset values
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: postgres
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("PROSPECT_STORE_DRIVER", "sqlite")
	t.Setenv("PROSPECT_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("PROSPECT_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
