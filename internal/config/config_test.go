package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/giftflow")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, 2, cfg.WorkerConcurrency)
	assert.Equal(t, 5*time.Minute, cfg.LeaseTimeout)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.DrainTimeout)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 4, cfg.BrowserMaxPages)
	assert.Equal(t, ProviderOpenAI, cfg.AIProvider)
	assert.Equal(t, "gpt-4o-mini", cfg.AIModel)
	assert.Equal(t, 512, cfg.ImageSize)
	assert.True(t, cfg.SchedulerEnabled)
	assert.Equal(t, "0 2 * * *", cfg.CleanupSchedule)
	assert.Equal(t, 30, cfg.NotificationRetentionDays)
	assert.Equal(t, 600, cfg.RateLimitPerMinute)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/giftflow")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("LEASE_TIMEOUT_SECONDS", "120")
	t.Setenv("AI_PROVIDER", "anthropic")
	t.Setenv("SCHEDULER_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, 2*time.Minute, cfg.LeaseTimeout)
	assert.Equal(t, ProviderAnthropic, cfg.AIProvider)
	assert.Equal(t, "claude-3-5-haiku-latest", cfg.AIModel)
	assert.False(t, cfg.SchedulerEnabled)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoad_ExplicitModelWins(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/giftflow")
	t.Setenv("AI_PROVIDER", "ollama")
	t.Setenv("AI_MODEL", "qwen2.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5", cfg.AIModel)
}

func TestLoad_RequiresDSN(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POSTGRES_DSN")
}

func TestLoad_BadIntFallsBackToDefault(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/giftflow")
	t.Setenv("MAX_RETRIES", "many")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxRetries)
}
