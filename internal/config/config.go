package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// AI provider selection.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// Config holds every runtime knob, sourced from the environment.
type Config struct {
	PostgresDSN string
	RedisAddr   string // empty disables the API rate limiter
	HTTPAddr    string

	// Worker
	WorkerConcurrency int
	LeaseTimeout      time.Duration
	PollInterval      time.Duration
	MaxRetries        int
	DrainTimeout      time.Duration

	// Fetcher
	FetchTimeout    time.Duration
	BrowserMaxPages int
	PageMaxUses     int

	// Extractor
	AIProvider   string
	AIAPIKey     string
	AIModel      string
	AITimeout    time.Duration
	OllamaHost   string
	MaxHTMLChars int

	// Image processor
	ImageSize int

	// Scheduler
	SchedulerEnabled            bool
	ReapInterval                time.Duration
	CleanupSchedule             string
	NotificationCleanupSchedule string
	ArtifactCleanupEnabled      bool
	NotificationCleanupEnabled  bool
	NotificationRetentionDays   int

	// API
	RateLimitPerMinute int

	// Logging
	LogLevel slog.Level
	LogFile  string
}

// Load reads configuration from environment variables, applying the
// documented defaults. Only POSTGRES_DSN is required.
func Load() (Config, error) {
	cfg := Config{
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 2),
		LeaseTimeout:      time.Duration(getEnvInt("LEASE_TIMEOUT_SECONDS", 300)) * time.Second,
		PollInterval:      time.Duration(getEnvInt("POLL_INTERVAL_MS", 2000)) * time.Millisecond,
		MaxRetries:        getEnvInt("MAX_RETRIES", 3),
		DrainTimeout:      time.Duration(getEnvInt("DRAIN_TIMEOUT_SECONDS", 30)) * time.Second,

		FetchTimeout:    time.Duration(getEnvInt("FETCH_TIMEOUT_MS", 30000)) * time.Millisecond,
		BrowserMaxPages: getEnvInt("BROWSER_MAX_PAGES", 4),
		PageMaxUses:     getEnvInt("PAGE_MAX_USES", 25),

		AIProvider:   getEnv("AI_PROVIDER", ProviderOpenAI),
		AIAPIKey:     os.Getenv("AI_API_KEY"),
		AIModel:      os.Getenv("AI_MODEL"),
		AITimeout:    time.Duration(getEnvInt("AI_TIMEOUT_MS", 60000)) * time.Millisecond,
		OllamaHost:   getEnv("OLLAMA_HOST", "http://localhost:11434"),
		MaxHTMLChars: getEnvInt("MAX_HTML_CHARS", 120000),

		ImageSize: getEnvInt("IMAGE_SIZE", 512),

		SchedulerEnabled:            getEnvBool("SCHEDULER_ENABLED", true),
		ReapInterval:                time.Duration(getEnvInt("REAP_INTERVAL_SECONDS", 30)) * time.Second,
		CleanupSchedule:             getEnv("CLEANUP_SCHEDULE", "0 2 * * *"),
		NotificationCleanupSchedule: getEnv("NOTIFICATION_CLEANUP_SCHEDULE", "0 3 * * 0"),
		ArtifactCleanupEnabled:      getEnvBool("ARTIFACT_CLEANUP_ENABLED", true),
		NotificationCleanupEnabled:  getEnvBool("NOTIFICATION_CLEANUP_ENABLED", true),
		NotificationRetentionDays:   getEnvInt("NOTIFICATION_RETENTION_DAYS", 30),

		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 600),

		LogLevel: parseLogLevel(getEnv("LOG_LEVEL", "INFO")),
		LogFile:  os.Getenv("LOG_FILE"),
	}

	if cfg.PostgresDSN == "" {
		return cfg, fmt.Errorf("missing env: POSTGRES_DSN")
	}
	if cfg.AIModel == "" {
		cfg.AIModel = defaultModel(cfg.AIProvider)
	}
	return cfg, nil
}

func defaultModel(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return "claude-3-5-haiku-latest"
	case ProviderOllama:
		return "llama3.1"
	default:
		return "gpt-4o-mini"
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
