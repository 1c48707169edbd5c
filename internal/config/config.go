package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// Config contains all runtime settings for the fitness assistant service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         slog.Level

	AllowAnyOrigin bool

	InactivityTimeout time.Duration
	SweepInterval     time.Duration
	CatalogPath       string

	RateLimitWindowSeconds int
	RateLimitMaxEvents     int
	RateLimitBlockSeconds  int

	ReminderTimezone string
	ReminderLocation *time.Location

	NotifyQueueSize int

	DatabaseURL string
	SQLitePath  string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:               envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "fitbuddy"),
		ShutdownTimeout:        15 * time.Second,
		AllowAnyOrigin:         false,
		SweepInterval:          time.Minute,
		CatalogPath:            stringsTrimSpace("ACTIVITY_CATALOG_PATH"),
		RateLimitWindowSeconds: 3,
		RateLimitMaxEvents:     5,
		RateLimitBlockSeconds:  30,
		ReminderTimezone:       envOrDefault("REMINDER_TIMEZONE", "UTC"),
		NotifyQueueSize:        64,
		DatabaseURL:            stringsTrimSpace("DATABASE_URL"),
		SQLitePath:             stringsTrimSpace("SQLITE_PATH"),
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel, err = levelFromEnv("APP_LOG_LEVEL", slog.LevelInfo)
	if err != nil {
		return Config{}, err
	}

	minutes, err := intFromEnv("ACTIVITY_INACTIVITY_TIMEOUT_MINUTES", 30)
	if err != nil {
		return Config{}, err
	}
	cfg.InactivityTimeout = time.Duration(minutes) * time.Minute
	cfg.SweepInterval, err = durationFromEnv("ACTIVITY_SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}

	cfg.RateLimitWindowSeconds, err = intFromEnv("RATE_LIMIT_WINDOW_SECONDS", cfg.RateLimitWindowSeconds)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimitMaxEvents, err = intFromEnv("RATE_LIMIT_MAX_EVENTS", cfg.RateLimitMaxEvents)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimitBlockSeconds, err = intFromEnv("RATE_LIMIT_BLOCK_SECONDS", cfg.RateLimitBlockSeconds)
	if err != nil {
		return Config{}, err
	}
	cfg.NotifyQueueSize, err = intFromEnv("NOTIFY_QUEUE_SIZE", cfg.NotifyQueueSize)
	if err != nil {
		return Config{}, err
	}

	cfg.ReminderLocation, err = time.LoadLocation(cfg.ReminderTimezone)
	if err != nil {
		return Config{}, fmt.Errorf("REMINDER_TIMEZONE parse error: %w", err)
	}

	if cfg.InactivityTimeout < time.Minute {
		return Config{}, fmt.Errorf("ACTIVITY_INACTIVITY_TIMEOUT_MINUTES must be at least 1")
	}
	if cfg.SweepInterval < time.Second {
		return Config{}, fmt.Errorf("ACTIVITY_SWEEP_INTERVAL must be at least 1s")
	}
	if cfg.RateLimitWindowSeconds <= 0 || cfg.RateLimitMaxEvents <= 0 || cfg.RateLimitBlockSeconds <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS, RATE_LIMIT_MAX_EVENTS and RATE_LIMIT_BLOCK_SECONDS must be positive")
	}
	if cfg.NotifyQueueSize <= 0 {
		return Config{}, fmt.Errorf("NOTIFY_QUEUE_SIZE must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

func levelFromEnv(key string, fallback slog.Level) (slog.Level, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return fallback, fmt.Errorf("%s parse error: %w", key, err)
	}
	return lvl, nil
}
