package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel        slog.Level
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	DatabaseURL string
	RedisURL    string

	RoutingBaseURL string
	RoutingTimeout time.Duration

	DebounceQuiet     time.Duration
	ImproveEnabled    bool
	ImproveIterations int

	RateLimitRPS   float64
	RateLimitBurst int

	WebhookMaxAttempts int
}

// fileConfig is the optional yaml overlay; env vars still win.
type fileConfig struct {
	HTTPAddr           string  `yaml:"httpAddr"`
	DatabaseURL        string  `yaml:"databaseUrl"`
	RedisURL           string  `yaml:"redisUrl"`
	RoutingBaseURL     string  `yaml:"routingBaseUrl"`
	RoutingTimeout     string  `yaml:"routingTimeout"`
	DebounceQuiet      string  `yaml:"debounceQuiet"`
	ImproveEnabled     *bool   `yaml:"improveEnabled"`
	ImproveIterations  int     `yaml:"improveIterations"`
	RateLimitRPS       float64 `yaml:"rateLimitRps"`
	RateLimitBurst     int     `yaml:"rateLimitBurst"`
	WebhookMaxAttempts int     `yaml:"webhookMaxAttempts"`
	LogLevel           string  `yaml:"logLevel"`
}

func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:        slog.LevelInfo,
		HTTPAddr:        ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		RoutingBaseURL: "http://localhost:5000",
		RoutingTimeout: 5 * time.Second,

		DebounceQuiet:     2 * time.Second,
		ImproveEnabled:    false,
		ImproveIterations: 50,

		RateLimitRPS:   50,
		RateLimitBurst: 100,

		WebhookMaxAttempts: 10,
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	cfg.LogLevel = getLogLevelEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.ReadTimeout = getDurationEnv("READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = getDurationEnv("WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.ShutdownTimeout = getDurationEnv("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)

	cfg.RoutingBaseURL = getEnv("ROUTING_BASE_URL", cfg.RoutingBaseURL)
	cfg.RoutingTimeout = getDurationEnv("ROUTING_TIMEOUT", cfg.RoutingTimeout)

	cfg.DebounceQuiet = getDurationEnv("DEBOUNCE_QUIET", cfg.DebounceQuiet)
	cfg.ImproveEnabled = getBoolEnv("IMPROVE_ENABLED", cfg.ImproveEnabled)
	cfg.ImproveIterations = getIntEnv("IMPROVE_ITERATIONS", cfg.ImproveIterations)

	cfg.RateLimitRPS = getFloatEnv("RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = getIntEnv("RATE_LIMIT_BURST", cfg.RateLimitBurst)

	cfg.WebhookMaxAttempts = getIntEnv("WEBHOOK_MAX_ATTEMPTS", cfg.WebhookMaxAttempts)

	if cfg.DebounceQuiet <= 0 {
		cfg.DebounceQuiet = 2 * time.Second
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return err
	}
	if fc.HTTPAddr != "" {
		cfg.HTTPAddr = fc.HTTPAddr
	}
	if fc.DatabaseURL != "" {
		cfg.DatabaseURL = fc.DatabaseURL
	}
	if fc.RedisURL != "" {
		cfg.RedisURL = fc.RedisURL
	}
	if fc.RoutingBaseURL != "" {
		cfg.RoutingBaseURL = fc.RoutingBaseURL
	}
	if fc.RoutingTimeout != "" {
		if d, err := time.ParseDuration(fc.RoutingTimeout); err == nil {
			cfg.RoutingTimeout = d
		}
	}
	if fc.DebounceQuiet != "" {
		if d, err := time.ParseDuration(fc.DebounceQuiet); err == nil {
			cfg.DebounceQuiet = d
		}
	}
	if fc.ImproveEnabled != nil {
		cfg.ImproveEnabled = *fc.ImproveEnabled
	}
	if fc.ImproveIterations > 0 {
		cfg.ImproveIterations = fc.ImproveIterations
	}
	if fc.RateLimitRPS > 0 {
		cfg.RateLimitRPS = fc.RateLimitRPS
	}
	if fc.RateLimitBurst > 0 {
		cfg.RateLimitBurst = fc.RateLimitBurst
	}
	if fc.WebhookMaxAttempts > 0 {
		cfg.WebhookMaxAttempts = fc.WebhookMaxAttempts
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = parseLogLevel(fc.LogLevel, cfg.LogLevel)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getLogLevelEnv(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return parseLogLevel(v, defaultVal)
}

func parseLogLevel(v string, defaultVal slog.Level) slog.Level {
	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return defaultVal
	}
}
