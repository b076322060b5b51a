// Package config loads server configuration from environment variables.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port              string
	LogLevel          string
	RunsDir           string
	MappingConfigPath string

	WindowSeconds             int
	BruteForceThreshold       int
	CredAbuseFailureThreshold int
	CredAbuseDistinctUsers    int

	RateLimitPerSecond float64
	RateLimitBurst     int

	OTLPEndpoint string
	ServiceName  string
}

// Load loads configuration from environment variables, falling back to
// defaults for anything unset or unparseable.
func Load() *Config {
	return &Config{
		Port:              envString("PORT", "8080"),
		LogLevel:          envString("LOG_LEVEL", "INFO"),
		RunsDir:           envString("RUNS_DIR", "./runs"),
		MappingConfigPath: envString("MAPPING_CONFIG_PATH", "./config/field_mappings.yaml"),

		WindowSeconds:             envInt("WINDOW_SECONDS", 60),
		BruteForceThreshold:       envInt("BRUTE_FORCE_FAILURE_THRESHOLD", 5),
		CredAbuseFailureThreshold: envInt("CRED_ABUSE_FAILURE_THRESHOLD", 8),
		CredAbuseDistinctUsers:    envInt("CRED_ABUSE_DISTINCT_USER_THRESHOLD", 5),

		RateLimitPerSecond: envFloat("RATE_LIMIT_PER_SECOND", 20),
		RateLimitBurst:     envInt("RATE_LIMIT_BURST", 40),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName:  envString("SERVICE_NAME", "authwatch"),
	}
}

// Window returns the detection window as a duration.
func (c *Config) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// SlogLevel maps the configured level name onto slog levels.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG", "debug":
		return slog.LevelDebug
	case "WARN", "warn":
		return slog.LevelWarn
	case "ERROR", "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}
