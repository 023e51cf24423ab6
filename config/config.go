// Package config loads environment-driven defaults for the pool registry,
// embedding providers, and logger.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process-wide defaults. Most callers only need DatabaseURL;
// the rest tune the Connection Pool Registry and are optional.
type Config struct {
	DatabaseURL string

	PoolMaxConns       int
	PoolMinConns       int
	PoolConnectTimeout time.Duration

	LogLevel  slog.Level
	LogFormat string // "json" or "text"
}

// Load reads configuration from environment variables with sensible
// defaults. DatabaseURL is read here but is not required: the Connection
// Pool Registry re-reads DATABASE_URL itself as a fallback whenever a caller
// does not pass an explicit URL, per the Pool Registry's own precedence
// rule.
func Load() *Config {
	return &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),

		PoolMaxConns:       envInt("PGML_POOL_MAX_CONNS", 20),
		PoolMinConns:       envInt("PGML_POOL_MIN_CONNS", 2),
		PoolConnectTimeout: time.Duration(envInt("PGML_POOL_CONNECT_TIMEOUT", 10)) * time.Second,

		LogLevel:  parseLevel(envOr("LOG_LEVEL", "info")),
		LogFormat: envOr("LOG_FORMAT", "json"),
	}
}

// NewLogger builds a slog.Logger honoring LogLevel/LogFormat.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if strings.EqualFold(c.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, fallback string) string {
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
	if err != nil {
		return fallback
	}
	return n
}
