package config

import (
	"log/slog"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PGML_POOL_MAX_CONNS", "")
	t.Setenv("PGML_POOL_MIN_CONNS", "")
	t.Setenv("PGML_POOL_CONNECT_TIMEOUT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_FORMAT", "")

	cfg := Load()
	if cfg.PoolMaxConns != 20 {
		t.Fatalf("expected default PoolMaxConns 20, got %d", cfg.PoolMaxConns)
	}
	if cfg.PoolMinConns != 2 {
		t.Fatalf("expected default PoolMinConns 2, got %d", cfg.PoolMinConns)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("expected default LogLevel info, got %v", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Fatalf("expected default LogFormat json, got %q", cfg.LogFormat)
	}
}

func TestLoadHonorsEnvOverrides(t *testing.T) {
	t.Setenv("PGML_POOL_MAX_CONNS", "5")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")

	cfg := Load()
	if cfg.PoolMaxConns != 5 {
		t.Fatalf("expected overridden PoolMaxConns 5, got %d", cfg.PoolMaxConns)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("expected LogLevel debug, got %v", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" {
		t.Fatalf("expected LogFormat text, got %q", cfg.LogFormat)
	}
}

func TestNewLoggerDoesNotPanic(t *testing.T) {
	cfg := Load()
	if logger := cfg.NewLogger(); logger == nil {
		t.Fatal("expected a non-nil logger")
	}
}
