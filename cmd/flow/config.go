package main

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// config carries the runtime settings shared by all subcommands.
// Values come from defaults, then FLOW_* environment variables, then flags.
type config struct {
	DBPath        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Concurrency   int
	ScriptTimeout time.Duration
	LogLevel      string
	LogFormat     string
}

func defaultConfig() config {
	return config{
		Concurrency:   4,
		ScriptTimeout: 5 * time.Second,
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

func loadConfig() config {
	cfg := defaultConfig()

	if v := os.Getenv("FLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOW_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("FLOW_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("FLOW_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RedisDB = n
		}
	}
	if v := os.Getenv("FLOW_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("FLOW_SCRIPT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ScriptTimeout = d
		}
	}
	if v := os.Getenv("FLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOW_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

func (c config) slogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
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

func (c config) handler() slog.Handler {
	opts := &slog.HandlerOptions{Level: c.slogLevel()}
	if strings.ToLower(c.LogFormat) == "text" {
		return slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.NewJSONHandler(os.Stderr, opts)
}
