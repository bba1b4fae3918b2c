package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all fable engine configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	StorageDir   string   `json:"storage_dir"`
	FlowDirs     []string `json:"flow_dirs"`
	RedisAddr    string   `json:"redis_addr"`
	QueueName    string   `json:"queue_name"`
	PollInterval string   `json:"poll_interval"`
	LogLevel     string   `json:"log_level"`
}

func defaultConfig() Config {
	return Config{
		StorageDir:   filepath.Join("storage", "sessions"),
		FlowDirs:     []string{filepath.Join("config", "flows")},
		QueueName:    "fable",
		PollInterval: "3s",
		LogLevel:     "info",
	}
}

func fableDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fable"
	}
	return filepath.Join(home, ".fable")
}

func settingsPath() string {
	return filepath.Join(fableDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FABLE_STORAGE_DIR"); v != "" {
		cfg.StorageDir = v
	}
	if v := os.Getenv("FABLE_FLOW_DIRS"); v != "" {
		cfg.FlowDirs = strings.Split(v, string(os.PathListSeparator))
	}
	if v := os.Getenv("FABLE_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("FABLE_QUEUE_NAME"); v != "" {
		cfg.QueueName = v
	}
	if v := os.Getenv("FABLE_POLL_INTERVAL"); v != "" {
		cfg.PollInterval = v
	}
	if v := os.Getenv("FABLE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg
}

// pollInterval parses the configured interval, accepting either a Go
// duration string or a bare number of seconds.
func (c Config) pollInterval() time.Duration {
	if d, err := time.ParseDuration(c.PollInterval); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(c.PollInterval); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return 3 * time.Second
}

func (c Config) logLevel() string {
	return strings.ToLower(c.LogLevel)
}
