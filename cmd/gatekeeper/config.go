package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all gatekeeper configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath         string  `json:"db_path"`
	LogLevel       string  `json:"log_level"`
	LogFormat      string  `json:"log_format"`
	TimeoutHours   float64 `json:"timeout_hours"`
	AutoExpire     bool    `json:"auto_expire"`
	ScanSchedule   string  `json:"scan_schedule"`
	GuardExpr      string  `json:"guard_expr"`
	Projection     string  `json:"projection"`
	SandboxTimeout string  `json:"sandbox_timeout"`
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.Join(gatekeeperDir(), "gatekeeper.db"),
		LogLevel:       "info",
		LogFormat:      "text",
		TimeoutHours:   24,
		AutoExpire:     true,
		ScanSchedule:   "*/5 * * * *",
		SandboxTimeout: "2s",
	}
}

func gatekeeperDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gatekeeper"
	}
	return filepath.Join(home, ".gatekeeper")
}

func settingsPath() string {
	return filepath.Join(gatekeeperDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("GATEKEEPER_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("GATEKEEPER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GATEKEEPER_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("GATEKEEPER_TIMEOUT_HOURS"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.TimeoutHours = n
		}
	}
	if v := os.Getenv("GATEKEEPER_AUTO_EXPIRE"); v != "" {
		cfg.AutoExpire = v == "true" || v == "1"
	}
	if v := os.Getenv("GATEKEEPER_SCAN_SCHEDULE"); v != "" {
		cfg.ScanSchedule = v
	}
	if v := os.Getenv("GATEKEEPER_GUARD_EXPR"); v != "" {
		cfg.GuardExpr = v
	}
	if v := os.Getenv("GATEKEEPER_PROJECTION"); v != "" {
		cfg.Projection = v
	}
	if v := os.Getenv("GATEKEEPER_SANDBOX_TIMEOUT"); v != "" {
		cfg.SandboxTimeout = v
	}

	return cfg
}

// sandboxTimeout parses the configured sandbox timeout, falling back to the
// default on a malformed value.
func (c Config) sandboxTimeout() time.Duration {
	d, err := time.ParseDuration(c.SandboxTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}
