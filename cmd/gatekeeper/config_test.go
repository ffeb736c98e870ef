package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 24.0, cfg.TimeoutHours)
	assert.True(t, cfg.AutoExpire)
	assert.Equal(t, "*/5 * * * *", cfg.ScanSchedule)
	assert.NotEmpty(t, cfg.DBPath)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("GATEKEEPER_DB_PATH", "/tmp/gate.db")
	t.Setenv("GATEKEEPER_LOG_LEVEL", "debug")
	t.Setenv("GATEKEEPER_TIMEOUT_HOURS", "48.5")
	t.Setenv("GATEKEEPER_AUTO_EXPIRE", "false")
	t.Setenv("GATEKEEPER_SCAN_SCHEDULE", "0 * * * *")
	t.Setenv("GATEKEEPER_GUARD_EXPR", "decision.compliant")
	t.Setenv("GATEKEEPER_SANDBOX_TIMEOUT", "500ms")

	cfg := loadConfig()

	assert.Equal(t, "/tmp/gate.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 48.5, cfg.TimeoutHours)
	assert.False(t, cfg.AutoExpire)
	assert.Equal(t, "0 * * * *", cfg.ScanSchedule)
	assert.Equal(t, "decision.compliant", cfg.GuardExpr)
	assert.Equal(t, 500*time.Millisecond, cfg.sandboxTimeout())
}

func TestLoadConfig_BadEnvValuesIgnored(t *testing.T) {
	t.Setenv("GATEKEEPER_TIMEOUT_HOURS", "not-a-number")

	cfg := loadConfig()
	assert.Equal(t, 24.0, cfg.TimeoutHours)
}

func TestSandboxTimeout_Fallback(t *testing.T) {
	cfg := Config{SandboxTimeout: "garbage"}
	assert.Equal(t, 2*time.Second, cfg.sandboxTimeout())

	cfg = Config{SandboxTimeout: "-1s"}
	assert.Equal(t, 2*time.Second, cfg.sandboxTimeout())
}
