package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Test server defaults
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.False(t, cfg.Server.TLSEnabled)
	assert.Equal(t, 15, cfg.Server.ShutdownGraceSecs)

	// Test database defaults
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.NotEmpty(t, cfg.Database.SQLitePath)
	assert.Equal(t, 10, cfg.Database.PoolSize)

	// Test ingest defaults
	assert.Equal(t, "1.0", cfg.Ingest.PipelineVersion)
	assert.Equal(t, 24, cfg.Ingest.IdempotencyTTLHours)

	// Test forecast defaults
	assert.Equal(t, "holtwinters", cfg.Forecast.DefaultBackend)
	assert.Equal(t, 30, cfg.Forecast.Remote.TimeoutSecs)
	assert.Equal(t, 5, cfg.Forecast.Remote.FailureThreshold)

	// Test anomaly defaults
	assert.Equal(t, 0.5, cfg.Anomaly.Sensitivity)
	assert.Equal(t, 0.7, cfg.Anomaly.BaseThreshold)

	// Test alerting defaults
	assert.Equal(t, 10, cfg.Alerting.RateLimitPerMinute)
	assert.Equal(t, 300000, cfg.Alerting.DedupWindowMS)
	assert.Equal(t, "sql", cfg.Alerting.DedupStore)
	assert.Equal(t, 3, cfg.Alerting.MaxEscalationLevel)

	// Test logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	// Test health defaults
	assert.Equal(t, 5, cfg.Health.ProbeTimeoutSecs)
	assert.Equal(t, 100, cfg.Health.HistorySize)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		modifyFn  func(*Config)
		wantError bool
		errorMsg  string
	}{
		{
			name:      "valid default config",
			modifyFn:  func(cfg *Config) {},
			wantError: false,
		},
		{
			name: "invalid port - too low",
			modifyFn: func(cfg *Config) {
				cfg.Server.Port = 0
			},
			wantError: true,
			errorMsg:  "port must be between 1 and 65535",
		},
		{
			name: "invalid port - too high",
			modifyFn: func(cfg *Config) {
				cfg.Server.Port = 70000
			},
			wantError: true,
			errorMsg:  "port must be between 1 and 65535",
		},
		{
			name: "invalid database type",
			modifyFn: func(cfg *Config) {
				cfg.Database.Type = "invalid"
			},
			wantError: true,
			errorMsg:  "invalid database type",
		},
		{
			name: "missing sqlite path",
			modifyFn: func(cfg *Config) {
				cfg.Database.Type = "sqlite"
				cfg.Database.SQLitePath = ""
			},
			wantError: true,
			errorMsg:  "sqlite_path is required",
		},
		{
			name: "missing postgres url",
			modifyFn: func(cfg *Config) {
				cfg.Database.Type = "postgres"
				cfg.Database.PostgresURL = ""
			},
			wantError: true,
			errorMsg:  "postgres_url is required",
		},
		{
			name: "zero pool size",
			modifyFn: func(cfg *Config) {
				cfg.Database.PoolSize = 0
			},
			wantError: true,
			errorMsg:  "pool_size must be at least 1",
		},
		{
			name: "invalid forecast backend",
			modifyFn: func(cfg *Config) {
				cfg.Forecast.DefaultBackend = "prophet"
			},
			wantError: true,
			errorMsg:  "invalid backend",
		},
		{
			name: "remote backend without base url",
			modifyFn: func(cfg *Config) {
				cfg.Forecast.DefaultBackend = "remote"
				cfg.Forecast.Remote.BaseURL = ""
			},
			wantError: true,
			errorMsg:  "base_url is required",
		},
		{
			name: "sensitivity out of range",
			modifyFn: func(cfg *Config) {
				cfg.Anomaly.Sensitivity = 1.5
			},
			wantError: true,
			errorMsg:  "sensitivity must be in [0, 1]",
		},
		{
			name: "invalid dedup store",
			modifyFn: func(cfg *Config) {
				cfg.Alerting.DedupStore = "memcached"
			},
			wantError: true,
			errorMsg:  "invalid dedup store",
		},
		{
			name: "redis dedup store without address",
			modifyFn: func(cfg *Config) {
				cfg.Alerting.DedupStore = "redis"
				cfg.Alerting.RedisAddr = ""
			},
			wantError: true,
			errorMsg:  "redis_addr is required",
		},
		{
			name: "invalid redis address format",
			modifyFn: func(cfg *Config) {
				cfg.Alerting.DedupStore = "redis"
				cfg.Alerting.RedisAddr = "not-an-address"
			},
			wantError: true,
			errorMsg:  "invalid address format",
		},
		{
			name: "invalid log level",
			modifyFn: func(cfg *Config) {
				cfg.Logging.Level = "invalid"
			},
			wantError: true,
			errorMsg:  "invalid log level",
		},
		{
			name: "invalid log format",
			modifyFn: func(cfg *Config) {
				cfg.Logging.Format = "invalid"
			},
			wantError: true,
			errorMsg:  "invalid log format",
		},
		{
			name: "zero escalation ceiling",
			modifyFn: func(cfg *Config) {
				cfg.Alerting.MaxEscalationLevel = 0
			},
			wantError: true,
			errorMsg:  "max_escalation_level must be at least 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyFn(cfg)

			errs := cfg.Validate()

			if tt.wantError {
				assert.NotEmpty(t, errs, "expected validation errors but got none")
				found := false
				for _, err := range errs {
					if strings.Contains(err.Error(), tt.errorMsg) {
						found = true
						break
					}
				}
				assert.True(t, found, "expected error message containing '%s', got: %v", tt.errorMsg, errs)
			} else {
				assert.Empty(t, errs, "expected no validation errors but got: %v", errs)
			}
		})
	}
}

func TestConfigManagerLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090

database:
  type: "postgres"
  postgres_url: "postgres://driftwatch:secret@db:5432/driftwatch"
  pool_size: 20

forecast:
  default_backend: "remote"
  remote:
    base_url: "http://forecaster:9000"
    timeout_secs: 15

alerting:
  rate_limit_per_minute: 30
  dedup_store: "redis"
  redis_addr: "redis:6379"

logging:
  level: "debug"
  format: "text"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	err = mgr.Load(ctx)
	require.NoError(t, err)

	cfg := mgr.Get(ctx)
	require.NotNil(t, cfg)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, 20, cfg.Database.PoolSize)
	assert.Equal(t, "remote", cfg.Forecast.DefaultBackend)
	assert.Equal(t, "http://forecaster:9000", cfg.Forecast.Remote.BaseURL)
	assert.Equal(t, 15, cfg.Forecast.Remote.TimeoutSecs)
	assert.Equal(t, 30, cfg.Alerting.RateLimitPerMinute)
	assert.Equal(t, "redis", cfg.Alerting.DedupStore)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	// Sections the file does not mention keep their defaults.
	assert.Equal(t, 24, cfg.Ingest.IdempotencyTTLHours)
	assert.Equal(t, 0.5, cfg.Anomaly.Sensitivity)

	require.NoError(t, mgr.Validate(ctx))
}

func TestConfigManagerEnvironmentOverrides(t *testing.T) {
	t.Setenv("DRIFTWATCH_SERVER_PORT", "7070")
	t.Setenv("DRIFTWATCH_DATABASE_SQLITE_PATH", "/tmp/env-driftwatch.db")
	t.Setenv("DRIFTWATCH_LOGGING_LEVEL", "warn")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 8080

logging:
  level: "info"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	err = mgr.Load(ctx)
	require.NoError(t, err)

	cfg := mgr.Get(ctx)
	assert.Equal(t, 7070, cfg.Server.Port, "environment variable should override the config file")
	assert.Equal(t, "/tmp/env-driftwatch.db", cfg.Database.SQLitePath)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestConfigManagerMissingFile(t *testing.T) {
	mgr, err := NewConfigManager(filepath.Join(t.TempDir(), "nonexistent-config.yaml"))
	require.NoError(t, err)

	ctx := context.Background()
	err = mgr.Load(ctx)
	require.NoError(t, err, "a missing config file falls back to defaults")

	cfg := mgr.Get(ctx)
	assert.NotNil(t, cfg)
	assert.Equal(t, 8080, cfg.Server.Port)
	require.NoError(t, mgr.Validate(ctx))
}

func TestConfigManagerValidation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 99999

database:
  type: "oracle"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	err = mgr.Load(ctx)
	require.NoError(t, err)

	err = mgr.Validate(ctx)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
}
