// Package config provides configuration management for driftwatch.
//
// Sources, highest priority first:
//  1. Environment variables (DRIFTWATCH_* prefix)
//  2. YAML config file (default: /etc/driftwatch/config.yaml)
//  3. Built-in defaults
package config

import "context"

// Config contains all configuration fields.
type Config struct {
	// Server configuration
	Server struct {
		Port              int
		TLSEnabled        bool
		TLSCertPath       string
		TLSKeyPath        string
		ReadTimeoutSecs   int
		WriteTimeoutSecs  int
		ShutdownGraceSecs int
		RequestsPerSecond float64
		RequestBurst      int
	}

	// Database configuration
	Database struct {
		Type           string // "sqlite" | "postgres"
		SQLitePath     string
		PostgresURL    string
		PoolSize       int
		AcquireTimeout int // seconds
	}

	// Ingest pipeline configuration
	Ingest struct {
		PipelineVersion     string
		DeadLetterCap       int
		IdempotencyTTLHours int
		ReplayIntervalSecs  int
		ReplayBatch         int
	}

	// Forecast configuration
	Forecast struct {
		DefaultBackend string // "holtwinters" | "remote"
		Remote         struct {
			BaseURL          string
			TimeoutSecs      int
			MaxRetries       int
			FailureThreshold int
			OpenForSecs      int
		}
	}

	// Anomaly detection configuration
	Anomaly struct {
		Sensitivity   float64
		BaseThreshold float64
		ContextPoints int
	}

	// Alerting configuration
	Alerting struct {
		RateLimitPerMinute int
		DedupWindowMS      int
		DedupStore         string // "sql" | "redis"
		RedisAddr          string
		MaxEscalationLevel int
		EscalationTimeoutM int
		ReminderIntervalM  int
		EmailRelayAddr     string
		EmailFrom          string
		PagerRoutingKey    string
	}

	// Logging configuration
	Logging struct {
		Level      string // "debug" | "info" | "warn" | "error"
		Format     string // "json" | "text"
		File       string // empty logs to stderr only
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
	}

	// Health monitoring configuration
	Health struct {
		ProbeTimeoutSecs int
		HistorySize      int
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with the default
// config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/driftwatch/config.yaml")
}
