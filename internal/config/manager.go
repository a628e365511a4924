package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("DRIFTWATCH")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// The config file is optional; defaults plus env vars are a complete
	// configuration.
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// use defaults
		} else if os.IsNotExist(err) {
			// use defaults
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})
	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.tls_enabled", defaults.Server.TLSEnabled)
	m.viper.SetDefault("server.tls_cert_path", defaults.Server.TLSCertPath)
	m.viper.SetDefault("server.tls_key_path", defaults.Server.TLSKeyPath)
	m.viper.SetDefault("server.read_timeout_secs", defaults.Server.ReadTimeoutSecs)
	m.viper.SetDefault("server.write_timeout_secs", defaults.Server.WriteTimeoutSecs)
	m.viper.SetDefault("server.shutdown_grace_secs", defaults.Server.ShutdownGraceSecs)
	m.viper.SetDefault("server.requests_per_second", defaults.Server.RequestsPerSecond)
	m.viper.SetDefault("server.request_burst", defaults.Server.RequestBurst)

	// Database defaults
	m.viper.SetDefault("database.type", defaults.Database.Type)
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)
	m.viper.SetDefault("database.postgres_url", defaults.Database.PostgresURL)
	m.viper.SetDefault("database.pool_size", defaults.Database.PoolSize)
	m.viper.SetDefault("database.acquire_timeout", defaults.Database.AcquireTimeout)

	// Ingest defaults
	m.viper.SetDefault("ingest.pipeline_version", defaults.Ingest.PipelineVersion)
	m.viper.SetDefault("ingest.dead_letter_cap", defaults.Ingest.DeadLetterCap)
	m.viper.SetDefault("ingest.idempotency_ttl_hours", defaults.Ingest.IdempotencyTTLHours)
	m.viper.SetDefault("ingest.replay_interval_secs", defaults.Ingest.ReplayIntervalSecs)
	m.viper.SetDefault("ingest.replay_batch", defaults.Ingest.ReplayBatch)

	// Forecast defaults
	m.viper.SetDefault("forecast.default_backend", defaults.Forecast.DefaultBackend)
	m.viper.SetDefault("forecast.remote.base_url", defaults.Forecast.Remote.BaseURL)
	m.viper.SetDefault("forecast.remote.timeout_secs", defaults.Forecast.Remote.TimeoutSecs)
	m.viper.SetDefault("forecast.remote.max_retries", defaults.Forecast.Remote.MaxRetries)
	m.viper.SetDefault("forecast.remote.failure_threshold", defaults.Forecast.Remote.FailureThreshold)
	m.viper.SetDefault("forecast.remote.open_for_secs", defaults.Forecast.Remote.OpenForSecs)

	// Anomaly defaults
	m.viper.SetDefault("anomaly.sensitivity", defaults.Anomaly.Sensitivity)
	m.viper.SetDefault("anomaly.base_threshold", defaults.Anomaly.BaseThreshold)
	m.viper.SetDefault("anomaly.context_points", defaults.Anomaly.ContextPoints)

	// Alerting defaults
	m.viper.SetDefault("alerting.rate_limit_per_minute", defaults.Alerting.RateLimitPerMinute)
	m.viper.SetDefault("alerting.dedup_window_ms", defaults.Alerting.DedupWindowMS)
	m.viper.SetDefault("alerting.dedup_store", defaults.Alerting.DedupStore)
	m.viper.SetDefault("alerting.redis_addr", defaults.Alerting.RedisAddr)
	m.viper.SetDefault("alerting.max_escalation_level", defaults.Alerting.MaxEscalationLevel)
	m.viper.SetDefault("alerting.escalation_timeout_m", defaults.Alerting.EscalationTimeoutM)
	m.viper.SetDefault("alerting.reminder_interval_m", defaults.Alerting.ReminderIntervalM)
	m.viper.SetDefault("alerting.email_relay_addr", defaults.Alerting.EmailRelayAddr)
	m.viper.SetDefault("alerting.email_from", defaults.Alerting.EmailFrom)
	m.viper.SetDefault("alerting.pager_routing_key", defaults.Alerting.PagerRoutingKey)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file", defaults.Logging.File)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)

	// Health defaults
	m.viper.SetDefault("health.probe_timeout_secs", defaults.Health.ProbeTimeoutSecs)
	m.viper.SetDefault("health.history_size", defaults.Health.HistorySize)
}

// unmarshalConfig unmarshals viper config into the Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.TLSEnabled = m.viper.GetBool("server.tls_enabled")
	cfg.Server.TLSCertPath = m.viper.GetString("server.tls_cert_path")
	cfg.Server.TLSKeyPath = m.viper.GetString("server.tls_key_path")
	cfg.Server.ReadTimeoutSecs = m.viper.GetInt("server.read_timeout_secs")
	cfg.Server.WriteTimeoutSecs = m.viper.GetInt("server.write_timeout_secs")
	cfg.Server.ShutdownGraceSecs = m.viper.GetInt("server.shutdown_grace_secs")
	cfg.Server.RequestsPerSecond = m.viper.GetFloat64("server.requests_per_second")
	cfg.Server.RequestBurst = m.viper.GetInt("server.request_burst")

	// Database
	cfg.Database.Type = m.viper.GetString("database.type")
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")
	cfg.Database.PostgresURL = m.viper.GetString("database.postgres_url")
	cfg.Database.PoolSize = m.viper.GetInt("database.pool_size")
	cfg.Database.AcquireTimeout = m.viper.GetInt("database.acquire_timeout")

	// Ingest
	cfg.Ingest.PipelineVersion = m.viper.GetString("ingest.pipeline_version")
	cfg.Ingest.DeadLetterCap = m.viper.GetInt("ingest.dead_letter_cap")
	cfg.Ingest.IdempotencyTTLHours = m.viper.GetInt("ingest.idempotency_ttl_hours")
	cfg.Ingest.ReplayIntervalSecs = m.viper.GetInt("ingest.replay_interval_secs")
	cfg.Ingest.ReplayBatch = m.viper.GetInt("ingest.replay_batch")

	// Forecast
	cfg.Forecast.DefaultBackend = m.viper.GetString("forecast.default_backend")
	cfg.Forecast.Remote.BaseURL = m.viper.GetString("forecast.remote.base_url")
	cfg.Forecast.Remote.TimeoutSecs = m.viper.GetInt("forecast.remote.timeout_secs")
	cfg.Forecast.Remote.MaxRetries = m.viper.GetInt("forecast.remote.max_retries")
	cfg.Forecast.Remote.FailureThreshold = m.viper.GetInt("forecast.remote.failure_threshold")
	cfg.Forecast.Remote.OpenForSecs = m.viper.GetInt("forecast.remote.open_for_secs")

	// Anomaly
	cfg.Anomaly.Sensitivity = m.viper.GetFloat64("anomaly.sensitivity")
	cfg.Anomaly.BaseThreshold = m.viper.GetFloat64("anomaly.base_threshold")
	cfg.Anomaly.ContextPoints = m.viper.GetInt("anomaly.context_points")

	// Alerting
	cfg.Alerting.RateLimitPerMinute = m.viper.GetInt("alerting.rate_limit_per_minute")
	cfg.Alerting.DedupWindowMS = m.viper.GetInt("alerting.dedup_window_ms")
	cfg.Alerting.DedupStore = m.viper.GetString("alerting.dedup_store")
	cfg.Alerting.RedisAddr = m.viper.GetString("alerting.redis_addr")
	cfg.Alerting.MaxEscalationLevel = m.viper.GetInt("alerting.max_escalation_level")
	cfg.Alerting.EscalationTimeoutM = m.viper.GetInt("alerting.escalation_timeout_m")
	cfg.Alerting.ReminderIntervalM = m.viper.GetInt("alerting.reminder_interval_m")
	cfg.Alerting.EmailRelayAddr = m.viper.GetString("alerting.email_relay_addr")
	cfg.Alerting.EmailFrom = m.viper.GetString("alerting.email_from")
	cfg.Alerting.PagerRoutingKey = m.viper.GetString("alerting.pager_routing_key")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.File = m.viper.GetString("logging.file")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")

	// Health
	cfg.Health.ProbeTimeoutSecs = m.viper.GetInt("health.probe_timeout_secs")
	cfg.Health.HistorySize = m.viper.GetInt("health.history_size")

	m.config = cfg
	return nil
}
