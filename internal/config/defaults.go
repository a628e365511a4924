package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8080
	cfg.Server.TLSEnabled = false
	cfg.Server.ReadTimeoutSecs = 30
	cfg.Server.WriteTimeoutSecs = 30
	cfg.Server.ShutdownGraceSecs = 15
	cfg.Server.RequestsPerSecond = 100
	cfg.Server.RequestBurst = 200

	// Database defaults
	cfg.Database.Type = "sqlite"
	cfg.Database.SQLitePath = "/var/lib/driftwatch/driftwatch.db"
	cfg.Database.PostgresURL = ""
	cfg.Database.PoolSize = 10
	cfg.Database.AcquireTimeout = 10

	// Ingest defaults
	cfg.Ingest.PipelineVersion = "1.0"
	cfg.Ingest.DeadLetterCap = 10
	cfg.Ingest.IdempotencyTTLHours = 24
	cfg.Ingest.ReplayIntervalSecs = 60
	cfg.Ingest.ReplayBatch = 50

	// Forecast defaults
	cfg.Forecast.DefaultBackend = "holtwinters"
	cfg.Forecast.Remote.BaseURL = ""
	cfg.Forecast.Remote.TimeoutSecs = 30
	cfg.Forecast.Remote.MaxRetries = 3
	cfg.Forecast.Remote.FailureThreshold = 5
	cfg.Forecast.Remote.OpenForSecs = 30

	// Anomaly defaults
	cfg.Anomaly.Sensitivity = 0.5
	cfg.Anomaly.BaseThreshold = 0.7
	cfg.Anomaly.ContextPoints = 0

	// Alerting defaults
	cfg.Alerting.RateLimitPerMinute = 10
	cfg.Alerting.DedupWindowMS = 300000
	cfg.Alerting.DedupStore = "sql"
	cfg.Alerting.RedisAddr = "localhost:6379"
	cfg.Alerting.MaxEscalationLevel = 3
	cfg.Alerting.EscalationTimeoutM = 30
	cfg.Alerting.ReminderIntervalM = 240
	cfg.Alerting.EmailRelayAddr = ""
	cfg.Alerting.EmailFrom = "alerts@driftwatch.local"
	cfg.Alerting.PagerRoutingKey = ""

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.File = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 5
	cfg.Logging.MaxAgeDays = 30

	// Health defaults
	cfg.Health.ProbeTimeoutSecs = 5
	cfg.Health.HistorySize = 100

	return cfg
}
