package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	if c.Server.TLSEnabled {
		if c.Server.TLSCertPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: "tls_cert_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSCertPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: fmt.Sprintf("certificate file does not exist: %s", c.Server.TLSCertPath),
			})
		}

		if c.Server.TLSKeyPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: "tls_key_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSKeyPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: fmt.Sprintf("key file does not exist: %s", c.Server.TLSKeyPath),
			})
		}
	}

	if c.Server.RequestsPerSecond <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "server.requests_per_second",
			Message: fmt.Sprintf("requests_per_second must be positive, got %g", c.Server.RequestsPerSecond),
		})
	}

	// Validate database configuration
	validDatabaseTypes := map[string]bool{
		"sqlite":   true,
		"postgres": true,
	}
	if !validDatabaseTypes[c.Database.Type] {
		errs = append(errs, &ValidationError{
			Field:   "database.type",
			Message: fmt.Sprintf("invalid database type '%s', must be one of: sqlite, postgres", c.Database.Type),
		})
	}

	switch c.Database.Type {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			errs = append(errs, &ValidationError{
				Field:   "database.sqlite_path",
				Message: "sqlite_path is required when database type is sqlite",
			})
		}
	case "postgres":
		if c.Database.PostgresURL == "" {
			errs = append(errs, &ValidationError{
				Field:   "database.postgres_url",
				Message: "postgres_url is required when database type is postgres",
			})
		}
	}

	if c.Database.PoolSize < 1 {
		errs = append(errs, &ValidationError{
			Field:   "database.pool_size",
			Message: fmt.Sprintf("pool_size must be at least 1, got %d", c.Database.PoolSize),
		})
	}

	if c.Database.AcquireTimeout < 1 {
		errs = append(errs, &ValidationError{
			Field:   "database.acquire_timeout",
			Message: fmt.Sprintf("acquire_timeout must be at least 1 second, got %d", c.Database.AcquireTimeout),
		})
	}

	// Validate ingest configuration
	if c.Ingest.IdempotencyTTLHours < 1 {
		errs = append(errs, &ValidationError{
			Field:   "ingest.idempotency_ttl_hours",
			Message: fmt.Sprintf("idempotency_ttl_hours must be at least 1, got %d", c.Ingest.IdempotencyTTLHours),
		})
	}

	if c.Ingest.DeadLetterCap < 1 {
		errs = append(errs, &ValidationError{
			Field:   "ingest.dead_letter_cap",
			Message: fmt.Sprintf("dead_letter_cap must be at least 1, got %d", c.Ingest.DeadLetterCap),
		})
	}

	// Validate forecast configuration
	validBackends := map[string]bool{
		"holtwinters": true,
		"remote":      true,
	}
	if !validBackends[c.Forecast.DefaultBackend] {
		errs = append(errs, &ValidationError{
			Field:   "forecast.default_backend",
			Message: fmt.Sprintf("invalid backend '%s', must be one of: holtwinters, remote", c.Forecast.DefaultBackend),
		})
	}

	if c.Forecast.DefaultBackend == "remote" {
		if c.Forecast.Remote.BaseURL == "" {
			errs = append(errs, &ValidationError{
				Field:   "forecast.remote.base_url",
				Message: "base_url is required when the default backend is remote",
			})
		} else if u, err := url.Parse(c.Forecast.Remote.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, &ValidationError{
				Field:   "forecast.remote.base_url",
				Message: fmt.Sprintf("invalid base_url: %s", c.Forecast.Remote.BaseURL),
			})
		}
	}

	// Validate anomaly configuration
	if c.Anomaly.Sensitivity < 0 || c.Anomaly.Sensitivity > 1 {
		errs = append(errs, &ValidationError{
			Field:   "anomaly.sensitivity",
			Message: fmt.Sprintf("sensitivity must be in [0, 1], got %g", c.Anomaly.Sensitivity),
		})
	}

	// Validate alerting configuration
	validDedupStores := map[string]bool{
		"sql":   true,
		"redis": true,
	}
	if !validDedupStores[c.Alerting.DedupStore] {
		errs = append(errs, &ValidationError{
			Field:   "alerting.dedup_store",
			Message: fmt.Sprintf("invalid dedup store '%s', must be one of: sql, redis", c.Alerting.DedupStore),
		})
	}

	if c.Alerting.DedupStore == "redis" {
		if c.Alerting.RedisAddr == "" {
			errs = append(errs, &ValidationError{
				Field:   "alerting.redis_addr",
				Message: "redis_addr is required when dedup store is redis",
			})
		} else if _, _, err := net.SplitHostPort(c.Alerting.RedisAddr); err != nil {
			errs = append(errs, &ValidationError{
				Field:   "alerting.redis_addr",
				Message: fmt.Sprintf("invalid address format (expected host:port): %v", err),
			})
		}
	}

	if c.Alerting.RateLimitPerMinute < 1 {
		errs = append(errs, &ValidationError{
			Field:   "alerting.rate_limit_per_minute",
			Message: fmt.Sprintf("rate_limit_per_minute must be at least 1, got %d", c.Alerting.RateLimitPerMinute),
		})
	}

	if c.Alerting.MaxEscalationLevel < 1 {
		errs = append(errs, &ValidationError{
			Field:   "alerting.max_escalation_level",
			Message: fmt.Sprintf("max_escalation_level must be at least 1, got %d", c.Alerting.MaxEscalationLevel),
		})
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, text", c.Logging.Format),
		})
	}

	// Validate health configuration
	if c.Health.ProbeTimeoutSecs < 1 {
		errs = append(errs, &ValidationError{
			Field:   "health.probe_timeout_secs",
			Message: fmt.Sprintf("probe_timeout_secs must be at least 1, got %d", c.Health.ProbeTimeoutSecs),
		})
	}

	return errs
}
