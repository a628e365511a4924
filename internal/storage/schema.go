package storage

// The schema sticks to TEXT / REAL / INTEGER affinities and textual
// timestamps so the same DDL runs unchanged on SQLite and PostgreSQL.
// Version bookkeeping lives in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS organizations (
    tenant_id   TEXT PRIMARY KEY,
    name        TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS metrics (
    tenant_id        TEXT NOT NULL,
    metric_key       TEXT NOT NULL,
    timestamp        TEXT NOT NULL,
    value            REAL NOT NULL,
    dimensions_json  TEXT NOT NULL DEFAULT '{}',
    provenance_json  TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY (tenant_id, metric_key, timestamp, dimensions_json)
);
CREATE INDEX IF NOT EXISTS idx_metrics_range ON metrics(tenant_id, metric_key, timestamp);

CREATE TABLE IF NOT EXISTS idempotency_keys (
    key               TEXT PRIMARY KEY,
    request_id        TEXT NOT NULL,
    tenant_id         TEXT NOT NULL DEFAULT '',
    created_at        TEXT NOT NULL,
    expires_at        TEXT NOT NULL,
    original_response TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys(expires_at);

CREATE TABLE IF NOT EXISTS dead_letter (
    id               TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL DEFAULT '',
    original_request TEXT NOT NULL,
    error            TEXT NOT NULL DEFAULT '',
    failed_at        TEXT NOT NULL,
    retry_count      INTEGER NOT NULL DEFAULT 0,
    next_retry_at    TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_dead_letter_due ON dead_letter(status, next_retry_at);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS forecasts (
    request_id       TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL,
    metric_key       TEXT NOT NULL,
    dimensions_json  TEXT NOT NULL DEFAULT '{}',
    backend          TEXT NOT NULL,
    horizon          INTEGER NOT NULL,
    frequency        TEXT NOT NULL DEFAULT '1h',
    predictions_json TEXT NOT NULL,
    model_info_json  TEXT NOT NULL DEFAULT '{}',
    generated_at     TEXT NOT NULL,
    duration_ms      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_forecasts_series ON forecasts(tenant_id, metric_key, generated_at);

CREATE TABLE IF NOT EXISTS anomalies (
    anomaly_id       TEXT PRIMARY KEY,
    request_id       TEXT NOT NULL DEFAULT '',
    tenant_id        TEXT NOT NULL,
    metric_key       TEXT NOT NULL,
    dimensions_json  TEXT NOT NULL DEFAULT '{}',
    timestamp        TEXT NOT NULL,
    observed         REAL NOT NULL,
    expected         REAL NOT NULL,
    score            REAL NOT NULL,
    type             TEXT NOT NULL,
    severity         TEXT NOT NULL,
    description      TEXT NOT NULL DEFAULT '',
    detected_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_anomalies_series ON anomalies(tenant_id, metric_key, timestamp);

CREATE TABLE IF NOT EXISTS forecast_jobs (
    job_id          TEXT PRIMARY KEY,
    tenant_id       TEXT NOT NULL,
    metric_key      TEXT NOT NULL,
    dimensions_json TEXT NOT NULL DEFAULT '{}',
    backend         TEXT NOT NULL DEFAULT '',
    horizon         INTEGER NOT NULL,
    frequency       TEXT NOT NULL DEFAULT '1h',
    interval_ms     INTEGER NOT NULL,
    status          TEXT NOT NULL DEFAULT 'active',
    last_run_at     TEXT,
    created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_forecast_jobs_status ON forecast_jobs(status, last_run_at);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS alert_rules (
    rule_id         TEXT PRIMARY KEY,
    tenant_id       TEXT NOT NULL,
    name            TEXT NOT NULL,
    metric_key      TEXT NOT NULL,
    enabled         BOOLEAN NOT NULL DEFAULT TRUE,
    definition_json TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alert_rules_tenant ON alert_rules(tenant_id, metric_key);

CREATE TABLE IF NOT EXISTS alert_states (
    alert_id           TEXT PRIMARY KEY,
    rule_id            TEXT NOT NULL,
    tenant_id          TEXT NOT NULL,
    status             TEXT NOT NULL DEFAULT 'firing',
    severity           TEXT NOT NULL,
    trigger_type       TEXT NOT NULL DEFAULT '',
    metric_key         TEXT NOT NULL DEFAULT '',
    triggered_at       TEXT NOT NULL,
    acknowledged_at    TEXT,
    acknowledged_by    TEXT NOT NULL DEFAULT '',
    resolved_at        TEXT,
    resolved_by        TEXT NOT NULL DEFAULT '',
    escalated_at       TEXT,
    escalation_level   INTEGER NOT NULL DEFAULT 0,
    notification_count INTEGER NOT NULL DEFAULT 0,
    last_notified_at   TEXT,
    context_json       TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_alert_states_tenant ON alert_states(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_alert_states_firing ON alert_states(status, triggered_at);

CREATE TABLE IF NOT EXISTS alert_transitions (
    id          TEXT PRIMARY KEY,
    alert_id    TEXT NOT NULL,
    from_status TEXT NOT NULL,
    to_status   TEXT NOT NULL,
    occurred_at TEXT NOT NULL,
    actor       TEXT NOT NULL DEFAULT '',
    reason      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_alert_transitions_alert ON alert_transitions(alert_id, occurred_at);

CREATE TABLE IF NOT EXISTS alert_dedup (
    dedup_key          TEXT PRIMARY KEY,
    tenant_id          TEXT NOT NULL,
    first_alert_id     TEXT NOT NULL,
    first_triggered_at TEXT NOT NULL,
    expires_at         TEXT NOT NULL,
    count              INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_alert_dedup_tenant ON alert_dedup(tenant_id, first_triggered_at);
CREATE INDEX IF NOT EXISTS idx_alert_dedup_expires ON alert_dedup(expires_at);
`,
	},
}
