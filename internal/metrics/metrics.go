package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics for production monitoring
var (
	// Ingest metrics
	IngestAcceptedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftwatch_ingest_accepted_total",
			Help: "Total number of metric points accepted by the ingest pipeline",
		},
		[]string{"tenant"},
	)

	IngestRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftwatch_ingest_rejected_total",
			Help: "Total number of metric points rejected during normalization",
		},
		[]string{"tenant", "reason"},
	)

	IngestDuplicatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftwatch_ingest_duplicates_total",
			Help: "Total number of batches skipped by idempotency checks",
		},
		[]string{"tenant"},
	)

	IngestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftwatch_ingest_duration_seconds",
			Help:    "Ingest batch processing duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"tenant"},
	)

	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftwatch_dead_letters_total",
			Help: "Total number of batches routed to the dead-letter queue",
		},
		[]string{"tenant", "stage"},
	)

	DeadLetterReplaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftwatch_dead_letter_replays_total",
			Help: "Total number of dead-letter replay attempts",
		},
		[]string{"status"}, // status: recovered/requeued/dropped
	)

	// Forecast metrics
	ForecastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftwatch_forecasts_total",
			Help: "Total number of forecast runs",
		},
		[]string{"backend", "status"},
	)

	ForecastDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftwatch_forecast_duration_seconds",
			Help:    "Forecast computation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
		[]string{"backend"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "driftwatch_breaker_state",
			Help: "Circuit breaker state for remote backends (0=closed, 1=half-open, 2=open)",
		},
		[]string{"backend"},
	)

	// Anomaly detection metrics
	AnomaliesDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftwatch_anomalies_detected_total",
			Help: "Total number of anomalies detected",
		},
		[]string{"tenant", "severity"},
	)

	DetectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftwatch_detection_duration_seconds",
			Help:    "Anomaly detection duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"tenant"},
	)

	// Rule evaluation metrics
	RuleEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftwatch_rule_evaluations_total",
			Help: "Total number of rule evaluations",
		},
		[]string{"tenant", "result"}, // result: matched/unmatched/error
	)

	// Alerting metrics
	AlertsFilteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftwatch_alerts_filtered_total",
			Help: "Total number of triggers suppressed by the alert filter",
		},
		[]string{"tenant", "reason"}, // reason: muted/rate_limited/duplicate
	)

	AlertsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftwatch_alerts_dispatched_total",
			Help: "Total number of alerts handed to the notification dispatcher",
		},
		[]string{"tenant", "severity"},
	)

	NotificationAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftwatch_notification_attempts_total",
			Help: "Total number of notification delivery attempts",
		},
		[]string{"channel", "status"},
	)

	NotificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftwatch_notification_duration_seconds",
			Help:    "Notification delivery duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"channel"},
	)

	EscalationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "driftwatch_escalations_total",
			Help: "Total number of automatic alert escalations",
		},
	)

	// Connection pool metrics
	PoolConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftwatch_pool_connections_in_use",
			Help: "Current number of database connections checked out of the pool",
		},
	)

	PoolWaiters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftwatch_pool_waiters",
			Help: "Current number of goroutines waiting for a pool connection",
		},
	)

	PoolAcquireTimeouts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftwatch_pool_acquire_timeouts",
			Help: "Total number of pool acquisitions that timed out since start",
		},
	)
)
