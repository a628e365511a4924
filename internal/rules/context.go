package rules

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/driftwatch/driftwatch/internal/anomaly"
	"github.com/driftwatch/driftwatch/internal/forecast"
	"github.com/driftwatch/driftwatch/internal/metric"
	"github.com/driftwatch/driftwatch/internal/storage"
)

// EvalContext is everything a rule can look at during one evaluation pass
// over a single series.
type EvalContext struct {
	// Metric is the current (most recent) point. For a series that has never
	// reported, only the identity fields are set.
	Metric metric.Point
	// Series is the recent history window, oldest first.
	Series *metric.Series
	// Previous is the value before the current point, when one exists.
	Previous *float64
	// Anomalies are recent detections for the series.
	Anomalies []anomaly.Anomaly
	// Predictions are the flattened points of recent forecasts.
	Predictions []forecast.Prediction
	// LastSeenAt is the timestamp of the newest stored point; nil when the
	// series has never reported.
	LastSeenAt *time.Time
	// Now anchors horizon and staleness arithmetic.
	Now time.Time
}

// ContextOptions tunes what the builder pulls from the store.
type ContextOptions struct {
	// HistoryWindow bounds the point query. Default 24h.
	HistoryWindow time.Duration
	// AnomalyWindow bounds the anomaly query. Default 24h.
	AnomalyWindow time.Duration
	// ForecastLimit caps how many recent forecasts contribute predictions.
	// Default 3.
	ForecastLimit int
}

func (o *ContextOptions) applyDefaults() {
	if o.HistoryWindow <= 0 {
		o.HistoryWindow = 24 * time.Hour
	}
	if o.AnomalyWindow <= 0 {
		o.AnomalyWindow = 24 * time.Hour
	}
	if o.ForecastLimit <= 0 {
		o.ForecastLimit = 3
	}
}

// ContextBuilder assembles evaluation contexts from the store.
type ContextBuilder struct {
	store *storage.Store
	opts  ContextOptions
	log   *zap.Logger
	now   func() time.Time
}

// NewContextBuilder wires a builder over the store.
func NewContextBuilder(store *storage.Store, opts ContextOptions, log *zap.Logger) *ContextBuilder {
	opts.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &ContextBuilder{store: store, opts: opts, log: log, now: time.Now}
}

// Build loads the recent history, anomalies, and forecasts for one series and
// assembles the evaluation context. A series with no stored points still
// yields a context so missing_data rules can fire on it.
func (b *ContextBuilder) Build(ctx context.Context, tenantID, metricKey string, dims map[string]any) (*EvalContext, error) {
	now := b.now()
	ec := &EvalContext{
		Metric: metric.Point{TenantID: tenantID, MetricKey: metricKey, Dimensions: dims},
		Now:    now,
	}

	series, err := b.store.AsSeries(ctx, storage.PointQuery{
		TenantID:         tenantID,
		MetricKey:        metricKey,
		DimensionFilters: dims,
		From:             now.Add(-b.opts.HistoryWindow),
		To:               now.Add(time.Second),
	})
	if err != nil {
		return nil, err
	}
	ec.Series = series
	if n := len(series.Points); n > 0 {
		ec.Metric = series.Points[n-1]
		last := series.Points[n-1].Timestamp
		ec.LastSeenAt = &last
		if n > 1 {
			prev := series.Points[n-2].Value
			ec.Previous = &prev
		}
	}

	ec.Anomalies, err = b.store.QueryAnomalies(ctx, storage.AnomalyQuery{
		TenantID:  tenantID,
		MetricKey: metricKey,
		From:      now.Add(-b.opts.AnomalyWindow),
	})
	if err != nil {
		return nil, err
	}

	recents, err := b.store.RecentForecasts(ctx, tenantID, metricKey, b.opts.ForecastLimit)
	if err != nil {
		return nil, err
	}
	for _, rec := range recents {
		ec.Predictions = append(ec.Predictions, rec.Predictions...)
	}

	b.log.Debug("evaluation context built",
		zap.String("tenant_id", tenantID),
		zap.String("metric_key", metricKey),
		zap.Int("points", len(series.Points)),
		zap.Int("anomalies", len(ec.Anomalies)),
		zap.Int("predictions", len(ec.Predictions)))
	return ec, nil
}
