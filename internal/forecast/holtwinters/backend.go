package holtwinters

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftwatch/driftwatch/internal/forecast"
	"github.com/driftwatch/driftwatch/internal/metric"
)

// Backend is the statistical Holt-Winters forecaster: it describes the
// training series, detects seasonality, grid-searches smoothing parameters
// by in-sample MAPE, and produces predictions with widening intervals.
type Backend struct {
	id  string
	log *zap.Logger
}

const (
	modelName    = "holt_winters"
	modelVersion = "1.2"
	// minPoints is the smallest trainable series.
	minPoints = 3
	// maxHorizon bounds a single request.
	maxHorizon = 1000
)

// New creates the backend. The id defaults to "holt_winters".
func New(id string, log *zap.Logger) *Backend {
	if id == "" {
		id = modelName
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Backend{id: id, log: log}
}

// ID implements forecast.Backend.
func (b *Backend) ID() string { return b.id }

// HealthCheck implements forecast.Backend; fitting is local computation and
// is always available.
func (b *Backend) HealthCheck(context.Context) error { return nil }

// Capabilities implements forecast.Backend.
func (b *Backend) Capabilities() forecast.Capabilities {
	return forecast.Capabilities{
		MaxHorizon:           maxHorizon,
		SupportedFrequencies: []string{"1m", "5m", "15m", "1h", "1d"},
		SupportsIntervals:    true,
		SupportsBatch:        false,
		SupportsExogenous:    false,
	}
}

// Forecast implements forecast.Backend.
func (b *Backend) Forecast(ctx context.Context, req *forecast.Request) (*forecast.Result, error) {
	start := time.Now()
	if len(req.History) < minPoints {
		return nil, forecast.NewError(metric.ErrInsufficientData,
			"holt-winters needs at least %d points, got %d", minPoints, len(req.History))
	}
	if req.Horizon <= 0 || req.Horizon > maxHorizon {
		return nil, forecast.NewError(metric.ErrSchemaValidationFailed,
			"horizon must be in [1,%d], got %d", maxHorizon, req.Horizon)
	}

	// Validate confidence keys up front so a bad request fails before the
	// expensive fit.
	levels := req.ConfidenceLevels
	if len(levels) == 0 {
		levels = []string{"0.80", "0.95"}
	}
	confidences := make(map[string]float64, len(levels))
	for _, key := range levels {
		c, err := forecast.ParseConfidence(key)
		if err != nil {
			return nil, err
		}
		confidences[key] = c
	}

	values := make([]float64, len(req.History))
	for i, p := range req.History {
		values[i] = p.Value
	}

	desc := Describe(values, req.Frequency)
	m := gridSearch(values, desc.SeasonalPeriod)

	b.log.Debug("holt-winters fitted",
		zap.String("metric_key", req.MetricKey),
		zap.Int("points", len(values)),
		zap.Int("seasonal_period", m.period),
		zap.Float64("mape", m.mape),
		zap.Float64("alpha", m.alpha))

	last := req.History[len(req.History)-1]
	step := forecast.StepDuration(req.Frequency)
	lastIdx := len(values) - 1

	preds := make([]forecast.Prediction, req.Horizon)
	for h := 1; h <= req.Horizon; h++ {
		value := m.predict(h, lastIdx)
		intervals := make(map[string]forecast.Interval, len(confidences))
		for key, c := range confidences {
			// Interval width grows with the square root of the horizon.
			width := forecast.ZScore(c) * m.residualStd * math.Sqrt(float64(h))
			intervals[key] = forecast.Interval{
				Lower: math.Max(0, value-width),
				Upper: value + width,
			}
		}
		preds[h-1] = forecast.Prediction{
			Timestamp: last.Timestamp.Add(time.Duration(h) * step),
			Value:     value,
			Intervals: intervals,
		}
		if h%100 == 0 {
			select {
			case <-ctx.Done():
				return nil, forecast.NewError(metric.ErrTimeout, "forecast cancelled: %v", ctx.Err())
			default:
			}
		}
	}

	return &forecast.Result{
		RequestID:   uuid.NewString(),
		Backend:     b.id,
		Predictions: preds,
		Model: forecast.ModelInfo{
			Name:    modelName,
			Version: modelVersion,
			TrainingMetrics: map[string]float64{
				"mape":              m.mape,
				"residual_std":      m.residualStd,
				"alpha":             m.alpha,
				"beta":              m.beta,
				"gamma":             m.gamma,
				"seasonal_period":   float64(m.period),
				"seasonal_strength": desc.SeasonalStrength,
				"trend":             desc.TrendSlope,
			},
		},
		GeneratedAt: start,
		Duration:    time.Since(start),
	}, nil
}
