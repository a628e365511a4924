package evaluate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/driftwatch/driftwatch/internal/forecast"
	"github.com/driftwatch/driftwatch/internal/metric"
)

// BacktestConfig drives a walk-forward validation run.
type BacktestConfig struct {
	// Folds is the number of train/test splits. Default 3.
	Folds int
	// Horizon is the number of steps forecast per fold. Default 5.
	Horizon int
	// MinTrainSize is the smallest training prefix. Default 10.
	MinTrainSize int
	// Frequency is the step between predictions ("1m", "1h", "1d").
	Frequency string
	// ConfidenceLevels are passed through to the backend.
	ConfidenceLevels []string
}

func (c *BacktestConfig) applyDefaults() {
	if c.Folds <= 0 {
		c.Folds = 3
	}
	if c.Horizon <= 0 {
		c.Horizon = 5
	}
	if c.MinTrainSize <= 0 {
		c.MinTrainSize = 10
	}
}

// FoldResult is the outcome of one train/test split.
type FoldResult struct {
	Fold      int             `json:"fold"`
	TrainSize int             `json:"train_size"`
	Metrics   ForecastMetrics `json:"metrics"`
}

// BacktestResult aggregates per-fold metrics.
type BacktestResult struct {
	Backend string          `json:"backend"`
	Folds   []FoldResult    `json:"folds"`
	Average ForecastMetrics `json:"average"`
}

// Backtester runs walk-forward validation against a forecast backend.
type Backtester struct {
	backend forecast.Backend
	log     *zap.Logger
}

// NewBacktester wires a backend; a nil logger is replaced with a no-op.
func NewBacktester(backend forecast.Backend, log *zap.Logger) *Backtester {
	if log == nil {
		log = zap.NewNop()
	}
	return &Backtester{backend: backend, log: log}
}

// Run walks the series forward: each fold trains on a growing prefix,
// forecasts Horizon steps, and scores against the held-out block. Folds
// advance by (N − MinTrainSize − Horizon) / Folds points.
func (b *Backtester) Run(ctx context.Context, series *metric.Series, cfg BacktestConfig) (*BacktestResult, error) {
	cfg.applyDefaults()
	points := series.Points
	n := len(points)
	usable := n - cfg.MinTrainSize - cfg.Horizon
	if usable < 0 {
		return nil, forecast.NewError(metric.ErrInsufficientData,
			"backtest needs at least %d points, got %d", cfg.MinTrainSize+cfg.Horizon, n)
	}
	step := usable / cfg.Folds
	if step < 1 {
		step = 1
	}

	result := &BacktestResult{Backend: b.backend.ID()}
	for fold := 0; fold < cfg.Folds; fold++ {
		trainEnd := cfg.MinTrainSize + fold*step
		if trainEnd+cfg.Horizon > n {
			break
		}
		req := &forecast.Request{
			TenantID:         series.TenantID,
			MetricKey:        series.MetricKey,
			Dimensions:       series.Dimensions,
			History:          points[:trainEnd],
			Horizon:          cfg.Horizon,
			Frequency:        cfg.Frequency,
			ConfidenceLevels: cfg.ConfidenceLevels,
		}
		res, err := b.backend.Forecast(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("fold %d: %w", fold, err)
		}
		actual := points[trainEnd : trainEnd+cfg.Horizon]
		fm := ScoreForecast(actual, res.Predictions)
		result.Folds = append(result.Folds, FoldResult{
			Fold:      fold,
			TrainSize: trainEnd,
			Metrics:   fm,
		})
		b.log.Debug("backtest fold scored",
			zap.Int("fold", fold),
			zap.Int("train_size", trainEnd),
			zap.Float64("mape", fm.MAPE),
			zap.Float64("rmse", fm.RMSE))
	}
	if len(result.Folds) == 0 {
		return nil, forecast.NewError(metric.ErrInsufficientData, "no folds could be evaluated")
	}
	result.Average = averageMetrics(result.Folds)
	return result, nil
}

func averageMetrics(folds []FoldResult) ForecastMetrics {
	var avg ForecastMetrics
	n := float64(len(folds))
	for _, f := range folds {
		avg.MAE += f.Metrics.MAE
		avg.MSE += f.Metrics.MSE
		avg.RMSE += f.Metrics.RMSE
		avg.MAPE += f.Metrics.MAPE
		avg.SMAPE += f.Metrics.SMAPE
		avg.R2 += f.Metrics.R2
		avg.Coverage80 += f.Metrics.Coverage80
		avg.Coverage95 += f.Metrics.Coverage95
		avg.Pairs += f.Metrics.Pairs
	}
	avg.MAE /= n
	avg.MSE /= n
	avg.RMSE /= n
	avg.MAPE /= n
	avg.SMAPE /= n
	avg.R2 /= n
	avg.Coverage80 /= n
	avg.Coverage95 /= n
	return avg
}
