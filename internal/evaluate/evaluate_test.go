package evaluate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwatch/driftwatch/internal/anomaly"
	"github.com/driftwatch/driftwatch/internal/forecast"
	"github.com/driftwatch/driftwatch/internal/forecast/holtwinters"
	"github.com/driftwatch/driftwatch/internal/metric"
)

func pairedData(actuals, predicted []float64) ([]metric.Point, []forecast.Prediction) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	pts := make([]metric.Point, len(actuals))
	preds := make([]forecast.Prediction, len(predicted))
	for i, v := range actuals {
		pts[i] = metric.Point{Timestamp: base.Add(time.Duration(i) * time.Hour), Value: v}
	}
	for i, v := range predicted {
		preds[i] = forecast.Prediction{Timestamp: base.Add(time.Duration(i) * time.Hour), Value: v}
	}
	return pts, preds
}

func TestScoreForecastPerfect(t *testing.T) {
	pts, preds := pairedData([]float64{10, 20, 30}, []float64{10, 20, 30})
	m := ScoreForecast(pts, preds)
	assert.Equal(t, 3, m.Pairs)
	assert.Zero(t, m.MAE)
	assert.Zero(t, m.RMSE)
	assert.Zero(t, m.MAPE)
	assert.InDelta(t, 1.0, m.R2, 1e-9)
}

func TestScoreForecastKnownErrors(t *testing.T) {
	pts, preds := pairedData([]float64{10, 20, 30}, []float64{12, 18, 33})
	m := ScoreForecast(pts, preds)
	assert.InDelta(t, (2.0+2.0+3.0)/3, m.MAE, 1e-9)
	assert.InDelta(t, (4.0+4.0+9.0)/3, m.MSE, 1e-9)
	// MAPE over actuals 10, 20, 30: 20% + 10% + 10% over 3.
	assert.InDelta(t, 40.0/3, m.MAPE, 1e-9)
	assert.Greater(t, m.SMAPE, 0.0)
}

func TestScoreForecastSkipsZeroActualsForMAPE(t *testing.T) {
	pts, preds := pairedData([]float64{0, 20}, []float64{5, 22})
	m := ScoreForecast(pts, preds)
	// Only the non-zero actual contributes: |20-22|/20 = 10%.
	assert.InDelta(t, 10.0, m.MAPE, 1e-9)
}

func TestScoreForecastPairsByTimestampOnly(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	pts := []metric.Point{
		{Timestamp: base, Value: 10},
		{Timestamp: base.Add(time.Hour), Value: 20},
	}
	preds := []forecast.Prediction{
		{Timestamp: base.Add(time.Hour), Value: 21},
		{Timestamp: base.Add(9 * time.Hour), Value: 99}, // unmatched
	}
	m := ScoreForecast(pts, preds)
	assert.Equal(t, 1, m.Pairs)
	assert.InDelta(t, 1.0, m.MAE, 1e-9)
}

func TestScoreForecastIntervalCoverage(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var pts []metric.Point
	var preds []forecast.Prediction
	for i := 0; i < 4; i++ {
		ts := base.Add(time.Duration(i) * time.Hour)
		pts = append(pts, metric.Point{Timestamp: ts, Value: float64(10 + i)})
		iv80 := forecast.Interval{Lower: 9, Upper: 11} // covers only i=0,1
		iv95 := forecast.Interval{Lower: 0, Upper: 100}
		preds = append(preds, forecast.Prediction{
			Timestamp: ts,
			Value:     10,
			Intervals: map[string]forecast.Interval{"0.80": iv80, "0.95": iv95},
		})
	}
	m := ScoreForecast(pts, preds)
	assert.InDelta(t, 0.5, m.Coverage80, 1e-9)
	assert.InDelta(t, 1.0, m.Coverage95, 1e-9)
}

func TestScoreAnomaliesWithTolerance(t *testing.T) {
	detected := []anomaly.Anomaly{
		{Index: 10}, // exact
		{Index: 21}, // within ±1 of 20
		{Index: 50}, // false positive
	}
	m := ScoreAnomalies(detected, []int{10, 20, 80}, 100, 1)
	assert.Equal(t, 2, m.TruePositives)
	assert.Equal(t, 1, m.FalsePositives)
	assert.Equal(t, 1, m.FalseNegatives)
	assert.InDelta(t, 2.0/3.0, m.Precision, 1e-9)
	assert.InDelta(t, 2.0/3.0, m.Recall, 1e-9)
	assert.InDelta(t, 2.0/3.0, m.F1, 1e-9)
}

func TestScoreAnomaliesExactToleranceMisses(t *testing.T) {
	m := ScoreAnomalies([]anomaly.Anomaly{{Index: 21}}, []int{20}, 100, 0)
	assert.Equal(t, 0, m.TruePositives)
	assert.Equal(t, 1, m.FalsePositives)
	assert.Equal(t, 1, m.FalseNegatives)
}

func TestGenerateSeriesDeterministic(t *testing.T) {
	cfg := BenchmarkConfig{Points: 50, Base: 100, Trend: 0.5, Noise: 2, Seed: 7}
	a := GenerateSeries(cfg)
	b := GenerateSeries(cfg)
	require.Equal(t, 50, a.Count)
	for i := range a.Points {
		assert.Equal(t, a.Points[i].Value, b.Points[i].Value)
	}
}

func TestGenerateSeriesShape(t *testing.T) {
	s := GenerateSeries(BenchmarkConfig{Points: 48, Base: 10, Trend: 1, Seed: 1})
	// Noise-free trend: strictly increasing.
	for i := 1; i < len(s.Points); i++ {
		assert.Greater(t, s.Points[i].Value, s.Points[i-1].Value)
	}
	assert.Equal(t, time.Hour, s.Resolution)
}

func TestAnomalyBenchmarkLabelsInjections(t *testing.T) {
	b := GenerateAnomalyBenchmark(BenchmarkConfig{Points: 200, Base: 50, Noise: 1, Seed: 3}, 0.05, 8)
	require.NotEmpty(t, b.Labeled)
	clean := GenerateSeries(BenchmarkConfig{Points: 200, Base: 50, Noise: 1, Seed: 3})
	for _, idx := range b.Labeled {
		assert.NotEqual(t, clean.Points[idx].Value, b.Series.Points[idx].Value)
	}
}

func TestLevelShiftBenchmarkLabelsMidpoint(t *testing.T) {
	b := GenerateLevelShiftBenchmark(BenchmarkConfig{Points: 100, Base: 50, Seed: 2}, 30)
	require.Equal(t, []int{50}, b.Labeled)
	assert.InDelta(t, 50, b.Series.Points[49].Value, 1e-9)
	assert.InDelta(t, 80, b.Series.Points[50].Value, 1e-9)
}

func TestBacktestInsufficientData(t *testing.T) {
	bt := NewBacktester(holtwinters.New("", nil), nil)
	short := GenerateSeries(BenchmarkConfig{Points: 8, Seed: 1})
	_, err := bt.Run(context.Background(), short, BacktestConfig{Folds: 3, Horizon: 5, MinTrainSize: 10})
	require.Error(t, err)
	var fe *forecast.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, metric.ErrInsufficientData, fe.Code)
}

func TestWalkForwardBacktest(t *testing.T) {
	// Trend 0.1, seasonal period 24, noise 2: a 3-fold horizon-5 backtest
	// must average MAPE < 100 and R² > 0.
	series := GenerateSeries(BenchmarkConfig{
		Points:            168,
		Base:              100,
		Trend:             0.1,
		SeasonalPeriod:    24,
		SeasonalAmplitude: 10,
		Noise:             2,
		Seed:              42,
	})
	bt := NewBacktester(holtwinters.New("", nil), nil)
	res, err := bt.Run(context.Background(), series, BacktestConfig{
		Folds:        3,
		Horizon:      5,
		MinTrainSize: 48,
		Frequency:    "1h",
	})
	require.NoError(t, err)
	require.Len(t, res.Folds, 3)
	assert.Less(t, res.Average.MAPE, 100.0)
	assert.Greater(t, res.Average.R2, 0.0)
	for _, f := range res.Folds {
		assert.Equal(t, 5, f.Metrics.Pairs)
	}
}

func TestBacktestTrainSizesAdvance(t *testing.T) {
	series := GenerateSeries(BenchmarkConfig{Points: 100, Base: 50, Trend: 0.2, Seed: 5})
	bt := NewBacktester(holtwinters.New("", nil), nil)
	res, err := bt.Run(context.Background(), series, BacktestConfig{
		Folds: 4, Horizon: 5, MinTrainSize: 20, Frequency: "1h",
	})
	require.NoError(t, err)
	// (100 - 20 - 5) / 4 = 18 points per fold.
	var prev int
	for i, f := range res.Folds {
		assert.Equal(t, 20+i*18, f.TrainSize)
		assert.Greater(t, f.TrainSize, prev)
		prev = f.TrainSize
	}
}
