package anomaly

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwatch/driftwatch/internal/forecast"
	"github.com/driftwatch/driftwatch/internal/metric"
)

func seriesOf(values []float64) *metric.Series {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	points := make([]metric.Point, len(values))
	for i, v := range values {
		points[i] = metric.Point{
			TenantID:  "t",
			MetricKey: "system.cpu.usage",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Value:     v,
		}
	}
	return metric.NewSeries("t", "system.cpu.usage", nil, points)
}

func TestInsufficientData(t *testing.T) {
	d := NewDetector(DefaultConfig(), nil)
	_, err := d.Detect(seriesOf([]float64{1, 2, 3, 4}))
	require.Error(t, err)
	var fe *forecast.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, metric.ErrInsufficientData, fe.Code)
}

func TestFlatSeriesHasNoAnomalies(t *testing.T) {
	values := make([]float64, 50)
	for i := range values {
		values[i] = 10
	}
	d := NewDetector(DefaultConfig(), nil)
	anomalies, err := d.Detect(seriesOf(values))
	require.NoError(t, err)
	assert.Empty(t, anomalies)
}

func TestPointSpikeDetected(t *testing.T) {
	values := make([]float64, 60)
	for i := range values {
		values[i] = 50 + math.Sin(float64(i))*0.5
	}
	values[30] = 500

	d := NewDetector(DefaultConfig(), nil)
	anomalies, err := d.Detect(seriesOf(values))
	require.NoError(t, err)
	require.NotEmpty(t, anomalies)

	var found *Anomaly
	for i := range anomalies {
		if anomalies[i].Index == 30 {
			found = &anomalies[i]
		}
	}
	require.NotNil(t, found, "the spike at index 30 must be flagged")
	assert.Equal(t, TypePoint, found.Type)
	assert.Equal(t, 500.0, found.Observed)
	assert.GreaterOrEqual(t, found.Score, d.cfg.Threshold())
}

func TestSeverityBandsAreDeterministic(t *testing.T) {
	assert.Equal(t, SeverityCritical, SeverityFor(0.97))
	assert.Equal(t, SeverityCritical, SeverityFor(0.95))
	assert.Equal(t, SeverityHigh, SeverityFor(0.90))
	assert.Equal(t, SeverityHigh, SeverityFor(0.85))
	assert.Equal(t, SeverityMedium, SeverityFor(0.80))
	assert.Equal(t, SeverityMedium, SeverityFor(0.75))
	assert.Equal(t, SeverityLow, SeverityFor(0.70))
}

func TestSeverityRankOrdering(t *testing.T) {
	assert.Less(t, SeverityLow.Rank(), SeverityMedium.Rank())
	assert.Less(t, SeverityMedium.Rank(), SeverityHigh.Rank())
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())
}

func TestThresholdFollowsSensitivity(t *testing.T) {
	cfg := DefaultConfig()
	assert.InDelta(t, 0.7, cfg.Threshold(), 1e-9)

	cfg.Sensitivity = 0.7
	assert.InDelta(t, 0.64, cfg.Threshold(), 1e-9)

	cfg.Sensitivity = 0.3
	assert.InDelta(t, 0.76, cfg.Threshold(), 1e-9)
}

func TestLevelShiftBenchmarkScenario(t *testing.T) {
	// Mean 50 for indices 0-49, mean 80 for 50-99.
	values := make([]float64, 100)
	for i := range values {
		if i < 50 {
			values[i] = 50
		} else {
			values[i] = 80
		}
	}
	cfg := DefaultConfig()
	cfg.Sensitivity = 0.7
	d := NewDetector(cfg, nil)

	anomalies, err := d.Detect(seriesOf(values))
	require.NoError(t, err)
	require.NotEmpty(t, anomalies)

	var shift *Anomaly
	for i := range anomalies {
		if anomalies[i].Index == 50 {
			shift = &anomalies[i]
		}
	}
	require.NotNil(t, shift, "index 50 must be flagged")
	assert.Equal(t, TypeLevelShift, shift.Type)
}

func TestContextAttachedWhenRequested(t *testing.T) {
	values := make([]float64, 40)
	for i := range values {
		values[i] = 10
	}
	values[20] = 100

	cfg := DefaultConfig()
	cfg.ContextPoints = 3
	d := NewDetector(cfg, nil)

	anomalies, err := d.Detect(seriesOf(values))
	require.NoError(t, err)
	require.NotEmpty(t, anomalies)
	a := anomalies[0]
	require.NotNil(t, a.Context)
	assert.Len(t, a.Context.Before, 3)
	assert.Len(t, a.Context.After, 3)
	assert.Greater(t, a.Context.WindowStd, 0.0)
}

func TestComponentScoresExposed(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = 5
	}
	values[15] = 50

	d := NewDetector(DefaultConfig(), nil)
	anomalies, err := d.Detect(seriesOf(values))
	require.NoError(t, err)
	require.NotEmpty(t, anomalies)
	cs := anomalies[0].Scores
	assert.Greater(t, cs.Statistical, 0.0)
	assert.Greater(t, cs.Isolation, 0.0)
	assert.Greater(t, cs.LocalForecast, 0.0)
}
