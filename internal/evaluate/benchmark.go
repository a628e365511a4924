package evaluate

import (
	"math"
	"math/rand"
	"time"

	"github.com/driftwatch/driftwatch/internal/metric"
)

// BenchmarkConfig describes a synthetic series: linear trend plus an optional
// sinusoidal seasonal component plus gaussian noise around a base level.
type BenchmarkConfig struct {
	Points int
	Base   float64
	// Trend is the per-step slope.
	Trend float64
	// SeasonalPeriod of 0 disables seasonality.
	SeasonalPeriod    int
	SeasonalAmplitude float64
	// Noise is the standard deviation of the gaussian noise term.
	Noise float64
	// Step between consecutive points. Default one hour.
	Step time.Duration
	// Seed makes the generator deterministic.
	Seed int64
}

func (c *BenchmarkConfig) applyDefaults() {
	if c.Points <= 0 {
		c.Points = 100
	}
	if c.Base == 0 {
		c.Base = 50
	}
	if c.Step <= 0 {
		c.Step = time.Hour
	}
}

// GenerateSeries builds the synthetic series described by the config.
func GenerateSeries(cfg BenchmarkConfig) *metric.Series {
	cfg.applyDefaults()
	rng := rand.New(rand.NewSource(cfg.Seed))
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	points := make([]metric.Point, cfg.Points)
	for i := 0; i < cfg.Points; i++ {
		v := cfg.Base + cfg.Trend*float64(i)
		if cfg.SeasonalPeriod > 0 {
			v += cfg.SeasonalAmplitude * math.Sin(2*math.Pi*float64(i)/float64(cfg.SeasonalPeriod))
		}
		if cfg.Noise > 0 {
			v += rng.NormFloat64() * cfg.Noise
		}
		points[i] = metric.Point{
			TenantID:  "benchmark",
			MetricKey: "benchmark.synthetic",
			Timestamp: start.Add(time.Duration(i) * cfg.Step),
			Value:     v,
		}
	}
	return metric.NewSeries("benchmark", "benchmark.synthetic", nil, points)
}

// AnomalyBenchmark is a synthetic series with labeled injected outliers.
type AnomalyBenchmark struct {
	Series  *metric.Series
	Labeled []int
}

// GenerateAnomalyBenchmark injects magnitude-scaled outliers at the given
// rate (fraction of points, e.g. 0.02). Injected points are offset by
// magnitude times the configured noise (or the base level when noise is 0),
// alternating sign.
func GenerateAnomalyBenchmark(cfg BenchmarkConfig, rate, magnitude float64) *AnomalyBenchmark {
	cfg.applyDefaults()
	series := GenerateSeries(cfg)
	rng := rand.New(rand.NewSource(cfg.Seed + 1))

	scale := cfg.Noise
	if scale == 0 {
		scale = cfg.Base * 0.1
	}

	b := &AnomalyBenchmark{Series: series}
	sign := 1.0
	for i := range series.Points {
		// Keep the series edges clean so window-based detectors see context.
		if i < 5 || i >= len(series.Points)-5 {
			continue
		}
		if rng.Float64() < rate {
			series.Points[i].Value += sign * magnitude * scale
			sign = -sign
			b.Labeled = append(b.Labeled, i)
		}
	}
	return b
}

// GenerateLevelShiftBenchmark shifts the mean by delta at the series midpoint
// and labels that index.
func GenerateLevelShiftBenchmark(cfg BenchmarkConfig, delta float64) *AnomalyBenchmark {
	cfg.applyDefaults()
	series := GenerateSeries(cfg)
	mid := len(series.Points) / 2
	for i := mid; i < len(series.Points); i++ {
		series.Points[i].Value += delta
	}
	return &AnomalyBenchmark{Series: series, Labeled: []int{mid}}
}
