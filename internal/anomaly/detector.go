package anomaly

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftwatch/driftwatch/internal/forecast"
	"github.com/driftwatch/driftwatch/internal/metric"
)

const (
	// minPoints is the smallest series the ensemble can score.
	minPoints = 5
	// isolationWindow is the local neighborhood for the distance score.
	isolationWindow = 10
	// forecastWindow is the lookback for the one-step smoothing prediction.
	forecastWindow = 5
	// smoothingAlpha drives the local exponential smoothing.
	smoothingAlpha = 0.3
)

// Detector scores series with the ensemble and classifies detections.
type Detector struct {
	cfg Config
	log *zap.Logger
}

// NewDetector creates a detector; zero-valued config fields fall back to
// defaults.
func NewDetector(cfg Config, log *zap.Logger) *Detector {
	def := DefaultConfig()
	if cfg.StatWeight == 0 && cfg.IsoWeight == 0 && cfg.ForecastWeight == 0 {
		cfg.StatWeight, cfg.IsoWeight, cfg.ForecastWeight = def.StatWeight, def.IsoWeight, def.ForecastWeight
	}
	if cfg.BaseThreshold == 0 {
		cfg.BaseThreshold = def.BaseThreshold
	}
	if cfg.Sensitivity == 0 {
		cfg.Sensitivity = def.Sensitivity
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{cfg: cfg, log: log}
}

// Detect scores every point of the series and returns the anomalies at or
// above the effective threshold, in timestamp order.
func (d *Detector) Detect(series *metric.Series) ([]Anomaly, error) {
	points := series.Points
	if len(points) < minPoints {
		return nil, forecast.NewError(metric.ErrInsufficientData,
			"anomaly detection needs at least %d points, got %d", minPoints, len(points))
	}

	values := series.Values()
	base := describe(values)
	threshold := d.cfg.Threshold()

	scores := make([]float64, len(values))
	components := make([]ComponentScores, len(values))
	for i := range values {
		cs := ComponentScores{
			Statistical:   statisticalScore(values[i], base),
			Isolation:     d.isolationScore(values, i, base),
			LocalForecast: d.localForecastScore(values, i),
		}
		components[i] = cs
		scores[i] = d.cfg.StatWeight*cs.Statistical +
			d.cfg.IsoWeight*cs.Isolation +
			d.cfg.ForecastWeight*cs.LocalForecast
	}

	var out []Anomaly
	for i, score := range scores {
		if score < threshold {
			continue
		}
		a := Anomaly{
			ID:        uuid.NewString(),
			TenantID:  series.TenantID,
			MetricKey: series.MetricKey,
			Index:     i,
			Timestamp: points[i].Timestamp,
			Observed:  values[i],
			Expected:  base.mean,
			Score:     math.Min(score, 1),
			Severity:  SeverityFor(score),
			Scores:    components[i],
		}
		a.Type = classify(values, scores, i, threshold, base)
		a.Description = describeAnomaly(&a)
		if d.cfg.ContextPoints > 0 {
			a.Context = neighborhood(values, i, d.cfg.ContextPoints)
		}
		out = append(out, a)
	}
	d.log.Debug("anomaly detection pass",
		zap.String("metric_key", series.MetricKey),
		zap.Int("points", len(values)),
		zap.Float64("threshold", threshold),
		zap.Int("anomalies", len(out)))
	return out, nil
}

// baseline holds global statistics reused across per-point scoring.
type baseline struct {
	mean, std      float64
	q1, q3, iqr    float64
	min, max, span float64
}

func describe(values []float64) baseline {
	var b baseline
	b.min, b.max = values[0], values[0]
	var sum float64
	for _, v := range values {
		sum += v
		if v < b.min {
			b.min = v
		}
		if v > b.max {
			b.max = v
		}
	}
	b.mean = sum / float64(len(values))
	b.span = b.max - b.min

	var ss float64
	for _, v := range values {
		ss += (v - b.mean) * (v - b.mean)
	}
	b.std = math.Sqrt(ss / float64(len(values)))

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	b.q1 = percentile(sorted, 0.25)
	b.q3 = percentile(sorted, 0.75)
	b.iqr = b.q3 - b.q1
	return b
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// statisticalScore is the max of the normalized z-score (clipped so z=4
// maps to 1) and the IQR distance beyond the Tukey fences.
func statisticalScore(v float64, b baseline) float64 {
	var zScore float64
	if b.std > 0 {
		zScore = math.Min(math.Abs(v-b.mean)/b.std/4, 1)
	}

	var iqrScore float64
	if b.iqr > 0 {
		lower := b.q1 - 1.5*b.iqr
		upper := b.q3 + 1.5*b.iqr
		var dist float64
		if v < lower {
			dist = lower - v
		} else if v > upper {
			dist = v - upper
		}
		iqrScore = math.Min(dist/(1.5*b.iqr), 1)
	}
	return math.Max(zScore, iqrScore)
}

// isolationScore measures how far a point sits from its local window: the
// mean of average and minimum distance, normalized by the data range.
func (d *Detector) isolationScore(values []float64, i int, b baseline) float64 {
	if b.span == 0 {
		return 0
	}
	lo := i - isolationWindow
	if lo < 0 {
		lo = 0
	}
	var sum, minDist float64
	var n int
	minDist = math.Inf(1)
	for j := lo; j < i; j++ {
		dist := math.Abs(values[i] - values[j])
		sum += dist
		if dist < minDist {
			minDist = dist
		}
		n++
	}
	if n == 0 {
		return 0
	}
	avg := sum / float64(n)
	return math.Min(((avg+minDist)/2)/b.span, 1)
}

// localForecastScore compares the point to a one-step exponential-smoothing
// prediction from the preceding window, normalized by the window's standard
// deviation (clipped so 3σ maps to 1).
func (d *Detector) localForecastScore(values []float64, i int) float64 {
	lo := i - forecastWindow
	if lo < 0 {
		lo = 0
	}
	window := values[lo:i]
	if len(window) < 2 {
		return 0
	}
	pred := window[0]
	for _, v := range window[1:] {
		pred = smoothingAlpha*v + (1-smoothingAlpha)*pred
	}
	residual := math.Abs(values[i] - pred)
	std := windowStd(window)
	if std == 0 {
		if residual == 0 {
			return 0
		}
		return 1
	}
	return math.Min(residual/(3*std), 1)
}

func windowStd(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	m := sum / float64(len(values))
	var ss float64
	for _, v := range values {
		ss += (v - m) * (v - m)
	}
	return math.Sqrt(ss / float64(len(values)))
}

// classify inspects the surrounding window to distinguish point, collective,
// trend-change, and level-shift anomalies.
func classify(values, scores []float64, i int, threshold float64, b baseline) Type {
	// Collective: at least 3 high-scoring neighbors within ±2.
	high := 0
	for j := i - 2; j <= i+2; j++ {
		if j < 0 || j >= len(scores) || j == i {
			continue
		}
		if scores[j] >= threshold {
			high++
		}
	}
	if high >= 3 {
		return TypeCollective
	}

	// Level shift: the 5 points before and 3 after sit on different levels.
	if i >= 5 && i+3 < len(values) {
		before := values[i-5 : i]
		after := values[i+1 : i+4]
		mb, ma := windowMean(before), windowMean(after)
		sigma := windowStd(before)
		if sigma == 0 {
			// A perfectly flat before-window: fall back to a fraction of the
			// global deviation so any real shift still registers.
			sigma = b.std / 10
		}
		if sigma > 0 && math.Abs(ma-mb) > 2*sigma {
			return TypeLevelShift
		}
	}

	// Trend change: the short-window slope flips sign with magnitude
	// exceeding the baseline deviation.
	if i >= 5 && i+5 <= len(values) {
		slopeBefore := shortSlope(values[i-5 : i])
		slopeAfter := shortSlope(values[i : i+5])
		if slopeBefore*slopeAfter < 0 &&
			math.Abs(slopeAfter-slopeBefore)*float64(forecastWindow) > b.std {
			return TypeTrendChange
		}
	}

	return TypePoint
}

func windowMean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func shortSlope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	den := n*sumXX - sumX*sumX
	if den == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / den
}

func neighborhood(values []float64, i, k int) *Context {
	lo := i - k
	if lo < 0 {
		lo = 0
	}
	hi := i + k + 1
	if hi > len(values) {
		hi = len(values)
	}
	window := values[lo:hi]
	return &Context{
		Before:     append([]float64(nil), values[lo:i]...),
		After:      append([]float64(nil), values[i+1:hi]...),
		WindowMean: windowMean(window),
		WindowStd:  windowStd(window),
	}
}

func describeAnomaly(a *Anomaly) string {
	return fmt.Sprintf("%s anomaly on %s: observed %.3f, expected %.3f (score %.2f)",
		a.Type, a.MetricKey, a.Observed, a.Expected, a.Score)
}
