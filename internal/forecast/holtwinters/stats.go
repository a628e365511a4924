package holtwinters

import (
	"math"
)

// Description summarizes a training series before model fitting.
type Description struct {
	Mean             float64
	Variance         float64
	StdDev           float64
	TrendSlope       float64
	SeasonalPeriod   int     // 0 when no seasonality detected
	SeasonalStrength float64 // peak autocorrelation at the detected period
}

// seasonalStrengthThreshold is the minimum autocorrelation for a candidate
// period to count as seasonality.
const seasonalStrengthThreshold = 0.3

// Describe computes the summary statistics that steer model selection.
// Candidate seasonal periods are frequency-aware: sub-hourly data looks for
// hourly/daily cycles, hourly data for daily/weekly, daily for weekly/monthly.
func Describe(values []float64, frequency string) Description {
	d := Description{
		Mean: mean(values),
	}
	d.Variance = variance(values, d.Mean)
	d.StdDev = math.Sqrt(d.Variance)
	d.TrendSlope = olsSlope(values)
	d.SeasonalPeriod, d.SeasonalStrength = detectSeasonality(values, candidatePeriods(frequency, len(values)))
	return d
}

func candidatePeriods(frequency string, n int) []int {
	var raw []int
	switch frequency {
	case "1m", "5m", "15m":
		raw = []int{12, 24, 48, 60, 96}
	case "1d":
		raw = []int{7, 14, 30}
	default: // hourly
		raw = []int{12, 24, 168}
	}
	out := raw[:0]
	for _, p := range raw {
		// Two full cycles are needed to trust an autocorrelation peak.
		if n >= 2*p {
			out = append(out, p)
		}
	}
	return out
}

// detectSeasonality picks the candidate period with the highest
// autocorrelation, provided it clears the strength threshold.
func detectSeasonality(values []float64, candidates []int) (period int, strength float64) {
	for _, p := range candidates {
		acf := autocorrelation(values, p)
		if acf >= seasonalStrengthThreshold && acf > strength {
			period, strength = p, acf
		}
	}
	return period, strength
}

func autocorrelation(values []float64, lag int) float64 {
	n := len(values)
	if lag <= 0 || lag >= n {
		return 0
	}
	m := mean(values)
	var num, den float64
	for i := 0; i < n; i++ {
		den += (values[i] - m) * (values[i] - m)
	}
	if den == 0 {
		return 0
	}
	for i := lag; i < n; i++ {
		num += (values[i] - m) * (values[i-lag] - m)
	}
	return num / den
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func variance(values []float64, m float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += (v - m) * (v - m)
	}
	return sum / float64(len(values))
}

func stdDev(values []float64) float64 {
	return math.Sqrt(variance(values, mean(values)))
}

// olsSlope fits value = a + b*index by least squares and returns b.
func olsSlope(values []float64) float64 {
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
