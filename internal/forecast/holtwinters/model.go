package holtwinters

import (
	"math"
)

// model is a fitted additive Holt-Winters state: level, trend, and an
// optional seasonal component of the detected period.
type model struct {
	alpha, beta, gamma float64
	period             int // 0 = no seasonal component

	level    float64
	trend    float64
	seasonal []float64

	fitted      []float64 // one-step-ahead in-sample predictions
	residuals   []float64
	mape        float64
	residualStd float64
}

// fit runs the smoothing recursion over the series and records one-step-ahead
// predictions for scoring. The series must have at least 3 points (callers
// enforce this).
func fit(values []float64, alpha, beta, gamma float64, period int) *model {
	m := &model{alpha: alpha, beta: beta, gamma: gamma, period: period}

	level := values[0]
	trend := values[1] - values[0]
	var seasonal []float64
	if period > 1 && len(values) >= 2*period {
		seasonal = initialSeasonal(values, period)
	} else {
		m.period = 0
		period = 0
	}

	fitted := make([]float64, len(values))
	fitted[0] = values[0]
	for t := 1; t < len(values); t++ {
		var seas float64
		if period > 0 {
			seas = seasonal[t%period]
		}
		fitted[t] = level + trend + seas

		prevLevel := level
		obs := values[t]
		if period > 0 {
			level = alpha*(obs-seasonal[t%period]) + (1-alpha)*(level+trend)
		} else {
			level = alpha*obs + (1-alpha)*(level+trend)
		}
		trend = beta*(level-prevLevel) + (1-beta)*trend
		if period > 0 {
			seasonal[t%period] = gamma*(obs-level) + (1-gamma)*seasonal[t%period]
		}
	}

	m.level = level
	m.trend = trend
	m.seasonal = seasonal
	m.fitted = fitted
	m.score(values)
	return m
}

// initialSeasonal seeds the seasonal component from the first full cycle,
// centered on the cycle mean.
func initialSeasonal(values []float64, period int) []float64 {
	cycleMean := mean(values[:period])
	seasonal := make([]float64, period)
	for i := 0; i < period; i++ {
		seasonal[i] = values[i] - cycleMean
	}
	return seasonal
}

func (m *model) score(values []float64) {
	m.residuals = make([]float64, len(values))
	var mapeSum float64
	var mapeN int
	for t := range values {
		m.residuals[t] = values[t] - m.fitted[t]
		if values[t] != 0 {
			mapeSum += math.Abs(m.residuals[t]/values[t]) * 100
			mapeN++
		}
	}
	if mapeN > 0 {
		m.mape = mapeSum / float64(mapeN)
	} else {
		m.mape = math.Inf(1)
	}
	m.residualStd = stdDev(m.residuals)
}

// predict returns the h-step-ahead point forecast (h starts at 1).
func (m *model) predict(h int, atIndex int) float64 {
	v := m.level + float64(h)*m.trend
	if m.period > 0 {
		v += m.seasonal[(atIndex+h)%m.period]
	}
	return v
}

// gridSearch fits the parameter grid and keeps the model with the lowest
// in-sample MAPE. Gamma is only searched when a seasonal period is present;
// when one is, a non-seasonal fit competes too, so a spurious autocorrelation
// peak cannot force a worse model.
func gridSearch(values []float64, period int) *model {
	alphas := []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7}
	betas := []float64{0, 0.1, 0.2, 0.3}

	periods := []int{0}
	if period > 1 {
		periods = []int{period, 0}
	}

	var best *model
	for _, p := range periods {
		gammas := []float64{0}
		if p > 1 {
			gammas = []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5}
		}
		for _, a := range alphas {
			for _, b := range betas {
				for _, g := range gammas {
					cand := fit(values, a, b, g, p)
					if best == nil || cand.mape < best.mape {
						best = cand
					}
				}
			}
		}
	}
	return best
}
