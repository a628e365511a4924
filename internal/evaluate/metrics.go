// Package evaluate measures forecast and anomaly-detection quality and runs
// walk-forward backtests over historical series.
package evaluate

import (
	"math"
	"time"

	"github.com/driftwatch/driftwatch/internal/anomaly"
	"github.com/driftwatch/driftwatch/internal/forecast"
	"github.com/driftwatch/driftwatch/internal/metric"
)

// ForecastMetrics summarizes point-forecast accuracy over paired
// actual/predicted observations.
type ForecastMetrics struct {
	MAE   float64 `json:"mae"`
	MSE   float64 `json:"mse"`
	RMSE  float64 `json:"rmse"`
	MAPE  float64 `json:"mape"`
	SMAPE float64 `json:"smape"`
	R2    float64 `json:"r2"`

	// Coverage80 and Coverage95 are the fractions of actuals falling inside
	// the corresponding prediction intervals, when intervals were produced.
	Coverage80 float64 `json:"coverage_80"`
	Coverage95 float64 `json:"coverage_95"`

	// Pairs is the number of timestamp-matched observations the metrics are
	// computed over.
	Pairs int `json:"pairs"`
}

// ScoreForecast pairs actuals with predictions by timestamp and computes the
// accuracy metrics. Unmatched points on either side are ignored. MAPE skips
// zero actuals.
func ScoreForecast(actuals []metric.Point, predictions []forecast.Prediction) ForecastMetrics {
	byTS := make(map[time.Time]forecast.Prediction, len(predictions))
	for _, p := range predictions {
		byTS[p.Timestamp] = p
	}

	var m ForecastMetrics
	var sumAbs, sumSq, sumPct, sumSym float64
	var pctN, symN int
	var actualSum float64
	var in80, n80, in95, n95 int
	var paired []float64
	var residuals []float64

	for _, a := range actuals {
		p, ok := byTS[a.Timestamp]
		if !ok {
			continue
		}
		m.Pairs++
		err := a.Value - p.Value
		sumAbs += math.Abs(err)
		sumSq += err * err
		actualSum += a.Value
		paired = append(paired, a.Value)
		residuals = append(residuals, err)

		if a.Value != 0 {
			sumPct += math.Abs(err/a.Value) * 100
			pctN++
		}
		denom := (math.Abs(a.Value) + math.Abs(p.Value)) / 2
		if denom != 0 {
			sumSym += math.Abs(err) / denom * 100
			symN++
		}

		if iv, ok := p.Intervals["0.80"]; ok {
			n80++
			if a.Value >= iv.Lower && a.Value <= iv.Upper {
				in80++
			}
		}
		if iv, ok := p.Intervals["0.95"]; ok {
			n95++
			if a.Value >= iv.Lower && a.Value <= iv.Upper {
				in95++
			}
		}
	}

	if m.Pairs == 0 {
		return m
	}
	n := float64(m.Pairs)
	m.MAE = sumAbs / n
	m.MSE = sumSq / n
	m.RMSE = math.Sqrt(m.MSE)
	if pctN > 0 {
		m.MAPE = sumPct / float64(pctN)
	}
	if symN > 0 {
		m.SMAPE = sumSym / float64(symN)
	}
	if n80 > 0 {
		m.Coverage80 = float64(in80) / float64(n80)
	}
	if n95 > 0 {
		m.Coverage95 = float64(in95) / float64(n95)
	}

	mean := actualSum / n
	var ssTot, ssRes float64
	for i, v := range paired {
		ssTot += (v - mean) * (v - mean)
		ssRes += residuals[i] * residuals[i]
	}
	if ssTot > 0 {
		m.R2 = 1 - ssRes/ssTot
	}
	return m
}

// AnomalyMetrics summarizes detection quality against labeled indices.
type AnomalyMetrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Accuracy  float64 `json:"accuracy"`

	TruePositives  int `json:"true_positives"`
	FalsePositives int `json:"false_positives"`
	FalseNegatives int `json:"false_negatives"`
	TrueNegatives  int `json:"true_negatives"`
}

// ScoreAnomalies compares detected anomalies against labeled indices over a
// series of totalPoints points. A detection within ±tolerance of a label
// counts as a true positive; each label matches at most one detection.
// A tolerance of 0 means exact; the default used by callers is 1.
func ScoreAnomalies(detected []anomaly.Anomaly, labeled []int, totalPoints, tolerance int) AnomalyMetrics {
	if tolerance < 0 {
		tolerance = 0
	}
	matchedLabel := make(map[int]bool, len(labeled))

	var m AnomalyMetrics
	for _, d := range detected {
		hit := false
		for _, l := range labeled {
			if matchedLabel[l] {
				continue
			}
			if abs(d.Index-l) <= tolerance {
				matchedLabel[l] = true
				hit = true
				break
			}
		}
		if hit {
			m.TruePositives++
		} else {
			m.FalsePositives++
		}
	}
	m.FalseNegatives = len(labeled) - m.TruePositives
	m.TrueNegatives = totalPoints - m.TruePositives - m.FalsePositives - m.FalseNegatives
	if m.TrueNegatives < 0 {
		m.TrueNegatives = 0
	}

	if m.TruePositives+m.FalsePositives > 0 {
		m.Precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	if m.TruePositives+m.FalseNegatives > 0 {
		m.Recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	if totalPoints > 0 {
		m.Accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(totalPoints)
	}
	return m
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
