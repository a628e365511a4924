package anomaly

import (
	"time"
)

// Package anomaly implements the ensemble anomaly detector: per-point scores
// from a statistical detector, an isolation-style distance detector, and a
// local one-step forecast are combined with configurable weights, then
// thresholded and classified.

// Severity bands a score deterministically.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities: low < medium < high < critical.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Type classifies the shape of an anomaly.
type Type string

const (
	TypePoint       Type = "point"
	TypeCollective  Type = "collective"
	TypeTrendChange Type = "trend_change"
	TypeLevelShift  Type = "level_shift"
)

// Anomaly is one detected outlier.
type Anomaly struct {
	ID          string    `json:"anomaly_id"`
	TenantID    string    `json:"tenant_id"`
	MetricKey   string    `json:"metric_key"`
	Index       int       `json:"index"`
	Timestamp   time.Time `json:"timestamp"`
	Observed    float64   `json:"observed"`
	Expected    float64   `json:"expected"`
	Score       float64   `json:"score"`
	Type        Type      `json:"type"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`

	// Scores breaks the ensemble down per component.
	Scores ComponentScores `json:"component_scores"`
	// Context is populated when requested: surrounding points plus local
	// statistics.
	Context *Context `json:"context,omitempty"`
}

// ComponentScores are the raw per-detector scores before weighting.
type ComponentScores struct {
	Statistical   float64 `json:"statistical"`
	Isolation     float64 `json:"isolation"`
	LocalForecast float64 `json:"local_forecast"`
}

// Context carries the neighborhood of an anomaly for display.
type Context struct {
	Before     []float64 `json:"before"`
	After      []float64 `json:"after"`
	WindowMean float64   `json:"window_mean"`
	WindowStd  float64   `json:"window_std"`
}

// Config tunes the detector.
type Config struct {
	// Weights for the statistical / isolation / local-forecast scores.
	// Default 0.4 / 0.3 / 0.3.
	StatWeight     float64
	IsoWeight      float64
	ForecastWeight float64

	// BaseThreshold anchors the detection threshold; the effective threshold
	// is BaseThreshold − (Sensitivity − 0.5) · 0.3. Default 0.7.
	BaseThreshold float64
	// Sensitivity in [0,1]; 0.5 keeps the base threshold. Default 0.5.
	Sensitivity float64

	// ContextPoints, when positive, attaches ±ContextPoints of neighborhood
	// to each anomaly.
	ContextPoints int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		StatWeight:     0.4,
		IsoWeight:      0.3,
		ForecastWeight: 0.3,
		BaseThreshold:  0.7,
		Sensitivity:    0.5,
	}
}

// Threshold computes the effective detection threshold.
func (c Config) Threshold() float64 {
	return c.BaseThreshold - (c.Sensitivity-0.5)*0.3
}

// SeverityFor bands a score: ≥0.95 critical, ≥0.85 high, ≥0.75 medium,
// else low.
func SeverityFor(score float64) Severity {
	switch {
	case score >= 0.95:
		return SeverityCritical
	case score >= 0.85:
		return SeverityHigh
	case score >= 0.75:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
