package forecast

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/driftwatch/driftwatch/internal/metric"
)

// Package forecast defines the pluggable forecasting contract and the backend
// registry. Backends are keyed string ids behind a shared interface, not an
// inheritance tree; the statistical Holt-Winters backend lives in the
// holtwinters subpackage and remote model clients adapt through
// internal/remote.

// Request asks a backend for predictions over a horizon.
type Request struct {
	TenantID   string         `json:"tenant_id"`
	MetricKey  string         `json:"metric_key"`
	Dimensions map[string]any `json:"dimensions,omitempty"`

	// History is the training series, ordered by timestamp ascending.
	History []metric.Point `json:"history"`

	// Horizon is the number of future steps to predict.
	Horizon int `json:"horizon"`
	// Frequency is the step between predictions ("1m", "5m", "1h", "1d").
	Frequency string `json:"frequency"`
	// ConfidenceLevels selects interval widths. Keys must be in the
	// normalized decimal form with a leading zero ("0.80", "0.95");
	// any other spelling is rejected.
	ConfidenceLevels []string `json:"confidence_levels,omitempty"`
}

// Interval is one prediction interval at a confidence level.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Prediction is one forecast step.
type Prediction struct {
	Timestamp time.Time           `json:"timestamp"`
	Value     float64             `json:"value"`
	Intervals map[string]Interval `json:"intervals,omitempty"`
}

// ModelInfo describes the fitted model for provenance and debugging.
type ModelInfo struct {
	Name            string             `json:"name"`
	Version         string             `json:"version"`
	TrainingMetrics map[string]float64 `json:"training_metrics,omitempty"`
}

// Result is a completed forecast.
type Result struct {
	RequestID   string        `json:"request_id"`
	Backend     string        `json:"backend"`
	Predictions []Prediction  `json:"predictions"`
	Model       ModelInfo     `json:"model_info"`
	GeneratedAt time.Time     `json:"generated_at"`
	Duration    time.Duration `json:"duration_ms"`
}

// Capabilities is the backend capabilities probe payload.
type Capabilities struct {
	MaxHorizon           int      `json:"max_horizon"`
	SupportedFrequencies []string `json:"supported_frequencies"`
	SupportsIntervals    bool     `json:"supports_intervals"`
	SupportsBatch        bool     `json:"supports_batch"`
	SupportsExogenous    bool     `json:"supports_exogenous"`
}

// Backend is the shared contract every forecaster implements.
type Backend interface {
	ID() string
	Forecast(ctx context.Context, req *Request) (*Result, error)
	HealthCheck(ctx context.Context) error
	Capabilities() Capabilities
}

// Error carries a stable code across the forecast boundary. Backends return
// a failure response rather than panicking; only programmer errors may panic.
type Error struct {
	Code    metric.ErrCode
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// NewError builds a coded forecast error.
func NewError(code metric.ErrCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// confidenceForm is the single accepted spelling of a confidence level:
// decimal with a leading zero and exactly two fractional digits.
var confidenceForm = regexp.MustCompile(`^0\.[0-9]{2}$`)

// ParseConfidence validates a normalized confidence key and returns its
// numeric value. The alternatives seen in the wild ("95", ".95", "0.9")
// are rejected, not silently accepted.
func ParseConfidence(key string) (float64, error) {
	if !confidenceForm.MatchString(key) {
		return 0, NewError(metric.ErrSchemaValidationFailed,
			"confidence level %q must use the normalized form (e.g. \"0.80\", \"0.95\")", key)
	}
	var v float64
	_, err := fmt.Sscanf(key, "%f", &v)
	if err != nil || v <= 0 || v >= 1 {
		return 0, NewError(metric.ErrSchemaValidationFailed, "confidence level %q out of range (0,1)", key)
	}
	return v, nil
}

// ZScore maps a confidence level to the two-sided normal quantile used for
// interval widths.
func ZScore(confidence float64) float64 {
	switch {
	case confidence >= 0.99:
		return 2.576
	case confidence >= 0.95:
		return 1.960
	case confidence >= 0.90:
		return 1.645
	case confidence >= 0.80:
		return 1.282
	case confidence >= 0.68:
		return 1.0
	default:
		return 0.674 // 50%
	}
}

// StepDuration converts a frequency token to a duration. Unknown tokens
// default to one hour.
func StepDuration(frequency string) time.Duration {
	switch frequency {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "1h", "":
		return time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return time.Hour
	}
}
