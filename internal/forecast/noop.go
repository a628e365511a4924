package forecast

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/driftwatch/driftwatch/internal/metric"
)

// Noop is the built-in fallback backend used when no healthy backend is
// registered. It repeats the last observed value with no intervals.
type Noop struct{}

// ID implements Backend.
func (Noop) ID() string { return "noop" }

// Forecast repeats the last observation across the horizon.
func (Noop) Forecast(_ context.Context, req *Request) (*Result, error) {
	if len(req.History) == 0 {
		return nil, NewError(metric.ErrInsufficientData, "noop backend needs at least one point")
	}
	start := time.Now()
	last := req.History[len(req.History)-1]
	step := StepDuration(req.Frequency)
	preds := make([]Prediction, req.Horizon)
	for i := range preds {
		preds[i] = Prediction{
			Timestamp: last.Timestamp.Add(time.Duration(i+1) * step),
			Value:     last.Value,
		}
	}
	return &Result{
		RequestID:   uuid.NewString(),
		Backend:     "noop",
		Predictions: preds,
		Model:       ModelInfo{Name: "noop", Version: "1"},
		GeneratedAt: start,
		Duration:    time.Since(start),
	}, nil
}

// HealthCheck implements Backend; the noop backend is always healthy.
func (Noop) HealthCheck(context.Context) error { return nil }

// Capabilities implements Backend.
func (Noop) Capabilities() Capabilities {
	return Capabilities{
		MaxHorizon:           1000,
		SupportedFrequencies: []string{"1m", "5m", "15m", "1h", "1d"},
	}
}
