// Package rules implements the alert rules engine: rule documents with a
// tagged condition variant, an in-memory registry loaded from the store, and
// serial evaluation of rules against an evaluation context.
package rules

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftwatch/driftwatch/internal/anomaly"
	"github.com/driftwatch/driftwatch/internal/forecast"
	"github.com/driftwatch/driftwatch/internal/metric"
	"github.com/driftwatch/driftwatch/internal/storage"
)

// ConditionType discriminates the condition variant.
type ConditionType string

const (
	CondThreshold    ConditionType = "threshold"
	CondAnomaly      ConditionType = "anomaly"
	CondForecast     ConditionType = "forecast"
	CondRateOfChange ConditionType = "rate_of_change"
	CondMissingData  ConditionType = "missing_data"
)

// Condition is the tagged variant inside a rule. Only the fields belonging to
// the selected Type are meaningful.
type Condition struct {
	Type ConditionType `json:"type"`

	// threshold
	Op         string  `json:"op,omitempty"`
	Value      float64 `json:"value,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`

	// anomaly
	MinSeverity anomaly.Severity `json:"min_severity,omitempty"`

	// forecast
	HorizonHours float64 `json:"horizon_hours,omitempty"`
	Threshold    float64 `json:"threshold,omitempty"`

	// rate_of_change
	MaxRate float64 `json:"max_rate,omitempty"`
	Unit    string  `json:"unit,omitempty"`

	// missing_data
	ExpectedIntervalMS int64 `json:"expected_interval_ms,omitempty"`
}

// ChannelRef names one notification destination in a rule's routing.
type ChannelRef struct {
	Type        string `json:"type"`
	Destination string `json:"destination"`
}

// Routing describes where a matched rule's alerts go.
type Routing struct {
	Channels []ChannelRef `json:"channels"`
	DedupKey string       `json:"dedup_key,omitempty"`
}

// MuteWindow suppresses alerts inside a daily [Start, End) interval given in
// HH:MM. Start > End denotes a cross-midnight window. Days, when set,
// restricts the window to the named weekdays ("mon".."sun").
type MuteWindow struct {
	Start string   `json:"start_hhmm"`
	End   string   `json:"end_hhmm"`
	Days  []string `json:"days,omitempty"`
}

// Suppression bundles a rule's mute windows and dedup window override.
type Suppression struct {
	MuteWindows   []MuteWindow `json:"mute_windows,omitempty"`
	DedupWindowMS int64        `json:"dedup_window_ms,omitempty"`
}

// Rule is the full alert rule document.
type Rule struct {
	RuleID           string         `json:"rule_id"`
	TenantID         string         `json:"tenant_id"`
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	Enabled          bool           `json:"enabled"`
	MetricKey        string         `json:"metric_key"`
	DimensionFilters map[string]any `json:"dimension_filters,omitempty"`
	Condition        Condition      `json:"condition"`
	Severity         string         `json:"severity"`
	Routing          Routing        `json:"routing"`
	Suppression      *Suppression   `json:"suppression,omitempty"`
}

var validOps = map[string]bool{
	">": true, ">=": true, "<": true, "<=": true, "=": true, "!=": true,
}

var validSeverities = map[string]bool{
	"info": true, "warning": true, "error": true, "critical": true,
}

// Validate rejects rules the engine cannot evaluate.
func (r *Rule) Validate() error {
	if r.RuleID == "" {
		return fmt.Errorf("rules: rule_id is required")
	}
	if r.TenantID == "" {
		return fmt.Errorf("rules: rule %s: tenant_id is required", r.RuleID)
	}
	if r.MetricKey == "" {
		return fmt.Errorf("rules: rule %s: metric_key is required", r.RuleID)
	}
	if !validSeverities[r.Severity] {
		return fmt.Errorf("rules: rule %s: unknown severity %q", r.RuleID, r.Severity)
	}
	switch r.Condition.Type {
	case CondThreshold:
		if !validOps[r.Condition.Op] {
			return fmt.Errorf("rules: rule %s: unknown threshold op %q", r.RuleID, r.Condition.Op)
		}
	case CondAnomaly:
		switch r.Condition.MinSeverity {
		case anomaly.SeverityLow, anomaly.SeverityMedium, anomaly.SeverityHigh, anomaly.SeverityCritical:
		default:
			return fmt.Errorf("rules: rule %s: unknown min_severity %q", r.RuleID, r.Condition.MinSeverity)
		}
	case CondForecast:
		if r.Condition.HorizonHours <= 0 {
			return fmt.Errorf("rules: rule %s: horizon_hours must be positive", r.RuleID)
		}
	case CondRateOfChange:
		if r.Condition.MaxRate <= 0 {
			return fmt.Errorf("rules: rule %s: max_rate must be positive", r.RuleID)
		}
	case CondMissingData:
		if r.Condition.ExpectedIntervalMS <= 0 {
			return fmt.Errorf("rules: rule %s: expected_interval_ms must be positive", r.RuleID)
		}
	default:
		return fmt.Errorf("rules: rule %s: unknown condition type %q", r.RuleID, r.Condition.Type)
	}
	return nil
}

// Record encodes the rule as a storage document with the indexed columns
// mirrored out of the body.
func (r *Rule) Record() (*storage.RuleRecord, error) {
	def, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("rules: encode rule %s: %w", r.RuleID, err)
	}
	return &storage.RuleRecord{
		RuleID:     r.RuleID,
		TenantID:   r.TenantID,
		Name:       r.Name,
		MetricKey:  r.MetricKey,
		Enabled:    r.Enabled,
		Definition: def,
	}, nil
}

// FromRecord decodes a stored rule document.
func FromRecord(rec *storage.RuleRecord) (*Rule, error) {
	var r Rule
	if err := json.Unmarshal(rec.Definition, &r); err != nil {
		return nil, fmt.Errorf("rules: decode rule %s: %w", rec.RuleID, err)
	}
	// Indexed columns win over a stale body.
	r.RuleID = rec.RuleID
	r.TenantID = rec.TenantID
	r.Enabled = rec.Enabled
	return &r, nil
}

// TriggerDetails carries the variant-specific evidence behind a match.
type TriggerDetails struct {
	CurrentValue float64              `json:"current_value,omitempty"`
	Op           string               `json:"op,omitempty"`
	Threshold    float64              `json:"threshold,omitempty"`
	Anomaly      *anomaly.Anomaly     `json:"anomaly,omitempty"`
	Prediction   *forecast.Prediction `json:"prediction,omitempty"`
	Previous     float64              `json:"previous,omitempty"`
	Rate         float64              `json:"rate,omitempty"`
	LastSeenAt   *time.Time           `json:"last_seen_at,omitempty"`
	GapMS        int64                `json:"gap_ms,omitempty"`
}

// Trigger is a candidate alert produced by a matched rule, before filtering
// and lifecycle registration.
type Trigger struct {
	AlertID     string         `json:"alert_id"`
	RuleID      string         `json:"rule_id"`
	TenantID    string         `json:"tenant_id"`
	TriggeredAt time.Time      `json:"triggered_at"`
	Severity    string         `json:"severity"`
	Status      string         `json:"status"`
	TriggerType ConditionType  `json:"trigger_type"`
	Metric      metric.Point   `json:"metric_context"`
	Details     TriggerDetails `json:"trigger_details"`
	Routing     Routing        `json:"routing"`
	Suppression *Suppression   `json:"-"`
}

// EvalResult is the outcome of evaluating one rule against one context.
type EvalResult struct {
	RuleID      string    `json:"rule_id"`
	Matched     bool      `json:"matched"`
	Trigger     *Trigger  `json:"trigger,omitempty"`
	Reason      string    `json:"reason"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}
