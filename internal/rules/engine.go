package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftwatch/driftwatch/internal/storage"
)

// Engine holds the registered rules and evaluates them against contexts.
// Reads take a shared lock; registration is rare.
type Engine struct {
	mu    sync.RWMutex
	rules map[string]*Rule

	store *storage.Store
	log   *zap.Logger
	now   func() time.Time
}

// NewEngine builds an empty engine. store may be nil when rules are only
// registered programmatically.
func NewEngine(store *storage.Store, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		rules: make(map[string]*Rule),
		store: store,
		log:   log,
		now:   time.Now,
	}
}

// Register validates and indexes a rule, persisting it when a store is
// attached. Re-registering an id replaces the previous version.
func (e *Engine) Register(ctx context.Context, r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if e.store != nil {
		rec, err := r.Record()
		if err != nil {
			return err
		}
		if err := e.store.SaveRule(ctx, rec); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.rules[r.RuleID] = r
	e.mu.Unlock()
	e.log.Info("rule registered",
		zap.String("rule_id", r.RuleID),
		zap.String("tenant_id", r.TenantID),
		zap.String("metric_key", r.MetricKey),
		zap.String("condition", string(r.Condition.Type)))
	return nil
}

// Unregister removes a rule from the engine and the store. Unknown ids are a
// no-op.
func (e *Engine) Unregister(ctx context.Context, ruleID string) error {
	if e.store != nil {
		if err := e.store.DeleteRule(ctx, ruleID); err != nil {
			return err
		}
	}
	e.mu.Lock()
	delete(e.rules, ruleID)
	e.mu.Unlock()
	return nil
}

// List returns registered rules sorted by name, optionally restricted to a
// tenant.
func (e *Engine) List(tenantID string) []*Rule {
	e.mu.RLock()
	out := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if tenantID != "" && r.TenantID != tenantID {
			continue
		}
		out = append(out, r)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LoadFromStore replaces the in-memory index with the persisted rule set.
// Undecodable documents are skipped with a warning rather than failing the
// load.
func (e *Engine) LoadFromStore(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, fmt.Errorf("rules: engine has no store")
	}
	recs, err := e.store.ListRules(ctx, "")
	if err != nil {
		return 0, err
	}
	loaded := make(map[string]*Rule, len(recs))
	for _, rec := range recs {
		r, err := FromRecord(rec)
		if err != nil {
			e.log.Warn("skipping undecodable rule", zap.String("rule_id", rec.RuleID), zap.Error(err))
			continue
		}
		loaded[r.RuleID] = r
	}
	e.mu.Lock()
	e.rules = loaded
	e.mu.Unlock()
	return len(loaded), nil
}

// Evaluate runs every applicable enabled rule against the context, serially.
// It never panics to the caller: a rule that blows up reports
// matched=false with an error reason.
func (e *Engine) Evaluate(ec *EvalContext) []EvalResult {
	if ec.Now.IsZero() {
		ec.Now = e.now()
	}
	e.mu.RLock()
	applicable := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Enabled && e.applies(r, ec) {
			applicable = append(applicable, r)
		}
	}
	e.mu.RUnlock()
	sort.Slice(applicable, func(i, j int) bool { return applicable[i].RuleID < applicable[j].RuleID })

	results := make([]EvalResult, 0, len(applicable))
	for _, r := range applicable {
		results = append(results, e.evalRule(r, ec))
	}
	return results
}

// applies checks metric key, tenant, and dimension filters.
func (e *Engine) applies(r *Rule, ec *EvalContext) bool {
	if r.MetricKey != ec.Metric.MetricKey || r.TenantID != ec.Metric.TenantID {
		return false
	}
	for k, want := range r.DimensionFilters {
		got, ok := ec.Metric.Dimensions[k]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func (e *Engine) evalRule(r *Rule, ec *EvalContext) (res EvalResult) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("rule evaluation panicked",
				zap.String("rule_id", r.RuleID), zap.Any("panic", p))
			res = EvalResult{
				RuleID:      r.RuleID,
				Matched:     false,
				Reason:      fmt.Sprintf("Evaluation error: %v", p),
				EvaluatedAt: e.now(),
			}
		}
	}()

	matched, details, reason := e.evalCondition(r, ec)
	res = EvalResult{RuleID: r.RuleID, Matched: matched, Reason: reason, EvaluatedAt: ec.Now}
	if matched {
		res.Trigger = &Trigger{
			AlertID:     uuid.NewString(),
			RuleID:      r.RuleID,
			TenantID:    r.TenantID,
			TriggeredAt: ec.Now,
			Severity:    r.Severity,
			Status:      "firing",
			TriggerType: r.Condition.Type,
			Metric:      ec.Metric,
			Details:     details,
			Routing:     r.Routing,
			Suppression: r.Suppression,
		}
	}
	return res
}

func (e *Engine) evalCondition(r *Rule, ec *EvalContext) (bool, TriggerDetails, string) {
	c := r.Condition
	switch c.Type {
	case CondThreshold:
		return evalThreshold(c, ec)
	case CondAnomaly:
		return evalAnomaly(c, ec)
	case CondForecast:
		return evalForecast(c, ec)
	case CondRateOfChange:
		return evalRateOfChange(c, ec)
	case CondMissingData:
		return evalMissingData(c, ec)
	default:
		return false, TriggerDetails{}, fmt.Sprintf("unknown condition type %q", c.Type)
	}
}

func compare(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "=":
		return v == threshold
	case "!=":
		return v != threshold
	default:
		return false
	}
}

// evalThreshold compares the current value; with duration_ms set the breach
// must hold for every point inside the trailing window.
func evalThreshold(c Condition, ec *EvalContext) (bool, TriggerDetails, string) {
	details := TriggerDetails{CurrentValue: ec.Metric.Value, Op: c.Op, Threshold: c.Value}
	if !compare(ec.Metric.Value, c.Op, c.Value) {
		return false, details, fmt.Sprintf("value %g not %s %g", ec.Metric.Value, c.Op, c.Value)
	}
	if c.DurationMS > 0 && ec.Series != nil {
		cutoff := ec.Now.Add(-time.Duration(c.DurationMS) * time.Millisecond)
		for _, p := range ec.Series.Points {
			if p.Timestamp.Before(cutoff) {
				continue
			}
			if !compare(p.Value, c.Op, c.Value) {
				return false, details, fmt.Sprintf("breach not sustained for %dms", c.DurationMS)
			}
		}
	}
	return true, details, fmt.Sprintf("value %g %s %g", ec.Metric.Value, c.Op, c.Value)
}

// evalAnomaly matches the first anomaly at or above the minimum severity.
func evalAnomaly(c Condition, ec *EvalContext) (bool, TriggerDetails, string) {
	minRank := c.MinSeverity.Rank()
	for i := range ec.Anomalies {
		a := &ec.Anomalies[i]
		if a.Severity.Rank() >= minRank {
			return true, TriggerDetails{CurrentValue: ec.Metric.Value, Anomaly: a},
				fmt.Sprintf("anomaly %s at severity %s", a.ID, a.Severity)
		}
	}
	return false, TriggerDetails{}, fmt.Sprintf("no anomaly at or above %s", c.MinSeverity)
}

// evalForecast matches any predicted point inside the horizon whose value
// exceeds the threshold.
func evalForecast(c Condition, ec *EvalContext) (bool, TriggerDetails, string) {
	deadline := ec.Now.Add(time.Duration(c.HorizonHours * float64(time.Hour)))
	for i := range ec.Predictions {
		p := &ec.Predictions[i]
		if p.Timestamp.After(deadline) || !p.Timestamp.After(ec.Now) {
			continue
		}
		if p.Value > c.Threshold {
			return true, TriggerDetails{Prediction: p, Threshold: c.Threshold},
				fmt.Sprintf("forecast %g exceeds %g at %s", p.Value, c.Threshold,
					p.Timestamp.UTC().Format(time.RFC3339))
		}
	}
	return false, TriggerDetails{}, fmt.Sprintf("no forecast above %g within %gh", c.Threshold, c.HorizonHours)
}

// evalRateOfChange needs a previous value; without one it cannot match.
func evalRateOfChange(c Condition, ec *EvalContext) (bool, TriggerDetails, string) {
	if ec.Previous == nil {
		return false, TriggerDetails{}, "no previous value"
	}
	rate := ec.Metric.Value - *ec.Previous
	if rate < 0 {
		rate = -rate
	}
	details := TriggerDetails{CurrentValue: ec.Metric.Value, Previous: *ec.Previous, Rate: rate}
	if rate > c.MaxRate {
		return true, details, fmt.Sprintf("rate of change %g exceeds %g %s", rate, c.MaxRate, c.Unit)
	}
	return false, details, fmt.Sprintf("rate of change %g within %g", rate, c.MaxRate)
}

// evalMissingData fires on a stale or never-seen series.
func evalMissingData(c Condition, ec *EvalContext) (bool, TriggerDetails, string) {
	if ec.LastSeenAt == nil {
		return true, TriggerDetails{}, "no data has ever been seen"
	}
	gap := ec.Now.Sub(*ec.LastSeenAt)
	expected := time.Duration(c.ExpectedIntervalMS) * time.Millisecond
	details := TriggerDetails{LastSeenAt: ec.LastSeenAt, GapMS: gap.Milliseconds()}
	if gap > expected {
		return true, details, fmt.Sprintf("no data for %s, expected every %s", gap, expected)
	}
	return false, details, fmt.Sprintf("last point %s ago", gap)
}
