package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/driftwatch/driftwatch/internal/metric"
	"github.com/driftwatch/driftwatch/internal/rules"
)

// FilterConfig tunes the alert filter.
type FilterConfig struct {
	// RateLimitPerMinute caps new alerts per tenant in a rolling 60s window.
	// Default 10.
	RateLimitPerMinute int
	// DefaultDedupWindow applies when a rule carries no dedup_window_ms.
	// Default 5m.
	DefaultDedupWindow time.Duration
}

func (c *FilterConfig) applyDefaults() {
	if c.RateLimitPerMinute <= 0 {
		c.RateLimitPerMinute = 10
	}
	if c.DefaultDedupWindow <= 0 {
		c.DefaultDedupWindow = 5 * time.Minute
	}
}

// Decision is the filter verdict for one candidate alert.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	// DedupKey is the key the candidate was (or would have been) tracked
	// under.
	DedupKey string `json:"dedup_key"`
	// DedupCount is how many candidates have collapsed onto the key,
	// including this one.
	DedupCount int `json:"dedup_count,omitempty"`
}

// Filter gates candidate alerts through suppression, rate limiting, and
// deduplication, in that order, short-circuiting on the first denial.
type Filter struct {
	dedup DedupStore
	cfg   FilterConfig
	log   *zap.Logger
	now   func() time.Time
}

// NewFilter wires a filter over a dedup store.
func NewFilter(dedup DedupStore, cfg FilterConfig, log *zap.Logger) *Filter {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Filter{dedup: dedup, cfg: cfg, log: log, now: time.Now}
}

// SetClock overrides the filter's time source for tests.
func (f *Filter) SetClock(now func() time.Time) {
	if now != nil {
		f.now = now
	}
}

// Check runs the filter chain for one candidate.
func (f *Filter) Check(ctx context.Context, trig *rules.Trigger) (Decision, error) {
	now := f.now()
	key := DedupKey(trig)

	// 1. Mute windows.
	if trig.Suppression != nil {
		for _, w := range trig.Suppression.MuteWindows {
			if InMuteWindow(w, now) {
				f.log.Debug("alert muted",
					zap.String("rule_id", trig.RuleID),
					zap.String("window", w.Start+"-"+w.End))
				return Decision{
					Allowed:  false,
					Reason:   fmt.Sprintf("muted by window %s-%s", w.Start, w.End),
					DedupKey: key,
				}, nil
			}
		}
	}

	// 2. Per-tenant rolling rate limit.
	recent, err := f.dedup.CountRecent(ctx, trig.TenantID, now.Add(-time.Minute))
	if err != nil {
		return Decision{}, err
	}
	if recent >= f.cfg.RateLimitPerMinute {
		f.log.Warn("tenant alert rate limit reached",
			zap.String("tenant_id", trig.TenantID),
			zap.Int("recent", recent))
		return Decision{
			Allowed:  false,
			Reason:   fmt.Sprintf("rate limit: %d alerts in the last minute", recent),
			DedupKey: key,
		}, nil
	}

	// 3. Deduplication.
	ttl := f.cfg.DefaultDedupWindow
	if trig.Suppression != nil && trig.Suppression.DedupWindowMS > 0 {
		ttl = time.Duration(trig.Suppression.DedupWindowMS) * time.Millisecond
	}
	hit, count, err := f.dedup.Touch(ctx, key, trig.TenantID, trig.AlertID, ttl)
	if err != nil {
		return Decision{}, err
	}
	if hit {
		return Decision{
			Allowed:    false,
			Reason:     fmt.Sprintf("duplicate of a live alert (%d occurrences)", count),
			DedupKey:   key,
			DedupCount: count,
		}, nil
	}
	return Decision{Allowed: true, Reason: "allowed", DedupKey: key, DedupCount: count}, nil
}

// Cleanup drops expired dedup records.
func (f *Filter) Cleanup(ctx context.Context) (int64, error) {
	return f.dedup.Cleanup(ctx)
}

// DedupKey returns the rule's explicit dedup key, or the canonical composite
// over tenant, metric, trigger type, severity, and sorted dimensions.
func DedupKey(trig *rules.Trigger) string {
	if trig.Routing.DedupKey != "" {
		return trig.Routing.DedupKey
	}
	return strings.Join([]string{
		trig.TenantID,
		trig.Metric.MetricKey,
		string(trig.TriggerType),
		trig.Severity,
		metric.DimensionsKey(trig.Metric.Dimensions),
	}, "|")
}

var weekdayNames = map[time.Weekday]string{
	time.Monday:    "mon",
	time.Tuesday:   "tue",
	time.Wednesday: "wed",
	time.Thursday:  "thu",
	time.Friday:    "fri",
	time.Saturday:  "sat",
	time.Sunday:    "sun",
}

// InMuteWindow reports whether now falls inside the daily [start, end) window
// using a lexical HH:MM compare. start > end denotes a window crossing
// midnight. Days, when present, restricts the window to the current weekday.
func InMuteWindow(w rules.MuteWindow, now time.Time) bool {
	if len(w.Days) > 0 {
		day := weekdayNames[now.Weekday()]
		found := false
		for _, d := range w.Days {
			if strings.EqualFold(d, day) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	hhmm := now.Format("15:04")
	if w.Start <= w.End {
		return hhmm >= w.Start && hhmm < w.End
	}
	// Cross-midnight: 22:00-06:00 covers [22:00, 24:00) and [00:00, 06:00).
	return hhmm >= w.Start || hhmm < w.End
}
