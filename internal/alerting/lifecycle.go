package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/driftwatch/driftwatch/internal/rules"
	"github.com/driftwatch/driftwatch/internal/storage"
)

// Alert statuses.
const (
	StatusFiring       = "firing"
	StatusAcknowledged = "acknowledged"
	StatusEscalated    = "escalated"
	StatusResolved     = "resolved"
)

// LifecycleConfig tunes the manager.
type LifecycleConfig struct {
	// MaxEscalationLevel bounds escalate(). Default 3.
	MaxEscalationLevel int
	// EscalationTimeout is how long an alert may stay firing before
	// check_escalations picks it up. Default 30m.
	EscalationTimeout time.Duration
	// ReminderInterval is the re-notification cadence for active alerts.
	// Default 4h.
	ReminderInterval time.Duration
	// CacheSize bounds the in-memory state cache. Default 1024.
	CacheSize int
}

func (c *LifecycleConfig) applyDefaults() {
	if c.MaxEscalationLevel <= 0 {
		c.MaxEscalationLevel = 3
	}
	if c.EscalationTimeout <= 0 {
		c.EscalationTimeout = 30 * time.Minute
	}
	if c.ReminderInterval <= 0 {
		c.ReminderInterval = 4 * time.Hour
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 1024
	}
}

// Lifecycle manages alert state under the monotonic state machine
// firing → {acknowledged, escalated} → resolved. Resolved is terminal;
// transition requests against a resolved alert are no-ops returning the
// current state. All transitions for one alert id are serialized under a
// per-id mutex; the LRU cache is write-through over the store.
type Lifecycle struct {
	store *storage.Store
	cache *lru.Cache[string, *storage.AlertStateRecord]
	locks sync.Map // alert_id → *sync.Mutex

	cfg LifecycleConfig
	log *zap.Logger
	now func() time.Time
}

// NewLifecycle wires the manager over the store.
func NewLifecycle(store *storage.Store, cfg LifecycleConfig, log *zap.Logger) (*Lifecycle, error) {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	cache, err := lru.New[string, *storage.AlertStateRecord](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("alerting: build state cache: %w", err)
	}
	return &Lifecycle{
		store: store,
		cache: cache,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}, nil
}

// SetClock overrides the manager's time source for tests.
func (l *Lifecycle) SetClock(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

func (l *Lifecycle) lock(alertID string) *sync.Mutex {
	v, _ := l.locks.LoadOrStore(alertID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// get loads an alert's state, cache first, store on miss, under the caller's
// per-id lock.
func (l *Lifecycle) get(ctx context.Context, alertID string) (*storage.AlertStateRecord, error) {
	if rec, ok := l.cache.Get(alertID); ok {
		return rec, nil
	}
	rec, err := l.store.GetAlertState(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		l.cache.Add(alertID, rec)
	}
	return rec, nil
}

// save writes through to the store and refreshes the cache.
func (l *Lifecycle) save(ctx context.Context, rec *storage.AlertStateRecord) error {
	if err := l.store.SaveAlertState(ctx, rec); err != nil {
		return err
	}
	l.cache.Add(rec.AlertID, rec)
	return nil
}

func (l *Lifecycle) transition(ctx context.Context, rec *storage.AlertStateRecord, from, to, actor, reason string) error {
	return l.store.AppendTransition(ctx, &storage.TransitionRecord{
		ID:      uuid.NewString(),
		AlertID: rec.AlertID,
		From:    from,
		To:      to,
		At:      l.now(),
		Actor:   actor,
		Reason:  reason,
	})
}

// Register creates the initial firing state for an accepted trigger.
func (l *Lifecycle) Register(ctx context.Context, trig *rules.Trigger) (*storage.AlertStateRecord, error) {
	mu := l.lock(trig.AlertID)
	mu.Lock()
	defer mu.Unlock()

	ctxJSON, err := json.Marshal(trig.Details)
	if err != nil {
		return nil, fmt.Errorf("alerting: encode trigger details: %w", err)
	}
	rec := &storage.AlertStateRecord{
		AlertID:     trig.AlertID,
		RuleID:      trig.RuleID,
		TenantID:    trig.TenantID,
		Status:      StatusFiring,
		Severity:    trig.Severity,
		TriggerType: string(trig.TriggerType),
		MetricKey:   trig.Metric.MetricKey,
		TriggeredAt: trig.TriggeredAt,
		Context:     ctxJSON,
	}
	if err := l.save(ctx, rec); err != nil {
		return nil, err
	}
	if err := l.transition(ctx, rec, "", StatusFiring, "", "alert registered"); err != nil {
		return nil, err
	}
	l.log.Info("alert registered",
		zap.String("alert_id", rec.AlertID),
		zap.String("tenant_id", rec.TenantID),
		zap.String("severity", rec.Severity))
	return rec, nil
}

// Get returns an alert's current state; nil when unknown.
func (l *Lifecycle) Get(ctx context.Context, alertID string) (*storage.AlertStateRecord, error) {
	mu := l.lock(alertID)
	mu.Lock()
	defer mu.Unlock()
	return l.get(ctx, alertID)
}

// Acknowledge moves a firing or escalated alert to acknowledged. A resolved
// alert is returned unchanged; acknowledging twice is idempotent.
func (l *Lifecycle) Acknowledge(ctx context.Context, alertID, actor string) (*storage.AlertStateRecord, error) {
	mu := l.lock(alertID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := l.get(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("alerting: unknown alert %s", alertID)
	}
	switch rec.Status {
	case StatusResolved, StatusAcknowledged:
		return rec, nil
	case StatusFiring, StatusEscalated:
	default:
		return nil, fmt.Errorf("alerting: cannot acknowledge alert in status %s", rec.Status)
	}

	from := rec.Status
	now := l.now()
	upd := *rec
	upd.Status = StatusAcknowledged
	upd.AcknowledgedAt = &now
	upd.AcknowledgedBy = actor
	if err := l.save(ctx, &upd); err != nil {
		return nil, err
	}
	if err := l.transition(ctx, &upd, from, StatusAcknowledged, actor, ""); err != nil {
		return nil, err
	}
	return &upd, nil
}

// Resolve terminates an alert from any live status. Resolving a resolved
// alert is a no-op returning the current state.
func (l *Lifecycle) Resolve(ctx context.Context, alertID, actor, reason string) (*storage.AlertStateRecord, error) {
	mu := l.lock(alertID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := l.get(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("alerting: unknown alert %s", alertID)
	}
	if rec.Status == StatusResolved {
		return rec, nil
	}

	from := rec.Status
	now := l.now()
	upd := *rec
	upd.Status = StatusResolved
	upd.ResolvedAt = &now
	upd.ResolvedBy = actor
	if err := l.save(ctx, &upd); err != nil {
		return nil, err
	}
	if err := l.transition(ctx, &upd, from, StatusResolved, actor, reason); err != nil {
		return nil, err
	}
	l.log.Info("alert resolved",
		zap.String("alert_id", alertID),
		zap.String("actor", actor),
		zap.Duration("open_for", now.Sub(upd.TriggeredAt)))
	return &upd, nil
}

// Escalate bumps a firing or escalated alert one level. Escalating a
// resolved or acknowledged alert, or one at the level ceiling, is a
// warn-logged no-op returning the current state.
func (l *Lifecycle) Escalate(ctx context.Context, alertID, reason string) (*storage.AlertStateRecord, error) {
	mu := l.lock(alertID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := l.get(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("alerting: unknown alert %s", alertID)
	}
	switch rec.Status {
	case StatusResolved:
		return rec, nil
	case StatusAcknowledged:
		l.log.Warn("escalation skipped for acknowledged alert",
			zap.String("alert_id", alertID))
		return rec, nil
	}
	if rec.EscalationLevel >= l.cfg.MaxEscalationLevel {
		l.log.Warn("escalation skipped at level ceiling",
			zap.String("alert_id", alertID),
			zap.Int("level", rec.EscalationLevel))
		return rec, nil
	}

	from := rec.Status
	now := l.now()
	upd := *rec
	upd.Status = StatusEscalated
	upd.EscalatedAt = &now
	upd.EscalationLevel++
	if err := l.save(ctx, &upd); err != nil {
		return nil, err
	}
	if err := l.transition(ctx, &upd, from, StatusEscalated, "", reason); err != nil {
		return nil, err
	}
	l.log.Warn("alert escalated",
		zap.String("alert_id", alertID),
		zap.Int("level", upd.EscalationLevel))
	return &upd, nil
}

// RecordNotification bumps the notification counter and timestamp.
func (l *Lifecycle) RecordNotification(ctx context.Context, alertID string) error {
	mu := l.lock(alertID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := l.get(ctx, alertID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("alerting: unknown alert %s", alertID)
	}
	now := l.now()
	upd := *rec
	upd.NotificationCount++
	upd.LastNotifiedAt = &now
	return l.save(ctx, &upd)
}

// History returns an alert's transitions oldest first.
func (l *Lifecycle) History(ctx context.Context, alertID string) ([]*storage.TransitionRecord, error) {
	return l.store.ListTransitions(ctx, alertID)
}

// CheckEscalations escalates every unacknowledged alert whose last escalation
// (or trigger) is older than the escalation timeout and that still has level
// headroom. Repeated sweeps keep raising the level, one step per elapsed
// timeout, until the alert is acknowledged, resolved, or at the ceiling.
// Returns the escalated states.
func (l *Lifecycle) CheckEscalations(ctx context.Context) ([]*storage.AlertStateRecord, error) {
	cutoff := l.now().Add(-l.cfg.EscalationTimeout)
	candidates, err := l.store.EscalationCandidates(ctx, cutoff, l.cfg.MaxEscalationLevel)
	if err != nil {
		return nil, err
	}
	var escalated []*storage.AlertStateRecord
	for _, cand := range candidates {
		rec, err := l.Escalate(ctx, cand.AlertID, "escalation timeout elapsed")
		if err != nil {
			l.log.Warn("automatic escalation failed",
				zap.String("alert_id", cand.AlertID), zap.Error(err))
			continue
		}
		// A candidate may have been acknowledged or resolved between the
		// query and the escalation attempt.
		if rec.EscalationLevel > cand.EscalationLevel {
			escalated = append(escalated, rec)
		}
	}
	return escalated, nil
}

// CheckReminders returns active alerts whose last notification is older than
// the reminder interval, or that were never notified.
func (l *Lifecycle) CheckReminders(ctx context.Context) ([]*storage.AlertStateRecord, error) {
	cutoff := l.now().Add(-l.cfg.ReminderInterval)
	return l.store.ReminderCandidates(ctx, cutoff)
}

// TenantStats summarizes a tenant's alert population.
type TenantStats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	BySeverity map[string]int `json:"by_severity"`
	// MTTRSeconds is the mean time from trigger to resolution.
	MTTRSeconds float64 `json:"mttr_seconds"`
	// MTFRSeconds is the mean time from trigger to first acknowledgement.
	MTFRSeconds float64 `json:"mtfr_seconds"`
}

// Stats computes per-tenant counts, MTTR, and MTFR.
func (l *Lifecycle) Stats(ctx context.Context, tenantID string) (*TenantStats, error) {
	states, err := l.store.ListAlertStates(ctx, storage.AlertStateQuery{TenantID: tenantID})
	if err != nil {
		return nil, err
	}
	stats := &TenantStats{
		ByStatus:   make(map[string]int),
		BySeverity: make(map[string]int),
	}
	var (
		resolveSum time.Duration
		resolveN   int
		ackSum     time.Duration
		ackN       int
	)
	for _, rec := range states {
		stats.Total++
		stats.ByStatus[rec.Status]++
		stats.BySeverity[rec.Severity]++
		if rec.ResolvedAt != nil {
			resolveSum += rec.ResolvedAt.Sub(rec.TriggeredAt)
			resolveN++
		}
		if rec.AcknowledgedAt != nil {
			ackSum += rec.AcknowledgedAt.Sub(rec.TriggeredAt)
			ackN++
		}
	}
	if resolveN > 0 {
		stats.MTTRSeconds = resolveSum.Seconds() / float64(resolveN)
	}
	if ackN > 0 {
		stats.MTFRSeconds = ackSum.Seconds() / float64(ackN)
	}
	return stats, nil
}
