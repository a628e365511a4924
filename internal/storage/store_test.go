package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwatch/driftwatch/internal/anomaly"
	"github.com/driftwatch/driftwatch/internal/dbpool"
	"github.com/driftwatch/driftwatch/internal/forecast"
	"github.com/driftwatch/driftwatch/internal/metric"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlx.Open("sqlite3", filepath.Join(t.TempDir(), "driftwatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pool, err := dbpool.New(db, dbpool.Config{Size: 2}, nil)
	require.NoError(t, err)

	store, err := New(pool, "sqlite3", Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func testPoint(tenant, key string, ts time.Time, value float64, dims map[string]any) metric.Point {
	return metric.Point{
		TenantID:   tenant,
		MetricKey:  key,
		Timestamp:  ts,
		Value:      value,
		Dimensions: dims,
		Provenance: metric.Provenance{SourceID: "test", PipelineVersion: "1"},
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, store.Migrate(context.Background()))
}

func TestStoreBatchCoalescesDuplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	points := []metric.Point{
		testPoint("acme", "system.cpu.usage", base, 10, map[string]any{"host": "a"}),
		testPoint("acme", "system.cpu.usage", base.Add(time.Minute), 20, map[string]any{"host": "a"}),
		// Same identity as the first, different value: coalesced.
		testPoint("acme", "system.cpu.usage", base, 99, map[string]any{"host": "a"}),
		// Same instant, different dimensions: distinct identity.
		testPoint("acme", "system.cpu.usage", base, 30, map[string]any{"host": "b"}),
	}
	res, err := store.StoreBatch(ctx, points)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 1, res.Duplicates)

	// A full replay is all duplicates.
	res, err = store.StoreBatch(ctx, points[:2])
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 2, res.Duplicates)

	// The first writer won.
	got, err := store.QueryPoints(ctx, PointQuery{
		TenantID:         "acme",
		MetricKey:        "system.cpu.usage",
		DimensionFilters: map[string]any{"host": "a"},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 10.0, got[0].Value)
}

func TestQueryPointsRangeAndOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	var points []metric.Point
	for i := 0; i < 10; i++ {
		points = append(points, testPoint("acme", "app.latency", base.Add(time.Duration(i)*time.Hour), float64(i), nil))
	}
	_, err := store.StoreBatch(ctx, points)
	require.NoError(t, err)

	got, err := store.QueryPoints(ctx, PointQuery{
		TenantID:  "acme",
		MetricKey: "app.latency",
		From:      base.Add(2 * time.Hour),
		To:        base.Add(7 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i].Timestamp.After(got[i-1].Timestamp))
	}
	assert.Equal(t, 2.0, got[0].Value)
	assert.Equal(t, 6.0, got[len(got)-1].Value)

	// Tenant isolation.
	other, err := store.QueryPoints(ctx, PointQuery{TenantID: "rival", MetricKey: "app.latency"})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestAsSeries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	var points []metric.Point
	for i := 0; i < 5; i++ {
		points = append(points, testPoint("acme", "app.rps", base.Add(time.Duration(i)*time.Minute), float64(i), nil))
	}
	_, err := store.StoreBatch(ctx, points)
	require.NoError(t, err)

	series, err := store.AsSeries(ctx, PointQuery{TenantID: "acme", MetricKey: "app.rps"})
	require.NoError(t, err)
	assert.Equal(t, 5, series.Count)
	assert.Equal(t, time.Minute, series.Resolution)
	assert.Equal(t, base, series.Start)
}

func TestChunkedBatchInsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	// 250 points forces three chunks.
	var points []metric.Point
	for i := 0; i < 250; i++ {
		points = append(points, testPoint("acme", "bulk.metric", base.Add(time.Duration(i)*time.Second), float64(i), nil))
	}
	res, err := store.StoreBatch(ctx, points)
	require.NoError(t, err)
	assert.Equal(t, 250, res.Inserted)

	got, err := store.QueryPoints(ctx, PointQuery{TenantID: "acme", MetricKey: "bulk.metric", Limit: 500})
	require.NoError(t, err)
	assert.Len(t, got, 250)
}

func TestEnsureTenantIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.EnsureTenant(ctx, "acme"))
	require.NoError(t, store.EnsureTenant(ctx, "acme"))
	require.Error(t, store.EnsureTenant(ctx, ""))
}

func TestIdempotencyRecordLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	missing, err := store.GetIdempotency(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	rec := &IdempotencyRecord{
		Key:       "k-1",
		RequestID: "r-1",
		TenantID:  "acme",
		Response:  []byte(`{"success":true,"accepted":3}`),
	}
	require.NoError(t, store.PutIdempotency(ctx, rec))

	got, err := store.GetIdempotency(ctx, "k-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r-1", got.RequestID)
	assert.Equal(t, rec.Response, got.Response)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), got.ExpiresAt, time.Minute)
}

func TestIdempotencyExpiry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	rec := &IdempotencyRecord{Key: "old", RequestID: "r", Response: []byte("{}"), ExpiresAt: past}
	require.NoError(t, store.PutIdempotency(ctx, rec))

	got, err := store.GetIdempotency(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, got, "expired records are invisible")

	n, err := store.ExpireIdempotency(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestDeadLetterRetrySchedule(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry, err := store.AddDeadLetter(ctx, "acme", []byte(`{"metrics":[]}`), "store unavailable")
	require.NoError(t, err)
	assert.Equal(t, DeadLetterPending, entry.Status)

	// Not due yet.
	due, err := store.ClaimDueDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	// Rewind the clock so the entry is due.
	store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	due, err = store.ClaimDueDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, DeadLetterRetrying, due[0].Status)

	// Claimed entries are not handed out twice.
	again, err := store.ClaimDueDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	// Failed replays back off and eventually exhaust.
	var last *DeadLetterEntry
	for i := 0; i < 5; i++ {
		last, err = store.DeadLetterFailed(ctx, entry.ID, "still failing")
		require.NoError(t, err)
	}
	assert.Equal(t, DeadLetterExhausted, last.Status)
	assert.Equal(t, 5, last.RetryCount)
}

func TestDeadLetterResolve(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	entry, err := store.AddDeadLetter(ctx, "acme", []byte("{}"), "boom")
	require.NoError(t, err)
	require.NoError(t, store.ResolveDeadLetter(ctx, entry.ID))

	store.now = func() time.Time { return time.Now().Add(time.Hour) }
	due, err := store.ClaimDueDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRuleRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &RuleRecord{
		RuleID:     "rule-1",
		TenantID:   "acme",
		Name:       "high cpu",
		MetricKey:  "system.cpu.usage",
		Enabled:    true,
		Definition: []byte(`{"condition":{"type":"threshold","op":">","value":90}}`),
	}
	require.NoError(t, store.SaveRule(ctx, rec))

	got, err := store.GetRule(ctx, "rule-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "high cpu", got.Name)
	assert.JSONEq(t, string(rec.Definition), string(got.Definition))

	rec.Enabled = false
	require.NoError(t, store.SaveRule(ctx, rec))
	got, err = store.GetRule(ctx, "rule-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	all, err := store.ListRules(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, all, 1)
	none, err := store.ListRules(ctx, "rival")
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, store.DeleteRule(ctx, "rule-1"))
	gone, err := store.GetRule(ctx, "rule-1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestAlertStateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	triggered := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	rec := &AlertStateRecord{
		AlertID:     "alert-1",
		RuleID:      "rule-1",
		TenantID:    "acme",
		Status:      "firing",
		Severity:    "critical",
		TriggerType: "threshold",
		MetricKey:   "system.cpu.usage",
		TriggeredAt: triggered,
	}
	require.NoError(t, store.SaveAlertState(ctx, rec))

	got, err := store.GetAlertState(ctx, "alert-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "firing", got.Status)
	assert.Nil(t, got.AcknowledgedAt)
	assert.Equal(t, triggered, got.TriggeredAt)

	ack := triggered.Add(5 * time.Minute)
	rec.Status = "acknowledged"
	rec.AcknowledgedAt = &ack
	rec.AcknowledgedBy = "oncall"
	require.NoError(t, store.SaveAlertState(ctx, rec))

	got, err = store.GetAlertState(ctx, "alert-1")
	require.NoError(t, err)
	assert.Equal(t, "acknowledged", got.Status)
	require.NotNil(t, got.AcknowledgedAt)
	assert.Equal(t, ack, *got.AcknowledgedAt)
	assert.Equal(t, "oncall", got.AcknowledgedBy)
}

func TestEscalationAndReminderCandidates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mk := func(id string, age time.Duration, status string, level int, notified *time.Time) *AlertStateRecord {
		return &AlertStateRecord{
			AlertID: id, RuleID: "r", TenantID: "acme", Status: status,
			Severity: "warning", TriggeredAt: now.Add(-age),
			EscalationLevel: level, LastNotifiedAt: notified,
		}
	}
	recent := now.Add(-time.Minute)
	longAgo := now.Add(-45 * time.Minute)
	require.NoError(t, store.SaveAlertState(ctx, mk("stale-firing", time.Hour, "firing", 0, nil)))
	require.NoError(t, store.SaveAlertState(ctx, mk("fresh-firing", time.Minute, "firing", 0, &recent)))
	require.NoError(t, store.SaveAlertState(ctx, mk("maxed-out", time.Hour, "firing", 3, nil)))
	require.NoError(t, store.SaveAlertState(ctx, mk("resolved", time.Hour, "resolved", 0, nil)))
	require.NoError(t, store.SaveAlertState(ctx, mk("acked", time.Hour, "acknowledged", 1, nil)))

	// Already-escalated alerts re-qualify only once their last escalation
	// predates the cutoff.
	justEscalated := mk("just-escalated", time.Hour, "escalated", 1, nil)
	justEscalated.EscalatedAt = &recent
	require.NoError(t, store.SaveAlertState(ctx, justEscalated))
	dueAgain := mk("due-again", 2*time.Hour, "escalated", 1, nil)
	dueAgain.EscalatedAt = &longAgo
	require.NoError(t, store.SaveAlertState(ctx, dueAgain))

	esc, err := store.EscalationCandidates(ctx, now.Add(-30*time.Minute), 3)
	require.NoError(t, err)
	ids := make([]string, len(esc))
	for i, r := range esc {
		ids[i] = r.AlertID
	}
	assert.ElementsMatch(t, []string{"stale-firing", "due-again"}, ids)

	rem, err := store.ReminderCandidates(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	ids = make([]string, len(rem))
	for i, r := range rem {
		ids[i] = r.AlertID
	}
	assert.ElementsMatch(t, []string{"stale-firing", "maxed-out", "just-escalated", "due-again"}, ids)
}

func TestTransitionHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.AppendTransition(ctx, &TransitionRecord{
		ID: "t1", AlertID: "alert-1", From: "firing", To: "acknowledged", At: at, Actor: "oncall",
	}))
	require.NoError(t, store.AppendTransition(ctx, &TransitionRecord{
		ID: "t2", AlertID: "alert-1", From: "acknowledged", To: "resolved", At: at.Add(time.Hour), Reason: "fixed",
	}))

	hist, err := store.ListTransitions(ctx, "alert-1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "acknowledged", hist[0].To)
	assert.Equal(t, "resolved", hist[1].To)
	assert.Equal(t, "fixed", hist[1].Reason)
}

func TestDedupTouchAndCleanup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	hit, count, err := store.TouchDedup(ctx, "key-1", "acme", "alert-1", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 1, count)

	hit, count, err = store.TouchDedup(ctx, "key-1", "acme", "alert-2", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 2, count)

	n, err := store.CountRecentDedup(ctx, "acme", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// After expiry, the key admits a fresh record.
	store.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	hit, count, err = store.TouchDedup(ctx, "key-1", "acme", "alert-3", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 1, count)

	store.now = func() time.Time { return time.Now().Add(time.Hour) }
	removed, err := store.CleanupDedup(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)
}

func TestForecastPersistence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	gen := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	req := &forecast.Request{TenantID: "acme", MetricKey: "app.rps", Horizon: 2, Frequency: "1h"}
	res := &forecast.Result{
		RequestID: "req-1",
		Backend:   "holt_winters",
		Predictions: []forecast.Prediction{
			{Timestamp: gen.Add(time.Hour), Value: 12.5, Intervals: map[string]forecast.Interval{
				"0.95": {Lower: 10, Upper: 15},
			}},
			{Timestamp: gen.Add(2 * time.Hour), Value: 13},
		},
		Model:       forecast.ModelInfo{Name: "holt_winters", Version: "1.2"},
		GeneratedAt: gen,
		Duration:    42 * time.Millisecond,
	}
	require.NoError(t, store.SaveForecast(ctx, req, res))

	got, err := store.GetForecast(ctx, "req-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "holt_winters", got.Backend)
	require.Len(t, got.Predictions, 2)
	assert.Equal(t, 12.5, got.Predictions[0].Value)
	assert.Equal(t, forecast.Interval{Lower: 10, Upper: 15}, got.Predictions[0].Intervals["0.95"])
	assert.EqualValues(t, 42, got.DurationMS)

	recent, err := store.RecentForecasts(ctx, "acme", "app.rps", 5)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestAnomalyPersistence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2025, 3, 1, 7, 0, 0, 0, time.UTC)

	anomalies := []anomaly.Anomaly{
		{ID: "a1", TenantID: "acme", MetricKey: "app.rps", Timestamp: ts, Observed: 99,
			Expected: 10, Score: 0.92, Type: anomaly.TypePoint, Severity: anomaly.SeverityHigh},
		{ID: "a2", TenantID: "acme", MetricKey: "app.rps", Timestamp: ts.Add(time.Hour), Observed: 80,
			Expected: 10, Score: 0.78, Type: anomaly.TypeLevelShift, Severity: anomaly.SeverityMedium},
	}
	require.NoError(t, store.SaveAnomalies(ctx, "req-9", nil, anomalies))

	got, err := store.QueryAnomalies(ctx, AnomalyQuery{TenantID: "acme", MetricKey: "app.rps"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, anomaly.TypePoint, got[0].Type)
	assert.Equal(t, anomaly.SeverityHigh, got[0].Severity)

	high, err := store.QueryAnomalies(ctx, AnomalyQuery{TenantID: "acme", Severity: "high"})
	require.NoError(t, err)
	assert.Len(t, high, 1)
}
