package alerting

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwatch/driftwatch/internal/dbpool"
	"github.com/driftwatch/driftwatch/internal/metric"
	"github.com/driftwatch/driftwatch/internal/rules"
	"github.com/driftwatch/driftwatch/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := sqlx.Open("sqlite3", filepath.Join(t.TempDir(), "alerting.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pool, err := dbpool.New(db, dbpool.Config{Size: 2}, nil)
	require.NoError(t, err)
	store, err := storage.New(pool, "sqlite3", storage.Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func newTrigger(severity string) *rules.Trigger {
	return &rules.Trigger{
		AlertID:     uuid.NewString(),
		RuleID:      "r1",
		TenantID:    "T",
		TriggeredAt: time.Now().UTC(),
		Severity:    severity,
		Status:      "firing",
		TriggerType: rules.CondThreshold,
		Metric: metric.Point{
			TenantID:  "T",
			MetricKey: "system.cpu.usage",
			Value:     95,
		},
		Details: rules.TriggerDetails{CurrentValue: 95, Op: ">", Threshold: 90},
		Routing: rules.Routing{Channels: []rules.ChannelRef{{Type: "webhook", Destination: "http://example.test"}}},
	}
}

func TestDedupCollapsesRepeatedTriggers(t *testing.T) {
	store := newTestStore(t)
	f := NewFilter(NewSQLDedup(store), FilterConfig{}, nil)
	ctx := context.Background()

	first := newTrigger("warning")
	dec, err := f.Check(ctx, first)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, 1, dec.DedupCount)

	// Same tenant, metric, type, severity, dims: collapses onto the same key.
	second := newTrigger("warning")
	dec, err = f.Check(ctx, second)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, 2, dec.DedupCount)
	assert.Contains(t, dec.Reason, "duplicate")

	// A different severity is a different key.
	third := newTrigger("critical")
	dec, err = f.Check(ctx, third)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestDedupWindowExpires(t *testing.T) {
	store := newTestStore(t)
	f := NewFilter(NewSQLDedup(store), FilterConfig{DefaultDedupWindow: time.Minute}, nil)
	ctx := context.Background()

	dec, err := f.Check(ctx, newTrigger("warning"))
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	// Past the window the key is live no more.
	later := time.Now().Add(2 * time.Minute)
	store.SetClock(func() time.Time { return later })
	f.SetClock(func() time.Time { return later })

	dec, err = f.Check(ctx, newTrigger("warning"))
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, 1, dec.DedupCount, "an expired record is replaced, not resumed")
}

func TestExplicitDedupKeyWins(t *testing.T) {
	trig := newTrigger("warning")
	trig.Routing.DedupKey = "custom-key"
	assert.Equal(t, "custom-key", DedupKey(trig))

	trig.Routing.DedupKey = ""
	assert.Equal(t, "T|system.cpu.usage|threshold|warning|{}", DedupKey(trig))

	trig.Metric.Dimensions = map[string]any{"b": "2", "a": "1"}
	assert.Equal(t, `T|system.cpu.usage|threshold|warning|{"a":"1","b":"2"}`, DedupKey(trig),
		"dimension order must not change the key")
}

func TestTenantRateLimit(t *testing.T) {
	store := newTestStore(t)
	f := NewFilter(NewSQLDedup(store), FilterConfig{RateLimitPerMinute: 2}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		trig := newTrigger("warning")
		trig.Metric.MetricKey = fmt.Sprintf("system.metric_%d.usage", i)
		dec, err := f.Check(ctx, trig)
		require.NoError(t, err)
		require.True(t, dec.Allowed)
	}

	trig := newTrigger("warning")
	trig.Metric.MetricKey = "system.metric_9.usage"
	dec, err := f.Check(ctx, trig)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "rate limit")
}

func TestMuteWindowSameDay(t *testing.T) {
	w := rules.MuteWindow{Start: "09:00", End: "17:00"}
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC) // a Monday

	assert.True(t, InMuteWindow(w, day.Add(12*time.Hour)))
	assert.True(t, InMuteWindow(w, day.Add(9*time.Hour)), "start is inclusive")
	assert.False(t, InMuteWindow(w, day.Add(17*time.Hour)), "end is exclusive")
	assert.False(t, InMuteWindow(w, day.Add(8*time.Hour)))
}

func TestMuteWindowCrossMidnight(t *testing.T) {
	w := rules.MuteWindow{Start: "22:00", End: "06:00"}
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	assert.True(t, InMuteWindow(w, day.Add(23*time.Hour+30*time.Minute)))
	assert.True(t, InMuteWindow(w, day.Add(2*time.Hour)))
	assert.False(t, InMuteWindow(w, day.Add(7*time.Hour)))
	assert.False(t, InMuteWindow(w, day.Add(21*time.Hour)))
}

func TestMuteWindowDays(t *testing.T) {
	w := rules.MuteWindow{Start: "00:00", End: "23:59", Days: []string{"sat", "sun"}}

	saturday := time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC)
	monday := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	assert.True(t, InMuteWindow(w, saturday))
	assert.False(t, InMuteWindow(w, monday))
}

func TestMutedTriggerIsDenied(t *testing.T) {
	store := newTestStore(t)
	f := NewFilter(NewSQLDedup(store), FilterConfig{}, nil)
	f.SetClock(func() time.Time {
		return time.Date(2025, 6, 2, 23, 30, 0, 0, time.UTC)
	})

	trig := newTrigger("warning")
	trig.Suppression = &rules.Suppression{
		MuteWindows: []rules.MuteWindow{{Start: "22:00", End: "06:00"}},
	}
	dec, err := f.Check(context.Background(), trig)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "muted")
	assert.Zero(t, dec.DedupCount, "a muted alert never touches the dedup store")
}

func TestCleanupDropsExpiredRecords(t *testing.T) {
	store := newTestStore(t)
	f := NewFilter(NewSQLDedup(store), FilterConfig{DefaultDedupWindow: time.Minute}, nil)
	ctx := context.Background()

	dec, err := f.Check(ctx, newTrigger("warning"))
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	store.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })
	n, err := f.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
