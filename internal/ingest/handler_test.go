package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwatch/driftwatch/internal/dbpool"
	"github.com/driftwatch/driftwatch/internal/metric"
	"github.com/driftwatch/driftwatch/internal/storage"
)

func newTestHandler(t *testing.T, opts Options) (*Handler, *storage.Store) {
	t.Helper()
	db, err := sqlx.Open("sqlite3", filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pool, err := dbpool.New(db, dbpool.Config{Size: 2}, nil)
	require.NoError(t, err)
	store, err := storage.New(pool, "sqlite3", storage.Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	return NewHandler(store, opts, nil), store
}

func TestIdempotentIngest(t *testing.T) {
	h, store := newTestHandler(t, Options{})
	ctx := context.Background()

	env := &Envelope{
		TenantID:       "T",
		SourceID:       "S",
		IdempotencyKey: "K",
		Metrics: []metric.InboundPoint{
			{MetricKey: "system.cpu.usage", Value: 42.0, Timestamp: "2025-01-01T00:00:00.000Z"},
		},
	}
	resp1, raw1, replayed, err := h.Ingest(ctx, env)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.True(t, resp1.Success)
	assert.Equal(t, 1, resp1.Accepted)
	assert.Equal(t, 0, resp1.Rejected)

	resp2, raw2, replayed, err := h.Ingest(ctx, env)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, raw1, raw2, "replay must return the original response byte-equal")
	assert.Equal(t, resp1.RequestID, resp2.RequestID)

	points, err := store.QueryPoints(ctx, storage.PointQuery{TenantID: "T", MetricKey: "system.cpu.usage"})
	require.NoError(t, err)
	assert.Len(t, points, 1, "exactly one row under the identity")
}

func TestDerivedKeyIsNotPersisted(t *testing.T) {
	h, store := newTestHandler(t, Options{})
	ctx := context.Background()

	env := &Envelope{
		TenantID: "T",
		SourceID: "S",
		Metrics: []metric.InboundPoint{
			{MetricKey: "system.cpu.usage", Value: 1, Timestamp: "2025-01-01T00:00:00.000Z"},
		},
	}
	_, _, replayed, err := h.Ingest(ctx, env)
	require.NoError(t, err)
	assert.False(t, replayed)

	// The derived key was not stored, so the second call is not a replay;
	// the point itself still coalesces on identity.
	_, _, replayed, err = h.Ingest(ctx, env)
	require.NoError(t, err)
	assert.False(t, replayed)

	points, err := store.QueryPoints(ctx, storage.PointQuery{TenantID: "T"})
	require.NoError(t, err)
	assert.Len(t, points, 1)
}

func TestInvalidEnvelopeRespondsWithoutError(t *testing.T) {
	h, _ := newTestHandler(t, Options{})
	resp, raw, replayed, err := h.Ingest(context.Background(), &Envelope{
		SourceID: "S",
		Metrics:  []metric.InboundPoint{{MetricKey: "a.b", Value: 1}},
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, raw)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, metric.ErrSchemaValidationFailed, resp.Errors[0].Code)
}

func TestPartialRejectionNeverAbortsBatch(t *testing.T) {
	h, store := newTestHandler(t, Options{})
	ctx := context.Background()

	env := &Envelope{
		TenantID: "T",
		SourceID: "S",
		Metrics: []metric.InboundPoint{
			{MetricKey: "system.cpu.usage", Value: 10, Timestamp: "2025-01-01T00:00:00.000Z"},
			{MetricKey: "9bad", Value: 11, Timestamp: "2025-01-01T00:01:00.000Z"},
			{MetricKey: "system.cpu.usage", Value: 12, Timestamp: "bogus"},
			{MetricKey: "system.mem.usage", Value: 13, Timestamp: "2025-01-01T00:02:00.000Z"},
		},
	}
	resp, _, _, err := h.Ingest(ctx, env)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 2, resp.Rejected)
	require.Len(t, resp.Errors, 2)
	assert.Equal(t, metric.ErrInvalidMetricKey, resp.Errors[0].Code)
	assert.Equal(t, 1, resp.Errors[0].Index)
	assert.Equal(t, metric.ErrInvalidTimestamp, resp.Errors[1].Code)
	assert.Equal(t, 2, resp.Errors[1].Index)

	// The rejected items were dead-lettered for replay.
	store.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })
	due, err := store.ClaimDueDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestDeadLetterCap(t *testing.T) {
	h, store := newTestHandler(t, Options{DeadLetterCap: 3})
	ctx := context.Background()

	env := &Envelope{TenantID: "T", SourceID: "S"}
	for i := 0; i < 8; i++ {
		env.Metrics = append(env.Metrics, metric.InboundPoint{MetricKey: "9bad", Value: float64(i)})
	}
	resp, _, _, err := h.Ingest(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, 8, resp.Rejected)

	store.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })
	due, err := store.ClaimDueDeadLetters(ctx, 20)
	require.NoError(t, err)
	assert.Len(t, due, 3, "dead-lettering is capped per request")
}

func TestBackfillFunnelsWindows(t *testing.T) {
	h, store := newTestHandler(t, Options{})
	ctx := context.Background()
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(4 * time.Hour)

	source := func(ctx context.Context, wFrom, wTo time.Time) ([]metric.InboundPoint, error) {
		return []metric.InboundPoint{{
			MetricKey: "system.cpu.usage",
			Value:     50,
			Timestamp: metric.FormatTimestamp(wFrom),
		}}, nil
	}
	report, err := h.Backfill(ctx, "T", "backfill", from, to, time.Hour, source)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Windows)
	assert.Equal(t, 4, report.Accepted)
	assert.Equal(t, 0, report.Rejected)

	// Re-running coalesces on identity: nothing new lands.
	report, err = h.Backfill(ctx, "T", "backfill", from, to, time.Hour, source)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Accepted, "accepted counts normalized items even when coalesced")

	points, err := store.QueryPoints(ctx, storage.PointQuery{TenantID: "T", MetricKey: "system.cpu.usage"})
	require.NoError(t, err)
	assert.Len(t, points, 4)
}

func TestReplayDeadLetters(t *testing.T) {
	h, store := newTestHandler(t, Options{})
	ctx := context.Background()

	// A replayable entry (valid payload) and a permanently bad one.
	_, err := store.AddDeadLetter(ctx, "T",
		[]byte(`{"tenant_id":"T","source_id":"S","metrics":[{"metric_key":"system.cpu.usage","value":7,"timestamp":"2025-01-01T00:00:00.000Z"}]}`),
		"transient store failure")
	require.NoError(t, err)
	_, err = store.AddDeadLetter(ctx, "T",
		[]byte(`{"tenant_id":"T","source_id":"S","metrics":[{"metric_key":"9bad","value":7}]}`),
		"invalid item")
	require.NoError(t, err)

	store.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })
	resolved, failed, err := h.ReplayDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, 1, failed)

	points, err := store.QueryPoints(ctx, storage.PointQuery{TenantID: "T", MetricKey: "system.cpu.usage"})
	require.NoError(t, err)
	assert.Len(t, points, 1)
}
