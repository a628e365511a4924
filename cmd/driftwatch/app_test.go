package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftwatch/driftwatch/internal/alerting"
	"github.com/driftwatch/driftwatch/internal/breaker"
	"github.com/driftwatch/driftwatch/internal/dbpool"
	"github.com/driftwatch/driftwatch/internal/metric"
	"github.com/driftwatch/driftwatch/internal/metrics"
	"github.com/driftwatch/driftwatch/internal/rules"
	"github.com/driftwatch/driftwatch/internal/storage"
)

func newNotifyFixture(t *testing.T, client *http.Client) (*app, *alerting.Lifecycle) {
	t.Helper()
	db, err := sqlx.Open("sqlite3", filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pool, err := dbpool.New(db, dbpool.Config{Size: 2}, nil)
	require.NoError(t, err)
	store, err := storage.New(pool, "sqlite3", storage.Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))

	lc, err := alerting.NewLifecycle(store, alerting.LifecycleConfig{}, nil)
	require.NoError(t, err)
	disp := alerting.NewDispatcher(nil)
	disp.RegisterChannel(alerting.NewWebhookChannel(client), alerting.ChannelConfig{Enabled: true})

	return &app{log: zap.NewNop(), dispatcher: disp, lifecycle: lc}, lc
}

func newWebhookTrigger(url string) *rules.Trigger {
	return &rules.Trigger{
		AlertID:     uuid.NewString(),
		RuleID:      "r1",
		TenantID:    "T",
		TriggeredAt: time.Now().UTC(),
		Severity:    "warning",
		Status:      "firing",
		TriggerType: rules.CondThreshold,
		Metric: metric.Point{
			TenantID:  "T",
			MetricKey: "system.cpu.usage",
			Value:     95,
		},
		Details: rules.TriggerDetails{CurrentValue: 95, Op: ">", Threshold: 90},
		Routing: rules.Routing{Channels: []rules.ChannelRef{{Type: "webhook", Destination: url}}},
	}
}

func TestNotifyRecordsDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a, lc := newNotifyFixture(t, srv.Client())
	trig := newWebhookTrigger(srv.URL)
	_, err := lc.Register(context.Background(), trig)
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.NotificationAttemptsTotal.WithLabelValues("webhook", "ok"))
	a.notify(context.Background(), trig)
	after := testutil.ToFloat64(metrics.NotificationAttemptsTotal.WithLabelValues("webhook", "ok"))
	assert.Equal(t, 1.0, after-before, "one successful attempt counted under the channel type")

	rec, err := lc.Get(context.Background(), trig.AlertID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.NotificationCount)
	require.NotNil(t, rec.LastNotifiedAt)
}

func TestNotifyCountsFailedAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	a, lc := newNotifyFixture(t, srv.Client())
	trig := newWebhookTrigger(srv.URL)
	_, err := lc.Register(context.Background(), trig)
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.NotificationAttemptsTotal.WithLabelValues("webhook", "error"))
	a.notify(context.Background(), trig)
	after := testutil.ToFloat64(metrics.NotificationAttemptsTotal.WithLabelValues("webhook", "error"))
	assert.Equal(t, 1.0, after-before)

	rec, err := lc.Get(context.Background(), trig.AlertID)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.NotificationCount, "nothing was delivered")
}

func TestFilterReasonLabel(t *testing.T) {
	cases := map[string]string{
		"muted by window w1":            "muted",
		"rate limit exceeded for T":     "rate_limited",
		"duplicate within dedup window": "duplicate",
		"something else entirely":       "other",
	}
	for reason, want := range cases {
		assert.Equal(t, want, filterReasonLabel(reason), reason)
	}
}

func TestBreakerStateValue(t *testing.T) {
	assert.Equal(t, 0.0, breakerStateValue(breaker.StateClosed))
	assert.Equal(t, 1.0, breakerStateValue(breaker.StateHalfOpen))
	assert.Equal(t, 2.0, breakerStateValue(breaker.StateOpen))
}
