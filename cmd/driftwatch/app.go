package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/driftwatch/driftwatch/internal/alerting"
	"github.com/driftwatch/driftwatch/internal/anomaly"
	"github.com/driftwatch/driftwatch/internal/api/rest"
	"github.com/driftwatch/driftwatch/internal/breaker"
	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/dbpool"
	"github.com/driftwatch/driftwatch/internal/forecast"
	"github.com/driftwatch/driftwatch/internal/forecast/holtwinters"
	"github.com/driftwatch/driftwatch/internal/health"
	"github.com/driftwatch/driftwatch/internal/ingest"
	"github.com/driftwatch/driftwatch/internal/metric"
	"github.com/driftwatch/driftwatch/internal/metrics"
	"github.com/driftwatch/driftwatch/internal/remote"
	"github.com/driftwatch/driftwatch/internal/rules"
	"github.com/driftwatch/driftwatch/internal/storage"
)

const (
	evalInterval    = time.Minute
	cleanupInterval = 5 * time.Minute
	expiryInterval  = time.Hour
	gaugeInterval   = 30 * time.Second
)

// app owns every wired component and the background loops.
type app struct {
	cfg *config.Config
	log *zap.Logger

	db         *sqlx.DB
	pool       *dbpool.Pool
	store      *storage.Store
	ingester   *ingest.Handler
	registry   *forecast.Registry
	detector   *anomaly.Detector
	engine     *rules.Engine
	builder    *rules.ContextBuilder
	filter     *alerting.Filter
	dispatcher *alerting.Dispatcher
	lifecycle  *alerting.Lifecycle
	monitor    *health.Monitor
	rdb        *redis.Client

	remoteBreaker *breaker.Breaker

	httpSrv *http.Server
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	// Database and storage.
	driver, dsn := "sqlite3", cfg.Database.SQLitePath
	if cfg.Database.Type == "postgres" {
		driver, dsn = "postgres", cfg.Database.PostgresURL
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db

	a.pool, err = dbpool.New(db, dbpool.Config{
		Size:           cfg.Database.PoolSize,
		AcquireTimeout: time.Duration(cfg.Database.AcquireTimeout) * time.Second,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("build connection pool: %w", err)
	}

	a.store, err = storage.New(a.pool, driver, storage.Options{
		IdempotencyTTL: time.Duration(cfg.Ingest.IdempotencyTTLHours) * time.Hour,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("build store: %w", err)
	}
	if err := a.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	// Ingest pipeline.
	a.ingester = ingest.NewHandler(a.store, ingest.Options{
		PipelineVersion: cfg.Ingest.PipelineVersion,
		DeadLetterCap:   cfg.Ingest.DeadLetterCap,
	}, log)

	// Forecast backends.
	a.registry = forecast.NewRegistry(log)
	hw := holtwinters.New("holtwinters", log)
	if err := a.registry.Register(hw, 100, cfg.Forecast.DefaultBackend == "holtwinters"); err != nil {
		return nil, fmt.Errorf("register holtwinters backend: %w", err)
	}
	if cfg.Forecast.Remote.BaseURL != "" {
		br := breaker.New(breaker.Config{
			Name:             "remote-forecast",
			FailureThreshold: cfg.Forecast.Remote.FailureThreshold,
			OpenFor:          time.Duration(cfg.Forecast.Remote.OpenForSecs) * time.Second,
		}, log)
		a.remoteBreaker = br
		rc, err := remote.New(remote.Config{
			ID:          "remote",
			BaseURL:     cfg.Forecast.Remote.BaseURL,
			CallTimeout: time.Duration(cfg.Forecast.Remote.TimeoutSecs) * time.Second,
			MaxRetries:  cfg.Forecast.Remote.MaxRetries,
		}, br, log)
		if err != nil {
			return nil, fmt.Errorf("build remote forecast client: %w", err)
		}
		if err := a.registry.Register(rc, 50, cfg.Forecast.DefaultBackend == "remote"); err != nil {
			return nil, fmt.Errorf("register remote backend: %w", err)
		}
	}

	// Anomaly detection.
	a.detector = anomaly.NewDetector(anomaly.Config{
		Sensitivity:   cfg.Anomaly.Sensitivity,
		BaseThreshold: cfg.Anomaly.BaseThreshold,
		ContextPoints: cfg.Anomaly.ContextPoints,
	}, log)

	// Rules.
	a.engine = rules.NewEngine(a.store, log)
	loaded, err := a.engine.LoadFromStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	log.Info("rules loaded", zap.Int("count", loaded))
	a.builder = rules.NewContextBuilder(a.store, rules.ContextOptions{}, log)

	// Alert filter over the configured dedup store.
	var dedup alerting.DedupStore
	if cfg.Alerting.DedupStore == "redis" {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.Alerting.RedisAddr})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis at %s: %w", cfg.Alerting.RedisAddr, err)
		}
		dedup = alerting.NewRedisDedup(a.rdb, "driftwatch")
	} else {
		dedup = alerting.NewSQLDedup(a.store)
	}
	a.filter = alerting.NewFilter(dedup, alerting.FilterConfig{
		RateLimitPerMinute: cfg.Alerting.RateLimitPerMinute,
		DefaultDedupWindow: time.Duration(cfg.Alerting.DedupWindowMS) * time.Millisecond,
	}, log)

	// Notification channels.
	a.dispatcher = alerting.NewDispatcher(log)
	enabled := alerting.ChannelConfig{Enabled: true}
	a.dispatcher.RegisterChannel(alerting.NewWebhookChannel(nil), enabled)
	a.dispatcher.RegisterChannel(alerting.NewChatChannel(nil), enabled)
	a.dispatcher.RegisterChannel(alerting.NewPagerChannel(nil, cfg.Alerting.PagerRoutingKey), enabled)
	if cfg.Alerting.EmailRelayAddr != "" {
		a.dispatcher.RegisterChannel(alerting.NewEmailChannel(alerting.EmailConfig{
			Addr: cfg.Alerting.EmailRelayAddr,
			From: cfg.Alerting.EmailFrom,
		}), enabled)
	}

	// Lifecycle.
	a.lifecycle, err = alerting.NewLifecycle(a.store, alerting.LifecycleConfig{
		MaxEscalationLevel: cfg.Alerting.MaxEscalationLevel,
		EscalationTimeout:  time.Duration(cfg.Alerting.EscalationTimeoutM) * time.Minute,
		ReminderInterval:   time.Duration(cfg.Alerting.ReminderIntervalM) * time.Minute,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("build lifecycle manager: %w", err)
	}

	// Health probes.
	a.monitor = health.NewMonitor(log,
		health.WithProbeTimeout(time.Duration(cfg.Health.ProbeTimeoutSecs)*time.Second),
		health.WithHistorySize(cfg.Health.HistorySize))
	a.monitor.Register("database", a.store.HealthCheck, true)
	a.monitor.Register("forecast", func(ctx context.Context) error {
		b := a.registry.GetDefault()
		if b == nil {
			return fmt.Errorf("no default forecast backend")
		}
		return b.HealthCheck(ctx)
	}, false)
	if a.rdb != nil {
		a.monitor.Register("redis", func(ctx context.Context) error {
			return a.rdb.Ping(ctx).Err()
		}, false)
	}

	// HTTP surface.
	api := rest.NewServer(a.store, a.ingester, a.engine, a.lifecycle, a.monitor, rest.Options{
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		RequestBurst:      cfg.Server.RequestBurst,
	}, log)
	a.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return a, nil
}

// run serves HTTP and drives the background loops until ctx is cancelled.
func (a *app) run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", zap.String("addr", a.httpSrv.Addr))
		var err error
		if a.cfg.Server.TLSEnabled {
			err = a.httpSrv.ListenAndServeTLS(a.cfg.Server.TLSCertPath, a.cfg.Server.TLSKeyPath)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go a.loop(ctx, "evaluate", evalInterval, a.sweep)
	go a.loop(ctx, "escalations", time.Minute, a.checkEscalations)
	go a.loop(ctx, "reminders", time.Minute, a.checkReminders)
	go a.loop(ctx, "dedup_cleanup", cleanupInterval, a.cleanupDedup)
	go a.loop(ctx, "dead_letter_replay",
		time.Duration(a.cfg.Ingest.ReplayIntervalSecs)*time.Second, a.replayDeadLetters)
	go a.loop(ctx, "idempotency_expiry", expiryInterval, a.expireIdempotency)
	go a.loop(ctx, "gauges", gaugeInterval, a.refreshGauges)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	grace := time.Duration(a.cfg.Server.ShutdownGraceSecs) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := a.pool.Drain(shutdownCtx); err != nil {
		a.log.Warn("pool drain incomplete", zap.Error(err))
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if err := a.db.Close(); err != nil {
		a.log.Warn("database close failed", zap.Error(err))
	}
	a.log.Info("shutdown complete")
	return nil
}

// loop runs fn on a fixed interval until ctx is cancelled.
func (a *app) loop(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// ─── Evaluation sweep ───

type seriesGroup struct {
	tenantID  string
	metricKey string
	dims      map[string]any
	rules     []*rules.Rule
}

// sweep evaluates every enabled rule against fresh context, generating
// forecasts and anomaly detections on the way where conditions need them.
func (a *app) sweep(ctx context.Context) {
	groups := map[string]*seriesGroup{}
	for _, r := range a.engine.List("") {
		if !r.Enabled {
			continue
		}
		dimsKey, _ := json.Marshal(r.DimensionFilters)
		key := r.TenantID + "|" + r.MetricKey + "|" + string(dimsKey)
		g, ok := groups[key]
		if !ok {
			g = &seriesGroup{tenantID: r.TenantID, metricKey: r.MetricKey, dims: r.DimensionFilters}
			groups[key] = g
		}
		g.rules = append(g.rules, r)
	}

	for _, g := range groups {
		a.sweepGroup(ctx, g)
	}
}

func (a *app) sweepGroup(ctx context.Context, g *seriesGroup) {
	ec, err := a.builder.Build(ctx, g.tenantID, g.metricKey, g.dims)
	if err != nil {
		a.log.Warn("context build failed",
			zap.String("tenant_id", g.tenantID),
			zap.String("metric_key", g.metricKey),
			zap.Error(err))
		return
	}

	horizon := 0
	needsAnomaly := false
	for _, r := range g.rules {
		switch r.Condition.Type {
		case rules.CondForecast:
			if h := int(math.Ceil(r.Condition.HorizonHours)); h > horizon {
				horizon = h
			}
		case rules.CondAnomaly:
			needsAnomaly = true
		}
	}

	if horizon > 0 && ec.Series != nil && len(ec.Series.Points) > 0 {
		a.refreshForecast(ctx, g, ec, horizon)
	}
	if needsAnomaly && ec.Series != nil && len(ec.Series.Points) > 0 {
		a.refreshAnomalies(ctx, g, ec)
	}

	for _, res := range a.engine.Evaluate(ec) {
		switch {
		case res.Matched:
			metrics.RuleEvaluationsTotal.WithLabelValues(g.tenantID, "matched").Inc()
			a.deliver(ctx, res.Trigger)
		case strings.HasPrefix(res.Reason, "Evaluation error"):
			metrics.RuleEvaluationsTotal.WithLabelValues(g.tenantID, "error").Inc()
		default:
			metrics.RuleEvaluationsTotal.WithLabelValues(g.tenantID, "unmatched").Inc()
		}
	}
}

func (a *app) refreshForecast(ctx context.Context, g *seriesGroup, ec *rules.EvalContext, horizon int) {
	backend := a.registry.GetDefault()
	if backend == nil {
		return
	}
	req := &forecast.Request{
		TenantID:   g.tenantID,
		MetricKey:  g.metricKey,
		Dimensions: g.dims,
		History:    ec.Series.Points,
		Horizon:    horizon,
		Frequency:  "1h",
	}
	start := time.Now()
	res, err := backend.Forecast(ctx, req)
	if err != nil {
		metrics.ForecastsTotal.WithLabelValues(backend.ID(), "error").Inc()
		a.log.Debug("forecast failed",
			zap.String("metric_key", g.metricKey), zap.Error(err))
		return
	}
	metrics.ForecastsTotal.WithLabelValues(backend.ID(), "ok").Inc()
	metrics.ForecastDuration.WithLabelValues(backend.ID()).Observe(time.Since(start).Seconds())

	if err := a.store.SaveForecast(ctx, req, res); err != nil {
		a.log.Warn("persist forecast failed", zap.Error(err))
	}
	ec.Predictions = res.Predictions
}

func (a *app) refreshAnomalies(ctx context.Context, g *seriesGroup, ec *rules.EvalContext) {
	start := time.Now()
	anomalies, err := a.detector.Detect(ec.Series)
	if err != nil {
		a.log.Debug("anomaly detection skipped",
			zap.String("metric_key", g.metricKey), zap.Error(err))
		return
	}
	metrics.DetectionDuration.WithLabelValues(g.tenantID).Observe(time.Since(start).Seconds())
	for _, an := range anomalies {
		metrics.AnomaliesDetectedTotal.WithLabelValues(g.tenantID, string(an.Severity)).Inc()
	}

	if len(anomalies) > 0 {
		if err := a.store.SaveAnomalies(ctx, uuid.NewString(), g.dims, anomalies); err != nil {
			a.log.Warn("persist anomalies failed", zap.Error(err))
		}
	}
	ec.Anomalies = anomalies
}

// deliver runs one trigger through the filter, lifecycle, and dispatcher.
func (a *app) deliver(ctx context.Context, trig *rules.Trigger) {
	if trig == nil {
		return
	}
	decision, err := a.filter.Check(ctx, trig)
	if err != nil {
		a.log.Error("alert filter failed", zap.String("rule_id", trig.RuleID), zap.Error(err))
		return
	}
	if !decision.Allowed {
		metrics.AlertsFilteredTotal.WithLabelValues(trig.TenantID, filterReasonLabel(decision.Reason)).Inc()
		a.log.Debug("alert suppressed",
			zap.String("rule_id", trig.RuleID),
			zap.String("reason", decision.Reason))
		return
	}

	if _, err := a.lifecycle.Register(ctx, trig); err != nil {
		a.log.Error("alert registration failed", zap.String("alert_id", trig.AlertID), zap.Error(err))
		return
	}
	metrics.AlertsDispatchedTotal.WithLabelValues(trig.TenantID, trig.Severity).Inc()

	a.notify(ctx, trig)
}

// notify dispatches to every routed channel and records the outcome.
func (a *app) notify(ctx context.Context, trig *rules.Trigger) {
	delivered := false
	for _, res := range a.dispatcher.Dispatch(ctx, trig) {
		status := "ok"
		if !res.Success {
			status = "error"
		}
		metrics.NotificationAttemptsTotal.WithLabelValues(res.Channel.Type, status).Inc()
		if res.Success {
			delivered = true
		}
	}
	if delivered {
		if err := a.lifecycle.RecordNotification(ctx, trig.AlertID); err != nil {
			a.log.Warn("record notification failed", zap.String("alert_id", trig.AlertID), zap.Error(err))
		}
	}
}

func filterReasonLabel(reason string) string {
	switch {
	case strings.HasPrefix(reason, "muted"):
		return "muted"
	case strings.HasPrefix(reason, "rate limit"):
		return "rate_limited"
	case strings.HasPrefix(reason, "duplicate"):
		return "duplicate"
	default:
		return "other"
	}
}

// ─── Maintenance loops ───

func (a *app) checkEscalations(ctx context.Context) {
	escalated, err := a.lifecycle.CheckEscalations(ctx)
	if err != nil {
		a.log.Error("escalation sweep failed", zap.Error(err))
		return
	}
	for range escalated {
		metrics.EscalationsTotal.Inc()
	}
}

func (a *app) checkReminders(ctx context.Context) {
	due, err := a.lifecycle.CheckReminders(ctx)
	if err != nil {
		a.log.Error("reminder sweep failed", zap.Error(err))
		return
	}
	for _, rec := range due {
		a.remind(ctx, rec)
	}
}

// remind re-notifies a still-unresolved alert using its rule's routing.
func (a *app) remind(ctx context.Context, rec *storage.AlertStateRecord) {
	ruleRec, err := a.store.GetRule(ctx, rec.RuleID)
	if err != nil || ruleRec == nil {
		a.log.Warn("reminder skipped, rule unavailable",
			zap.String("alert_id", rec.AlertID), zap.String("rule_id", rec.RuleID))
		return
	}
	rule, err := rules.FromRecord(ruleRec)
	if err != nil {
		a.log.Warn("reminder skipped, rule undecodable", zap.String("rule_id", rec.RuleID))
		return
	}

	trig := &rules.Trigger{
		AlertID:     rec.AlertID,
		RuleID:      rec.RuleID,
		TenantID:    rec.TenantID,
		TriggeredAt: rec.TriggeredAt,
		Severity:    rec.Severity,
		Status:      rec.Status,
		TriggerType: rules.ConditionType(rec.TriggerType),
		Metric:      metric.Point{TenantID: rec.TenantID, MetricKey: rec.MetricKey},
		Routing:     rule.Routing,
	}
	if len(rec.Context) > 0 {
		_ = json.Unmarshal(rec.Context, &trig.Details)
	}
	a.notify(ctx, trig)
}

func (a *app) cleanupDedup(ctx context.Context) {
	removed, err := a.filter.Cleanup(ctx)
	if err != nil {
		a.log.Error("dedup cleanup failed", zap.Error(err))
		return
	}
	if removed > 0 {
		a.log.Debug("dedup records expired", zap.Int64("removed", removed))
	}
}

func (a *app) replayDeadLetters(ctx context.Context) {
	resolved, failed, err := a.ingester.ReplayDeadLetters(ctx, a.cfg.Ingest.ReplayBatch)
	if err != nil {
		a.log.Error("dead-letter replay failed", zap.Error(err))
		return
	}
	if resolved > 0 {
		metrics.DeadLetterReplaysTotal.WithLabelValues("recovered").Add(float64(resolved))
	}
	if failed > 0 {
		metrics.DeadLetterReplaysTotal.WithLabelValues("requeued").Add(float64(failed))
	}
}

func (a *app) expireIdempotency(ctx context.Context) {
	removed, err := a.store.ExpireIdempotency(ctx)
	if err != nil {
		a.log.Error("idempotency expiry failed", zap.Error(err))
		return
	}
	if removed > 0 {
		a.log.Debug("idempotency records expired", zap.Int64("removed", removed))
	}
}

func (a *app) refreshGauges(ctx context.Context) {
	a.registry.CheckHealth(ctx)
	st := a.pool.Stats()
	metrics.PoolConnectionsInUse.Set(float64(st.InUse))
	metrics.PoolWaiters.Set(float64(st.Waiters))
	metrics.PoolAcquireTimeouts.Set(float64(st.TimedOut))
	if a.remoteBreaker != nil {
		metrics.BreakerState.WithLabelValues("remote").Set(breakerStateValue(a.remoteBreaker.State()))
	}
}

func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateOpen:
		return 2
	case breaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
