// Package rest exposes the pipeline over HTTP.
//
// Routes:
//
//	POST   /api/v1/ingest                 submit a metric batch
//	GET    /api/v1/metrics                range query over stored points
//	GET    /api/v1/forecasts              recent forecasts for a series
//	GET    /api/v1/anomalies              detected anomalies for a series
//	GET    /api/v1/rules                  list rules for a tenant
//	POST   /api/v1/rules                  create or replace a rule
//	GET    /api/v1/rules/{id}             fetch one rule
//	DELETE /api/v1/rules/{id}             remove a rule
//	GET    /api/v1/alerts                 list alert states for a tenant
//	GET    /api/v1/alerts/stats           per-tenant alert statistics
//	GET    /api/v1/alerts/{id}            fetch one alert state
//	POST   /api/v1/alerts/{id}/ack        acknowledge an alert
//	POST   /api/v1/alerts/{id}/resolve    resolve an alert
//	GET    /api/v1/alerts/{id}/history    status transition history
//	GET    /healthz                       dependency health report
//	GET    /metrics                       prometheus metrics
package rest

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/driftwatch/driftwatch/internal/alerting"
	apimw "github.com/driftwatch/driftwatch/internal/api/middleware"
	"github.com/driftwatch/driftwatch/internal/health"
	"github.com/driftwatch/driftwatch/internal/ingest"
	"github.com/driftwatch/driftwatch/internal/rules"
	"github.com/driftwatch/driftwatch/internal/storage"
)

// Options tunes the HTTP surface.
type Options struct {
	// RequestsPerSecond and RequestBurst bound the global request rate.
	// Zero disables rate limiting.
	RequestsPerSecond float64
	RequestBurst      int
}

// Server holds the handler dependencies and the configured router.
type Server struct {
	store     *storage.Store
	ingester  *ingest.Handler
	engine    *rules.Engine
	lifecycle *alerting.Lifecycle
	monitor   *health.Monitor
	log       *zap.Logger

	router *mux.Router
}

// NewServer wires the REST routes over the given components.
func NewServer(
	store *storage.Store,
	ingester *ingest.Handler,
	engine *rules.Engine,
	lifecycle *alerting.Lifecycle,
	monitor *health.Monitor,
	opts Options,
	log *zap.Logger,
) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		store:     store,
		ingester:  ingester,
		engine:    engine,
		lifecycle: lifecycle,
		monitor:   monitor,
		log:       log,
	}

	r := mux.NewRouter()
	r.Use(apimw.RequestID)
	r.Use(apimw.Recover(log))
	r.Use(apimw.Logging(log))
	if opts.RequestsPerSecond > 0 {
		r.Use(apimw.RateLimit(opts.RequestsPerSecond, opts.RequestBurst))
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodPost)
	api.HandleFunc("/metrics", s.handleQueryMetrics).Methods(http.MethodGet)
	api.HandleFunc("/forecasts", s.handleForecasts).Methods(http.MethodGet)
	api.HandleFunc("/anomalies", s.handleAnomalies).Methods(http.MethodGet)

	api.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	api.HandleFunc("/rules", s.handleCreateRule).Methods(http.MethodPost)
	api.HandleFunc("/rules/{id}", s.handleGetRule).Methods(http.MethodGet)
	api.HandleFunc("/rules/{id}", s.handleDeleteRule).Methods(http.MethodDelete)

	api.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/stats", s.handleAlertStats).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}", s.handleGetAlert).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}/ack", s.handleAckAlert).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}/resolve", s.handleResolveAlert).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}/history", s.handleAlertHistory).Methods(http.MethodGet)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.router = r
	return s
}

// Router returns the configured handler for use by an http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}
