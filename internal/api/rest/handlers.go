package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/driftwatch/driftwatch/internal/health"
	"github.com/driftwatch/driftwatch/internal/ingest"
	"github.com/driftwatch/driftwatch/internal/metric"
	"github.com/driftwatch/driftwatch/internal/metrics"
	"github.com/driftwatch/driftwatch/internal/rules"
	"github.com/driftwatch/driftwatch/internal/storage"
)

const maxBodyBytes = 4 << 20 // 4 MiB

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// parseTime accepts the canonical storage layout as well as RFC 3339.
func parseTime(raw string) (time.Time, error) {
	return metric.ParseTimestamp(raw)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// ─── Ingest ───

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var env ingest.Envelope
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	start := time.Now()
	resp, raw, replayed, err := s.ingester.Ingest(r.Context(), &env)
	if err != nil {
		s.log.Error("ingest failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}
	metrics.IngestDuration.WithLabelValues(env.TenantID).Observe(time.Since(start).Seconds())
	if replayed {
		metrics.IngestDuplicatesTotal.WithLabelValues(env.TenantID).Inc()
	} else {
		metrics.IngestAcceptedTotal.WithLabelValues(env.TenantID).Add(float64(resp.Accepted))
		for _, ie := range resp.Errors {
			metrics.IngestRejectedTotal.WithLabelValues(env.TenantID, string(ie.Code)).Inc()
		}
	}

	status := http.StatusOK
	if !resp.Success && resp.Accepted == 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	if replayed {
		w.Header().Set("X-Idempotent-Replay", "true")
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(raw)
}

// ─── Queries ───

func (s *Server) handleQueryMetrics(w http.ResponseWriter, r *http.Request) {
	q := storage.PointQuery{
		TenantID:  r.URL.Query().Get("tenant_id"),
		MetricKey: r.URL.Query().Get("metric_key"),
		Limit:     queryInt(r, "limit", 1000),
		Offset:    queryInt(r, "offset", 0),
	}
	if q.TenantID == "" || q.MetricKey == "" {
		s.writeError(w, http.StatusBadRequest, "tenant_id and metric_key are required")
		return
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		q.From = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		q.To = t
	}

	points, err := s.store.QueryPoints(r.Context(), q)
	if err != nil {
		s.log.Error("point query failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"points": points,
		"count":  len(points),
	})
}

func (s *Server) handleForecasts(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	metricKey := r.URL.Query().Get("metric_key")
	if tenantID == "" || metricKey == "" {
		s.writeError(w, http.StatusBadRequest, "tenant_id and metric_key are required")
		return
	}

	recs, err := s.store.RecentForecasts(r.Context(), tenantID, metricKey, queryInt(r, "limit", 3))
	if err != nil {
		s.log.Error("forecast query failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"forecasts": recs,
		"count":     len(recs),
	})
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	q := storage.AnomalyQuery{
		TenantID:  r.URL.Query().Get("tenant_id"),
		MetricKey: r.URL.Query().Get("metric_key"),
		Severity:  r.URL.Query().Get("severity"),
		Limit:     queryInt(r, "limit", 100),
	}
	if q.TenantID == "" {
		s.writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		q.From = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		q.To = t
	}

	anomalies, err := s.store.QueryAnomalies(r.Context(), q)
	if err != nil {
		s.log.Error("anomaly query failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"anomalies": anomalies,
		"count":     len(anomalies),
	})
}

// ─── Rules ───

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list := s.engine.List(r.URL.Query().Get("tenant_id"))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"rules": list,
		"count": len(list),
	})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&rule); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := s.engine.Register(r.Context(), &rule); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, &rule)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.GetRule(r.Context(), id)
	if err != nil {
		s.log.Error("rule lookup failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if rec == nil {
		s.writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	rule, err := rules.FromRecord(rec)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "stored rule is not decodable")
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.Unregister(r.Context(), id); err != nil {
		s.log.Error("rule delete failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Alerts ───

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := storage.AlertStateQuery{
		TenantID: r.URL.Query().Get("tenant_id"),
		Limit:    queryInt(r, "limit", 100),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		q.Statuses = strings.Split(raw, ",")
	}
	if q.TenantID == "" {
		s.writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	alerts, err := s.store.ListAlertStates(r.Context(), q)
	if err != nil {
		s.log.Error("alert list failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.lifecycle.Get(r.Context(), id)
	if err != nil {
		s.log.Error("alert lookup failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if rec == nil {
		s.writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

type actorRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Actor == "" {
		s.writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	rec, err := s.lifecycle.Acknowledge(r.Context(), id, req.Actor)
	if err != nil {
		if strings.Contains(err.Error(), "unknown alert") {
			s.writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Actor == "" {
		s.writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	rec, err := s.lifecycle.Resolve(r.Context(), id, req.Actor, req.Reason)
	if err != nil {
		if strings.Contains(err.Error(), "unknown alert") {
			s.writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	transitions, err := s.lifecycle.History(r.Context(), id)
	if err != nil {
		s.log.Error("alert history failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"transitions": transitions,
		"count":       len(transitions),
	})
}

func (s *Server) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		s.writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	stats, err := s.lifecycle.Stats(r.Context(), tenantID)
	if err != nil {
		s.log.Error("alert stats failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// ─── Health ───

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckAll(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}
