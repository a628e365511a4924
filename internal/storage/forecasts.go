package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/driftwatch/driftwatch/internal/anomaly"
	"github.com/driftwatch/driftwatch/internal/forecast"
	"github.com/driftwatch/driftwatch/internal/metric"
)

// ForecastRecord is a persisted forecast run.
type ForecastRecord struct {
	RequestID   string                `json:"request_id"`
	TenantID    string                `json:"tenant_id"`
	MetricKey   string                `json:"metric_key"`
	Dimensions  map[string]any        `json:"dimensions,omitempty"`
	Backend     string                `json:"backend"`
	Horizon     int                   `json:"horizon"`
	Frequency   string                `json:"frequency"`
	Predictions []forecast.Prediction `json:"predictions"`
	Model       forecast.ModelInfo    `json:"model_info"`
	GeneratedAt time.Time             `json:"generated_at"`
	DurationMS  int64                 `json:"duration_ms"`
}

// SaveForecast persists a completed forecast keyed by request id.
func (s *Store) SaveForecast(ctx context.Context, req *forecast.Request, res *forecast.Result) error {
	preds, err := json.Marshal(res.Predictions)
	if err != nil {
		return fmt.Errorf("encode predictions: %w", err)
	}
	model, err := json.Marshal(res.Model)
	if err != nil {
		return fmt.Errorf("encode model info: %w", err)
	}
	return s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		_, err := conn.ExecContext(ctx, s.rebind(`
            INSERT INTO forecasts
                (request_id, tenant_id, metric_key, dimensions_json, backend,
                 horizon, frequency, predictions_json, model_info_json, generated_at, duration_ms)
            VALUES (?,?,?,?,?,?,?,?,?,?,?)
            ON CONFLICT (request_id) DO NOTHING`),
			res.RequestID, req.TenantID, req.MetricKey, metric.DimensionsKey(req.Dimensions),
			res.Backend, req.Horizon, req.Frequency, string(preds), string(model),
			fmtTS(res.GeneratedAt), res.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("insert forecast: %w", err)
		}
		return nil
	})
}

// GetForecast loads one forecast by request id; nil when absent.
func (s *Store) GetForecast(ctx context.Context, requestID string) (*ForecastRecord, error) {
	var rec *ForecastRecord
	err := s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		row := conn.QueryRowxContext(ctx, s.rebind(`
            SELECT request_id, tenant_id, metric_key, dimensions_json, backend,
                   horizon, frequency, predictions_json, model_info_json, generated_at, duration_ms
            FROM forecasts WHERE request_id = ?`), requestID)
		r, err := scanForecast(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	return rec, err
}

// RecentForecasts returns the newest forecasts for a series, newest first.
func (s *Store) RecentForecasts(ctx context.Context, tenantID, metricKey string, limit int) ([]*ForecastRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []*ForecastRecord
	err := s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		rows, err := conn.QueryxContext(ctx, s.rebind(`
            SELECT request_id, tenant_id, metric_key, dimensions_json, backend,
                   horizon, frequency, predictions_json, model_info_json, generated_at, duration_ms
            FROM forecasts WHERE tenant_id = ? AND metric_key = ?
            ORDER BY generated_at DESC LIMIT ?`), tenantID, metricKey, limit)
		if err != nil {
			return fmt.Errorf("query forecasts: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanForecast(rows)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	return out, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanForecast(row rowScanner) (*ForecastRecord, error) {
	var (
		rec   ForecastRecord
		dims  string
		preds string
		model string
		gen   string
	)
	err := row.Scan(&rec.RequestID, &rec.TenantID, &rec.MetricKey, &dims, &rec.Backend,
		&rec.Horizon, &rec.Frequency, &preds, &model, &gen, &rec.DurationMS)
	if err != nil {
		return nil, err
	}
	if dims != "" && dims != "{}" {
		if err := json.Unmarshal([]byte(dims), &rec.Dimensions); err != nil {
			return nil, fmt.Errorf("decode dimensions: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(preds), &rec.Predictions); err != nil {
		return nil, fmt.Errorf("decode predictions: %w", err)
	}
	if err := json.Unmarshal([]byte(model), &rec.Model); err != nil {
		return nil, fmt.Errorf("decode model info: %w", err)
	}
	if rec.GeneratedAt, err = parseTS(gen); err != nil {
		return nil, fmt.Errorf("parse generated_at: %w", err)
	}
	return &rec, nil
}

// SaveAnomalies persists a detection pass. requestID ties the anomalies back
// to the run that produced them.
func (s *Store) SaveAnomalies(ctx context.Context, requestID string, dims map[string]any, anomalies []anomaly.Anomaly) error {
	if len(anomalies) == 0 {
		return nil
	}
	dimsJSON := metric.DimensionsKey(dims)
	detectedAt := fmtTS(s.now())
	return s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		for _, a := range anomalies {
			_, err := conn.ExecContext(ctx, s.rebind(`
                INSERT INTO anomalies
                    (anomaly_id, request_id, tenant_id, metric_key, dimensions_json, timestamp,
                     observed, expected, score, type, severity, description, detected_at)
                VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
                ON CONFLICT (anomaly_id) DO NOTHING`),
				a.ID, requestID, a.TenantID, a.MetricKey, dimsJSON, fmtTS(a.Timestamp),
				a.Observed, a.Expected, a.Score, string(a.Type), string(a.Severity),
				a.Description, detectedAt)
			if err != nil {
				return fmt.Errorf("insert anomaly: %w", err)
			}
		}
		return nil
	})
}

// AnomalyQuery filters persisted anomalies.
type AnomalyQuery struct {
	TenantID  string
	MetricKey string
	From      time.Time
	To        time.Time
	Severity  string
	Limit     int
}

// QueryAnomalies returns anomalies ordered by timestamp ascending.
func (s *Store) QueryAnomalies(ctx context.Context, q AnomalyQuery) ([]anomaly.Anomaly, error) {
	if q.TenantID == "" {
		return nil, fmt.Errorf("storage: tenant_id is required")
	}
	if q.Limit <= 0 {
		q.Limit = defaultQueryLimit
	}
	query := `SELECT anomaly_id, tenant_id, metric_key, timestamp, observed, expected,
              score, type, severity, description FROM anomalies WHERE tenant_id = ?`
	args := []any{q.TenantID}
	if q.MetricKey != "" {
		query += ` AND metric_key = ?`
		args = append(args, q.MetricKey)
	}
	if !q.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, fmtTS(q.From))
	}
	if !q.To.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, fmtTS(q.To))
	}
	if q.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, q.Severity)
	}
	query += ` ORDER BY timestamp ASC LIMIT ?`
	args = append(args, q.Limit)

	var out []anomaly.Anomaly
	err := s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		rows, err := conn.QueryxContext(ctx, s.rebind(query), args...)
		if err != nil {
			return fmt.Errorf("query anomalies: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				a        anomaly.Anomaly
				ts       string
				typ, sev string
			)
			if err := rows.Scan(&a.ID, &a.TenantID, &a.MetricKey, &ts, &a.Observed,
				&a.Expected, &a.Score, &typ, &sev, &a.Description); err != nil {
				return fmt.Errorf("scan anomaly: %w", err)
			}
			if a.Timestamp, err = parseTS(ts); err != nil {
				return fmt.Errorf("parse timestamp: %w", err)
			}
			a.Type = anomaly.Type(typ)
			a.Severity = anomaly.Severity(sev)
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}
