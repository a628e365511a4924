package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/driftwatch/driftwatch/internal/metric"
)

// chunkSize is the number of points per batch insert statement.
const chunkSize = 100

// defaultQueryLimit bounds unpaged point queries.
const defaultQueryLimit = 1000

// BatchResult reports a batch insert. Duplicates are points whose identity
// already existed; they are coalesced silently, not errors.
type BatchResult struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
}

// StoreBatch inserts points in chunks of 100 with a single statement per
// chunk. Duplicate identities are ignored by the engine and reported in the
// result.
func (s *Store) StoreBatch(ctx context.Context, points []metric.Point) (*BatchResult, error) {
	res := &BatchResult{}
	if len(points) == 0 {
		return res, nil
	}
	err := s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		for start := 0; start < len(points); start += chunkSize {
			end := start + chunkSize
			if end > len(points) {
				end = len(points)
			}
			chunk := points[start:end]

			var sb strings.Builder
			sb.WriteString(`INSERT INTO metrics
                (tenant_id, metric_key, timestamp, value, dimensions_json, provenance_json) VALUES `)
			args := make([]any, 0, len(chunk)*6)
			for i, p := range chunk {
				if i > 0 {
					sb.WriteString(",")
				}
				sb.WriteString("(?,?,?,?,?,?)")
				prov, err := json.Marshal(p.Provenance)
				if err != nil {
					return fmt.Errorf("encode provenance: %w", err)
				}
				args = append(args,
					p.TenantID, p.MetricKey, fmtTS(p.Timestamp), p.Value,
					metric.DimensionsKey(p.Dimensions), string(prov))
			}
			sb.WriteString(` ON CONFLICT (tenant_id, metric_key, timestamp, dimensions_json) DO NOTHING`)

			r, err := conn.ExecContext(ctx, s.rebind(sb.String()), args...)
			if err != nil {
				return fmt.Errorf("insert metrics chunk: %w", err)
			}
			inserted, err := r.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			res.Inserted += int(inserted)
			res.Duplicates += len(chunk) - int(inserted)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// StorePoint inserts a single point under the same coalescing rule.
func (s *Store) StorePoint(ctx context.Context, p metric.Point) (*BatchResult, error) {
	return s.StoreBatch(ctx, []metric.Point{p})
}

// PointQuery selects stored points. Zero time bounds are unbounded.
type PointQuery struct {
	TenantID  string
	MetricKey string
	From      time.Time
	To        time.Time
	// DimensionFilters are matched in memory after the range scan.
	DimensionFilters map[string]any
	Limit            int
	Offset           int
}

// QueryPoints returns points ordered by timestamp ascending.
func (s *Store) QueryPoints(ctx context.Context, q PointQuery) ([]metric.Point, error) {
	if q.TenantID == "" {
		return nil, fmt.Errorf("storage: tenant_id is required")
	}
	if q.Limit <= 0 {
		q.Limit = defaultQueryLimit
	}

	var sb strings.Builder
	sb.WriteString(`SELECT tenant_id, metric_key, timestamp, value, dimensions_json, provenance_json
        FROM metrics WHERE tenant_id = ?`)
	args := []any{q.TenantID}
	if q.MetricKey != "" {
		sb.WriteString(` AND metric_key = ?`)
		args = append(args, q.MetricKey)
	}
	if !q.From.IsZero() {
		sb.WriteString(` AND timestamp >= ?`)
		args = append(args, fmtTS(q.From))
	}
	if !q.To.IsZero() {
		sb.WriteString(` AND timestamp < ?`)
		args = append(args, fmtTS(q.To))
	}
	sb.WriteString(` ORDER BY timestamp ASC LIMIT ? OFFSET ?`)
	args = append(args, q.Limit, q.Offset)

	var points []metric.Point
	err := s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		rows, err := conn.QueryxContext(ctx, s.rebind(sb.String()), args...)
		if err != nil {
			return fmt.Errorf("query metrics: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				p    metric.Point
				ts   string
				dims string
				prov string
			)
			if err := rows.Scan(&p.TenantID, &p.MetricKey, &ts, &p.Value, &dims, &prov); err != nil {
				return fmt.Errorf("scan metric: %w", err)
			}
			if p.Timestamp, err = parseTS(ts); err != nil {
				return fmt.Errorf("parse timestamp %q: %w", ts, err)
			}
			if dims != "" && dims != "{}" {
				if err := json.Unmarshal([]byte(dims), &p.Dimensions); err != nil {
					return fmt.Errorf("decode dimensions: %w", err)
				}
			}
			if prov != "" && prov != "{}" {
				if err := json.Unmarshal([]byte(prov), &p.Provenance); err != nil {
					return fmt.Errorf("decode provenance: %w", err)
				}
			}
			if !matchDimensions(p.Dimensions, q.DimensionFilters) {
				continue
			}
			points = append(points, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return points, nil
}

// AsSeries projects a point query into a time series.
func (s *Store) AsSeries(ctx context.Context, q PointQuery) (*metric.Series, error) {
	if q.MetricKey == "" {
		return nil, fmt.Errorf("storage: metric_key is required for a series")
	}
	points, err := s.QueryPoints(ctx, q)
	if err != nil {
		return nil, err
	}
	return metric.NewSeries(q.TenantID, q.MetricKey, q.DimensionFilters, points), nil
}

// matchDimensions applies in-memory equality filters. JSON round-trips turn
// numbers into float64, so numeric filter values are compared as floats.
func matchDimensions(dims, filters map[string]any) bool {
	for k, want := range filters {
		got, ok := dims[k]
		if !ok {
			return false
		}
		if wf, ok := toFloat(want); ok {
			gf, ok := toFloat(got)
			if !ok || wf != gf {
				return false
			}
			continue
		}
		if got != want {
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
