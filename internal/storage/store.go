// Package storage is the SQL persistence layer. A single Store speaks both
// SQLite and PostgreSQL: statements are written with ? placeholders and
// rebound to the driver's bind form, and every timestamp crosses the boundary
// in the sortable lexical text form so range scans are plain string
// comparisons on either engine.
//
// All database access goes through the connection pool; the store never holds
// a handle across a caller-visible boundary.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/driftwatch/driftwatch/internal/dbpool"
	"github.com/driftwatch/driftwatch/internal/metric"
)

// Options tunes store behavior beyond the schema.
type Options struct {
	// IdempotencyTTL is the retention window for idempotency records.
	// Default 24h.
	IdempotencyTTL time.Duration
	// DeadLetterMaxRetries before an entry is marked exhausted. Default 5.
	DeadLetterMaxRetries int
	// DeadLetterBackoffBase is the first retry delay; attempt n waits
	// base·2^n capped at DeadLetterBackoffCap. Defaults 1m / 1h.
	DeadLetterBackoffBase time.Duration
	DeadLetterBackoffCap  time.Duration
}

func (o *Options) applyDefaults() {
	if o.IdempotencyTTL <= 0 {
		o.IdempotencyTTL = 24 * time.Hour
	}
	if o.DeadLetterMaxRetries <= 0 {
		o.DeadLetterMaxRetries = 5
	}
	if o.DeadLetterBackoffBase <= 0 {
		o.DeadLetterBackoffBase = time.Minute
	}
	if o.DeadLetterBackoffCap <= 0 {
		o.DeadLetterBackoffCap = time.Hour
	}
}

// Store is the shared persistence surface for metrics, forecasts, anomalies,
// alerting state, and the ingest bookkeeping tables.
type Store struct {
	pool     *dbpool.Pool
	bindType int
	opts     Options
	log      *zap.Logger

	// now is swappable in tests.
	now func() time.Time
}

// New builds a store over the pool. driverName must match the driver the
// pool's database was opened with ("sqlite3" or "postgres").
func New(pool *dbpool.Pool, driverName string, opts Options, log *zap.Logger) (*Store, error) {
	bindType := sqlx.BindType(driverName)
	if bindType == sqlx.UNKNOWN {
		return nil, fmt.Errorf("storage: unsupported driver %q", driverName)
	}
	opts.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		pool:     pool,
		bindType: bindType,
		opts:     opts,
		log:      log,
		now:      time.Now,
	}, nil
}

// SetClock overrides the store's time source. Tests use it to control TTL
// expiry and retry-due evaluation.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// rebind converts ? placeholders to the driver's bind form.
func (s *Store) rebind(query string) string {
	return sqlx.Rebind(s.bindType, query)
}

// HealthCheck delegates to the pool's trivial-query probe.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.HealthCheck(ctx)
}

// Migrate applies any unapplied schema migrations in order.
func (s *Store) Migrate(ctx context.Context) error {
	return s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		_, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_versions (
            version    INTEGER PRIMARY KEY,
            applied_at TEXT NOT NULL
        )`)
		if err != nil {
			return fmt.Errorf("create schema_versions: %w", err)
		}

		for _, m := range migrations {
			var count int
			err := conn.GetContext(ctx, &count,
				s.rebind(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`), m.version)
			if err != nil {
				return fmt.Errorf("check migration %d: %w", m.version, err)
			}
			if count > 0 {
				continue
			}
			if _, err := conn.ExecContext(ctx, m.sql); err != nil {
				return fmt.Errorf("apply migration %d: %w", m.version, err)
			}
			_, err = conn.ExecContext(ctx,
				s.rebind(`INSERT INTO schema_versions(version, applied_at) VALUES(?, ?)`),
				m.version, fmtTS(s.now()))
			if err != nil {
				return fmt.Errorf("record migration %d: %w", m.version, err)
			}
			s.log.Info("applied schema migration", zap.Int("version", m.version))
		}
		return nil
	})
}

func fmtTS(t time.Time) string { return metric.FormatTimestamp(t) }

func parseTS(raw string) (time.Time, error) { return metric.ParseTimestamp(raw) }

// parseOptTS converts a nullable column to *time.Time.
func parseOptTS(raw *string) (*time.Time, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	t, err := parseTS(*raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func optTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTS(*t)
}
