// Package alerting implements the post-evaluation alert path: the filter
// (mute windows, rate limiting, deduplication), the notification dispatcher
// with its channel implementations, and the alert lifecycle manager.
package alerting

import (
	"context"
	"time"

	"github.com/driftwatch/driftwatch/internal/storage"
)

// DedupStore is the atomic counter surface behind deduplication and the
// per-tenant rate limit. The SQL store and the Redis store both satisfy it.
type DedupStore interface {
	// Touch increments a live record under key, or creates a fresh one with
	// the given TTL. hit is true when a live record already existed.
	Touch(ctx context.Context, key, tenantID, alertID string, ttl time.Duration) (hit bool, count int, err error)
	// CountRecent counts records the tenant created since the cutoff.
	CountRecent(ctx context.Context, tenantID string, since time.Time) (int, error)
	// Cleanup removes expired records; returns how many were dropped.
	Cleanup(ctx context.Context) (int64, error)
}

// SQLDedup adapts the SQL store's dedup tables to the DedupStore surface.
type SQLDedup struct {
	store *storage.Store
}

// NewSQLDedup wraps the store.
func NewSQLDedup(store *storage.Store) *SQLDedup {
	return &SQLDedup{store: store}
}

func (d *SQLDedup) Touch(ctx context.Context, key, tenantID, alertID string, ttl time.Duration) (bool, int, error) {
	return d.store.TouchDedup(ctx, key, tenantID, alertID, ttl)
}

func (d *SQLDedup) CountRecent(ctx context.Context, tenantID string, since time.Time) (int, error) {
	return d.store.CountRecentDedup(ctx, tenantID, since)
}

func (d *SQLDedup) Cleanup(ctx context.Context) (int64, error) {
	return d.store.CleanupDedup(ctx)
}
