package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Dead-letter entry statuses.
const (
	DeadLetterPending   = "pending"
	DeadLetterRetrying  = "retrying"
	DeadLetterExhausted = "exhausted"
	DeadLetterResolved  = "resolved"
)

// EnsureTenant creates the organization row if it does not exist yet.
func (s *Store) EnsureTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("storage: tenant_id is required")
	}
	return s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		_, err := conn.ExecContext(ctx, s.rebind(`
            INSERT INTO organizations (tenant_id, name, created_at) VALUES (?,?,?)
            ON CONFLICT (tenant_id) DO NOTHING`),
			tenantID, tenantID, fmtTS(s.now()))
		if err != nil {
			return fmt.Errorf("ensure tenant: %w", err)
		}
		return nil
	})
}

// ─── Idempotency records ─────────────────────────────────────────────────────

// IdempotencyRecord caches the original response of a keyed ingest request.
type IdempotencyRecord struct {
	Key       string    `json:"key"`
	RequestID string    `json:"request_id"`
	TenantID  string    `json:"tenant_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	// Response is the byte-exact original response body.
	Response []byte `json:"-"`
}

// GetIdempotency returns the live record for a key, or nil when absent or
// expired.
func (s *Store) GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var rec *IdempotencyRecord
	err := s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		row := conn.QueryRowxContext(ctx, s.rebind(`
            SELECT key, request_id, tenant_id, created_at, expires_at, original_response
            FROM idempotency_keys WHERE key = ? AND expires_at > ?`),
			key, fmtTS(s.now()))
		var (
			r            IdempotencyRecord
			created, exp string
			body         string
		)
		err := row.Scan(&r.Key, &r.RequestID, &r.TenantID, &created, &exp, &body)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("scan idempotency record: %w", err)
		}
		if r.CreatedAt, err = parseTS(created); err != nil {
			return err
		}
		if r.ExpiresAt, err = parseTS(exp); err != nil {
			return err
		}
		r.Response = []byte(body)
		rec = &r
		return nil
	})
	return rec, err
}

// PutIdempotency stores (or refreshes) a record. The TTL comes from the
// store options when rec.ExpiresAt is zero.
func (s *Store) PutIdempotency(ctx context.Context, rec *IdempotencyRecord) error {
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = now.Add(s.opts.IdempotencyTTL)
	}
	return s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		_, err := conn.ExecContext(ctx, s.rebind(`
            INSERT INTO idempotency_keys (key, request_id, tenant_id, created_at, expires_at, original_response)
            VALUES (?,?,?,?,?,?)
            ON CONFLICT (key) DO UPDATE SET
                request_id        = excluded.request_id,
                created_at        = excluded.created_at,
                expires_at        = excluded.expires_at,
                original_response = excluded.original_response`),
			rec.Key, rec.RequestID, rec.TenantID,
			fmtTS(rec.CreatedAt), fmtTS(rec.ExpiresAt), string(rec.Response))
		if err != nil {
			return fmt.Errorf("upsert idempotency record: %w", err)
		}
		return nil
	})
}

// ExpireIdempotency deletes records past their TTL.
func (s *Store) ExpireIdempotency(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		r, err := conn.ExecContext(ctx,
			s.rebind(`DELETE FROM idempotency_keys WHERE expires_at <= ?`), fmtTS(s.now()))
		if err != nil {
			return fmt.Errorf("expire idempotency records: %w", err)
		}
		n, _ = r.RowsAffected()
		return nil
	})
	return n, err
}

// ─── Dead-letter queue ───────────────────────────────────────────────────────

// DeadLetterEntry is a failed ingest item awaiting replay.
type DeadLetterEntry struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	OriginalRequest []byte    `json:"original_request"`
	Error           string    `json:"error"`
	FailedAt        time.Time `json:"failed_at"`
	RetryCount      int       `json:"retry_count"`
	NextRetryAt     time.Time `json:"next_retry_at"`
	Status          string    `json:"status"`
}

// AddDeadLetter enqueues a failed request for later replay. The first retry
// is scheduled one backoff-base from now.
func (s *Store) AddDeadLetter(ctx context.Context, tenantID string, original []byte, cause string) (*DeadLetterEntry, error) {
	now := s.now()
	entry := &DeadLetterEntry{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		OriginalRequest: original,
		Error:           cause,
		FailedAt:        now,
		NextRetryAt:     now.Add(s.opts.DeadLetterBackoffBase),
		Status:          DeadLetterPending,
	}
	err := s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		_, err := conn.ExecContext(ctx, s.rebind(`
            INSERT INTO dead_letter (id, tenant_id, original_request, error, failed_at, retry_count, next_retry_at, status)
            VALUES (?,?,?,?,?,0,?,?)`),
			entry.ID, entry.TenantID, string(entry.OriginalRequest), entry.Error,
			fmtTS(entry.FailedAt), fmtTS(entry.NextRetryAt), entry.Status)
		if err != nil {
			return fmt.Errorf("insert dead letter: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ClaimDueDeadLetters selects pending entries whose retry time has arrived
// and marks them retrying so concurrent replayers do not double-claim.
func (s *Store) ClaimDueDeadLetters(ctx context.Context, limit int) ([]*DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	nowTS := fmtTS(s.now())
	var out []*DeadLetterEntry
	err := s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		rows, err := conn.QueryxContext(ctx, s.rebind(`
            SELECT id, tenant_id, original_request, error, failed_at, retry_count, next_retry_at, status
            FROM dead_letter
            WHERE status = ? AND next_retry_at <= ?
            ORDER BY next_retry_at ASC LIMIT ?`),
			DeadLetterPending, nowTS, limit)
		if err != nil {
			return fmt.Errorf("query dead letters: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanDeadLetter(rows)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		claimed := out[:0]
		for _, e := range out {
			r, err := conn.ExecContext(ctx, s.rebind(`
                UPDATE dead_letter SET status = ? WHERE id = ? AND status = ?`),
				DeadLetterRetrying, e.ID, DeadLetterPending)
			if err != nil {
				return fmt.Errorf("claim dead letter: %w", err)
			}
			if n, _ := r.RowsAffected(); n == 1 {
				e.Status = DeadLetterRetrying
				claimed = append(claimed, e)
			}
		}
		out = claimed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveDeadLetter marks an entry successfully replayed.
func (s *Store) ResolveDeadLetter(ctx context.Context, id string) error {
	return s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		_, err := conn.ExecContext(ctx,
			s.rebind(`UPDATE dead_letter SET status = ? WHERE id = ?`), DeadLetterResolved, id)
		if err != nil {
			return fmt.Errorf("resolve dead letter: %w", err)
		}
		return nil
	})
}

// DeadLetterFailed records another failed replay: it schedules the next
// attempt with capped exponential backoff, or marks the entry exhausted once
// the retry budget is spent.
func (s *Store) DeadLetterFailed(ctx context.Context, id, cause string) (*DeadLetterEntry, error) {
	var entry *DeadLetterEntry
	err := s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		row := conn.QueryRowxContext(ctx, s.rebind(`
            SELECT id, tenant_id, original_request, error, failed_at, retry_count, next_retry_at, status
            FROM dead_letter WHERE id = ?`), id)
		e, err := scanDeadLetter(row)
		if err != nil {
			return fmt.Errorf("load dead letter %s: %w", id, err)
		}

		e.RetryCount++
		e.Error = cause
		if e.RetryCount >= s.opts.DeadLetterMaxRetries {
			e.Status = DeadLetterExhausted
		} else {
			e.Status = DeadLetterPending
			backoff := s.opts.DeadLetterBackoffBase << e.RetryCount
			if backoff > s.opts.DeadLetterBackoffCap {
				backoff = s.opts.DeadLetterBackoffCap
			}
			e.NextRetryAt = s.now().Add(backoff)
		}

		_, err = conn.ExecContext(ctx, s.rebind(`
            UPDATE dead_letter SET retry_count = ?, error = ?, next_retry_at = ?, status = ?
            WHERE id = ?`),
			e.RetryCount, e.Error, fmtTS(e.NextRetryAt), e.Status, e.ID)
		if err != nil {
			return fmt.Errorf("update dead letter: %w", err)
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func scanDeadLetter(row rowScanner) (*DeadLetterEntry, error) {
	var (
		e            DeadLetterEntry
		body         string
		failed, next string
	)
	err := row.Scan(&e.ID, &e.TenantID, &body, &e.Error, &failed, &e.RetryCount, &next, &e.Status)
	if err != nil {
		return nil, err
	}
	e.OriginalRequest = []byte(body)
	if e.FailedAt, err = parseTS(failed); err != nil {
		return nil, err
	}
	if e.NextRetryAt, err = parseTS(next); err != nil {
		return nil, err
	}
	return &e, nil
}
