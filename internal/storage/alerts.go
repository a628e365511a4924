package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// ─── Alert rules ─────────────────────────────────────────────────────────────

// RuleRecord is a persisted alert rule. Definition carries the full rule
// document as JSON; the indexed columns exist for listing and routing only.
type RuleRecord struct {
	RuleID     string    `json:"rule_id"`
	TenantID   string    `json:"tenant_id"`
	Name       string    `json:"name"`
	MetricKey  string    `json:"metric_key"`
	Enabled    bool      `json:"enabled"`
	Definition []byte    `json:"definition"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SaveRule upserts a rule document.
func (s *Store) SaveRule(ctx context.Context, rec *RuleRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}
	return s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		_, err := conn.ExecContext(ctx, s.rebind(`
            INSERT INTO alert_rules (rule_id, tenant_id, name, metric_key, enabled, definition_json, updated_at)
            VALUES (?,?,?,?,?,?,?)
            ON CONFLICT (rule_id) DO UPDATE SET
                tenant_id       = excluded.tenant_id,
                name            = excluded.name,
                metric_key      = excluded.metric_key,
                enabled         = excluded.enabled,
                definition_json = excluded.definition_json,
                updated_at      = excluded.updated_at`),
			rec.RuleID, rec.TenantID, rec.Name, rec.MetricKey, rec.Enabled,
			string(rec.Definition), fmtTS(rec.UpdatedAt))
		if err != nil {
			return fmt.Errorf("upsert rule: %w", err)
		}
		return nil
	})
}

// DeleteRule removes a rule; deleting an absent rule is a no-op.
func (s *Store) DeleteRule(ctx context.Context, ruleID string) error {
	return s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		_, err := conn.ExecContext(ctx,
			s.rebind(`DELETE FROM alert_rules WHERE rule_id = ?`), ruleID)
		if err != nil {
			return fmt.Errorf("delete rule: %w", err)
		}
		return nil
	})
}

// GetRule loads one rule; nil when absent.
func (s *Store) GetRule(ctx context.Context, ruleID string) (*RuleRecord, error) {
	var rec *RuleRecord
	err := s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		row := conn.QueryRowxContext(ctx, s.rebind(`
            SELECT rule_id, tenant_id, name, metric_key, enabled, definition_json, updated_at
            FROM alert_rules WHERE rule_id = ?`), ruleID)
		r, err := scanRule(row)
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

// ListRules returns rules, optionally restricted to a tenant, name order.
func (s *Store) ListRules(ctx context.Context, tenantID string) ([]*RuleRecord, error) {
	query := `SELECT rule_id, tenant_id, name, metric_key, enabled, definition_json, updated_at
              FROM alert_rules`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY name ASC`

	var out []*RuleRecord
	err := s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		rows, err := conn.QueryxContext(ctx, s.rebind(query), args...)
		if err != nil {
			return fmt.Errorf("query rules: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanRule(rows)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	return out, err
}

func scanRule(row rowScanner) (*RuleRecord, error) {
	var (
		rec     RuleRecord
		def     string
		updated string
	)
	err := row.Scan(&rec.RuleID, &rec.TenantID, &rec.Name, &rec.MetricKey,
		&rec.Enabled, &def, &updated)
	if err != nil {
		return nil, err
	}
	rec.Definition = []byte(def)
	if rec.UpdatedAt, err = parseTS(updated); err != nil {
		return nil, fmt.Errorf("parse rule updated_at: %w", err)
	}
	return &rec, nil
}

// ─── Alert states ────────────────────────────────────────────────────────────

// AlertStateRecord is the persisted lifecycle state of one alert.
type AlertStateRecord struct {
	AlertID           string     `json:"alert_id"`
	RuleID            string     `json:"rule_id"`
	TenantID          string     `json:"tenant_id"`
	Status            string     `json:"status"`
	Severity          string     `json:"severity"`
	TriggerType       string     `json:"trigger_type"`
	MetricKey         string     `json:"metric_key"`
	TriggeredAt       time.Time  `json:"triggered_at"`
	AcknowledgedAt    *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy    string     `json:"acknowledged_by,omitempty"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy        string     `json:"resolved_by,omitempty"`
	EscalatedAt       *time.Time `json:"escalated_at,omitempty"`
	EscalationLevel   int        `json:"escalation_level"`
	NotificationCount int        `json:"notification_count"`
	LastNotifiedAt    *time.Time `json:"last_notified_at,omitempty"`
	Context           []byte     `json:"-"`
}

// SaveAlertState upserts the full state row.
func (s *Store) SaveAlertState(ctx context.Context, rec *AlertStateRecord) error {
	ctxJSON := string(rec.Context)
	if ctxJSON == "" {
		ctxJSON = "{}"
	}
	return s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		_, err := conn.ExecContext(ctx, s.rebind(`
            INSERT INTO alert_states
                (alert_id, rule_id, tenant_id, status, severity, trigger_type, metric_key,
                 triggered_at, acknowledged_at, acknowledged_by, resolved_at, resolved_by,
                 escalated_at, escalation_level, notification_count, last_notified_at, context_json)
            VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
            ON CONFLICT (alert_id) DO UPDATE SET
                status             = excluded.status,
                acknowledged_at    = excluded.acknowledged_at,
                acknowledged_by    = excluded.acknowledged_by,
                resolved_at        = excluded.resolved_at,
                resolved_by        = excluded.resolved_by,
                escalated_at       = excluded.escalated_at,
                escalation_level   = excluded.escalation_level,
                notification_count = excluded.notification_count,
                last_notified_at   = excluded.last_notified_at,
                context_json       = excluded.context_json`),
			rec.AlertID, rec.RuleID, rec.TenantID, rec.Status, rec.Severity,
			rec.TriggerType, rec.MetricKey, fmtTS(rec.TriggeredAt),
			optTS(rec.AcknowledgedAt), rec.AcknowledgedBy,
			optTS(rec.ResolvedAt), rec.ResolvedBy,
			optTS(rec.EscalatedAt), rec.EscalationLevel, rec.NotificationCount,
			optTS(rec.LastNotifiedAt), ctxJSON)
		if err != nil {
			return fmt.Errorf("upsert alert state: %w", err)
		}
		return nil
	})
}

// GetAlertState loads one alert; nil when absent.
func (s *Store) GetAlertState(ctx context.Context, alertID string) (*AlertStateRecord, error) {
	var rec *AlertStateRecord
	err := s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		row := conn.QueryRowxContext(ctx, s.rebind(alertStateSelect+` WHERE alert_id = ?`), alertID)
		r, err := scanAlertState(row)
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

// AlertStateQuery filters state listings.
type AlertStateQuery struct {
	TenantID string
	Statuses []string
	Limit    int
}

const alertStateSelect = `
    SELECT alert_id, rule_id, tenant_id, status, severity, trigger_type, metric_key,
           triggered_at, acknowledged_at, acknowledged_by, resolved_at, resolved_by,
           escalated_at, escalation_level, notification_count, last_notified_at, context_json
    FROM alert_states`

// ListAlertStates returns alerts newest first.
func (s *Store) ListAlertStates(ctx context.Context, q AlertStateQuery) ([]*AlertStateRecord, error) {
	if q.Limit <= 0 {
		q.Limit = defaultQueryLimit
	}
	var conds []string
	var args []any
	if q.TenantID != "" {
		conds = append(conds, `tenant_id = ?`)
		args = append(args, q.TenantID)
	}
	if len(q.Statuses) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(q.Statuses)), ",")
		conds = append(conds, `status IN (`+ph+`)`)
		for _, st := range q.Statuses {
			args = append(args, st)
		}
	}
	query := alertStateSelect
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY triggered_at DESC LIMIT ?`
	args = append(args, q.Limit)
	return s.listAlertStates(ctx, query, args...)
}

// EscalationCandidates returns unacknowledged alerts with escalation headroom
// whose last escalation (or, before the first, their trigger) predates the
// cutoff. An already-escalated alert re-qualifies once another full timeout
// passes without acknowledgement.
func (s *Store) EscalationCandidates(ctx context.Context, cutoff time.Time, maxLevel int) ([]*AlertStateRecord, error) {
	query := alertStateSelect + `
        WHERE status IN ('firing','escalated')
          AND COALESCE(escalated_at, triggered_at) < ?
          AND escalation_level < ?
        ORDER BY triggered_at ASC`
	return s.listAlertStates(ctx, query, fmtTS(cutoff), maxLevel)
}

// ReminderCandidates returns active alerts not notified since the cutoff.
func (s *Store) ReminderCandidates(ctx context.Context, cutoff time.Time) ([]*AlertStateRecord, error) {
	query := alertStateSelect + `
        WHERE status IN ('firing','escalated')
          AND (last_notified_at IS NULL OR last_notified_at < ?)
        ORDER BY triggered_at ASC`
	return s.listAlertStates(ctx, query, fmtTS(cutoff))
}

func (s *Store) listAlertStates(ctx context.Context, query string, args ...any) ([]*AlertStateRecord, error) {
	var out []*AlertStateRecord
	err := s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		rows, err := conn.QueryxContext(ctx, s.rebind(query), args...)
		if err != nil {
			return fmt.Errorf("query alert states: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanAlertState(rows)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	return out, err
}

func scanAlertState(row rowScanner) (*AlertStateRecord, error) {
	var (
		rec        AlertStateRecord
		triggered  string
		ack, res   sql.NullString
		esc, notif sql.NullString
		ctxJSON    string
	)
	err := row.Scan(&rec.AlertID, &rec.RuleID, &rec.TenantID, &rec.Status, &rec.Severity,
		&rec.TriggerType, &rec.MetricKey, &triggered, &ack, &rec.AcknowledgedBy,
		&res, &rec.ResolvedBy, &esc, &rec.EscalationLevel, &rec.NotificationCount,
		&notif, &ctxJSON)
	if err != nil {
		return nil, err
	}
	if rec.TriggeredAt, err = parseTS(triggered); err != nil {
		return nil, fmt.Errorf("parse triggered_at: %w", err)
	}
	for _, pair := range []struct {
		src sql.NullString
		dst **time.Time
	}{{ack, &rec.AcknowledgedAt}, {res, &rec.ResolvedAt}, {esc, &rec.EscalatedAt}, {notif, &rec.LastNotifiedAt}} {
		if !pair.src.Valid {
			continue
		}
		t, err := parseOptTS(&pair.src.String)
		if err != nil {
			return nil, err
		}
		*pair.dst = t
	}
	rec.Context = []byte(ctxJSON)
	return &rec, nil
}

// ─── Alert transitions ───────────────────────────────────────────────────────

// TransitionRecord is one edge taken through the alert state machine.
type TransitionRecord struct {
	ID      string    `json:"id"`
	AlertID string    `json:"alert_id"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	At      time.Time `json:"at"`
	Actor   string    `json:"actor,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// AppendTransition records a state-machine edge.
func (s *Store) AppendTransition(ctx context.Context, rec *TransitionRecord) error {
	if rec.At.IsZero() {
		rec.At = s.now()
	}
	return s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		_, err := conn.ExecContext(ctx, s.rebind(`
            INSERT INTO alert_transitions (id, alert_id, from_status, to_status, occurred_at, actor, reason)
            VALUES (?,?,?,?,?,?,?)`),
			rec.ID, rec.AlertID, rec.From, rec.To, fmtTS(rec.At), rec.Actor, rec.Reason)
		if err != nil {
			return fmt.Errorf("append transition: %w", err)
		}
		return nil
	})
}

// ListTransitions returns an alert's history oldest first.
func (s *Store) ListTransitions(ctx context.Context, alertID string) ([]*TransitionRecord, error) {
	var out []*TransitionRecord
	err := s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		rows, err := conn.QueryxContext(ctx, s.rebind(`
            SELECT id, alert_id, from_status, to_status, occurred_at, actor, reason
            FROM alert_transitions WHERE alert_id = ? ORDER BY occurred_at ASC`), alertID)
		if err != nil {
			return fmt.Errorf("query transitions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				rec TransitionRecord
				at  string
			)
			if err := rows.Scan(&rec.ID, &rec.AlertID, &rec.From, &rec.To, &at, &rec.Actor, &rec.Reason); err != nil {
				return fmt.Errorf("scan transition: %w", err)
			}
			if rec.At, err = parseTS(at); err != nil {
				return err
			}
			out = append(out, &rec)
		}
		return rows.Err()
	})
	return out, err
}

// ─── Dedup records ───────────────────────────────────────────────────────────

// DedupRecord tracks suppression of repeated alerts under one dedup key.
type DedupRecord struct {
	Key              string    `json:"dedup_key"`
	TenantID         string    `json:"tenant_id"`
	FirstAlertID     string    `json:"first_alert_id"`
	FirstTriggeredAt time.Time `json:"first_triggered_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	Count            int       `json:"count"`
}

// TouchDedup performs the atomic dedup check-and-update: when a live record
// exists its count is incremented and hit=true is returned; otherwise a
// fresh record with the given TTL replaces any expired one.
func (s *Store) TouchDedup(ctx context.Context, key, tenantID, alertID string, ttl time.Duration) (hit bool, count int, err error) {
	now := s.now()
	err = s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		r, err := conn.ExecContext(ctx, s.rebind(`
            UPDATE alert_dedup SET count = count + 1
            WHERE dedup_key = ? AND expires_at > ?`),
			key, fmtTS(now))
		if err != nil {
			return fmt.Errorf("increment dedup: %w", err)
		}
		if n, _ := r.RowsAffected(); n > 0 {
			hit = true
			return conn.GetContext(ctx, &count,
				s.rebind(`SELECT count FROM alert_dedup WHERE dedup_key = ?`), key)
		}

		_, err = conn.ExecContext(ctx, s.rebind(`
            INSERT INTO alert_dedup (dedup_key, tenant_id, first_alert_id, first_triggered_at, expires_at, count)
            VALUES (?,?,?,?,?,1)
            ON CONFLICT (dedup_key) DO UPDATE SET
                tenant_id          = excluded.tenant_id,
                first_alert_id     = excluded.first_alert_id,
                first_triggered_at = excluded.first_triggered_at,
                expires_at         = excluded.expires_at,
                count              = 1`),
			key, tenantID, alertID, fmtTS(now), fmtTS(now.Add(ttl)))
		if err != nil {
			return fmt.Errorf("insert dedup: %w", err)
		}
		count = 1
		return nil
	})
	return hit, count, err
}

// CountRecentDedup counts dedup records a tenant created since the cutoff,
// the basis of the rolling rate limit.
func (s *Store) CountRecentDedup(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var n int
	err := s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		return conn.GetContext(ctx, &n, s.rebind(`
            SELECT COUNT(*) FROM alert_dedup
            WHERE tenant_id = ? AND first_triggered_at > ?`),
			tenantID, fmtTS(since))
	})
	return n, err
}

// CleanupDedup deletes expired dedup records.
func (s *Store) CleanupDedup(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.WithHandle(ctx, func(conn *sqlx.Conn) error {
		r, err := conn.ExecContext(ctx,
			s.rebind(`DELETE FROM alert_dedup WHERE expires_at <= ?`), fmtTS(s.now()))
		if err != nil {
			return fmt.Errorf("cleanup dedup: %w", err)
		}
		n, _ = r.RowsAffected()
		return nil
	})
	return n, err
}
