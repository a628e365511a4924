package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/driftwatch/driftwatch/internal/metric"
	"github.com/driftwatch/driftwatch/internal/rules"
)

// Channel delivers one alert to one destination. Send reports whether a
// failure is worth retrying.
type Channel interface {
	Type() string
	Send(ctx context.Context, alert *rules.Trigger, destination string) (retryable bool, err error)
}

// Title renders the one-line summary used across channels.
func Title(alert *rules.Trigger) string {
	return fmt.Sprintf("[%s] %s %s", strings.ToUpper(alert.Severity),
		alert.Metric.MetricKey, alert.TriggerType)
}

// Describe renders the variant-specific evidence as prose.
func Describe(alert *rules.Trigger) string {
	d := alert.Details
	switch alert.TriggerType {
	case rules.CondThreshold:
		return fmt.Sprintf("value %g is %s %g", d.CurrentValue, d.Op, d.Threshold)
	case rules.CondAnomaly:
		if d.Anomaly != nil {
			return fmt.Sprintf("%s anomaly (score %.2f): %s", d.Anomaly.Severity, d.Anomaly.Score, d.Anomaly.Description)
		}
		return "anomaly detected"
	case rules.CondForecast:
		if d.Prediction != nil {
			return fmt.Sprintf("forecast %g exceeds %g at %s", d.Prediction.Value, d.Threshold,
				d.Prediction.Timestamp.UTC().Format(time.RFC3339))
		}
		return "forecast breach"
	case rules.CondRateOfChange:
		return fmt.Sprintf("value moved %g (from %g to %g)", d.Rate, d.Previous, d.CurrentValue)
	case rules.CondMissingData:
		if d.LastSeenAt != nil {
			return fmt.Sprintf("no data since %s", metric.FormatTimestamp(*d.LastSeenAt))
		}
		return "no data has ever been received"
	default:
		return string(alert.TriggerType)
	}
}

// postJSON sends a JSON body and classifies the outcome: network failures and
// 429/5xx responses are retryable, other non-2xx responses are not.
func postJSON(ctx context.Context, client *http.Client, url string, payload any) (retryable bool, err error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return true, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("post %s: status %d", url, resp.StatusCode)
	default:
		return false, fmt.Errorf("post %s: status %d", url, resp.StatusCode)
	}
}

// ─── Webhook ─────────────────────────────────────────────────────────────────

// WebhookChannel posts the full alert document to an arbitrary HTTP endpoint.
type WebhookChannel struct {
	client *http.Client
}

// NewWebhookChannel builds the channel; a nil client gets a default.
func NewWebhookChannel(client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookChannel{client: client}
}

func (c *WebhookChannel) Type() string { return "webhook" }

type webhookPayload struct {
	EventType   string               `json:"event_type"`
	AlertID     string               `json:"alert_id"`
	RuleID      string               `json:"rule_id"`
	TenantID    string               `json:"tenant_id"`
	Severity    string               `json:"severity"`
	Status      string               `json:"status"`
	Title       string               `json:"title"`
	Description string               `json:"description"`
	TriggeredAt string               `json:"triggered_at"`
	Metric      metric.Point         `json:"metric"`
	Trigger     rules.TriggerDetails `json:"trigger"`
}

func (c *WebhookChannel) Send(ctx context.Context, alert *rules.Trigger, destination string) (bool, error) {
	return postJSON(ctx, c.client, destination, webhookPayload{
		EventType:   "alert",
		AlertID:     alert.AlertID,
		RuleID:      alert.RuleID,
		TenantID:    alert.TenantID,
		Severity:    alert.Severity,
		Status:      alert.Status,
		Title:       Title(alert),
		Description: Describe(alert),
		TriggeredAt: metric.FormatTimestamp(alert.TriggeredAt),
		Metric:      alert.Metric,
		Trigger:     alert.Details,
	})
}

// ─── Chat webhook ────────────────────────────────────────────────────────────

// severityColors maps alert severity to the attachment color bar.
var severityColors = map[string]string{
	"info":     "#2196F3",
	"warning":  "#FF9800",
	"error":    "#F44336",
	"critical": "#9C27B0",
}

const defaultColor = "#757575"

// ChatChannel posts a colored attachment to a chat-style incoming webhook.
type ChatChannel struct {
	client *http.Client
}

// NewChatChannel builds the channel; a nil client gets a default.
func NewChatChannel(client *http.Client) *ChatChannel {
	if client == nil {
		client = &http.Client{}
	}
	return &ChatChannel{client: client}
}

func (c *ChatChannel) Type() string { return "chat" }

type chatField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type chatAttachment struct {
	Color  string      `json:"color"`
	Title  string      `json:"title"`
	Text   string      `json:"text"`
	Fields []chatField `json:"fields"`
	TS     int64       `json:"ts"`
}

type chatPayload struct {
	Attachments []chatAttachment `json:"attachments"`
}

// SeverityColor exposes the color mapping for reuse and tests.
func SeverityColor(severity string) string {
	if c, ok := severityColors[severity]; ok {
		return c
	}
	return defaultColor
}

func (c *ChatChannel) Send(ctx context.Context, alert *rules.Trigger, destination string) (bool, error) {
	return postJSON(ctx, c.client, destination, chatPayload{
		Attachments: []chatAttachment{{
			Color: SeverityColor(alert.Severity),
			Title: Title(alert),
			Text:  Describe(alert),
			Fields: []chatField{
				{Title: "Tenant", Value: alert.TenantID, Short: true},
				{Title: "Metric", Value: alert.Metric.MetricKey, Short: true},
				{Title: "Status", Value: alert.Status, Short: true},
				{Title: "Rule", Value: alert.RuleID, Short: true},
			},
			TS: alert.TriggeredAt.Unix(),
		}},
	})
}

// ─── Pager events ────────────────────────────────────────────────────────────

// PagerChannel posts deduplicating trigger/resolve events to a pager-style
// events endpoint. A resolved alert sends a resolve event; anything else
// sends a trigger. The routing key selects the receiving service on the
// pager side and is stamped into every event.
type PagerChannel struct {
	client     *http.Client
	routingKey string
}

// NewPagerChannel builds the channel; a nil client gets a default.
func NewPagerChannel(client *http.Client, routingKey string) *PagerChannel {
	if client == nil {
		client = &http.Client{}
	}
	return &PagerChannel{client: client, routingKey: routingKey}
}

func (c *PagerChannel) Type() string { return "pager" }

type pagerPayload struct {
	RoutingKey  string       `json:"routing_key"`
	EventAction string       `json:"event_action"`
	DedupKey    string       `json:"dedup_key"`
	Payload     pagerDetails `json:"payload"`
}

type pagerDetails struct {
	Summary       string               `json:"summary"`
	Severity      string               `json:"severity"`
	Source        string               `json:"source"`
	Timestamp     string               `json:"timestamp"`
	CustomDetails rules.TriggerDetails `json:"custom_details"`
}

func (c *PagerChannel) Send(ctx context.Context, alert *rules.Trigger, destination string) (bool, error) {
	action := "trigger"
	if alert.Status == "resolved" {
		action = "resolve"
	}
	return postJSON(ctx, c.client, destination, pagerPayload{
		RoutingKey:  c.routingKey,
		EventAction: action,
		DedupKey:    DedupKey(alert),
		Payload: pagerDetails{
			Summary:       Title(alert) + ": " + Describe(alert),
			Severity:      alert.Severity,
			Source:        alert.Metric.MetricKey,
			Timestamp:     metric.FormatTimestamp(alert.TriggeredAt),
			CustomDetails: alert.Details,
		},
	})
}
