package alerting

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/driftwatch/driftwatch/internal/metric"
	"github.com/driftwatch/driftwatch/internal/rules"
)

// EmailConfig points the email channel at an SMTP relay.
type EmailConfig struct {
	Addr string // host:port of the relay
	From string
	Auth smtp.Auth // nil for an open relay
}

// EmailChannel delivers alerts as plain-text mail over SMTP. The destination
// is the recipient address.
type EmailChannel struct {
	cfg EmailConfig

	// sendMail is swappable in tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel builds the channel.
func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg, sendMail: smtp.SendMail}
}

func (c *EmailChannel) Type() string { return "email" }

// Send builds an RFC 5322 message and hands it to the relay. Relay failures
// are retryable; an empty destination is not.
func (c *EmailChannel) Send(ctx context.Context, alert *rules.Trigger, destination string) (bool, error) {
	if destination == "" {
		return false, fmt.Errorf("email: empty destination")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", destination)
	fmt.Fprintf(&b, "Subject: %s\r\n", Title(alert))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "Alert:       %s\r\n", alert.AlertID)
	fmt.Fprintf(&b, "Rule:        %s\r\n", alert.RuleID)
	fmt.Fprintf(&b, "Tenant:      %s\r\n", alert.TenantID)
	fmt.Fprintf(&b, "Metric:      %s\r\n", alert.Metric.MetricKey)
	fmt.Fprintf(&b, "Severity:    %s\r\n", alert.Severity)
	fmt.Fprintf(&b, "Status:      %s\r\n", alert.Status)
	fmt.Fprintf(&b, "Triggered:   %s\r\n", metric.FormatTimestamp(alert.TriggeredAt))
	fmt.Fprintf(&b, "\r\n%s\r\n", Describe(alert))

	if err := c.sendMail(c.cfg.Addr, c.cfg.Auth, c.cfg.From, []string{destination}, []byte(b.String())); err != nil {
		return true, fmt.Errorf("email: send to %s: %w", destination, err)
	}
	return false, nil
}
