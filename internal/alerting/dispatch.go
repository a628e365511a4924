package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftwatch/driftwatch/internal/metrics"
	"github.com/driftwatch/driftwatch/internal/rules"
)

// maxRetries bounds retry attempts after the initial send.
const maxRetries = 3

// ChannelConfig tunes one registered channel type.
type ChannelConfig struct {
	Enabled bool
	// Timeout caps each attempt. Default 10s.
	Timeout time.Duration
	// Retries after the first attempt, capped at 3. Default 3.
	Retries int
}

func (c *ChannelConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Retries <= 0 || c.Retries > maxRetries {
		c.Retries = maxRetries
	}
}

// Result is the delivery outcome for one channel reference, positionally
// parallel to alert.Routing.Channels.
type Result struct {
	Channel   rules.ChannelRef `json:"channel"`
	Success   bool             `json:"success"`
	Retryable bool             `json:"retryable"`
	Attempts  int              `json:"attempts"`
	Error     string           `json:"error,omitempty"`
}

// Dispatcher fans an alert out to its routed channels with per-channel
// retries. It never panics or errors to the caller; every outcome lands in
// the results vector.
type Dispatcher struct {
	mu       sync.RWMutex
	channels map[string]Channel
	configs  map[string]ChannelConfig

	backoffBase time.Duration
	log         *zap.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewDispatcher builds an empty dispatcher.
func NewDispatcher(log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		channels:    make(map[string]Channel),
		configs:     make(map[string]ChannelConfig),
		backoffBase: 500 * time.Millisecond,
		log:         log,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RegisterChannel indexes a channel implementation under its type.
func (d *Dispatcher) RegisterChannel(ch Channel, cfg ChannelConfig) {
	cfg.applyDefaults()
	d.mu.Lock()
	d.channels[ch.Type()] = ch
	d.configs[ch.Type()] = cfg
	d.mu.Unlock()
}

// Dispatch delivers the alert to every routed channel. The results vector is
// parallel to alert.Routing.Channels.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *rules.Trigger) []Result {
	results := make([]Result, len(alert.Routing.Channels))
	for i, ref := range alert.Routing.Channels {
		results[i] = d.dispatchOne(ctx, alert, ref)
	}
	return results
}

func (d *Dispatcher) dispatchOne(ctx context.Context, alert *rules.Trigger, ref rules.ChannelRef) Result {
	start := time.Now()
	defer func() {
		metrics.NotificationDuration.WithLabelValues(ref.Type).Observe(time.Since(start).Seconds())
	}()
	res := Result{Channel: ref}

	d.mu.RLock()
	ch, ok := d.channels[ref.Type]
	cfg := d.configs[ref.Type]
	d.mu.RUnlock()
	if !ok {
		res.Error = fmt.Sprintf("unknown channel type %q", ref.Type)
		return res
	}
	if !cfg.Enabled {
		res.Error = "channel disabled"
		return res
	}

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		retryable, err := d.attempt(ctx, ch, alert, ref.Destination, cfg.Timeout)
		if err == nil {
			res.Success = true
			res.Retryable = false
			res.Error = ""
			return res
		}
		res.Retryable = retryable
		res.Error = err.Error()
		d.log.Warn("notification attempt failed",
			zap.String("alert_id", alert.AlertID),
			zap.String("channel", ref.Type),
			zap.Int("attempt", attempt),
			zap.Bool("retryable", retryable),
			zap.Error(err))

		if !retryable || attempt > cfg.Retries {
			return res
		}
		if err := d.sleep(ctx, d.backoffBase<<(attempt-1)); err != nil {
			res.Error = err.Error()
			return res
		}
	}
}

// attempt runs one bounded send, converting a channel panic into a
// non-retryable failure.
func (d *Dispatcher) attempt(ctx context.Context, ch Channel, alert *rules.Trigger, dest string, timeout time.Duration) (retryable bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			retryable = false
			err = fmt.Errorf("channel panicked: %v", p)
		}
	}()
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return ch.Send(attemptCtx, alert, dest)
}
