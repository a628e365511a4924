package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/driftwatch/driftwatch/internal/breaker"
	"github.com/driftwatch/driftwatch/internal/forecast"
	"github.com/driftwatch/driftwatch/internal/metric"
)

// Package remote adapts an HTTP forecast model service to the
// forecast.Backend contract. Every outbound call runs under the circuit
// breaker; retriable failures (network errors, 5xx) are retried with
// exponential backoff, client errors are not.

// Config tunes the client.
type Config struct {
	// ID is the backend id this client registers under.
	ID string
	// BaseURL is the model service root, e.g. "https://models.example.com".
	BaseURL string
	// APIKey is sent as a bearer token when non-empty.
	APIKey string
	// CallTimeout bounds each attempt. Default 30s.
	CallTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt. Default 3.
	MaxRetries int
	// BackoffBase is the first retry delay; attempt n waits base·2^n.
	// Default 200ms.
	BackoffBase time.Duration
}

// Client is a resilient HTTP forecast backend.
type Client struct {
	cfg Config
	hc  *http.Client
	br  *breaker.Breaker
	log *zap.Logger
}

// New creates a client wrapped by the given breaker.
func New(cfg Config, br *breaker.Breaker, log *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote: base URL is required")
	}
	if cfg.ID == "" {
		cfg.ID = "remote"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if br == nil {
		br = breaker.New(breaker.Config{Name: cfg.ID}, log)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg: cfg,
		hc:  &http.Client{Timeout: cfg.CallTimeout},
		br:  br,
		log: log,
	}, nil
}

// ID implements forecast.Backend.
func (c *Client) ID() string { return c.cfg.ID }

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *breaker.Breaker { return c.br }

// callError classifies one failed attempt.
type callError struct {
	err       error
	retriable bool
}

func (e *callError) Error() string { return e.err.Error() }
func (e *callError) Unwrap() error { return e.err }

// Forecast implements forecast.Backend.
func (c *Client) Forecast(ctx context.Context, req *forecast.Request) (*forecast.Result, error) {
	for _, key := range req.ConfidenceLevels {
		if _, err := forecast.ParseConfidence(key); err != nil {
			return nil, err
		}
	}
	var result forecast.Result
	if err := c.do(ctx, http.MethodPost, "/v1/forecast", req, &result); err != nil {
		return nil, err
	}
	if result.Backend == "" {
		result.Backend = c.cfg.ID
	}
	return &result, nil
}

// Capabilities implements forecast.Backend with a static fallback; the live
// probe is available via CapabilitiesProbe.
func (c *Client) Capabilities() forecast.Capabilities {
	caps, err := c.CapabilitiesProbe(context.Background())
	if err != nil {
		return forecast.Capabilities{
			MaxHorizon:           168,
			SupportedFrequencies: []string{"1h", "1d"},
			SupportsIntervals:    true,
		}
	}
	return *caps
}

// CapabilitiesProbe queries the remote service's capabilities endpoint.
func (c *Client) CapabilitiesProbe(ctx context.Context) (*forecast.Capabilities, error) {
	var caps forecast.Capabilities
	if err := c.do(ctx, http.MethodGet, "/v1/capabilities", nil, &caps); err != nil {
		return nil, err
	}
	return &caps, nil
}

// HealthCheck implements forecast.Backend. A single non-retried probe; an
// open breaker fails fast.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.br.Execute(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, c.cfg.BaseURL+"/v1/health", nil)
		if err != nil {
			return err
		}
		c.authorize(httpReq)
		resp, err := c.hc.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("remote health returned %d", resp.StatusCode)
		}
		return nil
	})
}

// do runs one logical call: up to 1+MaxRetries attempts, each under the
// breaker, retrying only retriable failures with exponential backoff.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return forecast.NewError(metric.ErrInternal, "encode request: %v", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.BackoffBase * (1 << (attempt - 1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return forecast.NewError(metric.ErrTimeout, "cancelled during backoff: %v", ctx.Err())
			}
		}

		err := c.br.Execute(func() error {
			return c.attempt(ctx, method, path, payload, out)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, breaker.ErrOpen) {
			return forecast.NewError(metric.ErrUpstreamUnavailable, "circuit open for backend %s", c.cfg.ID)
		}
		lastErr = err

		var ce *callError
		if errors.As(err, &ce) && !ce.retriable {
			break
		}
		c.log.Debug("remote call failed, will retry",
			zap.String("backend", c.cfg.ID),
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return classify(lastErr)
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, out any) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return &callError{err: err, retriable: false}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		// Network-level failure: retriable.
		return &callError{err: err, retriable: true}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &callError{err: fmt.Errorf("decode response: %w", err), retriable: false}
		}
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &callError{err: fmt.Errorf("remote returned %d", resp.StatusCode), retriable: true}
	default:
		// 4xx: counts as a breaker failure but is never retried.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &callError{err: fmt.Errorf("remote rejected request (%d): %s", resp.StatusCode, bytes.TrimSpace(msg)), retriable: false}
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

// classify maps a transport error to the wire taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var fe *forecast.Error
	if errors.As(err, &fe) {
		return fe
	}
	var ce *callError
	if errors.As(err, &ce) {
		if errors.Is(ce.err, context.DeadlineExceeded) {
			return forecast.NewError(metric.ErrTimeout, "%v", ce.err)
		}
		if ce.retriable {
			return forecast.NewError(metric.ErrUpstreamUnavailable, "%v", ce.err)
		}
		return forecast.NewError(metric.ErrSchemaValidationFailed, "%v", ce.err)
	}
	return forecast.NewError(metric.ErrInternal, "%v", err)
}
