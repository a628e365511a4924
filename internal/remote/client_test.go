package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwatch/driftwatch/internal/breaker"
	"github.com/driftwatch/driftwatch/internal/forecast"
	"github.com/driftwatch/driftwatch/internal/metric"
)

func newClient(t *testing.T, baseURL string, br *breaker.Breaker) *Client {
	t.Helper()
	c, err := New(Config{
		ID:          "remote-test",
		BaseURL:     baseURL,
		APIKey:      "secret",
		CallTimeout: time.Second,
		MaxRetries:  2,
		BackoffBase: 5 * time.Millisecond,
	}, br, nil)
	require.NoError(t, err)
	return c
}

func forecastReq() *forecast.Request {
	return &forecast.Request{
		TenantID:  "t",
		MetricKey: "system.cpu.usage",
		Horizon:   3,
		Frequency: "1h",
	}
}

func TestForecastSuccess(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/v1/forecast", r.URL.Path)
		var req forecast.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(forecast.Result{
			RequestID:   "r-1",
			Predictions: []forecast.Prediction{{Value: 42}},
		})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, nil)
	res, err := c.Forecast(context.Background(), forecastReq())
	require.NoError(t, err)
	assert.Equal(t, "r-1", res.RequestID)
	assert.Equal(t, "remote-test", res.Backend)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(forecast.Result{RequestID: "r-2"})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, nil)
	res, err := c.Forecast(context.Background(), forecastReq())
	require.NoError(t, err)
	assert.Equal(t, "r-2", res.RequestID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, nil)
	_, err := c.Forecast(context.Background(), forecastReq())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")

	var fe *forecast.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, metric.ErrSchemaValidationFailed, fe.Code)
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	br := breaker.New(breaker.Config{Name: "t", FailureThreshold: 5, OpenFor: time.Minute}, nil)
	c := newClient(t, srv.URL, br)

	// Two logical calls of 3 attempts each: 5 failures trip the breaker
	// mid-way through the second call.
	_, err := c.Forecast(context.Background(), forecastReq())
	require.Error(t, err)
	_, err = c.Forecast(context.Background(), forecastReq())
	require.Error(t, err)
	assert.Equal(t, breaker.StateOpen, br.State())
	attempted := calls.Load()
	assert.Equal(t, int32(5), attempted)

	// Next call is rejected without touching the network.
	_, err = c.Forecast(context.Background(), forecastReq())
	var fe *forecast.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, metric.ErrUpstreamUnavailable, fe.Code)
	assert.Equal(t, attempted, calls.Load())
}

func TestBreakerRecoversViaHalfOpen(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(forecast.Result{RequestID: "ok"})
	}))
	defer srv.Close()

	br := breaker.New(breaker.Config{Name: "t", FailureThreshold: 3, OpenFor: 50 * time.Millisecond}, nil)
	c := newClient(t, srv.URL, br)

	_, err := c.Forecast(context.Background(), forecastReq())
	require.Error(t, err)
	require.Equal(t, breaker.StateOpen, br.State())

	failing.Store(false)
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, breaker.StateHalfOpen, br.State())

	res, err := c.Forecast(context.Background(), forecastReq())
	require.NoError(t, err)
	assert.Equal(t, "ok", res.RequestID)
	assert.Equal(t, breaker.StateClosed, br.State())
}

func TestCapabilitiesProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/capabilities", r.URL.Path)
		_ = json.NewEncoder(w).Encode(forecast.Capabilities{
			MaxHorizon:           720,
			SupportedFrequencies: []string{"1h"},
			SupportsIntervals:    true,
			SupportsBatch:        true,
		})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, nil)
	caps, err := c.CapabilitiesProbe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 720, caps.MaxHorizon)
	assert.True(t, caps.SupportsBatch)
}

func TestHealthProbe(t *testing.T) {
	healthy := atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/health", r.URL.Path)
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, nil)
	assert.Error(t, c.HealthCheck(context.Background()))
	healthy.Store(true)
	assert.NoError(t, c.HealthCheck(context.Background()))
}

func TestRejectsDenormalizedConfidence(t *testing.T) {
	c := newClient(t, "http://127.0.0.1:0", nil)
	req := forecastReq()
	req.ConfidenceLevels = []string{"95"}
	_, err := c.Forecast(context.Background(), req)
	var fe *forecast.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, metric.ErrSchemaValidationFailed, fe.Code)
}
