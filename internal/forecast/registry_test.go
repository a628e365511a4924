package forecast

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubBackend is a controllable backend for registry tests.
type stubBackend struct {
	id      string
	healthy bool
}

func (s *stubBackend) ID() string { return s.id }

func (s *stubBackend) Forecast(context.Context, *Request) (*Result, error) {
	return &Result{Backend: s.id}, nil
}

func (s *stubBackend) HealthCheck(context.Context) error {
	if s.healthy {
		return nil
	}
	return errors.New("unhealthy")
}

func (s *stubBackend) Capabilities() Capabilities { return Capabilities{} }

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&stubBackend{id: "a", healthy: true}, 1, false))

	b, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", b.ID())

	_, err = r.Get("missing")
	assert.Error(t, err)

	err = r.Register(&stubBackend{id: "a"}, 1, false)
	assert.Error(t, err, "duplicate ids are rejected")
}

func TestAtMostOneDefault(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&stubBackend{id: "a", healthy: true}, 1, true))
	require.NoError(t, r.Register(&stubBackend{id: "b", healthy: true}, 2, true))

	// The later default registration replaced the first.
	assert.Equal(t, "b", r.GetDefault().ID())
	require.NoError(t, r.SetDefault("a"))
	assert.Equal(t, "a", r.GetDefault().ID())
}

func TestDefaultFallsBackToHighestPriorityHealthy(t *testing.T) {
	r := NewRegistry(nil)
	def := &stubBackend{id: "remote", healthy: false}
	require.NoError(t, r.Register(def, 10, true))
	require.NoError(t, r.Register(&stubBackend{id: "hw", healthy: true}, 5, false))
	require.NoError(t, r.Register(&stubBackend{id: "cheap", healthy: true}, 1, false))

	r.CheckHealth(context.Background())
	assert.Equal(t, "hw", r.GetDefault().ID())
	assert.Equal(t, []string{"hw", "cheap"}, r.ListHealthy())

	// Default recovers once its probe succeeds again.
	def.healthy = true
	r.CheckHealth(context.Background())
	assert.Equal(t, "remote", r.GetDefault().ID())
}

func TestNoopFallbackWhenNothingHealthy(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&stubBackend{id: "a", healthy: false}, 1, true))
	r.CheckHealth(context.Background())

	assert.Equal(t, "noop", r.GetDefault().ID())
	assert.Empty(t, r.ListHealthy())
}

func TestParseConfidence(t *testing.T) {
	for key, want := range map[string]float64{"0.80": 0.80, "0.95": 0.95, "0.99": 0.99} {
		got, err := ParseConfidence(key)
		require.NoError(t, err, key)
		assert.InDelta(t, want, got, 1e-9)
	}
	for _, bad := range []string{"95", ".95", "0.9", "0.950", "1.00", "0.00", "80%"} {
		_, err := ParseConfidence(bad)
		assert.Error(t, err, bad)
	}
}
