package breaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Package breaker wraps a three-state circuit breaker around remote calls.
//
// States: closed, open, half-open.
//   - closed → open after FailureThreshold consecutive failures
//   - open → half-open once OpenFor has elapsed
//   - half-open → closed on the next success; half-open → open on the next
//     failure (the open window restarts)

// ErrOpen is returned without attempting the wrapped call while the breaker
// is open. Callers map it to the upstream_unavailable error code.
var ErrOpen = errors.New("breaker: circuit open")

// State mirrors the breaker's current position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds breaker tuning.
type Config struct {
	// Name labels the breaker in logs.
	Name string
	// FailureThreshold is the count of consecutive failures that trips the
	// breaker. Default 5.
	FailureThreshold int
	// OpenFor is how long the breaker stays open before probing. Default 60s.
	OpenFor time.Duration
}

// Breaker guards calls to a single remote dependency.
type Breaker struct {
	cb  *gobreaker.CircuitBreaker
	log *zap.Logger
}

// New creates a breaker. A single half-open probe is allowed; its success
// closes the circuit, its failure re-opens it for another full OpenFor.
func New(cfg Config, log *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 60 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	b := &Breaker{log: log}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", stateOf(from).string()),
				zap.String("to", stateOf(to).string()))
		},
	})
	return b
}

// Execute runs fn under the breaker. While open it returns ErrOpen without
// invoking fn. A success in any state resets the consecutive-failure count.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// CanAttempt reports whether a call would be admitted right now. It returns
// false only while the breaker is open and the open window has not expired.
func (b *Breaker) CanAttempt() bool {
	return b.cb.State() != gobreaker.StateOpen
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	return stateOf(b.cb.State())
}

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func (s State) string() string { return string(s) }
