package dbpool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Package dbpool provides a bounded pool of database handles with acquire
// timeouts and graceful drain. The pool is the sole surface through which the
// rest of the system touches the database; no component holds a handle across
// a user-visible request boundary.

var (
	// ErrTimeout is returned when an acquire does not obtain a handle within
	// its deadline.
	ErrTimeout = errors.New("dbpool: acquire timed out")
	// ErrShuttingDown is returned for acquisitions after Drain has begun.
	ErrShuttingDown = errors.New("dbpool: shutting down")
)

// Config controls pool sizing and timeouts.
type Config struct {
	// Size is the maximum number of live handles. Handles are created lazily.
	Size int
	// AcquireTimeout bounds Acquire when the caller's context has no deadline.
	AcquireTimeout time.Duration
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Size     int `json:"size"`
	Open     int `json:"open"`
	InUse    int `json:"in_use"`
	Idle     int `json:"idle"`
	Waiters  int `json:"waiters"`
	Acquired int `json:"acquired_total"`
	TimedOut int `json:"timed_out_total"`
}

// Handle is a borrowed database connection. It must be returned with Release
// (or by using WithHandle, which releases automatically).
type Handle struct {
	Conn *sqlx.Conn
}

type waiter struct {
	ch chan *Handle
}

// Pool is a fixed-size pool of sqlx connections. Waiters are served FIFO.
type Pool struct {
	db  *sqlx.DB
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	idle     []*Handle
	open     int
	inUse    int
	waiters  *list.List
	draining bool
	drained  chan struct{}

	acquired int
	timedOut int
}

// New creates a pool over an already-opened sqlx database. The pool manages
// its own bounded set of dedicated connections on top of it.
func New(db *sqlx.DB, cfg Config, log *zap.Logger) (*Pool, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("dbpool: size must be positive, got %d", cfg.Size)
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	// Keep the driver-level cap aligned with the pool cap so lazily created
	// handles never block inside the driver.
	db.SetMaxOpenConns(cfg.Size)
	return &Pool{
		db:      db,
		cfg:     cfg,
		log:     log,
		waiters: list.New(),
		drained: make(chan struct{}),
	}, nil
}

// Acquire borrows a handle, creating one lazily while under the size cap.
// It honors ctx's deadline, falling back to the configured acquire timeout
// when ctx has none.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if n := len(p.idle); n > 0 {
		h := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse++
		p.acquired++
		p.mu.Unlock()
		return h, nil
	}
	if p.open < p.cfg.Size {
		p.open++
		p.inUse++
		p.acquired++
		p.mu.Unlock()
		conn, err := p.db.Connx(ctx)
		if err != nil {
			p.mu.Lock()
			p.open--
			p.inUse--
			p.acquired--
			p.mu.Unlock()
			return nil, fmt.Errorf("dbpool: open connection: %w", err)
		}
		return &Handle{Conn: conn}, nil
	}

	// Pool exhausted: queue as a FIFO waiter.
	w := &waiter{ch: make(chan *Handle, 1)}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	select {
	case h := <-w.ch:
		if h == nil {
			return nil, ErrShuttingDown
		}
		return h, nil
	case <-ctx.Done():
		p.mu.Lock()
		// The handle may have been handed over concurrently with expiry.
		select {
		case h := <-w.ch:
			p.mu.Unlock()
			if h != nil {
				return h, nil
			}
			return nil, ErrShuttingDown
		default:
		}
		p.waiters.Remove(elem)
		p.timedOut++
		p.mu.Unlock()
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, ErrTimeout
	}
}

// Release returns a handle to the pool. Releasing a nil handle is a no-op.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	p.inUse--

	// Hand over directly to the oldest waiter, preserving FIFO order.
	if elem := p.waiters.Front(); elem != nil {
		p.waiters.Remove(elem)
		w := elem.Value.(*waiter)
		p.inUse++
		p.acquired++
		p.mu.Unlock()
		w.ch <- h
		return
	}

	if p.draining {
		p.open--
		remaining := p.open
		p.mu.Unlock()
		_ = h.Conn.Close()
		if remaining == 0 {
			p.signalDrained()
		}
		return
	}
	p.idle = append(p.idle, h)
	p.mu.Unlock()
}

// WithHandle acquires a handle, runs fn, and always releases.
func (p *Pool) WithHandle(ctx context.Context, fn func(conn *sqlx.Conn) error) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(h)
	return fn(h.Conn)
}

// HealthCheck borrows a handle and runs a trivial query.
func (p *Pool) HealthCheck(ctx context.Context) error {
	return p.WithHandle(ctx, func(conn *sqlx.Conn) error {
		var one int
		return conn.GetContext(ctx, &one, "SELECT 1")
	})
}

// Drain stops accepting new acquisitions and waits until all handles are
// released or ctx's deadline elapses, then closes everything still open.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		<-p.drained
		return nil
	}
	p.draining = true

	// Fail queued waiters immediately.
	for elem := p.waiters.Front(); elem != nil; elem = p.waiters.Front() {
		p.waiters.Remove(elem)
		elem.Value.(*waiter).ch <- nil
	}

	// Close idle handles now; in-use handles close on release.
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	busy := p.open
	p.mu.Unlock()

	for _, h := range idle {
		_ = h.Conn.Close()
	}
	if busy == 0 {
		p.signalDrained()
	}

	select {
	case <-p.drained:
		return nil
	case <-ctx.Done():
		p.log.Warn("pool drain deadline elapsed with handles still in use",
			zap.Int("in_use", p.Stats().InUse))
		return ctx.Err()
	}
}

func (p *Pool) signalDrained() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.drained:
	default:
		close(p.drained)
	}
}

// Stats returns a point-in-time snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:     p.cfg.Size,
		Open:     p.open,
		InUse:    p.inUse,
		Idle:     len(p.idle),
		Waiters:  p.waiters.Len(),
		Acquired: p.acquired,
		TimedOut: p.timedOut,
	}
}
