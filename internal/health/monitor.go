package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Package health runs named liveness probes in parallel and aggregates the
// outcome. Probes are registered once at wiring time; CheckAll is cheap
// enough to back a /healthz endpoint.

// Status is the aggregate health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Probe checks one dependency. It should respect ctx's deadline.
type Probe func(ctx context.Context) error

// ProbeResult is the outcome of a single probe run.
type ProbeResult struct {
	Name     string        `json:"name"`
	Critical bool          `json:"critical"`
	Healthy  bool          `json:"healthy"`
	Error    string        `json:"error,omitempty"`
	Latency  time.Duration `json:"latency"`
	At       time.Time     `json:"at"`
}

// Report aggregates one CheckAll sweep.
type Report struct {
	Status Status        `json:"status"`
	Probes []ProbeResult `json:"probes"`
	At     time.Time     `json:"at"`
}

// Stats summarizes recent history for one probe.
type Stats struct {
	Name        string        `json:"name"`
	Runs        int           `json:"runs"`
	SuccessRate float64       `json:"success_rate"`
	AvgLatency  time.Duration `json:"avg_latency"`
}

type registration struct {
	name     string
	probe    Probe
	critical bool
}

// ring is a fixed-capacity circular buffer of probe results.
type ring struct {
	data     []ProbeResult
	head     int
	size     int
	capacity int
}

func newRing(capacity int) *ring {
	return &ring{data: make([]ProbeResult, capacity), capacity: capacity}
}

func (r *ring) push(pr ProbeResult) {
	idx := (r.head + r.size) % r.capacity
	r.data[idx] = pr
	if r.size < r.capacity {
		r.size++
	} else {
		r.head = (r.head + 1) % r.capacity
	}
}

func (r *ring) slice() []ProbeResult {
	out := make([]ProbeResult, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.data[(r.head+i)%r.capacity]
	}
	return out
}

// Monitor holds the probe registry and a bounded history per probe.
type Monitor struct {
	mu           sync.RWMutex
	probes       []registration
	history      map[string]*ring
	probeTimeout time.Duration
	historySize  int
	log          *zap.Logger
}

// Option tunes the monitor.
type Option func(*Monitor)

// WithProbeTimeout overrides the per-probe timeout (default 5s).
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.probeTimeout = d }
}

// WithHistorySize overrides the per-probe history capacity (default 100).
func WithHistorySize(n int) Option {
	return func(m *Monitor) { m.historySize = n }
}

// NewMonitor creates an empty monitor.
func NewMonitor(log *zap.Logger, opts ...Option) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Monitor{
		history:      make(map[string]*ring),
		probeTimeout: 5 * time.Second,
		historySize:  100,
		log:          log,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Register adds a named probe. Critical probes drag the aggregate to
// unhealthy on failure; non-critical failures only degrade it.
func (m *Monitor) Register(name string, probe Probe, critical bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes = append(m.probes, registration{name: name, probe: probe, critical: critical})
	m.history[name] = newRing(m.historySize)
}

// CheckAll runs every registered probe concurrently, each under its own
// timeout, and aggregates the results.
func (m *Monitor) CheckAll(ctx context.Context) Report {
	m.mu.RLock()
	probes := make([]registration, len(m.probes))
	copy(probes, m.probes)
	m.mu.RUnlock()

	results := make([]ProbeResult, len(probes))
	g, gctx := errgroup.WithContext(ctx)
	for i, reg := range probes {
		i, reg := i, reg
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, m.probeTimeout)
			defer cancel()
			start := time.Now()
			err := reg.probe(pctx)
			pr := ProbeResult{
				Name:     reg.name,
				Critical: reg.critical,
				Healthy:  err == nil,
				Latency:  time.Since(start),
				At:       start,
			}
			if err != nil {
				pr.Error = err.Error()
			}
			results[i] = pr
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Status: StatusHealthy, At: time.Now(), Probes: results}
	for _, pr := range results {
		if pr.Healthy {
			continue
		}
		if pr.Critical {
			report.Status = StatusUnhealthy
		} else if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
		m.log.Warn("health probe failed",
			zap.String("probe", pr.Name),
			zap.Bool("critical", pr.Critical),
			zap.String("error", pr.Error))
	}

	m.mu.Lock()
	for _, pr := range results {
		if r, ok := m.history[pr.Name]; ok {
			r.push(pr)
		}
	}
	m.mu.Unlock()
	return report
}

// Stats summarizes the recorded history, one entry per probe, sorted by name.
func (m *Monitor) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Stats, 0, len(m.history))
	for name, r := range m.history {
		results := r.slice()
		s := Stats{Name: name, Runs: len(results)}
		if len(results) == 0 {
			out = append(out, s)
			continue
		}
		var okCount int
		var total time.Duration
		for _, pr := range results {
			if pr.Healthy {
				okCount++
			}
			total += pr.Latency
		}
		s.SuccessRate = float64(okCount) / float64(len(results))
		s.AvgLatency = total / time.Duration(len(results))
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
