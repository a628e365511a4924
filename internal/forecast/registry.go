package forecast

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry holds named forecast backends with priorities and a configured
// default. Reads are frequent (every evaluation); writes happen only at
// wiring time, so a plain RWMutex map suffices.
type Registry struct {
	mu        sync.RWMutex
	backends  map[string]*Registration
	defaultID string
	log       *zap.Logger
}

// Registration pairs a backend with its selection metadata.
type Registration struct {
	Backend  Backend
	Priority int
	Default  bool

	// healthy caches the result of the last CheckHealth sweep. A backend is
	// assumed healthy until a sweep says otherwise.
	healthy   bool
	checkedAt time.Time
}

// Healthy reports the cached health verdict.
func (r *Registration) Healthy() bool { return r.healthy }

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{backends: make(map[string]*Registration), log: log}
}

// Register adds a backend. At most one backend may be the default; a second
// default registration replaces the first.
func (r *Registry) Register(backend Backend, priority int, isDefault bool) error {
	id := backend.ID()
	if id == "" {
		return fmt.Errorf("forecast registry: backend id is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[id]; exists {
		return fmt.Errorf("forecast registry: backend %q already registered", id)
	}
	r.backends[id] = &Registration{Backend: backend, Priority: priority, Default: isDefault, healthy: true}
	if isDefault {
		if r.defaultID != "" && r.defaultID != id {
			r.backends[r.defaultID].Default = false
		}
		r.defaultID = id
	}
	return nil
}

// Get returns a backend by id.
func (r *Registry) Get(id string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.backends[id]
	if !ok {
		return nil, fmt.Errorf("forecast registry: unknown backend %q", id)
	}
	return reg.Backend, nil
}

// SetDefault reassigns the default backend.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.backends[id]
	if !ok {
		return fmt.Errorf("forecast registry: unknown backend %q", id)
	}
	if r.defaultID != "" {
		r.backends[r.defaultID].Default = false
	}
	reg.Default = true
	r.defaultID = id
	return nil
}

// GetDefault selects the configured default if healthy, else the
// highest-priority healthy backend, else the built-in noop fallback.
func (r *Registry) GetDefault() Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.defaultID != "" {
		if reg := r.backends[r.defaultID]; reg != nil && reg.healthy {
			return reg.Backend
		}
	}
	var best *Registration
	for _, reg := range r.backends {
		if !reg.healthy {
			continue
		}
		if best == nil || reg.Priority > best.Priority {
			best = reg
		}
	}
	if best != nil {
		return best.Backend
	}
	r.log.Warn("no healthy forecast backend registered, falling back to noop")
	return Noop{}
}

// ListHealthy returns the ids of backends whose cached health is good,
// sorted by descending priority.
func (r *Registry) ListHealthy() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type entry struct {
		id       string
		priority int
	}
	entries := make([]entry, 0, len(r.backends))
	for id, reg := range r.backends {
		if reg.healthy {
			entries = append(entries, entry{id, reg.Priority})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority > entries[j].priority
		}
		return entries[i].id < entries[j].id
	})
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	return out
}

// CheckHealth sweeps every backend's health probe and caches the verdicts.
// Selection between sweeps uses the cache only.
func (r *Registry) CheckHealth(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.mu.RLock()
		reg := r.backends[id]
		r.mu.RUnlock()
		if reg == nil {
			continue
		}
		err := reg.Backend.HealthCheck(ctx)

		r.mu.Lock()
		reg.healthy = err == nil
		reg.checkedAt = time.Now()
		r.mu.Unlock()
		if err != nil {
			r.log.Warn("forecast backend unhealthy", zap.String("backend", id), zap.Error(err))
		}
	}
}
