package circuitbreaker

import (
	"maps"
	"slices"
	"sync"
)

// Registry hands out one Breaker per remote, created on first use.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers use cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.cfg)
		r.breakers[name] = b
	}
	return b
}

// Stats counts breakers by state.
type Stats struct {
	Total    int
	Open     int
	HalfOpen int
	Closed   int
}

// Stats returns the number of breakers in each state.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	breakers := slices.Collect(maps.Values(r.breakers))
	r.mu.Unlock()

	s := Stats{Total: len(breakers)}
	for _, b := range breakers {
		switch b.State() {
		case Open:
			s.Open++
		case HalfOpen:
			s.HalfOpen++
		default:
			s.Closed++
		}
	}
	return s
}

// Names returns the sorted names of all breakers.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.breakers))
}
