// Package registry keeps the agents served by one process so transport
// handlers can route requests and aggregate health across them.
package registry

import (
	"context"
	"fmt"
	"processagent/internal/action"
	"processagent/internal/agent"
	"processagent/internal/apperrors"
	"strings"
	"sync"
)

// Registry is an explicit set of agents, owned by the transport layer.
// Agents know nothing about it.
type Registry struct {
	mu     sync.RWMutex
	agents []*agent.Agent
	byID   map[string]*agent.Agent
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{byID: make(map[string]*agent.Agent)}
}

// Add registers a. Agent ids must be unique.
func (r *Registry) Add(a *agent.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[a.ID()]; ok {
		return apperrors.Conflict("agent", a.ID(), "already registered")
	}
	r.agents = append(r.agents, a)
	r.byID[a.ID()] = a
	return nil
}

// All returns the registered agents in registration order.
func (r *Registry) All() []*agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*agent.Agent, len(r.agents))
	copy(out, r.agents)
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Lookup returns the agent with the given id.
func (r *Registry) Lookup(id string) (*agent.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	return a, ok
}

// Single returns the only registered agent, if there is exactly one.
func (r *Registry) Single() (*agent.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.agents) != 1 {
		return nil, false
	}
	return r.agents[0], true
}

// AllReady reports whether there is at least one agent and every agent's
// loop is running.
func (r *Registry) AllReady() bool {
	agents := r.All()
	if len(agents) == 0 {
		return false
	}
	for _, a := range agents {
		if !a.IsReady() {
			return false
		}
	}
	return true
}

// AllShutdown reports whether every agent's loop has exited.
func (r *Registry) AllShutdown() bool {
	agents := r.All()
	if len(agents) == 0 {
		return false
	}
	for _, a := range agents {
		if !a.Health().IsShutdown {
			return false
		}
	}
	return true
}

// Health aggregates the health of every agent.
func (r *Registry) Health() agent.Health {
	return agent.Health{
		IsReady:    r.AllReady(),
		IsShutdown: r.AllShutdown(),
	}
}

// Ready implements health.ReadinessChecker.
func (r *Registry) Ready(ctx context.Context) error {
	agents := r.All()
	if len(agents) == 0 {
		return apperrors.NotReady("registry", "no agent registered")
	}
	var waiting []string
	for _, a := range agents {
		if !a.IsReady() || a.IsShutdown() {
			waiting = append(waiting, a.ID())
		}
	}
	if len(waiting) > 0 {
		return apperrors.NotReady("registry", fmt.Sprintf("agents not ready: %s", strings.Join(waiting, ", ")))
	}
	return ctx.Err()
}

// TerminateAll asks every agent to shut down.
func (r *Registry) TerminateAll() []*action.Action {
	agents := r.All()
	acts := make([]*action.Action, 0, len(agents))
	for _, a := range agents {
		acts = append(acts, a.Terminate())
	}
	return acts
}
