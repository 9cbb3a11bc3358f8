// Package health answers liveness and readiness probes for the agent process.
package health

import (
	"context"
	"sync"
	"time"
)

// ReadinessChecker reports whether a dependency can serve traffic.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// Checker aggregates named readiness checks. The "agents" check is always
// present; optional checks (the docker daemon of an in-process governor,
// for example) degrade readiness without failing it.
type Checker struct {
	agents   ReadinessChecker
	optional map[string]ReadinessChecker
	timeout  time.Duration
	cacheTTL time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a checker for the agents served by this process.
func NewChecker(agents ReadinessChecker) *Checker {
	return &Checker{
		agents:   agents,
		optional: make(map[string]ReadinessChecker),
		timeout:  5 * time.Second,
		cacheTTL: time.Second,
	}
}

// AddOptional registers a check that only degrades readiness when failing.
// It must be called before the checker serves probes.
func (c *Checker) AddOptional(name string, check ReadinessChecker) {
	c.optional[name] = check
}

// Liveness is healthy as long as the process serves requests.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness reports whether every agent loop runs. Results are cached for
// a second so aggressive probes do not hammer optional dependencies.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "process is shutting down"},
			},
		}
	}
	if c.cachedReady != nil && time.Since(c.lastCheck) < c.cacheTTL {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	checks := map[string]CheckResult{"agents": c.check(ctx, c.agents, "no agents configured")}
	status := StatusHealthy
	if checks["agents"].Status != StatusHealthy {
		status = StatusUnhealthy
	}
	for name, check := range c.optional {
		result := c.check(ctx, check, name+" not configured")
		checks[name] = result
		if result.Status != StatusHealthy && status == StatusHealthy {
			status = StatusDegraded
		}
	}

	response := &Response{Status: status, Checks: checks}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) check(ctx context.Context, rc ReadinessChecker, missing string) CheckResult {
	if rc == nil {
		return CheckResult{Status: StatusUnhealthy, Message: missing}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := rc.Ready(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// SetShuttingDown makes readiness fail immediately so load balancers stop
// routing to the process while it drains.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}
