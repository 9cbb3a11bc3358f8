package governor

import (
	"context"
	"net/http/httptest"
	"processagent/internal/agent"
	"processagent/internal/api"
	"processagent/internal/client"
	"processagent/internal/health"
	"processagent/internal/job"
	"processagent/internal/registry"
	"processagent/internal/store"
	"processagent/pkg/backoff"
	"sync/atomic"
	"testing"
	"time"
)

// TestGovernor_DrivesAgent runs a real agent behind the HTTP API and lets the
// governor execute its jobs until the agent finishes on its own.
func TestGovernor_DrivesAgent(t *testing.T) {
	t.Parallel()

	a := agent.New(agent.Config{ID: "agent-1", User: "alice"}, nil)
	specs := []job.Spec{
		{Image: "busybox", Command: []string{"echo", "one"}},
		{Image: "busybox", Command: []string{"fail"}},
		{Image: "busybox", Command: []string{"echo", "three"}},
	}
	var creates atomic.Int32
	a.OnCreate(func(context.Context, *store.Store) ([]job.Spec, error) {
		if creates.Add(1) == 1 {
			return specs, nil
		}
		return nil, agent.ErrNoMoreJobs
	})
	var changes atomic.Int64
	a.OnUpdate(func(_ context.Context, _ *store.Store, events []store.ChangeEvent) error {
		changes.Add(int64(len(events)))
		return nil
	})

	reg := registry.New()
	if err := reg.Add(a); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	router, err := api.NewRouter(api.RouterConfig{Registry: reg, HealthChecker: health.NewChecker(reg)})
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	agentDone := make(chan error, 1)
	go func() { agentDone <- a.Run(ctx) }()

	c := client.New(client.Config{
		BaseURL: srv.URL,
		Backoff: backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond},
	})
	g := New(Config{PollInterval: 5 * time.Millisecond}, c, newFakeRuntime(), nil)
	if err := g.Run(ctx); err != nil {
		t.Fatalf("governor Run() error = %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("governor stopped on timeout")
	}

	select {
	case err := <-agentDone:
		if err != nil {
			t.Fatalf("agent Run() error = %v", err)
		}
	case <-ctx.Done():
		t.Fatal("agent did not finish")
	}

	counts := a.Store().Counts()
	if counts.Total != 3 || counts.Succeeded != 2 || counts.Failed != 1 {
		t.Errorf("counts = %+v, want 2 succeeded and 1 failed of 3", counts)
	}
	if !a.Health().IsShutdown {
		t.Error("agent should report shutdown")
	}
	if changes.Load() == 0 {
		t.Error("usercode saw no change")
	}

	for _, j := range a.Store().GetAll() {
		if j.ID() == "" {
			t.Errorf("job %d has no scheduler id", j.Index())
		}
		if _, ok := g.state.get(j.ID()); !ok {
			t.Errorf("job %s unknown to the governor", j.ID())
		}
	}
}
