package governor

import (
	"context"
	"errors"
	"fmt"
	"processagent/internal/agent"
	"processagent/internal/apperrors"
	"processagent/internal/client"
	"processagent/internal/job"
	"sync"
	"time"
)

// fakeContainer runs for runFor inspections, then exits with exitCode.
// runFor < 0 runs until stopped.
type fakeContainer struct {
	image    string
	runFor   int
	exitCode int
	inspects int
	stopped  bool
	removed  bool
}

// fakeRuntime interprets the first word of a job's command: "fail" exits 1,
// "sleep" runs until stopped, anything else exits 0 after one inspection.
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	order      []string
	staleCalls int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]*fakeContainer)}
}

func (f *fakeRuntime) Start(_ context.Context, jobID, runID string, spec job.Spec) (string, error) {
	if spec.Image == "missing" {
		return "", apperrors.Internal("docker.pullImage", errors.New("image not found"))
	}
	c := &fakeContainer{image: spec.Image, runFor: 1}
	if len(spec.Command) > 0 {
		switch spec.Command[0] {
		case "fail":
			c.exitCode = 1
		case "sleep":
			c.runFor = -1
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("c-%d", len(f.order)+1)
	f.containers[id] = c
	f.order = append(f.order, id)
	return id, nil
}

func (f *fakeRuntime) Inspect(_ context.Context, containerID string) (ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok || c.removed {
		return ContainerStatus{}, apperrors.NotFound("container", containerID)
	}
	if c.stopped {
		return ContainerStatus{Exited: true, ExitCode: 137}, nil
	}
	c.inspects++
	if c.runFor < 0 || c.inspects <= c.runFor {
		return ContainerStatus{Running: true, StartedAt: time.Now()}, nil
	}
	return ContainerStatus{Exited: true, ExitCode: c.exitCode, FinishedAt: time.Now()}, nil
}

func (f *fakeRuntime) Stop(_ context.Context, containerID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok || c.removed {
		return apperrors.NotFound("container", containerID)
	}
	c.stopped = true
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.removed = true
	}
	return nil
}

func (f *fakeRuntime) Logs(_ context.Context, containerID string, _ int) (string, error) {
	return "output of " + containerID, nil
}

func (f *fakeRuntime) RemoveStale(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleCalls++
	return 0, nil
}

func (f *fakeRuntime) Ready(context.Context) error { return nil }
func (f *fakeRuntime) Close() error                { return nil }

// vanish simulates a container removed behind the governor's back.
func (f *fakeRuntime) vanish(containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
}

func (f *fakeRuntime) container(id string) fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.containers[id]
}

func (f *fakeRuntime) started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

// fakeAgent hands out scripted ops, one entry per poll, and records pushes.
type fakeAgent struct {
	mu       sync.Mutex
	ops      []agent.JobsOps
	more     bool
	shutdown bool
	putErr   error
	pushed   []job.Record
}

func (f *fakeAgent) script(ops ...agent.JobsOps) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, ops...)
}

func (f *fakeAgent) GetJobs(context.Context) (agent.JobsOps, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ops) == 0 {
		return agent.JobsOps{}, f.more, nil
	}
	next := f.ops[0]
	f.ops = f.ops[1:]
	return next, true, nil
}

func (f *fakeAgent) PutJobs(_ context.Context, records []job.Record) (client.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return client.UpdateResult{}, f.putErr
	}
	f.pushed = append(f.pushed, records...)
	return client.UpdateResult{Status: "updated", Changed: len(records)}, nil
}

func (f *fakeAgent) Health(context.Context) (agent.Health, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return agent.Health{IsReady: !f.shutdown, IsShutdown: f.shutdown}, nil
}

// last returns the most recent pushed record of a job.
func (f *fakeAgent) last(id string) (job.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.pushed) - 1; i >= 0; i-- {
		if f.pushed[i].ID == id {
			return f.pushed[i], true
		}
	}
	return job.Record{}, false
}

// states returns the sequence of pushed states of a job.
func (f *fakeAgent) states(id string) []job.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []job.State
	for _, rec := range f.pushed {
		if rec.ID == id {
			out = append(out, rec.State)
		}
	}
	return out
}
