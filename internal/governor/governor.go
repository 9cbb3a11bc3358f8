// Package governor emulates a scheduler on the local Docker daemon. It polls a
// process agent for work, runs every job as a container and reports the job
// records back to the agent.
package governor

import (
	"context"
	"errors"
	"log/slog"
	"processagent/internal/agent"
	"processagent/internal/apperrors"
	"processagent/internal/client"
	"processagent/internal/job"
	"time"

	"github.com/google/uuid"
)

// AgentAPI is the part of the agent HTTP API the governor drives.
type AgentAPI interface {
	GetJobs(ctx context.Context) (ops agent.JobsOps, more bool, err error)
	PutJobs(ctx context.Context, records []job.Record) (client.UpdateResult, error)
	Health(ctx context.Context) (agent.Health, error)
}

// MetricsRecorder is an optional interface for recording governor metrics.
type MetricsRecorder interface {
	RecordContainerStarted(ctx context.Context, image string)
	RecordContainerFinished(ctx context.Context, image, state string)
	RecordContainersRunning(ctx context.Context, n int64)
	RecordGovernorPoll(ctx context.Context, success bool)
}

// Governor runs the jobs of one process agent as containers.
type Governor struct {
	cfg     Config
	agent   AgentAPI
	runtime Runtime
	metrics MetricsRecorder
	state   *stateRepo
	logger  *slog.Logger
	now     func() time.Time

	// agentMore is false once the last poll answered that nothing is left
	// to hand out.
	agentMore bool
}

// New creates a governor. metrics may be nil.
func New(cfg Config, api AgentAPI, rt Runtime, metrics MetricsRecorder) *Governor {
	return &Governor{
		cfg:       cfg.withDefaults(),
		agent:     api,
		runtime:   rt,
		metrics:   metrics,
		state:     newStateRepo(),
		logger:    slog.With("component", "governor"),
		now:       time.Now,
		agentMore: true,
	}
}

// Run polls the agent until it is done with every job, or until ctx is
// done. Containers still running when ctx is done are stopped.
func (g *Governor) Run(ctx context.Context) error {
	if removed, err := g.runtime.RemoveStale(ctx); err != nil {
		g.logger.Warn("Failed to remove stale containers", "error", err)
	} else if removed > 0 {
		g.logger.Info("Removed stale containers", "count", removed)
	}

	g.logger.Info("Governor started", "pollInterval", g.cfg.PollInterval, "maxParallel", g.cfg.MaxParallel)

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if g.Step(ctx) {
			g.logger.Info("Agent is done, governor exiting", "jobs", len(g.state.list()))
			return nil
		}
		select {
		case <-ctx.Done():
			g.stopAll()
			return nil
		case <-ticker.C:
		}
	}
}

// Step runs one cycle: advance containers, poll the agent, push the changed
// records. It reports whether the governor is done.
func (g *Governor) Step(ctx context.Context) bool {
	g.advance(ctx)
	pollErr := g.poll(ctx)
	g.push(ctx)
	return g.finished(ctx, pollErr)
}

func (g *Governor) poll(ctx context.Context) error {
	ops, more, err := g.agent.GetJobs(ctx)
	if g.metrics != nil {
		g.metrics.RecordGovernorPoll(ctx, err == nil)
	}
	if err != nil {
		if errors.Is(err, apperrors.ErrNotReady) {
			g.logger.Debug("Agent not ready", "error", err)
		} else {
			g.logger.Warn("Failed to poll agent", "error", err)
		}
		return err
	}
	g.agentMore = more

	for _, id := range ops.Kill {
		g.kill(id)
	}
	for _, id := range ops.Rerun {
		g.rerun(ctx, id)
	}
	for _, spec := range ops.Submit {
		g.accept(spec)
	}
	return nil
}

func (g *Governor) accept(spec job.Spec) {
	now := g.now()
	id := uuid.NewString()
	js := &jobState{
		record: job.Record{
			Spec:      spec,
			ID:        id,
			CreatedBy: g.cfg.User,
			CreatedOn: now.UTC().Format(time.RFC3339Nano),
			Runs:      []job.Run{g.newRun(id, now)},
		},
	}
	js.setState(job.StateQueuing, now)
	if err := g.state.add(js); err != nil {
		g.logger.Error("Failed to accept job", "jobId", id, "error", err)
		return
	}
	g.logger.Debug("Job accepted", "jobId", id, "name", spec.Name, "image", spec.Image)
}

func (g *Governor) newRun(jobID string, now time.Time) job.Run {
	return job.Run{
		ID:        uuid.NewString(),
		JobID:     jobID,
		State:     job.StateQueuing,
		CreatedOn: now.UTC().Format(time.RFC3339Nano),
	}
}

func (g *Governor) kill(id string) {
	js, ok := g.state.get(id)
	if !ok {
		g.logger.Warn("Kill requested for unknown job", "jobId", id)
		return
	}
	switch st := js.record.State; {
	case st.IsTerminal(), st == job.StateCancelling:
		return
	case js.containerID == "":
		js.setState(job.StateCancelled, g.now())
	default:
		js.reason = "killed by agent"
		js.setState(job.StateCancelling, g.now())
	}
	g.logger.Info("Job kill requested", "jobId", id, "state", js.record.State)
}

func (g *Governor) rerun(ctx context.Context, id string) {
	js, ok := g.state.get(id)
	if !ok {
		g.logger.Warn("Rerun requested for unknown job", "jobId", id)
		return
	}
	if st := js.record.State; !st.IsTerminal() && st != job.StateInterrupted {
		g.logger.Warn("Rerun requested for a job still in flight", "jobId", id, "state", st)
		return
	}

	g.release(ctx, js)
	js.logTail = ""
	js.reason = ""
	js.startedAt = time.Time{}
	js.record.Runs = append(js.record.Runs, g.newRun(id, g.now()))
	js.setState(job.StateQueuing, g.now())
	g.logger.Info("Job rerun", "jobId", id, "runs", len(js.record.Runs))
}

// advance moves every job one step along its container lifecycle.
func (g *Governor) advance(ctx context.Context) {
	// Stop what must stop first so freed slots are reused in the same cycle
	for _, js := range g.state.inState(job.StateCancelling) {
		g.cancel(ctx, js)
	}
	for _, js := range g.state.inState(job.StateQueued, job.StateRunning) {
		g.check(ctx, js)
	}

	running := len(g.state.inState(job.StateQueued, job.StateRunning, job.StateCancelling))
	for _, js := range g.state.inState(job.StateQueuing) {
		if running >= g.cfg.MaxParallel {
			break
		}
		if g.start(ctx, js) {
			running++
		}
	}

	if g.metrics != nil {
		g.metrics.RecordContainersRunning(ctx, int64(running))
	}
}

func (g *Governor) start(ctx context.Context, js *jobState) bool {
	logger := g.logger.With("jobId", js.record.ID, "image", js.record.Image)
	run := js.run()

	containerID, err := g.runtime.Start(ctx, js.record.ID, run.ID, js.record.Spec)
	if err != nil {
		logger.Error("Failed to start container", "error", err)
		run.ExitCode = -1
		js.logTail = err.Error()
		js.setState(job.StateFailed, g.now())
		g.recordFinished(ctx, js)
		return false
	}

	js.containerID = containerID
	js.startedAt = g.now()
	js.setState(job.StateQueued, js.startedAt)
	if g.metrics != nil {
		g.metrics.RecordContainerStarted(ctx, js.record.Image)
	}
	logger.Info("Container started", "containerId", containerID, "run", run.ID)
	return true
}

func (g *Governor) check(ctx context.Context, js *jobState) {
	logger := g.logger.With("jobId", js.record.ID)

	status, err := g.runtime.Inspect(ctx, js.containerID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			logger.Warn("Container disappeared, job interrupted", "containerId", js.containerID)
			js.containerID = ""
			js.setState(job.StateInterrupted, g.now())
			g.recordFinished(ctx, js)
			return
		}
		logger.Warn("Failed to inspect container", "error", err)
		return
	}

	if js.record.State == job.StateQueued && (status.Running || status.Exited) {
		js.setState(job.StateRunning, g.now())
	}
	if status.Exited {
		g.finish(ctx, js, status)
		return
	}

	if limit := js.record.MaxRunTimeSecs; limit > 0 && g.now().Sub(js.startedAt) > time.Duration(limit)*time.Second {
		logger.Info("Job exceeded its maximum run time", "maxRunTimeSecs", limit)
		js.reason = "max run time exceeded"
		js.setState(job.StateCancelling, g.now())
	}
}

func (g *Governor) finish(ctx context.Context, js *jobState, status ContainerStatus) {
	state := job.StateSucceeded
	if status.ExitCode != 0 {
		state = job.StateFailed
	}
	js.run().ExitCode = status.ExitCode
	js.logTail = g.logs(ctx, js)
	js.setState(state, g.now())

	logger := g.logger.With("jobId", js.record.ID, "state", state, "exitCode", status.ExitCode)
	if state == job.StateFailed {
		logger.Warn("Job failed", "error", status.Error, "logs", js.logTail)
	} else {
		logger.Info("Job succeeded")
	}

	g.recordFinished(ctx, js)
	g.release(ctx, js)
}

func (g *Governor) cancel(ctx context.Context, js *jobState) {
	logger := g.logger.With("jobId", js.record.ID, "reason", js.reason)

	if js.containerID != "" {
		err := g.runtime.Stop(ctx, js.containerID, g.cfg.StopTimeout)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			logger.Warn("Failed to stop container, retrying next cycle", "error", err)
			return
		}
		js.logTail = g.logs(ctx, js)
		g.release(ctx, js)
	}

	js.setState(job.StateCancelled, g.now())
	g.recordFinished(ctx, js)
	logger.Info("Job cancelled")
}

func (g *Governor) logs(ctx context.Context, js *jobState) string {
	if js.containerID == "" {
		return ""
	}
	out, err := g.runtime.Logs(ctx, js.containerID, g.cfg.LogTailLines)
	if err != nil {
		g.logger.Debug("Failed to read container logs", "jobId", js.record.ID, "error", err)
	}
	return out
}

// release removes the job's container unless containers are kept.
func (g *Governor) release(ctx context.Context, js *jobState) {
	if js.containerID == "" {
		return
	}
	if !g.cfg.KeepContainers {
		if err := g.runtime.Remove(ctx, js.containerID); err != nil {
			g.logger.Warn("Failed to remove container", "jobId", js.record.ID, "containerId", js.containerID, "error", err)
		}
	}
	js.containerID = ""
}

func (g *Governor) recordFinished(ctx context.Context, js *jobState) {
	if g.metrics != nil {
		g.metrics.RecordContainerFinished(ctx, js.record.Image, js.record.State.String())
	}
}

func (g *Governor) push(ctx context.Context) {
	records := g.state.dirtyRecords()
	if len(records) == 0 {
		return
	}

	res, err := g.agent.PutJobs(ctx, records)
	switch {
	case err == nil:
		g.state.markClean(records)
		g.logger.Debug("Pushed job records", "count", len(records), "status", res.Status, "changed", res.Changed)
	case errors.Is(err, apperrors.ErrValidation):
		// Resending the same records would be rejected again
		g.state.markClean(records)
		g.logger.Error("Agent rejected job records", "count", len(records), "error", err)
	default:
		g.logger.Warn("Failed to push job records, retrying next cycle", "count", len(records), "error", err)
	}
}

// finished reports whether the governor can exit: nothing is running and
// either the agent has nothing left to hand out or it was shut down.
func (g *Governor) finished(ctx context.Context, pollErr error) bool {
	if len(g.state.inState(job.StateQueued, job.StateRunning, job.StateCancelling)) > 0 {
		return false
	}
	if g.state.countActive() == 0 && !g.agentMore {
		// An unreachable agent that had nothing left will not take the last records
		return pollErr != nil || !g.state.hasDirty()
	}
	h, err := g.agent.Health(ctx)
	return err == nil && h.IsShutdown
}

// stopAll stops the containers of jobs still in flight.
func (g *Governor) stopAll() {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.StopTimeout+5*time.Second)
	defer cancel()

	for _, js := range g.state.inState(job.StateQueued, job.StateRunning, job.StateCancelling) {
		if js.containerID == "" {
			continue
		}
		if err := g.runtime.Stop(ctx, js.containerID, g.cfg.StopTimeout); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			g.logger.Warn("Failed to stop container", "jobId", js.record.ID, "error", err)
		}
		g.release(ctx, js)
	}
}
