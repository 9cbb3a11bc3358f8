// Package agent runs the loop that serializes job creation and scheduler
// updates for one process agent.
//
// Transport code enqueues Actions through CreateJobs, UpdateJobs and
// Terminate. A single consumer (Run) executes them in priority order while
// holding the usercode lock, so usercode callbacks never run concurrently.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"processagent/internal/action"
	"processagent/internal/apperrors"
	"processagent/internal/job"
	"processagent/internal/store"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped fails Actions still queued when the loop exits.
var ErrStopped = errors.New("agent stopped")

const (
	defaultSubmitBatch = 100
	shutdownPriority   = 0
)

// Config configures an Agent.
type Config struct {
	ID          string
	User        string
	NamePrefix  string
	AutoRerun   bool
	MaxRunning  int
	SubmitBatch int // jobs handed to the scheduler per CreateJobs call
}

func (c Config) withDefaults() Config {
	if c.SubmitBatch <= 0 {
		c.SubmitBatch = defaultSubmitBatch
	}
	return c
}

// MetricsRecorder is an optional interface for recording agent metrics.
type MetricsRecorder interface {
	RecordAction(ctx context.Context, actionType string, success bool, durationSeconds float64)
	RecordAgentState(ctx context.Context, agentID string, ready, shutdown bool)
	RecordJobCounts(ctx context.Context, agentID string, counts map[string]int64)
	RecordJobFinished(ctx context.Context, agentID, state string, durationSeconds float64)
}

// JobsOps is what the scheduler should act on next.
type JobsOps struct {
	Submit []job.Spec `json:"submit"`
	Rerun  []string   `json:"rerun"`
	Kill   []string   `json:"kill"`
}

// Empty reports whether there is nothing for the scheduler to do.
func (o JobsOps) Empty() bool {
	return len(o.Submit) == 0 && len(o.Rerun) == 0 && len(o.Kill) == 0
}

// Health is the liveness view reported to the scheduler.
type Health struct {
	IsReady    bool `json:"isReady"`
	IsShutdown bool `json:"isShutdown"`
}

// Stats is the status view of an agent.
type Stats struct {
	ID       string       `json:"id"`
	Jobs     store.Stats  `json:"jobs"`
	Counts   store.Counts `json:"counts"`
	Queue    int          `json:"queue"`
	Total    int          `json:"total"`
	Finished bool         `json:"finished"`
	Health
}

// Agent drives one Store on behalf of usercode.
type Agent struct {
	cfg     Config
	store   *store.Store
	queue   *action.Queue
	logger  *slog.Logger
	metrics MetricsRecorder

	cbMu     sync.RWMutex
	createFn CreateFunc
	updateFn UpdateFunc
	doneFn   DoneFunc

	// usercodeMu is held while usercode runs and while CreateJobs reads the
	// store. usercodeRunning mirrors it for the suppression check.
	usercodeMu      sync.Mutex
	usercodeRunning atomic.Bool

	priority atomic.Int64
	running  atomic.Bool
	ready    atomic.Bool
	finished atomic.Bool
	shutdown atomic.Bool

	// stopMu orders push against the final drain. closed is set by the drain
	// and cleared by the next Run.
	stopMu sync.Mutex
	closed bool
}

// New creates an Agent with an empty store. metrics may be nil.
func New(cfg Config, metrics MetricsRecorder) *Agent {
	cfg = cfg.withDefaults()
	return &Agent{
		cfg: cfg,
		store: store.New(store.Config{
			User:       cfg.User,
			AgentID:    cfg.ID,
			NamePrefix: cfg.NamePrefix,
			AutoRerun:  cfg.AutoRerun,
			MaxRunning: cfg.MaxRunning,
		}),
		queue:   action.NewQueue(),
		logger:  slog.With("component", "agent", "agent", cfg.ID),
		metrics: metrics,
	}
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.cfg.ID }

// Store returns the job store. Callers outside usercode must only query it.
func (a *Agent) Store() *store.Store { return a.store }

// Callable reports whether both create and update callbacks are registered.
func (a *Agent) Callable() bool {
	create, update, _ := a.callbacks()
	return create != nil && update != nil
}

// IsReady reports whether the loop is running.
func (a *Agent) IsReady() bool { return a.ready.Load() }

// IsFinished reports whether usercode reported it has no more jobs.
func (a *Agent) IsFinished() bool { return a.finished.Load() }

// IsShutdown reports whether the agent was shut down.
func (a *Agent) IsShutdown() bool { return a.shutdown.Load() }

// Health returns the readiness view. IsShutdown is only true once the loop
// has fully exited.
func (a *Agent) Health() Health {
	ready := a.ready.Load()
	return Health{
		IsReady:    ready,
		IsShutdown: a.shutdown.Load() && !ready,
	}
}

// Stats returns the agent status with every job grouped by status.
func (a *Agent) Stats() Stats {
	counts := a.store.Counts()
	return Stats{
		ID:       a.cfg.ID,
		Jobs:     a.store.Stats(),
		Counts:   counts,
		Queue:    a.queue.Len(),
		Total:    counts.Total,
		Finished: a.finished.Load(),
		Health:   a.Health(),
	}
}

// CreateJobs returns the next batch the scheduler should act on and enqueues
// a create Action so usercode gets a chance to produce more jobs. The batch
// is empty while usercode runs.
func (a *Agent) CreateJobs() (JobsOps, *action.Action) {
	ops := a.submitPendingJobs()
	return ops, a.push(action.TypeCreate, nil)
}

// UpdateJobs enqueues a scheduler update. The Action resolves with the
// []store.ChangeEvent the update produced.
func (a *Agent) UpdateJobs(records []job.Record) *action.Action {
	return a.push(action.TypeUpdate, records)
}

// Terminate enqueues a shutdown Action that runs before anything else queued.
func (a *Agent) Terminate() *action.Action {
	return a.push(action.TypeShutdown, nil)
}

func (a *Agent) submitPendingJobs() JobsOps {
	ops := JobsOps{Submit: []job.Spec{}, Rerun: []string{}, Kill: []string{}}
	if !a.usercodeMu.TryLock() {
		return ops
	}
	defer a.usercodeMu.Unlock()

	for _, j := range a.store.SubmitPending(a.cfg.SubmitBatch) {
		ops.Submit = append(ops.Submit, j.Spec())
	}
	for _, j := range a.store.SubmitReruns() {
		ops.Rerun = append(ops.Rerun, j.ID())
	}
	for _, j := range a.store.SubmitKills() {
		// Submitted jobs get their id on acknowledgment; the kill is sent then.
		if j.ID() != "" {
			ops.Kill = append(ops.Kill, j.ID())
		}
	}
	return ops
}

func (a *Agent) shouldCreate() bool {
	return !a.finished.Load() && !a.usercodeRunning.Load() && !a.store.HasPending()
}

func (a *Agent) nextPriority(typ action.Type) int64 {
	if typ == action.TypeShutdown {
		return shutdownPriority
	}
	return a.priority.Add(1)
}

func (a *Agent) push(typ action.Type, payload any) *action.Action {
	act := action.New(a.nextPriority(typ), typ, payload)
	a.stopMu.Lock()
	defer a.stopMu.Unlock()
	if a.closed {
		if typ == action.TypeUpdate {
			act.Fail(ErrStopped)
		} else {
			act.Complete(nil)
		}
		return act
	}
	if typ == action.TypeCreate && !a.shouldCreate() {
		act.Complete(nil)
		return act
	}
	a.queue.Push(act)
	a.logger.Debug("Queued action", "type", typ, "priority", act.Priority(), "queue", a.queue.Len())
	return act
}

// Run consumes Actions until the agent is shut down, usercode is exhausted
// with every job finished, a usercode callback fails, or ctx is done. The
// done callback runs once on exit whatever the cause.
func (a *Agent) Run(ctx context.Context) error {
	if !a.Callable() {
		return apperrors.NotReady("agent "+a.cfg.ID, "create and update callbacks must be registered")
	}
	if !a.running.CompareAndSwap(false, true) {
		return apperrors.Conflict("agent", a.cfg.ID, "already running")
	}

	a.stopMu.Lock()
	a.closed = false
	a.stopMu.Unlock()
	a.ready.Store(true)
	a.shutdown.Store(false)
	a.recordState(ctx)
	a.logger.Info("Agent started", "user", a.cfg.User, "autoRerun", a.cfg.AutoRerun)

	err := a.loop(ctx)
	a.exit(ctx)
	return err
}

func (a *Agent) loop(ctx context.Context) error {
	for {
		act, err := a.queue.Pop(ctx)
		if err != nil {
			a.logger.Debug("Agent loop cancelled", "error", err)
			return err
		}
		if err := a.process(ctx, act); err != nil {
			a.logger.Error("Agent loop failed", "type", act.Type(), "error", err)
			return err
		}
		if a.shutdown.Load() || a.canShutdown() {
			return nil
		}
	}
}

// canShutdown is the natural completion path. Create Actions are never
// queued once usercode is finished, so an empty queue means no update is
// left to apply.
func (a *Agent) canShutdown() bool {
	return a.finished.Load() && a.store.AllDone() && a.queue.Len() == 0
}

// process executes one Action and resolves it. The returned error is fatal
// to the loop.
func (a *Agent) process(ctx context.Context, act *action.Action) error {
	start := time.Now()
	var (
		value any
		err   error
		fatal bool
	)

	switch act.Type() {
	case action.TypeCreate:
		value, err = a.runCreate(ctx)
		fatal = err != nil
	case action.TypeUpdate:
		records, _ := act.Payload().([]job.Record)
		value, err = a.runUpdate(ctx, records)
		var ue *UsercodeError
		fatal = errors.As(err, &ue)
	case action.TypeShutdown:
		a.logger.Info("Shutdown requested", "queue", a.queue.Len())
		a.shutdown.Store(true)
	}

	if !a.store.HasMore() && !a.finished.Swap(true) {
		a.logger.Info("Usercode is finished producing jobs")
	}

	if a.metrics != nil {
		a.metrics.RecordAction(ctx, act.Type().String(), err == nil, time.Since(start).Seconds())
		a.metrics.RecordJobCounts(ctx, a.cfg.ID, countsByName(a.store.Counts()))
	}

	if err != nil {
		act.Fail(err)
		if fatal {
			return err
		}
		a.logger.Warn("Action failed", "type", act.Type(), "error", err)
		return nil
	}
	act.Complete(value)
	return nil
}

func (a *Agent) runCreate(ctx context.Context) ([]*job.Job, error) {
	a.usercodeMu.Lock()
	a.usercodeRunning.Store(true)
	defer func() {
		a.usercodeRunning.Store(false)
		a.usercodeMu.Unlock()
	}()

	if a.finished.Load() {
		return nil, nil
	}

	create, _, _ := a.callbacks()
	var specs []job.Spec
	err := safeCall(func() error {
		var err error
		specs, err = create(ctx, a.store)
		return err
	})
	switch {
	case errors.Is(err, ErrNoMoreJobs):
		specs = nil
	case err != nil:
		return nil, &UsercodeError{Callback: CallbackCreate, Err: err}
	}

	created, err := a.store.Create(specs)
	if err != nil {
		return nil, err
	}
	if len(created) > 0 {
		a.logger.Info("Jobs created", "count", len(created))
	}
	return created, nil
}

func (a *Agent) runUpdate(ctx context.Context, records []job.Record) ([]store.ChangeEvent, error) {
	a.usercodeMu.Lock()
	a.usercodeRunning.Store(true)
	defer func() {
		a.usercodeRunning.Store(false)
		a.usercodeMu.Unlock()
	}()

	events, applyErr := a.store.UpdateJobs(records)
	if applyErr != nil && len(events) == 0 {
		return nil, applyErr
	}
	a.recordFinished(ctx, events)

	// Records applied before a failure still reach usercode, since the
	// scheduler will not report them as changed again.
	_, update, _ := a.callbacks()
	if err := safeCall(func() error { return update(ctx, a.store, events) }); err != nil {
		return nil, &UsercodeError{Callback: CallbackUpdate, Err: err}
	}
	if applyErr != nil {
		return nil, applyErr
	}
	a.logger.Debug("Jobs updated", "records", len(records), "changed", len(events))
	return events, nil
}

func (a *Agent) exit(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	if _, _, done := a.callbacks(); done != nil {
		if err := safeCall(func() error { return done(ctx, a.store) }); err != nil {
			a.logger.Error("Usercode done callback failed", "error", err)
		}
	}

	a.stopMu.Lock()
	a.closed = true
	for _, act := range a.queue.Drain() {
		act.Fail(ErrStopped)
	}
	a.stopMu.Unlock()

	a.ready.Store(false)
	a.shutdown.Store(true)
	a.running.Store(false)
	a.recordState(ctx)
	a.logger.Info("Agent done", "counts", a.store.Counts())
}

func (a *Agent) recordState(ctx context.Context) {
	if a.metrics != nil {
		a.metrics.RecordAgentState(ctx, a.cfg.ID, a.ready.Load(), a.shutdown.Load())
	}
}

func (a *Agent) recordFinished(ctx context.Context, events []store.ChangeEvent) {
	if a.metrics == nil {
		return
	}
	now := time.Now()
	for _, ev := range events {
		if !ev.Diff.Touches("state") || !ev.Job.IsFinished() {
			continue
		}
		var seconds float64
		if run, ok := ev.Job.Record().LastRun(); ok {
			seconds = run.Duration(now).Seconds()
		}
		a.metrics.RecordJobFinished(ctx, a.cfg.ID, ev.Job.State().String(), seconds)
	}
}

func countsByName(c store.Counts) map[string]int64 {
	return map[string]int64{
		"pending":     int64(c.Pending),
		"submitted":   int64(c.Submitted),
		"acked":       int64(c.Acked),
		"succeeded":   int64(c.Succeeded),
		"failed":      int64(c.Failed),
		"cancelled":   int64(c.Cancelled),
		"killed":      int64(c.Killed),
		"interrupted": int64(c.Interrupted),
		"kill":        int64(c.Kill),
		"rerun":       int64(c.Rerun),
	}
}
