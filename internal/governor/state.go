package governor

import (
	"processagent/internal/apperrors"
	"processagent/internal/job"
	"slices"
	"sync"
	"time"
)

// jobState holds the governor's view of one job.
type jobState struct {
	record      job.Record
	containerID string
	startedAt   time.Time
	reason      string // why a CANCELLING job is being stopped
	logTail     string
	dirty       bool // changed since the last push to the agent
}

func (js *jobState) run() *job.Run {
	if len(js.record.Runs) == 0 {
		return nil
	}
	return &js.record.Runs[len(js.record.Runs)-1]
}

// setState moves the job and its current run to state, stamping the matching
// run timestamp.
func (js *jobState) setState(state job.State, now time.Time) {
	ts := now.UTC().Format(time.RFC3339Nano)
	js.record.State = state
	js.dirty = true

	run := js.run()
	if run == nil {
		return
	}
	run.State = state
	switch state {
	case job.StateQueued:
		run.QueuedOn = ts
	case job.StateRunning:
		run.StartedOn = ts
	case job.StateCancelled:
		run.CancelledOn = ts
	case job.StateSucceeded, job.StateFailed, job.StateInterrupted:
		run.EndedOn = ts
	}
}

// stateRepo manages job state with thread-safe access. Jobs are kept in
// acceptance order.
type stateRepo struct {
	mu    sync.RWMutex
	jobs  map[string]*jobState
	order []string
}

func newStateRepo() *stateRepo {
	return &stateRepo{
		jobs: make(map[string]*jobState),
	}
}

// add registers a new job. Returns error if the id already exists.
func (r *stateRepo) add(js *jobState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := js.record.ID
	if _, exists := r.jobs[id]; exists {
		return apperrors.Conflict("job", id, "job already exists")
	}
	r.jobs[id] = js
	r.order = append(r.order, id)
	return nil
}

// get retrieves a job's state.
func (r *stateRepo) get(id string) (*jobState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	js, exists := r.jobs[id]
	return js, exists
}

// list returns every job in acceptance order.
func (r *stateRepo) list() []*jobState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*jobState, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.jobs[id])
	}
	return out
}

// inState returns the jobs whose record is in one of states.
func (r *stateRepo) inState(states ...job.State) []*jobState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*jobState
	for _, id := range r.order {
		if js := r.jobs[id]; slices.Contains(states, js.record.State) {
			out = append(out, js)
		}
	}
	return out
}

// countActive counts jobs that have not reached a final state. Interrupted
// jobs count: the agent is expected to rerun them.
func (r *stateRepo) countActive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, js := range r.jobs {
		if !js.record.State.IsTerminal() {
			n++
		}
	}
	return n
}

func (r *stateRepo) hasDirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, js := range r.jobs {
		if js.dirty {
			return true
		}
	}
	return false
}

// dirtyRecords returns copies of the records of dirty jobs.
func (r *stateRepo) dirtyRecords() []job.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []job.Record
	for _, id := range r.order {
		js := r.jobs[id]
		if !js.dirty {
			continue
		}
		rec := js.record
		rec.Spec = rec.Spec.Clone()
		rec.Runs = slices.Clone(rec.Runs)
		out = append(out, rec)
	}
	return out
}

// markClean clears the dirty flag of the given jobs.
func (r *stateRepo) markClean(records []job.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range records {
		if js, ok := r.jobs[rec.ID]; ok {
			js.dirty = false
		}
	}
}
