// Package job models the lifecycle of one job owned by a process agent: its
// specification, the scheduler's record of it and the diff between records.
package job

import (
	"processagent/internal/apperrors"
	"strconv"
	"time"
)

// Job is one job's lifecycle record. Its index is assigned by the agent at
// creation and never changes; its id is assigned by the scheduler and is set
// at most once.
//
// Jobs are mutated only by the store that owns them. Values handed out to
// other goroutines are snapshots.
type Job struct {
	index     int
	id        string
	createdAt time.Time
	updatedAt time.Time
	state     State
	record    Record
	diff      Diff
}

// New creates a pending job from an augmented spec.
func New(index int, spec Spec, user string, now time.Time) *Job {
	return &Job{
		index:     index,
		createdAt: now,
		state:     StatePending,
		record:    NewRecord(spec, user),
	}
}

// FromRecord synthesizes a job the agent has no entry for, typically one
// created before an agent restart. The job starts without a record so that
// applying rec yields a full diff and a state transition.
func FromRecord(rec Record, now time.Time) (*Job, error) {
	if rec.ID == "" {
		return nil, apperrors.Validation("id", "job record has no id")
	}
	_, index, err := rec.Owner()
	if err != nil {
		return nil, err
	}
	return &Job{
		index:     index,
		createdAt: now,
		state:     StatePending,
	}, nil
}

func (j *Job) Index() int           { return j.index }
func (j *Job) ID() string           { return j.id }
func (j *Job) State() State         { return j.state }
func (j *Job) CreatedAt() time.Time { return j.createdAt }
func (j *Job) Name() string         { return j.record.Name }

// UpdatedAt returns the time of the last scheduler update; zero if none yet.
func (j *Job) UpdatedAt() time.Time { return j.updatedAt }

// Diff returns the changes computed by the last update.
func (j *Job) Diff() Diff { return j.diff }

// Record returns the current scheduler record. It must not be modified.
func (j *Job) Record() Record { return j.record }

// Spec returns the submitted spec.
func (j *Job) Spec() Spec { return j.record.Spec }

// Runs returns the run history reported by the scheduler.
func (j *Job) Runs() []Run { return j.record.Runs }

// IsAcked reports whether the scheduler is handling the job.
func (j *Job) IsAcked() bool { return j.state.IsAcked() }

// IsFinished reports whether the job reached a terminal state.
func (j *Job) IsFinished() bool { return j.state.IsTerminal() }

// Equal compares jobs by id when both have one, by index otherwise.
func (j *Job) Equal(other *Job) bool {
	if j == nil || other == nil {
		return j == other
	}
	if j.id != "" && other.id != "" {
		return j.id == other.id
	}
	return j.index == other.index
}

// Snapshot returns a copy safe to hand to another goroutine.
func (j *Job) Snapshot() *Job {
	c := *j
	return &c
}

// MarkSubmitted records that the spec has been handed to the scheduler.
func (j *Job) MarkSubmitted() {
	j.state = StateSubmitted
	j.record.State = StateSubmitted
}

// MarkKilled terminates a job the scheduler never acknowledged.
func (j *Job) MarkKilled(now time.Time) {
	j.state = StateKilled
	j.record.State = StateKilled
	j.updatedAt = now
}

// Apply replaces the job's record with rec and returns the computed diff.
// It reports whether the state changed.
func (j *Job) Apply(rec Record, now time.Time) (stateChanged bool, err error) {
	if rec.ID == "" {
		return false, apperrors.Validationf("id", "record for job %d has no id", j.index)
	}
	if j.id != "" && rec.ID != j.id {
		return false, apperrors.Conflict("job", strconv.Itoa(j.index),
			"scheduler id changed from "+j.id+" to "+rec.ID)
	}
	if _, err := ParseState(string(rec.State)); err != nil {
		return false, err
	}

	d, err := Compare(j.record, rec)
	if err != nil {
		return false, apperrors.Internal("job.compare", err)
	}

	prev := j.state
	j.id = rec.ID
	j.record = rec
	j.diff = d
	j.state = rec.State
	j.updatedAt = now
	return prev != rec.State, nil
}

// View is the JSON representation of a job used by status endpoints and reports.
type View struct {
	Index     int        `json:"index"`
	ID        string     `json:"id,omitempty"`
	Name      string     `json:"name"`
	State     State      `json:"state"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	Runs      []Run      `json:"runs,omitempty"`
}

// View returns the job's JSON representation.
func (j *Job) View() View {
	v := View{
		Index:     j.index,
		ID:        j.id,
		Name:      j.record.Name,
		State:     j.state,
		CreatedAt: j.createdAt,
		Runs:      j.record.Runs,
	}
	if !j.updatedAt.IsZero() {
		t := j.updatedAt
		v.UpdatedAt = &t
	}
	return v
}
