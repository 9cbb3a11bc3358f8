package job

import (
	"processagent/internal/apperrors"
	"strconv"
	"time"
)

// Run is one execution attempt of a job on the scheduler. Timestamps are
// RFC 3339 strings as sent by the scheduler.
type Run struct {
	ID          string `json:"id" diff:"id,identifier"`
	JobID       string `json:"jobId,omitempty" diff:"jobId"`
	State       State  `json:"state" diff:"state"`
	CreatedOn   string `json:"createdOn,omitempty" diff:"createdOn"`
	QueuedOn    string `json:"queuedOn,omitempty" diff:"queuedOn"`
	StartedOn   string `json:"startedOn,omitempty" diff:"startedOn"`
	EndedOn     string `json:"endedOn,omitempty" diff:"endedOn"`
	CancelledOn string `json:"cancelledOn,omitempty" diff:"cancelledOn"`
	ExitCode    int    `json:"exitCode,omitempty" diff:"exitCode"`
	Node        string `json:"node,omitempty" diff:"node"`
}

// Duration returns how long the run has been (or was) running at now.
// A run that never started has zero duration.
func (r Run) Duration(now time.Time) time.Duration {
	start, ok := parseTime(r.StartedOn)
	if !ok {
		return 0
	}
	end := now
	if t, ok := parseTime(r.EndedOn); ok {
		end = t
	} else if t, ok := parseTime(r.CancelledOn); ok {
		end = t
	}
	if end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

func parseTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Record is the scheduler's view of a job. The agent treats a Record as an
// immutable value: updates replace it, nothing mutates it in place.
type Record struct {
	Spec      `diff:"spec"`
	ID        string `json:"id,omitempty" diff:"id"`
	State     State  `json:"state" diff:"state"`
	CreatedBy string `json:"createdBy,omitempty" diff:"createdBy"`
	CreatedOn string `json:"createdOn,omitempty" diff:"createdOn"`
	Runs      []Run  `json:"runs" diff:"runs"`
}

// NewRecord builds the record of a job the scheduler has not seen yet.
func NewRecord(spec Spec, user string) Record {
	return Record{
		Spec:      spec,
		State:     StatePending,
		CreatedBy: user,
		Runs:      []Run{},
	}
}

// LastRun returns the most recent run, if any.
func (r Record) LastRun() (Run, bool) {
	if len(r.Runs) == 0 {
		return Run{}, false
	}
	return r.Runs[len(r.Runs)-1], true
}

// Owner returns the agent id and job index stamped in the record's
// environment. Records without them cannot be correlated to a job.
func (r Record) Owner() (agentID string, index int, err error) {
	agentID, ok := r.Env(EnvAgentID)
	if !ok || agentID == "" {
		return "", 0, apperrors.Validationf("environmentVars", "job %q has no %s entry", r.ID, EnvAgentID)
	}
	raw, ok := r.Env(EnvAgentIndex)
	if !ok {
		return "", 0, apperrors.Validationf("environmentVars", "job %q has no %s entry", r.ID, EnvAgentIndex)
	}
	index, err = strconv.Atoi(raw)
	if err != nil || index < 0 {
		return "", 0, apperrors.Validationf("environmentVars", "job %q has invalid %s %q", r.ID, EnvAgentIndex, raw)
	}
	return agentID, index, nil
}
