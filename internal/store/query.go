package store

import (
	"processagent/internal/job"
)

// Counts summarizes the store by bucket and by the states usercode cares about.
// Interrupted only counts interrupted jobs that will not be rerun.
type Counts struct {
	Pending     int `json:"pending"`
	Submitted   int `json:"submitted"`
	Acked       int `json:"acked"`
	Finished    int `json:"finished"`
	Succeeded   int `json:"succeeded"`
	Failed      int `json:"failed"`
	Cancelled   int `json:"cancelled"`
	Killed      int `json:"killed"`
	Interrupted int `json:"interrupted"`
	Kill        int `json:"kill"`
	Rerun       int `json:"rerun"`
	Total       int `json:"total"`
}

// Stats lists the jobs of the store grouped the way status pages show them.
type Stats struct {
	Pending     []job.View `json:"pending"`
	Submitted   []job.View `json:"submitted"`
	Acked       []job.View `json:"acked"`
	Succeeded   []job.View `json:"succeeded"`
	Failed      []job.View `json:"failed"`
	Cancelled   []job.View `json:"cancelled"`
	Killed      []job.View `json:"killed"`
	Interrupted []job.View `json:"interrupted"`
}

// GetPending returns the jobs not yet handed to the scheduler.
func (s *Store) GetPending() []*job.Job {
	return s.filter(s.pending, func(j *job.Job) bool { return j.State() == job.StatePending })
}

// GetSubmitted returns the jobs handed to the scheduler but not yet acknowledged.
func (s *Store) GetSubmitted() []*job.Job {
	return s.filter(s.pending, func(j *job.Job) bool { return j.State() == job.StateSubmitted })
}

func (s *Store) GetAcked() []*job.Job {
	return s.filter(s.acked, nil)
}

func (s *Store) GetFinished() []*job.Job {
	return s.filter(s.finished, nil)
}

// GetFailed returns the finished jobs whose last state is FAILED.
func (s *Store) GetFailed() []*job.Job {
	return s.filter(s.finished, func(j *job.Job) bool { return j.State() == job.StateFailed })
}

func (s *Store) GetKill() []*job.Job {
	return s.filter(s.kill, nil)
}

func (s *Store) GetRerun() []*job.Job {
	return s.filter(s.rerun, nil)
}

// GetByState returns every job currently in state.
func (s *Store) GetByState(state job.State) []*job.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*job.Job
	for _, idx := range sortedIndexes(s.allLocked()) {
		if j := s.jobs[idx]; j.State() == state {
			out = append(out, j.Snapshot())
		}
	}
	return out
}

// GetAll returns every job ordered by index.
func (s *Store) GetAll() []*job.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(s.allLocked(), nil)
}

// GetByIndex returns the job with the given index.
func (s *Store) GetByIndex(index int) (*job.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[index]
	if !ok || s.bucketOfLocked(index) == nil {
		return nil, false
	}
	return j.Snapshot(), true
}

// GetByID returns the job the scheduler knows as id.
func (s *Store) GetByID(id string) (*job.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return s.jobs[idx].Snapshot(), true
}

// HasPending reports whether any job still waits for acknowledgment, submitted or not.
func (s *Store) HasPending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending) > 0
}

// HasMore reports whether usercode may still create jobs.
func (s *Store) HasMore() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasMore
}

// AllDone reports whether usercode is exhausted, every job finished and no
// kill or rerun is outstanding.
func (s *Store) AllDone() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.hasMore &&
		len(s.finished) == len(s.pending)+len(s.acked)+len(s.finished) &&
		len(s.kill) == 0 &&
		len(s.rerun) == 0
}

// Counts returns the size of every bucket.
func (s *Store) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := Counts{
		Acked:    len(s.acked),
		Finished: len(s.finished),
		Kill:     len(s.kill),
		Rerun:    len(s.rerun),
		Total:    len(s.pending) + len(s.acked) + len(s.finished),
	}
	for idx := range s.pending {
		if s.jobs[idx].State() == job.StateSubmitted {
			c.Submitted++
		} else {
			c.Pending++
		}
	}
	for idx := range s.finished {
		switch s.jobs[idx].State() {
		case job.StateSucceeded:
			c.Succeeded++
		case job.StateFailed:
			c.Failed++
		case job.StateCancelled:
			c.Cancelled++
		case job.StateKilled:
			c.Killed++
		case job.StateInterrupted:
			c.Interrupted++
		}
	}
	return c
}

// Stats returns the views of every job grouped by status.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Pending:     []job.View{},
		Submitted:   []job.View{},
		Acked:       []job.View{},
		Succeeded:   []job.View{},
		Failed:      []job.View{},
		Cancelled:   []job.View{},
		Killed:      []job.View{},
		Interrupted: []job.View{},
	}
	for _, idx := range sortedIndexes(s.allLocked()) {
		j := s.jobs[idx]
		v := j.View()
		switch {
		case has(s.acked, idx):
			st.Acked = append(st.Acked, v)
		case j.State() == job.StatePending:
			st.Pending = append(st.Pending, v)
		case j.State() == job.StateSubmitted:
			st.Submitted = append(st.Submitted, v)
		case j.State() == job.StateSucceeded:
			st.Succeeded = append(st.Succeeded, v)
		case j.State() == job.StateFailed:
			st.Failed = append(st.Failed, v)
		case j.State() == job.StateCancelled:
			st.Cancelled = append(st.Cancelled, v)
		case j.State() == job.StateKilled:
			st.Killed = append(st.Killed, v)
		case j.State() == job.StateInterrupted:
			st.Interrupted = append(st.Interrupted, v)
		}
	}
	return st
}

func (s *Store) filter(set map[int]struct{}, keep func(*job.Job) bool) []*job.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(set, keep)
}

func (s *Store) snapshotLocked(set map[int]struct{}, keep func(*job.Job) bool) []*job.Job {
	out := make([]*job.Job, 0, len(set))
	for _, idx := range sortedIndexes(set) {
		j := s.jobs[idx]
		if keep == nil || keep(j) {
			out = append(out, j.Snapshot())
		}
	}
	return out
}

func (s *Store) allLocked() map[int]struct{} {
	all := make(map[int]struct{}, len(s.pending)+len(s.acked)+len(s.finished))
	for _, b := range []map[int]struct{}{s.pending, s.acked, s.finished} {
		for idx := range b {
			all[idx] = struct{}{}
		}
	}
	return all
}
