// Package store owns the jobs of one agent and their lifecycle buckets.
//
// Every job is in exactly one of the pending, acked or finished buckets.
// Kill and rerun requests are index sets layered over the buckets and are
// cleared only once a scheduler update confirms them.
package store

import (
	"log/slog"
	"maps"
	"processagent/internal/apperrors"
	"processagent/internal/job"
	"slices"
	"strconv"
	"sync"
	"time"
)

// Config identifies the owner of the store and tunes submission.
type Config struct {
	User       string
	AgentID    string
	NamePrefix string
	AutoRerun  bool
	MaxRunning int // cap on submitted+acked jobs, <=0 for no cap
}

// ChangeEvent is one job changed by a scheduler update, with the diff that
// update produced.
type ChangeEvent struct {
	Job  *job.Job
	Diff job.Diff
}

// Store holds the jobs of one agent. Mutations are expected from a single
// goroutine (the agent loop); queries are safe from any goroutine and return
// snapshots.
type Store struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	nextIndex int
	hasMore   bool
	jobs      map[int]*job.Job
	byID      map[string]int
	pending   map[int]struct{}
	acked     map[int]struct{}
	finished  map[int]struct{}
	kill      map[int]struct{}
	rerun     map[int]struct{}
}

// New creates an empty store that expects more jobs.
func New(cfg Config) *Store {
	return &Store{
		cfg:      cfg,
		logger:   slog.With("component", "store", "agent", cfg.AgentID),
		now:      time.Now,
		hasMore:  true,
		jobs:     make(map[int]*job.Job),
		byID:     make(map[string]int),
		pending:  make(map[int]struct{}),
		acked:    make(map[int]struct{}),
		finished: make(map[int]struct{}),
		kill:     make(map[int]struct{}),
		rerun:    make(map[int]struct{}),
	}
}

// Config returns the store configuration.
func (s *Store) Config() Config {
	return s.cfg
}

// Create adds one pending job per spec. A nil specs slice marks the store as
// exhausted: no more jobs will ever be created. Calling it again is harmless.
// All specs are validated before any job is added.
func (s *Store) Create(specs []job.Spec) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if specs == nil {
		if s.hasMore {
			s.logger.Info("Usercode has no more jobs")
		}
		s.hasMore = false
		return nil, nil
	}

	opts := job.Options{AgentID: s.cfg.AgentID, User: s.cfg.User, NamePrefix: s.cfg.NamePrefix}
	augmented := make([]job.Spec, len(specs))
	for i, spec := range specs {
		a, err := job.Augment(s.nextIndex+i, spec, opts)
		if err != nil {
			return nil, err
		}
		augmented[i] = a
	}

	now := s.now()
	created := make([]*job.Job, 0, len(augmented))
	for _, spec := range augmented {
		j := job.New(s.nextIndex, spec, s.cfg.User, now)
		s.nextIndex++
		s.jobs[j.Index()] = j
		s.pending[j.Index()] = struct{}{}
		created = append(created, j.Snapshot())
	}
	if len(created) > 0 {
		s.logger.Debug("Jobs created", "count", len(created), "nextIndex", s.nextIndex)
	}
	return created, nil
}

// SubmitPending moves up to count PENDING jobs to SUBMITTED in creation order
// and returns them. A count <= 0 submits every pending job. MaxRunning caps
// how many jobs may be submitted or acked at once. Submitted jobs stay in the
// pending bucket until the scheduler acknowledges them.
func (s *Store) SubmitPending(count int) []*job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := len(s.pending)
	if count > 0 {
		limit = min(limit, count)
	}
	if s.cfg.MaxRunning > 0 {
		inFlight := len(s.acked) + s.countLocked(s.pending, job.StateSubmitted)
		limit = min(limit, max(s.cfg.MaxRunning-inFlight, 0))
	}

	var out []*job.Job
	for _, idx := range sortedIndexes(s.pending) {
		if len(out) >= limit {
			break
		}
		j := s.jobs[idx]
		if j.State() != job.StatePending {
			continue
		}
		j.MarkSubmitted()
		out = append(out, j.Snapshot())
	}
	return out
}

// KillJob requests that the job with the given index be killed. A job that
// was never handed to the scheduler is killed on the spot and a finished job
// is left alone. Any other job is added to the kill set.
func (s *Store) KillJob(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[index]
	if !ok {
		return apperrors.NotFound("job", strconv.Itoa(index))
	}
	switch {
	case has(s.finished, index):
		return nil
	case j.State() == job.StatePending:
		j.MarkKilled(s.now())
		s.moveLocked(index, s.finished)
		delete(s.kill, index)
		s.logger.Info("Killed job before submission", "jobIndex", index)
	default:
		s.kill[index] = struct{}{}
	}
	return nil
}

// RerunJob requests that a finished or interrupted job be run again by the
// scheduler. Jobs still in flight, and jobs the scheduler never saw, are
// left alone.
func (s *Store) RerunJob(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[index]
	if !ok {
		return apperrors.NotFound("job", strconv.Itoa(index))
	}
	if j.ID() == "" || (!j.IsFinished() && j.State() != job.StateInterrupted) {
		s.logger.Debug("Ignoring rerun request", "jobIndex", index, "state", j.State())
		return nil
	}
	s.rerun[index] = struct{}{}
	return nil
}

// SubmitKills returns the jobs waiting to be killed by the scheduler.
func (s *Store) SubmitKills() []*job.Job {
	return s.GetKill()
}

// SubmitReruns returns the jobs waiting to be rerun by the scheduler.
func (s *Store) SubmitReruns() []*job.Job {
	return s.GetRerun()
}

// UpdateJobs applies scheduler records and returns one ChangeEvent per job
// whose record changed, in input order. Records are correlated first by
// scheduler id, then by the agent index in their environment; unknown indexes
// are synthesized. The batch is validated up front: if any record cannot be
// correlated, a record claims an index already claimed under another id, or a
// record from another agent names the index of a local job, nothing is
// applied. Should applying still fail, the events of the records applied so
// far are returned with the error.
func (s *Store) UpdateJobs(records []job.Record) ([]ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	targets := make([]*job.Job, len(records))
	synthesized := make(map[int]*job.Job)
	batch := newClaims()
	for i, rec := range records {
		j, err := s.resolveLocked(rec, synthesized, now)
		if err != nil {
			return nil, err
		}
		if err := batch.claim(j.Index(), rec.ID); err != nil {
			return nil, err
		}
		targets[i] = j
	}

	var events []ChangeEvent
	for i, rec := range records {
		j := targets[i]
		stateChanged, err := j.Apply(rec, now)
		if err != nil {
			return events, err
		}
		if _, known := s.jobs[j.Index()]; !known {
			s.jobs[j.Index()] = j
			s.nextIndex = max(s.nextIndex, j.Index()+1)
			s.logger.Info("Recovered job from scheduler record", "jobIndex", j.Index(), "jobId", rec.ID)
		}
		s.byID[j.ID()] = j.Index()
		if stateChanged || s.bucketOfLocked(j.Index()) == nil {
			s.transitionLocked(j)
		}
		if has(s.kill, j.Index()) && j.IsFinished() != j.IsAcked() {
			delete(s.kill, j.Index())
		}
		if !j.Diff().Empty() {
			events = append(events, ChangeEvent{Job: j.Snapshot(), Diff: j.Diff()})
		}
	}
	return events, nil
}

// resolveLocked finds the job a record belongs to and checks that the record
// can be applied to it.
func (s *Store) resolveLocked(rec job.Record, synthesized map[int]*job.Job, now time.Time) (*job.Job, error) {
	if rec.ID == "" {
		return nil, apperrors.Validation("id", "job record has no id")
	}
	if _, err := job.ParseState(string(rec.State)); err != nil {
		return nil, err
	}
	if idx, ok := s.byID[rec.ID]; ok {
		return s.jobs[idx], nil
	}

	agentID, idx, err := rec.Owner()
	if err != nil {
		return nil, err
	}
	if j, ok := s.jobs[idx]; ok {
		if agentID != s.cfg.AgentID {
			return nil, apperrors.Conflict("job", strconv.Itoa(idx),
				"index belongs to agent "+s.cfg.AgentID+", record "+rec.ID+" is owned by "+agentID)
		}
		if j.ID() != "" && j.ID() != rec.ID {
			return nil, apperrors.Conflict("job", strconv.Itoa(idx),
				"already acknowledged as "+j.ID()+", got "+rec.ID)
		}
		return j, nil
	}
	if agentID != s.cfg.AgentID {
		s.logger.Warn("Record belongs to another agent", "jobId", rec.ID, "owner", agentID)
	}
	if j, ok := synthesized[idx]; ok {
		return j, nil
	}
	j, err := job.FromRecord(rec, now)
	if err != nil {
		return nil, err
	}
	synthesized[idx] = j
	return j, nil
}

// claims tracks which scheduler id each index is acknowledged under within
// one batch, in both directions.
type claims struct {
	ids     map[int]string
	indexes map[string]int
}

func newClaims() claims {
	return claims{ids: make(map[int]string), indexes: make(map[string]int)}
}

// claim records that id targets index idx. An index may only be claimed
// under one scheduler id, and an id only for one index.
func (c claims) claim(idx int, id string) error {
	if prev, ok := c.ids[idx]; ok && prev != id {
		return apperrors.Conflict("job", strconv.Itoa(idx),
			"batch acknowledges it as both "+prev+" and "+id)
	}
	if prev, ok := c.indexes[id]; ok && prev != idx {
		return apperrors.Conflict("job", id,
			"batch assigns it to indexes "+strconv.Itoa(prev)+" and "+strconv.Itoa(idx))
	}
	c.ids[idx] = id
	c.indexes[id] = idx
	return nil
}

// transitionLocked moves a job to the bucket matching its new state.
func (s *Store) transitionLocked(j *job.Job) {
	idx := j.Index()
	state := j.State()
	switch {
	case state.IsAcked():
		s.moveLocked(idx, s.acked)
		delete(s.rerun, idx)
	case state == job.StateInterrupted && s.cfg.AutoRerun:
		s.moveLocked(idx, s.acked)
		s.rerun[idx] = struct{}{}
	case state == job.StateInterrupted, state.IsTerminal():
		s.moveLocked(idx, s.finished)
	default:
		if s.bucketOfLocked(idx) == nil {
			s.moveLocked(idx, s.acked)
		}
	}
	s.logger.Debug("Job transitioned", "jobIndex", idx, "jobId", j.ID(), "state", state)
}

func (s *Store) moveLocked(idx int, to map[int]struct{}) {
	delete(s.pending, idx)
	delete(s.acked, idx)
	delete(s.finished, idx)
	to[idx] = struct{}{}
}

func (s *Store) bucketOfLocked(idx int) map[int]struct{} {
	for _, b := range []map[int]struct{}{s.pending, s.acked, s.finished} {
		if has(b, idx) {
			return b
		}
	}
	return nil
}

func (s *Store) countLocked(bucket map[int]struct{}, state job.State) int {
	n := 0
	for idx := range bucket {
		if s.jobs[idx].State() == state {
			n++
		}
	}
	return n
}

func has(set map[int]struct{}, idx int) bool {
	_, ok := set[idx]
	return ok
}

func sortedIndexes(set map[int]struct{}) []int {
	return slices.Sorted(maps.Keys(set))
}
