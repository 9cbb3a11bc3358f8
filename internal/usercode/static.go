// Package usercode provides ready-made agent callbacks: a static job list,
// webhook notifications of job changes and an object-store report archiver.
package usercode

import (
	"context"
	"log/slog"
	"processagent/internal/agent"
	"processagent/internal/apperrors"
	"processagent/internal/config"
	"processagent/internal/job"
	"processagent/internal/store"
	"slices"
	"sync"
)

const defaultBatchSize = 100

// JobsFile is the YAML or JSON document read by LoadStatic.
type JobsFile struct {
	BatchSize  int        `yaml:"batchSize"`
	MaxRetries int        `yaml:"maxRetries"`
	Jobs       []job.Spec `yaml:"jobs"`
}

// StaticOptions tunes a Static usercode.
type StaticOptions struct {
	BatchSize  int // specs handed to the agent per create call
	MaxRetries int // reruns of a failed job, 0 disables them
}

// Static serves a fixed list of job specs and optionally reruns failed jobs.
type Static struct {
	mu      sync.Mutex
	specs   []job.Spec
	next    int
	opts    StaticOptions
	retries map[int]int
	logger  *slog.Logger
}

// NewStatic creates a Static usercode serving specs in order.
func NewStatic(specs []job.Spec, opts StaticOptions) *Static {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Static{
		specs:   slices.Clone(specs),
		opts:    opts,
		retries: make(map[int]int),
		logger:  slog.With("component", "static-usercode"),
	}
}

// LoadStatic reads a jobs file. maxRetries overrides the file's value when positive.
func LoadStatic(path string, maxRetries int) (*Static, error) {
	var f JobsFile
	if err := config.LoadFile(path, &f); err != nil {
		return nil, err
	}
	if len(f.Jobs) == 0 {
		return nil, apperrors.Validationf("jobs", "jobs file %s lists no job", path)
	}
	for i, spec := range f.Jobs {
		if spec.Image == "" {
			return nil, apperrors.Validationf("jobs", "job %d in %s has no image", i, path)
		}
	}
	if maxRetries > 0 {
		f.MaxRetries = maxRetries
	}
	return NewStatic(f.Jobs, StaticOptions{BatchSize: f.BatchSize, MaxRetries: f.MaxRetries}), nil
}

// Len returns the number of specs served in total.
func (s *Static) Len() int {
	return len(s.specs)
}

// Create hands out the next batch of specs.
func (s *Static) Create(_ context.Context, _ *store.Store) ([]job.Spec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next >= len(s.specs) {
		return nil, agent.ErrNoMoreJobs
	}
	end := min(s.next+s.opts.BatchSize, len(s.specs))
	batch := make([]job.Spec, 0, end-s.next)
	for _, spec := range s.specs[s.next:end] {
		batch = append(batch, spec.Clone())
	}
	s.next = end
	s.logger.Info("Created jobs", "count", len(batch), "served", s.next, "total", len(s.specs))
	return batch, nil
}

// Update reruns jobs that just failed until they exhaust their retries.
func (s *Static) Update(_ context.Context, st *store.Store, events []store.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range events {
		if ev.Job.State() != job.StateFailed || !ev.Diff.Touches("state") {
			continue
		}
		idx := ev.Job.Index()
		if s.retries[idx] >= s.opts.MaxRetries {
			s.logger.Warn("Job failed", "jobIndex", idx, "jobId", ev.Job.ID(), "retries", s.retries[idx])
			continue
		}
		s.retries[idx]++
		if err := st.RerunJob(idx); err != nil {
			return err
		}
		s.logger.Info("Rerunning failed job", "jobIndex", idx, "jobId", ev.Job.ID(), "retry", s.retries[idx])
	}
	return nil
}

// Retries returns how many times the job with index was rerun.
func (s *Static) Retries(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries[index]
}
