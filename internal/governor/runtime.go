package governor

import (
	"context"
	"processagent/internal/job"
	"time"
)

// Container labels shared by every container the governor creates.
const (
	LabelManagedBy = "managed-by"
	LabelJobID     = "pa.job.id"
	LabelRunID     = "pa.run.id"
	ManagedBy      = "process-agent-governor"
)

// ContainerStatus is what the runtime knows about one container.
type ContainerStatus struct {
	Running    bool
	Exited     bool
	ExitCode   int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Runtime runs job containers. Implementations return an apperrors.ErrNotFound
// error when a container no longer exists.
type Runtime interface {
	// Start creates and starts a container for one run of a job.
	Start(ctx context.Context, jobID, runID string, spec job.Spec) (containerID string, err error)
	Inspect(ctx context.Context, containerID string) (ContainerStatus, error)
	// Stop stops a container, killing it after timeout.
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Remove(ctx context.Context, containerID string) error
	// Logs returns the last lines of a container's output.
	Logs(ctx context.Context, containerID string, lines int) (string, error)
	// RemoveStale removes every managed container left by a previous governor.
	RemoveStale(ctx context.Context) (int, error)
	Ready(ctx context.Context) error
	Close() error
}
