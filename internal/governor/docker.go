package governor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"processagent/internal/apperrors"
	"processagent/internal/job"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRuntime runs job containers on the host Docker daemon.
type DockerRuntime struct {
	client     *client.Client
	network    string
	extraHosts []string
	logger     *slog.Logger
}

// NewDockerRuntime connects to the Docker daemon configured by the DOCKER_* environment.
func NewDockerRuntime(cfg DockerConfig) (*DockerRuntime, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{
		client:     dockerClient,
		network:    cfg.Network,
		extraHosts: cfg.ExtraHosts,
		logger:     slog.With("component", "docker-runtime"),
	}, nil
}

// Start pulls the image if needed, then creates and starts the container.
func (r *DockerRuntime) Start(ctx context.Context, jobID, runID string, spec job.Spec) (string, error) {
	// Pull with a detached context so a poll timeout does not abort a large pull
	if err := r.pullImageIfNeeded(context.WithoutCancel(ctx), spec.Image); err != nil {
		return "", apperrors.Internal("docker.pullImage", err)
	}

	containerConfig := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Env:        spec.EnvironmentVars,
		WorkingDir: spec.Workdir,
		OpenStdin:  spec.Stdin,
		Labels:     containerLabels(jobID, runID, spec),
	}

	hostConfig := &container.HostConfig{
		Binds:       spec.Volumes,
		ExtraHosts:  r.extraHosts,
		NetworkMode: container.NetworkMode(r.network),
		Resources:   containerResources(spec),
	}

	name := fmt.Sprintf("pa-%s-%s", jobID, runID)
	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", apperrors.Internal("docker.createContainer", err)
	}

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", apperrors.Internal("docker.startContainer", err)
	}
	return resp.ID, nil
}

// Inspect returns the container state.
func (r *DockerRuntime) Inspect(ctx context.Context, containerID string) (ContainerStatus, error) {
	inspect, err := r.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return ContainerStatus{}, apperrors.NotFound("container", containerID)
		}
		return ContainerStatus{}, apperrors.Internal("docker.inspectContainer", err)
	}
	if inspect.State == nil {
		return ContainerStatus{}, apperrors.Internal("docker.inspectContainer", fmt.Errorf("container %s has no state", containerID))
	}

	status := ContainerStatus{
		Running:    inspect.State.Running,
		ExitCode:   inspect.State.ExitCode,
		Error:      inspect.State.Error,
		StartedAt:  parseDockerTime(inspect.State.StartedAt),
		FinishedAt: parseDockerTime(inspect.State.FinishedAt),
	}
	// "created" containers have not run yet
	status.Exited = !inspect.State.Running && inspect.State.Status != "created"
	return status, nil
}

// Stop stops the container, killing it once timeout elapses.
func (r *DockerRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := r.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return apperrors.NotFound("container", containerID)
		}
		return apperrors.Internal("docker.stopContainer", err)
	}
	return nil
}

// Remove force-removes the container.
func (r *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	if err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return apperrors.Internal("docker.removeContainer", err)
	}
	return nil
}

// Logs returns the last lines of the container's stdout and stderr.
func (r *DockerRuntime) Logs(ctx context.Context, containerID string, lines int) (string, error) {
	logs, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(lines),
	})
	if err != nil {
		return "", apperrors.Internal("docker.containerLogs", err)
	}
	defer logs.Close()

	// Non-tty containers multiplex both streams with 8-byte frame headers
	var out strings.Builder
	if _, err := stdcopy.StdCopy(&out, &out, logs); err != nil && err != io.EOF {
		return out.String(), apperrors.Internal("docker.containerLogs", err)
	}
	return out.String(), nil
}

// RemoveStale removes containers left behind by a previous governor.
func (r *DockerRuntime) RemoveStale(ctx context.Context) (int, error) {
	containers, err := r.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManagedBy+"="+ManagedBy),
		),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	removed := 0
	for _, c := range containers {
		if err := r.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			r.logger.Warn("Failed to remove stale container", "containerId", c.ID, "jobId", c.Labels[LabelJobID], "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (r *DockerRuntime) Ready(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// Close releases the Docker client.
func (r *DockerRuntime) Close() error {
	return r.client.Close()
}

func (r *DockerRuntime) pullImageIfNeeded(ctx context.Context, imageName string) error {
	if _, err := r.client.ImageInspect(ctx, imageName); err == nil {
		return nil
	}

	r.logger.Info("Pulling image", "image", imageName)
	reader, err := r.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func containerLabels(jobID, runID string, spec job.Spec) map[string]string {
	labels := map[string]string{
		LabelManagedBy: ManagedBy,
		LabelJobID:     jobID,
		LabelRunID:     runID,
	}
	// Job labels are free-form strings; "key=value" ones become container labels
	for _, l := range spec.Labels {
		if k, v, ok := strings.Cut(l, "="); ok && k != "" {
			if _, reserved := labels[k]; !reserved {
				labels[k] = v
			}
		}
	}
	return labels
}

func containerResources(spec job.Spec) container.Resources {
	res := container.Resources{
		NanoCPUs: int64(spec.ReqCores) * 1e9,
		Memory:   int64(spec.ReqRAMGbytes) * 1024 * 1024 * 1024,
	}
	if spec.ReqGpus > 0 {
		res.DeviceRequests = []container.DeviceRequest{{
			Count:        spec.ReqGpus,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	return res
}

func parseDockerTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil || t.Year() <= 1 {
		return time.Time{}
	}
	return t
}

var _ Runtime = (*DockerRuntime)(nil)
