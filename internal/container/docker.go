package container

import (
	"context"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/noxlabs/nox/internal/common/config"
	"github.com/noxlabs/nox/internal/common/errdefs"
	"github.com/noxlabs/nox/internal/common/logger"
)

// DockerRuntime implements Runtime on the Docker Engine API.
type DockerRuntime struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewDockerRuntime connects to the Docker daemon described by cfg.
func NewDockerRuntime(cfg config.DockerConfig, log *logger.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errdefs.External("create docker client", err)
	}

	return &DockerRuntime{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "container")),
	}, nil
}

// Close closes the daemon connection.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// Pull fetches an image and drains the progress stream so the image is
// fully present before Create runs.
func (r *DockerRuntime) Pull(ctx context.Context, imageName string) error {
	r.logger.Info("Pulling image", zap.String("image", imageName))

	reader, err := r.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return errdefs.External("pull image", err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return errdefs.External("read image pull stream", err)
	}
	return nil
}

// Create creates a container from the spec.
func (r *DockerRuntime) Create(ctx context.Context, spec Spec) (string, error) {
	r.logger.Info("Creating container",
		zap.String("name", spec.Name),
		zap.String("image", spec.Image))

	containerCfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:   spec.Memory,
			CPUQuota: spec.CPUQuota,
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", errdefs.External("create container", err)
	}
	return resp.ID, nil
}

// Start starts a created container.
func (r *DockerRuntime) Start(ctx context.Context, containerID string) error {
	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return errdefs.External("start container", err)
	}
	return nil
}

// Stop stops a container, waiting up to timeout before the daemon kills it.
func (r *DockerRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		return errdefs.External("stop container", err)
	}
	return nil
}

// Remove deletes a container and its anonymous volumes.
func (r *DockerRuntime) Remove(ctx context.Context, containerID string, force bool) error {
	err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		return errdefs.External("remove container", err)
	}
	return nil
}

// Inspect returns the container state.
func (r *DockerRuntime) Inspect(ctx context.Context, containerID string) (*State, error) {
	inspect, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, errdefs.NotFound("container %s", containerID)
		}
		return nil, errdefs.External("inspect container", err)
	}

	state := &State{
		ID:       inspect.ID,
		Name:     inspect.Name,
		Image:    inspect.Config.Image,
		Status:   inspect.State.Status,
		ExitCode: inspect.State.ExitCode,
	}
	if inspect.State.StartedAt != "" {
		if at, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			state.StartedAt = at
		}
	}
	if inspect.State.FinishedAt != "" {
		if at, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
			state.FinishedAt = at
		}
	}
	if inspect.State.Health != nil {
		state.Health = inspect.State.Health.Status
	}
	return state, nil
}

// Logs streams container output, stdout and stderr interleaved.
func (r *DockerRuntime) Logs(ctx context.Context, containerID string, tail string) (io.ReadCloser, error) {
	reader, err := r.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		return nil, errdefs.External("container logs", err)
	}
	return reader, nil
}

// Ping checks daemon availability.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return errdefs.External("docker ping", err)
	}
	return nil
}
