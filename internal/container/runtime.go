// Package container holds the runtime driver contract and the capability
// installer that runs container-provided capabilities behind approval.
package container

import (
	"context"
	"io"
	"time"
)

// Spec describes the container a capability install creates.
type Spec struct {
	Name     string
	Image    string
	Cmd      []string
	Env      []string
	Memory   int64 // bytes, 0 for unlimited
	CPUQuota int64
	Labels   map[string]string
}

// State is the subset of inspect output the control plane cares about.
type State struct {
	ID         string
	Name       string
	Image      string
	Status     string // created, running, exited, dead, ...
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
	Health     string
}

// Running reports whether the container is live.
func (s *State) Running() bool {
	return s.Status == "running"
}

// Runtime is the container runtime driver contract.
type Runtime interface {
	Pull(ctx context.Context, image string) error
	Create(ctx context.Context, spec Spec) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Remove(ctx context.Context, containerID string, force bool) error
	Inspect(ctx context.Context, containerID string) (*State, error)
	Logs(ctx context.Context, containerID string, tail string) (io.ReadCloser, error)
	Ping(ctx context.Context) error
	Close() error
}
