package container

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noxlabs/nox/internal/common/errdefs"
	"github.com/noxlabs/nox/internal/common/logger"
	"github.com/noxlabs/nox/internal/events"
	"github.com/noxlabs/nox/internal/events/bus"
	"github.com/noxlabs/nox/internal/registry"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

// Labels stamped on every capability container.
const (
	LabelAgent        = "nox.agent"
	LabelCapabilities = "nox.capabilities"
)

const (
	verifyTimeout = 10 * time.Second
	verifyPoll    = 200 * time.Millisecond
)

// Approver gates the install. The approval manager satisfies it.
type Approver interface {
	RequestApproval(ctx context.Context, req *v1.ApprovalRequest) (bool, error)
}

// Installer provisions container-backed capabilities for agents. Every
// install is a HIGH risk operation and blocks on approval.
type Installer struct {
	runtime  Runtime
	store    *registry.Store
	approver Approver
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewInstaller creates the capability installer.
func NewInstaller(runtime Runtime, store *registry.Store, approver Approver, eventBus bus.EventBus, log *logger.Logger) *Installer {
	return &Installer{
		runtime:  runtime,
		store:    store,
		approver: approver,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "installer")),
	}
}

// Install pulls and starts the image, verifies the container is live and
// registers the capability tags on the agent. The container ID is
// returned on success.
func (i *Installer) Install(ctx context.Context, agentID, imageName string, capabilities []string) (string, error) {
	if imageName == "" {
		return "", errdefs.Invalid("image is required")
	}
	if len(capabilities) == 0 {
		return "", errdefs.Invalid("at least one capability is required")
	}
	agent, err := i.store.GetAgent(agentID)
	if err != nil {
		return "", err
	}

	approved, err := i.approver.RequestApproval(ctx, &v1.ApprovalRequest{
		Type:        "container_install",
		Title:       fmt.Sprintf("Install %s for agent %s", imageName, agentID),
		Description: fmt.Sprintf("Provides capabilities: %s", strings.Join(capabilities, ", ")),
		Details: map[string]string{
			"image":        imageName,
			"capabilities": strings.Join(capabilities, ","),
		},
		RequestedBy: agentID,
		RiskLevel:   v1.RiskHigh,
	})
	if err != nil {
		return "", err
	}
	if !approved {
		return "", errdefs.Conflict("install of %s for agent %s was not approved", imageName, agentID)
	}

	if err := i.runtime.Pull(ctx, imageName); err != nil {
		return "", err
	}

	containerID, err := i.runtime.Create(ctx, Spec{
		Name:   fmt.Sprintf("nox-cap-%s-%s", agentID, uuid.New().String()[:8]),
		Image:  imageName,
		Memory: int64(agent.Resources.MaxMemoryMB) * 1024 * 1024,
		Labels: map[string]string{
			LabelAgent:        agentID,
			LabelCapabilities: strings.Join(capabilities, ","),
		},
	})
	if err != nil {
		return "", err
	}

	if err := i.runtime.Start(ctx, containerID); err != nil {
		i.cleanup(containerID)
		return "", err
	}
	if err := i.verify(ctx, containerID); err != nil {
		i.cleanup(containerID)
		return "", err
	}

	if err := i.register(ctx, agent, capabilities); err != nil {
		i.cleanup(containerID)
		return "", err
	}

	i.logger.Info("Capability container installed",
		zap.String("agent_id", agentID),
		zap.String("image", imageName),
		zap.String("container_id", containerID),
		zap.Strings("capabilities", capabilities))
	return containerID, nil
}

// verify polls inspect until the container reports running.
func (i *Installer) verify(ctx context.Context, containerID string) error {
	deadline := time.Now().Add(verifyTimeout)
	for {
		state, err := i.runtime.Inspect(ctx, containerID)
		if err != nil {
			return err
		}
		if state.Running() {
			return nil
		}
		if state.Status == "exited" || state.Status == "dead" {
			return errdefs.External("verify container",
				fmt.Errorf("container %s is %s (exit code %d)", containerID, state.Status, state.ExitCode))
		}
		if time.Now().After(deadline) {
			return errdefs.Timeout("container %s did not become ready", containerID)
		}
		select {
		case <-ctx.Done():
			return errdefs.Cancelled("verify container: %v", ctx.Err())
		case <-time.After(verifyPoll):
		}
	}
}

// register merges the new capability tags into the agent record.
func (i *Installer) register(ctx context.Context, agent *v1.Agent, capabilities []string) error {
	for _, tag := range capabilities {
		if !agent.HasCapability(tag) {
			agent.Capabilities = append(agent.Capabilities, tag)
		}
	}
	if err := i.store.UpdateAgent(agent); err != nil {
		return err
	}

	event := bus.NewEvent(events.AgentUpdated, "installer", map[string]interface{}{
		"agent_id":     agent.ID,
		"capabilities": agent.Capabilities,
	}).WithAgent(agent.ID)
	subject := events.BuildAgentSubject(events.AgentUpdated, agent.ID)
	if err := i.eventBus.Publish(ctx, subject, event); err != nil {
		i.logger.Debug("Failed to publish capability update", zap.Error(err))
	}
	return nil
}

// cleanup removes a container that failed mid-install. Best effort with a
// detached context so a cancelled install still tears down.
func (i *Installer) cleanup(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := i.runtime.Remove(ctx, containerID, true); err != nil {
		i.logger.Warn("Failed to remove container after failed install",
			zap.String("container_id", containerID),
			zap.Error(err))
	}
}
