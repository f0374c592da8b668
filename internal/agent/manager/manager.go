// Package manager implements the authoritative agent registry logic. It owns
// the Agent records and delegates subprocess mechanics to the supervisor.
package manager

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noxlabs/nox/internal/common/errdefs"
	"github.com/noxlabs/nox/internal/common/logger"
	"github.com/noxlabs/nox/internal/events"
	"github.com/noxlabs/nox/internal/events/bus"
	"github.com/noxlabs/nox/internal/registry"
	"github.com/noxlabs/nox/pkg/agentproto"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

// ProcessSupervisor is the subset of the supervisor the manager drives.
type ProcessSupervisor interface {
	Spawn(ctx context.Context, agent *v1.Agent) error
	Stop(ctx context.Context, agentID string, timeout time.Duration) error
	Send(agentID string, frame *agentproto.ControlFrame) error
	IsRunning(agentID string) bool
	SetStatusHandler(fn func(agentID string, status v1.AgentStatus))
}

// TaskCanceller cancels the non-terminal tasks an agent owns; wired by the
// task service to break the package cycle.
type TaskCanceller func(ctx context.Context, agentID string) error

// SubscriptionDropper removes an agent's broker subscriptions.
type SubscriptionDropper func(agentID string)

// StopTimeout bounds a graceful agent stop.
const StopTimeout = 10 * time.Second

// Manager is the agent business logic service.
type Manager struct {
	store      *registry.Store
	supervisor ProcessSupervisor
	eventBus   bus.EventBus
	logger     *logger.Logger

	cancelTasks       TaskCanceller
	dropSubscriptions SubscriptionDropper
}

// New creates the agent manager and wires itself as the supervisor's status
// observer.
func New(store *registry.Store, sup ProcessSupervisor, eventBus bus.EventBus, log *logger.Logger) *Manager {
	m := &Manager{
		store:      store,
		supervisor: sup,
		eventBus:   eventBus,
		logger:     log.WithFields(zap.String("component", "agent-manager")),
	}
	sup.SetStatusHandler(m.handleSupervisorStatus)
	return m
}

// SetTaskCanceller wires the delete-time task cleanup.
func (m *Manager) SetTaskCanceller(fn TaskCanceller) {
	m.cancelTasks = fn
}

// SetSubscriptionDropper wires the delete-time subscription cleanup.
func (m *Manager) SetSubscriptionDropper(fn SubscriptionDropper) {
	m.dropSubscriptions = fn
}

// Create validates and persists a new agent, then emits agent.created.
func (m *Manager) Create(ctx context.Context, req *v1.CreateAgentRequest) (*v1.Agent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	agent := &v1.Agent{
		ID:           req.ID,
		Name:         req.Name,
		SystemPrompt: req.SystemPrompt,
		Command:      req.Command,
		Capabilities: req.Capabilities,
		Resources:    v1.DefaultResourceLimits(),
		Status:       v1.AgentStatusInactive,
		CreatedAt:    time.Now().UTC(),
	}
	if agent.Name == "" {
		agent.Name = agent.ID
	}
	if req.Resources != nil {
		agent.Resources = *req.Resources
	}

	if err := m.store.CreateAgent(agent); err != nil {
		return nil, err
	}

	m.publish(ctx, events.AgentCreated, agent.ID, map[string]interface{}{
		"agent_id": agent.ID,
		"name":     agent.Name,
	})
	m.logger.Info("Agent created", zap.String("agent_id", agent.ID))
	return agent, nil
}

// Get returns the agent record.
func (m *Manager) Get(ctx context.Context, id string) (*v1.Agent, error) {
	return m.store.GetAgent(id)
}

// List returns agents, optionally filtered by status.
func (m *Manager) List(ctx context.Context, status v1.AgentStatus) []*v1.Agent {
	agents := m.store.ListAgents()
	if status == "" {
		return agents
	}
	filtered := agents[:0]
	for _, a := range agents {
		if a.Status == status {
			filtered = append(filtered, a)
		}
	}
	return filtered
}

// ListRunning returns agents with a live subprocess.
func (m *Manager) ListRunning(ctx context.Context) []*v1.Agent {
	return m.List(ctx, v1.AgentStatusRunning)
}

// GetStatus returns just the lifecycle status.
func (m *Manager) GetStatus(ctx context.Context, id string) (v1.AgentStatus, error) {
	agent, err := m.store.GetAgent(id)
	if err != nil {
		return "", err
	}
	return agent.Status, nil
}

// Update patches an agent. A running agent picks up prompt and capability
// changes live; resource-limit changes apply at the next restart.
func (m *Manager) Update(ctx context.Context, id string, req *v1.UpdateAgentRequest) (*v1.Agent, error) {
	agent, err := m.store.GetAgent(id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		if len(*req.Name) > 200 {
			return nil, errdefs.Invalid("name exceeds 200 characters")
		}
		agent.Name = *req.Name
	}
	if req.SystemPrompt != nil {
		if *req.SystemPrompt == "" {
			return nil, errdefs.Invalid("system_prompt cannot be empty")
		}
		agent.SystemPrompt = *req.SystemPrompt
	}
	if req.Command != nil {
		agent.Command = req.Command
	}
	if req.Capabilities != nil {
		agent.Capabilities = req.Capabilities
	}
	if req.Resources != nil {
		agent.Resources = *req.Resources
	}

	if err := m.store.UpdateAgent(agent); err != nil {
		return nil, err
	}

	m.publish(ctx, events.AgentUpdated, agent.ID, map[string]interface{}{
		"agent_id": agent.ID,
	})
	return agent, nil
}

// Delete removes an agent that is not running. Cleanup order: registry
// record, owned non-terminal tasks, broker subscriptions, then the
// agent.deleted event.
func (m *Manager) Delete(ctx context.Context, id string) error {
	agent, err := m.store.GetAgent(id)
	if err != nil {
		return err
	}
	if !agent.Status.IsTerminal() || m.supervisor.IsRunning(id) {
		return errdefs.Conflict("agent %s is still running", id)
	}

	if err := m.store.DeleteAgent(id); err != nil {
		return err
	}
	if m.cancelTasks != nil {
		if err := m.cancelTasks(ctx, id); err != nil {
			m.logger.Warn("Failed to cancel tasks of deleted agent",
				zap.String("agent_id", id), zap.Error(err))
		}
	}
	if m.dropSubscriptions != nil {
		m.dropSubscriptions(id)
	}

	m.publish(ctx, events.AgentDeleted, id, map[string]interface{}{
		"agent_id": id,
	})
	m.logger.Info("Agent deleted", zap.String("agent_id", id))
	return nil
}

// Start spawns the agent subprocess. Starting a running agent is a no-op.
func (m *Manager) Start(ctx context.Context, id string) error {
	agent, err := m.store.GetAgent(id)
	if err != nil {
		return err
	}
	if agent.Status == v1.AgentStatusRunning && m.supervisor.IsRunning(id) {
		return nil
	}
	if agent.Status == v1.AgentStatusStarting || agent.Status == v1.AgentStatusStopping {
		return errdefs.Conflict("agent %s is %s", id, agent.Status)
	}
	return m.supervisor.Spawn(ctx, agent)
}

// Stop gracefully stops the agent subprocess.
func (m *Manager) Stop(ctx context.Context, id string) error {
	if _, err := m.store.GetAgent(id); err != nil {
		return err
	}
	if !m.supervisor.IsRunning(id) {
		return errdefs.Conflict("agent %s is not running", id)
	}
	return m.supervisor.Stop(ctx, id, StopTimeout)
}

// Restart stops then starts the agent.
func (m *Manager) Restart(ctx context.Context, id string) error {
	if m.supervisor.IsRunning(id) {
		if err := m.supervisor.Stop(ctx, id, StopTimeout); err != nil {
			return err
		}
	}
	return m.Start(ctx, id)
}

// Send forwards a control frame to the agent subprocess.
func (m *Manager) Send(agentID string, frame *agentproto.ControlFrame) error {
	return m.supervisor.Send(agentID, frame)
}

// handleSupervisorStatus records subprocess lifecycle transitions on the
// agent record and republishes them as agent.status_changed events.
func (m *Manager) handleSupervisorStatus(agentID string, status v1.AgentStatus) {
	agent, err := m.store.GetAgent(agentID)
	if err != nil {
		// deleted while stopping; nothing to record
		return
	}
	if agent.Status == status {
		return
	}
	agent.Status = status
	if status == v1.AgentStatusRunning {
		now := time.Now().UTC()
		agent.LastHealthyAt = &now
	}
	if err := m.store.UpdateAgent(agent); err != nil {
		m.logger.Error("Failed to persist agent status",
			zap.String("agent_id", agentID),
			zap.String("status", string(status)),
			zap.Error(err))
		return
	}

	m.publish(context.Background(), events.AgentStatusChanged, agentID, map[string]interface{}{
		"agent_id": agentID,
		"status":   string(status),
	})
}

func (m *Manager) publish(ctx context.Context, eventType, agentID string, data map[string]interface{}) {
	event := bus.NewEvent(eventType, "agent-manager", data).WithAgent(agentID)
	if err := m.eventBus.Publish(ctx, events.BuildAgentSubject(eventType, agentID), event); err != nil {
		m.logger.Warn("Failed to publish agent event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
