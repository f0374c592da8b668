// Package task implements the task graph: CRUD, the status machine,
// dependency tracking and agent-to-agent delegation.
package task

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noxlabs/nox/internal/broker/protocol"
	"github.com/noxlabs/nox/internal/common/errdefs"
	"github.com/noxlabs/nox/internal/common/logger"
	"github.com/noxlabs/nox/internal/events"
	"github.com/noxlabs/nox/internal/events/bus"
	"github.com/noxlabs/nox/internal/registry"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

// BlockedByCancelled is the reason recorded on tasks whose dependency was
// cancelled; such tasks can never unblock on their own.
const BlockedByCancelled = "dependency cancelled"

// Messenger enqueues messages on the broker. Delegation uses it so a full
// queue aborts the delegation before the task exists.
type Messenger interface {
	SendMessage(ctx context.Context, req *v1.SendMessageRequest) (*v1.Message, error)
}

// DelegationSpec describes the task one agent hands to another.
type DelegationSpec struct {
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	Priority     v1.Priority `json:"priority,omitempty"`
	Dependencies []string    `json:"dependencies,omitempty"`
}

// Service is the single serialization point for task graph mutations.
// All status events for one task are therefore emitted in the order the
// transitions happened.
type Service struct {
	store     *registry.Store
	messenger Messenger
	eventBus  bus.EventBus
	logger    *logger.Logger

	mu sync.Mutex
}

// NewService creates the task service.
func NewService(store *registry.Store, messenger Messenger, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:     store,
		messenger: messenger,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "task")),
	}
}

// Create validates the request and persists a new task. The initial status
// is todo when every dependency is already done, blocked otherwise.
func (s *Service) Create(ctx context.Context, req *v1.CreateTaskRequest) (*v1.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.store.GetAgent(req.AgentID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.buildTask(req)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveTask(task); err != nil {
		return nil, err
	}
	s.publish(ctx, events.TaskCreated, task, nil)
	if task.Status == v1.TaskStatusBlocked {
		s.publish(ctx, events.TaskBlocked, task, map[string]interface{}{"reason": task.BlockedBy})
	}
	return task.Clone(), nil
}

func (s *Service) buildTask(req *v1.CreateTaskRequest) (*v1.Task, error) {
	if err := s.checkDependencies("", req.Dependencies); err != nil {
		return nil, err
	}

	requestedBy := req.RequestedBy
	if requestedBy == "" {
		requestedBy = v1.RequestedByUser
	}
	priority := req.Priority
	if priority == "" {
		priority = v1.PriorityMedium
	}

	task := &v1.Task{
		ID:           uuid.New().String(),
		AgentID:      req.AgentID,
		Title:        req.Title,
		Description:  req.Description,
		Status:       v1.TaskStatusTodo,
		Priority:     priority,
		RequestedBy:  requestedBy,
		Dependencies: append([]string(nil), req.Dependencies...),
		CreatedAt:    time.Now().UTC(),
	}
	if outstanding := s.outstandingDeps(task); len(outstanding) > 0 {
		task.Status = v1.TaskStatusBlocked
		task.BlockedBy = strings.Join(outstanding, ",")
	}
	return task, nil
}

// Get returns a task by ID.
func (s *Service) Get(id string) (*v1.Task, error) {
	return s.store.GetTask(id)
}

// List returns tasks matching the filter, oldest first.
func (s *Service) List(filter v1.TaskFilter) []*v1.Task {
	return s.store.ListTasks(filter)
}

// GetAgentTasks returns every task owned by the agent.
func (s *Service) GetAgentTasks(agentID string) []*v1.Task {
	return s.store.ListTasks(v1.TaskFilter{AgentID: agentID})
}

// Update patches a task. Status changes go through the state machine and
// dependency changes are re-checked for cycles.
func (s *Service) Update(ctx context.Context, id string, patch *v1.UpdateTaskRequest) (*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, errdefs.Conflict("task %s is %s", id, task.Status)
	}

	if patch.Title != nil {
		task.Title = *patch.Title
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Priority != nil {
		if !patch.Priority.Valid() {
			return nil, errdefs.Invalid("unknown priority %q", *patch.Priority)
		}
		task.Priority = *patch.Priority
	}
	if patch.Dependencies != nil {
		if err := s.checkDependencies(id, patch.Dependencies); err != nil {
			return nil, err
		}
		task.Dependencies = append([]string(nil), patch.Dependencies...)
	}
	if patch.Result != nil {
		task.Result = *patch.Result
	}
	if patch.Error != nil {
		task.Error = *patch.Error
	}
	if patch.Progress != nil {
		if *patch.Progress < 0 || *patch.Progress > 100 {
			return nil, errdefs.Invalid("progress must be in 0..100")
		}
		wantDone := patch.Status != nil && *patch.Status == v1.TaskStatusDone
		if *patch.Progress == 100 && !wantDone {
			return nil, errdefs.Invalid("progress 100 requires status done")
		}
		task.Progress = *patch.Progress
	}

	if patch.Status != nil && *patch.Status != task.Status {
		return s.transitionLocked(ctx, task, *patch.Status)
	}

	if err := s.store.SaveTask(task); err != nil {
		return nil, err
	}
	s.publish(ctx, events.TaskUpdated, task, nil)
	return task.Clone(), nil
}

// Delete removes a task. Tasks that still have live dependents cannot be
// deleted.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.GetTask(id); err != nil {
		return err
	}
	for _, other := range s.store.ListTasks(v1.TaskFilter{}) {
		if other.Status.IsTerminal() {
			continue
		}
		if containsString(other.Dependencies, id) {
			return errdefs.Conflict("task %s still blocks %s", id, other.ID)
		}
	}
	if err := s.store.DeleteTask(id); err != nil {
		return err
	}
	s.publish(ctx, events.TaskUpdated, &v1.Task{ID: id}, map[string]interface{}{"deleted": true})
	return nil
}

// Start moves a todo or blocked task toward inprogress. A task with
// outstanding dependencies goes to blocked instead.
func (s *Service) Start(ctx context.Context, id string) (*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	return s.transitionLocked(ctx, task, v1.TaskStatusInProgress)
}

// Complete marks an inprogress task done and re-evaluates its dependents.
func (s *Service) Complete(ctx context.Context, id, result string) (*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	if result != "" {
		task.Result = result
	}
	return s.transitionLocked(ctx, task, v1.TaskStatusDone)
}

// Cancel cancels a non-terminal task. Direct dependents become blocked
// with reason "dependency cancelled"; they cannot unblock afterwards.
func (s *Service) Cancel(ctx context.Context, id string) (*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	return s.transitionLocked(ctx, task, v1.TaskStatusCancelled)
}

// CancelAgentTasks cancels every non-terminal task the agent owns. The
// agent manager calls this when an agent is deleted.
func (s *Service) CancelAgentTasks(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, task := range s.store.ListTasks(v1.TaskFilter{AgentID: agentID}) {
		if task.Status.IsTerminal() {
			continue
		}
		if _, err := s.transitionLocked(ctx, task, v1.TaskStatusCancelled); err != nil {
			return err
		}
	}
	return nil
}

// Delegate creates a task owned by toAgent on fromAgent's behalf. The
// task_request message is enqueued first; when the queue is full no task
// is created.
func (s *Service) Delegate(ctx context.Context, fromAgent, toAgent string, spec *DelegationSpec) (*v1.Task, error) {
	if spec == nil || spec.Title == "" {
		return nil, errdefs.Invalid("delegation needs a title")
	}
	if fromAgent == toAgent {
		return nil, errdefs.Invalid("an agent cannot delegate to itself")
	}
	if _, err := s.store.GetAgent(fromAgent); err != nil {
		return nil, err
	}
	if _, err := s.store.GetAgent(toAgent); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.buildTask(&v1.CreateTaskRequest{
		AgentID:      toAgent,
		Title:        spec.Title,
		Description:  spec.Description,
		Priority:     spec.Priority,
		RequestedBy:  fromAgent,
		Dependencies: spec.Dependencies,
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.messenger.SendMessage(ctx, &v1.SendMessageRequest{
		From:     fromAgent,
		To:       toAgent,
		Type:     v1.MessageTypeTaskRequest,
		Content:  spec.Title,
		Priority: task.Priority,
		Metadata: map[string]string{protocol.MetaTaskID: task.ID},
	}); err != nil {
		return nil, err
	}

	if err := s.store.SaveTask(task); err != nil {
		return nil, err
	}
	s.publish(ctx, events.TaskCreated, task, nil)
	s.publish(ctx, events.TaskDelegated, task, map[string]interface{}{
		"from": fromAgent,
		"to":   toAgent,
	})
	if task.Status == v1.TaskStatusBlocked {
		s.publish(ctx, events.TaskBlocked, task, map[string]interface{}{"reason": task.BlockedBy})
	}
	return task.Clone(), nil
}

// Dashboard returns a consistent aggregate snapshot over all tasks.
func (s *Service) Dashboard() *v1.TaskDashboard {
	return s.store.Dashboard()
}

// transitionLocked applies one state machine step. Caller holds s.mu.
func (s *Service) transitionLocked(ctx context.Context, task *v1.Task, target v1.TaskStatus) (*v1.Task, error) {
	if task.Status.IsTerminal() {
		return nil, errdefs.Conflict("task %s is %s", task.ID, task.Status)
	}

	switch target {
	case v1.TaskStatusInProgress:
		if task.Status != v1.TaskStatusTodo && task.Status != v1.TaskStatusBlocked {
			return nil, errdefs.Conflict("task %s cannot start from %s", task.ID, task.Status)
		}
		if task.BlockedBy == BlockedByCancelled {
			return nil, errdefs.Conflict("task %s has a cancelled dependency", task.ID)
		}
		if outstanding := s.outstandingDeps(task); len(outstanding) > 0 {
			task.Status = v1.TaskStatusBlocked
			task.BlockedBy = strings.Join(outstanding, ",")
			if err := s.store.SaveTask(task); err != nil {
				return nil, err
			}
			s.publish(ctx, events.TaskBlocked, task, map[string]interface{}{"reason": task.BlockedBy})
			return task.Clone(), nil
		}
		now := time.Now().UTC()
		task.Status = v1.TaskStatusInProgress
		task.StartedAt = &now
		task.BlockedBy = ""
		if err := s.store.SaveTask(task); err != nil {
			return nil, err
		}
		s.publish(ctx, events.TaskUpdated, task, nil)
		return task.Clone(), nil

	case v1.TaskStatusBlocked:
		task.Status = v1.TaskStatusBlocked
		if task.BlockedBy == "" {
			task.BlockedBy = strings.Join(s.outstandingDeps(task), ",")
		}
		if err := s.store.SaveTask(task); err != nil {
			return nil, err
		}
		s.publish(ctx, events.TaskBlocked, task, map[string]interface{}{"reason": task.BlockedBy})
		return task.Clone(), nil

	case v1.TaskStatusDone:
		if task.Status != v1.TaskStatusInProgress {
			return nil, errdefs.Conflict("task %s cannot complete from %s", task.ID, task.Status)
		}
		now := time.Now().UTC()
		task.Status = v1.TaskStatusDone
		task.Progress = 100
		task.CompletedAt = &now
		if err := s.store.SaveTask(task); err != nil {
			return nil, err
		}
		s.publish(ctx, events.TaskCompleted, task, nil)
		s.unblockDependentsLocked(ctx, task.ID)
		return task.Clone(), nil

	case v1.TaskStatusCancelled:
		task.Status = v1.TaskStatusCancelled
		if err := s.store.SaveTask(task); err != nil {
			return nil, err
		}
		s.publish(ctx, events.TaskCancelled, task, nil)
		s.blockDependentsLocked(ctx, task.ID)
		return task.Clone(), nil

	case v1.TaskStatusTodo:
		return nil, errdefs.Conflict("task %s cannot return to todo", task.ID)

	default:
		return nil, errdefs.Invalid("unknown task status %q", target)
	}
}

// unblockDependentsLocked moves blocked tasks whose last outstanding
// dependency just completed into inprogress.
func (s *Service) unblockDependentsLocked(ctx context.Context, doneID string) {
	for _, task := range s.store.ListTasks(v1.TaskFilter{Status: v1.TaskStatusBlocked}) {
		if !containsString(task.Dependencies, doneID) || task.BlockedBy == BlockedByCancelled {
			continue
		}
		if outstanding := s.outstandingDeps(task); len(outstanding) > 0 {
			task.BlockedBy = strings.Join(outstanding, ",")
			if err := s.store.SaveTask(task); err != nil {
				s.logger.Warn("Failed to persist blocked task", zap.String("task_id", task.ID), zap.Error(err))
			}
			continue
		}
		now := time.Now().UTC()
		task.Status = v1.TaskStatusInProgress
		task.StartedAt = &now
		task.BlockedBy = ""
		if err := s.store.SaveTask(task); err != nil {
			s.logger.Warn("Failed to persist unblocked task", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		s.publish(ctx, events.TaskUnblocked, task, map[string]interface{}{"completed_dependency": doneID})
	}
}

// blockDependentsLocked marks non-terminal dependents of a cancelled task
// as permanently blocked.
func (s *Service) blockDependentsLocked(ctx context.Context, cancelledID string) {
	for _, task := range s.store.ListTasks(v1.TaskFilter{}) {
		if task.Status.IsTerminal() || !containsString(task.Dependencies, cancelledID) {
			continue
		}
		task.Status = v1.TaskStatusBlocked
		task.BlockedBy = BlockedByCancelled
		if err := s.store.SaveTask(task); err != nil {
			s.logger.Warn("Failed to persist blocked task", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		s.publish(ctx, events.TaskBlocked, task, map[string]interface{}{"reason": BlockedByCancelled})
	}
}

// checkDependencies verifies every dependency exists and that adding them
// to taskID keeps the graph acyclic. taskID is empty for new tasks.
func (s *Service) checkDependencies(taskID string, deps []string) error {
	if len(deps) == 0 {
		return nil
	}

	graph := make(map[string][]string)
	for _, task := range s.store.ListTasks(v1.TaskFilter{}) {
		graph[task.ID] = task.Dependencies
	}

	for _, dep := range deps {
		if dep == taskID {
			return errdefs.Invalid("task cannot depend on itself")
		}
		if _, ok := graph[dep]; !ok {
			return errdefs.NotFound("dependency task %s", dep)
		}
	}
	if taskID == "" {
		return nil
	}

	// DFS from each candidate dependency; reaching taskID means the new
	// edge closes a cycle.
	visited := make(map[string]bool)
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == taskID {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		for _, next := range graph[id] {
			if walk(next) {
				return true
			}
		}
		return false
	}
	for _, dep := range deps {
		if walk(dep) {
			return errdefs.Invalid("dependency cycle through task %s", dep)
		}
	}
	return nil
}

func (s *Service) outstandingDeps(task *v1.Task) []string {
	var outstanding []string
	for _, dep := range task.Dependencies {
		t, err := s.store.GetTask(dep)
		if err != nil || t.Status != v1.TaskStatusDone {
			outstanding = append(outstanding, dep)
		}
	}
	return outstanding
}

func (s *Service) publish(ctx context.Context, eventType string, task *v1.Task, extra map[string]interface{}) {
	data := map[string]interface{}{
		"task_id":  task.ID,
		"agent_id": task.AgentID,
		"status":   string(task.Status),
		"title":    task.Title,
	}
	for k, v := range extra {
		data[k] = v
	}
	event := bus.NewEvent(eventType, "task", data).WithAgent(task.AgentID)
	subject := events.BuildTaskSubject(eventType, task.ID)
	if err := s.eventBus.Publish(ctx, subject, event); err != nil {
		s.logger.Debug("Failed to publish task event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func containsString(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
