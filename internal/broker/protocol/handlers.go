package protocol

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noxlabs/nox/internal/common/logger"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

// Metadata keys used by the default handlers.
const (
	MetaTaskID          = "taskId"
	MetaCollaborationID = "collaborationId"
	MetaReplyTo         = "replyTo"
)

// AgentDirectory answers capability queries.
type AgentDirectory interface {
	GetAgent(id string) (*v1.Agent, error)
}

// TaskRequestHandler acknowledges task_request messages with a task_response
// carrying the original priority and taskId.
type TaskRequestHandler struct {
	logger *logger.Logger
}

// NewTaskRequestHandler creates the default task_request handler.
func NewTaskRequestHandler(log *logger.Logger) *TaskRequestHandler {
	return &TaskRequestHandler{logger: log}
}

func (h *TaskRequestHandler) Name() string { return "task-request" }

func (h *TaskRequestHandler) CanHandle(msg *v1.Message) bool {
	return msg.Type == v1.MessageTypeTaskRequest
}

func (h *TaskRequestHandler) Handle(ctx context.Context, msg *v1.Message) (*v1.Message, error) {
	reply := &v1.Message{
		From:     msg.To,
		To:       msg.From,
		Type:     v1.MessageTypeTaskResponse,
		Content:  fmt.Sprintf("task request accepted by %s", msg.To),
		Priority: msg.Priority,
		Metadata: map[string]string{},
	}
	if taskID, ok := msg.Metadata[MetaTaskID]; ok {
		reply.Metadata[MetaTaskID] = taskID
	}
	return reply, nil
}

// InfoRequestHandler answers capability_query messages with the recipient's
// matching declared capabilities.
type InfoRequestHandler struct {
	directory AgentDirectory
	logger    *logger.Logger
}

// NewInfoRequestHandler creates the default capability_query handler.
func NewInfoRequestHandler(directory AgentDirectory, log *logger.Logger) *InfoRequestHandler {
	return &InfoRequestHandler{directory: directory, logger: log}
}

func (h *InfoRequestHandler) Name() string { return "info-request" }

func (h *InfoRequestHandler) CanHandle(msg *v1.Message) bool {
	return msg.Type == v1.MessageTypeCapabilityQuery
}

func (h *InfoRequestHandler) Handle(ctx context.Context, msg *v1.Message) (*v1.Message, error) {
	agent, err := h.directory.GetAgent(msg.To)
	if err != nil {
		return nil, err
	}

	// an empty query lists everything; otherwise filter by substring
	query := strings.ToLower(strings.TrimSpace(msg.Content))
	var matched []string
	for _, capability := range agent.Capabilities {
		if query == "" || strings.Contains(strings.ToLower(capability), query) {
			matched = append(matched, capability)
		}
	}

	return &v1.Message{
		From:     msg.To,
		To:       msg.From,
		Type:     v1.MessageTypeDirect,
		Content:  strings.Join(matched, ","),
		Priority: msg.Priority,
	}, nil
}

// CollaborationHandler threads multi-turn direct exchanges: the first
// message of an exchange is assigned a collaborationId which every reply
// carries forward. Replies are always plain direct messages.
type CollaborationHandler struct {
	logger *logger.Logger
}

// NewCollaborationHandler creates the default collaboration handler.
func NewCollaborationHandler(log *logger.Logger) *CollaborationHandler {
	return &CollaborationHandler{logger: log}
}

func (h *CollaborationHandler) Name() string { return "collaboration" }

func (h *CollaborationHandler) CanHandle(msg *v1.Message) bool {
	if msg.Type != v1.MessageTypeDirect {
		return false
	}
	_, ok := msg.Metadata["collaborate"]
	if !ok {
		_, ok = msg.Metadata[MetaCollaborationID]
	}
	return ok
}

func (h *CollaborationHandler) Handle(ctx context.Context, msg *v1.Message) (*v1.Message, error) {
	collabID := msg.Metadata[MetaCollaborationID]
	if collabID == "" {
		collabID = uuid.New().String()
		h.logger.Debug("Collaboration started",
			zap.String("collaboration_id", collabID),
			zap.String("from", msg.From),
			zap.String("to", msg.To))
	}

	return &v1.Message{
		From:     msg.To,
		To:       msg.From,
		Type:     v1.MessageTypeDirect,
		Content:  fmt.Sprintf("ack: %s", msg.Content),
		Priority: msg.Priority,
		Metadata: map[string]string{MetaCollaborationID: collabID},
	}, nil
}

// StatusUpdateHandler consumes system messages without replying.
type StatusUpdateHandler struct {
	logger *logger.Logger
}

// NewStatusUpdateHandler creates the default system message handler.
func NewStatusUpdateHandler(log *logger.Logger) *StatusUpdateHandler {
	return &StatusUpdateHandler{logger: log}
}

func (h *StatusUpdateHandler) Name() string { return "status-update" }

func (h *StatusUpdateHandler) CanHandle(msg *v1.Message) bool {
	return msg.Type == v1.MessageTypeSystem
}

func (h *StatusUpdateHandler) Handle(ctx context.Context, msg *v1.Message) (*v1.Message, error) {
	h.logger.Debug("Status update",
		zap.String("from", msg.From),
		zap.String("to", msg.To),
		zap.String("content", msg.Content))
	return nil, nil
}

// DefaultRegistry builds the standard handler chain.
func DefaultRegistry(directory AgentDirectory, log *logger.Logger) *Registry {
	r := NewRegistry()
	r.Register(NewTaskRequestHandler(log))
	r.Register(NewInfoRequestHandler(directory, log))
	r.Register(NewCollaborationHandler(log))
	r.Register(NewStatusUpdateHandler(log))
	return r
}
