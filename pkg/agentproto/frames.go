// Package agentproto defines the newline-delimited JSON protocol spoken
// between the control plane and agent subprocesses over stdin/stdout.
//
// Each line is one JSON frame. The control plane writes ControlFrames to the
// agent's stdin; the agent writes AgentFrames to its stdout. stderr is free
// text captured for diagnostics.
package agentproto

import (
	"encoding/json"
	"time"

	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

// ControlKind identifies a frame sent to the agent.
type ControlKind string

const (
	ControlMessage  ControlKind = "message"
	ControlTask     ControlKind = "task"
	ControlShutdown ControlKind = "shutdown"
)

// ControlFrame is one line written to an agent's stdin.
type ControlFrame struct {
	Kind      ControlKind     `json:"kind"`
	Message   *v1.Message     `json:"message,omitempty"`
	Task      *TaskAssignment `json:"task,omitempty"`
	GraceMs   int             `json:"grace_ms,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// TaskAssignment carries a task handed to the agent for execution.
type TaskAssignment struct {
	TaskID      string   `json:"task_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	RequestedBy string   `json:"requested_by,omitempty"`
	Deps        []string `json:"deps,omitempty"`
}

// AgentKind identifies a frame received from the agent.
type AgentKind string

const (
	AgentReady     AgentKind = "ready"
	AgentResponse  AgentKind = "response"
	AgentLog       AgentKind = "log"
	AgentHeartbeat AgentKind = "heartbeat"
)

// AgentFrame is one line read from an agent's stdout.
type AgentFrame struct {
	Kind      AgentKind       `json:"kind"`
	AgentID   string          `json:"agent_id,omitempty"`
	InReplyTo string          `json:"in_reply_to,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	Level     string          `json:"level,omitempty"`
	Progress  *int            `json:"progress,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewShutdown builds the shutdown frame with the given grace period.
func NewShutdown(grace time.Duration) *ControlFrame {
	return &ControlFrame{
		Kind:      ControlShutdown,
		GraceMs:   int(grace.Milliseconds()),
		Timestamp: time.Now().UTC(),
	}
}

// NewMessageFrame wraps an inter-agent message for stdin delivery.
func NewMessageFrame(msg *v1.Message) *ControlFrame {
	return &ControlFrame{
		Kind:      ControlMessage,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}
}

// NewTaskFrame wraps a task assignment for stdin delivery.
func NewTaskFrame(task *TaskAssignment) *ControlFrame {
	return &ControlFrame{
		Kind:      ControlTask,
		Task:      task,
		Timestamp: time.Now().UTC(),
	}
}
