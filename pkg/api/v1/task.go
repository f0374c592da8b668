package v1

import (
	"time"

	"github.com/noxlabs/nox/internal/common/errdefs"
)

// RequestedByUser marks tasks created by a human rather than an agent.
const RequestedByUser = "user"

// TaskStatus represents the state of a task in the task graph.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "inprogress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusDone || s == TaskStatusCancelled
}

// Task is a node in the task graph.
type Task struct {
	ID           string     `json:"id"`
	AgentID      string     `json:"agent_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Status       TaskStatus `json:"status"`
	Priority     Priority   `json:"priority"`
	RequestedBy  string     `json:"requested_by"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Progress     int        `json:"progress"` // 0..100; 100 iff status == done
	BlockedBy    string     `json:"blocked_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Result       string     `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}

// CreateTaskRequest creates a new task.
type CreateTaskRequest struct {
	AgentID      string   `json:"agent_id" binding:"required"`
	Title        string   `json:"title" binding:"required,max=500"`
	Description  string   `json:"description"`
	Priority     Priority `json:"priority,omitempty"`
	RequestedBy  string   `json:"requested_by,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Validate checks the create request at the API boundary.
func (r *CreateTaskRequest) Validate() error {
	if r.AgentID == "" {
		return errdefs.Invalid("agent_id is required")
	}
	if r.Title == "" {
		return errdefs.Invalid("title is required")
	}
	if r.Priority != "" && !r.Priority.Valid() {
		return errdefs.Invalid("unknown priority %q", r.Priority)
	}
	return nil
}

// UpdateTaskRequest patches a task. Nil fields are unchanged.
type UpdateTaskRequest struct {
	Title        *string     `json:"title,omitempty"`
	Description  *string     `json:"description,omitempty"`
	Status       *TaskStatus `json:"status,omitempty"`
	Priority     *Priority   `json:"priority,omitempty"`
	Progress     *int        `json:"progress,omitempty"`
	Dependencies []string    `json:"dependencies,omitempty"`
	Result       *string     `json:"result,omitempty"`
	Error        *string     `json:"error,omitempty"`
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	AgentID  string     `form:"agent_id"`
	Status   TaskStatus `form:"status"`
	Priority Priority   `form:"priority"`
}

// TaskDashboard is a consistent aggregate snapshot over all tasks.
type TaskDashboard struct {
	Total            int                `json:"total"`
	ByStatus         map[TaskStatus]int `json:"by_status"`
	ByPriority       map[Priority]int   `json:"by_priority"`
	ByAgent          map[string]int     `json:"by_agent"`
	BlockedCount     int                `json:"blocked_count"`
	OldestOpenAgeSec int64              `json:"oldest_open_age_sec"`
}
