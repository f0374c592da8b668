// Package events defines the subjects published on the Nox event bus.
//
// Subjects are dot-separated NATS style: entity, action, then optional
// entity ID. Subscribers use * (one token) and > (rest) wildcards.
package events

// Event types for agents
const (
	AgentCreated       = "agent.created"
	AgentUpdated       = "agent.updated"
	AgentDeleted       = "agent.deleted"
	AgentStatusChanged = "agent.status_changed"
	AgentHealth        = "agent.health"
	AgentLog           = "agent.log"
	AgentResponse      = "agent.response"
	AgentCrashed       = "agent.crashed"
	AgentRestarted     = "agent.restarted"
)

// Event types for tasks
const (
	TaskCreated   = "task.created"
	TaskUpdated   = "task.updated"
	TaskDelegated = "task.delegated"
	TaskCompleted = "task.completed"
	TaskCancelled = "task.cancelled"
	TaskBlocked   = "task.blocked"
	TaskUnblocked = "task.unblocked"
)

// Event types for messages
const (
	MessageEnqueued  = "message.enqueued"
	MessageDelivered = "message.delivered"
	MessageFailed    = "message.failed"
)

// Event types for approvals
const (
	ApprovalRequested = "approval.requested"
	ApprovalResolved  = "approval.resolved"
	ApprovalExpired   = "approval.expired"
)

// Event types for the system itself
const (
	SystemMetrics    = "system.metrics"
	SystemShutdown   = "system.shutdown"
	SubscriberLagged = "system.subscriber_lagged"
)

// BuildAgentSubject scopes an agent event to a specific agent.
func BuildAgentSubject(eventType, agentID string) string {
	return eventType + "." + agentID
}

// BuildTaskSubject scopes a task event to a specific task.
func BuildTaskSubject(eventType, taskID string) string {
	return eventType + "." + taskID
}

// AllAgentEvents subscribes to every agent event regardless of agent.
func AllAgentEvents() string {
	return "agent.>"
}

// AllTaskEvents subscribes to every task event.
func AllTaskEvents() string {
	return "task.>"
}

// AllEvents subscribes to the full stream.
func AllEvents() string {
	return ">"
}
