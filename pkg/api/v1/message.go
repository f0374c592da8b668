package v1

import (
	"time"

	"github.com/noxlabs/nox/internal/common/errdefs"
)

// Broadcast is the wildcard recipient: the message is offered to every agent
// whose subscription filter matches.
const Broadcast = "*"

// MessageType classifies inter-agent messages for handler routing and
// subscription filtering.
type MessageType string

const (
	MessageTypeTaskRequest     MessageType = "task_request"
	MessageTypeTaskResponse    MessageType = "task_response"
	MessageTypeCapabilityQuery MessageType = "capability_query"
	MessageTypeDirect          MessageType = "direct"
	MessageTypeSystem          MessageType = "system"
	MessageTypeApproval        MessageType = "approval_request"
)

// Priority orders queued messages. Higher rank delivers first.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Rank returns the numeric rank used for queue ordering.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	default:
		return 0
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Message is an immutable inter-agent message. The broker assigns ID and
// Timestamp on enqueue; callers must not mutate a message after sending.
type Message struct {
	ID               string            `json:"id"`
	From             string            `json:"from"`
	To               string            `json:"to"`
	Type             MessageType       `json:"type"`
	Content          string            `json:"content"`
	Priority         Priority          `json:"priority"`
	Timestamp        time.Time         `json:"timestamp"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	RequiresApproval bool              `json:"requires_approval,omitempty"`
	ReplyTo          string            `json:"reply_to,omitempty"`
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	cp := *m
	if m.Metadata != nil {
		cp.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Validate checks a message before enqueue.
func (m *Message) Validate() error {
	if m.From == "" || m.To == "" {
		return errdefs.Invalid("message requires both from and to")
	}
	if m.From == m.To {
		return errdefs.Invalid("message from and to must differ")
	}
	if m.Type == "" {
		return errdefs.Invalid("message type is required")
	}
	if m.Priority != "" && !m.Priority.Valid() {
		return errdefs.Invalid("unknown priority %q", m.Priority)
	}
	return nil
}

// DeliveryStatus records the outcome of a delivery attempt in history.
type DeliveryStatus string

const (
	DeliveryDelivered   DeliveryStatus = "delivered"
	DeliveryUndelivered DeliveryStatus = "undelivered"
)

// HistoryEntry is one persisted record in an agent's message history.
type HistoryEntry struct {
	Message *Message       `json:"message"`
	Status  DeliveryStatus `json:"status"`
}

// SendMessageRequest enqueues a message via the REST API.
type SendMessageRequest struct {
	From     string            `json:"from" binding:"required"`
	To       string            `json:"to" binding:"required"`
	Type     MessageType       `json:"type" binding:"required"`
	Content  string            `json:"content"`
	Priority Priority          `json:"priority,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
