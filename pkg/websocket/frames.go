// Package websocket defines the frame types exchanged on the real-time
// event stream. Every server frame carries an event type, a JSON payload
// and the emission timestamp.
package websocket

import (
	"encoding/json"
	"time"
)

// Server-pushed event types.
const (
	EventConnectionEstablished = "connection_established"
	EventAgentStatusList       = "agent_status_list"
	EventTaskDashboard         = "task_dashboard"
	EventSubscribed            = "subscribed"
	EventPong                  = "pong"
	EventError                 = "error"

	EventAgentCreated   = "agent_created"
	EventAgentUpdated   = "agent_updated"
	EventAgentDeleted   = "agent_deleted"
	EventAgentStatus    = "agent_status_changed"
	EventAgentHealth    = "agent_health"
	EventAgentLog       = "agent_log"
	EventAgentResponse  = "agent_response"
	EventAgentCrashed   = "agent_crashed"
	EventAgentRestarted = "agent_restarted"
	EventTaskCreated    = "task_created"
	EventTaskUpdated    = "task_updated"
	EventTaskDelegated  = "task_delegated"
	EventTaskCompleted  = "task_completed"
	EventTaskCancelled  = "task_cancelled"
	EventAgentMessage   = "agent_message"
	EventMessageFailed  = "message_failed"
	EventApprovalOpened = "approval_request"
	EventApprovalClosed = "approval_decided"
	EventSystemMetrics  = "system_status_update"
	EventSubscriberLag  = "subscriber_lagged"
)

// Client-sent frame types.
const (
	ClientPing      = "ping"
	ClientSubscribe = "subscribe"
)

// Frame is the envelope for every frame pushed to a client.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewFrame marshals payload into a server frame stamped with the current time.
func NewFrame(eventType string, payload interface{}) (*Frame, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return &Frame{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ParseData unmarshals the frame payload into v.
func (f *Frame) ParseData(v interface{}) error {
	if f.Data == nil {
		return nil
	}
	return json.Unmarshal(f.Data, v)
}

// ClientFrame is a frame received from a client.
type ClientFrame struct {
	Type   string           `json:"type"`
	Filter *SubscribeFilter `json:"filter,omitempty"`
}

// SubscribeFilter narrows which events a client receives. Empty slices
// mean no filtering on that axis.
type SubscribeFilter struct {
	Events   []string `json:"events,omitempty"`
	AgentIDs []string `json:"agent_ids,omitempty"`
}

// Matches reports whether an event for the given agent passes the filter.
// An empty agent ID (system-wide events) only passes the event axis.
func (f *SubscribeFilter) Matches(eventType, agentID string) bool {
	if f == nil {
		return true
	}
	if len(f.Events) > 0 && !contains(f.Events, eventType) {
		return false
	}
	if len(f.AgentIDs) > 0 && agentID != "" && !contains(f.AgentIDs, agentID) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ErrorPayload is the payload of an EventError frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectionEstablished is the first frame sent to each new client.
type ConnectionEstablished struct {
	ClientID   string    `json:"client_id"`
	ServerTime time.Time `json:"server_time"`
}
