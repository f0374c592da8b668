package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/noxlabs/nox/internal/common/logger"
	"github.com/noxlabs/nox/internal/events"
	"github.com/noxlabs/nox/internal/events/bus"
	ws "github.com/noxlabs/nox/pkg/websocket"
)

// frameTypes maps bus event types to the frame types observers see. Bus
// events without a mapping stay internal.
var frameTypes = map[string]string{
	events.AgentCreated:       ws.EventAgentCreated,
	events.AgentUpdated:       ws.EventAgentUpdated,
	events.AgentDeleted:       ws.EventAgentDeleted,
	events.AgentStatusChanged: ws.EventAgentStatus,
	events.AgentHealth:        ws.EventAgentHealth,
	events.AgentLog:           ws.EventAgentLog,
	events.AgentResponse:      ws.EventAgentResponse,
	events.AgentCrashed:       ws.EventAgentCrashed,
	events.AgentRestarted:     ws.EventAgentRestarted,
	events.TaskCreated:        ws.EventTaskCreated,
	events.TaskUpdated:        ws.EventTaskUpdated,
	events.TaskDelegated:      ws.EventTaskDelegated,
	events.TaskCompleted:      ws.EventTaskCompleted,
	events.TaskCancelled:      ws.EventTaskCancelled,
	events.TaskBlocked:        ws.EventTaskUpdated,
	events.TaskUnblocked:      ws.EventTaskUpdated,
	events.MessageDelivered:   ws.EventAgentMessage,
	events.MessageFailed:      ws.EventMessageFailed,
	events.ApprovalRequested:  ws.EventApprovalOpened,
	events.ApprovalResolved:   ws.EventApprovalClosed,
	events.ApprovalExpired:    ws.EventApprovalClosed,
	events.SystemMetrics:      ws.EventSystemMetrics,
	events.SubscriberLagged:   ws.EventSubscriberLag,
}

// Bridge subscribes to the full bus stream and forwards mapped events to
// the hub.
type Bridge struct {
	hub    *Hub
	bus    bus.EventBus
	sub    bus.Subscription
	logger *logger.Logger
}

// NewBridge creates the bus-to-hub bridge.
func NewBridge(hub *Hub, eventBus bus.EventBus, log *logger.Logger) *Bridge {
	return &Bridge{
		hub:    hub,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "ws_bridge")),
	}
}

// Start begins forwarding.
func (b *Bridge) Start() error {
	sub, err := b.bus.Subscribe(events.AllEvents(), b.forward)
	if err != nil {
		return err
	}
	b.sub = sub
	return nil
}

// Stop detaches from the bus.
func (b *Bridge) Stop() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
}

func (b *Bridge) forward(ctx context.Context, event *bus.Event) error {
	frameType, ok := frameTypes[event.Type]
	if !ok {
		return nil
	}

	frame, err := ws.NewFrame(frameType, event)
	if err != nil {
		b.logger.Error("Failed to build frame",
			zap.String("event_type", event.Type),
			zap.Error(err))
		return nil
	}
	b.hub.Broadcast(frame, event.AgentID)
	return nil
}
