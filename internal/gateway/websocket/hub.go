// Package websocket fans the event stream out to connected observers over
// gorilla websockets.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/noxlabs/nox/internal/common/logger"
	ws "github.com/noxlabs/nox/pkg/websocket"
)

// outbound pairs a frame with the agent it concerns so per-client filters
// can be applied at fanout time.
type outbound struct {
	frame   *ws.Frame
	agentID string
}

// Hub manages all observer connections.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 256),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run processes registrations and fanout until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case out := <-h.broadcast:
			h.fanout(out)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// fanout delivers a frame to every client whose filter matches. A client
// with a full send buffer loses the frame rather than blocking the hub.
func (h *Hub) fanout(out outbound) {
	data, err := json.Marshal(out.frame)
	if err != nil {
		h.logger.Error("Failed to marshal frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.filterMatches(out.frame.Type, out.agentID) {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.logger.Debug("Client send buffer full, frame dropped",
				zap.String("client_id", client.ID),
				zap.String("frame_type", out.frame.Type))
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues a frame for every matching client.
func (h *Hub) Broadcast(frame *ws.Frame, agentID string) {
	select {
	case h.broadcast <- outbound{frame: frame, agentID: agentID}:
	default:
		h.logger.Warn("Hub broadcast buffer full, frame dropped",
			zap.String("frame_type", frame.Type))
	}
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
