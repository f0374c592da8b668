package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/noxlabs/nox/internal/common/logger"
	ws "github.com/noxlabs/nox/pkg/websocket"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// A peer that sends nothing, not even a pong, for this long is dead
	pongWait = 60 * time.Second

	// Server ping cadence, must be under pongWait
	pingPeriod = 30 * time.Second

	// Maximum frame size accepted from a peer
	maxMessageSize = 64 * 1024
)

// Client is one observer connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu     sync.RWMutex
	filter *ws.SubscribeFilter

	logger *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

func (c *Client) filterMatches(eventType, agentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.Matches(eventType, agentID)
}

// ReadPump consumes client frames until the connection dies. Idle peers
// are terminated by the read deadline.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame ws.ClientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.sendError("bad_request", "invalid frame")
			continue
		}
		c.handleFrame(&frame)
	}
}

func (c *Client) handleFrame(frame *ws.ClientFrame) {
	switch frame.Type {
	case ws.ClientPing:
		c.sendFrame(ws.EventPong, nil)

	case ws.ClientSubscribe:
		c.mu.Lock()
		c.filter = frame.Filter
		c.mu.Unlock()
		c.sendFrame(ws.EventSubscribed, frame.Filter)

	default:
		c.sendError("bad_request", "unknown frame type "+frame.Type)
	}
}

// sendFrame queues a frame on this client only.
func (c *Client) sendFrame(eventType string, payload interface{}) {
	frame, err := ws.NewFrame(eventType, payload)
	if err != nil {
		c.logger.Error("Failed to build frame", zap.Error(err))
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("Failed to marshal frame", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Debug("Client send buffer full", zap.String("frame_type", eventType))
	}
}

func (c *Client) sendError(code, message string) {
	c.sendFrame(ws.EventError, &ws.ErrorPayload{Code: code, Message: message})
}

// WritePump writes queued frames and keeps the connection alive with
// periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// batch whatever else is queued
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
