package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/noxlabs/nox/internal/common/logger"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
	ws "github.com/noxlabs/nox/pkg/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// AgentLister provides the agent snapshot sent on connect.
type AgentLister interface {
	List(ctx context.Context, status v1.AgentStatus) []*v1.Agent
}

// DashboardSource provides the task snapshot sent on connect.
type DashboardSource interface {
	Dashboard() *v1.TaskDashboard
}

// Handler upgrades HTTP connections and runs the connect sequence.
type Handler struct {
	hub       *Hub
	agents    AgentLister
	dashboard DashboardSource
	logger    *logger.Logger
}

// NewHandler creates the websocket endpoint handler.
func NewHandler(hub *Hub, agents AgentLister, dashboard DashboardSource, log *logger.Logger) *Handler {
	return &Handler{
		hub:       hub,
		agents:    agents,
		dashboard: dashboard,
		logger:    log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades the request, sends the initial snapshots and
// starts the pumps.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)

	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	client.sendFrame(ws.EventConnectionEstablished, &ws.ConnectionEstablished{
		ClientID:   clientID,
		ServerTime: time.Now().UTC(),
	})
	client.sendFrame(ws.EventAgentStatusList, h.agents.List(c.Request.Context(), ""))
	client.sendFrame(ws.EventTaskDashboard, h.dashboard.Dashboard())

	go client.WritePump()
	client.ReadPump()
}
