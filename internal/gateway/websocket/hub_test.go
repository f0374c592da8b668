package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noxlabs/nox/internal/common/logger"
	"github.com/noxlabs/nox/internal/events"
	"github.com/noxlabs/nox/internal/events/bus"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
	ws "github.com/noxlabs/nox/pkg/websocket"
)

type staticAgents struct{}

func (staticAgents) List(ctx context.Context, status v1.AgentStatus) []*v1.Agent {
	return []*v1.Agent{{ID: "beta", Status: v1.AgentStatusRunning}}
}

type staticDashboard struct{}

func (staticDashboard) Dashboard() *v1.TaskDashboard {
	return &v1.TaskDashboard{Total: 1}
}

type gatewayFixture struct {
	hub      *Hub
	eventBus bus.EventBus
	server   *httptest.Server
}

func newGateway(t *testing.T) *gatewayFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	hub := NewHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	bridge := NewBridge(hub, eventBus, log)
	require.NoError(t, bridge.Start())
	t.Cleanup(bridge.Stop)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler := NewHandler(hub, staticAgents{}, staticDashboard{}, log)
	router.GET("/ws", handler.HandleConnection)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &gatewayFixture{hub: hub, eventBus: eventBus, server: server}
}

// frameReader splits batched websocket messages back into frames.
type frameReader struct {
	conn   *gorillaws.Conn
	queued [][]byte
}

func (fx *gatewayFixture) dial(t *testing.T) *frameReader {
	t.Helper()
	url := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "/ws"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &frameReader{conn: conn}
}

func (r *frameReader) next(t *testing.T) *ws.Frame {
	t.Helper()
	for len(r.queued) == 0 {
		r.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, message, err := r.conn.ReadMessage()
		require.NoError(t, err)
		for _, part := range bytes.Split(message, []byte{'\n'}) {
			if len(part) > 0 {
				r.queued = append(r.queued, part)
			}
		}
	}
	data := r.queued[0]
	r.queued = r.queued[1:]

	var frame ws.Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return &frame
}

func TestConnectSequence(t *testing.T) {
	fx := newGateway(t)
	reader := fx.dial(t)

	hello := reader.next(t)
	require.Equal(t, ws.EventConnectionEstablished, hello.Type)
	var payload ws.ConnectionEstablished
	require.NoError(t, hello.ParseData(&payload))
	assert.NotEmpty(t, payload.ClientID)
	assert.False(t, payload.ServerTime.IsZero())

	assert.Equal(t, ws.EventAgentStatusList, reader.next(t).Type)
	assert.Equal(t, ws.EventTaskDashboard, reader.next(t).Type)
}

func TestPingPong(t *testing.T) {
	fx := newGateway(t)
	reader := fx.dial(t)

	// drain the connect sequence
	for i := 0; i < 3; i++ {
		reader.next(t)
	}

	require.NoError(t, reader.conn.WriteJSON(&ws.ClientFrame{Type: ws.ClientPing}))
	assert.Equal(t, ws.EventPong, reader.next(t).Type)
}

func TestBridgeForwardsMappedEvents(t *testing.T) {
	fx := newGateway(t)
	reader := fx.dial(t)
	for i := 0; i < 3; i++ {
		reader.next(t)
	}

	require.Eventually(t, func() bool { return fx.hub.ClientCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	event := bus.NewEvent(events.TaskCreated, "task", map[string]interface{}{"task_id": "t-1"})
	require.NoError(t, fx.eventBus.Publish(context.Background(), events.TaskCreated, event))

	frame := reader.next(t)
	assert.Equal(t, ws.EventTaskCreated, frame.Type)
}

func TestSubscribeFilter(t *testing.T) {
	fx := newGateway(t)
	reader := fx.dial(t)
	for i := 0; i < 3; i++ {
		reader.next(t)
	}

	require.NoError(t, reader.conn.WriteJSON(&ws.ClientFrame{
		Type:   ws.ClientSubscribe,
		Filter: &ws.SubscribeFilter{Events: []string{ws.EventTaskCompleted}},
	}))
	assert.Equal(t, ws.EventSubscribed, reader.next(t).Type)

	// agent_created is filtered out, task_completed passes
	created := bus.NewEvent(events.AgentCreated, "manager", nil).WithAgent("beta")
	require.NoError(t, fx.eventBus.Publish(context.Background(),
		events.BuildAgentSubject(events.AgentCreated, "beta"), created))
	completed := bus.NewEvent(events.TaskCompleted, "task", map[string]interface{}{"task_id": "t-1"})
	require.NoError(t, fx.eventBus.Publish(context.Background(),
		events.BuildTaskSubject(events.TaskCompleted, "t-1"), completed))

	frame := reader.next(t)
	assert.Equal(t, ws.EventTaskCompleted, frame.Type)
}

func TestUnknownClientFrameGetsError(t *testing.T) {
	fx := newGateway(t)
	reader := fx.dial(t)
	for i := 0; i < 3; i++ {
		reader.next(t)
	}

	require.NoError(t, reader.conn.WriteJSON(&ws.ClientFrame{Type: "bogus"}))
	frame := reader.next(t)
	require.Equal(t, ws.EventError, frame.Type)
	var payload ws.ErrorPayload
	require.NoError(t, frame.ParseData(&payload))
	assert.Equal(t, "bad_request", payload.Code)
}
