package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noxlabs/nox/internal/agent/manager"
	"github.com/noxlabs/nox/internal/approval"
	"github.com/noxlabs/nox/internal/broker"
	"github.com/noxlabs/nox/internal/broker/protocol"
	"github.com/noxlabs/nox/internal/common/config"
	"github.com/noxlabs/nox/internal/common/logger"
	"github.com/noxlabs/nox/internal/events/bus"
	"github.com/noxlabs/nox/internal/registry"
	"github.com/noxlabs/nox/internal/task"
	"github.com/noxlabs/nox/pkg/agentproto"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

// fakeSupervisor satisfies manager.ProcessSupervisor without spawning
// real subprocesses.
type fakeSupervisor struct {
	mu       sync.Mutex
	running  map[string]bool
	onStatus func(agentID string, status v1.AgentStatus)
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{running: make(map[string]bool)}
}

func (f *fakeSupervisor) Spawn(ctx context.Context, agent *v1.Agent) error {
	f.mu.Lock()
	f.running[agent.ID] = true
	fn := f.onStatus
	f.mu.Unlock()
	if fn != nil {
		fn(agent.ID, v1.AgentStatusRunning)
	}
	return nil
}

func (f *fakeSupervisor) Stop(ctx context.Context, agentID string, timeout time.Duration) error {
	f.mu.Lock()
	delete(f.running, agentID)
	fn := f.onStatus
	f.mu.Unlock()
	if fn != nil {
		fn(agentID, v1.AgentStatusStopped)
	}
	return nil
}

func (f *fakeSupervisor) Send(agentID string, frame *agentproto.ControlFrame) error {
	return nil
}

func (f *fakeSupervisor) IsRunning(agentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[agentID]
}

func (f *fakeSupervisor) SetStatusHandler(fn func(agentID string, status v1.AgentStatus)) {
	f.mu.Lock()
	f.onStatus = fn
	f.mu.Unlock()
}

type apiFixture struct {
	ts  *httptest.Server
	cfg *config.Config
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	cfg := &config.Config{
		Registry:  config.RegistryConfig{WorkingDir: t.TempDir()},
		Broker:    config.BrokerConfig{QueueSize: 64, Workers: 2, HistoryPerAgent: 32},
		Approvals: config.ApprovalsConfig{SweepIntervalMs: 1000, DefaultTTLMin: 15},
		Supervisor: config.SupervisorConfig{
			CPUThreshold:      80,
			MemoryThresholdMB: 500,
		},
		Logging: config.LoggingConfig{Level: "error", Format: "console"},
	}

	store, err := registry.Open(cfg.Registry, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	agents := manager.New(store, newFakeSupervisor(), eventBus, log)

	deliverer := broker.DelivererFunc(func(ctx context.Context, agentID string, msg *v1.Message) error {
		return nil
	})
	brk := broker.New(cfg.Broker, store, protocol.DefaultRegistry(store, log), deliverer, eventBus, log)
	require.NoError(t, brk.Start(context.Background()))
	t.Cleanup(brk.Shutdown)

	tasks := task.NewService(store, brk, eventBus, log)
	agents.SetTaskCanceller(tasks.CancelAgentTasks)

	approvals, err := approval.NewManager(cfg.Approvals, store, eventBus, log)
	require.NoError(t, err)
	t.Cleanup(approvals.Close)

	srv := New(cfg.Server, Deps{
		Config:    cfg,
		Agents:    agents,
		Tasks:     tasks,
		Broker:    brk,
		Approvals: approvals,
		Store:     store,
	}, log)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &apiFixture{ts: ts, cfg: cfg}
}

func (fx *apiFixture) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, fx.ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := fx.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestAgentLifecycleEndpoints(t *testing.T) {
	fx := newAPIFixture(t)

	resp := fx.do(t, http.MethodPost, "/api/agents", v1.CreateAgentRequest{
		ID: "alpha", Name: "Alpha", SystemPrompt: "assist",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created v1.Agent
	decode(t, resp, &created)
	assert.Equal(t, v1.AgentStatusInactive, created.Status)

	resp = fx.do(t, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []*v1.Agent
	decode(t, resp, &list)
	assert.Len(t, list, 1)

	newName := "Alpha Prime"
	resp = fx.do(t, http.MethodPut, "/api/agents/alpha", v1.UpdateAgentRequest{Name: &newName})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated v1.Agent
	decode(t, resp, &updated)
	assert.Equal(t, newName, updated.Name)

	resp = fx.do(t, http.MethodDelete, "/api/agents/alpha", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = fx.do(t, http.MethodGet, "/api/agents/alpha", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body errorBody
	decode(t, resp, &body)
	assert.Equal(t, "not_found", body.Error)
	assert.Equal(t, http.StatusNotFound, body.Code)
}

func TestCreateAgentValidation(t *testing.T) {
	fx := newAPIFixture(t)

	resp := fx.do(t, http.MethodPost, "/api/agents", map[string]string{"name": "no id"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body errorBody
	decode(t, resp, &body)
	assert.Equal(t, "invalid", body.Error)
}

func TestTaskEndpoints(t *testing.T) {
	fx := newAPIFixture(t)

	resp := fx.do(t, http.MethodPost, "/api/agents", v1.CreateAgentRequest{
		ID: "worker", SystemPrompt: "assist",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = fx.do(t, http.MethodPost, "/api/tasks", v1.CreateTaskRequest{
		AgentID: "worker", Title: "ship it",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created v1.Task
	decode(t, resp, &created)
	assert.Equal(t, v1.TaskStatusTodo, created.Status)

	resp = fx.do(t, http.MethodGet, "/api/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// completing from todo skips inprogress and must be refused
	done := v1.TaskStatusDone
	resp = fx.do(t, http.MethodPut, "/api/tasks/"+created.ID, v1.UpdateTaskRequest{Status: &done})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var body errorBody
	decode(t, resp, &body)
	assert.Equal(t, "conflict", body.Error)

	resp = fx.do(t, http.MethodGet, "/api/tasks/dashboard", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dash v1.TaskDashboard
	decode(t, resp, &dash)
	assert.Equal(t, 1, dash.Total)

	resp = fx.do(t, http.MethodGet, "/api/agents/worker/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var owned []*v1.Task
	decode(t, resp, &owned)
	assert.Len(t, owned, 1)
}

func TestMessageEndpoints(t *testing.T) {
	fx := newAPIFixture(t)

	resp := fx.do(t, http.MethodPost, "/api/agents", v1.CreateAgentRequest{
		ID: "echo", SystemPrompt: "assist",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = fx.do(t, http.MethodPost, "/api/messages", v1.SendMessageRequest{
		From: "user", To: "echo", Type: v1.MessageTypeDirect, Content: "hello",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var msg v1.Message
	decode(t, resp, &msg)
	assert.NotEmpty(t, msg.ID)

	require.Eventually(t, func() bool {
		resp := fx.do(t, http.MethodGet, "/api/messages?agentId=echo", nil)
		defer resp.Body.Close()
		var entries []*v1.HistoryEntry
		if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
			return false
		}
		return len(entries) == 1
	}, 2*time.Second, 20*time.Millisecond)

	resp = fx.do(t, http.MethodGet, "/api/messages?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestApprovalEndpoints(t *testing.T) {
	fx := newAPIFixture(t)

	resp := fx.do(t, http.MethodGet, "/api/approvals/pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending []*v1.ApprovalRecord
	decode(t, resp, &pending)
	assert.Empty(t, pending)

	resp = fx.do(t, http.MethodPost, "/api/approvals/ghost/respond", v1.RespondRequest{
		Approved: true, DecidedBy: "tester",
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthAndStatus(t *testing.T) {
	fx := newAPIFixture(t)

	resp := fx.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]interface{}
	decode(t, resp, &health)
	assert.Equal(t, "ok", health["status"])

	resp = fx.do(t, http.MethodGet, "/api/system/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status map[string]interface{}
	decode(t, resp, &status)
	assert.Equal(t, "ok", status["status"])
	assert.NotNil(t, status["registry"])

	resp = fx.do(t, http.MethodGet, "/api/websocket-info", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info map[string]string
	decode(t, resp, &info)
	assert.Equal(t, "/api/ws", info["url"])
}

func TestConfigEndpoints(t *testing.T) {
	fx := newAPIFixture(t)

	resp := fx.do(t, http.MethodPut, "/api/system/config", map[string]interface{}{
		"supervisor": map[string]interface{}{"cpuThreshold": 95.0},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, 95.0, fx.cfg.Supervisor.CPUThreshold)

	resp = fx.do(t, http.MethodPut, "/api/system/config", map[string]interface{}{
		"logging": map[string]interface{}{"level": "verbose"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = fx.do(t, http.MethodGet, "/api/system/config", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cfg config.Config
	decode(t, resp, &cfg)
	assert.Equal(t, 95.0, cfg.Supervisor.CPUThreshold)
}

func TestMetricsDisabled(t *testing.T) {
	fx := newAPIFixture(t)

	resp := fx.do(t, http.MethodGet, "/api/metrics/system", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body errorBody
	decode(t, resp, &body)
	assert.Equal(t, "unavailable", body.Error)
}

func TestInstallerDisabled(t *testing.T) {
	fx := newAPIFixture(t)

	resp := fx.do(t, http.MethodPost, "/api/agents/any/capabilities", map[string]interface{}{
		"image": "img", "capabilities": []string{"x"},
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestDelegateEndpoint(t *testing.T) {
	fx := newAPIFixture(t)

	for _, id := range []string{"planner", "builder"} {
		resp := fx.do(t, http.MethodPost, "/api/agents", v1.CreateAgentRequest{
			ID: id, SystemPrompt: "assist",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	resp := fx.do(t, http.MethodPost, "/api/tasks/delegate", map[string]interface{}{
		"from_agent": "planner", "to_agent": "builder", "title": "split the work",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created v1.Task
	decode(t, resp, &created)
	assert.Equal(t, "builder", created.AgentID)
	assert.Equal(t, "planner", created.RequestedBy)
}
