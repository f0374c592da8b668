package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noxlabs/nox/internal/broker/protocol"
	"github.com/noxlabs/nox/internal/common/config"
	"github.com/noxlabs/nox/internal/common/errdefs"
	"github.com/noxlabs/nox/internal/common/logger"
	"github.com/noxlabs/nox/internal/events/bus"
	"github.com/noxlabs/nox/internal/registry"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

// recordingDeliverer captures deliveries in arrival order.
type recordingDeliverer struct {
	mu    sync.Mutex
	calls []delivery
}

type delivery struct {
	agentID string
	msg     *v1.Message
}

func (d *recordingDeliverer) Deliver(ctx context.Context, agentID string, msg *v1.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, delivery{agentID: agentID, msg: msg})
	return nil
}

func (d *recordingDeliverer) deliveries() []delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]delivery, len(d.calls))
	copy(out, d.calls)
	return out
}

type brokerFixture struct {
	broker    *Broker
	deliverer *recordingDeliverer
	store     *registry.Store
}

func newFixture(t *testing.T, cfg config.BrokerConfig, agents ...string) *brokerFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	store, err := registry.Open(config.RegistryConfig{WorkingDir: t.TempDir()}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for _, id := range agents {
		require.NoError(t, store.CreateAgent(&v1.Agent{
			ID: id, Name: id, SystemPrompt: "p",
			Capabilities: []string{"code-review", "search"},
			Status:       v1.AgentStatusRunning,
			CreatedAt:    time.Now().UTC(),
		}))
	}

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	deliverer := &recordingDeliverer{}
	b := New(cfg, store, protocol.DefaultRegistry(store, log), deliverer, eventBus, log)
	t.Cleanup(b.Shutdown)
	return &brokerFixture{broker: b, deliverer: deliverer, store: store}
}

func defaultCfg() config.BrokerConfig {
	return config.BrokerConfig{QueueSize: 100, Workers: 1, HistoryPerAgent: 10}
}

func waitDeliveries(t *testing.T, d *recordingDeliverer, n int) []delivery {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls := d.deliveries(); len(calls) >= n {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d deliveries, got %d", n, len(d.deliveries()))
	return nil
}

func TestPriorityOrdering(t *testing.T) {
	fx := newFixture(t, defaultCfg(), "sender", "receiver")

	// enqueue before starting so the dispatcher sees all three at once
	for _, p := range []v1.Priority{v1.PriorityLow, v1.PriorityCritical, v1.PriorityMedium} {
		_, err := fx.broker.SendMessage(context.Background(), &v1.SendMessageRequest{
			From: "sender", To: "receiver", Type: v1.MessageTypeDirect, Priority: p,
		})
		require.NoError(t, err)
	}
	require.NoError(t, fx.broker.Start(context.Background()))

	calls := waitDeliveries(t, fx.deliverer, 3)
	assert.Equal(t, v1.PriorityCritical, calls[0].msg.Priority)
	assert.Equal(t, v1.PriorityMedium, calls[1].msg.Priority)
	assert.Equal(t, v1.PriorityLow, calls[2].msg.Priority)
}

func TestFIFOWithinPriority(t *testing.T) {
	fx := newFixture(t, defaultCfg(), "sender", "receiver")

	for i := 0; i < 5; i++ {
		_, err := fx.broker.SendMessage(context.Background(), &v1.SendMessageRequest{
			From: "sender", To: "receiver", Type: v1.MessageTypeDirect,
			Priority: v1.PriorityMedium,
			Content:  string(rune('a' + i)),
		})
		require.NoError(t, err)
	}
	require.NoError(t, fx.broker.Start(context.Background()))

	calls := waitDeliveries(t, fx.deliverer, 5)
	for i, call := range calls {
		assert.Equal(t, string(rune('a'+i)), call.msg.Content)
	}
}

func TestQueueFull(t *testing.T) {
	cfg := defaultCfg()
	cfg.QueueSize = 2
	fx := newFixture(t, cfg, "sender", "receiver")

	ctx := context.Background()
	req := &v1.SendMessageRequest{From: "sender", To: "receiver", Type: v1.MessageTypeDirect}
	_, err := fx.broker.SendMessage(ctx, req)
	require.NoError(t, err)
	_, err = fx.broker.SendMessage(ctx, req)
	require.NoError(t, err)

	_, err = fx.broker.SendMessage(ctx, req)
	assert.True(t, errdefs.IsCapacity(err))
	assert.Equal(t, 2, fx.broker.QueueLength())
}

func TestValidationRejected(t *testing.T) {
	fx := newFixture(t, defaultCfg(), "sender")

	_, err := fx.broker.SendMessage(context.Background(), &v1.SendMessageRequest{
		From: "sender", To: "sender", Type: v1.MessageTypeDirect,
	})
	assert.True(t, errdefs.IsInvalid(err))
}

func TestUnknownRecipientRecordedUndelivered(t *testing.T) {
	fx := newFixture(t, defaultCfg(), "sender")
	require.NoError(t, fx.broker.Start(context.Background()))

	msg, err := fx.broker.SendMessage(context.Background(), &v1.SendMessageRequest{
		From: "sender", To: "ghost", Type: v1.MessageTypeDirect,
	})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		history := fx.broker.GetMessageHistory("sender", 0, false)
		if len(history) == 1 {
			assert.Equal(t, msg.ID, history[0].Message.ID)
			assert.Equal(t, v1.DeliveryUndelivered, history[0].Status)
			assert.Empty(t, fx.deliverer.deliveries())
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("undelivered entry never recorded")
}

func TestBroadcastRespectsFilters(t *testing.T) {
	fx := newFixture(t, defaultCfg(), "sender", "tasker", "chatter")

	fx.broker.Subscribe("tasker", &Filter{Types: []v1.MessageType{v1.MessageTypeTaskRequest}})
	fx.broker.Subscribe("chatter", &Filter{Types: []v1.MessageType{v1.MessageTypeDirect}})
	require.NoError(t, fx.broker.Start(context.Background()))

	_, err := fx.broker.SendMessage(context.Background(), &v1.SendMessageRequest{
		From: "sender", To: v1.Broadcast, Type: v1.MessageTypeTaskRequest,
	})
	require.NoError(t, err)

	calls := waitDeliveries(t, fx.deliverer, 1)
	assert.Equal(t, "tasker", calls[0].agentID)
	// task_request broadcast triggers a task_response reply back to sender
	calls = waitDeliveries(t, fx.deliverer, 2)
	assert.Equal(t, "sender", calls[1].agentID)
	assert.Equal(t, v1.MessageTypeTaskResponse, calls[1].msg.Type)
}

func TestSubscribedFilterBlocksDirect(t *testing.T) {
	fx := newFixture(t, defaultCfg(), "sender", "receiver")

	// receiver only wants system messages
	fx.broker.Subscribe("receiver", &Filter{Types: []v1.MessageType{v1.MessageTypeSystem}})
	require.NoError(t, fx.broker.Start(context.Background()))

	_, err := fx.broker.SendMessage(context.Background(), &v1.SendMessageRequest{
		From: "sender", To: "receiver", Type: v1.MessageTypeDirect,
	})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		history := fx.broker.GetMessageHistory("receiver", 0, false)
		if len(history) == 1 {
			assert.Equal(t, v1.DeliveryUndelivered, history[0].Status)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("filtered message never recorded")
}

func TestTaskRequestReplyCarriesTaskID(t *testing.T) {
	fx := newFixture(t, defaultCfg(), "planner", "worker")
	require.NoError(t, fx.broker.Start(context.Background()))

	sent, err := fx.broker.SendMessage(context.Background(), &v1.SendMessageRequest{
		From: "planner", To: "worker", Type: v1.MessageTypeTaskRequest,
		Priority: v1.PriorityHigh,
		Metadata: map[string]string{protocol.MetaTaskID: "t-42"},
	})
	require.NoError(t, err)

	calls := waitDeliveries(t, fx.deliverer, 2)
	reply := calls[1].msg
	assert.Equal(t, v1.MessageTypeTaskResponse, reply.Type)
	assert.Equal(t, "planner", reply.To)
	assert.Equal(t, sent.ID, reply.ReplyTo)
	assert.Equal(t, v1.PriorityHigh, reply.Priority)
	assert.Equal(t, "t-42", reply.Metadata[protocol.MetaTaskID])
}

func TestHistoryOrder(t *testing.T) {
	fx := newFixture(t, defaultCfg(), "sender", "receiver")
	require.NoError(t, fx.broker.Start(context.Background()))

	for _, content := range []string{"first", "second", "third"} {
		_, err := fx.broker.SendMessage(context.Background(), &v1.SendMessageRequest{
			From: "sender", To: "receiver", Type: v1.MessageTypeSystem, Content: content,
		})
		require.NoError(t, err)
	}
	waitDeliveries(t, fx.deliverer, 3)

	newest := fx.broker.GetMessageHistory("receiver", 0, false)
	require.Len(t, newest, 3)
	assert.Equal(t, "third", newest[0].Message.Content)

	chrono := fx.broker.GetMessageHistory("receiver", 0, true)
	assert.Equal(t, "first", chrono[0].Message.Content)

	limited := fx.broker.GetMessageHistory("receiver", 2, false)
	assert.Len(t, limited, 2)
}

func TestTopologySurvivesRestart(t *testing.T) {
	fx := newFixture(t, defaultCfg(), "keeper")
	fx.broker.Subscribe("keeper", &Filter{Types: []v1.MessageType{v1.MessageTypeSystem}})

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	reborn := New(defaultCfg(), fx.store, protocol.NewRegistry(), &recordingDeliverer{}, eventBus, log)
	require.NoError(t, reborn.RestoreTopology())

	filter, ok := reborn.subs.get("keeper")
	require.True(t, ok)
	assert.Equal(t, []v1.MessageType{v1.MessageTypeSystem}, filter.Types)
}
