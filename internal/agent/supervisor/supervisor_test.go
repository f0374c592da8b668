package supervisor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noxlabs/nox/internal/common/config"
	"github.com/noxlabs/nox/internal/common/errdefs"
	"github.com/noxlabs/nox/internal/common/logger"
	"github.com/noxlabs/nox/internal/events/bus"
	"github.com/noxlabs/nox/pkg/agentproto"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

func testConfig() config.SupervisorConfig {
	return config.SupervisorConfig{
		CheckIntervalMs:       50,
		UnresponsiveTimeoutMs: 30000,
		CPUThreshold:          80,
		MemoryThresholdMB:     500,
		StartupTimeoutMs:      2000,
		RestartBackoffBaseMs:  10,
		RestartBackoffCapMs:   50,
		RestartMaxAttempts:    2,
		RestartWindowMin:      10,
	}
}

func newTestSupervisor(t *testing.T) (*Supervisor, *bus.MemoryEventBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	sup := New(testConfig(), eventBus, log)
	t.Cleanup(func() {
		_ = sup.StopAll(context.Background(), time.Second)
	})
	return sup, eventBus
}

func shellAgent(id, script string) *v1.Agent {
	return &v1.Agent{
		ID:           id,
		Name:         id,
		SystemPrompt: "test",
		Command:      []string{"sh", "-c", script},
		Status:       v1.AgentStatusInactive,
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSpawnWaitsForReady(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	agent := shellAgent("echoer", `echo '{"kind":"ready"}'; sleep 30`)
	require.NoError(t, sup.Spawn(context.Background(), agent))
	assert.True(t, sup.IsRunning("echoer"))

	// duplicate spawn conflicts
	err := sup.Spawn(context.Background(), agent)
	assert.True(t, errdefs.IsConflict(err))

	require.NoError(t, sup.Stop(context.Background(), "echoer", time.Second))
	assert.False(t, sup.IsRunning("echoer"))
}

func TestSpawnTimesOutWithoutReady(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	sup.cfg.StartupTimeoutMs = 150

	err := sup.Spawn(context.Background(), shellAgent("silent", "sleep 30"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrTimeout)
	assert.False(t, sup.IsRunning("silent"))
}

func TestFramesForwardedToHandler(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	var mu sync.Mutex
	var kinds []agentproto.AgentKind
	sup.SetFrameHandler(func(agentID string, frame *agentproto.AgentFrame) {
		mu.Lock()
		kinds = append(kinds, frame.Kind)
		mu.Unlock()
	})

	script := `echo '{"kind":"ready"}'; echo '{"kind":"heartbeat"}'; echo '{"kind":"log","content":"hi"}'; sleep 30`
	require.NoError(t, sup.Spawn(context.Background(), shellAgent("talker", script)))

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) >= 3
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, agentproto.AgentReady, kinds[0])
	assert.Contains(t, kinds, agentproto.AgentLog)
}

func TestSendReachesStdin(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	var mu sync.Mutex
	var responses []string
	sup.SetFrameHandler(func(agentID string, frame *agentproto.AgentFrame) {
		if frame.Kind == agentproto.AgentResponse {
			mu.Lock()
			responses = append(responses, frame.InReplyTo)
			mu.Unlock()
		}
	})

	// echoes a response frame for every stdin line
	script := `echo '{"kind":"ready"}'
while read line; do echo '{"kind":"response","in_reply_to":"m-1"}'; done`
	require.NoError(t, sup.Spawn(context.Background(), shellAgent("responder", script)))

	require.NoError(t, sup.Send("responder", agentproto.NewMessageFrame(&v1.Message{
		ID: "m-1", From: "planner", To: "responder", Type: v1.MessageTypeDirect,
	})))

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(responses) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "m-1", responses[0])
}

func TestSendToUnknownAgent(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	err := sup.Send("ghost", agentproto.NewShutdown(time.Second))
	assert.True(t, errdefs.IsNotFound(err))
}

func TestStderrCaptured(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	script := `echo '{"kind":"ready"}'; echo "boom detail" 1>&2; sleep 30`
	require.NoError(t, sup.Spawn(context.Background(), shellAgent("noisy", script)))

	waitUntil(t, func() bool {
		tail, err := sup.StderrTail("noisy")
		return err == nil && strings.Contains(tail, "boom detail")
	})
}

func TestHealthSample(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	require.NoError(t, sup.Spawn(context.Background(), shellAgent("healthy", `echo '{"kind":"ready"}'; sleep 30`)))

	h, err := sup.Health("healthy")
	require.NoError(t, err)
	assert.True(t, h.Alive)
	assert.NotZero(t, h.PID)
	assert.Empty(t, h.Flags)

	_, err = sup.Health("ghost")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestCrashEmitsEventAndRespectsBudget(t *testing.T) {
	sup, eventBus := newTestSupervisor(t)

	var mu sync.Mutex
	var statuses []v1.AgentStatus
	sup.SetStatusHandler(func(agentID string, status v1.AgentStatus) {
		mu.Lock()
		statuses = append(statuses, status)
		mu.Unlock()
	})

	crashed := make(chan struct{}, 16)
	_, err := eventBus.Subscribe("agent.crashed.*", func(ctx context.Context, e *bus.Event) error {
		crashed <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	// exits right after ready, every time
	require.NoError(t, sup.Spawn(context.Background(), shellAgent("flappy", `echo '{"kind":"ready"}'`)))

	select {
	case <-crashed:
	case <-time.After(3 * time.Second):
		t.Fatal("no crash event observed")
	}

	// with a 2-attempt budget the agent must end up crashed for good
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, st := range statuses {
			if st == v1.AgentStatusCrashed {
				return true
			}
		}
		return false
	})
	waitUntil(t, func() bool { return !sup.IsRunning("flappy") })
}

func TestRingBufferEvictsOldest(t *testing.T) {
	buf := newRingBuffer(10)
	buf.append("aaaa")
	buf.append("bbbb")
	buf.append("cccc")
	assert.Equal(t, "bbbbcccc", buf.String())
}
