package metrics

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noxlabs/nox/internal/agent/supervisor"
	"github.com/noxlabs/nox/internal/common/config"
	"github.com/noxlabs/nox/internal/common/errdefs"
	"github.com/noxlabs/nox/internal/common/logger"
	"github.com/noxlabs/nox/internal/events"
	"github.com/noxlabs/nox/internal/events/bus"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

type fakeAgents struct{ agents []*v1.Agent }

func (f *fakeAgents) List(ctx context.Context, status v1.AgentStatus) []*v1.Agent {
	return f.agents
}

type fakeHealth struct{ running map[string]*supervisor.Health }

func (f *fakeHealth) IsRunning(agentID string) bool {
	_, ok := f.running[agentID]
	return ok
}

func (f *fakeHealth) Health(agentID string) (*supervisor.Health, error) {
	h, ok := f.running[agentID]
	if !ok {
		return nil, errdefs.NotFound("agent %s is not running", agentID)
	}
	return h, nil
}

type fakeTasks struct{ dashboard *v1.TaskDashboard }

func (f *fakeTasks) List(filter v1.TaskFilter) []*v1.Task { return nil }
func (f *fakeTasks) Dashboard() *v1.TaskDashboard         { return f.dashboard }

type fakeQueue struct{ length int }

func (f *fakeQueue) QueueLength() int { return f.length }

func newTestSampler(t *testing.T) (*Sampler, string, bus.EventBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	dir := t.TempDir()
	agents := &fakeAgents{agents: []*v1.Agent{
		{ID: "beta", Status: v1.AgentStatusRunning},
		{ID: "gamma", Status: v1.AgentStatusStopped},
	}}
	health := &fakeHealth{running: map[string]*supervisor.Health{
		"beta": {AgentID: "beta", Alive: true, CPUPercent: 12.5, MemoryMB: 64},
	}}
	tasks := &fakeTasks{dashboard: &v1.TaskDashboard{
		Total:    3,
		ByStatus: map[v1.TaskStatus]int{v1.TaskStatusTodo: 3},
	}}

	cfg := config.MetricsConfig{Enabled: true, SampleIntervalMs: 50}
	s := NewSampler(cfg, dir, agents, health, tasks, &fakeQueue{length: 7}, eventBus, log)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s, dir, eventBus
}

func TestSampleWritesSeries(t *testing.T) {
	s, dir, _ := newTestSampler(t)

	s.Sample(context.Background())

	_, err := os.Stat(filepath.Join(dir, metricsDirName, systemFile))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, metricsDirName, agentsDirName, "beta.json"))
	require.NoError(t, err)

	points, err := s.SystemSeries(time.Time{}, time.Time{}, IntervalMinute)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 2, points[0].AgentsTotal)
	assert.Equal(t, 1, points[0].AgentsRunning)
	assert.Equal(t, 3, points[0].TasksTotal)
	assert.Equal(t, 7, points[0].QueueLengthMax)
	assert.InDelta(t, 12.5, points[0].CPUPercent, 0.01)
}

func TestMessagesPerMinuteCountsEnqueued(t *testing.T) {
	s, _, eventBus := newTestSampler(t)

	for i := 0; i < 5; i++ {
		event := bus.NewEvent(events.MessageEnqueued, "broker", nil)
		require.NoError(t, eventBus.Publish(context.Background(), events.MessageEnqueued, event))
	}
	require.Eventually(t, func() bool {
		return s.enqueued.Load() == 5
	}, 2*time.Second, 5*time.Millisecond)

	s.Sample(context.Background())

	points, err := s.SystemSeries(time.Time{}, time.Time{}, IntervalMinute)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Greater(t, points[0].MessagesPerMinute, 0.0)

	// the counter resets each bucket
	assert.Equal(t, int64(0), s.enqueued.Load())
}

func TestAgentSeriesBucketsAverages(t *testing.T) {
	s, _, _ := newTestSampler(t)

	s.Sample(context.Background())
	s.Sample(context.Background())

	points, err := s.AgentSeries("beta", time.Time{}, time.Time{}, IntervalHour)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 2, points[0].Samples)
	assert.InDelta(t, 12.5, points[0].CPUPercent, 0.01)

	_, err = s.AgentSeries("ghost", time.Time{}, time.Time{}, IntervalHour)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestSeriesRangeFilter(t *testing.T) {
	s, _, _ := newTestSampler(t)
	s.Sample(context.Background())

	future := time.Now().UTC().Add(time.Hour)
	points, err := s.SystemSeries(future, time.Time{}, IntervalMinute)
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestParseInterval(t *testing.T) {
	got, err := ParseInterval("")
	require.NoError(t, err)
	assert.Equal(t, IntervalMinute, got)

	got, err = ParseInterval("day")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, got.Duration())

	_, err = ParseInterval("week")
	assert.True(t, errdefs.IsInvalid(err))
}
