// Package metrics periodically samples the read-only surfaces of the
// control plane and persists time series under <workingDir>/metrics.
package metrics

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/noxlabs/nox/internal/agent/supervisor"
	"github.com/noxlabs/nox/internal/common/config"
	"github.com/noxlabs/nox/internal/common/errdefs"
	"github.com/noxlabs/nox/internal/common/logger"
	"github.com/noxlabs/nox/internal/events"
	"github.com/noxlabs/nox/internal/events/bus"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

const (
	metricsDirName = "metrics"
	agentsDirName  = "agents"
	systemFile     = "system-metrics.json"

	// maxSamples bounds each series file; at the default 30s interval
	// this keeps roughly one day of history.
	maxSamples = 2880
)

// SystemSample is one point of the system-wide series.
type SystemSample struct {
	Timestamp         time.Time             `json:"timestamp"`
	AgentsTotal       int                   `json:"agents_total"`
	AgentsRunning     int                   `json:"agents_running"`
	TasksTotal        int                   `json:"tasks_total"`
	TasksByStatus     map[v1.TaskStatus]int `json:"tasks_by_status"`
	QueueLength       int                   `json:"queue_length"`
	MessagesPerMinute float64               `json:"messages_per_minute"`
	CPUPercent        float64               `json:"cpu_percent"`
	MemoryMB          float64               `json:"memory_mb"`
}

// AgentSample is one point of a per-agent series.
type AgentSample struct {
	Timestamp  time.Time      `json:"timestamp"`
	AgentID    string         `json:"agent_id"`
	Status     v1.AgentStatus `json:"status"`
	CPUPercent float64        `json:"cpu_percent"`
	MemoryMB   float64        `json:"memory_mb"`
	TasksTotal int            `json:"tasks_total"`
	TasksDone  int            `json:"tasks_done"`
}

// AgentLister lists agents, optionally filtered by status.
type AgentLister interface {
	List(ctx context.Context, status v1.AgentStatus) []*v1.Agent
}

// HealthSource exposes live process samples.
type HealthSource interface {
	Health(agentID string) (*supervisor.Health, error)
	IsRunning(agentID string) bool
}

// TaskSource exposes the task aggregate views.
type TaskSource interface {
	List(filter v1.TaskFilter) []*v1.Task
	Dashboard() *v1.TaskDashboard
}

// QueueSource exposes the broker backlog.
type QueueSource interface {
	QueueLength() int
}

// Sampler writes system and per-agent series on a fixed interval.
// "messages per minute" counts message.enqueued events observed on the
// bus during the elapsed bucket.
type Sampler struct {
	cfg      config.MetricsConfig
	dir      string
	agents   AgentLister
	health   HealthSource
	tasks    TaskSource
	queue    QueueSource
	eventBus bus.EventBus
	logger   *logger.Logger

	enqueued   atomic.Int64
	lastSample time.Time

	mu   sync.Mutex
	sub  bus.Subscription
	stop chan struct{}
	done chan struct{}
}

// NewSampler creates a sampler rooted at workingDir.
func NewSampler(cfg config.MetricsConfig, workingDir string, agents AgentLister, health HealthSource, tasks TaskSource, queue QueueSource, eventBus bus.EventBus, log *logger.Logger) *Sampler {
	return &Sampler{
		cfg:      cfg,
		dir:      filepath.Join(workingDir, metricsDirName),
		agents:   agents,
		health:   health,
		tasks:    tasks,
		queue:    queue,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "metrics")),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start creates the metrics layout and begins sampling.
func (s *Sampler) Start() error {
	if err := os.MkdirAll(filepath.Join(s.dir, agentsDirName), 0o755); err != nil {
		return errdefs.External("create metrics dir", err)
	}

	sub, err := s.eventBus.Subscribe(events.MessageEnqueued, func(ctx context.Context, event *bus.Event) error {
		s.enqueued.Add(1)
		return nil
	})
	if err != nil {
		return err
	}
	s.sub = sub
	s.lastSample = time.Now().UTC()

	go s.loop()
	return nil
}

// Stop halts sampling. A final sample is not taken.
func (s *Sampler) Stop() {
	close(s.stop)
	<-s.done
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

func (s *Sampler) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.SampleInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sample(context.Background())
		case <-s.stop:
			return
		}
	}
}

// Sample takes one snapshot and persists it.
func (s *Sampler) Sample(ctx context.Context) {
	now := time.Now().UTC()

	elapsed := now.Sub(s.lastSample)
	if elapsed <= 0 {
		elapsed = s.cfg.SampleInterval()
	}
	enqueued := s.enqueued.Swap(0)
	perMinute := float64(enqueued) / elapsed.Minutes()
	s.lastSample = now

	agents := s.agents.List(ctx, "")
	dashboard := s.tasks.Dashboard()

	system := SystemSample{
		Timestamp:         now,
		AgentsTotal:       len(agents),
		TasksTotal:        dashboard.Total,
		TasksByStatus:     dashboard.ByStatus,
		QueueLength:       s.queue.QueueLength(),
		MessagesPerMinute: perMinute,
	}

	for _, agent := range agents {
		sample := AgentSample{
			Timestamp: now,
			AgentID:   agent.ID,
			Status:    agent.Status,
		}
		for _, task := range s.tasks.List(v1.TaskFilter{AgentID: agent.ID}) {
			sample.TasksTotal++
			if task.Status == v1.TaskStatusDone {
				sample.TasksDone++
			}
		}
		if s.health.IsRunning(agent.ID) {
			if health, err := s.health.Health(agent.ID); err == nil {
				sample.CPUPercent = health.CPUPercent
				sample.MemoryMB = health.MemoryMB
				system.AgentsRunning++
				system.CPUPercent += health.CPUPercent
				system.MemoryMB += health.MemoryMB
			}
		}
		if err := appendSample(s.agentPath(agent.ID), sample); err != nil {
			s.logger.Warn("Failed to write agent metrics",
				zap.String("agent_id", agent.ID),
				zap.Error(err))
		}
	}

	if err := appendSample(s.systemPath(), system); err != nil {
		s.logger.Warn("Failed to write system metrics", zap.Error(err))
	}

	s.publish(ctx, &system)
}

func (s *Sampler) publish(ctx context.Context, sample *SystemSample) {
	event := bus.NewEvent(events.SystemMetrics, "metrics", map[string]interface{}{
		"agents_total":        sample.AgentsTotal,
		"agents_running":      sample.AgentsRunning,
		"tasks_total":         sample.TasksTotal,
		"queue_length":        sample.QueueLength,
		"messages_per_minute": sample.MessagesPerMinute,
	})
	if err := s.eventBus.Publish(ctx, events.SystemMetrics, event); err != nil {
		s.logger.Debug("Failed to publish metrics event", zap.Error(err))
	}
}

func (s *Sampler) systemPath() string {
	return filepath.Join(s.dir, systemFile)
}

func (s *Sampler) agentPath(agentID string) string {
	return filepath.Join(s.dir, agentsDirName, agentID+".json")
}

// appendSample reads the series file, appends the sample, prunes to
// maxSamples and writes it back atomically.
func appendSample[T any](path string, sample T) error {
	var series []T
	if data, err := os.ReadFile(path); err == nil {
		// a corrupt series file starts over rather than failing sampling
		_ = json.Unmarshal(data, &series)
	}

	series = append(series, sample)
	if len(series) > maxSamples {
		series = series[len(series)-maxSamples:]
	}

	data, err := json.Marshal(series)
	if err != nil {
		return errdefs.External("marshal metrics series", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errdefs.External("write metrics series", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errdefs.External("rename metrics series", err)
	}
	return nil
}
