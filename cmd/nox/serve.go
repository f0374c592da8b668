package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noxlabs/nox/internal/agent/manager"
	"github.com/noxlabs/nox/internal/agent/supervisor"
	"github.com/noxlabs/nox/internal/approval"
	"github.com/noxlabs/nox/internal/broker"
	"github.com/noxlabs/nox/internal/broker/protocol"
	"github.com/noxlabs/nox/internal/common/config"
	"github.com/noxlabs/nox/internal/common/logger"
	"github.com/noxlabs/nox/internal/common/tracing"
	"github.com/noxlabs/nox/internal/container"
	"github.com/noxlabs/nox/internal/events"
	"github.com/noxlabs/nox/internal/events/bus"
	gwws "github.com/noxlabs/nox/internal/gateway/websocket"
	"github.com/noxlabs/nox/internal/metrics"
	"github.com/noxlabs/nox/internal/registry"
	"github.com/noxlabs/nox/internal/server"
	"github.com/noxlabs/nox/internal/task"
	"github.com/noxlabs/nox/pkg/agentproto"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Nox control plane server",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServe(configPath)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "directory containing config.yaml")
}

func runServe(configPath string) error {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return err
	}
	defer log.Sync()
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeBus() }()
	eventBus := provided.Bus

	store, err := registry.Open(cfg.Registry, log)
	if err != nil {
		return err
	}
	defer store.Close()

	sup := supervisor.New(cfg.Supervisor, eventBus, log)
	fanout := newStatusFanout(sup)

	agents := manager.New(store, fanout, eventBus, log)

	deliverer := broker.DelivererFunc(func(ctx context.Context, agentID string, msg *v1.Message) error {
		return sup.Send(agentID, agentproto.NewMessageFrame(msg))
	})
	brk := broker.New(cfg.Broker, store, protocol.DefaultRegistry(store, log), deliverer, eventBus, log)
	if err := brk.RestoreTopology(); err != nil {
		log.Warn("Failed to restore broker topology", zap.Error(err))
	}
	if err := brk.Start(ctx); err != nil {
		return err
	}
	defer brk.Shutdown()

	// agents with a live subprocess receive broadcasts
	fanout.add(func(agentID string, status v1.AgentStatus) {
		if status == v1.AgentStatusRunning {
			brk.Subscribe(agentID, nil)
		}
	})

	tasks := task.NewService(store, brk, eventBus, log)
	agents.SetTaskCanceller(tasks.CancelAgentTasks)
	agents.SetSubscriptionDropper(brk.Unsubscribe)

	sup.SetFrameHandler(newFrameHandler(tasks, brk, eventBus, log))

	// push tasks to their agent's stdin once they become actionable
	if _, err := eventBus.Subscribe(events.AllTaskEvents(), newTaskDispatcher(tasks, sup, log)); err != nil {
		return err
	}

	approvals, err := approval.NewManager(cfg.Approvals, store, eventBus, log)
	if err != nil {
		return err
	}
	defer approvals.Close()

	var installer *container.Installer
	if cfg.Docker.Enabled {
		runtime, err := container.NewDockerRuntime(cfg.Docker, log)
		if err != nil {
			log.Warn("Docker runtime unavailable, capability install disabled", zap.Error(err))
		} else {
			defer runtime.Close()
			installer = container.NewInstaller(runtime, store, approvals, eventBus, log)
		}
	}

	var sampler *metrics.Sampler
	if cfg.Metrics.Enabled {
		sampler = metrics.NewSampler(cfg.Metrics, cfg.Registry.WorkingDir, agents, sup, tasks, brk, eventBus, log)
		if err := sampler.Start(); err != nil {
			return err
		}
		defer sampler.Stop()
	}

	hub := gwws.NewHub(log)
	go hub.Run(ctx)
	bridge := gwws.NewBridge(hub, eventBus, log)
	if err := bridge.Start(); err != nil {
		return err
	}
	defer bridge.Stop()
	wsHandler := gwws.NewHandler(hub, agents, tasks, log)

	srv := server.New(cfg.Server, server.Deps{
		Config:    cfg,
		Agents:    agents,
		Tasks:     tasks,
		Broker:    brk,
		Approvals: approvals,
		Metrics:   sampler,
		Store:     store,
		Installer: installer,
		Hub:       hub,
		WSHandler: wsHandler,
	}, log)

	err = srv.Run(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), manager.StopTimeout)
	defer cancel()
	if stopErr := sup.StopAll(stopCtx, manager.StopTimeout); stopErr != nil {
		log.Warn("Failed to stop all agents cleanly", zap.Error(stopErr))
	}
	if shutErr := tracing.Shutdown(stopCtx); shutErr != nil {
		log.Warn("Tracing shutdown failed", zap.Error(shutErr))
	}
	return err
}

// statusFanout lets the manager and the broker both observe supervisor
// lifecycle transitions; the supervisor accepts a single handler.
type statusFanout struct {
	sup *supervisor.Supervisor

	mu       sync.Mutex
	handlers []supervisor.StatusHandler
}

func newStatusFanout(sup *supervisor.Supervisor) *statusFanout {
	f := &statusFanout{sup: sup}
	sup.SetStatusHandler(f.dispatch)
	return f
}

func (f *statusFanout) add(fn supervisor.StatusHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, fn)
}

func (f *statusFanout) dispatch(agentID string, status v1.AgentStatus) {
	f.mu.Lock()
	handlers := make([]supervisor.StatusHandler, len(f.handlers))
	copy(handlers, f.handlers)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(agentID, status)
	}
}

// statusFanout fronts the supervisor for the manager so SetStatusHandler
// appends instead of replacing.
func (f *statusFanout) Spawn(ctx context.Context, agent *v1.Agent) error {
	return f.sup.Spawn(ctx, agent)
}

func (f *statusFanout) Stop(ctx context.Context, agentID string, timeout time.Duration) error {
	return f.sup.Stop(ctx, agentID, timeout)
}

func (f *statusFanout) Send(agentID string, frame *agentproto.ControlFrame) error {
	return f.sup.Send(agentID, frame)
}

func (f *statusFanout) IsRunning(agentID string) bool {
	return f.sup.IsRunning(agentID)
}

func (f *statusFanout) SetStatusHandler(fn func(agentID string, status v1.AgentStatus)) {
	f.add(fn)
}

// newTaskDispatcher watches task events and hands tasks that enter
// inprogress to the owning agent's subprocess.
func newTaskDispatcher(tasks *task.Service, sup *supervisor.Supervisor, log *logger.Logger) bus.EventHandler {
	return func(ctx context.Context, event *bus.Event) error {
		status, _ := event.Data["status"].(string)
		if status != string(v1.TaskStatusInProgress) {
			return nil
		}
		taskID, _ := event.Data["task_id"].(string)
		if taskID == "" {
			return nil
		}
		t, err := tasks.Get(taskID)
		if err != nil {
			return nil
		}
		if !sup.IsRunning(t.AgentID) {
			return nil
		}
		if err := sup.Send(t.AgentID, agentproto.NewTaskFrame(&agentproto.TaskAssignment{
			TaskID:      t.ID,
			Title:       t.Title,
			Description: t.Description,
			Priority:    string(t.Priority),
			RequestedBy: t.RequestedBy,
			Deps:        t.Dependencies,
		})); err != nil {
			log.Warn("Failed to dispatch task to agent",
				zap.String("task_id", t.ID),
				zap.String("agent_id", t.AgentID),
				zap.Error(err))
		}
		return nil
	}
}

// newFrameHandler routes agent stdout frames: response frames carrying a
// task id patch the task, response frames with in_reply_to re-enter the
// broker as direct replies. Every response is also republished on the bus
// for stream observers.
func newFrameHandler(tasks *task.Service, brk *broker.Broker, eventBus bus.EventBus, log *logger.Logger) supervisor.FrameHandler {
	return func(agentID string, frame *agentproto.AgentFrame) {
		if frame.Kind != agentproto.AgentResponse {
			return
		}
		ctx := context.Background()

		event := bus.NewEvent(events.AgentResponse, "supervisor", map[string]interface{}{
			"agent_id":    agentID,
			"task_id":     frame.TaskID,
			"in_reply_to": frame.InReplyTo,
			"content":     frame.Content,
		}).WithAgent(agentID)
		_ = eventBus.Publish(ctx, events.BuildAgentSubject(events.AgentResponse, agentID), event)

		if frame.TaskID != "" {
			patch := &v1.UpdateTaskRequest{}
			if frame.Error != "" {
				patch.Error = &frame.Error
			} else if frame.Progress != nil && *frame.Progress < 100 {
				patch.Progress = frame.Progress
			} else if frame.Content != "" {
				if _, err := tasks.Complete(ctx, frame.TaskID, frame.Content); err != nil {
					log.Warn("Agent task completion rejected",
						zap.String("agent_id", agentID),
						zap.String("task_id", frame.TaskID),
						zap.Error(err))
				}
				return
			}
			if patch.Error != nil || patch.Progress != nil {
				if _, err := tasks.Update(ctx, frame.TaskID, patch); err != nil {
					log.Warn("Agent task update rejected",
						zap.String("agent_id", agentID),
						zap.String("task_id", frame.TaskID),
						zap.Error(err))
				}
			}
			return
		}

		if frame.InReplyTo != "" && frame.Content != "" {
			original, ok := brk.LookupDelivered(agentID, frame.InReplyTo)
			if !ok {
				log.Debug("Agent replied to unknown message",
					zap.String("agent_id", agentID),
					zap.String("in_reply_to", frame.InReplyTo))
				return
			}
			if _, err := brk.SendMessage(ctx, &v1.SendMessageRequest{
				From:     agentID,
				To:       original.From,
				Type:     v1.MessageTypeDirect,
				Content:  frame.Content,
				Metadata: map[string]string{"in_reply_to": frame.InReplyTo},
			}); err != nil {
				log.Warn("Agent reply rejected",
					zap.String("agent_id", agentID),
					zap.Error(err))
			}
		}
	}
}
