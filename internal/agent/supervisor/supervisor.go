// Package supervisor keeps one OS subprocess alive per running agent.
//
// Each agent speaks newline-delimited JSON over stdin/stdout. The supervisor
// spawns the process in its own process group, decodes stdout frames, captures
// stderr into a bounded ring buffer, polls process health, and re-spawns
// crashed processes under an exponential backoff budget.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/noxlabs/nox/internal/common/config"
	"github.com/noxlabs/nox/internal/common/errdefs"
	"github.com/noxlabs/nox/internal/common/logger"
	"github.com/noxlabs/nox/internal/common/tracing"
	"github.com/noxlabs/nox/internal/events"
	"github.com/noxlabs/nox/internal/events/bus"
	"github.com/noxlabs/nox/pkg/agentproto"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

// FrameHandler receives every frame an agent writes to stdout.
type FrameHandler func(agentID string, frame *agentproto.AgentFrame)

// StatusHandler observes subprocess lifecycle transitions. The supervisor
// reports the mechanics; the agent manager owns the authoritative record.
type StatusHandler func(agentID string, status v1.AgentStatus)

// Supervisor spawns and monitors agent subprocesses.
type Supervisor struct {
	cfg      config.SupervisorConfig
	logger   *logger.Logger
	eventBus bus.EventBus

	frameHandler  FrameHandler
	statusHandler StatusHandler

	mu    sync.Mutex
	procs map[string]*agentProcess
}

// New creates a supervisor. Handlers must be set before the first Spawn.
func New(cfg config.SupervisorConfig, eventBus bus.EventBus, log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "supervisor")),
		eventBus: eventBus,
		procs:    make(map[string]*agentProcess),
	}
}

// SetFrameHandler registers the stdout frame callback.
func (s *Supervisor) SetFrameHandler(fn FrameHandler) {
	s.frameHandler = fn
}

// SetStatusHandler registers the lifecycle transition callback.
func (s *Supervisor) SetStatusHandler(fn StatusHandler) {
	s.statusHandler = fn
}

// Spawn launches the agent's command and blocks until the agent emits its
// ready frame or the startup timeout expires. At most one live subprocess
// exists per agent.
func (s *Supervisor) Spawn(ctx context.Context, agent *v1.Agent) error {
	ctx, span := tracing.TraceSpawn(ctx, agent.ID)
	defer span.End()

	s.mu.Lock()
	if _, exists := s.procs[agent.ID]; exists {
		s.mu.Unlock()
		err := errdefs.Conflict("agent %s already has a live subprocess", agent.ID)
		tracing.RecordResult(span, err)
		return err
	}

	proc, err := s.launch(agent)
	if err != nil {
		s.mu.Unlock()
		tracing.RecordResult(span, err)
		return err
	}
	s.procs[agent.ID] = proc
	s.mu.Unlock()

	s.notifyStatus(agent.ID, v1.AgentStatusStarting)

	if err := s.awaitReady(ctx, proc); err != nil {
		s.remove(agent.ID)
		proc.kill()
		<-proc.doneCh
		s.notifyStatus(agent.ID, v1.AgentStatusCrashed)
		tracing.RecordResult(span, err)
		return err
	}

	s.notifyStatus(agent.ID, v1.AgentStatusRunning)
	go s.healthLoop(proc)
	go s.superviseExit(proc)

	s.logger.Info("Agent subprocess running",
		zap.String("agent_id", agent.ID),
		zap.Int("pid", proc.pid()))
	return nil
}

// launch starts the subprocess and its I/O goroutines. Caller holds s.mu.
func (s *Supervisor) launch(agent *v1.Agent) (*agentProcess, error) {
	argv := agent.Command
	if len(argv) == 0 {
		argv = s.cfg.DefaultCommand
	}
	if len(argv) == 0 {
		return nil, errdefs.Invalid("agent %s has no command and no default is configured", agent.ID)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		"NOX_AGENT_ID="+agent.ID,
		"NOX_AGENT_NAME="+agent.Name,
		"NOX_SYSTEM_PROMPT="+agent.SystemPrompt,
	)
	// new process group so stop() can kill the whole subprocess tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errdefs.External("spawn: attach stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errdefs.External("spawn: attach stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errdefs.External("spawn: attach stderr", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errdefs.External("spawn "+argv[0], err)
	}

	proc := newAgentProcess(agent, cmd, stdin)
	go s.readFrames(proc, stdout)
	go s.readStderr(proc, stderr)
	go proc.waitExit()
	return proc, nil
}

// awaitReady waits for the first ready frame.
func (s *Supervisor) awaitReady(ctx context.Context, proc *agentProcess) error {
	timeout := s.cfg.StartupTimeout()
	select {
	case <-proc.readyCh:
		return nil
	case <-proc.doneCh:
		return errdefs.External("spawn", fmt.Errorf("agent %s exited before ready", proc.agent.ID))
	case <-time.After(timeout):
		return errdefs.Timeout("agent %s sent no ready frame within %s", proc.agent.ID, timeout)
	case <-ctx.Done():
		return errdefs.Cancelled("spawn of agent %s cancelled", proc.agent.ID)
	}
}

// Stop gracefully terminates the agent subprocess: shutdown frame first,
// SIGTERM to the process group next, SIGKILL when the timeout expires.
func (s *Supervisor) Stop(ctx context.Context, agentID string, timeout time.Duration) error {
	s.mu.Lock()
	proc, ok := s.procs[agentID]
	s.mu.Unlock()
	if !ok {
		return errdefs.NotFound("no live subprocess for agent %s", agentID)
	}

	proc.stopRequested.Store(true)
	s.notifyStatus(agentID, v1.AgentStatusStopping)

	grace := timeout / 2
	_ = proc.send(agentproto.NewShutdown(grace))
	proc.signalGroup(syscall.SIGTERM)

	select {
	case <-proc.doneCh:
	case <-time.After(timeout):
		proc.kill()
		<-proc.doneCh
	case <-ctx.Done():
		proc.kill()
		<-proc.doneCh
	}

	s.remove(agentID)
	s.notifyStatus(agentID, v1.AgentStatusStopped)
	s.logger.Info("Agent subprocess stopped", zap.String("agent_id", agentID))
	return nil
}

// StopAll stops every live subprocess, used during shutdown.
func (s *Supervisor) StopAll(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.Stop(ctx, id, timeout); err != nil && !errdefs.IsNotFound(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send writes one frame to the agent's stdin.
func (s *Supervisor) Send(agentID string, frame *agentproto.ControlFrame) error {
	s.mu.Lock()
	proc, ok := s.procs[agentID]
	s.mu.Unlock()
	if !ok {
		return errdefs.NotFound("no live subprocess for agent %s", agentID)
	}
	if err := proc.send(frame); err != nil {
		return errdefs.External("send to agent "+agentID, err)
	}
	return nil
}

// IsRunning reports whether the agent currently has a live subprocess.
func (s *Supervisor) IsRunning(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[agentID]
	return ok
}

// RunningIDs returns the IDs of all supervised agents.
func (s *Supervisor) RunningIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	return ids
}

func (s *Supervisor) remove(agentID string) {
	s.mu.Lock()
	delete(s.procs, agentID)
	s.mu.Unlock()
}

func (s *Supervisor) notifyStatus(agentID string, status v1.AgentStatus) {
	if s.statusHandler != nil {
		s.statusHandler(agentID, status)
	}
}

// readFrames decodes the agent's stdout until the stream closes. A single
// malformed line is logged and skipped; the loop ends only on stream close.
func (s *Supervisor) readFrames(proc *agentProcess, r io.Reader) {
	dec := agentproto.NewDecoder(r)
	for {
		frame, err := dec.Decode()
		if errors.Is(err, agentproto.ErrMalformed) {
			s.logger.Warn("Agent emitted malformed frame",
				zap.String("agent_id", proc.agent.ID),
				zap.Error(err))
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("Agent stdout closed",
					zap.String("agent_id", proc.agent.ID),
					zap.Error(err))
			}
			return
		}
		proc.touchOutput()

		switch frame.Kind {
		case agentproto.AgentReady:
			proc.markReady()
		case agentproto.AgentHeartbeat:
			// heartbeat only refreshes lastOutput
		}

		if s.frameHandler != nil {
			s.frameHandler(proc.agent.ID, frame)
		}
	}
}

// readStderr captures stderr verbatim into the ring buffer and forwards each
// chunk as an agent.log event.
func (s *Supervisor) readStderr(proc *agentProcess, r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			proc.touchOutput()
			proc.stderr.append(chunk)
			event := bus.NewEvent(events.AgentLog, "supervisor", map[string]interface{}{
				"agent_id": proc.agent.ID,
				"stream":   "stderr",
				"data":     chunk,
			}).WithAgent(proc.agent.ID)
			_ = s.eventBus.Publish(context.Background(), events.AgentLog, event)
		}
		if err != nil {
			return
		}
	}
}

// StderrTail returns the buffered tail of the agent's stderr, most useful
// right after a crash.
func (s *Supervisor) StderrTail(agentID string) (string, error) {
	s.mu.Lock()
	proc, ok := s.procs[agentID]
	s.mu.Unlock()
	if !ok {
		return "", errdefs.NotFound("no live subprocess for agent %s", agentID)
	}
	return proc.stderr.String(), nil
}
