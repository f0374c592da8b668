package supervisor

import (
	"context"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/noxlabs/nox/internal/events"
	"github.com/noxlabs/nox/internal/events/bus"
	"github.com/noxlabs/nox/pkg/agentproto"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

// stderrBufferBytes bounds the per-agent stderr tail kept in memory.
const stderrBufferBytes = 256 * 1024

// agentProcess is one live subprocess and its I/O state.
type agentProcess struct {
	agent   *v1.Agent
	cmd     *exec.Cmd
	encoder *agentproto.Encoder
	stderr  *ringBuffer

	startedAt  time.Time
	readyCh    chan struct{}
	readyOnce  sync.Once
	doneCh     chan struct{}
	healthStop chan struct{}

	stopRequested atomic.Bool
	lastOutput    atomic.Int64 // unix nanos of the last stdout frame or stderr byte
	exitErr       error

	// restart bookkeeping, guarded by the supervisor mutex
	restarts []time.Time
}

func newAgentProcess(agent *v1.Agent, cmd *exec.Cmd, stdin io.Writer) *agentProcess {
	p := &agentProcess{
		agent:      agent,
		cmd:        cmd,
		encoder:    agentproto.NewEncoder(stdin),
		stderr:     newRingBuffer(stderrBufferBytes),
		startedAt:  time.Now().UTC(),
		readyCh:    make(chan struct{}),
		doneCh:     make(chan struct{}),
		healthStop: make(chan struct{}),
	}
	p.touchOutput()
	return p
}

func (p *agentProcess) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *agentProcess) send(frame *agentproto.ControlFrame) error {
	return p.encoder.Encode(frame)
}

func (p *agentProcess) markReady() {
	p.readyOnce.Do(func() { close(p.readyCh) })
}

func (p *agentProcess) touchOutput() {
	p.lastOutput.Store(time.Now().UnixNano())
}

func (p *agentProcess) lastOutputAt() time.Time {
	return time.Unix(0, p.lastOutput.Load()).UTC()
}

// signalGroup delivers sig to the whole process group, falling back to the
// main process when the group lookup fails.
func (p *agentProcess) signalGroup(sig syscall.Signal) {
	if p.cmd.Process == nil {
		return
	}
	if pgid, err := syscall.Getpgid(p.cmd.Process.Pid); err == nil {
		_ = syscall.Kill(-pgid, sig)
	} else {
		_ = p.cmd.Process.Signal(sig)
	}
}

func (p *agentProcess) kill() {
	p.signalGroup(syscall.SIGKILL)
}

// waitExit blocks until the subprocess exits, then releases doneCh.
func (p *agentProcess) waitExit() {
	p.exitErr = p.cmd.Wait()
	close(p.doneCh)
}

// superviseExit watches for an uncontrolled exit and applies the restart
// policy: exponential backoff from the base interval, doubling up to the
// cap, at most MaxAttempts re-spawns per rolling window.
func (s *Supervisor) superviseExit(proc *agentProcess) {
	<-proc.doneCh
	close(proc.healthStop)

	if proc.stopRequested.Load() {
		return
	}

	agentID := proc.agent.ID
	s.logger.Warn("Agent subprocess exited unexpectedly",
		zap.String("agent_id", agentID),
		zap.Error(proc.exitErr))

	s.publishAgentEvent(events.AgentCrashed, agentID, map[string]interface{}{
		"agent_id":    agentID,
		"exit_error":  errString(proc.exitErr),
		"stderr_tail": proc.stderr.String(),
	})

	s.mu.Lock()
	delete(s.procs, agentID)

	now := time.Now()
	window := s.cfg.RestartWindow()
	kept := proc.restarts[:0]
	for _, t := range proc.restarts {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	proc.restarts = kept
	attempts := len(proc.restarts)
	s.mu.Unlock()

	if attempts >= s.cfg.RestartMaxAttempts {
		s.logger.Error("Agent restart budget exhausted",
			zap.String("agent_id", agentID),
			zap.Int("attempts", attempts))
		s.notifyStatus(agentID, v1.AgentStatusCrashed)
		return
	}

	backoff := s.cfg.RestartBackoffBase()
	for i := 0; i < attempts; i++ {
		backoff *= 2
		if backoff >= s.cfg.RestartBackoffCap() {
			backoff = s.cfg.RestartBackoffCap()
			break
		}
	}

	s.logger.Info("Restarting agent subprocess",
		zap.String("agent_id", agentID),
		zap.Duration("backoff", backoff),
		zap.Int("attempt", attempts+1))
	time.Sleep(backoff)

	s.mu.Lock()
	if _, exists := s.procs[agentID]; exists {
		// someone started the agent manually during the backoff
		s.mu.Unlock()
		return
	}
	next, err := s.launch(proc.agent)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("Agent restart failed",
			zap.String("agent_id", agentID),
			zap.Error(err))
		s.notifyStatus(agentID, v1.AgentStatusCrashed)
		return
	}
	next.restarts = append(proc.restarts, time.Now())
	s.procs[agentID] = next
	s.mu.Unlock()

	// a re-spawn that dies immediately is charged to the window by the
	// next superviseExit pass
	select {
	case <-next.readyCh:
	case <-next.doneCh:
	case <-time.After(s.cfg.StartupTimeout()):
		next.kill()
	}

	s.publishAgentEvent(events.AgentRestarted, agentID, map[string]interface{}{
		"agent_id": agentID,
		"attempt":  attempts + 1,
	})
	s.notifyStatus(agentID, v1.AgentStatusRunning)
	go s.healthLoop(next)
	go s.superviseExit(next)
}

func (s *Supervisor) publishAgentEvent(eventType, agentID string, data map[string]interface{}) {
	event := bus.NewEvent(eventType, "supervisor", data).WithAgent(agentID)
	_ = s.eventBus.Publish(context.Background(), events.BuildAgentSubject(eventType, agentID), event)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
