package supervisor

import (
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/noxlabs/nox/internal/common/errdefs"
	"github.com/noxlabs/nox/internal/events"
)

// Health classifications reported by the poller. They are advisory: none of
// them terminates the process on their own.
const (
	FlagUnresponsive = "unresponsive"
	FlagHighCPU      = "high_cpu"
	FlagHighMemory   = "high_memory"
)

// Health is a point-in-time sample of a supervised subprocess.
type Health struct {
	AgentID      string    `json:"agent_id"`
	Alive        bool      `json:"alive"`
	PID          int       `json:"pid,omitempty"`
	CPUPercent   float64   `json:"cpu_percent"`
	MemoryMB     float64   `json:"memory_mb"`
	LastOutputAt time.Time `json:"last_output_at"`
	UptimeSec    int64     `json:"uptime_sec"`
	Flags        []string  `json:"flags,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

// Health samples the agent's subprocess.
func (s *Supervisor) Health(agentID string) (*Health, error) {
	s.mu.Lock()
	proc, ok := s.procs[agentID]
	s.mu.Unlock()
	if !ok {
		return nil, errdefs.NotFound("no live subprocess for agent %s", agentID)
	}
	return s.sample(proc), nil
}

func (s *Supervisor) sample(proc *agentProcess) *Health {
	now := time.Now().UTC()
	h := &Health{
		AgentID:      proc.agent.ID,
		Alive:        true,
		PID:          proc.pid(),
		LastOutputAt: proc.lastOutputAt(),
		UptimeSec:    int64(now.Sub(proc.startedAt).Seconds()),
		CheckedAt:    now,
	}

	select {
	case <-proc.doneCh:
		h.Alive = false
		return h
	default:
	}

	if ps, err := process.NewProcess(int32(h.PID)); err == nil {
		if cpu, err := ps.CPUPercent(); err == nil {
			h.CPUPercent = cpu
		}
		if mem, err := ps.MemoryInfo(); err == nil && mem != nil {
			h.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
	}

	if now.Sub(h.LastOutputAt) > s.cfg.UnresponsiveTimeout() {
		h.Flags = append(h.Flags, FlagUnresponsive)
	}
	if h.CPUPercent > s.cfg.CPUThreshold {
		h.Flags = append(h.Flags, FlagHighCPU)
	}
	if h.MemoryMB > float64(s.cfg.MemoryThresholdMB) {
		h.Flags = append(h.Flags, FlagHighMemory)
	}
	return h
}

// healthLoop polls the subprocess on the check interval and publishes each
// sample as an agent.health event.
func (s *Supervisor) healthLoop(proc *agentProcess) {
	ticker := time.NewTicker(s.cfg.CheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-proc.healthStop:
			return
		case <-proc.doneCh:
			return
		case <-ticker.C:
		}

		h := s.sample(proc)
		if len(h.Flags) > 0 {
			s.logger.Warn("Agent health degraded",
				zap.String("agent_id", proc.agent.ID),
				zap.Strings("flags", h.Flags),
				zap.Float64("cpu_percent", h.CPUPercent),
				zap.Float64("memory_mb", h.MemoryMB))
		}

		s.publishAgentEvent(events.AgentHealth, proc.agent.ID, map[string]interface{}{
			"agent_id":       h.AgentID,
			"alive":          h.Alive,
			"cpu_percent":    h.CPUPercent,
			"memory_mb":      h.MemoryMB,
			"last_output_at": h.LastOutputAt,
			"flags":          h.Flags,
		})
	}
}
