package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noxlabs/nox/internal/common/errdefs"
	"github.com/noxlabs/nox/internal/metrics"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"uptimeSec": int(time.Since(s.startedAt).Seconds()),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleWebsocketInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"url": "/api/ws"})
}

// seriesRange parses the startTime/endTime/interval query triple shared by
// the metrics endpoints. An absent range defaults to the last hour.
func seriesRange(c *gin.Context) (start, end time.Time, interval metrics.Interval, err error) {
	end = time.Now().UTC()
	if raw := c.Query("endTime"); raw != "" {
		end, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return start, end, interval, errdefs.Invalid("endTime: %v", err)
		}
	}
	start = end.Add(-time.Hour)
	if raw := c.Query("startTime"); raw != "" {
		start, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return start, end, interval, errdefs.Invalid("startTime: %v", err)
		}
	}
	if !start.Before(end) {
		return start, end, interval, errdefs.Invalid("startTime must precede endTime")
	}
	interval, err = metrics.ParseInterval(c.Query("interval"))
	return start, end, interval, err
}

func (s *Server) handleSystemMetrics(c *gin.Context) {
	if s.deps.Metrics == nil {
		respondError(c, errdefs.Capacity("metrics sampler is disabled"))
		return
	}
	start, end, interval, err := seriesRange(c)
	if err != nil {
		respondError(c, err)
		return
	}
	points, err := s.deps.Metrics.SystemSeries(start, end, interval)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, points)
}

func (s *Server) handleAgentMetrics(c *gin.Context) {
	if s.deps.Metrics == nil {
		respondError(c, errdefs.Capacity("metrics sampler is disabled"))
		return
	}
	start, end, interval, err := seriesRange(c)
	if err != nil {
		respondError(c, err)
		return
	}
	points, err := s.deps.Metrics.AgentSeries(c.Param("id"), start, end, interval)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, points)
}

func (s *Server) handleGetConfig(c *gin.Context) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	c.JSON(http.StatusOK, s.deps.Config)
}

// configPatch is the subset of configuration that may change at runtime.
// Everything else requires a restart.
type configPatch struct {
	Supervisor *struct {
		CPUThreshold      *float64 `json:"cpuThreshold"`
		MemoryThresholdMB *int     `json:"memoryThreshold"`
	} `json:"supervisor"`
	Approvals *struct {
		DefaultTTLMin *int `json:"defaultTtlMin"`
	} `json:"approvals"`
	Logging *struct {
		Level *string `json:"level"`
	} `json:"logging"`
}

func (s *Server) handlePutConfig(c *gin.Context) {
	var patch configPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		respondBadRequest(c, err)
		return
	}

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	if patch.Supervisor != nil {
		if v := patch.Supervisor.CPUThreshold; v != nil {
			if *v <= 0 || *v > 100 {
				respondError(c, errdefs.Invalid("cpuThreshold must be in (0, 100]"))
				return
			}
			s.deps.Config.Supervisor.CPUThreshold = *v
		}
		if v := patch.Supervisor.MemoryThresholdMB; v != nil {
			if *v <= 0 {
				respondError(c, errdefs.Invalid("memoryThreshold must be positive"))
				return
			}
			s.deps.Config.Supervisor.MemoryThresholdMB = *v
		}
	}
	if patch.Approvals != nil && patch.Approvals.DefaultTTLMin != nil {
		if *patch.Approvals.DefaultTTLMin <= 0 {
			respondError(c, errdefs.Invalid("defaultTtlMin must be positive"))
			return
		}
		s.deps.Config.Approvals.DefaultTTLMin = *patch.Approvals.DefaultTTLMin
	}
	if patch.Logging != nil && patch.Logging.Level != nil {
		switch *patch.Logging.Level {
		case "debug", "info", "warn", "error":
			s.deps.Config.Logging.Level = *patch.Logging.Level
		default:
			respondError(c, errdefs.Invalid("logging.level must be one of: debug, info, warn, error"))
			return
		}
	}

	c.JSON(http.StatusOK, s.deps.Config)
}

func (s *Server) handleSystemStatus(c *gin.Context) {
	agents := s.deps.Agents.List(c.Request.Context(), "")
	running := 0
	for _, a := range agents {
		if a.Status == v1.AgentStatusRunning {
			running++
		}
	}

	status := "ok"
	registryStatus := s.deps.Store.Status()
	if !registryStatus.Healthy {
		status = "unhealthy"
	} else if registryStatus.SubStatus != "" {
		status = registryStatus.SubStatus
	}

	body := gin.H{
		"status":           status,
		"uptimeSec":        int(time.Since(s.startedAt).Seconds()),
		"registry":         registryStatus,
		"agents":           gin.H{"total": len(agents), "running": running},
		"queueLength":      s.deps.Broker.QueueLength(),
		"pendingApprovals": len(s.deps.Approvals.GetPending()),
	}
	if s.deps.Hub != nil {
		body["wsClients"] = s.deps.Hub.ClientCount()
	}
	c.JSON(http.StatusOK, body)
}
