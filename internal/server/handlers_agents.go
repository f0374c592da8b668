package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noxlabs/nox/internal/common/errdefs"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

func (s *Server) handleListAgents(c *gin.Context) {
	status := v1.AgentStatus(c.Query("status"))
	c.JSON(http.StatusOK, s.deps.Agents.List(c.Request.Context(), status))
}

func (s *Server) handleCreateAgent(c *gin.Context) {
	var req v1.CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	agent, err := s.deps.Agents.Create(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) handleGetAgent(c *gin.Context) {
	agent, err := s.deps.Agents.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleUpdateAgent(c *gin.Context) {
	var req v1.UpdateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	agent, err := s.deps.Agents.Update(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(c *gin.Context) {
	if err := s.deps.Agents.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStartAgent(c *gin.Context) {
	if err := s.deps.Agents.Start(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "starting"})
}

func (s *Server) handleStopAgent(c *gin.Context) {
	if err := s.deps.Agents.Stop(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopping"})
}

func (s *Server) handleRestartAgent(c *gin.Context) {
	if err := s.deps.Agents.Restart(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "restarting"})
}

func (s *Server) handleAgentTasks(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.deps.Agents.Get(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Tasks.GetAgentTasks(id))
}

func (s *Server) handleAgentApprovals(c *gin.Context) {
	records, err := s.deps.Approvals.GetAgentHistory(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

type installRequest struct {
	Image        string   `json:"image" binding:"required"`
	Capabilities []string `json:"capabilities" binding:"required"`
}

func (s *Server) handleInstallCapability(c *gin.Context) {
	if s.deps.Installer == nil {
		respondError(c, errdefs.Capacity("container runtime is disabled"))
		return
	}
	var req installRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	containerID, err := s.deps.Installer.Install(c.Request.Context(), c.Param("id"), req.Image, req.Capabilities)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"container_id": containerID})
}
