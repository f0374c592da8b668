package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noxlabs/nox/internal/task"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

func (s *Server) handleListTasks(c *gin.Context) {
	var filter v1.TaskFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		respondBadRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Tasks.List(filter))
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req v1.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	created, err := s.deps.Tasks.Create(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleGetTask(c *gin.Context) {
	found, err := s.deps.Tasks.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

func (s *Server) handleUpdateTask(c *gin.Context) {
	var patch v1.UpdateTaskRequest
	if err := c.ShouldBindJSON(&patch); err != nil {
		respondBadRequest(c, err)
		return
	}
	updated, err := s.deps.Tasks.Update(c.Request.Context(), c.Param("id"), &patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	if err := s.deps.Tasks.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleTaskDashboard(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Tasks.Dashboard())
}

type delegateRequest struct {
	FromAgent    string      `json:"from_agent" binding:"required"`
	ToAgent      string      `json:"to_agent" binding:"required"`
	Title        string      `json:"title" binding:"required"`
	Description  string      `json:"description"`
	Priority     v1.Priority `json:"priority,omitempty"`
	Dependencies []string    `json:"dependencies,omitempty"`
}

func (s *Server) handleDelegateTask(c *gin.Context) {
	var req delegateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	created, err := s.deps.Tasks.Delegate(c.Request.Context(), req.FromAgent, req.ToAgent, &task.DelegationSpec{
		Title:        req.Title,
		Description:  req.Description,
		Priority:     req.Priority,
		Dependencies: req.Dependencies,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}
