package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noxlabs/nox/internal/common/errdefs"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

func (s *Server) handleMessageHistory(c *gin.Context) {
	agentID := c.Query("agentId")

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(c, errdefs.Invalid("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	chronological := c.Query("chronological") == "true"

	c.JSON(http.StatusOK, s.deps.Broker.GetMessageHistory(agentID, limit, chronological))
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var req v1.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	msg, err := s.deps.Broker.SendMessage(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}
