package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noxlabs/nox/internal/common/errdefs"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

func (s *Server) handlePendingApprovals(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Approvals.GetPending())
}

func (s *Server) handleApprovalHistory(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(c, errdefs.Invalid("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	records, err := s.deps.Approvals.GetHistory(limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) handleRespondApproval(c *gin.Context) {
	var req v1.RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	id := c.Param("id")
	if !s.deps.Approvals.Respond(c.Request.Context(), id, req.Approved, req.DecidedBy, req.Reason) {
		respondError(c, errdefs.NotFound("no pending approval %s", id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}
