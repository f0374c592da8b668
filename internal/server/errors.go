package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noxlabs/nox/internal/common/errdefs"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// respondError maps error kinds onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	kind := "internal"

	switch {
	case errdefs.IsInvalid(err):
		status = http.StatusBadRequest
		kind = "invalid"
	case errdefs.IsNotFound(err):
		status = http.StatusNotFound
		kind = "not_found"
	case errdefs.IsConflict(err):
		status = http.StatusConflict
		kind = "conflict"
	case errdefs.IsCapacity(err), errors.Is(err, errdefs.ErrTimeout):
		status = http.StatusServiceUnavailable
		kind = "unavailable"
	}

	c.JSON(status, errorBody{Error: kind, Message: err.Error(), Code: status})
}

// respondBadRequest reports a malformed request body or query.
func respondBadRequest(c *gin.Context, err error) {
	respondError(c, errdefs.Invalid("%v", err))
}
