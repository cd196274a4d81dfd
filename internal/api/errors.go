package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/engine"
	"github.com/dreamware/conductor/internal/store"
)

// retryAfter is the Retry-After hint, in seconds, on contention and rate
// limit responses.
const retryAfter = "1"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error    string         `json:"error"`
	Code     string         `json:"code"`
	PolicyID string         `json:"policy_id,omitempty"`
	Action   *action.Action `json:"action,omitempty"`
}

// classify maps an engine error to an HTTP status and a stable code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, action.ErrResourceLocked):
		return http.StatusConflict, "resource_locked"
	case errors.Is(err, action.ErrActionConflict):
		return http.StatusConflict, "action_conflict"
	case errors.Is(err, engine.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, action.ErrPolicyRejected):
		return http.StatusUnprocessableEntity, "policy_rejected"
	case errors.Is(err, action.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, action.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, action.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, action.ErrDriverFailure):
		return http.StatusBadGateway, "driver_failure"
	case errors.Is(err, action.ErrGraphInconsistency):
		return http.StatusInternalServerError, "graph_inconsistency"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// fail writes err. a is the action the failure produced, if any; a policy
// veto still records a FAILED action and the caller gets it back.
func (s *Server) fail(c *gin.Context, err error, a *action.Action) {
	status, code := classify(err)
	resp := ErrorResponse{Error: err.Error(), Code: code, Action: a}
	var rej *action.PolicyRejection
	if errors.As(err, &rej) {
		resp.PolicyID = rej.PolicyID
	}
	if status == http.StatusConflict && action.IsContention(err) || status == http.StatusTooManyRequests {
		c.Header("Retry-After", retryAfter)
	}
	if status >= http.StatusInternalServerError {
		s.log.Errorw("request failed", "route", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, resp)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", action.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func (s *Server) bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_request"})
		return false
	}
	return true
}
