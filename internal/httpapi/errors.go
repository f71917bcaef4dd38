// Package httpapi wires the Credential Validator, Admission Controller,
// Event Recorder, and Invoice Builder to the gin HTTP surfaces described
// in the public API. Every error response uses the same JSON envelope.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorResponse is the error envelope shared by every endpoint.
type ErrorResponse struct {
	Error     string      `json:"error"`
	Code      string      `json:"code"`
	Details   interface{} `json:"details,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

func fail(c *gin.Context, status int, code, message string, details interface{}) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:     message,
		Code:      code,
		Details:   details,
		RequestID: c.GetString("request_id"),
	})
}

func failUnauthorized(c *gin.Context, message string) {
	fail(c, http.StatusUnauthorized, "UNAUTHORIZED", message, nil)
}

func failForbidden(c *gin.Context, message string) {
	fail(c, http.StatusForbidden, "FORBIDDEN", message, nil)
}

func failInvalidRequest(c *gin.Context, message string, details interface{}) {
	fail(c, http.StatusBadRequest, "INVALID_REQUEST", message, details)
}

func failInternal(c *gin.Context, message string) {
	fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", message, nil)
}
