package middleware

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jamie-anson/project-beacon-runner/internal/apperr"
	"github.com/jamie-anson/project-beacon-runner/internal/logging"
	"github.com/jamie-anson/project-beacon-runner/internal/recovery"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error  ErrorDetails `json:"error"`
	Status string       `json:"status"`
}

// ErrorDetails contains detailed error information
type ErrorDetails struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Kind      string `json:"kind"`
	Timestamp string `json:"timestamp"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorHandler middleware maps apperr.Kind to HTTP status and a standardized body.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last()
		logging.FromContext(c.Request.Context()).Error().Err(err.Err).
			Str("method", c.Request.Method).Str("path", c.Request.URL.Path).
			Msg("error in request")

		if c.Writer.Written() {
			return
		}

		resp := createErrorResponse(err.Err, c.GetString("request_id"))
		status := recovery.MapKindToHTTPStatus(apperr.Kind(resp.Error.Kind))
		c.JSON(status, resp)
	}
}

// createErrorResponse creates a standardized error response from a typed apperr.AppError,
// falling back to an internal-kind response for untyped errors.
func createErrorResponse(err error, requestID string) ErrorResponse {
	var appErr *apperr.AppError
	if !errors.As(err, &appErr) {
		appErr = apperr.New(apperr.Internal, err.Error())
	}

	return ErrorResponse{
		Error: ErrorDetails{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Kind:      string(appErr.Kind),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			RequestID: requestID,
		},
		Status: "error",
	}
}
