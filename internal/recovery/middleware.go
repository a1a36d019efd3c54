// Package recovery provides gin middleware that turns panics and request
// timeouts into the same apperr-shaped JSON responses the rest of the API
// returns, instead of a bare connection reset or a hung handler.
package recovery

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jamie-anson/project-beacon-runner/internal/apperr"
	"github.com/jamie-anson/project-beacon-runner/internal/logging"
)

// PanicRecoveryMiddleware recovers from panics in downstream handlers and
// responds with a standard internal-error body instead of crashing the
// connection.
func PanicRecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logging.FromContext(c.Request.Context()).Error().
					Interface("panic", r).
					Str("path", c.Request.URL.Path).
					Str("method", c.Request.Method).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				appErr := apperr.New(apperr.Internal, "internal server error").WithCode("panic_recovered")
				c.JSON(http.StatusInternalServerError, gin.H{
					"error":      appErr.Message,
					"error_code": appErr.Code,
					"kind":       appErr.Kind,
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

// TimeoutMiddleware aborts a request that runs past timeout with a 503,
// rather than letting it hang until the client gives up.
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		done := make(chan struct{})
		var panicked interface{}
		go func() {
			defer func() {
				panicked = recover()
				close(done)
			}()
			c.Next()
		}()

		select {
		case <-done:
			// Re-raise on the request goroutine so PanicRecoveryMiddleware sees it.
			if panicked != nil {
				panic(panicked)
			}
		case <-ctx.Done():
			logging.FromContext(c.Request.Context()).Warn().
				Str("path", c.Request.URL.Path).
				Str("method", c.Request.Method).
				Dur("timeout", timeout).
				Msg("request timed out")

			if !c.Writer.Written() {
				appErr := apperr.New(apperr.Transient, "request timed out").WithCode("request_timeout")
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"error":      appErr.Message,
					"error_code": appErr.Code,
					"kind":       appErr.Kind,
				})
			}
			c.Abort()
		}
	}
}

// MapKindToHTTPStatus maps an apperr.Kind to an HTTP status code.
func MapKindToHTTPStatus(kind apperr.Kind) int {
	switch kind {
	case apperr.UserInput:
		return http.StatusBadRequest
	case apperr.Configuration:
		return http.StatusInternalServerError
	case apperr.Transient:
		return http.StatusServiceUnavailable
	case apperr.ContractViolation:
		return http.StatusConflict
	case apperr.DataCorruption:
		return http.StatusInternalServerError
	case apperr.LeaseLost:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
