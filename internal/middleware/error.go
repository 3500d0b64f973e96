package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	appErrors "github.com/jwalitptl/realtime-hub/pkg/errors"
	"github.com/jwalitptl/realtime-hub/pkg/logger"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Code      int               `json:"code"`
	Message   string            `json:"message"`
	RequestID string            `json:"request_id,omitempty"`
	Errors    []ValidationError `json:"errors,omitempty"`
}

// ErrorHandler renders the last error a handler attached with c.Error.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		requestID := c.GetString(ContextRequestID)
		lastErr := c.Errors.Last().Err
		status := http.StatusInternalServerError
		message := "internal server error"

		var fieldErrs validator.ValidationErrors
		if appErr, ok := appErrors.As(lastErr); ok {
			status = appErr.StatusCode()
			message = appErr.Message
			if status < http.StatusInternalServerError {
				message = appErr.Error()
			}
		}
		if errors.As(lastErr, &fieldErrs) {
			status = http.StatusBadRequest
			message = "validation failed"
		}

		if status >= http.StatusInternalServerError {
			log.Error(lastErr, "Request error",
				"request_id", requestID,
				"method", c.Request.Method,
				"path", c.Request.URL.Path)
		} else {
			log.Debug("Request rejected",
				"request_id", requestID,
				"status", status,
				"error", lastErr.Error())
		}

		c.JSON(status, ErrorResponse{
			Code:      status,
			Message:   message,
			RequestID: requestID,
			Errors:    FormatValidationErrors(fieldErrs),
		})
	}
}
