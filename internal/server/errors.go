package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	documentdomain "github.com/smallbiznis/erpsync/internal/document/domain"
	mirrordomain "github.com/smallbiznis/erpsync/internal/mirror/domain"
	"github.com/smallbiznis/erpsync/pkg/db"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// errorRule maps a family of domain errors to one HTTP answer. Rules are
// checked in order; the first match wins.
type errorRule struct {
	match   func(error) bool
	status  int
	kind    string
	message string
}

func is(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}
}

var errorRules = []errorRule{
	{
		match:   is(mirrordomain.ErrFeedDisabled),
		status:  http.StatusConflict,
		kind:    "conflict",
		message: "feed is disabled",
	},
	{
		match:   is(documentdomain.ErrNotFound, gorm.ErrRecordNotFound),
		status:  http.StatusNotFound,
		kind:    "not_found",
		message: "document not found",
	},
	{
		match: func(err error) bool {
			return errors.Is(err, context.DeadlineExceeded) || db.IsTransient(err)
		},
		status:  http.StatusServiceUnavailable,
		kind:    "service_unavailable",
		message: "store unavailable, retry later",
	},
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{Errors: []ValidationError{{Field: field, Code: code, Message: message}}}
}

func mapError(err error) (int, errorPayload) {
	var vErr *ValidationErrors
	switch {
	case err == nil:
	case errors.As(err, &vErr) && vErr != nil:
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: "validation error", Errors: vErr.Errors}
	case errors.Is(err, mirrordomain.ErrUnknownFeed):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  []ValidationError{{Field: "feed", Code: "invalid_feed", Message: err.Error()}},
		}
	default:
		for _, rule := range errorRules {
			if rule.match(err) {
				return rule.status, errorPayload{Type: rule.kind, Message: rule.message}
			}
		}
	}
	return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
}

// classifyErrorForLog labels request errors for the access log.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return "server", payload.Type
	}
	return "client", payload.Type
}
