// Package httpx holds the JSON envelopes shared by the REST handlers.
package httpx

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ageniuscoder/mmchat/dmcore/internal/domain"
)

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func OK(c *gin.Context, v any) {
	c.JSON(http.StatusOK, v)
}

// Data writes the success envelope {"success": true, "data": v}.
func Data(c *gin.Context, status int, v any) {
	c.JSON(status, gin.H{"success": true, "data": v})
}

// Invalid reports a request that failed binding or validation.
func Invalid(c *gin.Context, details any) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": ErrorInfo{
		Code:    code(http.StatusBadRequest),
		Message: "invalid request",
		Details: details,
	}})
}

// Fail maps a domain error to its HTTP status. Anything unrecognized is
// logged by the request logger and answered with a generic 500.
func Fail(c *gin.Context, err error) {
	status := Status(err)
	_ = c.Error(err)
	info := ErrorInfo{Code: code(status), Message: Message(err)}
	switch {
	case errors.Is(err, domain.ErrEmptyContent):
		info.Code = "EMPTY_CONTENT"
	case errors.Is(err, domain.ErrEditWindowExpired):
		info.Code = "EDIT_WINDOW_EXPIRED"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": info})
}

func Status(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden), errors.Is(err, domain.ErrEditWindowExpired):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrEmptyContent), errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Message is the client-facing text of err. Internal errors are not leaked.
func Message(err error) string {
	if Status(err) == http.StatusInternalServerError {
		return "internal server error"
	}
	return err.Error()
}

func code(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusInternalServerError:
		return "INTERNAL_SERVER_ERROR"
	}
	return "ERROR"
}
