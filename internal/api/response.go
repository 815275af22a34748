// Package api provides response building and middleware for HTTP handlers
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shepherd-project/modelfetch/internal/catalog"
	"github.com/shepherd-project/modelfetch/internal/download"
	"github.com/shepherd-project/modelfetch/internal/gguf"
	"github.com/shepherd-project/modelfetch/internal/types"
)

// getRequestID gets the request ID from context, returns "unknown" if not set
func getRequestID(c *gin.Context) string {
	if requestID := c.GetString("requestId"); requestID != "" {
		return requestID
	}
	return "unknown"
}

// Success sends a successful API response with data
func Success[T any](c *gin.Context, data T) {
	c.JSON(http.StatusOK, types.NewSuccessResponse(data, getRequestID(c)))
}

// Accepted sends a 202 response for an operation that continues in the background
func Accepted[T any](c *gin.Context, data T) {
	c.JSON(http.StatusAccepted, types.NewSuccessResponse(data, getRequestID(c)))
}

// Error sends an error API response
func Error(c *gin.Context, code types.ErrorCode, message string) {
	c.JSON(code.HTTPStatusCode(), types.NewErrorResponse(code, message, getRequestID(c)))
}

// ErrorWithDetails sends an error API response with details
func ErrorWithDetails(c *gin.Context, code types.ErrorCode, message, details string) {
	c.JSON(code.HTTPStatusCode(), types.NewErrorResponseWithDetails(code, message, details, getRequestID(c)))
}

// BadRequest sends a bad request error response
func BadRequest(c *gin.Context, message string) {
	Error(c, types.ErrInvalidRequest, message)
}

// NotFound sends a not found error response
func NotFound(c *gin.Context, resource string) {
	Error(c, types.ErrNotFound, resource+" not found")
}

// InternalError sends an internal server error response
func InternalError(c *gin.Context, err error) {
	ErrorWithDetails(c, types.ErrInternalError, "Internal server error", err.Error())
}

// Classify maps a domain error to an API error code
func Classify(err error) types.ErrorCode {
	var info *types.ErrorInfo
	switch {
	case errors.As(err, &info):
		return info.Code
	case errors.Is(err, download.ErrArgument), errors.Is(err, gguf.ErrNotGGUF):
		return types.ErrInvalidRequest
	case errors.Is(err, download.ErrNotFound), errors.Is(err, catalog.ErrNotFound):
		return types.ErrNotFound
	case errors.Is(err, download.ErrAlreadyActive),
		errors.Is(err, download.ErrNotActive),
		errors.Is(err, download.ErrInvalidState):
		return types.ErrConflict
	case errors.Is(err, download.ErrStaleRemote):
		return types.ErrStaleRemote
	case errors.Is(err, download.ErrIntegrity):
		return types.ErrIntegrityFailed
	case errors.Is(err, download.ErrNetwork):
		return types.ErrNetwork
	case errors.Is(err, download.ErrFileSystem):
		return types.ErrFileSystem
	default:
		return types.ErrInternalError
	}
}

// Fail sends err with the status its classification maps to
func Fail(c *gin.Context, err error) {
	code := Classify(err)
	if code == types.ErrInternalError {
		InternalError(c, err)
		return
	}
	Error(c, code, err.Error())
}
