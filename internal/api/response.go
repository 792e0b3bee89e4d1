// Package api provides the response helpers and gin middleware shared by
// HTTP handlers.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/scripting-kit/ipadl/internal/types"
)

// getRequestID gets the request ID from context, returns "unknown" if not set
func getRequestID(c *gin.Context) string {
	if requestID := c.GetString(requestIDKey); requestID != "" {
		return requestID
	}
	return "unknown"
}

// Success sends a 200 response with data
func Success[T any](c *gin.Context, data T) {
	c.JSON(http.StatusOK, types.NewSuccessResponse(data, getRequestID(c)))
}

// Created sends a 201 response with data
func Created[T any](c *gin.Context, data T) {
	c.JSON(http.StatusCreated, types.NewSuccessResponse(data, getRequestID(c)))
}

// List sends a 200 response wrapping items with their count
func List[T any](c *gin.Context, items []T) {
	Success(c, types.NewListResponse(items))
}

func SuccessWithMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, types.NewSuccessResponse(gin.H{"message": message}, getRequestID(c)))
}

// Error sends an error response with the status code of code
func Error(c *gin.Context, code types.ErrorCode, message string) {
	c.JSON(code.HTTPStatusCode(), types.NewErrorResponse(code, message, getRequestID(c)))
}

func ErrorWithDetails(c *gin.Context, code types.ErrorCode, message, details string) {
	c.JSON(code.HTTPStatusCode(), types.NewErrorResponseWithDetails(code, message, details, getRequestID(c)))
}

// ValidationError reports a request that failed binding
func ValidationError(c *gin.Context, err error) {
	Error(c, types.ErrInvalidRequest, err.Error())
}

func NotFound(c *gin.Context, resource string) {
	Error(c, types.ErrTaskNotFound, resource+" not found")
}

func InternalError(c *gin.Context, err error) {
	ErrorWithDetails(c, types.ErrInternalError, "Internal server error", err.Error())
}

func BadRequest(c *gin.Context, message string) {
	Error(c, types.ErrInvalidRequest, message)
}

// Accepted sends a 202 response for work that continues in the background
func Accepted[T any](c *gin.Context, data T) {
	c.JSON(http.StatusAccepted, types.NewSuccessResponse(data, getRequestID(c)))
}

func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
