// Package types holds the response envelope and error codes shared by the
// HTTP API and its clients.
package types

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorCode is a stable machine-readable error identifier
type ErrorCode string

const (
	ErrTaskNotFound        ErrorCode = "TASK_NOT_FOUND"
	ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrConflict            ErrorCode = "CONFLICT"
	ErrTimeout             ErrorCode = "TIMEOUT"
	ErrUpstreamFailed      ErrorCode = "UPSTREAM_FAILED"
	ErrResourceExhausted   ErrorCode = "RESOURCE_EXHAUSTED"
	ErrInsufficientStorage ErrorCode = "INSUFFICIENT_STORAGE"
	ErrUnavailable         ErrorCode = "UNAVAILABLE"
	ErrInternalError       ErrorCode = "INTERNAL_ERROR"
)

func (e ErrorCode) String() string {
	return string(e)
}

// HTTPStatusCode returns the HTTP status code the error is served with
func (e ErrorCode) HTTPStatusCode() int {
	switch e {
	case ErrTaskNotFound:
		return http.StatusNotFound
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrConflict:
		return http.StatusConflict
	case ErrTimeout:
		return http.StatusRequestTimeout
	case ErrUpstreamFailed:
		return http.StatusBadGateway
	case ErrResourceExhausted:
		return http.StatusTooManyRequests
	case ErrInsufficientStorage:
		return http.StatusInsufficientStorage
	case ErrUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorInfo is the error part of a response. It also satisfies error so
// handlers can attach it to the gin context.
type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

func (e *ErrorInfo) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ResponseMeta is attached to every response
type ResponseMeta struct {
	Timestamp string `json:"timestamp"`
	RequestID string `json:"requestId"`
	Latency   int64  `json:"latency,omitempty"` // milliseconds
}

func NewResponseMeta(requestID string) *ResponseMeta {
	return &ResponseMeta{
		Timestamp: time.Now().Format(time.RFC3339),
		RequestID: requestID,
	}
}

// ApiResponse is the envelope of every JSON response
type ApiResponse[T any] struct {
	Success  bool          `json:"success"`
	Data     T             `json:"data,omitempty"`
	Error    *ErrorInfo    `json:"error,omitempty"`
	Metadata *ResponseMeta `json:"metadata,omitempty"`
}

func NewSuccessResponse[T any](data T, requestID string) *ApiResponse[T] {
	return &ApiResponse[T]{
		Success:  true,
		Data:     data,
		Metadata: NewResponseMeta(requestID),
	}
}

func NewErrorResponse(code ErrorCode, message string, requestID string) *ApiResponse[struct{}] {
	return NewErrorResponseWithDetails(code, message, "", requestID)
}

func NewErrorResponseWithDetails(code ErrorCode, message, details string, requestID string) *ApiResponse[struct{}] {
	return &ApiResponse[struct{}]{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
			Details: details,
		},
		Metadata: NewResponseMeta(requestID),
	}
}

// ListResponse is a collection response with its total count
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func NewListResponse[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Total: len(items)}
}
