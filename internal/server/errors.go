package server

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/scripting-kit/ipadl/internal/api"
	"github.com/scripting-kit/ipadl/internal/diskspace"
	"github.com/scripting-kit/ipadl/internal/download"
	"github.com/scripting-kit/ipadl/internal/types"
)

// errorCode maps domain errors to API error codes, fallback otherwise
func errorCode(err error, fallback types.ErrorCode) types.ErrorCode {
	var httpErr *download.HTTPStatusError
	switch {
	case errors.Is(err, download.ErrTaskNotFound):
		return types.ErrTaskNotFound
	case errors.Is(err, download.ErrEmptyURL):
		return types.ErrInvalidRequest
	case errors.Is(err, download.ErrTaskLimit), errors.Is(err, download.ErrDownloadingLimit):
		return types.ErrResourceExhausted
	case errors.Is(err, diskspace.ErrInsufficientSpace):
		return types.ErrInsufficientStorage
	case errors.Is(err, download.ErrManagerClosed):
		return types.ErrUnavailable
	case errors.Is(err, download.ErrTaskRemoved):
		return types.ErrConflict
	case errors.Is(err, context.DeadlineExceeded):
		return types.ErrTimeout
	case errors.As(err, &httpErr):
		return types.ErrUpstreamFailed
	}
	return fallback
}

func respondError(c *gin.Context, message string, err error, fallback types.ErrorCode) {
	api.ErrorWithDetails(c, errorCode(err, fallback), message, err.Error())
}
