package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/capabilities-directory/pkg/storage"
)

// 错误码，客户端据此还原存储层错误
const (
	CodeInvalidArgument            = "INVALID_ARGUMENT"
	CodeUnknownGbid                = "UNKNOWN_GBID"
	CodeIncompleteEntry            = "INCOMPLETE_ENTRY"
	CodeNoEntryForParticipant      = "NO_ENTRY_FOR_PARTICIPANT"
	CodeNoEntryForSelectedBackends = "NO_ENTRY_FOR_SELECTED_BACKENDS"
	CodeInternalError              = "INTERNAL_ERROR"
)

// ApiResponse 统一响应结构
type ApiResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func success(c echo.Context, message string, data any) error {
	return c.JSON(http.StatusOK, ApiResponse{
		Code:    http.StatusOK,
		Message: message,
		Data:    data,
	})
}

func failure(c echo.Context, status int, code, message string) error {
	return c.JSON(status, ApiResponse{
		Code:    status,
		Message: message,
		Error:   code,
	})
}

// storageFailure 把存储层错误映射为HTTP状态码和错误码
func storageFailure(c echo.Context, prefix string, err error) error {
	var se *storage.StorageError
	if errors.As(err, &se) {
		switch se.Code {
		case storage.ErrInvalidArgument:
			return failure(c, http.StatusBadRequest, CodeInvalidArgument, se.Error())
		case storage.ErrIncompleteEntry:
			return failure(c, http.StatusBadRequest, CodeIncompleteEntry, se.Error())
		case storage.ErrNotFound:
			return failure(c, http.StatusNotFound, CodeNoEntryForParticipant, se.Error())
		case storage.ErrBackendMismatch:
			return failure(c, http.StatusNotFound, CodeNoEntryForSelectedBackends, se.Error())
		}
	}
	return failure(c, http.StatusInternalServerError, CodeInternalError, prefix+": "+err.Error())
}
