package handler

import (
	"errors"
	"net/http"

	"github.com/ashwinyue/next-tutor/internal/repository"
	"github.com/ashwinyue/next-tutor/internal/service/attachment"
	"github.com/ashwinyue/next-tutor/internal/service/chat"
	"github.com/gin-gonic/gin"
)

// Response 统一响应
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// success 成功响应
func success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Code: 0, Message: "success", Data: data})
}

// created 创建成功响应
func created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{Code: 0, Message: "created", Data: data})
}

// badRequest 400 错误响应
func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, Response{Code: -1, Message: msg})
}

// errorResponse 根据错误类型返回相应的错误响应
func errorResponse(c *gin.Context, err error) {
	errorResponseWithData(c, err, nil)
}

func errorResponseWithData(c *gin.Context, err error, data interface{}) {
	c.JSON(statusOf(err), Response{Code: -1, Message: err.Error(), Data: data})
}

// statusOf 错误到 HTTP 状态码的映射
func statusOf(err error) int {
	switch {
	case errors.Is(err, chat.ErrSessionNotFound), errors.Is(err, repository.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrEmptyTitle),
		errors.Is(err, attachment.ErrUnsupportedType),
		errors.Is(err, attachment.ErrNotText),
		errors.Is(err, attachment.ErrEmptyContent):
		return http.StatusBadRequest
	case errors.Is(err, attachment.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, chat.ErrGenerationFailed):
		return http.StatusBadGateway
	case errors.Is(err, chat.ErrPersistFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
