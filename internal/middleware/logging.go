package middleware

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader 请求 ID 响应头
const RequestIDHeader = "X-Request-ID"

// LoggingMiddleware 日志中间件
// 流式响应（SSE、WebSocket）在连接结束时才记录
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header(RequestIDHeader, requestID)

		c.Next()

		userID, _ := GetUserID(c)
		log.Printf("[HTTP] %s %s | Status: %d | Latency: %v | User: %s | Request: %s",
			c.Request.Method,
			path,
			c.Writer.Status(),
			time.Since(start),
			userID,
			requestID,
		)
	}
}
