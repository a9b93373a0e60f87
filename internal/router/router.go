package router

import (
	"github.com/ashwinyue/next-tutor/internal/handler"
	"github.com/ashwinyue/next-tutor/internal/middleware"
	"github.com/gin-gonic/gin"
)

// SetupRouter 设置路由
func SetupRouter(h *handler.Handlers, jwtSecret string) *gin.Engine {
	r := gin.New()

	// 中间件
	r.Use(middleware.RecoveryMiddleware())
	r.Use(middleware.LoggingMiddleware())

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// API v1
	v1 := r.Group("/api/v1")
	v1.Use(middleware.AuthMiddleware(jwtSecret))
	{
		// Chat 聊天
		chats := v1.Group("/chat")
		{
			chats.GET("/sessions", h.Chat.ListSessions)
			chats.POST("/sessions/refresh", h.Chat.RefreshSessions)
			chats.GET("/sessions/:id", h.Chat.GetSession)
			chats.PUT("/sessions/:id", h.Chat.RenameSession)
			chats.DELETE("/sessions/:id", h.Chat.DeleteSession)
			chats.POST("/sessions/:id/select", h.Chat.SelectSession)
			chats.GET("/sessions/:id/events", h.Chat.GetEvents)
			chats.POST("/new", h.Chat.NewChat)
			chats.POST("/send", h.Chat.Send)
			chats.POST("/stop", h.Chat.Stop)
			chats.GET("/state", h.Chat.GetState)
			chats.GET("/events/ws", h.Events.Stream)
		}

		// Attachment 附件
		v1.POST("/attachments", h.Attachment.Upload)
	}

	return r
}
