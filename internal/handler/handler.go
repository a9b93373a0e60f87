package handler

import (
	"github.com/ashwinyue/next-tutor/internal/middleware"
	"github.com/ashwinyue/next-tutor/internal/service"
	"github.com/ashwinyue/next-tutor/internal/service/chat"
	"github.com/gin-gonic/gin"
)

// Handlers 处理器集合
type Handlers struct {
	Chat       *ChatHandler
	Events     *EventHandler
	Attachment *AttachmentHandler
}

// NewHandlers 创建所有处理器
func NewHandlers(svc *service.Services) *Handlers {
	return &Handlers{
		Chat:       NewChatHandler(svc.Chat),
		Events:     NewEventHandler(svc.Chat, svc.Config.App.Debug),
		Attachment: NewAttachmentHandler(svc.Attachment),
	}
}

// workspace 当前用户的会话工作区
func workspace(c *gin.Context, m *chat.Manager) *chat.Workspace {
	userID, _ := middleware.GetUserID(c)
	if userID == "" {
		userID = middleware.AnonymousUserID
	}
	return m.Get(c.Request.Context(), userID)
}
