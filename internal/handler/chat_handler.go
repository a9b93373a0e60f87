package handler

import (
	"context"
	"io"
	"strings"

	"github.com/ashwinyue/next-tutor/internal/model"
	"github.com/ashwinyue/next-tutor/internal/service/chat"
	"github.com/ashwinyue/next-tutor/internal/service/event"
	"github.com/gin-gonic/gin"
)

// sseBuffer 单个 SSE 连接缓冲的事件数
const sseBuffer = 256

// ChatHandler 聊天处理器
type ChatHandler struct {
	chats *chat.Manager
}

// NewChatHandler 创建聊天处理器
func NewChatHandler(chats *chat.Manager) *ChatHandler {
	return &ChatHandler{chats: chats}
}

// RenameRequest 重命名请求
type RenameRequest struct {
	Title string `json:"title" binding:"required"`
}

// StateResponse 生成状态
type StateResponse struct {
	model.GenerationState
	CurrentSessionID string `json:"current_session_id,omitempty"`
}

// ListSessions 列出会话
func (h *ChatHandler) ListSessions(c *gin.Context) {
	success(c, workspace(c, h.chats).Sessions())
}

// RefreshSessions 从仓库拉取会话并合并
func (h *ChatHandler) RefreshSessions(c *gin.Context) {
	ws := workspace(c, h.chats)
	if err := ws.Refresh(c.Request.Context()); err != nil {
		errorResponse(c, err)
		return
	}
	success(c, ws.Sessions())
}

// GetSession 获取会话
func (h *ChatHandler) GetSession(c *gin.Context) {
	sess, err := workspace(c, h.chats).Session(c.Param("id"))
	if err != nil {
		errorResponse(c, err)
		return
	}
	success(c, sess)
}

// RenameSession 重命名会话
func (h *ChatHandler) RenameSession(c *gin.Context) {
	var req RenameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	ws := workspace(c, h.chats)
	id := c.Param("id")
	if err := ws.Rename(c.Request.Context(), id, req.Title); err != nil {
		errorResponse(c, err)
		return
	}
	sess, err := ws.Session(id)
	if err != nil {
		errorResponse(c, err)
		return
	}
	success(c, sess)
}

// DeleteSession 删除会话
func (h *ChatHandler) DeleteSession(c *gin.Context) {
	if err := workspace(c, h.chats).Delete(c.Request.Context(), c.Param("id")); err != nil {
		errorResponse(c, err)
		return
	}
	success(c, nil)
}

// SelectSession 切换当前会话
func (h *ChatHandler) SelectSession(c *gin.Context) {
	ws := workspace(c, h.chats)
	if err := ws.SelectSession(c.Param("id")); err != nil {
		errorResponse(c, err)
		return
	}
	success(c, h.state(ws))
}

// NewChat 开始新对话
func (h *ChatHandler) NewChat(c *gin.Context) {
	ws := workspace(c, h.chats)
	ws.NewChat()
	success(c, h.state(ws))
}

// GetState 获取生成状态
func (h *ChatHandler) GetState(c *gin.Context) {
	success(c, h.state(workspace(c, h.chats)))
}

// Stop 停止生成
func (h *ChatHandler) Stop(c *gin.Context) {
	ws := workspace(c, h.chats)
	stopped := ws.Stop()
	success(c, gin.H{"stopped": stopped})
}

// GetEvents 回放会话的历史事件
func (h *ChatHandler) GetEvents(c *gin.Context) {
	events, err := workspace(c, h.chats).Bus.GetEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		errorResponse(c, err)
		return
	}
	success(c, events)
}

// Send 发送消息
// Accept: text/event-stream 时以 SSE 推送过程事件，最后推送 result 或 error
// 生成不随请求取消，需调用 Stop 停止
func (h *ChatHandler) Send(c *gin.Context) {
	var sub model.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		badRequest(c, err.Error())
		return
	}
	if sub.Mode == "" {
		sub.Mode = model.ModeStudy
	}
	if sub.Mode != model.ModeStudy && sub.Mode != model.ModeCorrect {
		badRequest(c, "mode must be study or correct")
		return
	}

	ws := workspace(c, h.chats)
	ctx := context.WithoutCancel(c.Request.Context())

	if !strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		res, err := ws.Send(ctx, sub, nil)
		if err != nil {
			errorResponseWithData(c, err, res)
			return
		}
		success(c, res)
		return
	}

	h.streamSend(ctx, c, ws, sub)
}

type sendOutcome struct {
	res *chat.SendResult
	err error
}

func (h *ChatHandler) streamSend(ctx context.Context, c *gin.Context, ws *chat.Workspace, sub model.Submission) {
	subscriber := event.NewChannelSubscriber(sseBuffer, nil)
	subID, err := ws.Bus.Subscribe(subscriber)
	if err != nil {
		errorResponse(c, err)
		return
	}
	defer func() {
		ws.Bus.Unsubscribe(subID)
		subscriber.Close()
	}()

	done := make(chan sendOutcome, 1)
	go func() {
		res, err := ws.Send(ctx, sub, nil)
		done <- sendOutcome{res: res, err: err}
	}()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case evt := <-subscriber.Events():
			c.SSEvent(string(evt.EventType), evt)
			return true
		case out := <-done:
			// Publish 是同步的，结果返回前的事件都已在缓冲中
			for drained := false; !drained; {
				select {
				case evt := <-subscriber.Events():
					c.SSEvent(string(evt.EventType), evt)
				default:
					drained = true
				}
			}
			if out.err != nil {
				c.SSEvent("error", Response{Code: -1, Message: out.err.Error(), Data: out.res})
			} else {
				c.SSEvent("result", out.res)
			}
			return false
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *ChatHandler) state(ws *chat.Workspace) StateResponse {
	return StateResponse{GenerationState: ws.State(), CurrentSessionID: ws.CurrentSessionID()}
}
