package handler

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/ashwinyue/next-tutor/internal/model"
	"github.com/ashwinyue/next-tutor/internal/service/chat"
	"github.com/ashwinyue/next-tutor/internal/service/event"
	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

const (
	// wsBuffer 单个 WebSocket 连接缓冲的事件数
	wsBuffer = 512
	// wsWriteTimeout 单条消息写超时
	wsWriteTimeout = 10 * time.Second
)

// EventHandler 通过 WebSocket 推送会话事件
type EventHandler struct {
	chats   *chat.Manager
	devMode bool
}

// NewEventHandler 创建事件处理器
func NewEventHandler(chats *chat.Manager, devMode bool) *EventHandler {
	return &EventHandler{chats: chats, devMode: devMode}
}

// ClientMessage 客户端发来的消息
type ClientMessage struct {
	Type string `json:"type"` // stop | ping
}

// ServerMessage 推送给客户端的消息
type ServerMessage struct {
	Type  string       `json:"type"` // snapshot | event | pong | error
	Event *event.Event `json:"event,omitempty"`
	Data  interface{}  `json:"data,omitempty"`
}

// SnapshotData 连接建立时推送的当前状态
type SnapshotData struct {
	Sessions []model.Session `json:"sessions"`
	State    StateResponse   `json:"state"`
}

// Stream 升级为 WebSocket 并持续推送当前用户的会话事件
func (h *EventHandler) Stream(c *gin.Context) {
	ws := workspace(c, h.chats)

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: h.devMode,
	})
	if err != nil {
		log.Printf("[WS] Failed to accept websocket: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	h.handleConnection(c.Request.Context(), conn, ws)
}

func (h *EventHandler) handleConnection(ctx context.Context, conn *websocket.Conn, ws *chat.Workspace) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	subscriber := event.NewChannelSubscriber(wsBuffer, nil)
	subID, err := ws.Bus.Subscribe(subscriber)
	if err != nil {
		log.Printf("[WS] Failed to subscribe: %v", err)
		return
	}
	defer func() {
		ws.Bus.Unsubscribe(subID)
		subscriber.Close()
	}()

	snapshot := SnapshotData{
		Sessions: ws.Sessions(),
		State:    StateResponse{GenerationState: ws.State(), CurrentSessionID: ws.CurrentSessionID()},
	}
	if err := writeMessage(ctx, conn, ServerMessage{Type: "snapshot", Data: snapshot}); err != nil {
		return
	}

	replies := make(chan ServerMessage, 8)
	go h.readLoop(ctx, cancel, conn, ws, replies)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-subscriber.Events():
			if !ok {
				return
			}
			if err := writeMessage(ctx, conn, ServerMessage{Type: "event", Event: evt}); err != nil {
				log.Printf("[WS] write error: %v", err)
				return
			}
		case msg := <-replies:
			if err := writeMessage(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}

// readLoop 处理客户端消息，连接断开时取消 ctx
func (h *EventHandler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, ws *chat.Workspace, replies chan<- ServerMessage) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		var reply ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			reply = ServerMessage{Type: "error", Data: "Invalid message format"}
		} else {
			switch msg.Type {
			case "stop":
				reply = ServerMessage{Type: "stopped", Data: ws.Stop()}
			case "ping":
				reply = ServerMessage{Type: "pong"}
			default:
				reply = ServerMessage{Type: "error", Data: "Unknown message type"}
			}
		}

		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
