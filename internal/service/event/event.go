// Package event provides chat event publishing for streaming clients
package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType 事件类型
type EventType string

const (
	// EventSessionCreated 会话创建
	EventSessionCreated EventType = "session_created"
	// EventSessionUpdated 会话更新
	EventSessionUpdated EventType = "session_updated"
	// EventSessionRemoved 会话删除
	EventSessionRemoved EventType = "session_removed"
	// EventSessionPromoted 临时 ID 替换为持久化 ID
	EventSessionPromoted EventType = "session_promoted"
	// EventSessionsReconciled 会话列表对账完成
	EventSessionsReconciled EventType = "sessions_reconciled"
	// EventMessageChunk 流式片段已写入
	EventMessageChunk EventType = "message_chunk"
	// EventTitleUpdated 标题更新
	EventTitleUpdated EventType = "title_updated"
	// EventGenerationStarted 开始生成
	EventGenerationStarted EventType = "generation_started"
	// EventGenerationFinished 生成完成
	EventGenerationFinished EventType = "generation_finished"
	// EventGenerationFailed 生成失败
	EventGenerationFailed EventType = "generation_failed"
	// EventGenerationCancelled 生成被取消
	EventGenerationCancelled EventType = "generation_cancelled"
)

// Event 聊天事件
type Event struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id,omitempty"`
	EventType EventType              `json:"event_type"`
	Data      interface{}            `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewEvent 创建事件
func NewEvent(eventType EventType, sessionID string, data interface{}) *Event {
	return &Event{
		ID:        generateEventID(),
		SessionID: sessionID,
		EventType: eventType,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// Store 事件存储接口
type Store interface {
	SaveEvent(ctx context.Context, evt *Event) error
	GetEvents(ctx context.Context, sessionID string) ([]*Event, error)
	ClearEvents(ctx context.Context, sessionID string) error
}

// Handler 事件处理器接口
type Handler interface {
	Handle(ctx context.Context, evt *Event) error
}

// EventHandlerFunc 函数类型的事件处理器
type EventHandlerFunc func(ctx context.Context, evt *Event) error

// Handle 实现 Handler 接口
func (f EventHandlerFunc) Handle(ctx context.Context, evt *Event) error {
	return f(ctx, evt)
}

// generateEventID 生成事件 ID
func generateEventID() string {
	return "evt_" + uuid.New().String()
}

// ========== EventBus ==========

type subscriber struct {
	id      string
	handler Handler
}

// EventBus 事件总线
// 订阅者按发布顺序同步收到事件，Handler 不应阻塞
type EventBus struct {
	store       Store
	subscribers []subscriber
	mu          sync.RWMutex
	publishMu   sync.Mutex
}

// NewEventBus 创建事件总线
func NewEventBus(store Store) *EventBus {
	return &EventBus{store: store}
}

// GetEvents 获取会话的所有事件
func (b *EventBus) GetEvents(ctx context.Context, sessionID string) ([]*Event, error) {
	if b.store != nil {
		return b.store.GetEvents(ctx, sessionID)
	}
	return []*Event{}, nil
}

// ClearEvents 清空会话事件
func (b *EventBus) ClearEvents(ctx context.Context, sessionID string) error {
	if b.store != nil {
		return b.store.ClearEvents(ctx, sessionID)
	}
	return nil
}

// Subscribe 订阅事件，返回订阅 ID
func (b *EventBus) Subscribe(handler Handler) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	b.subscribers = append(b.subscribers, subscriber{id: id, handler: handler})
	return id, nil
}

// Unsubscribe 取消订阅
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subscribers {
		if s.id == id {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			break
		}
	}
}

// SubscriberCount 订阅者数量
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish 发布事件
func (b *EventBus) Publish(ctx context.Context, evt *Event) error {
	if evt == nil {
		return fmt.Errorf("event cannot be nil")
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	// 1. 保存事件；保存失败不影响通知
	var saveErr error
	if b.store != nil {
		if err := b.store.SaveEvent(ctx, evt); err != nil {
			saveErr = fmt.Errorf("failed to save event: %w", err)
		}
	}

	// 2. 按顺序通知订阅者
	b.mu.RLock()
	subs := append([]subscriber(nil), b.subscribers...)
	b.mu.RUnlock()

	for _, s := range subs {
		_ = s.handler.Handle(ctx, evt)
	}

	return saveErr
}

// ========== ChannelSubscriber ==========

// ChannelSubscriber 把事件转发到带缓冲的 channel
// 缓冲满时丢弃事件；会话事件携带完整内容，后续事件可覆盖丢失的中间状态
type ChannelSubscriber struct {
	ch     chan *Event
	filter func(evt *Event) bool
	mu     sync.Mutex
	closed bool
}

// NewChannelSubscriber 创建 channel 订阅者，filter 为 nil 时接收全部事件
func NewChannelSubscriber(buffer int, filter func(evt *Event) bool) *ChannelSubscriber {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSubscriber{ch: make(chan *Event, buffer), filter: filter}
}

// Handle 实现 Handler 接口
func (s *ChannelSubscriber) Handle(_ context.Context, evt *Event) error {
	if s.filter != nil && !s.filter(evt) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- evt:
	default:
	}
	return nil
}

// Events 事件 channel
func (s *ChannelSubscriber) Events() <-chan *Event {
	return s.ch
}

// Close 关闭 channel
func (s *ChannelSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
