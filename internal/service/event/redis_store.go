package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	eventKeyPrefix   = "tutor:events:"
	defaultEventTTL  = 24 * time.Hour
	defaultMaxEvents = 500
)

// RedisStore 基于 Redis List 的事件存储
// 每个会话保留最近 maxEvents 条事件，用于断线后回放
type RedisStore struct {
	client    *redis.Client
	ttl       time.Duration
	maxEvents int64
}

// NewRedisStore 创建 Redis 事件存储
func NewRedisStore(client *redis.Client, ttl time.Duration, maxEvents int) *RedisStore {
	if ttl <= 0 {
		ttl = defaultEventTTL
	}
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	return &RedisStore{client: client, ttl: ttl, maxEvents: int64(maxEvents)}
}

func eventKey(sessionID string) string {
	return eventKeyPrefix + sessionID
}

// SaveEvent 保存事件；没有会话 ID 的事件不入库
// 流式片段事件数量大且可由最终消息还原，不入库
func (s *RedisStore) SaveEvent(ctx context.Context, evt *Event) error {
	if evt.SessionID == "" || evt.EventType == EventMessageChunk {
		return nil
	}

	b, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := eventKey(evt.SessionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, b)
	pipe.LTrim(ctx, key, -s.maxEvents, -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// GetEvents 获取会话事件（按时间顺序）
func (s *RedisStore) GetEvents(ctx context.Context, sessionID string) ([]*Event, error) {
	vals, err := s.client.LRange(ctx, eventKey(sessionID), 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return []*Event{}, nil
		}
		return nil, fmt.Errorf("failed to get events: %w", err)
	}

	events := make([]*Event, 0, len(vals))
	for _, v := range vals {
		var evt Event
		if err := json.Unmarshal([]byte(v), &evt); err != nil {
			continue
		}
		events = append(events, &evt)
	}
	return events, nil
}

// ClearEvents 清空会话事件
func (s *RedisStore) ClearEvents(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, eventKey(sessionID)).Err()
}

// MemoryStore 内存事件存储，未配置 Redis 时使用
type MemoryStore struct {
	events    map[string][]*Event
	maxEvents int
	mu        sync.Mutex
}

// NewMemoryStore 创建内存事件存储
func NewMemoryStore(maxEvents int) *MemoryStore {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	return &MemoryStore{
		events:    make(map[string][]*Event),
		maxEvents: maxEvents,
	}
}

// SaveEvent 保存事件
func (m *MemoryStore) SaveEvent(_ context.Context, evt *Event) error {
	if evt.SessionID == "" || evt.EventType == EventMessageChunk {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	list := append(m.events[evt.SessionID], evt)
	if len(list) > m.maxEvents {
		list = list[len(list)-m.maxEvents:]
	}
	m.events[evt.SessionID] = list
	return nil
}

// GetEvents 获取会话事件
func (m *MemoryStore) GetEvents(_ context.Context, sessionID string) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Event{}, m.events[sessionID]...), nil
}

// ClearEvents 清空会话事件
func (m *MemoryStore) ClearEvents(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, sessionID)
	return nil
}
