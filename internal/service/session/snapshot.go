package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashwinyue/next-tutor/internal/model"
	"github.com/cloudwego/eino/compose"
	"github.com/redis/go-redis/v9"
)

const (
	// 快照默认过期时间（24小时）
	defaultSnapshotTTL = 24 * time.Hour
	// 快照存储 key
	snapshotKey = "tutor:session:snapshot"
)

// snapshotData 快照数据
type snapshotData struct {
	Sessions []model.Session `json:"sessions"`
	SavedAt  time.Time       `json:"saved_at"`
}

// SaveSnapshot 保存已持久化会话的快照
// 临时会话不会写入快照
func (s *Store) SaveSnapshot(ctx context.Context, cp compose.CheckPointStore) error {
	if cp == nil {
		return nil
	}

	s.mu.RLock()
	data := snapshotData{Sessions: make([]model.Session, 0, len(s.order)), SavedAt: s.now()}
	for _, h := range s.order {
		sess := s.byHandle[h].session
		if model.IsTemporaryID(sess.ID) {
			continue
		}
		out := sess.Clone()
		out.IsGeneratingTitle = false
		data.Sessions = append(data.Sessions, out)
	}
	s.mu.RUnlock()

	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := cp.Set(ctx, snapshotKey, b); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot 从快照恢复会话，返回恢复的会话数
func (s *Store) LoadSnapshot(ctx context.Context, cp compose.CheckPointStore) (int, error) {
	if cp == nil {
		return 0, nil
	}

	b, found, err := cp.Get(ctx, snapshotKey)
	if err != nil {
		return 0, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if !found {
		return 0, nil
	}

	var data snapshotData
	if err := json.Unmarshal(b, &data); err != nil {
		return 0, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	s.Reconcile(data.Sessions)
	return len(data.Sessions), nil
}

// RedisCheckpointStore Redis CheckpointStore 实现
type RedisCheckpointStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCheckpointStore 创建 Redis CheckpointStore
func NewRedisCheckpointStore(client *redis.Client, ttl time.Duration) compose.CheckPointStore {
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &RedisCheckpointStore{
		client: client,
		ttl:    ttl,
	}
}

// Get 实现 CheckpointStore.Get
func (s *RedisCheckpointStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, err
	}

	if val == "" {
		return nil, false, nil
	}

	return []byte(val), true, nil
}

// Set 实现 CheckpointStore.Set
func (s *RedisCheckpointStore) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		// 删除
		return s.client.Del(ctx, key).Err()
	}
	return s.client.Set(ctx, key, value, s.ttl).Err()
}

// scopedCheckpointStore 为 key 加上作用域前缀
type scopedCheckpointStore struct {
	next  compose.CheckPointStore
	scope string
}

// ScopedCheckpointStore 返回按作用域隔离 key 的 CheckpointStore
// scope 为空时直接返回 cp
func ScopedCheckpointStore(cp compose.CheckPointStore, scope string) compose.CheckPointStore {
	if cp == nil || scope == "" {
		return cp
	}
	return &scopedCheckpointStore{next: cp, scope: scope}
}

func (s *scopedCheckpointStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return s.next.Get(ctx, s.scope+":"+key)
}

func (s *scopedCheckpointStore) Set(ctx context.Context, key string, value []byte) error {
	return s.next.Set(ctx, s.scope+":"+key, value)
}
