package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cloudwego/eino/compose"
	bolt "go.etcd.io/bbolt"
)

var bucketSnapshots = []byte("snapshots")

// BoltCheckpointStore 基于 bbolt 的本地 CheckpointStore
// 未配置 Redis 的单机部署使用
type BoltCheckpointStore struct {
	db *bolt.DB
}

var _ compose.CheckPointStore = (*BoltCheckpointStore)(nil)

// NewBoltCheckpointStore 打开（或创建）bbolt 数据库
func NewBoltCheckpointStore(path string) (*BoltCheckpointStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return &BoltCheckpointStore{db: db}, nil
}

// Close 关闭数据库
func (s *BoltCheckpointStore) Close() error {
	return s.db.Close()
}

// Get 实现 CheckpointStore.Get
func (s *BoltCheckpointStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	var val []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSnapshots).Get([]byte(key))
		if v != nil {
			// bbolt 的值只在事务内有效
			val = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if len(val) == 0 {
		return nil, false, nil
	}
	return val, true, nil
}

// Set 实现 CheckpointStore.Set，value 为 nil 时删除
func (s *BoltCheckpointStore) Set(_ context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		if value == nil {
			return b.Delete([]byte(key))
		}
		return b.Put([]byte(key), value)
	})
}
