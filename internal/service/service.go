package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ashwinyue/next-tutor/internal/config"
	"github.com/ashwinyue/next-tutor/internal/repository"
	"github.com/ashwinyue/next-tutor/internal/service/attachment"
	"github.com/ashwinyue/next-tutor/internal/service/chat"
	"github.com/ashwinyue/next-tutor/internal/service/event"
	"github.com/ashwinyue/next-tutor/internal/service/gateway"
	"github.com/ashwinyue/next-tutor/internal/service/session"
	"github.com/cloudwego/eino/compose"
	"github.com/redis/go-redis/v9"
)

// Services 服务集合
type Services struct {
	Chat       *chat.Manager
	Attachment *attachment.Service
	Gateway    *gateway.Gateway
	Events     event.Store

	// 配置
	Config *config.Config

	closers []func() error
}

// NewServices 创建所有服务
// redisClient 为 nil 时事件存于内存，快照只能使用 bolt
func NewServices(repo *repository.Repositories, cfg *config.Config, redisClient *redis.Client) (*Services, error) {
	ctx := context.Background()
	svc := &Services{Config: cfg}

	chatModel, err := gateway.NewChatModel(ctx, &cfg.AI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	svc.Gateway = gateway.New(chatModel, gateway.Config{
		TitleModel:       cfg.AI.TitleModel,
		MaxHistoryTokens: cfg.AI.MaxHistoryTokens,
	})

	svc.Events = newEventStore(cfg, redisClient)

	checkpoint, err := svc.newCheckpointStore(cfg, redisClient)
	if err != nil {
		return nil, err
	}

	svc.Chat = chat.NewManager(svc.Gateway, func(userID string) chat.Repository {
		return repo.Chat.ForUser(userID)
	}, svc.Events, checkpoint, ChatConfig(cfg))

	svc.Attachment = attachment.NewService(cfg.Attachment)
	return svc, nil
}

// ChatConfig 从全局配置提取编排器配置
func ChatConfig(cfg *config.Config) chat.Config {
	return chat.Config{
		TitleMaxRunes: cfg.Chat.TitleMaxRunes,
		FallbackTitle: cfg.Chat.FallbackTitle,
	}
}

// Close 释放服务持有的资源
func (s *Services) Close() error {
	var firstErr error
	for _, c := range s.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func newEventStore(cfg *config.Config, redisClient *redis.Client) event.Store {
	ttl := time.Duration(cfg.Chat.EventTTL) * time.Second
	if redisClient != nil {
		return event.NewRedisStore(redisClient, ttl, cfg.Chat.EventHistory)
	}
	log.Printf("[Service] redis disabled, chat events kept in memory")
	return event.NewMemoryStore(cfg.Chat.EventHistory)
}

func (s *Services) newCheckpointStore(cfg *config.Config, redisClient *redis.Client) (compose.CheckPointStore, error) {
	if !cfg.Chat.SnapshotEnabled {
		return nil, nil
	}

	switch cfg.Chat.SnapshotBackend {
	case "bolt":
		store, err := session.NewBoltCheckpointStore(cfg.Chat.SnapshotPath)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
		log.Printf("[Service] session snapshots stored in %s", cfg.Chat.SnapshotPath)
		return store, nil
	case "redis", "":
		if redisClient == nil {
			log.Printf("[Service] Warning: redis snapshot backend requires redis, snapshots disabled")
			return nil, nil
		}
		return session.NewRedisCheckpointStore(redisClient, time.Duration(cfg.Chat.SnapshotTTL)*time.Second), nil
	default:
		return nil, fmt.Errorf("unsupported snapshot backend: %s", cfg.Chat.SnapshotBackend)
	}
}
