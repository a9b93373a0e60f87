package chat

import (
	"context"
	"log"
	"sync"

	"github.com/ashwinyue/next-tutor/internal/service/event"
	"github.com/ashwinyue/next-tutor/internal/service/session"
	"github.com/cloudwego/eino/compose"
)

// Workspace 单个用户的会话工作区
type Workspace struct {
	*Orchestrator
	Bus *event.EventBus

	initOnce sync.Once
}

// Manager 按用户管理工作区，首次访问时创建并从快照和仓库恢复
type Manager struct {
	gateway    Gateway
	newRepo    func(userID string) Repository
	eventStore event.Store
	checkpoint compose.CheckPointStore

	mu         sync.Mutex
	cfg        Config
	workspaces map[string]*Workspace
}

// NewManager 创建工作区管理器
func NewManager(gateway Gateway, newRepo func(userID string) Repository, eventStore event.Store, checkpoint compose.CheckPointStore, cfg Config) *Manager {
	return &Manager{
		gateway:    gateway,
		newRepo:    newRepo,
		eventStore: eventStore,
		checkpoint: checkpoint,
		cfg:        cfg,
		workspaces: make(map[string]*Workspace),
	}
}

// Get 获取用户工作区
func (m *Manager) Get(ctx context.Context, userID string) *Workspace {
	m.mu.Lock()
	ws, ok := m.workspaces[userID]
	if !ok {
		cfg := m.cfg
		ws = &Workspace{
			Orchestrator: NewOrchestrator(nil, nil, m.gateway, m.newRepo(userID), &cfg),
			Bus:          event.NewEventBus(m.eventStore),
		}
		ws.SetEventBus(ws.Bus)
		ws.SetCheckpointStore(session.ScopedCheckpointStore(m.checkpoint, userID))
		m.workspaces[userID] = ws
	}
	m.mu.Unlock()

	ws.initOnce.Do(func() {
		if n, err := ws.Restore(ctx); err != nil {
			log.Printf("[Chat] Warning: failed to restore snapshot for user %s: %v", userID, err)
		} else if n > 0 {
			log.Printf("[Chat] restored %d sessions for user %s", n, userID)
		}
		if err := ws.Refresh(ctx); err != nil {
			log.Printf("[Chat] Warning: failed to refresh sessions for user %s: %v", userID, err)
		}
	})
	return ws
}

// Len 工作区数量
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workspaces)
}

// UpdateConfig 热更新所有工作区的配置
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.TitleMaxRunes > 0 {
		m.cfg.TitleMaxRunes = cfg.TitleMaxRunes
	}
	if cfg.FallbackTitle != "" {
		m.cfg.FallbackTitle = cfg.FallbackTitle
	}
	for _, ws := range m.workspaces {
		ws.UpdateConfig(cfg)
	}
}
