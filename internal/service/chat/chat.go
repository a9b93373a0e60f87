package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashwinyue/next-tutor/internal/model"
	"github.com/ashwinyue/next-tutor/internal/service/event"
	"github.com/ashwinyue/next-tutor/internal/service/generation"
	"github.com/ashwinyue/next-tutor/internal/service/session"
	"github.com/cloudwego/eino/compose"
)

var (
	// ErrGenerationFailed AI 生成失败（已回滚）
	ErrGenerationFailed = errors.New("generation failed")
	// ErrPersistFailed 持久化失败（乐观会话保留在缓存中）
	ErrPersistFailed = errors.New("persist failed")
	// ErrSessionNotFound 会话不存在
	ErrSessionNotFound = errors.New("session not found")
	// ErrEmptyTitle 标题为空
	ErrEmptyTitle = errors.New("title cannot be empty")
	// ErrMessageLost 生成结束时助手占位消息已不在会话中
	ErrMessageLost = errors.New("assistant message lost")
)

// Completion AI 回复
type Completion struct {
	Text          string
	Reasoning     string
	GradingResult *model.GradingResult
}

// Gateway AI 网关
type Gateway interface {
	// StreamCompletion 流式生成；ctx 取消后不再回调 onChunk
	StreamCompletion(ctx context.Context, history []model.Message, mode model.Mode, modelName string, onChunk func(chunk string)) (*Completion, error)
	// CompleteOnce 单次生成（批改模式）
	CompleteOnce(ctx context.Context, history []model.Message, mode model.Mode, modelName string, attachments []model.FileAttachment) (*Completion, error)
	// GenerateTitle 生成会话标题
	GenerateTitle(ctx context.Context, messages []model.Message) (string, error)
}

// Repository 会话持久化
type Repository interface {
	FetchAll(ctx context.Context) ([]model.Session, error)
	// Save id 为空时创建新会话，返回持久化后的会话
	Save(ctx context.Context, id string, messages []model.Message, title string) (*model.Session, error)
	Rename(ctx context.Context, id, title string) error
	Delete(ctx context.Context, id string) error
}

// Config 编排器配置
type Config struct {
	TitleMaxRunes int    // 乐观标题截取的字符数
	FallbackTitle string // 文本为空时的标题
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		TitleMaxRunes: 15,
		FallbackTitle: "新对话",
	}
}

// Orchestrator 消息编排器
// 负责一次发送的完整流程：乐观写入、AI 生成、持久化、标题生成
type Orchestrator struct {
	store      *session.Store
	gen        *generation.Controller
	gateway    Gateway
	repo       Repository
	bus        *event.EventBus
	checkpoint compose.CheckPointStore
	cfg        *Config
	now        func() time.Time

	mu      sync.Mutex
	current session.Handle

	// 待发布事件；控制器锁内产生的事件延后到锁释放后发布
	outMu    sync.Mutex
	outbox   []pendingEvent
	flushing bool
	deferred atomic.Int32
}

type pendingEvent struct {
	ctx context.Context
	evt *event.Event
}

// NewOrchestrator 创建消息编排器
func NewOrchestrator(store *session.Store, gen *generation.Controller, gateway Gateway, repo Repository, cfg *Config) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.TitleMaxRunes <= 0 {
		cfg.TitleMaxRunes = 15
	}
	if cfg.FallbackTitle == "" {
		cfg.FallbackTitle = "新对话"
	}
	if store == nil {
		store = session.NewStore()
	}
	if gen == nil {
		gen = generation.NewController()
	}
	return &Orchestrator{
		store:   store,
		gen:     gen,
		gateway: gateway,
		repo:    repo,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetEventBus 设置事件总线，缓存变更会转发为事件
func (o *Orchestrator) SetEventBus(bus *event.EventBus) {
	o.bus = bus
	if bus != nil {
		o.store.SetOnChangeListener(session.ListenerFunc(o.onStoreChange))
	}
}

// SetCheckpointStore 设置快照存储
func (o *Orchestrator) SetCheckpointStore(cp compose.CheckPointStore) {
	o.checkpoint = cp
}

// SetClock 替换时钟（测试用）
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// UpdateConfig 热更新配置，空值保持原配置
func (o *Orchestrator) UpdateConfig(cfg Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cfg.TitleMaxRunes > 0 {
		o.cfg.TitleMaxRunes = cfg.TitleMaxRunes
	}
	if cfg.FallbackTitle != "" {
		o.cfg.FallbackTitle = cfg.FallbackTitle
	}
}

func (o *Orchestrator) config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return *o.cfg
}

// Store 会话缓存
func (o *Orchestrator) Store() *session.Store {
	return o.store
}

// ========== 读操作 ==========

// Sessions 列出缓存中的会话
func (o *Orchestrator) Sessions() []model.Session {
	return o.store.List()
}

// Session 获取会话
func (o *Orchestrator) Session(id string) (model.Session, error) {
	sess, ok := o.store.FindByID(id)
	if !ok {
		return model.Session{}, ErrSessionNotFound
	}
	return sess, nil
}

// State 生成状态
func (o *Orchestrator) State() model.GenerationState {
	st := o.gen.State()
	out := model.GenerationState{Submitting: st.Submitting}
	if st.SessionKey != "" {
		if id, ok := o.store.IDOf(session.Handle(st.SessionKey)); ok {
			out.GeneratingSessionID = id
		}
	}
	return out
}

// CurrentSessionID 当前会话 ID，没有时返回空
func (o *Orchestrator) CurrentSessionID() string {
	o.mu.Lock()
	h := o.current
	o.mu.Unlock()

	if h == "" {
		return ""
	}
	id, _ := o.store.IDOf(h)
	return id
}

func (o *Orchestrator) currentHandle() session.Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

func (o *Orchestrator) setCurrent(h session.Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = h
}

// clearCurrentIf 仅当当前会话为 h 时清空
func (o *Orchestrator) clearCurrentIf(h session.Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == h {
		o.current = ""
	}
}

// SelectSession 切换当前会话
func (o *Orchestrator) SelectSession(id string) error {
	h, ok := o.store.HandleOf(id)
	if !ok {
		return ErrSessionNotFound
	}
	o.setCurrent(h)
	return nil
}

// NewChat 清空当前会话，下一次发送将创建新会话
func (o *Orchestrator) NewChat() {
	o.setCurrent("")
}

// ========== 写操作 ==========

// Stop 取消正在进行的生成
func (o *Orchestrator) Stop() bool {
	return o.gen.Stop()
}

// Refresh 拉取远端会话并与本地缓存对账
func (o *Orchestrator) Refresh(ctx context.Context) error {
	remote, err := o.repo.FetchAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch sessions: %w", err)
	}
	o.store.Reconcile(remote)
	o.saveSnapshot(ctx)
	return nil
}

// Rename 重命名会话
func (o *Orchestrator) Rename(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}

	h, ok := o.store.HandleOf(id)
	if !ok {
		return ErrSessionNotFound
	}

	// 临时会话的标题会随首次保存一起持久化
	if !model.IsTemporaryID(id) {
		if err := o.repo.Rename(ctx, id, title); err != nil {
			return fmt.Errorf("failed to rename session: %w", err)
		}
	}

	o.store.UpdateTitleByHandle(h, title)
	return nil
}

// Delete 删除会话
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	h, ok := o.store.HandleOf(id)
	if !ok {
		return ErrSessionNotFound
	}

	o.gen.StopSession(string(h))

	if !model.IsTemporaryID(id) {
		if err := o.repo.Delete(ctx, id); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
	}

	o.store.RemoveByHandle(h)
	o.clearCurrentIf(h)
	o.saveSnapshot(ctx)
	return nil
}

// Restore 从快照恢复会话缓存
func (o *Orchestrator) Restore(ctx context.Context) (int, error) {
	return o.store.LoadSnapshot(ctx, o.checkpoint)
}

func (o *Orchestrator) saveSnapshot(ctx context.Context) {
	if o.checkpoint == nil {
		return
	}
	if err := o.store.SaveSnapshot(ctx, o.checkpoint); err != nil {
		log.Printf("[Chat] Warning: failed to save session snapshot: %v", err)
	}
}

// ========== 事件 ==========

func (o *Orchestrator) publish(ctx context.Context, eventType event.EventType, sessionID string, data interface{}) {
	if o.bus == nil {
		return
	}
	o.outMu.Lock()
	o.outbox = append(o.outbox, pendingEvent{ctx: ctx, evt: event.NewEvent(eventType, sessionID, data)})
	o.outMu.Unlock()

	if o.deferred.Load() == 0 {
		o.flush()
	}
}

// flush 按入队顺序发布事件；已有 goroutine 在发布时由它继续处理
func (o *Orchestrator) flush() {
	o.outMu.Lock()
	if o.flushing {
		o.outMu.Unlock()
		return
	}
	o.flushing = true
	for len(o.outbox) > 0 {
		batch := o.outbox
		o.outbox = nil
		o.outMu.Unlock()

		for _, p := range batch {
			if err := o.bus.Publish(p.ctx, p.evt); err != nil {
				log.Printf("[Chat] Warning: failed to publish %s event: %v", p.evt.EventType, err)
			}
		}
		o.outMu.Lock()
	}
	o.flushing = false
	o.outMu.Unlock()
}

// apply 在生成控制器锁内执行 fn，期间产生的事件在锁释放后发布
func (o *Orchestrator) apply(t generation.Ticket, sessionKey string, fn func()) bool {
	o.deferred.Add(1)
	ok := o.gen.Apply(t, sessionKey, fn)
	o.deferred.Add(-1)
	o.flush()
	return ok
}

// onStoreChange 把缓存变更转发为事件
func (o *Orchestrator) onStoreChange(change session.Change) {
	ctx := context.Background()
	switch change.Op {
	case session.OpCreate:
		o.publish(ctx, event.EventSessionCreated, change.SessionID, change.Session)
	case session.OpUpdate:
		o.publish(ctx, event.EventSessionUpdated, change.SessionID, change.Session)
	case session.OpRemove:
		o.publish(ctx, event.EventSessionRemoved, change.SessionID, nil)
	case session.OpPromote:
		o.publish(ctx, event.EventSessionPromoted, change.SessionID, map[string]string{
			"previous_id": change.PreviousID,
			"id":          change.SessionID,
		})
	case session.OpReconcile:
		o.publish(ctx, event.EventSessionsReconciled, "", nil)
	}
}
