// Package session 提供本地会话缓存
// 缓存中的会话可能是乐观写入的（临时 ID），通过 Merge 与远端列表对账
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ashwinyue/next-tutor/internal/model"
	"github.com/google/uuid"
)

var (
	// ErrSessionNotFound 会话不存在
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicateSession 会话 ID 已存在
	ErrDuplicateSession = errors.New("session id already exists")
)

// Handle 会话的稳定内部句柄
// 临时 ID 被替换为持久化 ID 时句柄保持不变
type Handle string

func newHandle() Handle {
	return Handle("h_" + uuid.New().String())
}

// ChangeOp 变更类型
type ChangeOp string

const (
	OpCreate    ChangeOp = "create"
	OpUpdate    ChangeOp = "update"
	OpRemove    ChangeOp = "remove"
	OpPromote   ChangeOp = "promote"
	OpReconcile ChangeOp = "reconcile"
)

// Change 缓存变更通知
type Change struct {
	Op         ChangeOp
	Handle     Handle
	SessionID  string
	PreviousID string // 仅 OpPromote
	Session    model.Session
}

// Listener 变更监听器
type Listener interface {
	OnSessionChange(change Change)
}

// ListenerFunc 函数类型的监听器
type ListenerFunc func(change Change)

// OnSessionChange 实现 Listener 接口
func (f ListenerFunc) OnSessionChange(change Change) {
	f(change)
}

type entry struct {
	handle  Handle
	session model.Session
}

// Store 内存会话缓存
// 所有写操作互斥，读操作返回深拷贝
type Store struct {
	mu       sync.RWMutex
	order    []Handle
	byHandle map[Handle]*entry
	byID     map[string]*entry
	pinned   map[Handle]int // 对账时保持本地版本的会话
	listener Listener
	now      func() time.Time
}

// NewStore 创建会话缓存
func NewStore() *Store {
	return &Store{
		byHandle: make(map[Handle]*entry),
		byID:     make(map[string]*entry),
		pinned:   make(map[Handle]int),
		now:      time.Now,
	}
}

// SetClock 替换时钟（测试用）
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetOnChangeListener 设置变更监听器
func (s *Store) SetOnChangeListener(listener Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = listener
}

func (s *Store) notify(changes ...Change) {
	s.mu.RLock()
	listener := s.listener
	s.mu.RUnlock()
	if listener == nil {
		return
	}
	for _, c := range changes {
		listener.OnSessionChange(c)
	}
}

// Len 会话数量
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// FindByID 按外部 ID 查找会话
func (s *Store) FindByID(id string) (model.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[id]
	if !ok {
		return model.Session{}, false
	}
	return e.session.Clone(), true
}

// Get 按句柄查找会话
func (s *Store) Get(h Handle) (model.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byHandle[h]
	if !ok {
		return model.Session{}, false
	}
	return e.session.Clone(), true
}

// HandleOf 外部 ID 对应的句柄
func (s *Store) HandleOf(id string) (Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[id]
	if !ok {
		return "", false
	}
	return e.handle, true
}

// IDOf 句柄当前对应的外部 ID
func (s *Store) IDOf(h Handle) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byHandle[h]
	if !ok {
		return "", false
	}
	return e.session.ID, true
}

// List 按 UpdatedAt 倒序列出会话
func (s *Store) List() []model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Session, 0, len(s.order))
	for _, h := range s.order {
		result = append(result, s.byHandle[h].session.Clone())
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result
}

// Prepend 在缓存头部插入会话
func (s *Store) Prepend(session model.Session) (Handle, error) {
	s.mu.Lock()
	if _, exists := s.byID[session.ID]; exists {
		s.mu.Unlock()
		return "", ErrDuplicateSession
	}

	e := &entry{handle: newHandle(), session: session.Clone()}
	if e.session.UpdatedAt.IsZero() {
		e.session.UpdatedAt = s.now()
	}
	s.order = append([]Handle{e.handle}, s.order...)
	s.byHandle[e.handle] = e
	s.byID[e.session.ID] = e
	change := Change{Op: OpCreate, Handle: e.handle, SessionID: e.session.ID, Session: e.session.Clone()}
	s.mu.Unlock()

	s.notify(change)
	return e.handle, nil
}

// Pin 固定会话，Reconcile 不会用远端版本覆盖它
// 与 Unpin 成对调用，可嵌套
func (s *Store) Pin(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinned[h]++
}

// Unpin 解除固定
func (s *Store) Unpin(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pinned[h] <= 1 {
		delete(s.pinned, h)
		return
	}
	s.pinned[h]--
}

// Remove 按外部 ID 删除会话
func (s *Store) Remove(id string) bool {
	h, ok := s.HandleOf(id)
	if !ok {
		return false
	}
	return s.RemoveByHandle(h)
}

// RemoveByHandle 按句柄删除会话
func (s *Store) RemoveByHandle(h Handle) bool {
	s.mu.Lock()
	e, ok := s.byHandle[h]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.dropLocked(e)
	change := Change{Op: OpRemove, Handle: h, SessionID: e.session.ID}
	s.mu.Unlock()

	s.notify(change)
	return true
}

func (s *Store) dropLocked(e *entry) {
	delete(s.byHandle, e.handle)
	if cur, ok := s.byID[e.session.ID]; ok && cur == e {
		delete(s.byID, e.session.ID)
	}
	for i, h := range s.order {
		if h == e.handle {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// mutate 在锁内修改会话并发出 OpUpdate 通知
func (s *Store) mutate(h Handle, fn func(sess *model.Session)) bool {
	s.mu.Lock()
	e, ok := s.byHandle[h]
	if !ok {
		s.mu.Unlock()
		return false
	}
	fn(&e.session)
	change := Change{Op: OpUpdate, Handle: h, SessionID: e.session.ID, Session: e.session.Clone()}
	s.mu.Unlock()

	s.notify(change)
	return true
}

// UpdateMessages 用 f 替换消息列表，并刷新 UpdatedAt
func (s *Store) UpdateMessages(id string, f func([]model.Message) []model.Message) bool {
	h, ok := s.HandleOf(id)
	if !ok {
		return false
	}
	return s.UpdateMessagesByHandle(h, f)
}

// UpdateMessagesByHandle 按句柄更新消息
func (s *Store) UpdateMessagesByHandle(h Handle, f func([]model.Message) []model.Message) bool {
	return s.mutate(h, func(sess *model.Session) {
		sess.Messages = f(model.CloneMessages(sess.Messages))
		sess.UpdatedAt = s.tick(sess.UpdatedAt)
	})
}

// tick 保证 UpdatedAt 单调递增
func (s *Store) tick(prev time.Time) time.Time {
	now := s.now()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

// UpdateTitle 更新标题
func (s *Store) UpdateTitle(id, title string) bool {
	h, ok := s.HandleOf(id)
	if !ok {
		return false
	}
	return s.UpdateTitleByHandle(h, title)
}

// UpdateTitleByHandle 按句柄更新标题
func (s *Store) UpdateTitleByHandle(h Handle, title string) bool {
	return s.mutate(h, func(sess *model.Session) {
		sess.Title = title
	})
}

// SetTitleGenerating 设置标题生成中标记
func (s *Store) SetTitleGenerating(id string, generating bool) bool {
	h, ok := s.HandleOf(id)
	if !ok {
		return false
	}
	return s.SetTitleGeneratingByHandle(h, generating)
}

// SetTitleGeneratingByHandle 按句柄设置标题生成中标记
func (s *Store) SetTitleGeneratingByHandle(h Handle, generating bool) bool {
	return s.mutate(h, func(sess *model.Session) {
		sess.IsGeneratingTitle = generating
	})
}

// ApplySaved 以仓库返回的会话为准更新缓存
// 临时 ID 在同一槽位被替换为持久化 ID；本地独有的消息保留在末尾
func (s *Store) ApplySaved(h Handle, saved model.Session) error {
	s.mu.Lock()
	e, ok := s.byHandle[h]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}

	changes := make([]Change, 0, 3)
	prevID := e.session.ID
	if saved.ID != "" && saved.ID != prevID {
		// 刷新可能已把同一会话以持久化 ID 拉进缓存
		if other, exists := s.byID[saved.ID]; exists && other != e {
			s.dropLocked(other)
			changes = append(changes, Change{Op: OpRemove, Handle: other.handle, SessionID: saved.ID})
		}
		delete(s.byID, prevID)
		e.session.ID = saved.ID
		s.byID[saved.ID] = e
		changes = append(changes, Change{Op: OpPromote, Handle: h, SessionID: saved.ID, PreviousID: prevID})
	}

	e.session.Title = saved.Title
	if !saved.UpdatedAt.IsZero() {
		e.session.UpdatedAt = saved.UpdatedAt
	}
	e.session.Messages = mergeMessages(saved.Messages, e.session.Messages)
	changes = append(changes, Change{Op: OpUpdate, Handle: h, SessionID: e.session.ID, Session: e.session.Clone()})
	s.mu.Unlock()

	s.notify(changes...)
	return nil
}

// mergeMessages 以 saved 为准，追加 saved 中没有的本地消息
func mergeMessages(saved, local []model.Message) []model.Message {
	result := model.CloneMessages(saved)
	if result == nil {
		result = []model.Message{}
	}
	seen := make(map[string]struct{}, len(saved))
	for _, m := range saved {
		seen[m.ID] = struct{}{}
	}
	for _, m := range local {
		if _, ok := seen[m.ID]; !ok {
			result = append(result, m.Clone())
		}
	}
	return result
}

// Reconcile 将远端列表合并进缓存，已有会话的句柄保持不变
// 被 Pin 的会话（如正在生成的会话）保持本地版本，远端同 ID 的副本被忽略
func (s *Store) Reconcile(remote []model.Session) {
	s.mu.Lock()
	local := make([]model.Session, 0, len(s.order))
	keep := make(map[string]struct{}, len(s.pinned))
	for _, h := range s.order {
		e := s.byHandle[h]
		local = append(local, e.session)
		if s.pinned[h] > 0 {
			keep[e.session.ID] = struct{}{}
		}
	}

	if len(keep) > 0 {
		filtered := make([]model.Session, 0, len(remote))
		for _, r := range remote {
			if _, ok := keep[r.ID]; !ok {
				filtered = append(filtered, r)
			}
		}
		remote = filtered
	}

	merged := Merge(local, remote)

	order := make([]Handle, 0, len(merged))
	byHandle := make(map[Handle]*entry, len(merged))
	byID := make(map[string]*entry, len(merged))
	for _, sess := range merged {
		e, ok := s.byID[sess.ID]
		if !ok {
			e = &entry{handle: newHandle()}
		}
		e.session = sess
		order = append(order, e.handle)
		byHandle[e.handle] = e
		byID[sess.ID] = e
	}
	s.order, s.byHandle, s.byID = order, byHandle, byID
	s.mu.Unlock()

	s.notify(Change{Op: OpReconcile})
}
