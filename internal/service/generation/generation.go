// Package generation 管理生成状态与取消句柄
// 全局同一时间只允许一次提交在途（single-flight）
package generation

import (
	"context"
	"sync"
)

// Ticket 一次提交的凭证
// 流式回调持有 Ticket，写入前通过 Apply 校验其是否仍然有效
type Ticket struct {
	seq uint64
}

// Valid 是否为有效凭证
func (t Ticket) Valid() bool {
	return t.seq != 0
}

// State 生成状态快照
type State struct {
	Submitting bool
	SessionKey string // 正在生成的会话句柄
}

// Controller 生成控制器
type Controller struct {
	mu         sync.Mutex
	seq        uint64
	active     uint64 // 当前在途提交的序号，0 表示空闲
	sessionKey string
	cancel     context.CancelFunc
	cancelled  map[uint64]struct{}
}

// NewController 创建生成控制器
func NewController() *Controller {
	return &Controller{cancelled: make(map[uint64]struct{})}
}

// TryBegin 尝试开始一次提交；已有提交在途时返回 false
func (c *Controller) TryBegin() (Ticket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != 0 {
		return Ticket{}, false
	}
	c.seq++
	c.active = c.seq
	c.sessionKey = ""
	c.cancel = nil
	return Ticket{seq: c.seq}, true
}

// Bind 记录目标会话和取消句柄
// 新句柄会丢弃之前的句柄
func (c *Controller) Bind(t Ticket, sessionKey string, cancel context.CancelFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != t.seq || t.seq == 0 {
		return false
	}
	c.sessionKey = sessionKey
	c.cancel = cancel
	return true
}

// Retarget 更新正在生成的会话（会话被删除或换号时）
func (c *Controller) Retarget(t Ticket, sessionKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == t.seq && t.seq != 0 {
		c.sessionKey = sessionKey
	}
}

// Apply 在凭证仍有效且目标会话未变时执行 fn
// fn 在控制器锁内执行，Stop 返回后不会再有写入
func (c *Controller) Apply(t Ticket, sessionKey string, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.seq == 0 || c.active != t.seq || c.sessionKey != sessionKey {
		return false
	}
	if _, ok := c.cancelled[t.seq]; ok {
		return false
	}
	fn()
	return true
}

// Stop 取消当前提交；没有在途提交时返回 false
func (c *Controller) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

// StopSession 仅当正在生成的是指定会话时取消
func (c *Controller) StopSession(sessionKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sessionKey == "" || c.sessionKey != sessionKey {
		return false
	}
	return c.stopLocked()
}

func (c *Controller) stopLocked() bool {
	if c.active == 0 {
		return false
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.cancelled[c.active] = struct{}{}
	c.reset()
	return true
}

// Finish 结束提交；只清理仍属于该凭证的状态
func (c *Controller) Finish(t Ticket) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.cancelled, t.seq)
	if c.active != t.seq || t.seq == 0 {
		return
	}
	if c.cancel != nil {
		// 释放 context 资源
		c.cancel()
	}
	c.reset()
}

// Cancelled 该凭证是否已被 Stop 取消
func (c *Controller) Cancelled(t Ticket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.cancelled[t.seq]
	return ok
}

// Active 该凭证是否仍是当前在途提交
func (c *Controller) Active(t Ticket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return t.seq != 0 && c.active == t.seq
}

// State 获取状态快照
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return State{
		Submitting: c.active != 0,
		SessionKey: c.sessionKey,
	}
}

func (c *Controller) reset() {
	c.active = 0
	c.sessionKey = ""
	c.cancel = nil
}
