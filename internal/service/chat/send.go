package chat

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/ashwinyue/next-tutor/internal/model"
	"github.com/ashwinyue/next-tutor/internal/service/event"
	"github.com/ashwinyue/next-tutor/internal/service/generation"
	"github.com/ashwinyue/next-tutor/internal/service/session"
	"github.com/google/uuid"
)

// SendOptions 发送选项
type SendOptions struct {
	// OnSwitchView 校验通过后调用，供调用方切换到对话视图
	OnSwitchView func()
}

// SendResult 发送结果
type SendResult struct {
	Skipped          bool           `json:"skipped"`   // 空提交或已有提交在途
	Cancelled        bool           `json:"cancelled"` // 被 Stop 截断
	SessionID        string         `json:"session_id,omitempty"`
	UserMessage      *model.Message `json:"user_message,omitempty"`
	AssistantMessage *model.Message `json:"assistant_message,omitempty"`
	Title            string         `json:"title,omitempty"`
}

// cycle 一次发送周期的状态
type cycle struct {
	ticket        generation.Ticket
	handle        session.Handle
	isNew         bool
	userMsg       model.Message
	placeholderID string
}

func (c *cycle) key() string {
	return string(c.handle)
}

// Send 发送一条消息
//
// 空提交或已有提交在途时直接返回 Skipped，不改变任何状态。
// 生成失败时回滚：新会话整体移除，已有会话保留用户消息。
// 持久化失败返回 ErrPersistFailed，乐观会话保留在缓存中。
// 标题生成失败只记录日志。
func (o *Orchestrator) Send(ctx context.Context, sub model.Submission, opts *SendOptions) (*SendResult, error) {
	// Validating
	if sub.IsEmpty() {
		return &SendResult{Skipped: true}, nil
	}
	ticket, ok := o.gen.TryBegin()
	if !ok {
		return &SendResult{Skipped: true}, nil
	}
	defer o.gen.Finish(ticket)

	if opts != nil && opts.OnSwitchView != nil {
		opts.OnSwitchView()
	}

	// PreparingSession
	c, err := o.prepareSession(ticket, sub)
	if err != nil {
		return nil, err
	}
	// 本次发送期间刷新不会覆盖该会话
	defer o.store.Unpin(c.handle)

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sessionID, _ := o.store.IDOf(c.handle)
	result := &SendResult{UserMessage: &c.userMsg}

	if o.gen.Bind(ticket, c.key(), cancel) {
		o.publish(ctx, event.EventGenerationStarted, sessionID, map[string]string{"mode": string(sub.Mode)})

		// Dispatching
		var final *model.Message
		if sub.Mode == model.ModeCorrect {
			final, err = o.dispatchCorrect(genCtx, c, sub)
		} else {
			final, err = o.dispatchStudy(genCtx, c, sub)
		}

		cancelled := o.gen.Cancelled(ticket)
		if err == nil && !cancelled {
			// Finalizing
			var applied bool
			applied, err = o.finalize(c, sub.Mode, final)
			cancelled = !applied
		}
		if err != nil && !cancelled {
			// RollingBack
			o.rollback(c)
			o.gen.Finish(ticket)
			log.Printf("[Chat] generation failed, session=%s: %v", sessionID, err)
			o.publish(ctx, event.EventGenerationFailed, sessionID, map[string]string{"error": err.Error()})
			return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
		}
		o.gen.Finish(ticket)

		result.Cancelled = cancelled
		if cancelled {
			// Aborting：已写入的内容保留为最终文本
			if c.placeholderID != "" {
				result.AssistantMessage = o.findMessage(c.handle, c.placeholderID)
			}
			o.publish(ctx, event.EventGenerationCancelled, sessionID, nil)
		} else {
			result.AssistantMessage = final
			o.publish(ctx, event.EventGenerationFinished, sessionID, final)
		}
	} else {
		// 派发前已被 Stop：不调用网关，只保留用户消息
		cancel()
		o.gen.Finish(ticket)
		result.Cancelled = true
		o.publish(ctx, event.EventGenerationCancelled, sessionID, nil)
	}

	// Persisting
	saved, err := o.persist(ctx, c.handle)
	if saved != nil {
		result.SessionID = saved.ID
		result.Title = saved.Title
	} else if id, ok := o.store.IDOf(c.handle); ok {
		result.SessionID = id
	}
	if err != nil {
		log.Printf("[Chat] failed to persist session %s: %v", result.SessionID, err)
		return result, fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}

	// GeneratingTitle
	if c.isNew && saved != nil {
		if title, ok := o.generateTitle(ctx, c.handle); ok {
			result.Title = title
		}
	}

	o.saveSnapshot(ctx)
	return result, nil
}

// prepareSession 构造用户消息并写入目标会话
func (o *Orchestrator) prepareSession(ticket generation.Ticket, sub model.Submission) (*cycle, error) {
	c := &cycle{
		ticket: ticket,
		userMsg: model.Message{
			ID:              uuid.New().String(),
			Role:            model.RoleUser,
			Kind:            model.KindText,
			Text:            sub.Text,
			ImageURLs:       append([]string(nil), sub.ImageURLs...),
			FileAttachments: append([]model.FileAttachment(nil), sub.FileAttachments...),
			CreatedAt:       o.now(),
		},
	}

	if h := o.currentHandle(); h != "" {
		o.store.Pin(h)
		if o.store.UpdateMessagesByHandle(h, appendMessage(c.userMsg)) {
			c.handle = h
			return c, nil
		}
		o.store.Unpin(h)
		// 当前会话已不在缓存中，按新会话处理
	}

	sess := model.Session{
		ID:        model.NewTemporaryID(),
		Title:     o.optimisticTitle(sub.Text),
		Messages:  []model.Message{c.userMsg},
		UpdatedAt: o.now(),
	}
	h, err := o.store.Prepend(sess)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	o.store.Pin(h)
	c.handle = h
	c.isNew = true
	o.setCurrent(h)
	return c, nil
}

// dispatchStudy 流式生成：先写入空的助手占位消息，逐片段替换其文本
func (o *Orchestrator) dispatchStudy(ctx context.Context, c *cycle, sub model.Submission) (*model.Message, error) {
	sess, ok := o.store.Get(c.handle)
	if !ok {
		return nil, ErrSessionNotFound
	}
	history := sess.Messages

	placeholder := model.Message{
		ID:        uuid.New().String(),
		Role:      model.RoleAssistant,
		Kind:      model.KindText,
		CreatedAt: o.now(),
	}
	c.placeholderID = placeholder.ID
	o.store.UpdateMessagesByHandle(c.handle, appendMessage(placeholder))

	var acc strings.Builder
	key := c.key()
	onChunk := func(chunk string) {
		var text, id string
		applied := o.apply(c.ticket, key, func() {
			acc.WriteString(chunk)
			text = acc.String()
			o.store.UpdateMessagesByHandle(c.handle, replaceText(placeholder.ID, text))
			id, _ = o.store.IDOf(c.handle)
		})
		if applied && id != "" {
			o.publish(ctx, event.EventMessageChunk, id, map[string]string{
				"message_id": placeholder.ID,
				"delta":      chunk,
				"text":       text,
			})
		}
	}

	completion, err := o.gateway.StreamCompletion(ctx, history, sub.Mode, sub.Model, onChunk)
	if err != nil {
		return nil, err
	}

	final := placeholder
	if completion != nil {
		final.Text = completion.Text
		final.Reasoning = completion.Reasoning
	}
	if final.Text == "" {
		if cur := o.findMessage(c.handle, placeholder.ID); cur != nil {
			final.Text = cur.Text
		}
	}
	return &final, nil
}

// dispatchCorrect 批改：单次生成，不创建占位消息
func (o *Orchestrator) dispatchCorrect(ctx context.Context, c *cycle, sub model.Submission) (*model.Message, error) {
	sess, ok := o.store.Get(c.handle)
	if !ok {
		return nil, ErrSessionNotFound
	}

	completion, err := o.gateway.CompleteOnce(ctx, sess.Messages, sub.Mode, sub.Model, sub.FileAttachments)
	if err != nil {
		return nil, err
	}
	if completion == nil {
		return nil, fmt.Errorf("empty completion")
	}

	msg := &model.Message{
		ID:            uuid.New().String(),
		Role:          model.RoleAssistant,
		Kind:          model.KindText,
		Text:          completion.Text,
		Reasoning:     completion.Reasoning,
		GradingResult: completion.GradingResult,
		CreatedAt:     o.now(),
	}
	if completion.GradingResult != nil {
		msg.Kind = model.KindGrading
	}
	return msg, nil
}

// finalize 写入最终消息；生成已被取消时返回 false
// 流式占位消息已不在会话中时返回 ErrMessageLost
func (o *Orchestrator) finalize(c *cycle, mode model.Mode, final *model.Message) (bool, error) {
	if final == nil {
		return false, nil
	}
	found := false
	applied := o.apply(c.ticket, c.key(), func() {
		if mode == model.ModeCorrect {
			found = o.store.UpdateMessagesByHandle(c.handle, appendMessage(*final))
			return
		}
		o.store.UpdateMessagesByHandle(c.handle, func(msgs []model.Message) []model.Message {
			for i := range msgs {
				if msgs[i].ID == final.ID {
					msgs[i] = final.Clone()
					found = true
					break
				}
			}
			return msgs
		})
	})
	if applied && !found {
		return true, ErrMessageLost
	}
	return applied, nil
}

// rollback 生成失败时恢复缓存
func (o *Orchestrator) rollback(c *cycle) {
	if c.isNew {
		o.store.RemoveByHandle(c.handle)
		o.clearCurrentIf(c.handle)
		return
	}
	if c.placeholderID != "" {
		o.store.UpdateMessagesByHandle(c.handle, removeMessage(c.placeholderID))
	}
}

// persist 保存会话，仓库返回的会话成为缓存中的权威版本
func (o *Orchestrator) persist(ctx context.Context, h session.Handle) (*model.Session, error) {
	sess, ok := o.store.Get(h)
	if !ok {
		// 生成期间会话已被删除
		return nil, nil
	}

	id := sess.ID
	if model.IsTemporaryID(id) {
		id = ""
	}

	saved, err := o.repo.Save(ctx, id, sess.Messages, sess.Title)
	if err != nil {
		return nil, err
	}
	if err := o.store.ApplySaved(h, *saved); err != nil {
		return nil, err
	}
	return saved, nil
}

func (o *Orchestrator) findMessage(h session.Handle, messageID string) *model.Message {
	sess, ok := o.store.Get(h)
	if !ok {
		return nil
	}
	for i := range sess.Messages {
		if sess.Messages[i].ID == messageID {
			msg := sess.Messages[i]
			return &msg
		}
	}
	return nil
}

// ========== 消息列表变换 ==========

func appendMessage(msg model.Message) func([]model.Message) []model.Message {
	return func(msgs []model.Message) []model.Message {
		return append(msgs, msg.Clone())
	}
}

func replaceText(messageID, text string) func([]model.Message) []model.Message {
	return func(msgs []model.Message) []model.Message {
		for i := range msgs {
			if msgs[i].ID == messageID {
				msgs[i].Text = text
				break
			}
		}
		return msgs
	}
}

func removeMessage(messageID string) func([]model.Message) []model.Message {
	return func(msgs []model.Message) []model.Message {
		for i := range msgs {
			if msgs[i].ID == messageID {
				return append(msgs[:i], msgs[i+1:]...)
			}
		}
		return msgs
	}
}
