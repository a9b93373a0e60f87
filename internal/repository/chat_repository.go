package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashwinyue/next-tutor/internal/model"
	"github.com/ashwinyue/next-tutor/internal/service/chat"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrSessionNotFound 会话不存在或不属于当前用户
var ErrSessionNotFound = errors.New("chat session not found")

// ChatRepository 聊天数据访问
type ChatRepository struct {
	db     *gorm.DB
	userID string
	now    func() time.Time
}

var _ chat.Repository = (*ChatRepository)(nil)

// NewChatRepository 创建聊天仓库
func NewChatRepository(db *gorm.DB) *ChatRepository {
	return &ChatRepository{db: db, now: time.Now}
}

// ForUser 返回只访问指定用户会话的仓库
func (r *ChatRepository) ForUser(userID string) *ChatRepository {
	cp := *r
	cp.userID = userID
	return &cp
}

func (r *ChatRepository) scoped(db *gorm.DB) *gorm.DB {
	if r.userID != "" {
		return db.Where("user_id = ?", r.userID)
	}
	return db
}

// FetchAll 获取全部会话，消息按追加顺序排列
func (r *ChatRepository) FetchAll(ctx context.Context) ([]model.Session, error) {
	var rows []*model.ChatSession
	err := r.scoped(r.db.WithContext(ctx)).
		Preload("Messages", func(db *gorm.DB) *gorm.DB {
			return db.Order("seq ASC")
		}).
		Order("updated_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sessions: %w", err)
	}

	sessions := make([]model.Session, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, toSession(row))
	}
	return sessions, nil
}

// Save 保存会话；id 为空时创建新会话
// 消息按 ID upsert，不在 messages 中的旧消息被删除
func (r *ChatRepository) Save(ctx context.Context, id string, messages []model.Message, title string) (*model.Session, error) {
	now := r.now().Truncate(time.Microsecond)
	var row model.ChatSession

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if id == "" {
			row = model.ChatSession{
				ID:        uuid.New().String(),
				UserID:    r.userID,
				Title:     title,
				UpdatedAt: now,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("failed to create session: %w", err)
			}
		} else {
			if err := r.scoped(tx).Where("id = ?", id).First(&row).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrSessionNotFound
				}
				return fmt.Errorf("failed to load session: %w", err)
			}
			updates := map[string]any{"updated_at": now}
			if title != "" {
				updates["title"] = title
				row.Title = title
			}
			if err := tx.Model(&model.ChatSession{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
				return fmt.Errorf("failed to update session: %w", err)
			}
			row.UpdatedAt = now
		}

		rows := toMessageRows(row.ID, messages)
		ids := make([]string, 0, len(rows))
		for _, m := range rows {
			ids = append(ids, m.ID)
		}

		stale := tx.Where("session_id = ?", row.ID)
		if len(ids) > 0 {
			stale = stale.Where("id NOT IN ?", ids)
		}
		if err := stale.Delete(&model.ChatMessage{}).Error; err != nil {
			return fmt.Errorf("failed to delete stale messages: %w", err)
		}

		if len(rows) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				UpdateAll: true,
			}).Create(&rows).Error
			if err != nil {
				return fmt.Errorf("failed to save messages: %w", err)
			}
		}
		row.Messages = rows
		return nil
	})
	if err != nil {
		return nil, err
	}

	saved := toSession(&row)
	return &saved, nil
}

// Rename 修改会话标题
func (r *ChatRepository) Rename(ctx context.Context, id, title string) error {
	result := r.scoped(r.db.WithContext(ctx).Model(&model.ChatSession{})).
		Where("id = ?", id).
		Update("title", title)
	if result.Error != nil {
		return fmt.Errorf("failed to rename session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Delete 删除会话及其消息
func (r *ChatRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := r.scoped(tx).Delete(&model.ChatSession{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("failed to delete session: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrSessionNotFound
		}
		if err := tx.Delete(&model.ChatMessage{}, "session_id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		return nil
	})
}

// ========== 模型转换 ==========

func toSession(row *model.ChatSession) model.Session {
	s := model.Session{
		ID:        row.ID,
		Title:     row.Title,
		UpdatedAt: row.UpdatedAt,
		Messages:  make([]model.Message, 0, len(row.Messages)),
	}
	for _, m := range row.Messages {
		s.Messages = append(s.Messages, toMessage(m))
	}
	return s
}

func toMessage(row model.ChatMessage) model.Message {
	m := model.Message{
		ID:        row.ID,
		Role:      model.Role(row.Role),
		Kind:      model.MessageKind(row.Kind),
		Text:      row.Content,
		Reasoning: row.Reasoning,
		CreatedAt: row.CreatedAt,
	}
	if m.Kind == "" {
		m.Kind = model.KindText
	}
	if len(row.ImageURLs) > 0 {
		m.ImageURLs = append([]string(nil), row.ImageURLs...)
	}
	if len(row.FileAttachments) > 0 {
		m.FileAttachments = append([]model.FileAttachment(nil), row.FileAttachments...)
	}
	if row.GradingResult != nil {
		gr := *row.GradingResult
		m.GradingResult = &gr
	}
	return m
}

func toMessageRows(sessionID string, messages []model.Message) []model.ChatMessage {
	rows := make([]model.ChatMessage, 0, len(messages))
	for i, m := range messages {
		m = m.Clone()
		rows = append(rows, model.ChatMessage{
			ID:              m.ID,
			SessionID:       sessionID,
			Seq:             i,
			Role:            string(m.Role),
			Kind:            string(m.Kind),
			Content:         m.Text,
			ImageURLs:       model.StringList(m.ImageURLs),
			FileAttachments: model.AttachmentList(m.FileAttachments),
			GradingResult:   m.GradingResult,
			Reasoning:       m.Reasoning,
			CreatedAt:       m.CreatedAt,
		})
	}
	return rows
}
