package model

import (
	"database/sql/driver"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role 消息角色
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageKind 消息类型
type MessageKind string

const (
	KindText    MessageKind = "text"
	KindGrading MessageKind = "grading"
)

// Mode 发送模式：study 流式辅导，correct 作业批改
type Mode string

const (
	ModeStudy   Mode = "study"
	ModeCorrect Mode = "correct"
)

// TemporaryIDPrefix 本地乐观会话的临时 ID 前缀
const TemporaryIDPrefix = "temp_"

// NewTemporaryID 生成临时会话 ID
func NewTemporaryID() string {
	return TemporaryIDPrefix + uuid.New().String()
}

// IsTemporaryID 判断是否为尚未持久化的临时 ID
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TemporaryIDPrefix)
}

// FileAttachment 文件附件
type FileAttachment struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}

// GradingItem 单题批改结果
type GradingItem struct {
	Question      string `json:"question"`
	StudentAnswer string `json:"student_answer,omitempty"`
	CorrectAnswer string `json:"correct_answer,omitempty"`
	IsCorrect     bool   `json:"is_correct"`
	Explanation   string `json:"explanation,omitempty"`
}

// GradingResult 结构化批改结果
type GradingResult struct {
	Score   float64       `json:"score"`
	Summary string        `json:"summary"`
	Items   []GradingItem `json:"items,omitempty"`
}

// Message 会话中的一条消息
type Message struct {
	ID              string           `json:"id"`
	Role            Role             `json:"role"`
	Kind            MessageKind      `json:"kind"`
	Text            string           `json:"text"`
	ImageURLs       []string         `json:"image_urls,omitempty"`
	FileAttachments []FileAttachment `json:"file_attachments,omitempty"`
	GradingResult   *GradingResult   `json:"grading_result,omitempty"`
	Reasoning       string           `json:"reasoning,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Clone 深拷贝消息
func (m Message) Clone() Message {
	out := m
	if m.ImageURLs != nil {
		out.ImageURLs = append([]string(nil), m.ImageURLs...)
	}
	if m.FileAttachments != nil {
		out.FileAttachments = append([]FileAttachment(nil), m.FileAttachments...)
	}
	if m.GradingResult != nil {
		gr := *m.GradingResult
		if gr.Items != nil {
			gr.Items = append([]GradingItem(nil), gr.Items...)
		}
		out.GradingResult = &gr
	}
	return out
}

// Session 会话
type Session struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	Messages          []Message `json:"messages"`
	UpdatedAt         time.Time `json:"updated_at"`
	IsGeneratingTitle bool      `json:"is_generating_title"`
}

// Clone 深拷贝会话
func (s Session) Clone() Session {
	out := s
	out.Messages = CloneMessages(s.Messages)
	return out
}

// CloneMessages 深拷贝消息列表
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// Submission 一次发送请求
type Submission struct {
	Text            string           `json:"text"`
	ImageURLs       []string         `json:"image_urls,omitempty"`
	FileAttachments []FileAttachment `json:"file_attachments,omitempty"`
	Mode            Mode             `json:"mode"`
	Model           string           `json:"model,omitempty"`
}

// IsEmpty 文本为空且没有任何附件
func (s Submission) IsEmpty() bool {
	return strings.TrimSpace(s.Text) == "" && len(s.ImageURLs) == 0 && len(s.FileAttachments) == 0
}

// GenerationState 生成状态
type GenerationState struct {
	Submitting          bool   `json:"submitting"`
	GeneratingSessionID string `json:"generating_session_id,omitempty"`
}

// ========== 持久化模型 ==========

// ChatSession 聊天会话
type ChatSession struct {
	ID        string        `gorm:"primaryKey;size:36"`
	UserID    string        `gorm:"index:idx_chat_sessions_user_updated,priority:1;size:36"`
	Title     string        `gorm:"size:255"`
	CreatedAt time.Time     `gorm:"autoCreateTime"`
	UpdatedAt time.Time     `gorm:"index:idx_chat_sessions_user_updated,priority:2"`
	Messages  []ChatMessage `gorm:"foreignKey:SessionID"`
}

// ChatMessage 聊天消息
type ChatMessage struct {
	ID              string         `gorm:"primaryKey;size:36"`
	SessionID       string         `gorm:"index:idx_chat_messages_session_seq,priority:1;size:36"`
	Seq             int            `gorm:"index:idx_chat_messages_session_seq,priority:2"` // 会话内的追加顺序
	Role            string         `gorm:"size:20;index"`
	Kind            string         `gorm:"size:20;default:text"`
	Content         string         `gorm:"type:text"`
	ImageURLs       StringList     `gorm:"type:jsonb"`
	FileAttachments AttachmentList `gorm:"type:jsonb"`
	GradingResult   *GradingResult `gorm:"type:jsonb;serializer:json"`
	Reasoning       string         `gorm:"type:text"`
	CreatedAt       time.Time      `gorm:"index"`
}

// TableName 指定表名
func (ChatSession) TableName() string {
	return "chat_sessions"
}

func (ChatMessage) TableName() string {
	return "chat_messages"
}

// StringList 字符串列表（jsonb）
type StringList []string

// Value 实现 driver.Valuer 接口
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan 实现 sql.Scanner 接口
func (l *StringList) Scan(value interface{}) error {
	return scanJSON(value, l)
}

// AttachmentList 附件列表（jsonb）
type AttachmentList []FileAttachment

// Value 实现 driver.Valuer 接口
func (l AttachmentList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]FileAttachment(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan 实现 sql.Scanner 接口
func (l *AttachmentList) Scan(value interface{}) error {
	return scanJSON(value, l)
}

func scanJSON(value interface{}, dst interface{}) error {
	if value == nil {
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return nil
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}
