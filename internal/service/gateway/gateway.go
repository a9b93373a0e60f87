// Package gateway 基于 eino ChatModel 的 AI 网关
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/ashwinyue/next-tutor/internal/model"
	"github.com/ashwinyue/next-tutor/internal/service/chat"
	ecomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ErrEmptyResponse 模型返回空内容
var ErrEmptyResponse = errors.New("empty response from model")

// Config 网关配置
type Config struct {
	TitleModel       string // 标题生成使用的模型名
	MaxHistoryTokens int    // 历史消息 token 上限，0 表示不限制
}

// Gateway AI 网关
type Gateway struct {
	chatModel ecomodel.ChatModel
	cfg       Config
}

var _ chat.Gateway = (*Gateway)(nil)

// New 创建 AI 网关
func New(chatModel ecomodel.ChatModel, cfg Config) *Gateway {
	return &Gateway{chatModel: chatModel, cfg: cfg}
}

// StreamCompletion 流式生成，每个非空片段回调一次 onChunk
// ctx 取消后立即停止读取并返回 ctx.Err()
func (g *Gateway) StreamCompletion(ctx context.Context, history []model.Message, mode model.Mode, modelName string, onChunk func(chunk string)) (*chat.Completion, error) {
	msgs := g.buildMessages(history, mode, nil)

	stream, err := g.chatModel.Stream(ctx, msgs, callOptions(modelName)...)
	if err != nil {
		return nil, fmt.Errorf("failed to start stream: %w", err)
	}
	defer stream.Close()

	var text, reasoning strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("failed to receive stream: %w", err)
		}
		if chunk == nil {
			continue
		}
		if chunk.ReasoningContent != "" {
			reasoning.WriteString(chunk.ReasoningContent)
		}
		if chunk.Content != "" {
			text.WriteString(chunk.Content)
			onChunk(chunk.Content)
		}
	}

	if text.Len() == 0 {
		return nil, ErrEmptyResponse
	}
	return &chat.Completion{Text: text.String(), Reasoning: reasoning.String()}, nil
}

// CompleteOnce 单次生成；批改模式下解析结构化批改结果
func (g *Gateway) CompleteOnce(ctx context.Context, history []model.Message, mode model.Mode, modelName string, attachments []model.FileAttachment) (*chat.Completion, error) {
	msgs := g.buildMessages(history, mode, attachments)

	resp, err := g.chatModel.Generate(ctx, msgs, callOptions(modelName)...)
	if err != nil {
		return nil, fmt.Errorf("failed to generate: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return nil, ErrEmptyResponse
	}

	completion := &chat.Completion{Text: resp.Content, Reasoning: resp.ReasoningContent}
	if mode == model.ModeCorrect {
		if result, ok := parseGradingResult(resp.Content); ok {
			completion.GradingResult = result
			completion.Text = gradingText(result)
		} else {
			log.Printf("[Gateway] grading output is not valid JSON, falling back to text")
		}
	}
	return completion, nil
}

// GenerateTitle 根据对话生成标题
func (g *Gateway) GenerateTitle(ctx context.Context, messages []model.Message) (string, error) {
	transcript := titleTranscript(messages)
	if transcript == "" {
		return "", ErrEmptyResponse
	}

	msgs := []*schema.Message{
		schema.SystemMessage(titlePrompt),
		schema.UserMessage(transcript),
	}
	resp, err := g.chatModel.Generate(ctx, msgs, callOptions(g.cfg.TitleModel)...)
	if err != nil {
		return "", fmt.Errorf("failed to generate title: %w", err)
	}
	if resp == nil {
		return "", ErrEmptyResponse
	}
	return strings.TrimSpace(resp.Content), nil
}

// buildMessages 把会话历史转换为 eino 消息
// extra 中尚未出现在历史里的附件并入最后一条用户消息
func (g *Gateway) buildMessages(history []model.Message, mode model.Mode, extra []model.FileAttachment) []*schema.Message {
	history = trimHistory(history, g.cfg.MaxHistoryTokens)

	msgs := make([]*schema.Message, 0, len(history)+1)
	msgs = append(msgs, schema.SystemMessage(systemPrompt(mode)))

	lastUser := -1
	for i, m := range history {
		if m.Role == model.RoleUser {
			lastUser = i
		}
	}

	pending := missingAttachments(history, extra)
	for i, m := range history {
		files := m.FileAttachments
		if i == lastUser && len(pending) > 0 {
			files = append(append([]model.FileAttachment(nil), files...), pending...)
		}
		msgs = append(msgs, toSchemaMessage(m, files))
	}
	return msgs
}

func toSchemaMessage(m model.Message, files []model.FileAttachment) *schema.Message {
	if m.Role == model.RoleAssistant {
		return schema.AssistantMessage(m.Text, nil)
	}

	text := m.Text + renderAttachments(files)
	if len(m.ImageURLs) == 0 {
		return schema.UserMessage(text)
	}

	parts := make([]schema.ChatMessagePart, 0, len(m.ImageURLs)+1)
	if text != "" {
		parts = append(parts, schema.ChatMessagePart{Type: schema.ChatMessagePartTypeText, Text: text})
	}
	for _, u := range m.ImageURLs {
		parts = append(parts, schema.ChatMessagePart{
			Type:     schema.ChatMessagePartTypeImageURL,
			ImageURL: &schema.ChatMessageImageURL{URL: u, Detail: schema.ImageURLDetailAuto},
		})
	}
	return &schema.Message{Role: schema.User, MultiContent: parts}
}

func missingAttachments(history []model.Message, extra []model.FileAttachment) []model.FileAttachment {
	if len(extra) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	for _, m := range history {
		for _, f := range m.FileAttachments {
			seen[f.Filename+"\x00"+f.Content] = struct{}{}
		}
	}
	var out []model.FileAttachment
	for _, f := range extra {
		if _, ok := seen[f.Filename+"\x00"+f.Content]; !ok {
			out = append(out, f)
		}
	}
	return out
}

func callOptions(modelName string) []ecomodel.Option {
	if modelName == "" {
		return nil
	}
	return []ecomodel.Option{ecomodel.WithModel(modelName)}
}
