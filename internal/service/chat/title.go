package chat

import (
	"context"
	"log"
	"strings"

	"github.com/ashwinyue/next-tutor/internal/model"
	"github.com/ashwinyue/next-tutor/internal/service/event"
	"github.com/ashwinyue/next-tutor/internal/service/session"
)

// optimisticTitle 取提交文本的前 N 个字符作为临时标题
func (o *Orchestrator) optimisticTitle(text string) string {
	cfg := o.config()
	text = strings.TrimSpace(text)
	if text == "" {
		return cfg.FallbackTitle
	}
	return truncateRunes(text, cfg.TitleMaxRunes)
}

// generateTitle 为新会话生成标题并再次保存
// 任何失败都只记录日志，保留原有标题
func (o *Orchestrator) generateTitle(ctx context.Context, h session.Handle) (string, bool) {
	if o.gateway == nil {
		return "", false
	}

	o.store.SetTitleGeneratingByHandle(h, true)
	defer o.store.SetTitleGeneratingByHandle(h, false)

	sess, ok := o.store.Get(h)
	if !ok {
		return "", false
	}

	raw, err := o.gateway.GenerateTitle(ctx, sess.Messages)
	if err != nil {
		log.Printf("[Chat] Warning: failed to generate title for session %s: %v", sess.ID, err)
		return "", false
	}
	title := normalizeTitle(raw)
	if title == "" {
		log.Printf("[Chat] Warning: empty title generated for session %s", sess.ID)
		return "", false
	}

	if !o.store.UpdateTitleByHandle(h, title) {
		return "", false
	}
	o.publish(ctx, event.EventTitleUpdated, sess.ID, map[string]string{"title": title})

	// 以缓存中的最新消息保存，避免覆盖生成标题期间的改动
	latest, ok := o.store.Get(h)
	if !ok || model.IsTemporaryID(latest.ID) {
		return title, true
	}
	saved, err := o.repo.Save(ctx, latest.ID, latest.Messages, title)
	if err != nil {
		log.Printf("[Chat] Warning: failed to save title for session %s: %v", latest.ID, err)
		return title, true
	}
	if err := o.store.ApplySaved(h, *saved); err != nil {
		log.Printf("[Chat] Warning: failed to apply saved title for session %s: %v", latest.ID, err)
	}
	return title, true
}

// normalizeTitle 去掉模型常带的引号、前缀和换行
func normalizeTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexAny(title, "\r\n"); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	for _, prefix := range []string{"标题：", "标题:", "Title:", "title:"} {
		title = strings.TrimPrefix(title, prefix)
	}
	title = strings.Trim(title, " \t\"'“”‘’「」《》")
	return truncateRunes(title, maxTitleRunes)
}

// maxTitleRunes AI 标题的长度上限
const maxTitleRunes = 30

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
