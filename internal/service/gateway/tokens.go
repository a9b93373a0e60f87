package gateway

import (
	"sync"

	"github.com/ashwinyue/next-tutor/internal/model"
	"github.com/tiktoken-go/tokenizer"
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

// getCodec 返回 cl100k_base 编码器
func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// estimateTokens 估算文本 token 数；编码器不可用时按字符数估算
func estimateTokens(text string) int {
	c, err := getCodec()
	if err != nil {
		return len([]rune(text))
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return len([]rune(text))
	}
	return len(ids)
}

func messageTokens(m model.Message) int {
	n := estimateTokens(m.Text) + 4
	for _, f := range m.FileAttachments {
		n += estimateTokens(f.Content)
	}
	return n
}

// trimHistory 保留最近的消息，使总 token 数不超过 budget
// 最后一条消息总是保留；budget <= 0 时不裁剪
func trimHistory(history []model.Message, budget int) []model.Message {
	if budget <= 0 || len(history) == 0 {
		return history
	}

	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		total += messageTokens(history[i])
		if total > budget && i < len(history)-1 {
			break
		}
		start = i
	}
	return history[start:]
}
