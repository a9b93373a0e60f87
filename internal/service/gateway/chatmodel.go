package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ashwinyue/next-tutor/internal/config"
	"github.com/cloudwego/eino-ext/components/model/openai"
	ecomodel "github.com/cloudwego/eino/components/model"
)

const dashscopeBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"

// NewChatModel 按配置创建 ChatModel
// 所有提供商都走 OpenAI 兼容接口；httpClient 为 nil 时使用默认客户端
func NewChatModel(ctx context.Context, aiCfg *config.AIConfig, httpClient *http.Client) (ecomodel.ChatModel, error) {
	var apiKey, baseURL, modelName string
	var timeout int

	switch aiCfg.Provider {
	case "openai":
		apiKey = aiCfg.OpenAI.APIKey
		baseURL = aiCfg.OpenAI.BaseURL
		modelName = aiCfg.OpenAI.Model
		timeout = aiCfg.OpenAI.Timeout
	case "alibaba", "qwen", "dashscope":
		apiKey = aiCfg.Alibaba.AccessKeySecret
		baseURL = dashscopeBaseURL
		modelName = aiCfg.Alibaba.Model
		timeout = aiCfg.Alibaba.Timeout
	case "deepseek":
		apiKey = aiCfg.DeepSeek.APIKey
		baseURL = aiCfg.DeepSeek.BaseURL
		modelName = aiCfg.DeepSeek.Model
		timeout = aiCfg.DeepSeek.Timeout
	default:
		return nil, fmt.Errorf("unsupported ai provider: %s", aiCfg.Provider)
	}

	if apiKey == "" {
		return nil, fmt.Errorf("api_key is required for provider: %s", aiCfg.Provider)
	}

	if modelName == "" {
		modelName = "gpt-4o-mini"
	}

	modelCfg := &openai.ChatModelConfig{
		APIKey:     apiKey,
		BaseURL:    baseURL,
		Model:      modelName,
		HTTPClient: httpClient,
	}
	if timeout > 0 {
		modelCfg.Timeout = time.Duration(timeout) * time.Second
	}
	if aiCfg.Temperature > 0 {
		temperature := aiCfg.Temperature
		modelCfg.Temperature = &temperature
	}

	return openai.NewChatModel(ctx, modelCfg)
}
