// Package callback 提供 Eino Callback 日志支持
package callback

import (
	"context"
	"log"
	"time"

	"github.com/cloudwego/eino/callbacks"
	ecomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

type startKey struct{}

// Logger 记录模型调用的耗时和 token 用量
// 实现 callbacks.Handler 接口
type Logger struct {
	EnableDebug bool // 是否输出调用开始日志
}

// NewLogger 创建日志回调处理器
func NewLogger(enableDebug bool) *Logger {
	return &Logger{EnableDebug: enableDebug}
}

// OnStart 组件执行开始时调用
func (l *Logger) OnStart(ctx context.Context, info *callbacks.RunInfo, input callbacks.CallbackInput) context.Context {
	if l.EnableDebug {
		if in := ecomodel.ConvCallbackInput(input); in != nil {
			log.Printf("[Eino] %s start: model=%s messages=%d", l.name(info), modelName(in.Config), len(in.Messages))
		}
	}
	return context.WithValue(ctx, startKey{}, time.Now())
}

// OnEnd 组件执行成功结束时调用
func (l *Logger) OnEnd(ctx context.Context, info *callbacks.RunInfo, output callbacks.CallbackOutput) context.Context {
	out := ecomodel.ConvCallbackOutput(output)
	if out == nil {
		return ctx
	}
	if out.TokenUsage != nil {
		log.Printf("[Eino] %s done in %v: prompt=%d completion=%d total=%d",
			l.name(info), elapsed(ctx), out.TokenUsage.PromptTokens, out.TokenUsage.CompletionTokens, out.TokenUsage.TotalTokens)
	} else {
		log.Printf("[Eino] %s done in %v", l.name(info), elapsed(ctx))
	}
	return ctx
}

// OnError 组件执行出错时调用
func (l *Logger) OnError(ctx context.Context, info *callbacks.RunInfo, err error) context.Context {
	log.Printf("[Eino] %s error after %v: %v", l.name(info), elapsed(ctx), err)
	return ctx
}

// OnStartWithStreamInput 流式输入开始时调用
func (l *Logger) OnStartWithStreamInput(ctx context.Context, info *callbacks.RunInfo, input *schema.StreamReader[callbacks.CallbackInput]) context.Context {
	input.Close()
	return context.WithValue(ctx, startKey{}, time.Now())
}

// OnEndWithStreamOutput 流式输出结束时调用
// 回调拿到的是流的副本，必须读完或关闭
func (l *Logger) OnEndWithStreamOutput(ctx context.Context, info *callbacks.RunInfo, output *schema.StreamReader[callbacks.CallbackOutput]) context.Context {
	name := l.name(info)
	start, _ := ctx.Value(startKey{}).(time.Time)
	go func() {
		defer output.Close()
		chunks := 0
		var usage *ecomodel.TokenUsage
		for {
			frame, err := output.Recv()
			if err != nil {
				break
			}
			chunks++
			if out := ecomodel.ConvCallbackOutput(frame); out != nil && out.TokenUsage != nil {
				usage = out.TokenUsage
			}
		}
		if usage != nil {
			log.Printf("[Eino] %s stream done in %v: chunks=%d total_tokens=%d", name, since(start), chunks, usage.TotalTokens)
			return
		}
		log.Printf("[Eino] %s stream done in %v: chunks=%d", name, since(start), chunks)
	}()
	return ctx
}

func (l *Logger) name(info *callbacks.RunInfo) string {
	if info == nil {
		return "unknown"
	}
	if info.Name != "" {
		return info.Name
	}
	return string(info.Component) + "/" + info.Type
}

func modelName(cfg *ecomodel.Config) string {
	if cfg == nil || cfg.Model == "" {
		return "default"
	}
	return cfg.Model
}

func elapsed(ctx context.Context) time.Duration {
	start, _ := ctx.Value(startKey{}).(time.Time)
	return since(start)
}

func since(start time.Time) time.Duration {
	if start.IsZero() {
		return 0
	}
	return time.Since(start).Round(time.Millisecond)
}

// SetupGlobalCallbacks 设置全局回调
func SetupGlobalCallbacks(enableDebug bool) {
	handler := NewLogger(enableDebug)
	callbacks.AppendGlobalHandlers(handler)
	log.Printf("[Eino] Global callbacks registered (debug=%v)", enableDebug)
}
