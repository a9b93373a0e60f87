package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashwinyue/next-tutor/internal/model"
	"github.com/kaptinlin/jsonrepair"
)

// parseGradingResult 从模型输出中解析批改结果
// 模型常在 JSON 外包裹说明文字或 markdown 代码块，解析失败时返回 false
func parseGradingResult(raw string) (*model.GradingResult, bool) {
	s := extractJSON(raw)
	if s == "" {
		return nil, false
	}

	var result model.GradingResult
	if err := json.Unmarshal([]byte(s), &result); err != nil {
		return nil, false
	}
	if result.Summary == "" && len(result.Items) == 0 {
		return nil, false
	}
	if result.Score < 0 {
		result.Score = 0
	}
	if result.Score > 100 {
		result.Score = 100
	}
	return &result, true
}

// extractJSON 截取第一个 { 到最后一个 } 之间的内容并尝试修复
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	i := strings.Index(s, "{")
	if i < 0 {
		return ""
	}
	if j := strings.LastIndex(s, "}"); j > i {
		if sub := s[i : j+1]; json.Valid([]byte(sub)) {
			return sub
		}
		s = s[i : j+1]
	} else {
		// 输出被截断，缺少结尾的 }
		s = s[i:]
	}

	out, err := jsonrepair.JSONRepair(s)
	if err != nil || !json.Valid([]byte(out)) {
		return ""
	}
	return out
}

// gradingText 批改结果的文字版本，供不渲染结构化结果的客户端展示
func gradingText(r *model.GradingResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "得分：%g\n%s", r.Score, r.Summary)
	for _, item := range r.Items {
		mark := "✗"
		if item.IsCorrect {
			mark = "✓"
		}
		fmt.Fprintf(&sb, "\n%s %s", mark, item.Question)
		if !item.IsCorrect && item.CorrectAnswer != "" {
			fmt.Fprintf(&sb, "（正确答案：%s）", item.CorrectAnswer)
		}
		if item.Explanation != "" {
			fmt.Fprintf(&sb, " %s", item.Explanation)
		}
	}
	return sb.String()
}
