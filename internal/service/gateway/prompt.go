package gateway

import (
	"fmt"
	"strings"

	"github.com/ashwinyue/next-tutor/internal/model"
)

const studyPrompt = `你是一位耐心的学科辅导老师，面向中学生答疑。
- 先理解学生真正卡住的地方，再分步骤讲解，每一步说明依据。
- 涉及公式时写出公式和各物理量含义；数学推导使用 LaTeX。
- 不直接给出作业的最终答案，除非学生已经给出自己的尝试。
- 回答使用简体中文，语气友好、简洁。`

const correctPrompt = `你是一位严谨的作业批改老师。学生会提交题目和作答（文字、图片或文件）。
逐题判断对错，并只输出一个 JSON 对象，不要输出任何其他内容：
{
  "score": 0-100 的数字,
  "summary": "整体评价，一到两句话",
  "items": [
    {
      "question": "题号或题目摘要",
      "student_answer": "学生的答案",
      "correct_answer": "正确答案",
      "is_correct": true 或 false,
      "explanation": "错误原因或解题要点"
    }
  ]
}
如果无法识别出任何题目，items 返回空数组并在 summary 中说明原因。`

const titlePrompt = `根据下面的对话内容生成一个简短的中文标题，不超过 15 个字。
只输出标题本身，不要加引号、标点或任何解释。`

// titleContextRunes 生成标题时每条消息截取的字符数
const titleContextRunes = 500

func systemPrompt(mode model.Mode) string {
	if mode == model.ModeCorrect {
		return correctPrompt
	}
	return studyPrompt
}

// renderAttachments 把文件附件渲染为代码块
func renderAttachments(files []model.FileAttachment) string {
	if len(files) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, f := range files {
		fmt.Fprintf(&sb, "\n\n文件：%s\n```%s\n%s\n```", f.Filename, f.Language, f.Content)
	}
	return sb.String()
}

// titleTranscript 截取对话前几条消息作为标题生成的上下文
func titleTranscript(messages []model.Message) string {
	var sb strings.Builder
	n := 0
	for _, m := range messages {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		role := "学生"
		if m.Role == model.RoleAssistant {
			role = "老师"
		}
		runes := []rune(text)
		if len(runes) > titleContextRunes {
			text = string(runes[:titleContextRunes])
		}
		fmt.Fprintf(&sb, "%s：%s\n", role, text)
		n++
		if n >= 4 {
			break
		}
	}
	return sb.String()
}
