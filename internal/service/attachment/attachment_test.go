// Package attachment 提供附件解析单元测试
package attachment

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ashwinyue/next-tutor/internal/config"
)

func newTestService(maxSize int64, maxChars int) *Service {
	return NewService(config.AttachmentConfig{
		MaxSize:     maxSize,
		MaxChars:    maxChars,
		AllowedExts: []string{".txt", ".py", ".md", ".html", ".PDF"},
	})
}

func TestExtract(t *testing.T) {
	s := newTestService(1024, 100)

	tests := []struct {
		name         string
		filename     string
		content      string
		wantContent  string
		wantLanguage string
		wantErr      error
	}{
		{
			name:        "plain text",
			filename:    "notes.txt",
			content:     "  牛顿第一定律\n",
			wantContent: "牛顿第一定律",
		},
		{
			name:         "source code keeps language",
			filename:     "dir/solve.py",
			content:      "print(1 + 1)",
			wantContent:  "print(1 + 1)",
			wantLanguage: "python",
		},
		{
			name:         "upper case extension",
			filename:     "README.MD",
			content:      "# 标题",
			wantContent:  "# 标题",
			wantLanguage: "markdown",
		},
		{
			name:         "html body text",
			filename:     "page.html",
			content:      "<html><head><title>t</title></head><body><p>勾股定理</p></body></html>",
			wantContent:  "勾股定理",
			wantLanguage: "html",
		},
		{
			name:     "unsupported extension",
			filename: "run.exe",
			content:  "MZ",
			wantErr:  ErrUnsupportedType,
		},
		{
			name:     "binary content",
			filename: "data.txt",
			content:  "abc\x00def",
			wantErr:  ErrNotText,
		},
		{
			name:     "empty file",
			filename: "empty.txt",
			content:  "   \n",
			wantErr:  ErrEmptyContent,
		},
		{
			name:     "too large",
			filename: "big.txt",
			content:  strings.Repeat("x", 1025),
			wantErr:  ErrTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Extract(context.Background(), tt.filename, strings.NewReader(tt.content))

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Extract() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Extract() unexpected error: %v", err)
			}
			if !strings.Contains(got.Content, tt.wantContent) {
				t.Errorf("Content = %q, want contain %q", got.Content, tt.wantContent)
			}
			if got.Language != tt.wantLanguage {
				t.Errorf("Language = %q, want %q", got.Language, tt.wantLanguage)
			}
			if strings.Contains(got.Filename, "/") {
				t.Errorf("Filename = %q, want base name", got.Filename)
			}
		})
	}
}

func TestExtract_Truncate(t *testing.T) {
	s := newTestService(0, 5)

	got, err := s.Extract(context.Background(), "long.txt", strings.NewReader("一二三四五六七"))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if !strings.HasPrefix(got.Content, "一二三四五") || !strings.HasSuffix(got.Content, truncatedMarker) {
		t.Errorf("Content = %q", got.Content)
	}
	if strings.Contains(got.Content, "六") {
		t.Errorf("Content = %q, want truncated", got.Content)
	}
}

func TestTextParser_StripsBOM(t *testing.T) {
	docs, err := (&textParser{}).Parse(context.Background(), strings.NewReader("\ufeffhello"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(docs) != 1 || docs[0].Content != "hello" {
		t.Errorf("Parse() = %+v, want hello", docs)
	}
}
