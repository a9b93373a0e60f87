// Package attachment 把上传的文件解析为可发送给模型的文本附件
// 直接使用 eino-ext 的文档解析器
package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ashwinyue/next-tutor/internal/config"
	"github.com/ashwinyue/next-tutor/internal/model"
	"github.com/cloudwego/eino-ext/components/document/parser/docx"
	"github.com/cloudwego/eino-ext/components/document/parser/html"
	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	einoparser "github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file too large")
	ErrNotText         = errors.New("file is not valid text")
	ErrEmptyContent    = errors.New("no content parsed from file")
)

// truncatedMarker 内容被截断时追加的提示
const truncatedMarker = "\n...（内容过长，已截断）"

// languages 扩展名到代码块语言的映射
var languages = map[string]string{
	".go":   "go",
	".py":   "python",
	".java": "java",
	".c":    "c",
	".cpp":  "cpp",
	".js":   "javascript",
	".ts":   "typescript",
	".json": "json",
	".md":   "markdown",
	".html": "html",
	".htm":  "html",
}

// Service 附件解析服务
type Service struct {
	cfg     config.AttachmentConfig
	allowed map[string]struct{}
}

// NewService 创建附件解析服务
func NewService(cfg config.AttachmentConfig) *Service {
	allowed := make(map[string]struct{}, len(cfg.AllowedExts))
	for _, ext := range cfg.AllowedExts {
		allowed[strings.ToLower(ext)] = struct{}{}
	}
	return &Service{cfg: cfg, allowed: allowed}
}

// Extract 读取并解析文件内容
func (s *Service) Extract(ctx context.Context, filename string, r io.Reader) (*model.FileAttachment, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := s.allowed[ext]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, ext)
	}

	data, err := s.readLimited(r)
	if err != nil {
		return nil, err
	}

	fileParser, err := newParser(ctx, ext)
	if err != nil {
		return nil, err
	}

	docs, err := fileParser.Parse(ctx, bytes.NewReader(data), einoparser.WithURI(filename))
	if err != nil {
		return nil, fmt.Errorf("parser failed: %w", err)
	}

	var parts []string
	for _, d := range docs {
		if c := strings.TrimSpace(d.Content); c != "" {
			parts = append(parts, c)
		}
	}
	content := strings.Join(parts, "\n\n")
	if content == "" {
		return nil, ErrEmptyContent
	}

	return &model.FileAttachment{
		Filename: filepath.Base(filename),
		Content:  s.truncate(content),
		Language: languages[ext],
	}, nil
}

func (s *Service) readLimited(r io.Reader) ([]byte, error) {
	if s.cfg.MaxSize <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		return data, nil
	}

	data, err := io.ReadAll(io.LimitReader(r, s.cfg.MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if int64(len(data)) > s.cfg.MaxSize {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, s.cfg.MaxSize)
	}
	return data, nil
}

func (s *Service) truncate(content string) string {
	if s.cfg.MaxChars <= 0 {
		return content
	}
	runes := []rune(content)
	if len(runes) <= s.cfg.MaxChars {
		return content
	}
	return string(runes[:s.cfg.MaxChars]) + truncatedMarker
}

// newParser 按扩展名创建解析器，其余类型按纯文本处理
func newParser(ctx context.Context, ext string) (einoparser.Parser, error) {
	switch ext {
	case ".pdf":
		return pdf.NewPDFParser(ctx, &pdf.Config{ToPages: false})
	case ".docx":
		return docx.NewDocxParser(ctx, &docx.Config{
			ToSections:      false,
			IncludeComments: false,
			IncludeHeaders:  true,
			IncludeFooters:  false,
			IncludeTables:   true,
		})
	case ".html", ".htm":
		bodySelector := "body"
		return html.NewParser(ctx, &html.Config{
			Selector: &bodySelector,
		})
	default:
		return &textParser{}, nil
	}
}

// textParser 纯文本和源代码
type textParser struct{}

func (p *textParser) Parse(_ context.Context, reader io.Reader, _ ...einoparser.Option) ([]*schema.Document, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read: %w", err)
	}
	if !utf8.Valid(content) || bytes.IndexByte(content, 0) >= 0 {
		return nil, ErrNotText
	}

	text := strings.TrimPrefix(string(content), "\ufeff")
	if text == "" {
		return []*schema.Document{}, nil
	}
	return []*schema.Document{{Content: text, MetaData: make(map[string]any)}}, nil
}
