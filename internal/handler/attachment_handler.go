package handler

import (
	"fmt"

	"github.com/ashwinyue/next-tutor/internal/service/attachment"
	"github.com/gin-gonic/gin"
)

// AttachmentHandler 附件处理器
type AttachmentHandler struct {
	svc *attachment.Service
}

// NewAttachmentHandler 创建附件处理器
func NewAttachmentHandler(svc *attachment.Service) *AttachmentHandler {
	return &AttachmentHandler{svc: svc}
}

// Upload 上传文件并解析为文本附件
// 返回的附件由客户端放入 Submission.file_attachments
func (h *AttachmentHandler) Upload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		badRequest(c, fmt.Sprintf("file is required: %v", err))
		return
	}

	f, err := fh.Open()
	if err != nil {
		errorResponse(c, fmt.Errorf("failed to open upload: %w", err))
		return
	}
	defer f.Close()

	att, err := h.svc.Extract(c.Request.Context(), fh.Filename, f)
	if err != nil {
		errorResponse(c, err)
		return
	}
	created(c, att)
}
