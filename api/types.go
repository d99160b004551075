package api

import (
	"time"

	"github.com/BaSui01/knowbase/document"
)

// =============================================================================
// 📄 文档类型
// =============================================================================

// DocumentResponse 单文档响应
// @Description 文档详情结构
type DocumentResponse struct {
	// 文档 ID
	ID string `json:"id" example:"6f1c9a2e-..."`
	// 所属笔记本
	NotebookID string `json:"notebook_id"`
	// 原始文件名
	Filename string `json:"filename" example:"annual-report.pdf"`
	// 文件字节数
	ByteSize int64 `json:"byte_size" example:"482133"`
	// 处理状态（UPLOADED/PARSING/PARSED/EMBEDDING/READY/FAILED）
	Status document.Status `json:"status" example:"READY"`
	// 失败时的错误摘要
	ErrorLog string `json:"error_log,omitempty"`
	// 生成的来源总结
	Summary string `json:"summary,omitempty"`
	// 创建时间
	CreatedAt time.Time `json:"created_at"`
	// 最后更新时间
	UpdatedAt time.Time `json:"updated_at"`
}

// NewDocumentResponse 从模型构造响应
func NewDocumentResponse(doc *document.Document) DocumentResponse {
	return DocumentResponse{
		ID:         doc.ID,
		NotebookID: doc.NotebookID,
		Filename:   doc.Filename,
		ByteSize:   doc.ByteSize,
		Status:     doc.Status,
		ErrorLog:   doc.ErrorLog,
		Summary:    doc.Summary,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}
}

// ProcessResponse 解析请求受理结果
// @Description 解析受理结构
type ProcessResponse struct {
	// 是否进入后台队列（false 表示已同步处理完成）
	Queued bool `json:"queued"`
	// 文档当前状态
	Document DocumentResponse `json:"document"`
}

// DeleteResponse 删除结果
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// =============================================================================
// 📓 笔记本类型
// =============================================================================

// NotebookCreateRequest 创建笔记本请求
// @Description 创建笔记本结构
type NotebookCreateRequest struct {
	// 标题
	Title string `json:"title" binding:"required" example:"研发资料库"`
	// 归属用户
	UserID int64 `json:"user_id" example:"1"`
}

// NotebookUpdateRequest 更新笔记本请求
type NotebookUpdateRequest struct {
	// 新标题
	Title string `json:"title" binding:"required"`
}

// =============================================================================
// 📊 诊断类型
// =============================================================================

// StatsResponse 服务诊断统计
// @Description 诊断统计结构
type StatsResponse struct {
	// 各状态的文档数
	Documents map[document.Status]int64 `json:"documents"`
	// 活跃切片总数
	ActiveChunks int64 `json:"active_chunks"`
	// 指定笔记本的向量条数（携带 notebook_id 查询参数时返回）
	VectorEntities *int `json:"vector_entities,omitempty"`
}
