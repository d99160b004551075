package handlers

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/knowbase/api"
	"github.com/BaSui01/knowbase/chunk"
	"github.com/BaSui01/knowbase/document"
	"github.com/BaSui01/knowbase/ingest"
	"github.com/BaSui01/knowbase/types"
)

// 未配置时的上传大小上限（128 MB）
const defaultMaxUploadBytes = 128 << 20

// IngestService 文档流水线能力
type IngestService interface {
	Upload(ctx context.Context, req ingest.UploadRequest) (*document.Document, error)
	Process(ctx context.Context, docID string) (*document.Document, error)
	PrepareReparse(ctx context.Context, docID string) error
	Reparse(ctx context.Context, docID string, recaption bool) (*document.Document, error)
	Delete(ctx context.Context, docID string) (bool, error)
	Markdown(ctx context.Context, docID string) (*ingest.MarkdownResult, error)
}

// TaskQueue 后台任务队列能力
type TaskQueue interface {
	Available(ctx context.Context) bool
	Enqueue(ctx context.Context, documentID string) (string, error)
}

// DocumentRepo 文档查询能力（handler 只读）
type DocumentRepo interface {
	GetByID(ctx context.Context, id string) (*document.Document, error)
	ListByNotebook(ctx context.Context, notebookID string, limit, offset int) ([]document.Document, error)
}

// ChunkRepo 切片查询能力（handler 只读）
type ChunkRepo interface {
	ListByDocument(ctx context.Context, documentID string, activeOnly bool) ([]chunk.Chunk, error)
}

// =============================================================================
// 📄 文档 Handler
// =============================================================================

// DocumentHandler 文档生命周期处理器
type DocumentHandler struct {
	svc       IngestService
	queue     TaskQueue
	docs      DocumentRepo
	chunks    ChunkRepo
	maxUpload int64
	logger    *zap.Logger
}

// NewDocumentHandler 创建文档处理器。queue 可为 nil（纯同步模式）。
func NewDocumentHandler(svc IngestService, queue TaskQueue, docs DocumentRepo, chunks ChunkRepo, logger *zap.Logger) *DocumentHandler {
	return &DocumentHandler{
		svc:       svc,
		queue:     queue,
		docs:      docs,
		chunks:    chunks,
		maxUpload: defaultMaxUploadBytes,
		logger:    logger.With(zap.String("component", "document_handler")),
	}
}

// WithMaxUploadBytes 覆盖上传大小上限
func (h *DocumentHandler) WithMaxUploadBytes(n int64) *DocumentHandler {
	if n > 0 {
		h.maxUpload = n
	}
	return h
}

// HandleUpload 处理文档上传（multipart: file, notebook_id, 可选 user_id）
// @Summary 上传文档
// @Tags 文档
// @Accept mpfd
// @Produce json
// @Success 200 {object} Response "上传成功（内容重复时返回已有文档）"
// @Failure 400 {object} Response "文件为空或格式不支持"
// @Router /api/v1/rag/documents/upload [post]
func (h *DocumentHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"invalid multipart form", h.logger)
		return
	}

	notebookID := r.FormValue("notebook_id")
	if notebookID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"notebook_id is required", h.logger)
		return
	}
	userID, _ := strconv.ParseInt(r.FormValue("user_id"), 10, 64)

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"file field is required", h.logger)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxUpload+1))
	if err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"failed to read uploaded file", h.logger)
		return
	}
	if int64(len(data)) > h.maxUpload {
		WriteErrorMessage(w, http.StatusRequestEntityTooLarge, types.ErrInvalidRequest,
			"file exceeds upload size limit", h.logger)
		return
	}

	doc, err := h.svc.Upload(r.Context(), ingest.UploadRequest{
		NotebookID:  notebookID,
		UserID:      userID,
		Filename:    header.Filename,
		Data:        data,
		ContentType: header.Header.Get("Content-Type"),
	})
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.NewDocumentResponse(doc))
}

// HandleProcess 触发文档解析。队列可用时入队返回 202，否则同步处理。
// @Summary 解析文档
// @Tags 文档
// @Produce json
// @Success 200 {object} Response "同步处理完成"
// @Success 202 {object} Response "已入队"
// @Router /api/v1/rag/documents/{id}/process [post]
func (h *DocumentHandler) HandleProcess(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("id")
	doc, err := h.docs.GetByID(r.Context(), docID)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	if h.queue != nil && h.queue.Available(r.Context()) {
		if _, err := h.queue.Enqueue(r.Context(), docID); err == nil {
			WriteSuccessStatus(w, http.StatusAccepted, api.ProcessResponse{
				Queued:   true,
				Document: api.NewDocumentResponse(doc),
			})
			return
		}
		h.logger.Warn("enqueue failed, falling back to synchronous processing",
			zap.String("doc_id", docID))
	}

	processed, err := h.svc.Process(r.Context(), docID)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.ProcessResponse{Queued: false, Document: api.NewDocumentResponse(processed)})
}

// HandleReparse 重置并重新解析文档。
// 默认复用已有的图片说明；带 recaption=true 时强制重新做视觉理解，
// 此时直接走同步路径（队列任务不携带该标记）。
// @Summary 重新解析文档
// @Tags 文档
// @Produce json
// @Param recaption query bool false "强制重新生成图片说明"
// @Success 202 {object} Response "已重置并入队"
// @Router /api/v1/rag/documents/{id}/reparse [post]
func (h *DocumentHandler) HandleReparse(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("id")
	recaption := r.URL.Query().Get("recaption") == "true"

	if !recaption && h.queue != nil && h.queue.Available(r.Context()) {
		if err := h.svc.PrepareReparse(r.Context(), docID); err != nil {
			WriteAnyError(w, err, h.logger)
			return
		}
		if _, err := h.queue.Enqueue(r.Context(), docID); err == nil {
			doc, gerr := h.docs.GetByID(r.Context(), docID)
			if gerr != nil {
				WriteAnyError(w, gerr, h.logger)
				return
			}
			WriteSuccessStatus(w, http.StatusAccepted, api.ProcessResponse{
				Queued:   true,
				Document: api.NewDocumentResponse(doc),
			})
			return
		}
		h.logger.Warn("enqueue failed after reparse reset, processing synchronously",
			zap.String("doc_id", docID))
		processed, err := h.svc.Process(r.Context(), docID)
		if err != nil {
			WriteAnyError(w, err, h.logger)
			return
		}
		WriteSuccess(w, api.ProcessResponse{Queued: false, Document: api.NewDocumentResponse(processed)})
		return
	}

	processed, err := h.svc.Reparse(r.Context(), docID, recaption)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.ProcessResponse{Queued: false, Document: api.NewDocumentResponse(processed)})
}

// HandleList 列出笔记本内文档
// @Summary 文档列表
// @Tags 文档
// @Produce json
// @Param notebook_id query string true "笔记本 ID"
// @Router /api/v1/rag/documents [get]
func (h *DocumentHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	notebookID := r.URL.Query().Get("notebook_id")
	if notebookID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"notebook_id query parameter is required", h.logger)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	docs, err := h.docs.ListByNotebook(r.Context(), notebookID, limit, offset)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	out := make([]api.DocumentResponse, len(docs))
	for i := range docs {
		out[i] = api.NewDocumentResponse(&docs[i])
	}
	WriteSuccess(w, out)
}

// HandleGet 查询单个文档
// @Summary 文档详情
// @Tags 文档
// @Produce json
// @Router /api/v1/rag/documents/{id} [get]
func (h *DocumentHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	doc, err := h.docs.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.NewDocumentResponse(doc))
}

// HandleChunks 列出文档的活跃切片（父子结构巡检用）
// @Summary 文档切片
// @Tags 文档
// @Produce json
// @Router /api/v1/rag/documents/{id}/chunks [get]
func (h *DocumentHandler) HandleChunks(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("id")
	if _, err := h.docs.GetByID(r.Context(), docID); err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	rows, err := h.chunks.ListByDocument(r.Context(), docID, true)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, rows)
}

// HandleMarkdown 还原文档为有序片段并附带总结
// @Summary 文档 Markdown 还原
// @Tags 文档
// @Produce json
// @Router /api/v1/rag/documents/{id}/markdown [get]
func (h *DocumentHandler) HandleMarkdown(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Markdown(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, result)
}

// HandleDelete 删除文档（先清向量再删行）
// @Summary 删除文档
// @Tags 文档
// @Produce json
// @Router /api/v1/rag/documents/{id} [delete]
func (h *DocumentHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.svc.Delete(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.DeleteResponse{Deleted: deleted})
}
