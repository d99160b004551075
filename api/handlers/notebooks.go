package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/knowbase/api"
	"github.com/BaSui01/knowbase/document"
	"github.com/BaSui01/knowbase/types"
)

// NotebookRepo 笔记本存取能力
type NotebookRepo interface {
	Create(ctx context.Context, nb *document.Notebook) error
	GetStats(ctx context.Context, id string) (*document.NotebookStats, error)
	ListByUser(ctx context.Context, userID int64, limit, offset int) ([]document.NotebookStats, error)
	UpdateTitle(ctx context.Context, id, title string) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// DocumentDeleter 级联删除文档的能力
type DocumentDeleter interface {
	Delete(ctx context.Context, docID string) (bool, error)
}

// =============================================================================
// 📓 笔记本 Handler
// =============================================================================

// NotebookHandler 笔记本 CRUD 处理器
type NotebookHandler struct {
	notebooks NotebookRepo
	docs      DocumentRepo
	deleter   DocumentDeleter
	logger    *zap.Logger
}

// NewNotebookHandler 创建笔记本处理器
func NewNotebookHandler(notebooks NotebookRepo, docs DocumentRepo, deleter DocumentDeleter, logger *zap.Logger) *NotebookHandler {
	return &NotebookHandler{
		notebooks: notebooks,
		docs:      docs,
		deleter:   deleter,
		logger:    logger.With(zap.String("component", "notebook_handler")),
	}
}

// HandleList 列出用户的笔记本（含知识源统计）
// @Summary 笔记本列表
// @Tags 笔记本
// @Produce json
// @Param user_id query int true "用户 ID"
// @Router /api/v1/rag/notebooks [get]
func (h *NotebookHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"user_id query parameter is required", h.logger)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	out, err := h.notebooks.ListByUser(r.Context(), userID, limit, offset)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, out)
}

// HandleCreate 创建笔记本
// @Summary 创建笔记本
// @Tags 笔记本
// @Accept json
// @Produce json
// @Router /api/v1/rag/notebooks [post]
func (h *NotebookHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req api.NotebookCreateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"title is required", h.logger)
		return
	}

	nb := &document.Notebook{
		ID:     uuid.NewString(),
		Title:  strings.TrimSpace(req.Title),
		UserID: req.UserID,
	}
	if err := h.notebooks.Create(r.Context(), nb); err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccessStatus(w, http.StatusCreated, nb)
}

// HandleUpdate 更新笔记本标题
// @Summary 更新笔记本
// @Tags 笔记本
// @Accept json
// @Produce json
// @Router /api/v1/rag/notebooks/{id} [put]
func (h *NotebookHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req api.NotebookUpdateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"title is required", h.logger)
		return
	}

	id := r.PathValue("id")
	ok, err := h.notebooks.UpdateTitle(r.Context(), id, strings.TrimSpace(req.Title))
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	if !ok {
		WriteError(w, document.ErrNotebookNotFound, h.logger)
		return
	}
	stats, err := h.notebooks.GetStats(r.Context(), id)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, stats)
}

// HandleDelete 删除笔记本，级联删除其下所有文档（向量 + 切片 + 文件记录）
// @Summary 删除笔记本
// @Tags 笔记本
// @Produce json
// @Router /api/v1/rag/notebooks/{id} [delete]
func (h *NotebookHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// 分页批量清空文档后再删笔记本
	for {
		docs, err := h.docs.ListByNotebook(r.Context(), id, 100, 0)
		if err != nil {
			WriteAnyError(w, err, h.logger)
			return
		}
		if len(docs) == 0 {
			break
		}
		for i := range docs {
			if _, err := h.deleter.Delete(r.Context(), docs[i].ID); err != nil {
				WriteAnyError(w, err, h.logger)
				return
			}
		}
	}

	ok, err := h.notebooks.Delete(r.Context(), id)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	if !ok {
		WriteError(w, document.ErrNotebookNotFound, h.logger)
		return
	}
	WriteSuccess(w, api.DeleteResponse{Deleted: true})
}
