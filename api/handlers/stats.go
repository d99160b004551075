package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/knowbase/api"
	"github.com/BaSui01/knowbase/document"
)

// StatsSource 诊断统计数据来源
type StatsSource interface {
	CountByStatus(ctx context.Context) (map[document.Status]int64, error)
}

// ChunkCounter 活跃切片统计能力
type ChunkCounter interface {
	CountActive(ctx context.Context) (int64, error)
}

// VectorCounter 向量条数统计能力
type VectorCounter interface {
	Count(ctx context.Context, notebookID string) (int, error)
}

// =============================================================================
// 📊 诊断 Handler
// =============================================================================

// StatsHandler 服务诊断统计处理器
type StatsHandler struct {
	docs    StatsSource
	chunks  ChunkCounter
	vectors VectorCounter
	logger  *zap.Logger
}

// NewStatsHandler 创建诊断处理器。vectors 可为 nil。
func NewStatsHandler(docs StatsSource, chunks ChunkCounter, vectors VectorCounter, logger *zap.Logger) *StatsHandler {
	return &StatsHandler{
		docs:    docs,
		chunks:  chunks,
		vectors: vectors,
		logger:  logger.With(zap.String("component", "stats_handler")),
	}
}

// HandleStats 返回文档状态分布与切片统计
// @Summary 诊断统计
// @Tags 诊断
// @Produce json
// @Param notebook_id query string false "附带该笔记本的向量条数"
// @Router /api/v1/rag/stats [get]
func (h *StatsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	byStatus, err := h.docs.CountByStatus(r.Context())
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	active, err := h.chunks.CountActive(r.Context())
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	resp := api.StatsResponse{
		Documents:    byStatus,
		ActiveChunks: active,
	}

	if nbID := r.URL.Query().Get("notebook_id"); nbID != "" && h.vectors != nil {
		if cnt, err := h.vectors.Count(r.Context(), nbID); err == nil {
			resp.VectorEntities = &cnt
		} else {
			h.logger.Warn("vector count unavailable", zap.Error(err))
		}
	}
	WriteSuccess(w, resp)
}
