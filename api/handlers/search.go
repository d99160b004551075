package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/knowbase/search"
)

// Searcher 混合检索能力
type Searcher interface {
	Search(ctx context.Context, req *search.Request) (*search.Response, error)
}

// =============================================================================
// 🔍 检索 Handler
// =============================================================================

// SearchHandler 混合检索处理器
type SearchHandler struct {
	svc    Searcher
	logger *zap.Logger
}

// NewSearchHandler 创建检索处理器
func NewSearchHandler(svc Searcher, logger *zap.Logger) *SearchHandler {
	return &SearchHandler{
		svc:    svc,
		logger: logger.With(zap.String("component", "search_handler")),
	}
}

// HandleSearch 处理混合检索请求
// @Summary 混合检索
// @Description 三路召回（精确 / 稀疏 / 稠密）+ RRF 融合 + 重排
// @Tags 检索
// @Accept json
// @Produce json
// @Success 200 {object} Response "检索结果"
// @Failure 400 {object} Response "参数错误"
// @Router /api/v1/rag/search [post]
func (h *SearchHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	var req search.Request
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	resp, err := h.svc.Search(r.Context(), &req)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, resp)
}
