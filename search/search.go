// Package search 三段式混合检索编排（Recall → RRF → Rerank）。
//
// 第一段多路召回：PostgreSQL 精确匹配 / Milvus 稀疏 / Milvus 稠密并发执行，
// 单路失败仅降级不报错；第二段 RRF 粗排取 Top 20；第三段 Reranker 精排
// 按及格线过滤（失败降级为 RRF 排序）。最后做 Parent-Child 溯源，
// 把父块全文挂到命中上，调用方无需二次查询即可扩展上下文。
package search

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/knowbase/chunk"
	"github.com/BaSui01/knowbase/config"
	"github.com/BaSui01/knowbase/embedding"
	"github.com/BaSui01/knowbase/rerank"
	"github.com/BaSui01/knowbase/types"
	"github.com/BaSui01/knowbase/vectorstore"
)

// Request 检索请求。指针布尔字段缺省视为 true。
type Request struct {
	NotebookID string   `json:"notebook_id"`
	Query      string   `json:"query"`
	// 限定文档范围；nil 表示不限定，空列表表示零个知识源（直接返回空）
	DocumentIDs []string     `json:"document_ids,omitempty"`
	ChunkTypes  []chunk.Type `json:"chunk_types,omitempty"`
	// Reranker 安全上限，0 表示仅按及格线过滤
	TopK         int   `json:"top_k,omitempty"`
	UseParent    *bool `json:"use_parent,omitempty"`
	EnableExact  *bool `json:"enable_exact,omitempty"`
	EnableSparse *bool `json:"enable_sparse,omitempty"`
	EnableDense  *bool `json:"enable_dense,omitempty"`
	EnableRerank *bool `json:"enable_rerank,omitempty"`
}

func enabled(p *bool) bool { return p == nil || *p }

// Validate 校验请求参数
func (r *Request) Validate(maxTopK int) error {
	if r.NotebookID == "" {
		return types.NewError(types.ErrInvalidRequest, "notebook_id is required").WithHTTPStatus(400)
	}
	if r.Query == "" {
		return types.NewError(types.ErrInvalidRequest, "query is required").WithHTTPStatus(400)
	}
	if r.TopK < 0 || (maxTopK > 0 && r.TopK > maxTopK) {
		return types.NewError(types.ErrInvalidRequest, "top_k out of range").WithHTTPStatus(400)
	}
	return nil
}

// Hit 单条检索命中
type Hit struct {
	ChunkID       string     `json:"chunk_id"`
	DocumentID    string     `json:"document_id"`
	Content       string     `json:"content"`
	ChunkType     chunk.Type `json:"chunk_type"`
	PageNumbers   []int      `json:"page_numbers"`
	Score         float64    `json:"score"`
	RerankScore   *float64   `json:"rerank_score,omitempty"`
	Sources       []string   `json:"sources"`
	ParentContent string     `json:"parent_content,omitempty"`
}

// Response 检索结果。PathStats 记录各阶段命中数：
// exact / sparse / dense / rrf_top / rerank_top。
type Response struct {
	Query     string         `json:"query"`
	Hits      []Hit          `json:"hits"`
	Total     int            `json:"total"`
	PathStats map[string]int `json:"path_stats"`
}

// ChunkReader 切片读取能力（PostgreSQL）
type ChunkReader interface {
	FulltextSearch(ctx context.Context, notebookID, query string, documentIDs []string, chunkTypes []chunk.Type, limit int) ([]chunk.FTSMatch, error)
	GetByIDs(ctx context.Context, ids []string) ([]chunk.Chunk, error)
	GetParentsBatch(ctx context.Context, childIDs []string) (map[string]*chunk.Chunk, error)
}

// VectorSearcher 向量召回能力（Milvus）
type VectorSearcher interface {
	SearchDense(ctx context.Context, vector []float32, topK int, filter vectorstore.Filter) ([]vectorstore.Hit, error)
	SearchSparse(ctx context.Context, vector embedding.SparseVector, topK int, filter vectorstore.Filter) ([]vectorstore.Hit, error)
}

// DenseEncoder 查询稠密向量化
type DenseEncoder interface {
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
}

// SparseEncoder 查询稀疏向量化
type SparseEncoder interface {
	EmbedSingle(ctx context.Context, text string) (embedding.SparseVector, error)
}

// Scorer 精排能力
type Scorer interface {
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]rerank.Result, error)
}

// Metrics 检索指标上报能力，可选注入
type Metrics interface {
	RecordSearch(status string, duration time.Duration, pathStats map[string]int)
}

// Service 混合检索服务
type Service struct {
	cfg      config.SearchConfig
	chunks   ChunkReader
	store    VectorSearcher
	dense    DenseEncoder
	sparse   SparseEncoder
	reranker Scorer
	metrics  Metrics
	logger   *zap.Logger
}

// NewService 创建检索服务
func NewService(cfg config.SearchConfig, chunks ChunkReader, store VectorSearcher,
	dense DenseEncoder, sparse SparseEncoder, reranker Scorer, logger *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		chunks:   chunks,
		store:    store,
		dense:    dense,
		sparse:   sparse,
		reranker: reranker,
		logger:   logger.With(zap.String("component", "search_service")),
	}
}

// WithMetrics 注入检索指标收集器
func (s *Service) WithMetrics(m Metrics) *Service {
	s.metrics = m
	return s
}

// Search 执行三段式检索。召回路全挂时返回空结果而非错误。
func (s *Service) Search(ctx context.Context, req *Request) (resp *Response, err error) {
	if s.metrics != nil {
		start := time.Now()
		defer func() {
			status := "success"
			var stats map[string]int
			if err != nil {
				status = "error"
			} else if resp != nil {
				stats = resp.PathStats
			}
			s.metrics.RecordSearch(status, time.Since(start), stats)
		}()
	}
	if err := req.Validate(s.cfg.MaxTopK); err != nil {
		return nil, err
	}
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	empty := &Response{Query: req.Query, Hits: []Hit{}, PathStats: map[string]int{}}

	// 限定文档范围为空时不做召回（仅勾选的知识源参与检索）
	if req.DocumentIDs != nil && len(req.DocumentIDs) == 0 {
		return empty, nil
	}

	// ========== 第一段：多路召回 ==========
	rankedLists, pathStats := s.recall(ctx, req)
	empty.PathStats = pathStats

	total := 0
	for _, rl := range rankedLists {
		total += len(rl)
	}
	if total == 0 {
		return empty, nil
	}

	// ========== 第二段：RRF 粗排 ==========
	fused := rrfFuse(rankedLists, s.cfg.RRFK)
	if len(fused) > s.cfg.FuseTop {
		fused = fused[:s.cfg.FuseTop]
	}
	pathStats["rrf_top"] = len(fused)

	// 从 PostgreSQL 获取完整切片内容
	chunkIDs := make([]string, len(fused))
	fusedMap := make(map[string]fusedHit, len(fused))
	for i, f := range fused {
		chunkIDs[i] = f.ChunkID
		fusedMap[f.ChunkID] = f
	}
	rows, err := s.chunks.GetByIDs(ctx, chunkIDs)
	if err != nil {
		return nil, err
	}
	rowMap := make(map[string]*chunk.Chunk, len(rows))
	for i := range rows {
		rowMap[rows[i].ID] = &rows[i]
	}

	// 仅对 PG 中仍存在的候选做精排（向量库可能残留脏数据）
	orderedIDs := make([]string, 0, len(fused))
	orderedDocs := make([]string, 0, len(fused))
	for _, f := range fused {
		if row, ok := rowMap[f.ChunkID]; ok {
			orderedIDs = append(orderedIDs, f.ChunkID)
			orderedDocs = append(orderedDocs, row.Content)
		}
	}

	// ========== 第三段：Reranker 精排 ==========
	type finalEntry struct {
		chunkID     string
		rrfScore    float64
		sources     []string
		rerankScore *float64
	}
	var finalOrder []finalEntry

	rrfOnly := func() {
		pathStats["rerank_top"] = 0
		limit := req.TopK
		if limit <= 0 {
			limit = s.cfg.FuseTop
		}
		for _, f := range fused {
			if len(finalOrder) >= limit {
				break
			}
			finalOrder = append(finalOrder, finalEntry{chunkID: f.ChunkID, rrfScore: f.Score, sources: f.Sources})
		}
	}

	if enabled(req.EnableRerank) && len(orderedDocs) > 0 {
		results, err := s.reranker.Rerank(ctx, req.Query, orderedDocs, req.TopK)
		if err != nil {
			s.logger.Warn("rerank failed, falling back to rrf order", zap.Error(err))
			rrfOnly()
		} else {
			pathStats["rerank_top"] = len(results)
			for _, r := range results {
				if r.Index < 0 || r.Index >= len(orderedIDs) {
					continue
				}
				cid := orderedIDs[r.Index]
				f := fusedMap[cid]
				score := r.Score
				finalOrder = append(finalOrder, finalEntry{
					chunkID:     cid,
					rrfScore:    f.Score,
					sources:     f.Sources,
					rerankScore: &score,
				})
			}
		}
	} else {
		rrfOnly()
	}

	// ========== 最后：Parent-Child 溯源 ==========
	parentContents := map[string]string{}
	if enabled(req.UseParent) {
		var childIDs []string
		for _, fe := range finalOrder {
			if row, ok := rowMap[fe.chunkID]; ok && row.ParentChunkID != nil {
				childIDs = append(childIDs, fe.chunkID)
			}
		}
		if len(childIDs) > 0 {
			parents, err := s.chunks.GetParentsBatch(ctx, childIDs)
			if err != nil {
				s.logger.Warn("parent lookup failed", zap.Error(err))
			} else {
				for cid, p := range parents {
					parentContents[cid] = p.Content
				}
			}
		}
	}

	hits := make([]Hit, 0, len(finalOrder))
	for _, fe := range finalOrder {
		row, ok := rowMap[fe.chunkID]
		if !ok {
			continue
		}
		display := fe.rrfScore
		if fe.rerankScore != nil {
			display = *fe.rerankScore
		}
		hit := Hit{
			ChunkID:       fe.chunkID,
			DocumentID:    row.DocumentID,
			Content:       row.Content,
			ChunkType:     row.ChunkType,
			PageNumbers:   row.PageNumbers,
			Score:         round6(display),
			Sources:       fe.sources,
			ParentContent: parentContents[fe.chunkID],
		}
		if fe.rerankScore != nil {
			rounded := round6(*fe.rerankScore)
			hit.RerankScore = &rounded
		}
		hits = append(hits, hit)
	}

	return &Response{Query: req.Query, Hits: hits, Total: len(hits), PathStats: pathStats}, nil
}

// recall 并发执行启用的召回路，单路失败记 0 并继续
func (s *Service) recall(ctx context.Context, req *Request) ([][]pathHit, map[string]int) {
	filter := vectorstore.Filter{
		NotebookID:  req.NotebookID,
		DocumentIDs: req.DocumentIDs,
	}
	for _, ct := range req.ChunkTypes {
		filter.ChunkTypes = append(filter.ChunkTypes, string(ct))
	}

	var exactHits, sparseHits, denseHits []pathHit
	var exactErr, sparseErr, denseErr error

	g, gctx := errgroup.WithContext(ctx)
	if enabled(req.EnableExact) {
		g.Go(func() error {
			exactHits, exactErr = s.pathExact(gctx, req)
			return nil
		})
	}
	if enabled(req.EnableSparse) {
		g.Go(func() error {
			sparseHits, sparseErr = s.pathSparse(gctx, req, filter)
			return nil
		})
	}
	if enabled(req.EnableDense) {
		g.Go(func() error {
			denseHits, denseErr = s.pathDense(gctx, req, filter)
			return nil
		})
	}
	_ = g.Wait()

	pathStats := map[string]int{}
	var rankedLists [][]pathHit
	collect := func(source string, hits []pathHit, err error, on bool) {
		if !on {
			return
		}
		if err != nil {
			s.logger.Warn("recall path failed, skipped",
				zap.String("path", source), zap.Error(err))
			pathStats[source] = 0
			return
		}
		pathStats[source] = len(hits)
		rankedLists = append(rankedLists, hits)
	}
	collect("exact", exactHits, exactErr, enabled(req.EnableExact))
	collect("sparse", sparseHits, sparseErr, enabled(req.EnableSparse))
	collect("dense", denseHits, denseErr, enabled(req.EnableDense))
	return rankedLists, pathStats
}

// pathExact PostgreSQL 全文搜索 + ILIKE
func (s *Service) pathExact(ctx context.Context, req *Request) ([]pathHit, error) {
	matches, err := s.chunks.FulltextSearch(ctx, req.NotebookID, req.Query, req.DocumentIDs, req.ChunkTypes, s.cfg.RecallExact)
	if err != nil {
		return nil, err
	}
	hits := make([]pathHit, len(matches))
	for i, m := range matches {
		hits[i] = pathHit{ChunkID: m.ChunkID, Score: m.Rank, Source: "exact"}
	}
	return hits, nil
}

// pathSparse Milvus 稀疏向量检索（关键词匹配）
func (s *Service) pathSparse(ctx context.Context, req *Request, filter vectorstore.Filter) ([]pathHit, error) {
	vec, err := s.sparse.EmbedSingle(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	found, err := s.store.SearchSparse(ctx, vec, s.cfg.RecallSparse, filter)
	if err != nil {
		return nil, err
	}
	return toPathHits(found, "sparse"), nil
}

// pathDense Milvus 稠密向量检索（语义匹配）
func (s *Service) pathDense(ctx context.Context, req *Request, filter vectorstore.Filter) ([]pathHit, error) {
	vec, err := s.dense.EmbedSingle(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	found, err := s.store.SearchDense(ctx, vec, s.cfg.RecallDense, filter)
	if err != nil {
		return nil, err
	}
	return toPathHits(found, "dense"), nil
}

func toPathHits(found []vectorstore.Hit, source string) []pathHit {
	hits := make([]pathHit, len(found))
	for i, h := range found {
		hits[i] = pathHit{ChunkID: h.ChunkID, Score: h.Score, Source: source}
	}
	return hits
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
