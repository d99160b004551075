// Package rerank 检索精排。
//
// 三段式检索的第三段：把 RRF 融合后的候选交给 Cross-Encoder 深度打分，
// 按及格线过滤后返回全部及格结果。配置了 Jina API 时走远程精排，
// 否则降级为 Query-Chunk 稠密向量余弦相似度。
// 两套打分量纲不同：Jina 为绝对相关性（0~1，及格线 0.2 左右），
// 余弦相似度通常落在 0.7~1.0（及格线 0.85 左右）。
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/knowbase/config"
	"github.com/BaSui01/knowbase/internal/tlsutil"
	"github.com/BaSui01/knowbase/types"
)

// Result 单条精排结果：原始下标 + 相关性得分
type Result struct {
	Index int
	Score float64
}

// Embedder 余弦降级所需的稠密向量能力
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
}

// Reranker 精排器
type Reranker struct {
	cfg      config.RerankConfig
	embedder Embedder
	client   *http.Client
	logger   *zap.Logger
}

// NewReranker 创建精排器。embedder 用于无 API Key 或远程失败时的余弦降级。
func NewReranker(cfg config.RerankConfig, embedder Embedder, logger *zap.Logger) *Reranker {
	return &Reranker{
		cfg:      cfg,
		embedder: embedder,
		client:   tlsutil.SecureHTTPClient(cfg.Timeout),
		logger:   logger.With(zap.String("component", "reranker")),
	}
}

// Rerank 对候选文档按与 query 的相关性打分，降序返回及格结果。
// topN <= 0 表示只按及格线过滤、不设条数上限。
func (r *Reranker) Rerank(ctx context.Context, query string, documents []string, topN int) ([]Result, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	if strings.TrimSpace(r.cfg.APIKey) != "" {
		results, err := r.remoteRerank(ctx, query, documents, topN)
		if err == nil {
			return results, nil
		}
		r.logger.Warn("remote rerank failed, falling back to cosine similarity", zap.Error(err))
	}
	return r.cosineRerank(ctx, query, documents, topN)
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
		Score          float64 `json:"score"`
	} `json:"results"`
}

func (r *Reranker) remoteRerank(ctx context.Context, query string, documents []string, topN int) ([]Result, error) {
	body, err := json.Marshal(map[string]any{
		"model": r.cfg.Model,
		"query": query,
		// 请求全部文档打分，过滤交给及格线
		"documents":        documents,
		"top_n":            len(documents),
		"return_documents": false,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rerank request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "rerank request failed").WithCause(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("rerank endpoint returned %d", resp.StatusCode))
	}

	var out rerankResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}

	results := make([]Result, 0, len(out.Results))
	for _, item := range out.Results {
		score := item.RelevanceScore
		if score == 0 {
			score = item.Score
		}
		if score < r.cfg.Threshold {
			continue
		}
		results = append(results, Result{Index: item.Index, Score: score})
	}
	return finalize(results, topN), nil
}

func (r *Reranker) cosineRerank(ctx context.Context, query string, documents []string, topN int) ([]Result, error) {
	if r.embedder == nil {
		return nil, types.NewError(types.ErrProviderUnavailable, "no reranker backend available")
	}

	queryVec, err := r.embedder.EmbedSingle(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	docVecs, err := r.embedder.Embed(ctx, documents)
	if err != nil {
		return nil, fmt.Errorf("embed documents: %w", err)
	}

	results := make([]Result, 0, len(docVecs))
	for i, dv := range docVecs {
		score := Cosine(queryVec, dv)
		if score < r.cfg.CosineFallbackThreshold {
			continue
		}
		results = append(results, Result{Index: i, Score: score})
	}
	return finalize(results, topN), nil
}

func finalize(results []Result, topN int) []Result {
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if topN > 0 && len(results) > topN {
		results = results[:topN]
	}
	return results
}

// Cosine 余弦相似度
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	for _, x := range a {
		na += float64(x) * float64(x)
	}
	for _, y := range b {
		nb += float64(y) * float64(y)
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
