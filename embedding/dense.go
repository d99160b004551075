// Package embedding 稠密与稀疏向量生成。
//
// Dense 走 OpenAI 兼容接口（默认 DashScope text-embedding-v4），自动分批、
// 限速、失败重试；Sparse 优先调用 BGE-M3/SPLADE 推理服务，不可用时降级
// 为 TF-IDF 字面统计。
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/knowbase/config"
	"github.com/BaSui01/knowbase/internal/tlsutil"
	"github.com/BaSui01/knowbase/types"
)

// DenseClient 批量生成稠密向量
type DenseClient struct {
	cfg     config.EmbeddingConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewDenseClient 创建稠密向量客户端
func NewDenseClient(cfg config.EmbeddingConfig, logger *zap.Logger) *DenseClient {
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &DenseClient{
		cfg:     cfg,
		client:  tlsutil.SecureHTTPClient(cfg.Timeout),
		limiter: limiter,
		logger:  logger.With(zap.String("component", "dense_embedding")),
	}
}

// Dimensions 返回向量维度
func (c *DenseClient) Dimensions() int { return c.cfg.Dimensions }

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed 批量生成稠密向量，自动分批并发调用，结果顺序与输入一致
func (c *DenseClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	batchSize := c.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	if c.cfg.MaxConcurrency > 0 {
		g.SetLimit(c.cfg.MaxConcurrency)
	}

	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		start, end := start, end
		g.Go(func() error {
			vectors, err := c.embedBatch(gctx, texts[start:end])
			if err != nil {
				return err
			}
			copy(out[start:end], vectors)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// EmbedSingle 单条文本生成稠密向量
func (c *DenseClient) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *DenseClient) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	req := embeddingRequest{Model: c.cfg.Model, Input: batch}
	// text-embedding-v 系列支持 dimensions 参数，保持与向量库 schema 一致
	if strings.Contains(c.cfg.Model, "text-embedding-v") {
		req.Dimensions = c.cfg.Dimensions
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	var lastErr error
	attempts := c.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
			c.logger.Warn("retrying embedding batch",
				zap.Int("attempt", attempt),
				zap.Int("batch_size", len(batch)),
				zap.Error(lastErr))
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		vectors, err := c.doEmbed(ctx, body, len(batch))
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if !types.IsRetryable(err) {
			break
		}
	}
	return nil, types.NewError(types.ErrEmbeddingFailed, "dense embedding failed").WithCause(lastErr)
}

func (c *DenseClient) doEmbed(ctx context.Context, body []byte, want int) ([][]float32, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/embeddings"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "embedding request failed").
			WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("embedding endpoint returned %d", resp.StatusCode)).
			WithRetryable(retryable)
	}

	var out embeddingResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(out.Data) != want {
		return nil, types.NewError(types.ErrEmbeddingFailed,
			fmt.Sprintf("embedding count mismatch: want %d, got %d", want, len(out.Data)))
	}

	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })
	vectors := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}
