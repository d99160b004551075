// Package vectorstore Milvus 向量库访问层（REST API v2）。
//
// 集合 schema 为 Dense+Sparse 双向量：chunk_id 主键、notebook_id/document_id/
// chunk_type 过滤字段、metadata JSON、dense_vector (HNSW/COSINE)、
// sparse_vector (SPARSE_INVERTED_INDEX/IP)。只有子块向量入库，父块不进向量库。
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/knowbase/config"
	"github.com/BaSui01/knowbase/embedding"
	"github.com/BaSui01/knowbase/internal/tlsutil"
	"github.com/BaSui01/knowbase/types"
)

// Row 待写入的子块向量行
type Row struct {
	ChunkID    string
	NotebookID string
	DocumentID string
	ChunkType  string
	Metadata   map[string]any
	Dense      []float32
	Sparse     embedding.SparseVector
}

// Hit 向量召回结果
type Hit struct {
	ChunkID    string
	DocumentID string
	ChunkType  string
	Score      float64
	Metadata   map[string]any
}

// Filter 召回范围过滤
type Filter struct {
	NotebookID  string
	DocumentIDs []string
	ChunkTypes  []string
}

// expr 构造 Milvus 过滤表达式
func (f Filter) expr() string {
	parts := []string{fmt.Sprintf("notebook_id == '%s'", escapeQuotes(f.NotebookID))}
	if len(f.DocumentIDs) > 0 {
		parts = append(parts, fmt.Sprintf("document_id in [%s]", quoteList(f.DocumentIDs)))
	}
	if len(f.ChunkTypes) > 0 {
		parts = append(parts, fmt.Sprintf("chunk_type in [%s]", quoteList(f.ChunkTypes)))
	}
	return strings.Join(parts, " and ")
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), "'", `\'`)
}

func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = "'" + escapeQuotes(item) + "'"
	}
	return strings.Join(quoted, ", ")
}

// Store Milvus 向量库客户端
type Store struct {
	cfg    config.MilvusConfig
	client *http.Client
	logger *zap.Logger

	ensureOnce sync.Once
	ensureErr  error
}

// NewStore 创建 Milvus 客户端
func NewStore(cfg config.MilvusConfig, logger *zap.Logger) *Store {
	return &Store{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("component", "milvus_store")),
	}
}

func (s *Store) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
}

// doJSON 执行 JSON 请求并解码响应。
// Milvus REST API 出错时也可能返回 200，以响应体里的 code 为准。
func (s *Store) doJSON(ctx context.Context, path string, in any, out any) error {
	endpoint := strings.TrimRight(s.cfg.BaseURL, "/") + path

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return types.NewError(types.ErrVectorStoreError, "milvus request failed").
			WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var baseResp struct {
		Code    int    `json:"code"`
		Message string `json:"message,omitempty"`
	}
	if err := json.Unmarshal(respBody, &baseResp); err == nil && baseResp.Code != 0 {
		return types.NewError(types.ErrVectorStoreError,
			fmt.Sprintf("milvus error: code=%d message=%s", baseResp.Code, baseResp.Message)).
			WithRetryable(true)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.NewError(types.ErrVectorStoreError,
			fmt.Sprintf("milvus request failed: path=%s status=%d", path, resp.StatusCode)).
			WithRetryable(resp.StatusCode >= 500)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// ============ 📦 集合初始化 ============

// EnsureCollection 首次使用时创建集合与索引（进程内只执行一次）
func (s *Store) EnsureCollection(ctx context.Context) error {
	s.ensureOnce.Do(func() {
		s.ensureErr = s.createIfNotExists(ctx)
	})
	return s.ensureErr
}

// Ping 探测 Milvus 可达性，就绪探针使用
func (s *Store) Ping(ctx context.Context) error {
	var resp struct {
		Data struct {
			Has bool `json:"has"`
		} `json:"data"`
	}
	return s.doJSON(ctx, "/v2/vectordb/collections/has", map[string]any{
		"dbName":         s.cfg.Database,
		"collectionName": s.cfg.Collection,
	}, &resp)
}

func (s *Store) createIfNotExists(ctx context.Context) error {
	var hasResp struct {
		Data struct {
			Has bool `json:"has"`
		} `json:"data"`
	}
	err := s.doJSON(ctx, "/v2/vectordb/collections/has", map[string]any{
		"dbName":         s.cfg.Database,
		"collectionName": s.cfg.Collection,
	}, &hasResp)
	if err != nil {
		return fmt.Errorf("check collection existence: %w", err)
	}
	if hasResp.Data.Has {
		return nil
	}

	if err := s.createCollection(ctx); err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	if err := s.createIndexes(ctx); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	if err := s.loadCollection(ctx); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}

	s.logger.Info("collection created and loaded",
		zap.String("collection", s.cfg.Collection),
		zap.Int("dimension", s.cfg.VectorDimension))
	return nil
}

func (s *Store) createCollection(ctx context.Context) error {
	schema := map[string]any{
		"autoId": false,
		"fields": []map[string]any{
			{
				"fieldName": "chunk_id",
				"dataType":  "VarChar",
				"isPrimary": true,
				"elementTypeParams": map[string]any{
					"max_length": 64,
				},
			},
			{
				"fieldName": "notebook_id",
				"dataType":  "VarChar",
				"elementTypeParams": map[string]any{
					"max_length": 64,
				},
			},
			{
				"fieldName": "document_id",
				"dataType":  "VarChar",
				"elementTypeParams": map[string]any{
					"max_length": 64,
				},
			},
			{
				"fieldName": "chunk_type",
				"dataType":  "VarChar",
				"elementTypeParams": map[string]any{
					"max_length": 32,
				},
			},
			{
				"fieldName": "metadata",
				"dataType":  "JSON",
			},
			{
				"fieldName": "dense_vector",
				"dataType":  "FloatVector",
				"elementTypeParams": map[string]any{
					"dim": s.cfg.VectorDimension,
				},
			},
			{
				"fieldName": "sparse_vector",
				"dataType":  "SparseFloatVector",
			},
		},
	}
	return s.doJSON(ctx, "/v2/vectordb/collections/create", map[string]any{
		"dbName":         s.cfg.Database,
		"collectionName": s.cfg.Collection,
		"schema":         schema,
	}, nil)
}

func (s *Store) createIndexes(ctx context.Context) error {
	return s.doJSON(ctx, "/v2/vectordb/indexes/create", map[string]any{
		"dbName":         s.cfg.Database,
		"collectionName": s.cfg.Collection,
		"indexParams": []map[string]any{
			{
				"fieldName":  "dense_vector",
				"indexName":  "dense_hnsw",
				"metricType": "COSINE",
				"indexType":  "HNSW",
				"params": map[string]any{
					"M":              16,
					"efConstruction": 256,
				},
			},
			{
				"fieldName":  "sparse_vector",
				"indexName":  "sparse_inverted",
				"metricType": "IP",
				"indexType":  "SPARSE_INVERTED_INDEX",
				"params": map[string]any{
					"drop_ratio_build": 0.2,
				},
			},
		},
	}, nil)
}

func (s *Store) loadCollection(ctx context.Context) error {
	return s.doJSON(ctx, "/v2/vectordb/collections/load", map[string]any{
		"dbName":         s.cfg.Database,
		"collectionName": s.cfg.Collection,
	}, nil)
}

// ============ ✍️ 写入 ============

// Upsert 批量写入子块向量，失败按指数退避重试
func (s *Store) Upsert(ctx context.Context, rows []Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := s.EnsureCollection(ctx); err != nil {
		return 0, err
	}

	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 200
	}

	inserted := 0
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.upsertBatch(ctx, rows[start:end]); err != nil {
			return inserted, err
		}
		inserted += end - start
	}

	if s.cfg.FlushAfterUpsert {
		if err := s.flush(ctx); err != nil {
			s.logger.Warn("flush after upsert failed", zap.Error(err))
		}
	}
	return inserted, nil
}

func (s *Store) upsertBatch(ctx context.Context, batch []Row) error {
	data := make([]map[string]any, len(batch))
	for i, row := range batch {
		metadata := row.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		data[i] = map[string]any{
			"chunk_id":      row.ChunkID,
			"notebook_id":   row.NotebookID,
			"document_id":   row.DocumentID,
			"chunk_type":    row.ChunkType,
			"metadata":      metadata,
			"dense_vector":  row.Dense,
			"sparse_vector": row.Sparse,
		}
	}
	req := map[string]any{
		"dbName":         s.cfg.Database,
		"collectionName": s.cfg.Collection,
		"data":           data,
	}

	var lastErr error
	for attempt := 0; attempt <= s.cfg.UpsertRetries; attempt++ {
		if attempt > 0 {
			backoff := s.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			s.logger.Warn("milvus upsert retry",
				zap.Int("attempt", attempt),
				zap.Int("batch_size", len(batch)),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		lastErr = s.doJSON(ctx, "/v2/vectordb/entities/upsert", req, nil)
		if lastErr == nil {
			return nil
		}
		if !types.IsRetryable(lastErr) {
			break
		}
	}
	return lastErr
}

func (s *Store) flush(ctx context.Context) error {
	return s.doJSON(ctx, "/v2/vectordb/collections/flush", map[string]any{
		"dbName":         s.cfg.Database,
		"collectionName": s.cfg.Collection,
	}, nil)
}

// ============ 🔍 召回 ============

var searchOutputFields = []string{"chunk_id", "document_id", "chunk_type", "metadata"}

type searchResponse struct {
	Data []struct {
		ChunkID    string          `json:"chunk_id"`
		DocumentID string          `json:"document_id"`
		ChunkType  string          `json:"chunk_type"`
		Distance   float64         `json:"distance"`
		Metadata   json.RawMessage `json:"metadata"`
	} `json:"data"`
}

// SearchDense 稠密向量召回（COSINE）
func (s *Store) SearchDense(ctx context.Context, vector []float32, topK int, filter Filter) ([]Hit, error) {
	return s.search(ctx, "dense_vector", vector, topK, filter, map[string]any{
		"metricType": "COSINE",
		"params":     map[string]any{"ef": 128},
	})
}

// SearchSparse 稀疏向量召回（IP）
func (s *Store) SearchSparse(ctx context.Context, vector embedding.SparseVector, topK int, filter Filter) ([]Hit, error) {
	return s.search(ctx, "sparse_vector", vector, topK, filter, map[string]any{
		"metricType": "IP",
		"params":     map[string]any{},
	})
}

func (s *Store) search(ctx context.Context, annsField string, vector any, topK int, filter Filter, searchParams map[string]any) ([]Hit, error) {
	var resp searchResponse
	err := s.doJSON(ctx, "/v2/vectordb/entities/search", map[string]any{
		"dbName":         s.cfg.Database,
		"collectionName": s.cfg.Collection,
		"data":           []any{vector},
		"annsField":      annsField,
		"limit":          topK,
		"filter":         filter.expr(),
		"outputFields":   searchOutputFields,
		"searchParams":   searchParams,
	}, &resp)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(resp.Data))
	for _, item := range resp.Data {
		hit := Hit{
			ChunkID:    item.ChunkID,
			DocumentID: item.DocumentID,
			ChunkType:  item.ChunkType,
			Score:      item.Distance,
		}
		if len(item.Metadata) > 0 {
			_ = json.Unmarshal(item.Metadata, &hit.Metadata)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// ============ 🗑️ 删除与统计 ============

// DeleteByDocument 按 document_id 删除全部向量
func (s *Store) DeleteByDocument(ctx context.Context, documentID string) error {
	return s.doJSON(ctx, "/v2/vectordb/entities/delete", map[string]any{
		"dbName":         s.cfg.Database,
		"collectionName": s.cfg.Collection,
		"filter":         fmt.Sprintf("document_id == '%s'", escapeQuotes(documentID)),
	}, nil)
}

// DeleteByIDs 按 chunk_id 列表删除
func (s *Store) DeleteByIDs(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	return s.doJSON(ctx, "/v2/vectordb/entities/delete", map[string]any{
		"dbName":         s.cfg.Database,
		"collectionName": s.cfg.Collection,
		"filter":         fmt.Sprintf("chunk_id in [%s]", quoteList(chunkIDs)),
	}, nil)
}

// Count 返回笔记本内的向量条数
func (s *Store) Count(ctx context.Context, notebookID string) (int, error) {
	var resp struct {
		Data []map[string]any `json:"data"`
	}
	err := s.doJSON(ctx, "/v2/vectordb/entities/query", map[string]any{
		"dbName":         s.cfg.Database,
		"collectionName": s.cfg.Collection,
		"filter":         fmt.Sprintf("notebook_id == '%s'", escapeQuotes(notebookID)),
		"outputFields":   []string{"count(*)"},
	}, &resp)
	if err != nil {
		return 0, err
	}
	if len(resp.Data) == 0 {
		return 0, nil
	}
	for _, v := range resp.Data[0] {
		if n, ok := v.(float64); ok {
			return int(n), nil
		}
	}
	return 0, nil
}
