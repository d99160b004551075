package embedding

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/BaSui01/knowbase/config"
	"github.com/BaSui01/knowbase/internal/tlsutil"
	"github.com/BaSui01/knowbase/types"
)

// SparseVector 稀疏向量：token id → 权重。
// JSON 序列化后 key 为字符串，与向量库 REST 接口的稀疏格式一致。
type SparseVector map[uint32]float64

// emptyTermKey 空文本占位维度，保证稀疏向量永不为空
const emptyTermKey = "__empty__"

// tokenize 简单分词：英文按单词、中文按单字
func tokenize(text string) []string {
	var tokens []string
	var word strings.Builder
	flush := func() {
		if word.Len() > 0 {
			tokens = append(tokens, word.String())
			word.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 0x4e00 && r <= 0x9fff:
			flush()
			tokens = append(tokens, string(r))
		case r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r):
			word.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// termID 将词映射为稳定的 uint32（向量库稀疏 key 要求）
func termID(term string) uint32 {
	sum := md5.Sum([]byte(term))
	v, _ := strconv.ParseUint(hex.EncodeToString(sum[:])[:8], 16, 64)
	return uint32(v)
}

func emptyVector() SparseVector {
	return SparseVector{termID(emptyTermKey): 0.01}
}

// capDims 保留权重最高的 maxDims 个维度
func capDims(vec SparseVector, maxDims int) SparseVector {
	if maxDims <= 0 || len(vec) <= maxDims {
		return vec
	}
	type kv struct {
		id uint32
		w  float64
	}
	items := make([]kv, 0, len(vec))
	for id, w := range vec {
		items = append(items, kv{id, w})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].w > items[j].w })
	out := make(SparseVector, maxDims)
	for _, it := range items[:maxDims] {
		out[it.id] = it.w
	}
	return out
}

// SparseClient 批量生成稀疏向量。
// 配置了远程推理服务时优先调用（BGE-M3/SPLADE 有语义扩展能力），
// 失败或未配置时降级为 TF-IDF 字面统计。
type SparseClient struct {
	cfg    config.SparseConfig
	client *http.Client
	logger *zap.Logger
}

// NewSparseClient 创建稀疏向量客户端
func NewSparseClient(cfg config.SparseConfig, logger *zap.Logger) *SparseClient {
	return &SparseClient{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("component", "sparse_embedding")),
	}
}

// Embed 批量生成稀疏向量，结果顺序与输入一致
func (c *SparseClient) Embed(ctx context.Context, texts []string) ([]SparseVector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	if strings.HasPrefix(c.cfg.APIURL, "http://") || strings.HasPrefix(c.cfg.APIURL, "https://") {
		vectors, err := c.embedRemote(ctx, texts)
		if err == nil && len(vectors) == len(texts) {
			return vectors, nil
		}
		if err != nil {
			c.logger.Warn("sparse API failed, falling back to TF-IDF", zap.Error(err))
		}
	}
	return EmbedTFIDF(texts, c.cfg.MaxDims), nil
}

// EmbedSingle 单条文本生成稀疏向量
func (c *SparseClient) EmbedSingle(ctx context.Context, text string) (SparseVector, error) {
	vectors, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *SparseClient) embedRemote(ctx context.Context, texts []string) ([]SparseVector, error) {
	url := strings.TrimRight(c.cfg.APIURL, "/")
	if !strings.Contains(url, "/encode") && !strings.Contains(url, "/embeddings") {
		url += "/encode"
	}

	reqBody := map[string]any{"texts": texts}
	if strings.Contains(url, "/embeddings") {
		reqBody = map[string]any{"input": texts}
	}
	if strings.Contains(url, "/encode") {
		reqBody["return_sparse"] = true
	}
	if c.cfg.Model != "" {
		reqBody["model"] = c.cfg.Model
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal sparse request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "sparse embedding request failed").WithCause(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read sparse response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("sparse endpoint returned %d", resp.StatusCode))
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("decode sparse response: %w", err)
	}

	var items []json.RawMessage
	for _, key := range []string{"data", "sparse", "results"} {
		if raw, ok := decoded[key]; ok {
			if err := json.Unmarshal(raw, &items); err == nil && items != nil {
				break
			}
		}
	}
	if items == nil {
		return nil, fmt.Errorf("sparse response has no data/sparse/results field")
	}

	vectors := make([]SparseVector, 0, len(items))
	for _, item := range items {
		vec := parseSparseItem(item)
		vec = capDims(vec, c.cfg.MaxDims)
		if len(vec) == 0 {
			vec = emptyVector()
		}
		vectors = append(vectors, vec)
	}
	return vectors, nil
}

// parseSparseItem 兼容多种稀疏向量返回形状：
// {"indices":[...],"values":[...]}、{"123":0.5}、[[id,weight],...]
func parseSparseItem(raw json.RawMessage) SparseVector {
	var withIndices struct {
		Indices []uint32  `json:"indices"`
		Values  []float64 `json:"values"`
	}
	if err := json.Unmarshal(raw, &withIndices); err == nil && len(withIndices.Indices) > 0 {
		vec := make(SparseVector, len(withIndices.Indices))
		for i, id := range withIndices.Indices {
			if i < len(withIndices.Values) {
				vec[id] = withIndices.Values[i]
			}
		}
		return vec
	}

	var asMap map[string]float64
	if err := json.Unmarshal(raw, &asMap); err == nil && len(asMap) > 0 {
		vec := make(SparseVector, len(asMap))
		for k, v := range asMap {
			if id, err := strconv.ParseUint(k, 10, 32); err == nil {
				vec[uint32(id)] = v
			}
		}
		return vec
	}

	var asPairs [][]float64
	if err := json.Unmarshal(raw, &asPairs); err == nil {
		vec := make(SparseVector, len(asPairs))
		for _, pair := range asPairs {
			if len(pair) >= 2 {
				vec[uint32(pair[0])] = pair[1]
			}
		}
		return vec
	}
	return SparseVector{}
}

// EmbedTFIDF TF-IDF 稀疏向量（降级用，无语义扩展）
func EmbedTFIDF(texts []string, maxDims int) []SparseVector {
	if len(texts) == 0 {
		return nil
	}

	allTokens := make([][]string, len(texts))
	docFreq := make(map[string]int)
	for i, t := range texts {
		allTokens[i] = tokenize(t)
		seen := make(map[string]bool)
		for _, tok := range allTokens[i] {
			if !seen[tok] {
				seen[tok] = true
				docFreq[tok]++
			}
		}
	}

	nDocs := float64(len(texts))
	out := make([]SparseVector, 0, len(texts))
	for _, tokens := range allTokens {
		if len(tokens) == 0 {
			out = append(out, emptyVector())
			continue
		}

		tf := make(map[string]int)
		for _, tok := range tokens {
			tf[tok]++
		}
		total := float64(len(tokens))
		vec := make(SparseVector)
		for term, count := range tf {
			tfVal := float64(count) / total
			idfVal := math.Log((nDocs+1)/float64(docFreq[term]+1)) + 1.0
			weight := tfVal * idfVal
			if weight > 1e-6 {
				vec[termID(term)] = math.Round(weight*1e6) / 1e6
			}
		}

		vec = capDims(vec, maxDims)
		if len(vec) == 0 {
			vec = emptyVector()
		}
		out = append(out, vec)
	}
	return out
}
