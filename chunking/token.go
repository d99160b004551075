// Package chunking 版面感知切块引擎。
//
// 将解析出的结构化 Block 转化为 Parent-Child 切片集合：
//
// Parent（父块）以标题为界聚合整节内容，只入 PostgreSQL，检索时作为
// LLM 的全局上下文返回，不做向量化（避免长文本语义模糊）。
//
// Child（子块）是父块内的自然段落、整张表格、图片说明或代码块，
// 短小精悍，进入向量库参与 Dense+Sparse 召回。
//
// 表格/图片/代码按族聚合成原子块整体入库，避免撕裂；解析器只给出
// Markdown 时按标题降级分段。
package chunking

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer 计算文本 token 数
type Tokenizer interface {
	Count(text string) int
}

// EstimateTokens 近似 token 估算：中文 ~1.5 字符/token，其余 ~4 字符/token
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	cn := 0
	total := 0
	for _, r := range text {
		total++
		if r >= 0x4e00 && r <= 0x9fff {
			cn++
		}
	}
	other := total - cn
	return int(float64(cn)/1.5+float64(other)/4) + 1
}

// Estimator 纯估算计数器（无词表依赖，测试与兜底用）
type Estimator struct{}

func (Estimator) Count(text string) int { return EstimateTokens(text) }

// TiktokenCounter 基于 cl100k_base 词表的精确计数器，词表加载失败时退回估算
type TiktokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenizer 返回默认计数器
func NewTokenizer() Tokenizer {
	return &TiktokenCounter{}
}

func (t *TiktokenCounter) Count(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err == nil {
			t.enc = enc
		}
	})
	if t.enc == nil {
		return EstimateTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}
