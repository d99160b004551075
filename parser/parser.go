// Package parser 将上传文件转换为规范化 Block 列表。
//
// 解析链按优先级尝试多个后端（外部 MinerU API → 本地 MinerU 服务 → 本地纯文本
// 提取），任一后端成功即停止；全部失败才视为解析失败。各后端异构的响应
// 在本包内被统一收敛为 Block 形状，下游不感知后端差异。
package parser

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/knowbase/config"
	"github.com/BaSui01/knowbase/types"
)

// supportedExtensions 扩展名 → 解析器名
var supportedExtensions = map[string]string{
	".pdf":      "mineru",
	".docx":     "docx",
	".xlsx":     "excel",
	".xls":      "excel",
	".md":       "markdown",
	".markdown": "markdown",
	".txt":      "txt",
	".text":     "txt",
	".mp3":      "audio",
	".wav":      "audio",
	".m4a":      "audio",
	".webm":     "audio",
}

// IsSupported 报告文件名对应的格式是否可解析
func IsSupported(filename string) bool {
	_, ok := supportedExtensions[extensionOf(filename)]
	return ok
}

// SupportedExtensions 返回排序后的受支持扩展名列表（错误提示用）
func SupportedExtensions() []string {
	out := make([]string, 0, len(supportedExtensions))
	for ext := range supportedExtensions {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

func extensionOf(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}

// Request 一次解析请求
type Request struct {
	Filename string
	Data     []byte
	// FileURL 存储对象的可访问 URL（外部 MinerU API 需要）
	FileURL string
}

// Result 单个后端的解析产出
type Result struct {
	Markdown string
	Blocks   []Block
}

// Empty 报告产出是否为空（既无 Block 也无 Markdown）
func (r *Result) Empty() bool {
	return r == nil || (len(r.Blocks) == 0 && strings.TrimSpace(r.Markdown) == "")
}

// Strategy 解析链中的一个后端
type Strategy interface {
	// Name 后端名（日志与错误信息用）
	Name() string
	// TryParse 尝试解析。返回错误时解析链继续尝试下一个后端。
	TryParse(ctx context.Context, req Request) (*Result, error)
}

// Chain 按序尝试的解析后端链
type Chain struct {
	strategies []Strategy
	logger     *zap.Logger
}

// NewChain 从给定后端构造解析链
func NewChain(logger *zap.Logger, strategies ...Strategy) *Chain {
	return &Chain{
		strategies: strategies,
		logger:     logger.With(zap.String("component", "parser_chain")),
	}
}

// Parse 依次尝试每个后端，返回第一个成功的产出。
// 全部失败时返回携带最后一个错误的 PARSE_FAILED。
func (c *Chain) Parse(ctx context.Context, req Request) (*Result, error) {
	if len(c.strategies) == 0 {
		return nil, types.NewError(types.ErrParseFailed, "no parser backend configured")
	}

	var lastErr error
	for _, s := range c.strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := s.TryParse(ctx, req)
		if err != nil {
			c.logger.Warn("parser backend failed, trying next",
				zap.String("backend", s.Name()),
				zap.String("filename", req.Filename),
				zap.Error(err))
			lastErr = fmt.Errorf("%s: %w", s.Name(), err)
			continue
		}
		if res.Empty() {
			c.logger.Warn("parser backend returned empty result, trying next",
				zap.String("backend", s.Name()),
				zap.String("filename", req.Filename))
			lastErr = fmt.Errorf("%s: empty parse result", s.Name())
			continue
		}

		c.logger.Info("document parsed",
			zap.String("backend", s.Name()),
			zap.String("filename", req.Filename),
			zap.Int("blocks", len(res.Blocks)),
			zap.Int("markdown_chars", len(res.Markdown)))
		return res, nil
	}

	return nil, types.NewError(types.ErrParseFailed, "all parser backends failed").WithCause(lastErr)
}

// Factory 按文件类型组装解析链
type Factory struct {
	mineruCfg config.MinerUConfig
	llmCfg    config.LLMConfig
	logger    *zap.Logger
}

// NewFactory 创建解析链工厂
func NewFactory(mineruCfg config.MinerUConfig, llmCfg config.LLMConfig, logger *zap.Logger) *Factory {
	return &Factory{mineruCfg: mineruCfg, llmCfg: llmCfg, logger: logger}
}

// ChainFor 返回文件对应的解析链。
// PDF 走 MinerU 外部 API → 本地 MinerU → 纯文本提取 的降级链；
// 其他格式直接路由到对应的本地提取器。
func (f *Factory) ChainFor(filename string) (*Chain, error) {
	name, ok := supportedExtensions[extensionOf(filename)]
	if !ok {
		return nil, types.NewError(types.ErrUnsupportedFormat,
			fmt.Sprintf("unsupported file type %q, supported: %s",
				extensionOf(filename), strings.Join(SupportedExtensions(), ", "))).
			WithHTTPStatus(400)
	}

	switch name {
	case "mineru":
		var strategies []Strategy
		if f.mineruCfg.APIToken != "" {
			strategies = append(strategies, NewMinerUExternal(f.mineruCfg, f.logger))
		}
		if f.mineruCfg.LocalBaseURL != "" {
			strategies = append(strategies, NewMinerULocal(f.mineruCfg, f.logger))
		}
		strategies = append(strategies, NewPDFFallback(f.logger))
		return NewChain(f.logger, strategies...), nil
	case "docx":
		return NewChain(f.logger, NewDocx()), nil
	case "excel":
		return NewChain(f.logger, NewExcel()), nil
	case "markdown":
		return NewChain(f.logger, NewMarkdown()), nil
	case "txt":
		return NewChain(f.logger, NewPlainText()), nil
	case "audio":
		return NewChain(f.logger, NewAudio(f.llmCfg, f.logger)), nil
	default:
		return nil, types.NewError(types.ErrUnsupportedFormat, fmt.Sprintf("no parser for %q", name))
	}
}
