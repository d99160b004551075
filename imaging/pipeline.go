// Package imaging 图片 block 预处理（上传 + VLM 初筛 + 专家分支 + 融合）。
//
// 解析出的图片 block 统一上传对象存储并把预签名 URL 写回 block，
// 切块时以该 URL 作为切片内容的首行。开启视觉模型后再做两段式理解：
// 先初筛图片类别（流程图 / 数据图表 / 照片 / 其他），
// 再走对应的专家提示词，最后把原注与解析结果融合覆盖 block 文本。
package imaging

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/knowbase/chunking"
	"github.com/BaSui01/knowbase/parser"
	"github.com/BaSui01/knowbase/storage"
)

// 图片类别标签
const (
	TypeFlowchart = "FLOWCHART"
	TypeChart     = "CHART"
	TypePhoto     = "PHOTO"
	TypeOther     = "OTHER"
)

const (
	chartOutputMaxTokens = 1500
	visionMaxTokens      = 1024
	flowchartMaxTokens   = 2048
)

const triagePrompt = `请分析这张图片，仅输出其类别。只能从以下四个词中严格选择一个（只输出一个单词）：
FLOWCHART
CHART
PHOTO
OTHER

说明：FLOWCHART=流程图/架构图/拓扑图/脑图；CHART=柱状图/折线图/饼图/数据图表；PHOTO=普通照片/截图；OTHER=其他。`

const chartPrompt = `这是一张数据类图表（柱状图、折线图、饼图或表格图）。请完成以下任务，便于后续检索与理解：

1. 用 Markdown 表格形式列出图中的主要数据（行列对应图例与坐标）。
2. 简要写出关键数值、占比或趋势结论（一两句话）。
3. 若图中有标题、图例、坐标轴标签，请在描述中体现。

请直接输出：先表格，再简短结论。不要输出与图表无关的内容。`

const photoPrompt = "请生成一段简洁的图片描述，便于检索与理解。"

func flowchartPrompt(headingStack []string) string {
	ctx := "无"
	if len(headingStack) > 0 {
		ctx = strings.Join(headingStack, " > ")
	}
	return fmt.Sprintf(`你是一个资深的架构分析师。请结合这张图所在的文档上下文（章节：%s）：
1. 详细描述该图纸或流程图中包含的所有核心组件/模块。
2. 梳理并列出这些组件之间的连接关系、数据流向或控制逻辑。
3. 请使用专业的工程术语，以 Markdown 列表格式输出。`, ctx)
}

// Uploader 图片上传能力
type Uploader interface {
	UploadImage(ctx context.Context, notebookID, documentID string, img []byte) (string, error)
}

// Vision 视觉理解能力
type Vision interface {
	VisionAvailable() bool
	DescribeImage(ctx context.Context, prompt string, image []byte, maxTokens int) (string, error)
}

// Pipeline 图片预处理流水线
type Pipeline struct {
	store  Uploader
	vision Vision
	logger *zap.Logger
}

// NewPipeline 创建流水线。store 为 nil 时跳过上传，vision 为 nil 时跳过理解。
func NewPipeline(store Uploader, vision Vision, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:  store,
		vision: vision,
		logger: logger.With(zap.String("component", "image_pipeline")),
	}
}

// Options 控制一次预处理的行为
type Options struct {
	// Recaption 为 true 时忽略历史说明，强制重新做视觉理解
	Recaption bool
	// PriorCaptions 上一轮解析留下的图片说明，键为 storage.ImageContentKey
	PriorCaptions map[string]string
}

// Preprocess 就地处理图片类 block：
// 1) 有图像字节的一律上传并写 ImageURL（对象名按内容哈希，重复上传幂等）；
// 2) 视觉模型可用时生成/融合说明覆盖 block 文本；
//    同一张图已有历史说明且未要求重新理解时直接复用，不再调模型。
// 单张失败只记日志，保留 MinerU 原注。
func (p *Pipeline) Preprocess(ctx context.Context, blocks []*parser.Block, notebookID, documentID string, opts Options) {
	headingStacks := buildHeadingStacks(blocks)

	for i, block := range blocks {
		if !block.Type.IsImageFamily() || len(block.ImageBytes) == 0 {
			continue
		}
		if p.store != nil && block.ImageURL == "" {
			url, err := p.store.UploadImage(ctx, notebookID, documentID, block.ImageBytes)
			if err != nil {
				p.logger.Warn("image upload failed", zap.Error(err))
			} else {
				block.ImageURL = url
			}
		}
		if p.vision == nil || !p.vision.VisionAvailable() {
			continue
		}
		if !opts.Recaption {
			if prior, ok := opts.PriorCaptions[storage.ImageContentKey(block.ImageBytes)]; ok && prior != "" {
				block.Text = prior
				continue
			}
		}
		if text, err := p.describe(ctx, block, headingStacks[i]); err != nil {
			p.logger.Warn("image understanding failed, keeping original caption", zap.Error(err))
		} else if text != "" {
			block.Text = text
		}
	}
}

// buildHeadingStacks 为每个 block 记录到其位置为止的标题栈
func buildHeadingStacks(blocks []*parser.Block) [][]string {
	stacks := make([][]string, len(blocks))
	var stack []string
	for i, b := range blocks {
		if b.Type == parser.BlockTitle {
			if text := strings.TrimSpace(b.Text); text != "" {
				stack = append(stack, text)
			}
		}
		stacks[i] = append([]string(nil), stack...)
	}
	return stacks
}

// describe 初筛 → 专家分支 → 融合
func (p *Pipeline) describe(ctx context.Context, block *parser.Block, headingStack []string) (string, error) {
	imageType := p.classify(ctx, block.ImageBytes)

	var extracted string
	var err error
	switch imageType {
	case TypeFlowchart:
		extracted, err = p.vision.DescribeImage(ctx, flowchartPrompt(headingStack), block.ImageBytes, flowchartMaxTokens)
	case TypeChart:
		extracted, err = p.vision.DescribeImage(ctx, chartPrompt, block.ImageBytes, flowchartMaxTokens)
		if err == nil {
			extracted = truncateToTokens(extracted, chartOutputMaxTokens)
		}
	default:
		extracted, err = p.vision.DescribeImage(ctx, photoPrompt, block.ImageBytes, visionMaxTokens)
	}
	if err != nil {
		return "", err
	}
	return fusionContent(strings.TrimSpace(block.Text), strings.TrimSpace(extracted)), nil
}

// classify VLM 初筛，失败归为 OTHER
func (p *Pipeline) classify(ctx context.Context, image []byte) string {
	out, err := p.vision.DescribeImage(ctx, triagePrompt, image, visionMaxTokens)
	if err != nil {
		p.logger.Warn("image triage failed", zap.Error(err))
		return TypeOther
	}
	upper := strings.ToUpper(strings.TrimSpace(out))
	for _, label := range []string{TypeFlowchart, TypeChart, TypePhoto, TypeOther} {
		if strings.Contains(upper, label) {
			return label
		}
	}
	return TypeOther
}

// fusionContent 融合原注与解析内容
func fusionContent(originalCaption, extracted string) string {
	parts := []string{"【图表/图像分析】"}
	if originalCaption != "" {
		parts = append(parts, "原注："+originalCaption)
	}
	if extracted != "" {
		parts = append(parts, "解析内容：\n"+extracted)
	}
	if originalCaption == "" && extracted == "" {
		parts = append(parts, "（无可用描述）")
	}
	return strings.Join(parts, "\n")
}

const truncateSuffix = "\n\n[... 已截断]"

func truncateToTokens(text string, maxTokens int) string {
	if chunking.EstimateTokens(text) <= maxTokens {
		return text
	}
	maxChars := maxTokens*3 - len([]rune(truncateSuffix))
	runes := []rune(text)
	if maxChars > len(runes) {
		maxChars = len(runes)
	}
	return strings.TrimRight(string(runes[:maxChars]), " \n\t") + truncateSuffix
}
