package parser

import (
	"encoding/json"
	"strings"
)

// BlockType 规范化后的内容块类型（封闭枚举）。
// 各解析后端的异构 type 字段在规范化边界被统一收敛到这里，
// 下游永远不会看到后端原始的类型字符串。
type BlockType string

const (
	BlockTitle         BlockType = "title"
	BlockText          BlockType = "text"
	BlockTable         BlockType = "table"
	BlockTableCaption  BlockType = "table_caption"
	BlockTableFootnote BlockType = "table_footnote"
	BlockImage         BlockType = "image"
	BlockImageCaption  BlockType = "image_caption"
	BlockImageFootnote BlockType = "image_footnote"
	BlockCode          BlockType = "code"
	BlockCodeCaption   BlockType = "code_caption"
	BlockAlgorithm     BlockType = "algorithm"
	BlockEquation      BlockType = "equation"
	BlockList          BlockType = "list"
	BlockRefText       BlockType = "ref_text"
	BlockAsideText     BlockType = "aside_text"
	BlockHeader        BlockType = "header"
	BlockFooter        BlockType = "footer"
	BlockPageNumber    BlockType = "page_number"
	BlockPhonetic      BlockType = "phonetic"
)

// 噪声丢弃 / 原子块聚合 族划分
var (
	noiseTypes = map[BlockType]bool{
		BlockHeader: true, BlockFooter: true, BlockPageNumber: true, BlockPhonetic: true,
	}
	tableFamily = map[BlockType]bool{
		BlockTable: true, BlockTableCaption: true, BlockTableFootnote: true,
	}
	imageFamily = map[BlockType]bool{
		BlockImage: true, BlockImageCaption: true, BlockImageFootnote: true,
	}
	codeFamily = map[BlockType]bool{
		BlockCode: true, BlockCodeCaption: true, BlockAlgorithm: true,
	}
)

// IsNoise 报告该类型是否属于噪声块（页眉/页脚/页码等），切块前直接丢弃。
func (t BlockType) IsNoise() bool { return noiseTypes[t] }

// IsTableFamily 报告该类型是否属于表格族。
func (t BlockType) IsTableFamily() bool { return tableFamily[t] }

// IsImageFamily 报告该类型是否属于图片族。
func (t BlockType) IsImageFamily() bool { return imageFamily[t] }

// IsCodeFamily 报告该类型是否属于代码族。
func (t BlockType) IsCodeFamily() bool { return codeFamily[t] }

// Block 解析后端产出的规范化内容单元（流水线内部瞬态数据）。
type Block struct {
	Type        BlockType `json:"type"`
	Text        string    `json:"text"`
	PageNumbers []int     `json:"page_numbers,omitempty"`
	// ImageBytes 嵌入图片的原始字节（上传对象存储前）
	ImageBytes []byte `json:"-"`
	// ImageURL 图片上传后的可访问 URL
	ImageURL string `json:"image_url,omitempty"`
	// TableBody 表格原始 Markdown（部分后端与 Text 分离）
	TableBody string `json:"table_body,omitempty"`
}

// DisplayText 返回用于展示/入库的文本。表格族优先取 TableBody。
func (b *Block) DisplayText() string {
	if b.Type.IsTableFamily() && strings.TrimSpace(b.TableBody) != "" {
		return strings.TrimSpace(b.TableBody)
	}
	return strings.TrimSpace(b.Text)
}

// NormalizeBlockType 统一各版本解析后端的 block type 名称。
// 接受整数编码（旧版 MinerU）与字符串两种形式，未识别的一律归为 text。
func NormalizeBlockType(raw any) BlockType {
	switch v := raw.(type) {
	case nil:
		return BlockText
	case float64:
		return intBlockType(int(v))
	case int:
		return intBlockType(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return intBlockType(int(i))
		}
		return BlockText
	case string:
		return stringBlockType(v)
	default:
		return BlockText
	}
}

func intBlockType(i int) BlockType {
	switch i {
	case 1:
		return BlockTitle
	case 3:
		return BlockTable
	case 4:
		return BlockImage
	case 5:
		return BlockImageCaption
	default:
		return BlockText
	}
}

func stringBlockType(s string) BlockType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "plain_text", "paragraph":
		return BlockText
	case "title", "heading":
		return BlockTitle
	case "table":
		return BlockTable
	case "table_caption":
		return BlockTableCaption
	case "table_footnote":
		return BlockTableFootnote
	case "image", "figure", "image_body", "img", "picture":
		return BlockImage
	case "image_caption", "figure_caption", "caption":
		return BlockImageCaption
	case "image_footnote":
		return BlockImageFootnote
	case "code":
		return BlockCode
	case "code_caption":
		return BlockCodeCaption
	case "algorithm":
		return BlockAlgorithm
	case "interline_equation", "equation":
		return BlockEquation
	case "list":
		return BlockList
	case "ref_text":
		return BlockRefText
	case "aside_text":
		return BlockAsideText
	case "header":
		return BlockHeader
	case "footer":
		return BlockFooter
	case "page_number":
		return BlockPageNumber
	case "phonetic":
		return BlockPhonetic
	default:
		return BlockText
	}
}

// NormalizePages 统一 page_idx 字段格式（int / float / 数组）为 []int。
func NormalizePages(raw any) []int {
	switch v := raw.(type) {
	case nil:
		return nil
	case int:
		return []int{v}
	case float64:
		return []int{int(v)}
	case []int:
		return v
	case []any:
		out := make([]int, 0, len(v))
		for _, e := range v {
			switch n := e.(type) {
			case float64:
				out = append(out, int(n))
			case int:
				out = append(out, n)
			}
		}
		return out
	default:
		return nil
	}
}
