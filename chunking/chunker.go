package chunking

import (
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/BaSui01/knowbase/chunk"
	"github.com/BaSui01/knowbase/config"
	"github.com/BaSui01/knowbase/parser"
)

// Chunk 切片产出（父块与子块统一结构）
type Chunk struct {
	ID            string
	DocumentID    string
	NotebookID    string
	ChunkIndex    int
	Content       string
	TokenCount    int
	ChunkType     chunk.Type
	PageNumbers   []int
	ParentChunkID *string
	IsParent      bool
}

// 子块递归分割时的重叠 token 数
const childOverlapTokens = 64

// 伪标题识别的单行长度上限（字符）
const pseudoTitleMaxChars = 64

// 图片块无任何可用文本时的占位内容
const imagePlaceholder = "[图片]"

// 漏标为 text 的标题行特征
var pseudoTitlePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s{0,3}#{1,6}\s+\S+`),
	regexp.MustCompile(`^\s*(第[一二三四五六七八九十百千万0-9]+[章节部分篇])`),
	regexp.MustCompile(`^\s*(\d+(?:\.\d+){0,3}|[一二三四五六七八九十]+)\s*[、.)）．]\s*\S+`),
	regexp.MustCompile(`^\s*(附录|目录|前言|引言|总结|结论|参考文献|致谢)\s*$`),
}

var sentenceEndPattern = regexp.MustCompile(`[。！？!?；;]$`)

func isPseudoTitle(text string, maxChars int) bool {
	s := strings.TrimSpace(text)
	if s == "" || strings.Contains(s, "\n") {
		return false
	}
	if len([]rune(s)) > maxChars {
		return false
	}
	if sentenceEndPattern.MatchString(s) {
		return false
	}
	for _, p := range pseudoTitlePatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

func chunkTypeFor(t parser.BlockType) chunk.Type {
	switch {
	case t.IsTableFamily():
		return chunk.TypeTable
	case t.IsImageFamily():
		return chunk.TypeImageCaption
	case t.IsCodeFamily():
		return chunk.TypeCode
	default:
		return chunk.TypeText
	}
}

// Chunker 将 Block 列表切成 Parent-Child 切片
type Chunker struct {
	cfg config.ChunkingConfig
	tok Tokenizer
}

// NewChunker 创建切块器
func NewChunker(cfg config.ChunkingConfig, tok Tokenizer) *Chunker {
	if tok == nil {
		tok = NewTokenizer()
	}
	return &Chunker{cfg: cfg, tok: tok}
}

// ProcessBlocks 版面感知切块主入口
func (c *Chunker) ProcessBlocks(blocks []parser.Block, documentID, notebookID string) []Chunk {
	if len(blocks) == 0 {
		return nil
	}

	b := &builder{
		chunker:     c,
		documentID:  documentID,
		notebookID:  notebookID,
		parentID:    uuid.NewString(),
		parentPages: make(map[int]struct{}),
	}

	for i := range blocks {
		b.consume(&blocks[i])
	}

	// 收尾：先结算未刷新的原子块，再结算最后一个父块
	b.flushTable()
	b.flushImage()
	b.flushCode()
	b.flushParent()

	return b.chunks
}

// ChunkMarkdown 降级切块：解析器只给出 Markdown 时按标题分段
func (c *Chunker) ChunkMarkdown(markdown, documentID, notebookID string) []Chunk {
	if strings.TrimSpace(markdown) == "" {
		return nil
	}
	return c.ProcessBlocks(markdownToBlocks(markdown), documentID, notebookID)
}

// builder 单次切块运行的状态机
type builder struct {
	chunker    *Chunker
	documentID string
	notebookID string

	chunks     []Chunk
	chunkIndex int

	// 当前正在构建的父块
	parentID        string
	parentContent   []string
	parentPages     map[int]struct{}
	parentTokens    int
	pendingChildren []Chunk

	// 上一个非标题 block 的类型（类型突变分段用）
	lastBlockType parser.BlockType
	hasLastType   bool

	// 原子块缓冲：表格/图片/代码按族聚合后整体入库
	pendingTable []*parser.Block
	pendingImage []*parser.Block
	pendingCode  []*parser.Block
}

func (b *builder) count(text string) int { return b.chunker.tok.Count(text) }

func (b *builder) newChild(content string, chunkType chunk.Type, pages []int) Chunk {
	return Chunk{
		ID:          uuid.NewString(),
		DocumentID:  b.documentID,
		NotebookID:  b.notebookID,
		Content:     content,
		TokenCount:  b.count(content),
		ChunkType:   chunkType,
		PageNumbers: pages,
	}
}

func (b *builder) appendToParent(content string, pages []int) {
	b.parentContent = append(b.parentContent, content)
	for _, p := range pages {
		b.parentPages[p] = struct{}{}
	}
	b.parentTokens += b.count(content)
}

func (b *builder) sortedParentPages() []int {
	pages := make([]int, 0, len(b.parentPages))
	for p := range b.parentPages {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages
}

// flushParent 打包当前父块，并把暂存子块关联上
func (b *builder) flushParent() {
	if len(b.parentContent) > 0 {
		content := strings.Join(b.parentContent, "\n\n")
		b.chunks = append(b.chunks, Chunk{
			ID:          b.parentID,
			DocumentID:  b.documentID,
			NotebookID:  b.notebookID,
			ChunkIndex:  b.chunkIndex,
			Content:     content,
			TokenCount:  b.count(content),
			ChunkType:   chunk.TypeText,
			PageNumbers: b.sortedParentPages(),
			IsParent:    true,
		})
		b.chunkIndex++

		parentID := b.parentID
		for i := range b.pendingChildren {
			child := b.pendingChildren[i]
			child.ParentChunkID = &parentID
			child.ChunkIndex = b.chunkIndex
			b.chunks = append(b.chunks, child)
			b.chunkIndex++
		}
	} else {
		for i := range b.pendingChildren {
			child := b.pendingChildren[i]
			child.ChunkIndex = b.chunkIndex
			b.chunks = append(b.chunks, child)
			b.chunkIndex++
		}
	}

	b.parentID = uuid.NewString()
	b.parentContent = nil
	b.parentPages = make(map[int]struct{})
	b.parentTokens = 0
	b.pendingChildren = nil
}

func combineBlocks(blocks []*parser.Block) (string, []int) {
	var parts []string
	pageSet := make(map[int]struct{})
	for _, blk := range blocks {
		if t := blk.DisplayText(); t != "" {
			parts = append(parts, t)
		}
		for _, p := range blk.PageNumbers {
			pageSet[p] = struct{}{}
		}
	}
	pages := make([]int, 0, len(pageSet))
	for p := range pageSet {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return strings.TrimSpace(strings.Join(parts, "\n\n")), pages
}

func (b *builder) flushTable() {
	if len(b.pendingTable) == 0 {
		return
	}
	combined, pages := combineBlocks(b.pendingTable)
	b.pendingTable = nil
	if combined == "" {
		return
	}
	b.appendToParent(combined, pages)
	b.pendingChildren = append(b.pendingChildren, b.newChild(combined, chunk.TypeTable, pages))
	b.lastBlockType, b.hasLastType = parser.BlockTable, true
}

// flushImage 图片族结算。已有外链 URL 的图片各自独立成块
// （content 为 "url\nVLM说明"），其余合并兜底。
func (b *builder) flushImage() {
	if len(b.pendingImage) == 0 {
		return
	}
	var withURL, rest []*parser.Block
	for _, blk := range b.pendingImage {
		if blk.ImageURL != "" {
			withURL = append(withURL, blk)
		} else {
			rest = append(rest, blk)
		}
	}
	b.pendingImage = nil

	for _, blk := range withURL {
		content := blk.ImageURL
		if t := blk.DisplayText(); t != "" {
			content += "\n" + t
		}
		b.appendToParent(content, blk.PageNumbers)
		sorted := append([]int(nil), blk.PageNumbers...)
		sort.Ints(sorted)
		b.pendingChildren = append(b.pendingChildren, b.newChild(content, chunk.TypeImageCaption, sorted))
	}

	if len(rest) > 0 || len(withURL) == 0 {
		combined, pages := combineBlocks(rest)
		if combined == "" {
			combined = imagePlaceholder
		}
		b.appendToParent(combined, pages)
		b.pendingChildren = append(b.pendingChildren, b.newChild(combined, chunk.TypeImageCaption, pages))
	}
	b.lastBlockType, b.hasLastType = parser.BlockImageCaption, true
}

func (b *builder) flushCode() {
	if len(b.pendingCode) == 0 {
		return
	}
	combined, pages := combineBlocks(b.pendingCode)
	b.pendingCode = nil
	if combined == "" {
		return
	}
	wrapped := "\n```\n" + combined + "\n```\n"
	b.appendToParent(wrapped, pages)
	b.pendingChildren = append(b.pendingChildren, b.newChild(wrapped, chunk.TypeCode, pages))
	b.lastBlockType, b.hasLastType = parser.BlockCode, true
}

func (b *builder) consume(blk *parser.Block) {
	cfg := b.chunker.cfg
	blockType := blk.Type

	// ① 噪声直接丢弃
	if blockType.IsNoise() {
		return
	}

	// ② 遇到非本族 block 时先结算已收集的原子块
	if !blockType.IsTableFamily() {
		b.flushTable()
	}
	if !blockType.IsImageFamily() {
		b.flushImage()
	}
	if !blockType.IsCodeFamily() {
		b.flushCode()
	}

	// ③ 原子块族只收集，本轮不产 chunk
	switch {
	case blockType.IsTableFamily():
		b.pendingTable = append(b.pendingTable, blk)
		return
	case blockType.IsImageFamily():
		b.pendingImage = append(b.pendingImage, blk)
		return
	case blockType.IsCodeFamily():
		b.pendingCode = append(b.pendingCode, blk)
		return
	}

	// ④ 公式 / 旁注格式化
	text := blk.DisplayText()
	switch blockType {
	case parser.BlockEquation:
		if text != "" {
			text = "\n$$\n" + text + "\n$$\n"
		}
	case parser.BlockAsideText:
		if text != "" {
			text = "（旁注：" + text + "）"
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	blockTokens := b.count(text)
	isHeading := blockType == parser.BlockTitle ||
		(blockType == parser.BlockText && isPseudoTitle(text, pseudoTitleMaxChars))

	// ⑤ 标题（真实/伪标题）→ 截断父块，开启新段
	if isHeading {
		b.flushParent()
		b.appendToParent(text, blk.PageNumbers)
		b.hasLastType = false
		return
	}

	// ⑥ 软分段：父块已有一定体量时，跨页或类型突变触发截断
	if len(b.parentContent) > 0 &&
		b.parentTokens >= cfg.SoftParentTokens &&
		len(b.pendingChildren) >= cfg.MinChildrenForSoftSplit {
		if b.shouldSoftSplit(blk, blockType) {
			b.flushParent()
		}
	}

	// ⑦ 安全阀：未遇到标题时也不允许父块无限膨胀
	if len(b.parentContent) > 0 &&
		(b.parentTokens >= cfg.MaxParentTokens || b.parentTokens+blockTokens > cfg.MaxParentTokens) {
		b.flushParent()
	}

	// ⑧ 累入父块全局上下文
	b.appendToParent(text, blk.PageNumbers)

	// ⑨ 构造子块（原子块已在族结算中处理，此处仅剩正文类）
	chunkType := chunkTypeFor(blockType)
	if blockTokens > cfg.MaxChildTokens {
		for _, sub := range recursiveSplit(text, b.chunker.tok, cfg.MaxChildTokens, childOverlapTokens) {
			sub = strings.TrimSpace(sub)
			if sub == "" {
				continue
			}
			b.pendingChildren = append(b.pendingChildren, b.newChild(sub, chunkType, blk.PageNumbers))
		}
	} else {
		b.pendingChildren = append(b.pendingChildren, b.newChild(text, chunkType, blk.PageNumbers))
	}
	b.lastBlockType, b.hasLastType = blockType, true
}

func (b *builder) shouldSoftSplit(blk *parser.Block, blockType parser.BlockType) bool {
	// 跨页：新 block 的页码不是当前父块页码的子集
	if len(blk.PageNumbers) > 0 && len(b.parentPages) > 0 {
		for _, p := range blk.PageNumbers {
			if _, ok := b.parentPages[p]; !ok {
				return true
			}
		}
	}
	// 类型突变
	return b.hasLastType && blockType != b.lastBlockType
}
