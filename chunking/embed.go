package chunking

import (
	"strings"

	"github.com/BaSui01/knowbase/chunk"
)

// 巨型切片截断时追加的省略提示
const truncationNotice = "\n\n[... 内容过长已截断，完整内容检索时仍会返回 ...]"

// ContentForEmbedding 返回参与向量化的文本。
//
// 带外链的图片切片 content 存为 "url\nVLM说明"，只有说明文字参与向量化；
// 仅剩 URL 或占位符时返回空（不做语义向量化）。无外链的图片切片首行
// 就是说明文字本身，不能剥掉。
// 超过 Embedding 模型 token 上限的文本按近似字符数截断，完整 content
// 仍保留在切片中，检索时原样返回给 LLM。
func ContentForEmbedding(content string, chunkType chunk.Type, tok Tokenizer, maxTokens int) string {
	if chunkType == chunk.TypeImageCaption && content != "" {
		first, after, found := strings.Cut(content, "\n")
		switch {
		case isImageURLLine(first) && found:
			content = strings.TrimSpace(after)
		case isImageURLLine(first):
			content = ""
		case content == imagePlaceholder:
			content = ""
		}
	}
	if content == "" || tok.Count(content) <= maxTokens {
		return content
	}

	maxChars := maxTokens*approxCharsPerToken - 20
	runes := []rune(content)
	if maxChars > len(runes) {
		maxChars = len(runes)
	}
	truncated := strings.TrimRight(string(runes[:maxChars]), " \t\n")
	return truncated + truncationNotice
}

// isImageURLLine 判断首行是不是对象存储外链
func isImageURLLine(line string) bool {
	line = strings.TrimSpace(line)
	return strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://")
}
