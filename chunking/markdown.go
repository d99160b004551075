package chunking

import (
	"regexp"
	"strings"

	"github.com/BaSui01/knowbase/parser"
)

var (
	headingPattern       = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	markdownImagePattern = regexp.MustCompile(`!\[[^\]]*\]\([^)]+\)`)
)

// markdownToBlocks 把 Markdown 文本模拟成结构化 Block 列表
func markdownToBlocks(markdown string) []parser.Block {
	var blocks []parser.Block

	appendParagraphs := func(text string) {
		for _, para := range strings.Split(text, "\n\n") {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}
			blocks = append(blocks, parser.Block{Type: detectBlockType(para), Text: para})
		}
	}

	headings := headingPattern.FindAllStringIndex(markdown, -1)
	if len(headings) == 0 {
		appendParagraphs(markdown)
		return blocks
	}

	// 首个标题前的前言
	if headings[0][0] > 0 {
		appendParagraphs(markdown[:headings[0][0]])
	}

	for i, loc := range headings {
		end := len(markdown)
		if i+1 < len(headings) {
			end = headings[i+1][0]
		}
		section := strings.TrimSpace(markdown[loc[0]:end])

		titleLine, body, _ := strings.Cut(section, "\n")
		blocks = append(blocks, parser.Block{Type: parser.BlockTitle, Text: strings.TrimSpace(titleLine)})
		if body = strings.TrimSpace(body); body != "" {
			appendParagraphs(body)
		}
	}
	return blocks
}

// detectBlockType 从 Markdown 内容推断 block 类型
func detectBlockType(text string) parser.BlockType {
	pipeLines := 0
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "|") && strings.HasSuffix(line, "|") {
			pipeLines++
		}
	}
	if pipeLines >= 2 {
		return parser.BlockTable
	}
	if markdownImagePattern.MatchString(text) {
		return parser.BlockImageCaption
	}
	return parser.BlockText
}
