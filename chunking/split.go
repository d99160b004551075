package chunking

import "strings"

// 超长段落的切分分隔符，按优先级从粗到细
var splitSeparators = []string{"\n\n", "\n", "。", ". ", "；", "; ", "，", ", "}

// 强制切割时的近似换算
const approxCharsPerToken = 3

func splitBySeparators(text string, separators []string) []string {
	if len(separators) == 0 {
		return []string{text}
	}
	sep, rest := separators[0], separators[1:]

	raw := strings.Split(text, sep)
	parts := raw[:0:0]
	for _, p := range raw {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) <= 1 && len(rest) > 0 {
		return splitBySeparators(text, rest)
	}
	return parts
}

// recursiveSplit 递归分割超长文本到目标 token 数以内
func recursiveSplit(text string, tok Tokenizer, maxTokens, overlapTokens int) []string {
	if tok.Count(text) <= maxTokens {
		return []string{text}
	}

	parts := splitBySeparators(text, splitSeparators)
	if len(parts) <= 1 {
		return forceSplit(text, maxTokens, overlapTokens)
	}

	var result []string
	buffer := ""
	for _, part := range parts {
		candidate := part
		if buffer != "" {
			candidate = strings.TrimSpace(buffer + "\n\n" + part)
		}
		if tok.Count(candidate) <= maxTokens {
			buffer = candidate
			continue
		}
		if buffer != "" {
			result = append(result, buffer)
		}
		if tok.Count(part) > maxTokens {
			result = append(result, recursiveSplit(part, tok, maxTokens, overlapTokens)...)
			buffer = ""
		} else {
			buffer = part
		}
	}
	if buffer != "" {
		result = append(result, buffer)
	}
	return result
}

// forceSplit 无可用分隔符时按字符硬切，带重叠窗口
func forceSplit(text string, maxTokens, overlapTokens int) []string {
	runes := []rune(text)
	chunkSize := maxTokens * approxCharsPerToken
	overlapSize := overlapTokens * approxCharsPerToken
	if chunkSize <= overlapSize {
		overlapSize = 0
	}

	var result []string
	for start := 0; start < len(runes); {
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		result = append(result, string(runes[start:end]))
		if end >= len(runes) {
			break
		}
		start = end - overlapSize
	}
	return result
}
