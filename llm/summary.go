package llm

import (
	"context"
	"strings"
)

const summaryPrompt = "你是一位文档总结助手。请根据以下文档内容，用 2～4 句话概括文档的主要内容和用途。" +
	"只输出总结文字，不要标题、不要编号、不要其他解释。\n\n---\n\n"

// BuildSummaryInput 拼接片段并截断到 maxChars，供总结用
func BuildSummaryInput(segments []string, maxChars int) string {
	var parts []string
	for _, seg := range segments {
		if s := strings.TrimSpace(seg); s != "" {
			parts = append(parts, s)
		}
	}
	text := strings.Join(parts, "\n\n")
	if maxChars <= 0 || len([]rune(text)) <= maxChars {
		return text
	}
	runes := []rune(text)
	return strings.TrimRight(string(runes[:maxChars]), " \n\t") + "…"
}

// Summarize 生成 2~4 句话的文档总结
func (c *Client) Summarize(ctx context.Context, text string) (string, error) {
	return c.ChatCompletion(ctx, ChatOptions{
		Model:       c.cfg.ChatModel,
		Temperature: 0.3,
		MaxTokens:   500,
	}, []Message{UserText(summaryPrompt + text)})
}

// DescribeImage 用视觉模型描述图片
func (c *Client) DescribeImage(ctx context.Context, prompt string, image []byte, maxTokens int) (string, error) {
	return c.ChatCompletion(ctx, ChatOptions{
		Model:     c.cfg.VisionModel,
		MaxTokens: maxTokens,
	}, []Message{UserImage(prompt, image)})
}
