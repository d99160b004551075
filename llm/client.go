// Package llm OpenAI 兼容的对话模型客户端。
//
// 文档总结与图片理解共用同一个端点：总结走纯文本 chat completion，
// 图片理解走多模态消息（text + image_url 的 data URI）。
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/knowbase/config"
	"github.com/BaSui01/knowbase/internal/tlsutil"
	"github.com/BaSui01/knowbase/types"
)

// Message 对话消息。Content 为字符串或多模态分段列表。
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// UserText 纯文本用户消息
func UserText(text string) Message {
	return Message{Role: "user", Content: text}
}

// UserImage 携带图片的用户消息（data URI 内联）
func UserImage(prompt string, image []byte) Message {
	dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(image)
	return Message{Role: "user", Content: []map[string]any{
		{"type": "text", "text": prompt},
		{"type": "image_url", "image_url": map[string]string{"url": dataURI}},
	}}
}

// ChatOptions 单次调用参数
type ChatOptions struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Client 对话模型客户端
type Client struct {
	cfg    config.LLMConfig
	client *http.Client
	logger *zap.Logger
}

// NewClient 创建客户端
func NewClient(cfg config.LLMConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("component", "llm_client")),
	}
}

// Available 是否配置了可用的端点
func (c *Client) Available() bool {
	return c.cfg.BaseURL != "" && c.cfg.APIKey != ""
}

// VisionAvailable 是否开启了图片理解
func (c *Client) VisionAvailable() bool {
	return c.Available() && c.cfg.VisionModel != ""
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ChatCompletion 执行一次对话补全，返回首个 choice 的文本
func (c *Client) ChatCompletion(ctx context.Context, opts ChatOptions, messages []Message) (string, error) {
	if !c.Available() {
		return "", types.NewError(types.ErrProviderUnavailable, "llm endpoint not configured")
	}

	body, err := json.Marshal(chatRequest{
		Model:       opts.Model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", types.NewError(types.ErrUpstreamError, "llm request failed").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("llm returned status %d", resp.StatusCode)).
			WithRetryable(resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", types.NewError(types.ErrUpstreamError, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", types.NewError(types.ErrUpstreamError, "llm returned no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}
