package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/knowbase/config"
	"github.com/BaSui01/knowbase/internal/tlsutil"
	"github.com/BaSui01/knowbase/types"
)

// Audio 音频转写提取器（OpenAI 兼容 /audio/transcriptions 接口）
type Audio struct {
	cfg    config.LLMConfig
	client *http.Client
	logger *zap.Logger
}

// NewAudio 创建音频转写提取器
func NewAudio(cfg config.LLMConfig, logger *zap.Logger) *Audio {
	return &Audio{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("component", "audio_parser")),
	}
}

func (*Audio) Name() string { return "audio" }

func (a *Audio) TryParse(ctx context.Context, req Request) (*Result, error) {
	if a.cfg.APIKey == "" {
		return nil, types.NewError(types.ErrProviderUnavailable, "transcription API key not configured")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", req.Filename)
	if err != nil {
		return nil, fmt.Errorf("build multipart: %w", err)
	}
	if _, err := part.Write(req.Data); err != nil {
		return nil, fmt.Errorf("write audio payload: %w", err)
	}
	if err := mw.WriteField("model", a.cfg.TranscribeModel); err != nil {
		return nil, fmt.Errorf("write model field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	url := strings.TrimRight(a.cfg.BaseURL, "/") + "/audio/transcriptions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "transcription request failed").WithCause(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read transcription response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("transcription returned %d: %s", resp.StatusCode, truncateForLog(payload))).
			WithRetryable(resp.StatusCode >= 500)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode transcription response: %w", err)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return &Result{}, nil
	}

	a.logger.Info("audio transcribed",
		zap.String("filename", req.Filename),
		zap.Int("chars", len(text)))

	var blocks []Block
	for _, p := range splitParagraphs(text) {
		blocks = append(blocks, Block{Type: BlockText, Text: p, PageNumbers: []int{0}})
	}
	return &Result{Blocks: blocks}, nil
}

func truncateForLog(b []byte) string {
	s := string(b)
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}
