package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/knowbase/config"
	"github.com/BaSui01/knowbase/internal/tlsutil"
	"github.com/BaSui01/knowbase/types"
)

// MinerULocal 调用自部署 MinerU Web 服务的解析后端。
//
// POST /file_parse（multipart）同步返回解析结果；响应里 results 按文件名
// 包装单个文档，图片以 base64 随 images 字段返回。
type MinerULocal struct {
	cfg    config.MinerUConfig
	client *http.Client
	logger *zap.Logger
}

// NewMinerULocal 创建本地 MinerU 后端
func NewMinerULocal(cfg config.MinerUConfig, logger *zap.Logger) *MinerULocal {
	return &MinerULocal{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.LocalTimeout),
		logger: logger.With(zap.String("component", "mineru_local")),
	}
}

func (*MinerULocal) Name() string { return "mineru_local" }

func (m *MinerULocal) TryParse(ctx context.Context, req Request) (*Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("files", req.Filename)
	if err != nil {
		return nil, fmt.Errorf("build multipart: %w", err)
	}
	if _, err := part.Write(req.Data); err != nil {
		return nil, fmt.Errorf("write file payload: %w", err)
	}
	fields := map[string]string{
		"return_md":           "true",
		"return_content_list": "true",
		"return_images":       "true",
		"lang_list":           "ch",
		"backend":             m.cfg.Backend,
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	url := strings.TrimRight(m.cfg.LocalBaseURL, "/") + "/file_parse"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	m.logger.Info("calling local parse service",
		zap.String("filename", req.Filename),
		zap.Int("bytes", len(req.Data)))

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "local parse request failed").WithCause(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 512<<20))
	if err != nil {
		return nil, fmt.Errorf("read parse response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("local parse returned %d: %s", resp.StatusCode, truncateForLog(payload))).
			WithRetryable(resp.StatusCode >= 500)
	}

	var result map[string]any
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decode parse response: %w", err)
	}

	markdown, rawBlocks := normalizeLocalResponse(result)
	injectImagesFromLocalResponse(result, rawBlocks, m.logger)

	return &Result{
		Markdown: markdown,
		Blocks:   convertRawBlocks(rawBlocks),
	}, nil
}

// normalizeLocalResponse 拆掉 results 包装，统一出 markdown 与 content_list
func normalizeLocalResponse(result map[string]any) (string, []map[string]any) {
	doc := result
	switch wrapped := result["results"].(type) {
	case []any:
		if len(wrapped) > 0 {
			if first, ok := wrapped[0].(map[string]any); ok {
				doc = first
			}
		}
	case map[string]any:
		for _, v := range wrapped {
			if first, ok := v.(map[string]any); ok {
				doc = first
			}
			break
		}
	}

	markdown := firstString(doc, "markdown", "md", "md_content")

	var rawBlocks []map[string]any
	switch cl := doc["content_list"].(type) {
	case []any:
		rawBlocks = toBlockMaps(cl)
	case string:
		// content_list 偶尔以 JSON 字符串形式返回
		var parsed any
		if err := json.Unmarshal([]byte(cl), &parsed); err == nil {
			rawBlocks = extractContentList(parsed, 0)
		}
	}
	if rawBlocks == nil {
		rawBlocks = extractContentList(result, 0)
	}
	return markdown, rawBlocks
}

// injectImagesFromLocalResponse 把 results.xxx.images 的 base64 图片注入图片类 block
func injectImagesFromLocalResponse(result map[string]any, blocks []map[string]any, logger *zap.Logger) {
	if len(blocks) == 0 {
		return
	}
	wrapped, ok := result["results"].(map[string]any)
	if !ok || len(wrapped) == 0 {
		return
	}
	var images map[string]any
	for _, v := range wrapped {
		if doc, ok := v.(map[string]any); ok {
			images, _ = doc["images"].(map[string]any)
		}
		break
	}
	if len(images) == 0 {
		return
	}

	// 文件名 → 字节（key 可能是 "0.png" 或 "images/0.png"）
	nameToBytes := make(map[string][]byte, len(images)*2)
	for k, v := range images {
		s, ok := v.(string)
		if !ok {
			continue
		}
		decoded := decodeBase64Image(s)
		if decoded == nil {
			continue
		}
		nameToBytes[k] = decoded
		if idx := strings.LastIndex(k, "/"); idx != -1 {
			base := k[idx+1:]
			if _, exists := nameToBytes[base]; !exists {
				nameToBytes[base] = decoded
			}
		}
	}
	if len(nameToBytes) == 0 {
		return
	}

	injected := 0
	for _, block := range blocks {
		if block["image_bytes"] != nil || firstString(block, "b64_image", "base64_image") != "" {
			continue
		}
		if !isImageRawBlock(block) {
			continue
		}
		relPath := normalizeZipPath(firstString(block, imagePathKeys...))
		if relPath == "" {
			continue
		}
		base := relPath
		if idx := strings.LastIndex(relPath, "/"); idx != -1 {
			base = relPath[idx+1:]
		}
		for _, candidate := range []string{relPath, base} {
			if data, ok := nameToBytes[candidate]; ok {
				block["image_bytes"] = data
				injected++
				break
			}
		}
	}

	// 按序兜底：剩余未注入的图片 block 与图片按名称排序一一配对
	sortedNames := make([]string, 0, len(nameToBytes))
	for name := range nameToBytes {
		sortedNames = append(sortedNames, name)
	}
	sort.Slice(sortedNames, func(i, j int) bool {
		ci, cj := strings.Count(sortedNames[i], "/"), strings.Count(sortedNames[j], "/")
		if ci != cj {
			return ci < cj
		}
		return sortedNames[i] < sortedNames[j]
	})
	used := make(map[string]bool)
	for _, block := range blocks {
		if block["image_bytes"] != nil {
			continue
		}
		if !rawImageTypes[rawBlockTypeOf(block)] {
			continue
		}
		for _, name := range sortedNames {
			if used[name] {
				continue
			}
			block["image_bytes"] = nameToBytes[name]
			used[name] = true
			injected++
			break
		}
	}

	if injected > 0 {
		logger.Info("image bytes injected from local response", zap.Int("count", injected))
	}
}
