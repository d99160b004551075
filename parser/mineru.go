package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/knowbase/config"
	"github.com/BaSui01/knowbase/internal/tlsutil"
	"github.com/BaSui01/knowbase/types"
)

// MinerUExternal 调用 mineru.net 官方 API 的解析后端。
//
// 流程：POST /api/v4/extract/task 创建任务 → 轮询 GET /api/v4/extract/task/{id}
// 直到返回 full_zip_url → 下载 ZIP，提取 markdown 与 content_list，并把 ZIP 内
// 图片字节注入到图片类 block。
type MinerUExternal struct {
	cfg    config.MinerUConfig
	client *http.Client
	logger *zap.Logger
}

// NewMinerUExternal 创建外部 MinerU API 后端
func NewMinerUExternal(cfg config.MinerUConfig, logger *zap.Logger) *MinerUExternal {
	return &MinerUExternal{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(2 * time.Minute),
		logger: logger.With(zap.String("component", "mineru_external")),
	}
}

func (*MinerUExternal) Name() string { return "mineru_external" }

func (m *MinerUExternal) TryParse(ctx context.Context, req Request) (*Result, error) {
	if req.FileURL == "" {
		return nil, fmt.Errorf("external API requires an accessible file URL")
	}

	taskID, err := m.createTask(ctx, req.FileURL)
	if err != nil {
		return nil, err
	}
	m.logger.Info("extract task created",
		zap.String("task_id", taskID),
		zap.String("filename", req.Filename))

	zipURL, err := m.pollTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	zipData, err := m.download(ctx, zipURL)
	if err != nil {
		return nil, err
	}
	return parseResultZip(zipData, m.logger)
}

// modelVersion 将配置的后端名映射到外部 API 的 model_version
func (m *MinerUExternal) modelVersion() string {
	b := strings.ToLower(m.cfg.Backend)
	switch {
	case strings.Contains(b, "vlm"):
		return "vlm"
	case strings.Contains(b, "html"):
		return "MinerU-HTML"
	default:
		return "pipeline"
	}
}

func (m *MinerUExternal) createTask(ctx context.Context, fileURL string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"url":            fileURL,
		"model_version":  m.modelVersion(),
		"language":       "ch",
		"enable_formula": true,
		"enable_table":   true,
	})
	if err != nil {
		return "", fmt.Errorf("marshal task body: %w", err)
	}

	url := strings.TrimRight(m.cfg.APIBase, "/") + "/api/v4/extract/task"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+m.cfg.APIToken)

	payload, err := m.doJSON(httpReq)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	data := unwrapData(payload)
	taskID := firstString(data, "task_id", "id", "taskId")
	if taskID == "" {
		return "", types.NewError(types.ErrUpstreamError, "extract API returned no task ID")
	}
	return taskID, nil
}

// pollTask 轮询任务直到拿到结果 ZIP 地址
func (m *MinerUExternal) pollTask(ctx context.Context, taskID string) (string, error) {
	url := strings.TrimRight(m.cfg.APIBase, "/") + "/api/v4/extract/task/" + taskID
	deadline := time.Now().Add(m.cfg.PollTimeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.cfg.PollInterval):
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", fmt.Errorf("build poll request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+m.cfg.APIToken)

		payload, err := m.doJSON(httpReq)
		if err != nil {
			return "", fmt.Errorf("poll task %s: %w", taskID, err)
		}

		data := unwrapData(payload)
		if zipURL := firstString(data, "full_zip_url", "fullZipUrl", "result_url"); zipURL != "" {
			return zipURL, nil
		}

		status := strings.ToLower(firstString(data, "status", "state"))
		switch status {
		case "failed", "error", "failure":
			return "", types.NewError(types.ErrParseFailed,
				fmt.Sprintf("extract task failed: %s", firstString(data, "message", "err_msg")))
		}
		m.logger.Debug("extract task pending",
			zap.String("task_id", taskID),
			zap.String("status", status))
	}
	return "", types.NewError(types.ErrUpstreamTimeout, "extract task polling timed out").WithRetryable(true)
}

func (m *MinerUExternal) download(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "download result archive").WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("result archive download returned %d", resp.StatusCode))
	}
	return io.ReadAll(io.LimitReader(resp.Body, 512<<20))
}

func (m *MinerUExternal) doJSON(req *http.Request) (map[string]any, error) {
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "request failed").WithCause(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, truncateForLog(payload))).
			WithRetryable(resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests)
	}

	var out map[string]any
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// ============ 📦 结果 ZIP 提取 ============

var zipImageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".webp"}

// parseResultZip 从结果 ZIP 中取出 markdown 与 content_list，注入图片字节
func parseResultZip(data []byte, logger *zap.Logger) (*Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open result archive: %w", err)
	}

	names := make([]string, 0, len(zr.File))
	byName := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
		byName[f.Name] = f
	}
	sort.Strings(names)

	var mdParts []string
	var rawBlocks []map[string]any
	for _, name := range names {
		switch {
		case strings.HasSuffix(name, ".md"):
			content, err := readZipFile(byName[name])
			if err != nil {
				logger.Warn("skip unreadable markdown in archive", zap.String("name", name), zap.Error(err))
				continue
			}
			mdParts = append(mdParts, decodeText(content))
		case strings.HasSuffix(name, ".json") && rawBlocks == nil:
			content, err := readZipFile(byName[name])
			if err != nil {
				continue
			}
			var obj any
			if err := json.Unmarshal(content, &obj); err != nil {
				continue
			}
			if cl := extractContentList(obj, 0); len(cl) > 0 {
				logger.Info("content list extracted from archive",
					zap.String("name", name),
					zap.Int("blocks", len(cl)))
				rawBlocks = cl
			}
		}
	}

	injectImagesFromZip(byName, names, rawBlocks, logger)

	return &Result{
		Markdown: strings.Join(mdParts, "\n\n"),
		Blocks:   convertRawBlocks(rawBlocks),
	}, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// isLikelyBlockList 判断列表首元素是否具备 block 特征字段
func isLikelyBlockList(lst []any) bool {
	if len(lst) == 0 {
		return false
	}
	first, ok := lst[0].(map[string]any)
	if !ok {
		return false
	}
	for _, k := range []string{"text", "type", "content", "md", "page_idx", "content_type"} {
		if _, present := first[k]; present {
			return true
		}
	}
	return false
}

// extractContentList 在任意 JSON 结构中递归寻找 block 列表（深度上限 4）
func extractContentList(obj any, depth int) []map[string]any {
	if depth > 4 {
		return nil
	}
	switch v := obj.(type) {
	case []any:
		if isLikelyBlockList(v) {
			return toBlockMaps(v)
		}
		return nil
	case map[string]any:
		for _, key := range []string{"content_list", "items", "content_list_v2", "contentList", "blocks", "contentListV2"} {
			if lst, ok := v[key].([]any); ok && isLikelyBlockList(lst) {
				return toBlockMaps(lst)
			}
		}
		for _, key := range []string{"results", "data"} {
			switch wrap := v[key].(type) {
			case []any:
				if isLikelyBlockList(wrap) {
					return toBlockMaps(wrap)
				}
			case map[string]any:
				for _, inner := range wrap {
					if out := extractContentList(inner, depth+1); out != nil {
						return out
					}
				}
			}
		}
		// 单键包装（如 { "<task_id>": {...} }）
		if len(v) == 1 {
			for _, only := range v {
				return extractContentList(only, depth+1)
			}
		}
	}
	return nil
}

func toBlockMaps(lst []any) []map[string]any {
	out := make([]map[string]any, 0, len(lst))
	for _, item := range lst {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// ============ 🖼️ 图片字节注入 ============

// 图片类 raw type（含归一化前的别名）
var rawImageTypes = map[string]bool{
	"image": true, "image_caption": true, "image_footnote": true,
	"image_body": true, "figure": true, "img": true, "picture": true,
}

var imagePathKeys = []string{"img_path", "image_path", "path", "image_save_path", "save_path", "image_src"}

func rawBlockTypeOf(block map[string]any) string {
	return strings.ToLower(strings.TrimSpace(firstString(block, "type", "content_type", "block_type")))
}

func isImageRawBlock(block map[string]any) bool {
	if rawImageTypes[rawBlockTypeOf(block)] {
		return true
	}
	for _, k := range imagePathKeys {
		if firstString(block, k) != "" {
			return true
		}
	}
	return false
}

// injectImagesFromZip 把 ZIP 内图片字节注入图片类 block。
// 优先按 block 的相对路径匹配 ZIP 条目（支持 task 前缀），剩余未匹配的
// 图片 block 按出现顺序与 ZIP 内图片按序兜底配对。
func injectImagesFromZip(byName map[string]*zip.File, names []string, blocks []map[string]any, logger *zap.Logger) {
	if len(blocks) == 0 {
		return
	}
	var imageNames []string
	for _, n := range names {
		if strings.HasSuffix(n, "/") {
			continue
		}
		lower := strings.ToLower(n)
		for _, ext := range zipImageExtensions {
			if strings.HasSuffix(lower, ext) {
				imageNames = append(imageNames, n)
				break
			}
		}
	}
	if len(imageNames) == 0 {
		return
	}

	injected := 0
	var unmatched []map[string]any
	for _, block := range blocks {
		if block["image_bytes"] != nil || firstString(block, "b64_image", "base64_image") != "" {
			continue
		}
		if !isImageRawBlock(block) {
			continue
		}
		relPath := firstString(block, imagePathKeys...)
		if relPath != "" {
			if member := findImageInZip(imageNames, relPath); member != "" {
				if data, err := readZipFile(byName[member]); err == nil && len(data) > 0 {
					block["image_bytes"] = data
					injected++
					continue
				}
			}
		}
		unmatched = append(unmatched, block)
	}

	// 按序兜底
	used := make(map[string]bool)
	for _, block := range unmatched {
		if block["image_bytes"] != nil {
			continue
		}
		for _, name := range imageNames {
			if used[name] {
				continue
			}
			if data, err := readZipFile(byName[name]); err == nil && len(data) > 0 {
				block["image_bytes"] = data
				used[name] = true
				injected++
				break
			}
		}
	}

	if injected > 0 {
		logger.Info("image bytes injected from archive", zap.Int("count", injected))
	}
}

func normalizeZipPath(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	return strings.TrimLeft(p, "./")
}

func findImageInZip(imageNames []string, relPath string) string {
	norm := normalizeZipPath(relPath)
	if norm == "" {
		return ""
	}
	for _, name := range imageNames {
		n := strings.ReplaceAll(name, "\\", "/")
		if n == norm || strings.HasSuffix(n, "/"+norm) || strings.HasSuffix(n, norm) {
			return name
		}
	}
	return ""
}

// ============ 🔁 raw block → Block ============

// convertRawBlocks 把异构的 raw block 统一为 Block
func convertRawBlocks(raw []map[string]any) []Block {
	out := make([]Block, 0, len(raw))
	for _, m := range raw {
		blockType := NormalizeBlockType(firstValue(m, "type", "content_type", "block_type"))
		text := strings.TrimSpace(firstString(m, "text", "content", "md"))

		pages := NormalizePages(firstValue(m, "page_idx", "page_no"))
		if pages == nil {
			pages = []int{0}
		}

		b := Block{
			Type:        blockType,
			Text:        text,
			PageNumbers: pages,
			TableBody:   strings.TrimSpace(firstString(m, "table_body")),
		}
		if data, ok := m["image_bytes"].([]byte); ok {
			b.ImageBytes = data
		} else if b64 := firstString(m, "b64_image", "base64_image"); b64 != "" {
			b.ImageBytes = decodeBase64Image(b64)
		}
		out = append(out, b)
	}
	return out
}

func decodeBase64Image(s string) []byte {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, ","); strings.HasPrefix(s, "data:") && idx != -1 {
		s = s[idx+1:]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return data
}

// ============ 🔧 map 取值辅助 ============

func unwrapData(payload map[string]any) map[string]any {
	if data, ok := payload["data"].(map[string]any); ok {
		return data
	}
	return payload
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func firstValue(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}
