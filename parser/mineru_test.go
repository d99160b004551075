package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/knowbase/config"
)

func testMinerUConfig() config.MinerUConfig {
	cfg := config.DefaultMinerUConfig()
	cfg.APIToken = "test-token"
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PollTimeout = 2 * time.Second
	return cfg
}

func testLLMConfig() config.LLMConfig {
	return config.DefaultLLMConfig()
}

func buildResultZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestMinerUExternalFullFlow(t *testing.T) {
	contentList, err := json.Marshal(map[string]any{
		"content_list": []map[string]any{
			{"type": "title", "text": "概述", "page_idx": 0},
			{"type": "image", "img_path": "images/0.png", "page_idx": 1},
			{"type": "text", "text": "正文段落", "page_idx": 1},
		},
	})
	require.NoError(t, err)

	zipData := buildResultZip(t, map[string][]byte{
		"t1/full.md":              []byte("# 概述\n\n正文段落"),
		"t1/t1_content_list.json": contentList,
		"t1/images/0.png":         []byte("PNGDATA"),
	})

	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/extract/task", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "http://files.local/a.pdf", body["url"])
		assert.Equal(t, "pipeline", body["model_version"])
		assert.Equal(t, "ch", body["language"])
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"task_id": "t1"}})
	})
	var server *httptest.Server
	mux.HandleFunc("/api/v4/extract/task/t1", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) == 1 {
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"status": "running"}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
			"status":       "done",
			"full_zip_url": server.URL + "/result.zip",
		}})
	})
	mux.HandleFunc("/result.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Write(zipData)
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	cfg := testMinerUConfig()
	cfg.APIBase = server.URL

	res, err := NewMinerUExternal(cfg, zap.NewNop()).TryParse(context.Background(), Request{
		Filename: "a.pdf",
		FileURL:  "http://files.local/a.pdf",
	})
	require.NoError(t, err)

	assert.Equal(t, "# 概述\n\n正文段落", res.Markdown)
	require.Len(t, res.Blocks, 3)
	assert.Equal(t, BlockTitle, res.Blocks[0].Type)
	assert.Equal(t, "概述", res.Blocks[0].Text)
	assert.Equal(t, BlockImage, res.Blocks[1].Type)
	assert.Equal(t, []byte("PNGDATA"), res.Blocks[1].ImageBytes)
	assert.Equal(t, []int{1}, res.Blocks[1].PageNumbers)
	assert.Equal(t, BlockText, res.Blocks[2].Type)
}

func TestMinerUExternalTaskFailed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/extract/task", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"id": "t2"}})
	})
	mux.HandleFunc("/api/v4/extract/task/t2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
			"status":  "failed",
			"message": "corrupted pdf",
		}})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := testMinerUConfig()
	cfg.APIBase = server.URL

	_, err := NewMinerUExternal(cfg, zap.NewNop()).TryParse(context.Background(), Request{
		Filename: "a.pdf",
		FileURL:  "http://files.local/a.pdf",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupted pdf")
}

func TestMinerUExternalRequiresFileURL(t *testing.T) {
	_, err := NewMinerUExternal(testMinerUConfig(), zap.NewNop()).TryParse(context.Background(), Request{
		Filename: "a.pdf",
	})
	require.Error(t, err)
}

func TestMinerULocalParse(t *testing.T) {
	imageBytes := []byte("LOCALPNG")
	b64 := "data:image/png;base64," + base64.StdEncoding.EncodeToString(imageBytes)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/file_parse", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(32<<20))
		assert.Equal(t, "true", r.FormValue("return_content_list"))
		assert.Equal(t, "ch", r.FormValue("lang_list"))
		assert.Equal(t, "pipeline", r.FormValue("backend"))
		_, header, err := r.FormFile("files")
		require.NoError(t, err)
		assert.Equal(t, "a.pdf", header.Filename)

		json.NewEncoder(w).Encode(map[string]any{
			"results": map[string]any{
				"a.pdf": map[string]any{
					"md_content": "# 本地解析",
					"content_list": []map[string]any{
						{"type": 4, "img_path": "images/0.png", "page_idx": 2},
						{"type": "text", "text": "正文", "page_idx": 2},
					},
					"images": map[string]any{"images/0.png": b64},
				},
			},
		})
	}))
	defer server.Close()

	cfg := testMinerUConfig()
	cfg.LocalBaseURL = server.URL

	res, err := NewMinerULocal(cfg, zap.NewNop()).TryParse(context.Background(), Request{
		Filename: "a.pdf",
		Data:     []byte("%PDF-fake"),
	})
	require.NoError(t, err)

	assert.Equal(t, "# 本地解析", res.Markdown)
	require.Len(t, res.Blocks, 2)
	assert.Equal(t, BlockImage, res.Blocks[0].Type)
	assert.Equal(t, imageBytes, res.Blocks[0].ImageBytes)
	assert.Equal(t, []int{2}, res.Blocks[0].PageNumbers)
	assert.Equal(t, "正文", res.Blocks[1].Text)
}

func TestExtractContentListUnwrapsNesting(t *testing.T) {
	payload := []byte(`{"data":{"some-task-uuid":{"contentList":[{"text":"你好","type":"text","page_idx":0}]}}}`)
	var obj any
	require.NoError(t, json.Unmarshal(payload, &obj))

	blocks := extractContentList(obj, 0)
	require.Len(t, blocks, 1)
	assert.Equal(t, "你好", blocks[0]["text"])
}

func TestExtractContentListRejectsNonBlockLists(t *testing.T) {
	payload := []byte(`{"foo":[{"unrelated":"value"}],"bar":["a","b"]}`)
	var obj any
	require.NoError(t, json.Unmarshal(payload, &obj))
	assert.Nil(t, extractContentList(obj, 0))
}

func TestConvertRawBlocksNormalizesFields(t *testing.T) {
	blocks := convertRawBlocks([]map[string]any{
		{"type": float64(1), "text": "标题", "page_idx": float64(0)},
		{"content_type": "figure_caption", "content": "图1 架构", "page_no": float64(3)},
		{"type": "table", "table_body": "| a |\n| 1 |", "page_idx": []any{float64(1), float64(2)}},
		{"type": "text", "md": "来自 md 字段"},
	})
	require.Len(t, blocks, 4)

	assert.Equal(t, BlockTitle, blocks[0].Type)
	assert.Equal(t, BlockImageCaption, blocks[1].Type)
	assert.Equal(t, []int{3}, blocks[1].PageNumbers)
	assert.Equal(t, BlockTable, blocks[2].Type)
	assert.Equal(t, "| a |\n| 1 |", blocks[2].TableBody)
	assert.Equal(t, []int{1, 2}, blocks[2].PageNumbers)
	assert.Equal(t, "来自 md 字段", blocks[3].Text)
	assert.Equal(t, []int{0}, blocks[3].PageNumbers)
}
